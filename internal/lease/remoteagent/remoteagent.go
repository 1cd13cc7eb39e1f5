// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package remoteagent implements the per-peer state machine of
// SPEC_FULL.md §4.6: establish, renew, subject/monitor expiration,
// arbitration request/result, termination, and the reverse-lease
// optimization. An Agent never locks anything itself -- per §5 the
// owning lease agent's single mutex is held by the caller for the
// duration of every method call here, and no method blocks or
// performs I/O of its own.
package remoteagent

import (
	"github.com/juju/loggo/v2"

	"github.com/juju/leaselayer/internal/lease/arbitration"
	"github.com/juju/leaselayer/internal/lease/clockticks"
	"github.com/juju/leaselayer/internal/lease/lri"
	"github.com/juju/leaselayer/internal/lease/relationship"
	"github.com/juju/leaselayer/internal/lease/timerqueue"
	"github.com/juju/leaselayer/internal/lease/wire"
)

var logger = loggo.GetLogger("leaselayer.remoteagent")

// State is one of the three remote-lease-agent states of §3.
type State int

const (
	Open State = iota
	Suspended
	Failed
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Suspended:
		return "SUSPENDED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Result is the sum-typed outcome of a state-machine operation,
// replacing the goto/exception control flow of the original (DESIGN
// NOTES §9). The owning lease agent inspects it to decide whether to
// surface an arbitration request, fail the remote lease agent, or do
// nothing further.
type Result int

const (
	// Continue means no further action is required of the caller.
	Continue Result = iota
	// EnterArbitration means the caller should build and surface an
	// arbitration request (see BuildArbitrationRequest).
	EnterArbitration
	// Fail means the caller should transition this remote lease agent
	// to FAILED and run its own on_lease_failure bookkeeping, including
	// notifying registered applications.
	Fail
	// FailSilently means the caller should transition this remote lease
	// agent to FAILED without any application notification or
	// on_lease_failure bookkeeping: no neighbor ever heard from us, so
	// nothing was ever told this remote lease agent existed.
	FailSilently
	// ArbitrationResultTimeout means the renew-or-arbitrate timer found
	// arbitration still outstanding past subject_fail_time (§4.9): the
	// caller should force a full lease failure with an
	// arbitration_result_timeout cause.
	ArbitrationResultTimeout
	// ClearAndRearm means the caller should clear any pending-message
	// state and has nothing further to send this tick.
	ClearAndRearm
)

// Config carries the subset of the owning lease agent's configuration
// a remote lease agent needs to compute deadlines and build messages.
type Config struct {
	DurationMillis             uint32
	SuspendDurationMillis      uint32
	ArbitrationDurationMillis  uint32
	RenewBeginRatio            uint32
	RetryCount                 int
	PingRetryInterval          clockticks.Ticks
	ListenEndpoint             lri.Endpoint
}

// Host is the seam through which an Agent reaches its owning lease
// agent's clock, timer queue, and instance minter, without holding a pointer
// back to its owning aggregator (arena+handle pattern, DESIGN NOTES
// §9 -- the owning lease agent stores Agents in an arena and gives
// timer callbacks the arena handle, not a Go pointer captured here).
type Host interface {
	Now() clockticks.Ticks
	Queue() *timerqueue.Queue
	NextInstance() uint64
	ArbitrationEnabledApplications() []string
}

// Agent is one remote lease agent: the state machine of §4.6 plus the
// lease relationship (§3/§4.5) it drives.
type Agent struct {
	host Host

	State                      State
	RemoteLeaseAgentIdentifier string
	RemoteLeaseAgentInstance   uint64
	Instance                   uint64
	RemoteSocketAddress        lri.Endpoint

	Subject                  *lri.Set
	Monitor                  *lri.Set
	SubjectEstablishPending  *lri.Set
	SubjectFailedPending     *lri.Set
	MonitorFailedPending     *lri.Set
	SubjectTerminatePending  *lri.Set
	SubjectTerminateAccepted *lri.Set

	InPing       bool
	PingSendTime clockticks.Ticks

	LeasingApplicationForArbitration string
	IsInArbitrationNeutral           bool
	RenewedBefore                    bool
	TimeToBeFailed                   clockticks.Ticks
	IsInTwoWayTermination            bool
	RemoteVersion                    uint16

	IsActive bool

	// RenewSentAt and the forward-backoff pair below are bookkeeping
	// the owning lease agent maintains on this Agent directly (rather
	// than threading them through Host) since both are purely about
	// this one peer's own send history, never shared across remote
	// lease agents.
	RenewSentAt clockticks.Ticks

	// ForwardBackoffAttempts/NextForwardAttempt gate how often the
	// indirect-lease forwarder (§4.8) retries fanning a stalled renewal
	// out to neighbors once a round has gone entirely unacknowledged,
	// per juju/retry's exponential schedule (forwarder.NextBackoff).
	ForwardBackoffAttempts int
	NextForwardAttempt     clockticks.Ticks

	Rel *relationship.Relationship
}

// New constructs an Agent for one remote peer. The returned Agent's
// seven timers are allocated but unarmed; the caller (the owning lease
// agent's arena) is responsible for installing each timer's Callback.
func New(host Host, remoteID string, remoteInstance, localInstance uint64, addr lri.Endpoint) *Agent {
	return &Agent{
		host:                       host,
		State:                      Open,
		RemoteLeaseAgentIdentifier: remoteID,
		RemoteLeaseAgentInstance:   remoteInstance,
		Instance:                   localInstance,
		RemoteSocketAddress:        addr,
		Subject:                  lri.NewSet(),
		Monitor:                  lri.NewSet(),
		SubjectEstablishPending:  lri.NewSet(),
		SubjectFailedPending:     lri.NewSet(),
		MonitorFailedPending:     lri.NewSet(),
		SubjectTerminatePending:  lri.NewSet(),
		SubjectTerminateAccepted: lri.NewSet(),
		Rel: relationship.New(),
	}
}

// SocketAddress implements forwarder.Neighbor.
func (a *Agent) SocketAddress() lri.Endpoint {
	return a.RemoteSocketAddress
}

// IsTwoWayActive reports whether both directions of the lease are
// ACTIVE and the agent is OPEN -- the condition the forwarder (§4.8)
// uses to pick healthy neighbors.
func (a *Agent) IsTwoWayActive() bool {
	return a.State == Open && a.Rel.SubjectState == relationship.Active && a.Rel.MonitorState == relationship.Active
}

// DequeueAllTimers removes every one of the seven timers from the
// queue, establishing (P1) after a transition to FAILED.
func (a *Agent) DequeueAllTimers() {
	q := a.host.Queue()
	for _, t := range a.Rel.Timers() {
		q.Dequeue(t)
	}
}

func ticksToMillis(t clockticks.Ticks) uint64 {
	if t < 0 {
		return 0
	}
	return uint64(t.Milliseconds())
}

// --- message construction ---

func (a *Agent) buildMessage(t wire.MessageType, cfg Config) (*wire.Message, error) {
	m := &wire.Message{
		MajorVersion:                     wire.ProtocolMajorVersion,
		MinorVersion:                     wire.ProtocolMinorVersion,
		LeaseInstance:                    a.Rel.SubjectIdentifier,
		RemoteLeaseAgentInstance:         a.RemoteLeaseAgentInstance,
		Duration:                         a.Rel.Duration,
		Expiration:                       a.Rel.SubjectExpireTime,
		SuspendDuration:                  a.Rel.LeaseSuspendDuration,
		ArbitrationDuration:              a.Rel.ArbitrationDuration,
		IsTwoWayTermination:              a.IsInTwoWayTermination,
		Type:                             t,
		MessageIdentifier:                a.host.NextInstance(),
		ListenEndpoint:                   cfg.ListenEndpoint,
		ExtendedRemoteLeaseAgentInstance: a.RemoteLeaseAgentInstance,
	}
	m.Lists[wire.ListSubjectPending] = a.SubjectEstablishPending.Values()
	m.Lists[wire.ListSubjectFailedPending] = a.SubjectFailedPending.Values()
	m.Lists[wire.ListMonitorFailedPending] = a.MonitorFailedPending.Values()
	m.Lists[wire.ListSubjectTerminatePending] = a.SubjectTerminatePending.Values()
	m.Lists[wire.ListSubjectTerminateAccepted] = a.SubjectTerminateAccepted.Values()
	return m, nil
}

// buildTerminationMessage is the "send as a termination" form of §4.6:
// expiration = +infinity, durations = MAX, two-way-termination flag
// set.
func (a *Agent) buildTerminationMessage(cfg Config) (*wire.Message, error) {
	saved := a.Rel.SubjectExpireTime
	a.Rel.SubjectExpireTime = clockticks.Max
	defer func() { a.Rel.SubjectExpireTime = saved }()

	m, err := a.buildMessage(wire.LeaseRequest, cfg)
	if err != nil {
		return nil, err
	}
	m.Duration = ^uint32(0)
	m.SuspendDuration = ^uint32(0)
	m.ArbitrationDuration = ^uint32(0)
	m.IsTwoWayTermination = true
	return m, nil
}

// --- establish / renew ---

// Establish is the "first activation" operation of §4.6: it activates
// the subject direction (if not already ACTIVE) and queues id into the
// subject-establish-pending set for the outgoing LEASE_REQUEST.
func (a *Agent) Establish(id lri.LRI, cfg Config) (*wire.Message, error) {
	now := a.host.Now()
	if a.Rel.SubjectState == relationship.Inactive {
		a.Rel.SubjectState = relationship.Active
		a.Rel.SubjectIdentifier = a.host.NextInstance()
		a.Rel.Duration = cfg.DurationMillis
		a.Rel.LeaseSuspendDuration = cfg.SuspendDurationMillis
		a.Rel.ArbitrationDuration = cfg.ArbitrationDurationMillis
		a.Rel.SubjectExpireTime = now + clockticks.FromMilliseconds(int64(cfg.DurationMillis))
		a.Rel.SubjectFailTime = a.Rel.SubjectExpireTime + clockticks.FromMilliseconds(int64(cfg.ArbitrationDurationMillis))
		a.Rel.SubjectSuspendTime = a.Rel.SubjectExpireTime + clockticks.FromMilliseconds(int64(cfg.SuspendDurationMillis))

		if a.Rel.MonitorState == relationship.Inactive {
			a.host.Queue().Arm(a.Rel.SubjectExpiredTimer, a.Rel.SubjectExpireTime)
		}
		a.host.Queue().Arm(a.Rel.RenewOrArbitrateTimer, a.Rel.RenewInstant(cfg.RenewBeginRatio))
	}

	a.Subject.Add(id)
	a.SubjectEstablishPending.Add(id)
	return a.buildMessage(wire.LeaseRequest, cfg)
}

// MarkMessageSent records that a LEASE_REQUEST reached the transport,
// establishing P7's monotonic lease_message_sent flag.
func (a *Agent) MarkMessageSent() {
	a.Rel.LeaseMessageSent = true
}

func (a *Agent) rearmRenew(cfg Config) {
	a.host.Queue().Arm(a.Rel.RenewOrArbitrateTimer, a.Rel.RenewInstant(cfg.RenewBeginRatio))
}

// Renew fires on the renew-or-arbitrate timer (§4.6 "Renew"). It
// returns the message to send, if any, and the Result the caller
// should act on. WasRetrying reports, via a.Rel.IsRenewRetry observed
// by the caller *before* this call, whether this fire is itself a
// retry -- the condition §4.8 requires before engaging the indirect
// forwarder.
func (a *Agent) Renew(cfg Config) (*wire.Message, Result) {
	now := a.host.Now()
	if a.State == Failed {
		if now >= a.Rel.SubjectFailTime {
			return nil, a.SubjectExpiredCallback(cfg)
		}
		return nil, Continue
	}

	// This timer fired too late: SubjectExpiredCallback or
	// MonitorExpiredCallback already moved this relationship toward (or
	// through) arbitration. armNextRetry clamps the final retry's
	// deadline to subject_expire_time, so that retry and
	// SubjectExpiredTimer can land on the same tick; whichever runs
	// second must not resend a lease that has already entered
	// arbitration. The only useful work left here is detecting a missed
	// arbitration result (§4.9).
	if a.Rel.SubjectState != relationship.Active || a.Rel.MonitorState >= relationship.Expired {
		if a.State == Suspended &&
			a.Rel.SubjectState == relationship.Expired &&
			a.Rel.MonitorState == relationship.Expired &&
			now >= a.Rel.SubjectFailTime {
			a.Rel.SubjectState = relationship.Failed
			a.Rel.MonitorState = relationship.Inactive
			return nil, ArbitrationResultTimeout
		}
		return nil, Continue
	}

	if a.Rel.IsRenewRetry {
		return a.renewRetry(cfg, now)
	}

	newExpire := now + clockticks.FromMilliseconds(int64(a.Rel.Duration))
	if newExpire < a.Rel.SubjectExpireTime {
		a.rearmRenew(cfg)
		return nil, Continue
	}

	a.Rel.SubjectExpireTime = newExpire
	a.Rel.SubjectFailTime = newExpire + clockticks.FromMilliseconds(int64(a.Rel.ArbitrationDuration))
	a.Rel.SubjectSuspendTime = newExpire + clockticks.FromMilliseconds(int64(a.Rel.LeaseSuspendDuration))

	if a.Subject.Empty() {
		a.State = Suspended
		a.rearmRenew(cfg)
		msg, err := a.buildTerminationMessage(cfg)
		if err != nil {
			return nil, Fail
		}
		return msg, Continue
	}

	// The first fire at the renew instant sends the renewal and enters
	// retry mode: until a LEASE_RESPONSE clears it (ReceiveLeaseResponse)
	// or subject_expire_time passes, further fires resend at the evenly
	// spaced cadence of §4.5 instead of waiting a full duration.
	a.Rel.IsRenewRetry = true
	a.Rel.RenewRetryCount = 0
	a.armNextRetry(cfg, now)

	msg, err := a.buildMessage(wire.LeaseRequest, cfg)
	if err != nil {
		return nil, Fail
	}
	return msg, Continue
}

func (a *Agent) renewRetry(cfg Config, now clockticks.Ticks) (*wire.Message, Result) {
	a.Rel.RenewRetryCount++
	a.armNextRetry(cfg, now)
	a.armPreArbitrationSubject(cfg, now)
	msg, err := a.buildMessage(wire.LeaseRequest, cfg)
	if err != nil {
		return nil, Fail
	}
	return msg, Continue
}

func (a *Agent) armNextRetry(cfg Config, now clockticks.Ticks) {
	interval := a.Rel.RetryInterval(cfg.RenewBeginRatio, cfg.RetryCount)
	next := now + interval
	if interval <= 0 || next > a.Rel.SubjectExpireTime {
		next = a.Rel.SubjectExpireTime
	}
	a.host.Queue().Arm(a.Rel.RenewOrArbitrateTimer, next)
}

// armPreArbitrationSubject arms the advisory pre-arbitration-subject
// timer (§4.5, "armed when: on renew retry") a retry-interval ahead of
// subject_expire_time, so the higher layer learns arbitration may be
// imminent well before the relationship actually enters it.
func (a *Agent) armPreArbitrationSubject(cfg Config, now clockticks.Ticks) {
	margin := a.Rel.RetryInterval(cfg.RenewBeginRatio, cfg.RetryCount)
	if margin <= 0 {
		margin = clockticks.FromMilliseconds(int64(a.Rel.ArbitrationDuration)) / 2
	}
	deadline := a.Rel.SubjectExpireTime - margin
	if deadline < now {
		deadline = now
	}
	a.host.Queue().Arm(a.Rel.PreArbitrationSubjectTimer, deadline)
}

// armPreArbitrationMonitor arms the monitor-side counterpart (§4.5,
// "armed when: on monitor imminent expiry") the same margin ahead of
// monitor_expire_time.
func (a *Agent) armPreArbitrationMonitor(cfg Config, now clockticks.Ticks) {
	margin := a.Rel.RetryInterval(cfg.RenewBeginRatio, cfg.RetryCount)
	if margin <= 0 {
		margin = clockticks.FromMilliseconds(int64(a.Rel.ArbitrationDuration)) / 2
	}
	deadline := a.Rel.MonitorExpireTime - margin
	if deadline < now {
		deadline = now
	}
	a.host.Queue().Arm(a.Rel.PreArbitrationMonitorTimer, deadline)
}

// --- expiration callbacks ---

// SubjectExpiredCallback is §4.6's "Subject expired callback".
func (a *Agent) SubjectExpiredCallback(cfg Config) Result {
	if a.Rel.SubjectState == relationship.Inactive && a.Rel.MonitorState == relationship.Active {
		a.InPing = false
		logger.Debugf("remote lease agent %s: ping was not answered, aborting silently", a.RemoteLeaseAgentIdentifier)
		return Continue
	}
	if a.Rel.MonitorState != relationship.Active && !a.Rel.LeaseMessageSent {
		return FailSilently
	}
	if a.RemoteVersion == wire.LegacyOneWayArbitrationVersion {
		return Fail
	}

	a.Rel.SubjectState = relationship.Expired
	a.Rel.MonitorState = relationship.Expired
	return EnterArbitration
}

// MonitorExpiredCallback is §4.6's "Monitor expired callback".
func (a *Agent) MonitorExpiredCallback() Result {
	if a.Rel.SubjectState == relationship.Inactive {
		a.Rel.ResetMonitor()
		return Continue
	}

	a.Rel.SubjectState = relationship.Expired
	a.Rel.MonitorState = relationship.Expired

	q := a.host.Queue()
	q.Dequeue(a.Rel.RenewOrArbitrateTimer)
	q.Dequeue(a.Rel.PreArbitrationSubjectTimer)
	q.Dequeue(a.Rel.PreArbitrationMonitorTimer)
	q.Dequeue(a.Rel.PingRetryTimer)
	return EnterArbitration
}

// --- arbitration ---

func (a *Agent) pickRemoteApplication() string {
	if !a.Monitor.Empty() {
		return a.Monitor.Values()[0].Remote
	}
	if !a.Subject.Empty() {
		return a.Subject.Values()[0].Remote
	}
	return ""
}

// BuildArbitrationRequest is §4.6's "Arbitration request construction".
// localAppID is the caller's chosen registered application with
// is_arbitration_enabled = true; if it is empty, arbitration is treated
// as lost without ever contacting a Driver, and ok is false.
func (a *Agent) BuildArbitrationRequest(localAppID string, cfg Config, now clockticks.Ticks) (req arbitration.Request, ok bool) {
	if localAppID == "" {
		a.Rel.SubjectState = relationship.Failed
		a.Rel.MonitorState = relationship.Inactive
		a.State = Failed
		return arbitration.Request{}, false
	}

	remoteAppID := a.pickRemoteApplication()
	a.LeasingApplicationForArbitration = remoteAppID

	req = arbitration.Request{
		LocalApplicationID:                         localAppID,
		RemoteApplicationID:                         remoteAppID,
		RemoteEndpoint:                              a.RemoteSocketAddress.Address,
		MonitorTTLMillis:                            ticksToMillis(a.Rel.MonitorExpireTime - now),
		SubjectTTLMillis:                            ticksToMillis(a.Rel.SubjectExpireTime - now),
		LocalInstance:                               a.Instance,
		RemoteInstance:                              a.RemoteLeaseAgentInstance,
		RemoteVersion:                               a.RemoteVersion,
		MonitorID:                                   a.RemoteLeaseAgentIdentifier,
		SubjectID:                                   a.RemoteLeaseAgentIdentifier,
		RemoteArbitrationDurationUpperBoundMillis:   uint64(a.Rel.RemoteArbitrationDuration),
	}
	return req, true
}

// BuildPreArbitrationNotice builds the advisory arbitration.Request
// surfaced by the pre-arbitration-subject/-monitor timers (§4.5):
// unlike BuildArbitrationRequest it never mutates state and never
// fails the lease when no arbitration-enabled application is
// registered -- it is a notice, not a request for a result.
func (a *Agent) BuildPreArbitrationNotice(localAppID string, now clockticks.Ticks) (arbitration.Request, bool) {
	if localAppID == "" {
		return arbitration.Request{}, false
	}
	return arbitration.Request{
		LocalApplicationID:  localAppID,
		RemoteApplicationID: a.pickRemoteApplication(),
		RemoteEndpoint:      a.RemoteSocketAddress.Address,
		MonitorTTLMillis:    ticksToMillis(a.Rel.MonitorExpireTime - now),
		SubjectTTLMillis:    ticksToMillis(a.Rel.SubjectExpireTime - now),
		LocalInstance:       a.Instance,
		RemoteInstance:      a.RemoteLeaseAgentInstance,
		RemoteVersion:       a.RemoteVersion,
		MonitorID:           a.RemoteLeaseAgentIdentifier,
		SubjectID:           a.RemoteLeaseAgentIdentifier,
		IsAdvisory:          true,
	}, true
}

// ApplyArbitrationResult is §4.6's arbitrate_lease. It returns the
// Result the caller should act on and whether a
// REMOTE_LEASING_APPLICATION_EXPIRED event should be surfaced to
// registered applications immediately (the "won, delayed" and
// "remote_ttl == 0" paths).
func (a *Agent) ApplyArbitrationResult(res arbitration.Result, now clockticks.Ticks) (Result, bool) {
	// "Dequeue the arbitration timer" (§4.6): the renew-or-arbitrate
	// timer was re-armed at subject_fail_time when arbitration began
	// (§4.9's timeout guard) and must not fire again now that a result
	// has actually landed.
	a.host.Queue().Dequeue(a.Rel.RenewOrArbitrateTimer)
	a.host.Queue().Dequeue(a.Rel.PreArbitrationSubjectTimer)
	a.host.Queue().Dequeue(a.Rel.PreArbitrationMonitorTimer)

	switch res.Outcome() {
	case arbitration.OutcomeLost:
		a.Rel.SubjectState = relationship.Failed
		a.Rel.MonitorState = relationship.Inactive
		a.IsInArbitrationNeutral = false
		a.State = Failed
		return Fail, false

	case arbitration.OutcomeWon:
		a.Rel.SubjectSuspendTime = 0
		a.IsInArbitrationNeutral = false
		if res.IsDelayed {
			return Continue, true
		}
		if res.RemoteTTLMillis == 0 {
			a.Rel.SubjectState = relationship.Expired
			a.Rel.MonitorState = relationship.Expired
			return Continue, true
		}
		deadline := now + clockticks.FromMilliseconds(int64(res.RemoteTTLMillis))
		a.host.Queue().Arm(a.Rel.PostArbitrationTimer, deadline)
		return Continue, false

	default: // neutral
		a.Rel.SubjectState = relationship.Inactive
		a.Rel.MonitorState = relationship.Failed
		a.IsInArbitrationNeutral = true
		a.State = Failed
		return Fail, false
	}
}

// --- termination ---

// TerminateMonitorLease is §4.6's terminate_monitor_lease.
func (a *Agent) TerminateMonitorLease(id lri.LRI) {
	a.Monitor.MoveTo(a.MonitorFailedPending, id)
}

// TerminateSubjectLease is §4.6's terminate_subject_lease. It returns a
// two-way termination message if, after the move, both subject and
// monitor sets are empty.
func (a *Agent) TerminateSubjectLease(id lri.LRI, isSubjectFailed bool, cfg Config) (*wire.Message, error) {
	dst := a.SubjectTerminatePending
	if isSubjectFailed {
		dst = a.SubjectFailedPending
	}
	a.Subject.MoveTo(dst, id)
	a.SubjectEstablishPending.Remove(id)

	if !a.Subject.Empty() || !a.Monitor.Empty() {
		return nil, nil
	}

	a.IsInTwoWayTermination = true
	msg, err := a.buildTerminationMessage(cfg)
	if err != nil {
		return nil, err
	}
	a.host.Queue().Dequeue(a.Rel.MonitorExpiredTimer)
	a.host.Queue().Arm(a.Rel.SubjectExpiredTimer, a.Rel.SubjectExpireTime)
	return msg, nil
}

// --- reverse-lease optimization ---

// MaybeEstablishReverse is §4.6's reverse-lease optimization: when a
// LEASE_REQUEST names an id for which we are the parent and we are not
// already tracking it, pre-establish the reverse direction.
func (a *Agent) MaybeEstablishReverse(id lri.LRI, cfg Config) (*wire.Message, bool) {
	if a.State != Open {
		return nil, false
	}
	if a.Subject.Contains(id) || a.SubjectEstablishPending.Contains(id) {
		return nil, false
	}
	msg, err := a.Establish(id, cfg)
	if err != nil {
		return nil, false
	}
	return msg, true
}

// --- ping ---

// SendPing arms the ping-retry timer and builds the initial
// PING_REQUEST.
func (a *Agent) SendPing(cfg Config, now clockticks.Ticks) (*wire.Message, error) {
	a.InPing = true
	a.PingSendTime = now
	a.host.Queue().Arm(a.Rel.PingRetryTimer, now+cfg.PingRetryInterval)
	return a.buildMessage(wire.PingRequest, cfg)
}

// FirePingRetry fires on the ping-retry timer; a no-op once the ping
// handshake has completed (InPing cleared by the response handler).
func (a *Agent) FirePingRetry(cfg Config, now clockticks.Ticks) (*wire.Message, Result) {
	if !a.InPing {
		return nil, Continue
	}
	a.host.Queue().Arm(a.Rel.PingRetryTimer, now+cfg.PingRetryInterval)
	msg, err := a.buildMessage(wire.PingRequest, cfg)
	if err != nil {
		return nil, Fail
	}
	return msg, Continue
}

// --- inbound message processing ---

// recordRemoteVersion captures the peer's wire version and, if this
// is the first message heard from it, its instance -- both arrive on
// every message (§4.4), so every inbound handler below calls this
// first regardless of message type.
func (a *Agent) recordRemoteVersion(m *wire.Message) {
	a.RemoteVersion = wire.EncodeVersion(m.MajorVersion, m.MinorVersion)
	if m.RemoteLeaseAgentInstance != 0 {
		a.RemoteLeaseAgentInstance = m.RemoteLeaseAgentInstance
	}
}

// ReceivePingRequest answers a one-way ping with a PING_RESPONSE,
// priming the relationship's version before the first real renewal
// (§1's "one-way ping" handshake).
func (a *Agent) ReceivePingRequest(m *wire.Message, cfg Config) *wire.Message {
	a.recordRemoteVersion(m)
	return &wire.Message{
		MajorVersion:             wire.ProtocolMajorVersion,
		MinorVersion:             wire.ProtocolMinorVersion,
		RemoteLeaseAgentInstance: a.RemoteLeaseAgentInstance,
		Type:                     wire.PingResponse,
		MessageIdentifier:        a.host.NextInstance(),
		ListenEndpoint:           cfg.ListenEndpoint,
	}
}

// ReceivePingResponse completes the one-way ping handshake, clearing
// InPing and the ping-retry timer.
func (a *Agent) ReceivePingResponse(m *wire.Message) {
	a.recordRemoteVersion(m)
	a.InPing = false
	a.host.Queue().Dequeue(a.Rel.PingRetryTimer)
}

// ReceiveLeaseMessage processes an inbound LEASE_REQUEST per the data
// flow of §2 (agent.dispatch does not route FORWARD_REQUEST here):
// every pending-list entry is from the sender's point of view, so it
// is flipped (lri.LRI.Flipped) before touching our own sets (§4.6's
// SwitchLeaseRelationshipLeasingApplicationIdentifiers replacement).
//
// It returns the LEASE_RESPONSE to send back and the subset of newly
// offered monitor ids for which we have no subject relationship yet
// -- candidates the caller should offer to MaybeEstablishReverse, the
// reverse-lease optimization of §4.6.
func (a *Agent) ReceiveLeaseMessage(m *wire.Message, now clockticks.Ticks, cfg Config) (*wire.Message, []lri.LRI) {
	a.recordRemoteVersion(m)

	var reverse []lri.LRI
	for _, id := range m.Lists[wire.ListSubjectPending] {
		mine := id.Flipped()
		a.Monitor.Add(mine)
		if a.Rel.MonitorState == relationship.Inactive {
			a.Rel.MonitorState = relationship.Active
			a.Rel.MonitorExpireTime = now + clockticks.FromMilliseconds(int64(m.Duration))
			a.host.Queue().Arm(a.Rel.MonitorExpiredTimer, a.Rel.MonitorExpireTime)
			a.armPreArbitrationMonitor(cfg, now)
		}
		if !a.Subject.Contains(mine) && !a.SubjectEstablishPending.Contains(mine) {
			reverse = append(reverse, mine)
		}
	}
	for _, id := range m.Lists[wire.ListSubjectFailedPending] {
		// The sender's subject direction for this id has failed; drop
		// our corresponding monitor entry.
		a.Monitor.Remove(id.Flipped())
	}
	for _, id := range m.Lists[wire.ListMonitorFailedPending] {
		// The sender no longer monitors this id of ours; our subject
		// direction for it is unilaterally terminated.
		mine := id.Flipped()
		a.Subject.Remove(mine)
		a.SubjectEstablishPending.Remove(mine)
	}
	for _, id := range m.Lists[wire.ListSubjectTerminatePending] {
		a.Monitor.Remove(id.Flipped())
	}
	for _, id := range m.Lists[wire.ListSubjectTerminateAccepted] {
		mine := id.Flipped()
		a.SubjectTerminatePending.Remove(mine)
		a.SubjectFailedPending.Remove(mine)
	}

	if m.IsTwoWayTermination && a.Subject.Empty() && a.Monitor.Empty() {
		a.State = Suspended
	}

	resp := &wire.Message{
		MajorVersion:             wire.ProtocolMajorVersion,
		MinorVersion:             wire.ProtocolMinorVersion,
		LeaseInstance:            m.LeaseInstance,
		RemoteLeaseAgentInstance: a.RemoteLeaseAgentInstance,
		Type:                     wire.LeaseResponse,
		MessageIdentifier:        a.host.NextInstance(),
		ListenEndpoint:           cfg.ListenEndpoint,
	}
	resp.Lists[wire.ListSubjectPendingAccepted] = m.Lists[wire.ListSubjectPending]
	resp.Lists[wire.ListSubjectFailedAccepted] = m.Lists[wire.ListSubjectFailedPending]
	resp.Lists[wire.ListMonitorFailedAccepted] = m.Lists[wire.ListMonitorFailedPending]
	return resp, reverse
}

// ReceiveLeaseResponse retires the pending-list entries the peer
// acknowledged and, per P7, records that at least one lease message
// has now been confirmed sent and received. It clears retry mode,
// establishing (P7) alongside MarkMessageSent's own monotonic
// guarantee.
func (a *Agent) ReceiveLeaseResponse(m *wire.Message) {
	a.recordRemoteVersion(m)
	for _, id := range m.Lists[wire.ListSubjectPendingAccepted] {
		a.SubjectEstablishPending.Remove(id)
	}
	for _, id := range m.Lists[wire.ListSubjectFailedAccepted] {
		a.SubjectFailedPending.Remove(id)
	}
	for _, id := range m.Lists[wire.ListMonitorFailedAccepted] {
		a.MonitorFailedPending.Remove(id)
	}
	a.Rel.IsRenewRetry = false
	a.Rel.RenewRetryCount = 0
	a.Rel.LeaseMessageSent = true
}
