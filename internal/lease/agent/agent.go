// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package agent implements the lease agent aggregator of SPEC_FULL.md
// §4.7: the registered-application set, the arena of remote lease
// agents addressed by integer handle rather than Go pointer (DESIGN
// NOTES §9), and the delayed lease-agent-failure timer. It is the one
// concrete remoteagent.Host in this module.
//
// The exported methods that read or change lease state take the
// aggregator's single mutex for their duration (Deliver takes it once
// the payload is decoded); the remoteagent.Host methods, Close and
// Listen do not take it. This matches the single-threaded cooperative
// dispatch model of §5: a timer or transport callback re-acquires the
// lock before touching any state, and never blocks while holding it.
package agent

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"

	"github.com/juju/leaselayer/internal/lease/arbitration"
	"github.com/juju/leaselayer/internal/lease/clockticks"
	"github.com/juju/leaselayer/internal/lease/forwarder"
	"github.com/juju/leaselayer/internal/lease/lri"
	"github.com/juju/leaselayer/internal/lease/metrics"
	"github.com/juju/leaselayer/internal/lease/remoteagent"
	"github.com/juju/leaselayer/internal/lease/timerqueue"
	"github.com/juju/leaselayer/internal/lease/transport"
	"github.com/juju/leaselayer/internal/lease/wire"
)

var logger = loggo.GetLogger("leaselayer.agent")

// Topics published on an Agent's hub, in addition to the direct
// ApplicationCallback dispatch of §6.3. Any interested subscriber --
// a log sink, a test, a future facade -- can observe lease events
// without being one of the registered applications.
const (
	TopicRemoteExpired = "lease.remote-expired"
	TopicAgentFailed   = "lease.agent-failed"
)

// RemoteExpiredEvent is published on TopicRemoteExpired.
type RemoteExpiredEvent struct {
	LocalApplicationID  string
	RemoteApplicationID string
}

// ApplicationCallback is the §6.3 facade a registered application
// supplies: the two events the lease agent surfaces to it, plus the
// TTL it would need to keep operating safely, used by the delayed
// lease-agent-failure timer to size its own delay.
type ApplicationCallback interface {
	// RemoteExpired reports that the remote side of a lease this
	// application participates in has failed or been judged expired
	// by arbitration. remoteApplicationID is empty for the
	// lease-agent-wide failure notification.
	RemoteExpired(localApplicationID, remoteApplicationID string)
	// Arbitrate is called when this application is the one chosen to
	// decide an arbitration outcome (§4.9's single call-out point).
	Arbitrate(req arbitration.Request)
	// TTLMillis reports how long this application needs to keep
	// operating correctly after its lease agent has failed, before it
	// is safe to consider the application itself failed.
	TTLMillis() uint32
}

// Application is one registered application (§4.7).
type Application struct {
	ID                   string
	IsArbitrationEnabled bool
	Callback             ApplicationCallback
}

// handle addresses one remote lease agent in the arena. It is never
// captured as a struct field of remoteagent.Agent and never escapes
// the lease agent that minted it (DESIGN NOTES §9).
type handle int

// Config is the subset of lease-agent-wide configuration the
// aggregator and every remote lease agent it owns share.
type Config struct {
	Instance                      uint64
	ListenAddress                 lri.Endpoint
	DurationMillis                uint32
	LeaseSuspendDurationMillis    uint32
	ArbitrationDurationMillis     uint32
	LeaseRenewBeginRatio          uint32
	LeaseRetryCount               int
	ConsecutiveIndirectLeaseLimit int
	PingRetryInterval             clockticks.Ticks

	// ForwardBackoffInitial/ForwardBackoffMax bound the juju/retry
	// exponential schedule (forwarder.NextBackoff) that throttles
	// repeated indirect-lease forward rounds once a round goes
	// entirely unacknowledged (§4.8). Zero picks the package defaults.
	ForwardBackoffInitial time.Duration
	ForwardBackoffMax     time.Duration
}

const (
	defaultForwardBackoffInitial = 50 * time.Millisecond
	defaultForwardBackoffMax     = 5 * time.Second
)

// Validate reports whether cfg is usable.
func (c Config) Validate() error {
	if c.DurationMillis == 0 {
		return errors.NotValidf("zero lease duration")
	}
	if c.ListenAddress.Address == "" {
		return errors.NotValidf("empty listen address")
	}
	if c.LeaseRenewBeginRatio == 0 {
		return errors.NotValidf("zero renew begin ratio")
	}
	return nil
}

// State is the lease agent's own lifecycle state (§4.7), distinct from
// any individual remote lease agent's State.
type State int

const (
	Open State = iota
	Failed
)

func (s State) String() string {
	if s == Failed {
		return "FAILED"
	}
	return "OPEN"
}

// Agent is the lease agent aggregator of §4.7.
type Agent struct {
	cfg       Config
	clock     clock.Clock
	ticks     clockticks.Clock
	queue     *timerqueue.Queue
	transport transport.Transport
	driver    arbitration.Driver
	metrics   *metrics.Metrics
	hub       *pubsub.StructuredHub

	mu sync.Mutex

	appLocks *kmutex.Kmutex
	apps     map[string]*Application

	arena       []*remoteagent.Agent
	freeHandles []handle
	byRemoteID  map[string]handle

	nextInstance uint64

	state           State
	isInDelayTimer  bool
	transportClosed bool
	delayedFailure  *timerqueue.Entry
}

// New constructs an Agent. The returned Agent owns queue and runs its
// own dispatcher goroutine (via queue's constructor); Close stops it.
func New(cfg Config, clk clock.Clock, tp transport.Transport, driver arbitration.Driver, m *metrics.Metrics) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.ForwardBackoffInitial == 0 {
		cfg.ForwardBackoffInitial = defaultForwardBackoffInitial
	}
	if cfg.ForwardBackoffMax == 0 {
		cfg.ForwardBackoffMax = defaultForwardBackoffMax
	}
	hub := pubsub.NewStructuredHub(nil)
	return &Agent{
		cfg:            cfg,
		clock:          clk,
		ticks:          clockticks.Wrap(clk),
		queue:          timerqueue.New(clk),
		transport:      tp,
		driver:         driver,
		metrics:        m,
		hub:            hub,
		appLocks:       kmutex.New(),
		apps:           make(map[string]*Application),
		byRemoteID:     make(map[string]handle),
		delayedFailure: &timerqueue.Entry{},
	}, nil
}

// Close stops the agent's timer queue. It does not unregister
// applications or notify remote peers; callers should drain those
// first if a clean shutdown matters.
func (a *Agent) Close() {
	a.queue.Close()
}

// MarkTransportClosed records that the transport this agent was
// listening on has been torn down, one of the two conditions
// IsReadyForDeallocation requires.
func (a *Agent) MarkTransportClosed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transportClosed = true
}

// --- remoteagent.Host ---

func (a *Agent) Now() clockticks.Ticks { return a.ticks.Now() }

func (a *Agent) Queue() *timerqueue.Queue { return a.queue }

func (a *Agent) NextInstance() uint64 {
	a.nextInstance++
	return a.nextInstance
}

// ArbitrationEnabledApplications implements remoteagent.Host. Callers
// hold a.mu for the duration of the remoteagent.Agent method that
// invokes it, so no further locking is needed here.
func (a *Agent) ArbitrationEnabledApplications() []string {
	var ids []string
	for id, app := range a.apps {
		if app.IsArbitrationEnabled {
			ids = append(ids, id)
		}
	}
	return ids
}

// --- application registration (§4.7) ---

// RegisterApplication adds id to the registered-application set. The
// per-id kmutex lock serializes a register/unregister race on the same
// id without widening the critical section of unrelated lease-agent
// work to the time it takes the caller to decide whether id already
// exists.
func (a *Agent) RegisterApplication(id string, arbitrationEnabled bool, cb ApplicationCallback) error {
	a.appLocks.Lock(id)
	defer a.appLocks.Unlock(id)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.apps[id]; exists {
		return errors.AlreadyExistsf("application %q", id)
	}
	a.apps[id] = &Application{ID: id, IsArbitrationEnabled: arbitrationEnabled, Callback: cb}
	return nil
}

// UnregisterApplication removes id from the registered-application
// set.
func (a *Agent) UnregisterApplication(id string) error {
	a.appLocks.Lock(id)
	defer a.appLocks.Unlock(id)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.apps[id]; !exists {
		return errors.NotFoundf("application %q", id)
	}
	delete(a.apps, id)
	return nil
}

// --- remote lease agent arena ---

func (a *Agent) newHandle() handle {
	if n := len(a.freeHandles); n > 0 {
		h := a.freeHandles[n-1]
		a.freeHandles = a.freeHandles[:n-1]
		return h
	}
	a.arena = append(a.arena, nil)
	return handle(len(a.arena) - 1)
}

func (a *Agent) lookup(h handle) *remoteagent.Agent {
	if int(h) < 0 || int(h) >= len(a.arena) {
		return nil
	}
	return a.arena[h]
}

// getOrCreateRemote returns the existing remote lease agent for
// remoteID, or establishes a new arena slot and wires its timers.
func (a *Agent) getOrCreateRemote(remoteID string, remoteInstance uint64, addr lri.Endpoint) (handle, *remoteagent.Agent) {
	if h, ok := a.byRemoteID[remoteID]; ok {
		return h, a.arena[h]
	}
	h := a.newHandle()
	ra := remoteagent.New(a, remoteID, remoteInstance, a.cfg.Instance, addr)
	a.arena[h] = ra
	a.byRemoteID[remoteID] = h
	a.wireTimers(h, ra)
	if a.metrics != nil {
		a.metrics.ActiveRemoteLeaseAgents.Inc()
	}
	return h, ra
}

// wireTimers installs each of ra's seven timer Callbacks bound to h,
// not to ra itself -- the arena+handle indirection of DESIGN NOTES §9.
// A fired callback re-resolves h through the arena before touching any
// state, so a remote lease agent that has since been deallocated
// (handle reused or slot cleared) is a silent no-op rather than a
// dangling pointer.
func (a *Agent) wireTimers(h handle, ra *remoteagent.Agent) {
	rel := ra.Rel
	rel.SubjectExpiredTimer.Callback = a.onTimer(h, func(r *remoteagent.Agent) remoteagent.Result {
		return r.SubjectExpiredCallback(a.remoteConfig())
	})
	rel.MonitorExpiredTimer.Callback = a.onTimer(h, func(r *remoteagent.Agent) remoteagent.Result {
		return r.MonitorExpiredCallback()
	})
	rel.RenewOrArbitrateTimer.Callback = a.onTimer(h, func(r *remoteagent.Agent) remoteagent.Result {
		wasRetrying := r.Rel.IsRenewRetry
		msg, result := r.Renew(a.remoteConfig())
		if msg != nil {
			if !wasRetrying {
				r.RenewSentAt = a.Now()
			}
			a.send(r, msg)
			if wasRetrying && forwarder.ShouldForward(r.Rel.IndirectLeaseCount, a.cfg.ConsecutiveIndirectLeaseLimit) {
				a.forwardRenewal(r, msg)
			}
		}
		return result
	})
	rel.PreArbitrationSubjectTimer.Callback = a.onTimer(h, func(r *remoteagent.Agent) remoteagent.Result {
		a.notifyPreArbitration(r)
		return remoteagent.Continue
	})
	rel.PreArbitrationMonitorTimer.Callback = a.onTimer(h, func(r *remoteagent.Agent) remoteagent.Result {
		a.notifyPreArbitration(r)
		return remoteagent.Continue
	})
	rel.PostArbitrationTimer.Callback = a.onTimer(h, func(r *remoteagent.Agent) remoteagent.Result {
		return remoteagent.Fail
	})
	rel.PingRetryTimer.Callback = a.onTimer(h, func(r *remoteagent.Agent) remoteagent.Result {
		msg, result := r.FirePingRetry(a.remoteConfig(), a.Now())
		if msg != nil {
			a.send(r, msg)
		}
		return result
	})
}

// onTimer wraps fn as a timerqueue.Entry callback: acquire the lock,
// resolve h, run fn, then act on whatever Result it returns.
func (a *Agent) onTimer(h handle, fn func(*remoteagent.Agent) remoteagent.Result) func() {
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		ra := a.lookup(h)
		if ra == nil {
			return
		}
		a.actOnResult(h, ra, fn(ra))
	}
}

func (a *Agent) actOnResult(h handle, ra *remoteagent.Agent, result remoteagent.Result) {
	switch result {
	case remoteagent.EnterArbitration:
		a.beginArbitration(h, ra)
	case remoteagent.Fail:
		a.failRemoteLeaseAgent(ra, "state_machine")
	case remoteagent.FailSilently:
		a.failRemoteLeaseAgentSilently(ra)
	case remoteagent.ArbitrationResultTimeout:
		a.failRemoteLeaseAgent(ra, "arbitration_result_timeout")
	}
}

// remoteConfig narrows the aggregator's Config to the remoteagent.Config
// each remote lease agent needs.
func (a *Agent) remoteConfig() remoteagent.Config {
	return remoteagent.Config{
		DurationMillis:            a.cfg.DurationMillis,
		SuspendDurationMillis:     a.cfg.LeaseSuspendDurationMillis,
		ArbitrationDurationMillis: a.cfg.ArbitrationDurationMillis,
		RenewBeginRatio:           a.cfg.LeaseRenewBeginRatio,
		RetryCount:                a.cfg.LeaseRetryCount,
		PingRetryInterval:         a.cfg.PingRetryInterval,
		ListenEndpoint:            a.cfg.ListenAddress,
	}
}

// --- public lease operations ---

// Establish requests a lease relationship named by id against the
// named remote lease agent, dialing it for the first time if this is
// a new peer.
func (a *Agent) Establish(remoteID string, remoteInstance uint64, addr lri.Endpoint, id lri.LRI) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ra := a.getOrCreateRemote(remoteID, remoteInstance, addr)
	msg, err := ra.Establish(id, a.remoteConfig())
	if err != nil {
		return errors.Trace(err)
	}
	a.send(ra, msg)
	return nil
}

// Terminate requests termination of id's subject direction against
// remoteID. isSubjectFailed routes it to the failed-pending set
// instead of the ordinary terminate-pending set (§4.6).
func (a *Agent) Terminate(remoteID string, id lri.LRI, isSubjectFailed bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.byRemoteID[remoteID]
	if !ok {
		return errors.NotFoundf("remote lease agent %q", remoteID)
	}
	ra := a.arena[h]
	msg, err := ra.TerminateSubjectLease(id, isSubjectFailed, a.remoteConfig())
	if err != nil {
		return errors.Trace(err)
	}
	if msg != nil {
		a.send(ra, msg)
	}
	return nil
}

// Ping sends a one-way PING_REQUEST to remoteID, establishing a new
// arena entry if this is the first contact.
func (a *Agent) Ping(remoteID string, remoteInstance uint64, addr lri.Endpoint) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ra := a.getOrCreateRemote(remoteID, remoteInstance, addr)
	msg, err := ra.SendPing(a.remoteConfig(), a.Now())
	if err != nil {
		return errors.Trace(err)
	}
	a.send(ra, msg)
	return nil
}

// --- sending ---

// send serializes msg and posts it to transport from under the lock,
// completing the send itself on a transport-owned goroutine; the
// goroutine re-acquires a.mu before mutating ra's sent-message
// bookkeeping, matching §5's "transport sends are posted from under
// the lock but complete on a transport-owned thread" contract.
func (a *Agent) send(ra *remoteagent.Agent, msg *wire.Message) {
	payload, err := wire.Serialize(msg)
	if err != nil {
		logger.Errorf("serializing message to %s: %v", ra.RemoteLeaseAgentIdentifier, errors.Trace(err))
		return
	}
	to := ra.RemoteSocketAddress
	remoteID := ra.RemoteLeaseAgentIdentifier
	go func() {
		err := a.transport.Send(context.Background(), to, payload)
		a.mu.Lock()
		defer a.mu.Unlock()
		if err != nil {
			logger.Debugf("transport send to %s failed: %v", remoteID, errors.Trace(err))
			return
		}
		if h, ok := a.byRemoteID[remoteID]; ok {
			if ra := a.lookup(h); ra != nil {
				ra.MarkMessageSent()
			}
		}
	}()
}

// --- indirect-lease forwarding (§4.8) ---

// neighborSnapshot is a forwarder.Neighbor captured while a.mu is held,
// so the actual send in Forward's goroutine can run lock-free.
type neighborSnapshot struct {
	addr   lri.Endpoint
	active bool
}

func (n neighborSnapshot) SocketAddress() lri.Endpoint { return n.addr }
func (n neighborSnapshot) IsTwoWayActive() bool        { return n.active }

// forwardRenewal fans the renewal msg already sent to direct out to
// every other healthy neighbor, per §4.8. It is called only when the
// renew-or-arbitrate timer fires while already in retry mode and the
// consecutive-indirect-lease limit has not been reached.
//
// A round that sends to zero neighbors successfully backs off the next
// round's eligibility via forwarder.NextBackoff's juju/retry schedule,
// instead of spamming a peer-set that just proved unreachable on every
// single renew-retry tick; a round with at least one successful send
// resets the backoff.
func (a *Agent) forwardRenewal(direct *remoteagent.Agent, msg *wire.Message) {
	now := a.Now()
	if now < direct.NextForwardAttempt {
		return
	}

	var neighbors []forwarder.Neighbor
	for _, ra := range a.arena {
		if ra == nil || ra == direct {
			continue
		}
		neighbors = append(neighbors, neighborSnapshot{addr: ra.SocketAddress(), active: ra.IsTwoWayActive()})
	}
	if len(neighbors) == 0 {
		return
	}
	direct.Rel.IndirectLeaseCount++
	directAddr := direct.RemoteSocketAddress
	remoteID := direct.RemoteLeaseAgentIdentifier
	initial, max := a.cfg.ForwardBackoffInitial, a.cfg.ForwardBackoffMax
	tp := a.transport
	go func() {
		sent := forwarder.Forward(context.Background(), tp, neighbors, directAddr, msg)
		logger.Debugf("forwarded renewal for %s to %d neighbor(s)", remoteID, sent)

		a.mu.Lock()
		defer a.mu.Unlock()
		if a.metrics != nil {
			if sent > 0 {
				a.metrics.Forwards.WithLabelValues("sent").Inc()
			} else {
				a.metrics.Forwards.WithLabelValues("failed").Inc()
			}
		}
		h, ok := a.byRemoteID[remoteID]
		if !ok {
			return
		}
		ra := a.lookup(h)
		if ra == nil {
			return
		}
		if sent > 0 {
			ra.ForwardBackoffAttempts = 0
			ra.NextForwardAttempt = 0
			return
		}
		ra.ForwardBackoffAttempts++
		delay := forwarder.NextBackoff(ra.ForwardBackoffAttempts, initial, max)
		ra.NextForwardAttempt = a.Now() + clockticks.FromDuration(delay)
	}()
}

// --- receiving (§2's Transport -> Wire codec -> state machine flow) ---

// remoteByAddress looks up the arena entry whose remote lease agent
// identity (its byRemoteID key) is addr.Address: Deliver uses the
// sender's own listen-endpoint address as that identity, since an
// inbound message carries no other stable name.
func (a *Agent) remoteByAddress(addr lri.Endpoint) *remoteagent.Agent {
	h, ok := a.byRemoteID[addr.Address]
	if !ok {
		return nil
	}
	return a.arena[h]
}

// Deliver decodes payload and dispatches it to the remote lease agent
// it names, creating one if this is the first message ever heard from
// that peer. It is a transport.Handler and is normally installed via
// Listen; tests may call it directly with a hand-built payload.
func (a *Agent) Deliver(payload []byte) {
	msg, err := wire.Deserialize(payload)
	if err != nil {
		logger.Debugf("dropping malformed lease message: %v", errors.Trace(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.dispatch(msg)
}

// Listen starts accepting connections on ln, decoding and dispatching
// each frame via Deliver. Callers own ln's lifecycle; closing it stops
// the returned Server.
func (a *Agent) Listen(ln net.Listener) *transport.Server {
	return transport.Serve(ln, a.Deliver)
}

func (a *Agent) dispatch(msg *wire.Message) {
	from := msg.ListenEndpoint
	switch msg.Type {
	case wire.PingRequest:
		_, ra := a.getOrCreateRemote(from.Address, msg.RemoteLeaseAgentInstance, from)
		a.send(ra, ra.ReceivePingRequest(msg, a.remoteConfig()))

	case wire.PingResponse:
		if ra := a.remoteByAddress(from); ra != nil {
			ra.ReceivePingResponse(msg)
		}

	case wire.LeaseRequest:
		_, ra := a.getOrCreateRemote(from.Address, msg.RemoteLeaseAgentInstance, from)
		resp, reverse := ra.ReceiveLeaseMessage(msg, a.Now(), a.remoteConfig())
		a.send(ra, resp)
		for _, id := range reverse {
			if m, ok := ra.MaybeEstablishReverse(id, a.remoteConfig()); ok {
				a.send(ra, m)
			}
		}

	case wire.LeaseResponse:
		if ra := a.remoteByAddress(from); ra != nil {
			if a.metrics != nil && ra.RenewSentAt != 0 {
				a.metrics.RenewLatency.Observe((a.Now() - ra.RenewSentAt).Duration().Seconds())
				ra.RenewSentAt = 0
			}
			ra.ReceiveLeaseResponse(msg)
		}

	case wire.ForwardRequest, wire.ForwardResponse:
		// Processing an indirect renewal we were asked to relay, or its
		// response, is the receiving neighbor's concern and explicitly
		// out of scope (SPEC_FULL.md §4.8 boundary): the sender's
		// invariant is only that it issued the request, not that this
		// agent acts on it beyond logging receipt.
		logger.Debugf("received %s from %s, indirect relay processing is out of scope", msg.Type, from.Address)

	default:
		logger.Debugf("ignoring unsupported message type %s from %s", msg.Type, from.Address)
	}
}

// --- arbitration ---

func (a *Agent) firstArbitrationEnabledApp() string {
	for id, app := range a.apps {
		if app.IsArbitrationEnabled {
			return id
		}
	}
	return ""
}

func (a *Agent) beginArbitration(h handle, ra *remoteagent.Agent) {
	appID := a.firstArbitrationEnabledApp()
	req, ok := ra.BuildArbitrationRequest(appID, a.remoteConfig(), a.Now())
	if !ok {
		a.failRemoteLeaseAgent(ra, "no_arbitration_enabled_application")
		return
	}
	if a.metrics != nil {
		a.metrics.Arbitrations.WithLabelValues("requested").Inc()
	}
	if app, ok := a.apps[appID]; ok && app.Callback != nil {
		app.Callback.Arbitrate(req)
	}

	if ra.State == remoteagent.Open {
		ra.State = remoteagent.Suspended
	}

	// Re-arm the renew-or-arbitrate timer at subject_fail_time (§4.6's
	// "dequeue the arbitration timer", reusing it as the arbitration
	// deadline rather than adding a distinct one): if no result lands by
	// then, Renew's guard finds both directions still EXPIRED past
	// subject_fail_time and forces a full failure with an
	// arbitration_result_timeout cause (§4.9). ApplyArbitrationResult
	// dequeues it as soon as a real result arrives.
	a.queue.Arm(ra.Rel.RenewOrArbitrateTimer, ra.Rel.SubjectFailTime)

	if a.driver != nil {
		go a.runArbitration(h, req)
	}
}

// notifyPreArbitration surfaces the advisory LEASING_APPLICATION_ARBITRATE
// notice of §4.5's pre-arbitration-subject/-monitor timers: the first
// arbitration-enabled application learns arbitration may be imminent,
// well before the relationship actually enters it. It never changes
// ra's state and never fails the lease when no such application is
// registered -- that is BuildArbitrationRequest's job, not this one's.
func (a *Agent) notifyPreArbitration(ra *remoteagent.Agent) {
	appID := a.firstArbitrationEnabledApp()
	req, ok := ra.BuildPreArbitrationNotice(appID, a.Now())
	if !ok {
		return
	}
	if a.metrics != nil {
		a.metrics.Arbitrations.WithLabelValues("pre_arbitration_notice").Inc()
	}
	if app, ok := a.apps[appID]; ok && app.Callback != nil {
		app.Callback.Arbitrate(req)
	}
}

func (a *Agent) runArbitration(h handle, req arbitration.Request) {
	res, err := a.driver.Arbitrate(context.Background(), req)

	a.mu.Lock()
	defer a.mu.Unlock()

	ra := a.lookup(h)
	if ra == nil {
		return
	}
	if err != nil {
		logger.Warningf("arbitration for %s failed: %v", ra.RemoteLeaseAgentIdentifier, errors.Trace(err))
		a.failRemoteLeaseAgent(ra, "arbitration_error")
		return
	}

	if a.metrics != nil {
		a.metrics.Arbitrations.WithLabelValues(res.Outcome().String()).Inc()
	}
	result, notify := ra.ApplyArbitrationResult(res, a.Now())
	if notify {
		a.surfaceRemoteExpired(ra)
	}
	a.actOnResult(h, ra, result)
}

// --- failure paths ---

func (a *Agent) failRemoteLeaseAgent(ra *remoteagent.Agent, cause string) {
	if ra.State == remoteagent.Failed {
		return
	}
	ra.State = remoteagent.Failed
	ra.DequeueAllTimers()
	if a.metrics != nil {
		a.metrics.Failures.WithLabelValues(cause).Inc()
		a.metrics.ActiveRemoteLeaseAgents.Dec()
	}
	a.surfaceRemoteExpired(ra)
	a.onLeaseFailure()
}

// failRemoteLeaseAgentSilently is the "no neighbor ever heard from us"
// path of §4.6's subject-expired callback: this remote lease agent
// transitions to FAILED without notifying any registered application
// and without arming the lease-agent-wide delayed-failure timer, since
// nothing was ever told it existed in the first place.
func (a *Agent) failRemoteLeaseAgentSilently(ra *remoteagent.Agent) {
	if ra.State == remoteagent.Failed {
		return
	}
	ra.State = remoteagent.Failed
	ra.DequeueAllTimers()
	if a.metrics != nil {
		a.metrics.Failures.WithLabelValues("silent").Inc()
		a.metrics.ActiveRemoteLeaseAgents.Dec()
	}
}

// surfaceRemoteExpired notifies every registered application that
// participated in ra as either subject or monitor local application,
// both directly (§6.3) and on the event hub.
func (a *Agent) surfaceRemoteExpired(ra *remoteagent.Agent) {
	seen := make(map[string]bool)
	notify := func(ids []lri.LRI) {
		for _, id := range ids {
			if seen[id.Local] {
				continue
			}
			seen[id.Local] = true
			if app, ok := a.apps[id.Local]; ok && app.Callback != nil {
				app.Callback.RemoteExpired(id.Local, id.Remote)
			}
			a.hub.Publish(TopicRemoteExpired, RemoteExpiredEvent{
				LocalApplicationID:  id.Local,
				RemoteApplicationID: id.Remote,
			})
		}
	}
	notify(ra.Subject.Values())
	notify(ra.Monitor.Values())
}

// onLeaseFailure is §4.7's delayed lease-agent-failure handling: the
// first remote-lease-agent failure after the lease agent was last
// healthy arms a delay timer sized to the largest TTL any registered
// application reported, capped at the configured lease suspend
// duration; a second failure before that timer fires changes nothing,
// since the delay already accounts for the worst case.
func (a *Agent) onLeaseFailure() {
	if a.isInDelayTimer || a.state == Failed {
		return
	}
	maxDelay := clockticks.FromMilliseconds(int64(a.cfg.LeaseSuspendDurationMillis))
	delay := clockticks.FromMilliseconds(int64(a.maxApplicationTTL()))
	if delay > maxDelay {
		delay = maxDelay
	}
	a.isInDelayTimer = true
	a.delayedFailure.Callback = func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.fireDelayedFailure()
	}
	a.queue.Arm(a.delayedFailure, a.Now()+delay)
}

func (a *Agent) fireDelayedFailure() {
	a.isInDelayTimer = false
	a.state = Failed
	for id, app := range a.apps {
		if app.Callback != nil {
			app.Callback.RemoteExpired(id, "")
		}
	}
	a.hub.Publish(TopicAgentFailed, struct{}{})
}

func (a *Agent) maxApplicationTTL() uint32 {
	var max uint32
	for _, app := range a.apps {
		if app.Callback == nil {
			continue
		}
		if ttl := app.Callback.TTLMillis(); ttl > max {
			max = ttl
		}
	}
	return max
}

// --- lifecycle predicates (§4.7) ---

// CanBeFailed reports whether this lease agent may transition to
// FAILED: every registered application has unregistered and every
// remote lease agent in the arena has already failed.
func (a *Agent) CanBeFailed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canBeFailedLocked()
}

func (a *Agent) canBeFailedLocked() bool {
	if len(a.apps) > 0 {
		return false
	}
	for _, ra := range a.arena {
		if ra != nil && ra.State != remoteagent.Failed {
			return false
		}
	}
	return true
}

// IsReadyForDeallocation reports whether the lease agent may be torn
// down entirely: CanBeFailed holds and its transport has been closed.
func (a *Agent) IsReadyForDeallocation() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canBeFailedLocked() && a.transportClosed
}

// State reports the lease agent's own lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
