// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package remoteagent_test

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/leaselayer/internal/lease/arbitration"
	"github.com/juju/leaselayer/internal/lease/clockticks"
	"github.com/juju/leaselayer/internal/lease/lri"
	"github.com/juju/leaselayer/internal/lease/relationship"
	"github.com/juju/leaselayer/internal/lease/remoteagent"
	"github.com/juju/leaselayer/internal/lease/timerqueue"
	"github.com/juju/leaselayer/internal/lease/wire"
)

func Test(t *testing.T) { gc.TestingT(t) }

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeHost is a minimal remoteagent.Host for tests: a fixed-at-call-
// time clock snapshot and a monotonic instance counter.
type fakeHost struct {
	queue   *timerqueue.Queue
	ticks   clockticks.Ticks
	counter uint64
	apps    []string
}

func newFakeHost(q *timerqueue.Queue, now clockticks.Ticks) *fakeHost {
	return &fakeHost{queue: q, ticks: now}
}

func (h *fakeHost) Now() clockticks.Ticks { return h.ticks }
func (h *fakeHost) Queue() *timerqueue.Queue { return h.queue }
func (h *fakeHost) NextInstance() uint64 {
	h.counter++
	return h.counter
}
func (h *fakeHost) ArbitrationEnabledApplications() []string { return h.apps }

type RemoteAgentSuite struct{}

var _ = gc.Suite(&RemoteAgentSuite{})

func (s *RemoteAgentSuite) newAgent(c *gc.C) (*remoteagent.Agent, *fakeHost, remoteagent.Config) {
	clk := testclock.NewClock(epoch)
	q := timerqueue.New(clk)
	host := newFakeHost(q, clockticks.Wrap(clk).Now())
	cfg := remoteagent.Config{
		DurationMillis:            2000,
		SuspendDurationMillis:     1000,
		ArbitrationDurationMillis: 1000,
		RenewBeginRatio:           2,
		RetryCount:                1,
		PingRetryInterval:         clockticks.FromMilliseconds(500),
		ListenEndpoint:            lri.Endpoint{Address: "10.0.0.1", Family: 1, Port: 1},
	}
	a := remoteagent.New(host, "peer-b", 99, 1, lri.Endpoint{Address: "10.0.0.2", Family: 1, Port: 2})
	return a, host, cfg
}

func (s *RemoteAgentSuite) TestEstablishActivatesSubjectAndArmsTimers(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	id := lri.LRI{Local: "app-a", Remote: "app-b"}

	msg, err := a.Establish(id, cfg)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(a.Rel.SubjectState, gc.Equals, relationship.Active)
	c.Check(a.Subject.Contains(id), jc.IsTrue)
	c.Check(a.SubjectEstablishPending.Contains(id), jc.IsTrue)
	c.Check(a.Rel.SubjectExpiredTimer.Pending(), jc.IsTrue)
	c.Check(a.Rel.RenewOrArbitrateTimer.Pending(), jc.IsTrue)

	c.Assert(msg, gc.NotNil)
	c.Check(msg.Type.String(), gc.Equals, "LEASE_REQUEST")
	c.Check(msg.Lists[0], jc.DeepEquals, []lri.LRI{id})
}

func (s *RemoteAgentSuite) TestSubjectExpiredPingFailsSilently(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	a.Rel.MonitorState = relationship.Active
	a.InPing = true

	result := a.SubjectExpiredCallback(cfg)
	c.Check(result, gc.Equals, remoteagent.Continue)
	c.Check(a.InPing, jc.IsFalse)
}

func (s *RemoteAgentSuite) TestSubjectExpiredWithNoMessageSentFailsSilently(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	// MonitorState stays INACTIVE, LeaseMessageSent stays false.
	result := a.SubjectExpiredCallback(cfg)
	c.Check(result, gc.Equals, remoteagent.FailSilently)
}

func (s *RemoteAgentSuite) TestSubjectExpiredEntersArbitration(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	a.Rel.SubjectState = relationship.Active
	a.Rel.MonitorState = relationship.Active
	a.Rel.LeaseMessageSent = true

	result := a.SubjectExpiredCallback(cfg)
	c.Check(result, gc.Equals, remoteagent.EnterArbitration)
	c.Check(a.Rel.SubjectState, gc.Equals, relationship.Expired)
	c.Check(a.Rel.MonitorState, gc.Equals, relationship.Expired)
}

func (s *RemoteAgentSuite) TestSubjectExpiredLegacyVersionFails(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	a.Rel.SubjectState = relationship.Active
	a.Rel.MonitorState = relationship.Active
	a.Rel.LeaseMessageSent = true
	a.RemoteVersion = 257

	result := a.SubjectExpiredCallback(cfg)
	c.Check(result, gc.Equals, remoteagent.Fail)
}

func (s *RemoteAgentSuite) TestRenewGuardsAgainstLateFireDuringArbitration(c *gc.C) {
	a, host, cfg := s.newAgent(c)
	a.Rel.SubjectState = relationship.Active
	a.Rel.MonitorState = relationship.Active
	a.Rel.LeaseMessageSent = true
	result := a.SubjectExpiredCallback(cfg)
	c.Assert(result, gc.Equals, remoteagent.EnterArbitration)
	a.State = remoteagent.Suspended
	a.Rel.SubjectFailTime = host.ticks + clockticks.FromMilliseconds(1000)

	// RenewOrArbitrateTimer fires on the same tick as SubjectExpiredTimer
	// once arbitration has already begun, well before subject_fail_time.
	// It must not resend a lease or re-enter the regular renew path.
	msg, result := a.Renew(cfg)
	c.Check(msg, gc.IsNil)
	c.Check(result, gc.Equals, remoteagent.Continue)
	c.Check(a.Rel.SubjectState, gc.Equals, relationship.Expired)
	c.Check(a.Rel.MonitorState, gc.Equals, relationship.Expired)
}

func (s *RemoteAgentSuite) TestRenewForcesArbitrationResultTimeout(c *gc.C) {
	a, host, cfg := s.newAgent(c)
	a.Rel.SubjectState = relationship.Active
	a.Rel.MonitorState = relationship.Active
	a.Rel.LeaseMessageSent = true
	result := a.SubjectExpiredCallback(cfg)
	c.Assert(result, gc.Equals, remoteagent.EnterArbitration)
	a.State = remoteagent.Suspended
	a.Rel.SubjectFailTime = 100
	host.ticks = 100

	msg, result := a.Renew(cfg)
	c.Check(msg, gc.IsNil)
	c.Check(result, gc.Equals, remoteagent.ArbitrationResultTimeout)
	c.Check(a.Rel.SubjectState, gc.Equals, relationship.Failed)
	c.Check(a.Rel.MonitorState, gc.Equals, relationship.Inactive)
}

func (s *RemoteAgentSuite) TestRenewRetryArmsPreArbitrationSubjectTimer(c *gc.C) {
	a, host, cfg := s.newAgent(c)
	id := lri.LRI{Local: "app-a", Remote: "app-b"}
	_, err := a.Establish(id, cfg)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(a.Rel.PreArbitrationSubjectTimer.Pending(), jc.IsFalse)

	// The first renew-or-arbitrate fire enters retry mode but is not
	// itself a retry; only the next fire, observing IsRenewRetry
	// already set, arms the advisory timer.
	host.ticks = a.Rel.RenewInstant(cfg.RenewBeginRatio)
	_, result := a.Renew(cfg)
	c.Assert(result, gc.Equals, remoteagent.Continue)
	c.Check(a.Rel.IsRenewRetry, jc.IsTrue)
	c.Check(a.Rel.PreArbitrationSubjectTimer.Pending(), jc.IsFalse)

	host.ticks += 1
	_, result = a.Renew(cfg)
	c.Assert(result, gc.Equals, remoteagent.Continue)
	c.Check(a.Rel.PreArbitrationSubjectTimer.Pending(), jc.IsTrue)
}

func (s *RemoteAgentSuite) TestReceiveLeaseMessageArmsPreArbitrationMonitorTimer(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	c.Check(a.Rel.PreArbitrationMonitorTimer.Pending(), jc.IsFalse)

	msg := &wire.Message{Duration: 4000}
	msg.Lists[wire.ListSubjectPending] = []lri.LRI{{Local: "app-b", Remote: "app-a"}}

	_, _ = a.ReceiveLeaseMessage(msg, clockticks.Ticks(0), cfg)
	c.Check(a.Rel.MonitorExpiredTimer.Pending(), jc.IsTrue)
	c.Check(a.Rel.PreArbitrationMonitorTimer.Pending(), jc.IsTrue)
}

func (s *RemoteAgentSuite) TestBuildPreArbitrationNoticeIsAdvisoryAndNeverFails(c *gc.C) {
	a, _, _ := s.newAgent(c)

	_, ok := a.BuildPreArbitrationNotice("", clockticks.Ticks(0))
	c.Check(ok, jc.IsFalse)
	c.Check(a.State, gc.Equals, remoteagent.Open)
	c.Check(a.Rel.SubjectState, gc.Equals, relationship.Inactive)

	req, ok := a.BuildPreArbitrationNotice("app-a", clockticks.Ticks(0))
	c.Assert(ok, jc.IsTrue)
	c.Check(req.IsAdvisory, jc.IsTrue)
	c.Check(a.State, gc.Equals, remoteagent.Open)
}

func (s *RemoteAgentSuite) TestApplyArbitrationResultDequeuesRenewOrArbitrateTimer(c *gc.C) {
	a, host, cfg := s.newAgent(c)
	id := lri.LRI{Local: "app-a", Remote: "app-b"}
	_, err := a.Establish(id, cfg)
	c.Assert(err, jc.ErrorIsNil)
	a.Rel.SubjectFailTime = 50
	host.Queue().Arm(a.Rel.RenewOrArbitrateTimer, a.Rel.SubjectFailTime)

	_, _ = a.ApplyArbitrationResult(arbitration.Result{LocalTTLMillis: arbitration.MaxTTLMillis, RemoteTTLMillis: 0}, 0)
	c.Check(a.Rel.RenewOrArbitrateTimer.Pending(), jc.IsFalse)
}

func (s *RemoteAgentSuite) TestMonitorExpiredOneWayRemovesMonitorSilently(c *gc.C) {
	a, _, _ := s.newAgent(c)
	a.Rel.MonitorState = relationship.Active

	result := a.MonitorExpiredCallback()
	c.Check(result, gc.Equals, remoteagent.Continue)
	c.Check(a.Rel.MonitorState, gc.Equals, relationship.Inactive)
}

func (s *RemoteAgentSuite) TestMonitorExpiredEntersArbitration(c *gc.C) {
	a, _, _ := s.newAgent(c)
	a.Rel.SubjectState = relationship.Active
	a.Rel.MonitorState = relationship.Active

	result := a.MonitorExpiredCallback()
	c.Check(result, gc.Equals, remoteagent.EnterArbitration)
	c.Check(a.Rel.SubjectState, gc.Equals, relationship.Expired)
	c.Check(a.Rel.MonitorState, gc.Equals, relationship.Expired)
}

func (s *RemoteAgentSuite) TestArbitrationRequestNoEnabledApplicationFails(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	_, ok := a.BuildArbitrationRequest("", cfg, clockticks.Ticks(0))
	c.Check(ok, jc.IsFalse)
	c.Check(a.Rel.SubjectState, gc.Equals, relationship.Failed)
	c.Check(a.State, gc.Equals, remoteagent.Failed)
}

func (s *RemoteAgentSuite) TestArbitrationRequestPicksMonitorSetRemote(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	id := lri.LRI{Local: "app-a", Remote: "app-b"}
	a.Monitor.Add(id)

	req, ok := a.BuildArbitrationRequest("app-a", cfg, clockticks.Ticks(0))
	c.Assert(ok, jc.IsTrue)
	c.Check(req.RemoteApplicationID, gc.Equals, "app-b")
}

func (s *RemoteAgentSuite) TestArbitrationResultLost(c *gc.C) {
	a, _, _ := s.newAgent(c)
	result, notify := a.ApplyArbitrationResult(arbitration.Result{LocalTTLMillis: 1, RemoteTTLMillis: arbitration.MaxTTLMillis}, 0)
	c.Check(result, gc.Equals, remoteagent.Fail)
	c.Check(notify, jc.IsFalse)
	c.Check(a.State, gc.Equals, remoteagent.Failed)
}

func (s *RemoteAgentSuite) TestArbitrationResultWonArmsPostArbitrationTimer(c *gc.C) {
	a, _, _ := s.newAgent(c)
	result, notify := a.ApplyArbitrationResult(arbitration.Result{LocalTTLMillis: arbitration.MaxTTLMillis, RemoteTTLMillis: 500}, 0)
	c.Check(result, gc.Equals, remoteagent.Continue)
	c.Check(notify, jc.IsFalse)
	c.Check(a.Rel.PostArbitrationTimer.Pending(), jc.IsTrue)
}

func (s *RemoteAgentSuite) TestArbitrationResultWonDelayedNotifiesImmediately(c *gc.C) {
	a, _, _ := s.newAgent(c)
	result, notify := a.ApplyArbitrationResult(arbitration.Result{LocalTTLMillis: arbitration.MaxTTLMillis, RemoteTTLMillis: 500, IsDelayed: true}, 0)
	c.Check(result, gc.Equals, remoteagent.Continue)
	c.Check(notify, jc.IsTrue)
	c.Check(a.Rel.PostArbitrationTimer.Pending(), jc.IsFalse)
}

func (s *RemoteAgentSuite) TestArbitrationResultNeutral(c *gc.C) {
	a, _, _ := s.newAgent(c)
	result, notify := a.ApplyArbitrationResult(arbitration.Result{LocalTTLMillis: arbitration.MaxTTLMillis, RemoteTTLMillis: arbitration.MaxTTLMillis}, 0)
	c.Check(result, gc.Equals, remoteagent.Fail)
	c.Check(notify, jc.IsFalse)
	c.Check(a.IsInArbitrationNeutral, jc.IsTrue)
	c.Check(a.Rel.SubjectState, gc.Equals, relationship.Inactive)
	c.Check(a.Rel.MonitorState, gc.Equals, relationship.Failed)
}

func (s *RemoteAgentSuite) TestTerminateSubjectLeaseSendsTwoWayTermination(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	id := lri.LRI{Local: "app-a", Remote: "app-b"}
	_, err := a.Establish(id, cfg)
	c.Assert(err, jc.ErrorIsNil)
	a.SubjectEstablishPending.Remove(id) // simulate the remote having accepted it

	msg, err := a.TerminateSubjectLease(id, false, cfg)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(msg, gc.NotNil)
	c.Check(msg.IsTwoWayTermination, jc.IsTrue)
	c.Check(a.IsInTwoWayTermination, jc.IsTrue)
}

func (s *RemoteAgentSuite) TestTerminateSubjectLeaseNoMessageWhileOthersRemain(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	id1 := lri.LRI{Local: "app-a", Remote: "app-b"}
	id2 := lri.LRI{Local: "app-a", Remote: "app-c"}
	a.Subject.Add(id1)
	a.Subject.Add(id2)

	msg, err := a.TerminateSubjectLease(id1, false, cfg)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(msg, gc.IsNil)
	c.Check(a.Subject.Contains(id2), jc.IsTrue)
}

func (s *RemoteAgentSuite) TestMaybeEstablishReverseSkipsExistingSubject(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	id := lri.LRI{Local: "app-a", Remote: "app-b"}
	a.Subject.Add(id)

	_, ok := a.MaybeEstablishReverse(id, cfg)
	c.Check(ok, jc.IsFalse)
}

func (s *RemoteAgentSuite) TestMaybeEstablishReverseEstablishesNewID(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	id := lri.LRI{Local: "app-a", Remote: "app-b"}

	msg, ok := a.MaybeEstablishReverse(id, cfg)
	c.Assert(ok, jc.IsTrue)
	c.Assert(msg, gc.NotNil)
	c.Check(a.Subject.Contains(id), jc.IsTrue)
}

func (s *RemoteAgentSuite) TestSendPingArmsRetryTimer(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	msg, err := a.SendPing(cfg, 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(msg.Type.String(), gc.Equals, "PING_REQUEST")
	c.Check(a.InPing, jc.IsTrue)
	c.Check(a.Rel.PingRetryTimer.Pending(), jc.IsTrue)
}

func (s *RemoteAgentSuite) TestFirePingRetryNoopWhenNotPinging(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	msg, result := a.FirePingRetry(cfg, 0)
	c.Check(msg, gc.IsNil)
	c.Check(result, gc.Equals, remoteagent.Continue)
}

func (s *RemoteAgentSuite) TestIsTwoWayActive(c *gc.C) {
	a, _, _ := s.newAgent(c)
	c.Check(a.IsTwoWayActive(), jc.IsFalse)
	a.Rel.SubjectState = relationship.Active
	a.Rel.MonitorState = relationship.Active
	c.Check(a.IsTwoWayActive(), jc.IsTrue)
}

func (s *RemoteAgentSuite) TestDequeueAllTimersClearsPending(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	id := lri.LRI{Local: "app-a", Remote: "app-b"}
	_, err := a.Establish(id, cfg)
	c.Assert(err, jc.ErrorIsNil)

	a.DequeueAllTimers()
	for _, t := range a.Rel.Timers() {
		c.Check(t.Pending(), jc.IsFalse)
	}
}

func (s *RemoteAgentSuite) TestReceivePingRequestAnswersAndRecordsVersion(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	req := &wire.Message{
		MajorVersion:             1,
		MinorVersion:             0,
		RemoteLeaseAgentInstance: 42,
		Type:                     wire.PingRequest,
	}

	resp := a.ReceivePingRequest(req, cfg)
	c.Assert(resp, gc.NotNil)
	c.Check(resp.Type, gc.Equals, wire.PingResponse)
	c.Check(resp.ListenEndpoint, jc.DeepEquals, cfg.ListenEndpoint)
	c.Check(a.RemoteVersion, gc.Equals, wire.EncodeVersion(1, 0))
	c.Check(a.RemoteLeaseAgentInstance, gc.Equals, uint64(42))
}

func (s *RemoteAgentSuite) TestReceivePingResponseClearsInPingAndTimer(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	_, err := a.SendPing(cfg, 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(a.InPing, jc.IsTrue)
	c.Assert(a.Rel.PingRetryTimer.Pending(), jc.IsTrue)

	a.ReceivePingResponse(&wire.Message{MajorVersion: 1, MinorVersion: 0})
	c.Check(a.InPing, jc.IsFalse)
	c.Check(a.Rel.PingRetryTimer.Pending(), jc.IsFalse)
}

func (s *RemoteAgentSuite) TestReceiveLeaseMessageActivatesMonitorAndOffersReverse(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	theirs := lri.LRI{Local: "app-b", Remote: "app-a"}
	req := &wire.Message{
		MajorVersion: 1,
		MinorVersion: 0,
		Duration:     2000,
		Type:         wire.LeaseRequest,
	}
	req.Lists[wire.ListSubjectPending] = []lri.LRI{theirs}

	resp, reverse := a.ReceiveLeaseMessage(req, 0, cfg)
	c.Assert(resp, gc.NotNil)
	c.Check(resp.Type, gc.Equals, wire.LeaseResponse)
	c.Check(a.Monitor.Contains(theirs.Flipped()), jc.IsTrue)
	c.Check(a.Rel.MonitorState, gc.Equals, relationship.Active)
	c.Check(a.Rel.MonitorExpiredTimer.Pending(), jc.IsTrue)
	c.Check(reverse, jc.DeepEquals, []lri.LRI{theirs.Flipped()})
	c.Check(resp.Lists[wire.ListSubjectPendingAccepted], jc.DeepEquals, req.Lists[wire.ListSubjectPending])
}

func (s *RemoteAgentSuite) TestReceiveLeaseMessageSkipsReverseWhenSubjectExists(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	theirs := lri.LRI{Local: "app-b", Remote: "app-a"}
	a.Subject.Add(theirs.Flipped())
	req := &wire.Message{Type: wire.LeaseRequest}
	req.Lists[wire.ListSubjectPending] = []lri.LRI{theirs}

	_, reverse := a.ReceiveLeaseMessage(req, 0, cfg)
	c.Check(reverse, jc.DeepEquals, []lri.LRI(nil))
}

func (s *RemoteAgentSuite) TestReceiveLeaseMessageTwoWayTerminationSuspends(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	req := &wire.Message{Type: wire.LeaseRequest, IsTwoWayTermination: true}

	a.ReceiveLeaseMessage(req, 0, cfg)
	c.Check(a.State, gc.Equals, remoteagent.Suspended)
}

func (s *RemoteAgentSuite) TestReceiveLeaseResponseClearsPendingAndRetryState(c *gc.C) {
	a, _, cfg := s.newAgent(c)
	id := lri.LRI{Local: "app-a", Remote: "app-b"}
	_, err := a.Establish(id, cfg)
	c.Assert(err, jc.ErrorIsNil)
	a.Rel.IsRenewRetry = true
	a.Rel.RenewRetryCount = 2

	resp := &wire.Message{MajorVersion: 1, MinorVersion: 0}
	resp.Lists[wire.ListSubjectPendingAccepted] = []lri.LRI{id}

	a.ReceiveLeaseResponse(resp)
	c.Check(a.SubjectEstablishPending.Contains(id), jc.IsFalse)
	c.Check(a.Rel.IsRenewRetry, jc.IsFalse)
	c.Check(a.Rel.RenewRetryCount, gc.Equals, 0)
	c.Check(a.Rel.LeaseMessageSent, jc.IsTrue)
}
