// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package relationship holds the per-remote-lease-agent lease state of
// SPEC_FULL.md §3/§4.5: the subject/monitor state pair, their
// deadlines and configured durations, and the seven timers that drive
// them. It owns no lock of its own -- the owning lease agent's
// (internal/lease/agent) single mutex guards every field, matching the
// single-threaded-dispatch model of §5.
package relationship

import (
	"github.com/juju/leaselayer/internal/lease/clockticks"
	"github.com/juju/leaselayer/internal/lease/timerqueue"
)

// State is one of the four lease-direction states of §3.
type State int

const (
	Inactive State = iota
	Active
	Expired
	Failed
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "INACTIVE"
	case Active:
		return "ACTIVE"
	case Expired:
		return "EXPIRED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Relationship is the per-remote-lease-agent lease state of §3. The
// zero value has both directions INACTIVE but all seven timers nil;
// New returns one with a distinct Entry allocated for each timer (see
// internal/lease/timerqueue).
type Relationship struct {
	SubjectState State
	MonitorState State

	// Deadlines, absolute ticks (§3).
	SubjectExpireTime  clockticks.Ticks
	SubjectFailTime    clockticks.Ticks
	SubjectSuspendTime clockticks.Ticks
	MonitorExpireTime  clockticks.Ticks

	// Configured durations, milliseconds, local and remote-requested.
	Duration             uint32
	LeaseSuspendDuration uint32
	ArbitrationDuration  uint32

	RemoteDuration             uint32
	RemoteLeaseSuspendDuration uint32
	RemoteArbitrationDuration  uint32

	IsDurationUpdated bool

	// Identity: our instance while acting as subject/monitor; zero
	// when that direction is INACTIVE.
	SubjectIdentifier uint64
	MonitorIdentifier uint64

	// Bookkeeping (§3, P7).
	LeaseMessageSent   bool
	IsRenewRetry       bool
	RenewRetryCount    int
	IndirectLeaseCount int

	// The seven timers of §4.5. Each is a distinct *timerqueue.Entry
	// whose Callback the owning lease agent (agent.Agent.wireTimers)
	// installs once, when it creates the remote lease agent, bound to
	// that remote lease agent's arena handle rather than to this
	// Relationship directly (see DESIGN NOTES §9's arena+handle
	// re-architecture).
	SubjectExpiredTimer       *timerqueue.Entry
	MonitorExpiredTimer       *timerqueue.Entry
	RenewOrArbitrateTimer     *timerqueue.Entry
	PreArbitrationSubjectTimer *timerqueue.Entry
	PreArbitrationMonitorTimer *timerqueue.Entry
	PostArbitrationTimer      *timerqueue.Entry
	PingRetryTimer            *timerqueue.Entry
}

// New returns a Relationship with both directions INACTIVE and all
// seven timers allocated (but unarmed and without a Callback set).
func New() *Relationship {
	return &Relationship{
		SubjectExpiredTimer:        &timerqueue.Entry{},
		MonitorExpiredTimer:        &timerqueue.Entry{},
		RenewOrArbitrateTimer:      &timerqueue.Entry{},
		PreArbitrationSubjectTimer: &timerqueue.Entry{},
		PreArbitrationMonitorTimer: &timerqueue.Entry{},
		PostArbitrationTimer:       &timerqueue.Entry{},
		PingRetryTimer:             &timerqueue.Entry{},
	}
}

// Timers returns all seven timers, for bulk operations such as
// dequeuing every timer on FAILED transition (P1).
func (r *Relationship) Timers() []*timerqueue.Entry {
	return []*timerqueue.Entry{
		r.SubjectExpiredTimer,
		r.MonitorExpiredTimer,
		r.RenewOrArbitrateTimer,
		r.PreArbitrationSubjectTimer,
		r.PreArbitrationMonitorTimer,
		r.PostArbitrationTimer,
		r.PingRetryTimer,
	}
}

// RenewInstant computes the absolute tick at which the renew-or-
// arbitrate timer should first fire for the current SubjectExpireTime,
// per §4.5: "subject_expire_time − (duration/renew_begin_ratio)".
func (r *Relationship) RenewInstant(renewBeginRatio uint32) clockticks.Ticks {
	if renewBeginRatio == 0 {
		renewBeginRatio = 1
	}
	window := clockticks.FromMilliseconds(int64(r.Duration) / int64(renewBeginRatio))
	return r.SubjectExpireTime - window
}

// RetryInterval returns the spacing between successive renew retries,
// evenly dividing the remaining "duration − duration/renew_begin_ratio"
// window across retryCount attempts (§4.5). Returns zero if retryCount
// is non-positive.
func (r *Relationship) RetryInterval(renewBeginRatio uint32, retryCount int) clockticks.Ticks {
	if retryCount <= 0 {
		return 0
	}
	if renewBeginRatio == 0 {
		renewBeginRatio = 1
	}
	beginWindow := clockticks.FromMilliseconds(int64(r.Duration) / int64(renewBeginRatio))
	remaining := clockticks.FromMilliseconds(int64(r.Duration)) - beginWindow
	if remaining < 0 {
		remaining = 0
	}
	return remaining / clockticks.Ticks(retryCount)
}

// ResetSubject clears the subject side back to INACTIVE, per the
// uninitialize/full-failure paths of §4.6.
func (r *Relationship) ResetSubject() {
	r.SubjectState = Inactive
	r.SubjectIdentifier = 0
	r.SubjectExpireTime = 0
	r.SubjectFailTime = 0
	r.SubjectSuspendTime = 0
	r.IsRenewRetry = false
	r.RenewRetryCount = 0
	r.IndirectLeaseCount = 0
}

// ResetMonitor clears the monitor side back to INACTIVE.
func (r *Relationship) ResetMonitor() {
	r.MonitorState = Inactive
	r.MonitorIdentifier = 0
	r.MonitorExpireTime = 0
}

// IsOneWayPing reports whether this relationship is still a bare ping:
// neither direction has ever gone ACTIVE and no lease message has been
// observed as sent to the remote.
func (r *Relationship) IsOneWayPing() bool {
	return r.SubjectState == Inactive && r.MonitorState == Inactive && !r.LeaseMessageSent
}
