// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relationship_test

import (
	"testing"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/leaselayer/internal/lease/clockticks"
	"github.com/juju/leaselayer/internal/lease/relationship"
)

func Test(t *testing.T) { gc.TestingT(t) }

type RelationshipSuite struct{}

var _ = gc.Suite(&RelationshipSuite{})

func (s *RelationshipSuite) TestNewIsInactiveBothDirections(c *gc.C) {
	r := relationship.New()
	c.Check(r.SubjectState, gc.Equals, relationship.Inactive)
	c.Check(r.MonitorState, gc.Equals, relationship.Inactive)
	c.Check(r.IsOneWayPing(), jc.IsTrue)
}

func (s *RelationshipSuite) TestTimersAreDistinctEntries(c *gc.C) {
	r := relationship.New()
	timers := r.Timers()
	c.Assert(timers, gc.HasLen, 7)
	for i := range timers {
		for j := range timers {
			if i == j {
				continue
			}
			c.Check(timers[i], gc.Not(gc.Equals), timers[j])
		}
	}
}

func (s *RelationshipSuite) TestRenewInstantUsesRenewBeginRatio(c *gc.C) {
	r := relationship.New()
	r.Duration = 2000
	r.SubjectExpireTime = clockticks.FromMilliseconds(5000)

	got := r.RenewInstant(2)
	want := clockticks.FromMilliseconds(5000 - 1000)
	c.Check(got, gc.Equals, want)
}

func (s *RelationshipSuite) TestRenewInstantTreatsZeroRatioAsOne(c *gc.C) {
	r := relationship.New()
	r.Duration = 2000
	r.SubjectExpireTime = clockticks.FromMilliseconds(5000)

	got := r.RenewInstant(0)
	want := clockticks.FromMilliseconds(5000 - 2000)
	c.Check(got, gc.Equals, want)
}

func (s *RelationshipSuite) TestRetryIntervalDividesRemainingWindow(c *gc.C) {
	r := relationship.New()
	r.Duration = 2000

	got := r.RetryInterval(2, 1)
	want := clockticks.FromMilliseconds(1000)
	c.Check(got, gc.Equals, want)
}

func (s *RelationshipSuite) TestRetryIntervalZeroRetriesIsZero(c *gc.C) {
	r := relationship.New()
	r.Duration = 2000
	c.Check(r.RetryInterval(2, 0), gc.Equals, clockticks.Ticks(0))
}

func (s *RelationshipSuite) TestResetSubjectClearsSubjectFieldsOnly(c *gc.C) {
	r := relationship.New()
	r.SubjectState = relationship.Active
	r.MonitorState = relationship.Active
	r.SubjectIdentifier = 7
	r.MonitorIdentifier = 9
	r.IsRenewRetry = true
	r.RenewRetryCount = 3

	r.ResetSubject()

	c.Check(r.SubjectState, gc.Equals, relationship.Inactive)
	c.Check(r.SubjectIdentifier, gc.Equals, uint64(0))
	c.Check(r.IsRenewRetry, jc.IsFalse)
	c.Check(r.RenewRetryCount, gc.Equals, 0)
	c.Check(r.MonitorState, gc.Equals, relationship.Active)
	c.Check(r.MonitorIdentifier, gc.Equals, uint64(9))
}

func (s *RelationshipSuite) TestResetMonitorClearsMonitorFieldsOnly(c *gc.C) {
	r := relationship.New()
	r.SubjectState = relationship.Active
	r.MonitorState = relationship.Active
	r.MonitorIdentifier = 9

	r.ResetMonitor()

	c.Check(r.MonitorState, gc.Equals, relationship.Inactive)
	c.Check(r.MonitorIdentifier, gc.Equals, uint64(0))
	c.Check(r.SubjectState, gc.Equals, relationship.Active)
}

func (s *RelationshipSuite) TestStateString(c *gc.C) {
	c.Check(relationship.Active.String(), gc.Equals, "ACTIVE")
	c.Check(relationship.State(99).String(), gc.Equals, "UNKNOWN")
}
