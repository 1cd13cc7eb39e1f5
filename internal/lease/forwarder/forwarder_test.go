// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package forwarder_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/leaselayer/internal/lease/forwarder"
	"github.com/juju/leaselayer/internal/lease/lri"
	"github.com/juju/leaselayer/internal/lease/wire"
)

func Test(t *testing.T) { gc.TestingT(t) }

type fakeNeighbor struct {
	addr   lri.Endpoint
	active bool
}

func (n fakeNeighbor) SocketAddress() lri.Endpoint { return n.addr }
func (n fakeNeighbor) IsTwoWayActive() bool        { return n.active }

type recordingSender struct {
	sent []lri.Endpoint
	fail map[string]bool
}

func (r *recordingSender) Send(ctx context.Context, to lri.Endpoint, payload []byte) error {
	if r.fail[to.Address] {
		return errors.New("boom")
	}
	r.sent = append(r.sent, to)
	return nil
}

type ForwarderSuite struct{}

var _ = gc.Suite(&ForwarderSuite{})

func sampleMessage() *wire.Message {
	return &wire.Message{
		Type:              wire.LeaseRequest,
		LeaseInstance:     1,
		Duration:          1000,
		MessageIdentifier: 1,
		ListenEndpoint:    lri.Endpoint{Address: "me", Family: 1, Port: 1},
	}
}

func (s *ForwarderSuite) TestForwardSkipsDirectPeer(c *gc.C) {
	direct := lri.Endpoint{Address: "direct", Family: 1, Port: 1}
	neighbors := []forwarder.Neighbor{
		fakeNeighbor{addr: direct, active: true},
		fakeNeighbor{addr: lri.Endpoint{Address: "healthy", Family: 1, Port: 2}, active: true},
	}
	sender := &recordingSender{fail: map[string]bool{}}

	n := forwarder.Forward(context.Background(), sender, neighbors, direct, sampleMessage())
	c.Check(n, gc.Equals, 1)
	c.Assert(sender.sent, gc.HasLen, 1)
	c.Check(sender.sent[0].Address, gc.Equals, "healthy")
}

func (s *ForwarderSuite) TestForwardSkipsInactiveNeighbors(c *gc.C) {
	direct := lri.Endpoint{Address: "direct", Family: 1, Port: 1}
	neighbors := []forwarder.Neighbor{
		fakeNeighbor{addr: lri.Endpoint{Address: "suspended", Family: 1, Port: 3}, active: false},
	}
	sender := &recordingSender{fail: map[string]bool{}}

	n := forwarder.Forward(context.Background(), sender, neighbors, direct, sampleMessage())
	c.Check(n, gc.Equals, 0)
	c.Check(sender.sent, gc.HasLen, 0)
}

func (s *ForwarderSuite) TestForwardIsBestEffortOnSendFailure(c *gc.C) {
	direct := lri.Endpoint{Address: "direct", Family: 1, Port: 1}
	neighbors := []forwarder.Neighbor{
		fakeNeighbor{addr: lri.Endpoint{Address: "flaky", Family: 1, Port: 2}, active: true},
		fakeNeighbor{addr: lri.Endpoint{Address: "healthy", Family: 1, Port: 4}, active: true},
	}
	sender := &recordingSender{fail: map[string]bool{"flaky": true}}

	n := forwarder.Forward(context.Background(), sender, neighbors, direct, sampleMessage())
	c.Check(n, gc.Equals, 1)
	c.Check(sender.sent[0].Address, gc.Equals, "healthy")
}

func (s *ForwarderSuite) TestShouldForward(c *gc.C) {
	c.Check(forwarder.ShouldForward(2, 3), jc.IsTrue)
	c.Check(forwarder.ShouldForward(3, 3), jc.IsFalse)
}

func (s *ForwarderSuite) TestBackoffScheduleIsMonotonicAndBounded(c *gc.C) {
	delays := forwarder.BackoffSchedule(5, 10*time.Millisecond, 100*time.Millisecond)
	c.Assert(delays, gc.HasLen, 5)
	for i, d := range delays {
		c.Check(d <= 100*time.Millisecond, jc.IsTrue)
		c.Check(d > 0, jc.IsTrue)
		if i > 0 {
			c.Check(d >= delays[i-1], jc.IsTrue)
		}
	}
}

func (s *ForwarderSuite) TestBackoffScheduleZeroAttempts(c *gc.C) {
	c.Check(forwarder.BackoffSchedule(0, time.Millisecond, time.Second), gc.IsNil)
}

func (s *ForwarderSuite) TestNextBackoffMatchesScheduleTail(c *gc.C) {
	schedule := forwarder.BackoffSchedule(4, 10*time.Millisecond, time.Second)
	c.Check(forwarder.NextBackoff(4, 10*time.Millisecond, time.Second), gc.Equals, schedule[3])
}

func (s *ForwarderSuite) TestNextBackoffZeroAttempt(c *gc.C) {
	c.Check(forwarder.NextBackoff(0, 10*time.Millisecond, time.Second), gc.Equals, time.Duration(0))
}
