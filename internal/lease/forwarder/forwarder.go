// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package forwarder implements the indirect-lease forwarding of
// SPEC_FULL.md §4.8: when direct renewal to a peer stalls, fan the
// renewal out to healthy neighbors instead, bounded by a hop/retry
// cap. Forwarding itself is fire-and-forget; the retry cadence belongs
// to the caller's renew-or-arbitrate timer.
package forwarder

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/juju/leaselayer/internal/lease/lri"
	"github.com/juju/leaselayer/internal/lease/wire"
)

var logger = loggo.GetLogger("leaselayer.forwarder")

// Neighbor is the subset of a remote lease agent's state the forwarder
// needs to decide whether, and where, to forward.
type Neighbor interface {
	SocketAddress() lri.Endpoint
	IsTwoWayActive() bool
}

// Sender posts a payload to an endpoint; satisfied by
// internal/lease/transport.Transport.
type Sender interface {
	Send(ctx context.Context, to lri.Endpoint, payload []byte) error
}

// ShouldForward reports whether the forwarder should engage this
// renew-retry tick, per §4.8's "indirect_lease_count <
// consecutive_indirect_lease_limit".
func ShouldForward(indirectLeaseCount, consecutiveIndirectLeaseLimit int) bool {
	return indirectLeaseCount < consecutiveIndirectLeaseLimit
}

// BackoffSchedule returns the delays between successive forward
// retries, computed with juju/retry's exponential-backoff arithmetic.
// This package never calls retry.Call itself -- forwarding must never
// block the caller's lease-agent lock (§4.8/§5); the TimerQueue drives
// each attempt, and this only supplies the spacing between them.
func BackoffSchedule(attempts int, initial, max time.Duration) []time.Duration {
	if attempts <= 0 {
		return nil
	}
	backoff := retry.ExpBackoff(initial, max, 2, false)
	delays := make([]time.Duration, attempts)
	var last time.Duration
	for i := 0; i < attempts; i++ {
		last = backoff(last, i+1)
		delays[i] = last
	}
	return delays
}

// NextBackoff returns the delay before the forward attempt numbered
// attempt (1-indexed), using the same juju/retry exponential schedule
// BackoffSchedule computes, so a caller that backs off one attempt at
// a time -- rather than precomputing a whole schedule up front -- still
// goes through the identical arithmetic. Returns zero for attempt <= 0.
func NextBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	schedule := BackoffSchedule(attempt, initial, max)
	return schedule[len(schedule)-1]
}

// Forward sends a FORWARD_REQUEST carrying msg's pending sets and
// directAddr (the direct peer's socket address) to every OPEN,
// two-way-ACTIVE neighbor other than the direct peer itself. It
// returns the number of neighbors the message was successfully handed
// to transport for; send and serialization failures are logged and
// otherwise ignored, per §4.8's "best-effort" contract.
func Forward(ctx context.Context, sender Sender, neighbors []Neighbor, directAddr lri.Endpoint, msg *wire.Message) int {
	sent := 0
	for _, n := range neighbors {
		if !n.IsTwoWayActive() {
			continue
		}
		addr := n.SocketAddress()
		if addr == directAddr {
			continue
		}

		fwd := *msg
		fwd.Type = wire.ForwardRequest
		lep := directAddr
		fwd.LeaseListenEndpoint = &lep

		payload, err := wire.Serialize(&fwd)
		if err != nil {
			logger.Warningf("forwarder: failed to serialize FORWARD_REQUEST to %s: %v", addr.Address, err)
			continue
		}
		if err := sender.Send(ctx, addr, payload); err != nil {
			logger.Debugf("forwarder: send to %s failed: %v", addr.Address, errors.Trace(err))
			continue
		}
		sent++
	}
	return sent
}
