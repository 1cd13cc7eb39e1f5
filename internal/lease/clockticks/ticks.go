// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package clockticks adapts a juju/clock.Clock to the Ticks domain used
// throughout the lease layer: absolute counts of 100ns units since the
// Unix epoch, the unit the original lease protocol's deadlines are
// expressed in.
package clockticks

import (
	"time"

	"github.com/juju/clock"
)

// Ticks is an absolute point in time expressed in 100ns units.
// Differences and comparisons are meaningful between Ticks minted by
// Clocks that share an epoch, as every Clock returned by Wrap does.
type Ticks int64

// PerMillisecond is the number of Ticks in one millisecond.
const PerMillisecond Ticks = 10000

// Max is used as the "infinite" deadline: a lease that will never expire
// and a TTL that means "the remote side wins outright".
const Max Ticks = 1<<63 - 1

// FromDuration converts a time.Duration to Ticks, saturating at Max
// rather than overflowing.
func FromDuration(d time.Duration) Ticks {
	if d < 0 {
		return 0
	}
	if int64(d)/100 > int64(Max) {
		return Max
	}
	return Ticks(d) / 100
}

// Duration converts Ticks back to a time.Duration.
func (t Ticks) Duration() time.Duration {
	return time.Duration(t) * 100
}

// Milliseconds reports t as whole milliseconds, matching how the wire
// protocol and arbitration interface express durations.
func (t Ticks) Milliseconds() int64 {
	return int64(t / PerMillisecond)
}

// FromMilliseconds builds a Ticks duration from milliseconds.
func FromMilliseconds(ms int64) Ticks {
	return Ticks(ms) * PerMillisecond
}

// Clock is a lock-free high resolution time source. Now must be safe
// for concurrent use from any goroutine, including timer dispatch.
type Clock interface {
	Now() Ticks
}

// Wrap adapts a juju/clock.Clock into a Clock reporting Ticks since the
// Unix epoch (the clock's UnixNano / 100). Every Clock it returns
// shares that epoch, so Ticks from two Wraps of the same juju/clock.Clock
// are directly comparable: the lease agent and its timer queue each wrap
// the clock and compare each other's deadlines. The value follows the
// clock's wall reading, so it is not monotonic: a step of the system
// wall clock moves it too.
func Wrap(c clock.Clock) Clock {
	return wrapped{c}
}

type wrapped struct {
	clock.Clock
}

func (w wrapped) Now() Ticks {
	return Ticks(w.Clock.Now().UnixNano() / 100)
}
