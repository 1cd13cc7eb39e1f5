// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package timerqueue implements the priority queue of
// deadline-to-callback entries that every lease relationship timer
// (subject-expired, monitor-expired, renew-or-arbitrate,
// pre-arbitration-subject, pre-arbitration-monitor, post-arbitration,
// ping-retry) is scheduled on; each lease agent builds its own Queue.
// Dispatch is synchronous: each Queue has one dispatcher goroutine, so
// at most one of its callbacks runs at a time, and a callback
// must never block -- callers rely on that to hold their own lease-agent
// lock across a callback invocation without deadlocking the dispatcher.
package timerqueue

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/leaselayer/internal/lease/clockticks"
)

var logger = loggo.GetLogger("leaselayer.timerqueue")

// Entry is a single armable timer. The zero value is a valid, unarmed
// Entry. Entries are reused across their owner's lifetime (e.g. the
// seven timers of one lease relationship each keep their own Entry).
type Entry struct {
	// Callback is invoked by the dispatcher when the entry's deadline
	// elapses. It must not block.
	Callback func()

	mu       sync.Mutex
	pending  bool
	deadline clockticks.Ticks
	index    int
	refs     int32
}

// Pending reports whether the entry is currently armed.
func (e *Entry) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Refs reports the entry's current reference count, for tests.
func (e *Entry) Refs() int32 {
	return atomic.LoadInt32(&e.refs)
}

// Queue is a timer dispatcher with one dispatcher goroutine. It sleeps on the
// juju/clock.Clock it was built with, so a github.com/juju/clock/testclock
// fake drives it deterministically in tests; production code supplies
// clock.WallClock.
type Queue struct {
	wall  clock.Clock
	ticks clockticks.Clock

	mu     sync.Mutex
	heap   entryHeap
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// New starts a Queue's dispatcher goroutine, driven by wall.
func New(wall clock.Clock) *Queue {
	q := &Queue{
		wall:   wall,
		ticks:  clockticks.Wrap(wall),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go q.dispatch()
	return q
}

// Close stops the dispatcher goroutine. Outstanding entries are left
// exactly as they were; Close does not run or drop their callbacks.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.closed) })
}

// Now reports the queue's notion of the current time.
func (q *Queue) Now() clockticks.Ticks {
	return q.ticks.Now()
}

// Enqueue schedules entry's callback to fire no earlier than
// now()+delay, clamping a negative delay to zero. It is an error to
// enqueue an entry that is already pending; callers that might be
// rearming a timer should use Arm instead.
func (q *Queue) Enqueue(entry *Entry, delay clockticks.Ticks) error {
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(entry, delay)
}

func (q *Queue) enqueueLocked(entry *Entry, delay clockticks.Ticks) error {
	entry.mu.Lock()
	if entry.pending {
		entry.mu.Unlock()
		return errors.NewNotValid(nil, "timer entry is already enqueued")
	}
	entry.pending = true
	entry.deadline = q.ticks.Now() + delay
	entry.mu.Unlock()

	atomic.AddInt32(&entry.refs, 1)
	heap.Push(&q.heap, entry)
	q.nudge()
	return nil
}

// Dequeue removes entry from the queue if it is still pending. It
// returns whether entry was pending: true means the callback will not
// run and the caller now owns the one reference count Enqueue added.
func (q *Queue) Dequeue(entry *Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked(entry)
}

func (q *Queue) dequeueLocked(entry *Entry) bool {
	entry.mu.Lock()
	if !entry.pending {
		entry.mu.Unlock()
		return false
	}
	entry.pending = false
	idx := entry.index
	entry.mu.Unlock()

	if idx >= 0 && idx < len(q.heap) && q.heap[idx] == entry {
		heap.Remove(&q.heap, idx)
	}
	atomic.AddInt32(&entry.refs, -1)
	q.nudge()
	return true
}

// Arm is the safe rearm primitive: dequeue then enqueue at deadline,
// clamping a deadline in the past to "now". The net effect on entry's
// reference count is zero -- Dequeue releases the reference Enqueue is
// about to add back.
func (q *Queue) Arm(entry *Entry, deadline clockticks.Ticks) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.dequeueLocked(entry)
	now := q.ticks.Now()
	delay := deadline - now
	if delay < 0 {
		delay = 0
	}
	if err := q.enqueueLocked(entry, delay); err != nil {
		// enqueueLocked only fails if entry.pending was true, which
		// dequeueLocked just made false; unreachable in practice.
		logger.Errorf("arm: %v", err)
	}
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch is the queue's single dispatcher loop: it sleeps until
// the earliest deadline (using the queue's clock, so a test clock's
// Advance wakes it immediately), then fires every entry whose deadline
// has elapsed, one at a time, never holding q.mu while a callback runs.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		deadline, ok := q.heap.peekDeadline()
		q.mu.Unlock()

		var wait time.Duration
		if !ok {
			wait = 24 * time.Hour
		} else {
			wait = q.untilDeadline(deadline)
		}
		alarm := q.wall.NewTimer(wait)

		select {
		case <-q.closed:
			alarm.Stop()
			return
		case <-q.wake:
			alarm.Stop()
			continue
		case <-alarm.Chan():
			q.fireDue()
		}
	}
}

func (q *Queue) untilDeadline(deadline clockticks.Ticks) time.Duration {
	now := q.ticks.Now()
	if deadline <= now {
		return 0
	}
	return (deadline - now).Duration()
}

// fireDue pops and runs every entry due at or before now, one at a
// time, releasing q.mu before invoking each callback.
func (q *Queue) fireDue() {
	for {
		now := q.ticks.Now()

		q.mu.Lock()
		deadline, ok := q.heap.peekDeadline()
		if !ok || deadline > now {
			q.mu.Unlock()
			return
		}
		entry := heap.Pop(&q.heap).(*Entry)
		entry.mu.Lock()
		entry.pending = false
		entry.mu.Unlock()
		q.mu.Unlock()

		atomic.AddInt32(&entry.refs, -1)
		if entry.Callback != nil {
			entry.Callback()
		}
	}
}
