// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lri

import (
	"github.com/juju/collections/set"
)

// Set is one of the eight LRI membership sets a remote lease agent
// maintains (subject, monitor, subject-establish-pending,
// subject-failed-pending, monitor-failed-pending,
// subject-terminate-pending, subject-terminate-accepted, and the
// transient per-message accepted/rejected lists). It is built on
// set.Strings rather than a bespoke map so that invariant (I5) --
// "every LRI appears in at most one pending set" -- is enforced by set
// membership semantics (Remove then Add, never two concurrent Adds)
// instead of ad hoc bookkeeping.
type Set struct {
	keys    set.Strings
	members map[string]LRI
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{
		keys:    set.NewStrings(),
		members: make(map[string]LRI),
	}
}

// Add inserts id into the set. It is a no-op if id is already present.
func (s *Set) Add(id LRI) {
	k := id.key()
	if s.keys.Contains(k) {
		return
	}
	s.keys.Add(k)
	s.members[k] = id
}

// Remove deletes id from the set, reporting whether it was present.
func (s *Set) Remove(id LRI) bool {
	k := id.key()
	if !s.keys.Contains(k) {
		return false
	}
	s.keys.Remove(k)
	delete(s.members, k)
	return true
}

// Contains reports whether id is a member of the set.
func (s *Set) Contains(id LRI) bool {
	return s.keys.Contains(id.key())
}

// Len reports the number of members.
func (s *Set) Len() int {
	return s.keys.Size()
}

// Empty reports whether the set has no members.
func (s *Set) Empty() bool {
	return s.keys.IsEmpty()
}

// Values returns the members in an unspecified order.
func (s *Set) Values() []LRI {
	out := make([]LRI, 0, len(s.members))
	for _, id := range s.members {
		out = append(out, id)
	}
	return out
}

// MoveTo removes id from s and adds it to dst, as a single step. Used
// throughout the remote lease agent's establish/renew/terminate
// handling, where an LRI migrates between exactly one pending set and
// one active set.
func (s *Set) MoveTo(dst *Set, id LRI) bool {
	if !s.Remove(id) {
		return false
	}
	dst.Add(id)
	return true
}

// Clear empties the set.
func (s *Set) Clear() {
	s.keys = set.NewStrings()
	s.members = make(map[string]LRI)
}
