// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package arbitration defines the §6.2 arbitration call-out interface:
// the Request/Result types surfaced by a remote lease agent when a
// subject's lease is about to expire, and the Driver a caller supplies
// to decide the outcome.
package arbitration

import "context"

// Outcome classifies an arbitration Result the way §4.6's
// arbitrate_lease(local_ttl, remote_ttl, is_delayed) does, without
// making callers reconstruct it from the raw TTLs every time.
type Outcome int

const (
	// OutcomeLost means local_ttl != MAX: the local side lost.
	OutcomeLost Outcome = iota
	// OutcomeWon means local_ttl == MAX && remote_ttl != MAX.
	OutcomeWon
	// OutcomeNeutral means both TTLs are MAX.
	OutcomeNeutral
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLost:
		return "LOST"
	case OutcomeWon:
		return "WON"
	case OutcomeNeutral:
		return "NEUTRAL"
	default:
		return "UNKNOWN"
	}
}

// MaxTTLMillis is the sentinel "infinite" TTL value (§4.6's MAX).
const MaxTTLMillis = ^uint64(0)

// Request is the LEASING_APPLICATION_ARBITRATE event of §6.3, surfaced
// to the chosen application when a remote lease agent enters
// arbitration.
type Request struct {
	LocalApplicationID  string
	RemoteApplicationID string
	RemoteEndpoint      string

	MonitorTTLMillis uint64
	SubjectTTLMillis uint64

	LocalInstance  uint64
	RemoteInstance uint64
	RemoteVersion  uint16

	MonitorID string
	SubjectID string

	// RemoteArbitrationDurationUpperBoundMillis bounds how long the
	// remote side may still need before it also calls arbitrate; a
	// Driver should not delay past the shorter of its own and this.
	RemoteArbitrationDurationUpperBoundMillis uint64

	// IsAdvisory marks a pre-arbitration notice (§4.5's
	// pre-arbitration-subject/-monitor timers): the chosen application
	// is told arbitration is imminent, but no Driver is invoked and no
	// Result is expected back for this Request.
	IsAdvisory bool
}

// Result is the arbitration outcome of §4.6's arbitrate_lease.
type Result struct {
	LocalTTLMillis  uint64
	RemoteTTLMillis uint64
	IsDelayed       bool
}

// Outcome classifies r the way §4.6 does.
func (r Result) Outcome() Outcome {
	switch {
	case r.LocalTTLMillis != MaxTTLMillis:
		return OutcomeLost
	case r.RemoteTTLMillis != MaxTTLMillis:
		return OutcomeWon
	default:
		return OutcomeNeutral
	}
}

// Driver is the single call-out point of §6.2/§4.9: given a Request,
// decide who lives and for how long. Implementations must not block
// the caller's lease-agent lock for long; the core treats a Driver
// call as asynchronous and applies the Result only when it is handed
// back via the remote lease agent's arbitration-result entry point.
type Driver interface {
	Arbitrate(ctx context.Context, req Request) (Result, error)
}

// DriverFunc adapts a plain function to Driver.
type DriverFunc func(ctx context.Context, req Request) (Result, error)

func (f DriverFunc) Arbitrate(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
