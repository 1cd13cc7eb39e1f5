// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package metrics carries the ambient observability SPEC_FULL.md §0
// adds on top of spec.md: active leases, arbitrations, forwards, and
// failures, as prometheus collectors registered the way
// agent/addons registers its own metrics -- against a
// prometheus.Registerer supplied by the caller, never a global
// default registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "leaselayer"

// Metrics is the set of collectors one lease agent publishes.
type Metrics struct {
	ActiveRemoteLeaseAgents prometheus.Gauge
	Arbitrations            *prometheus.CounterVec
	Forwards                *prometheus.CounterVec
	Failures                *prometheus.CounterVec
	RenewLatency            prometheus.Histogram
}

// NewMetrics constructs the collector set. It does not register them;
// call Register to do so against a specific prometheus.Registerer,
// matching agent/addons's convention of never touching the default
// registry directly.
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveRemoteLeaseAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_remote_lease_agents",
			Help:      "Number of remote lease agents created and not yet in the FAILED state.",
		}),
		Arbitrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arbitrations_total",
			Help:      "Arbitration events, labelled by outcome (requested, pre_arbitration_notice, WON, LOST, NEUTRAL).",
		}, []string{"outcome"}),
		Forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indirect_forwards_total",
			Help:      "Indirect-lease FORWARD_REQUESTs sent, labelled by result (sent, failed).",
		}, []string{"result"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_agent_failures_total",
			Help:      "Lease agent failures, labelled by cause.",
		}, []string{"cause"}),
		RenewLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "renew_round_trip_seconds",
			Help:      "Time between sending a renewal LEASE_REQUEST and observing the corresponding state update.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Register registers every collector against reg. Collectors that
// fail to register (e.g. a duplicate registration in tests) are
// reported via the returned error, matching prometheus.Registerer's
// own contract.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.ActiveRemoteLeaseAgents,
		m.Arbitrations,
		m.Forwards,
		m.Failures,
		m.RenewLatency,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
