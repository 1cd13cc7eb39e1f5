// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package leaseagent

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/dependency"

	"github.com/juju/clock"

	"github.com/juju/leaselayer/internal/lease/agent"
	"github.com/juju/leaselayer/internal/lease/arbitration"
	"github.com/juju/leaselayer/internal/lease/metrics"
	"github.com/juju/leaselayer/internal/lease/transport"
)

// NewAgentFunc constructs the *agent.Agent a Worker wraps; tests supply
// a fake, production wires agent.New.
type NewAgentFunc func(agent.Config, clock.Clock, transport.Transport, arbitration.Driver, *metrics.Metrics) (*agent.Agent, error)

// ManifoldConfig holds a Manifold's dependencies and static
// configuration.
type ManifoldConfig struct {
	ClockName string

	NewAgent    NewAgentFunc
	AgentConfig agent.Config
	Transport   transport.Transport
	Driver      arbitration.Driver
	Metrics     *metrics.Metrics
}

// Validate reports whether config can be used to start a Worker.
func (config ManifoldConfig) Validate() error {
	if config.ClockName == "" {
		return errors.NotValidf("empty ClockName")
	}
	if config.NewAgent == nil {
		return errors.NotValidf("nil NewAgent")
	}
	if config.Transport == nil {
		return errors.NotValidf("nil Transport")
	}
	if err := config.AgentConfig.Validate(); err != nil {
		return errors.Annotate(err, "AgentConfig")
	}
	return nil
}

// Manifold returns a dependency.Manifold that starts a lease agent
// Worker once its clock dependency is available.
func Manifold(config ManifoldConfig) dependency.Manifold {
	return dependency.Manifold{
		Inputs: []string{config.ClockName},
		Start: func(ctx context.Context, getter dependency.Getter) (worker.Worker, error) {
			if err := config.Validate(); err != nil {
				return nil, errors.Trace(err)
			}
			var clk clock.Clock
			if err := getter.Get(config.ClockName, &clk); err != nil {
				return nil, errors.Trace(err)
			}
			a, err := config.NewAgent(config.AgentConfig, clk, config.Transport, config.Driver, config.Metrics)
			if err != nil {
				return nil, errors.Trace(err)
			}
			return NewWorker(a)
		},
		Output: manifoldOutput,
	}
}

func manifoldOutput(in worker.Worker, out interface{}) error {
	w, ok := in.(*Worker)
	if !ok {
		return errors.Errorf("expected *leaseagent.Worker, got %T", in)
	}
	switch outPtr := out.(type) {
	case **agent.Agent:
		*outPtr = w.Agent()
	default:
		return errors.Errorf("out should be *agent.Agent; is %T", out)
	}
	return nil
}
