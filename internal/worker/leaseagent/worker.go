// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package leaseagent wraps an *agent.Agent in the ambient
// worker.Worker lifecycle SPEC_FULL.md §0/§0.2 adds so the Lease Layer
// can be run under a dependency.Engine alongside the rest of a juju
// agent, the way every other long-lived component in this codebase is
// run.
package leaseagent

import (
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/leaselayer/internal/lease/agent"
)

// Worker owns the catacomb that supervises one *agent.Agent for its
// lifetime: Kill/Wait stop the agent's timer queue and release it.
type Worker struct {
	catacomb catacomb.Catacomb
	agent    *agent.Agent
}

// NewWorker starts a Worker around a. Ownership of a passes to the
// Worker: callers should use the manifold's Output, not their own
// reference to a, once this returns.
func NewWorker(a *agent.Agent) (*Worker, error) {
	if a == nil {
		return nil, errors.NotValidf("nil agent")
	}
	w := &Worker{agent: a}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (w *Worker) loop() error {
	<-w.catacomb.Dying()
	w.agent.Close()
	return w.catacomb.ErrDying()
}

// Kill implements worker.Worker.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait implements worker.Worker.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// Agent returns the wrapped *agent.Agent, for the manifold's Output
// and for tests.
func (w *Worker) Agent() *agent.Agent {
	return w.agent
}

var _ worker.Worker = (*Worker)(nil)
