// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command leaseagentd is a thin demonstration daemon around
// internal/worker/leaseagent: it wires a TCP transport, a wall clock,
// and a lease agent worker, then blocks until interrupted. It exists
// to give the library an entry point to exercise end to end
// (SPEC_FULL.md §0.3); the hard subsystem lives entirely under
// internal/lease.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"

	"github.com/juju/leaselayer/internal/lease/agent"
	"github.com/juju/leaselayer/internal/lease/clockticks"
	"github.com/juju/leaselayer/internal/lease/lri"
	"github.com/juju/leaselayer/internal/lease/metrics"
	"github.com/juju/leaselayer/internal/lease/transport"
	"github.com/juju/leaselayer/internal/worker/leaseagent"
)

var logger = loggo.GetLogger("leaselayer.leaseagentd")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "leaseagentd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := gnuflag.NewFlagSet("leaseagentd", gnuflag.ExitOnError)
	listenAddr := fs.String("listen", "127.0.0.1:4400", "address to listen on for lease messages")
	instance := fs.Uint64("instance", 1, "this lease agent's 64-bit instance id")
	durationMillis := fs.Uint("duration", 10000, "default lease duration, in milliseconds")
	suspendMillis := fs.Uint("suspend-duration", 5000, "lease suspend grace period, in milliseconds")
	arbitrationMillis := fs.Uint("arbitration-duration", 5000, "arbitration grace period, in milliseconds")
	renewRatio := fs.Uint("renew-begin-ratio", 2, "fraction of duration at which renewal begins")
	retryCount := fs.Int("retry-count", 3, "number of evenly spaced renewal retries per cycle")
	indirectLimit := fs.Int("consecutive-indirect-limit", 3, "consecutive indirect-lease renewals allowed before giving up")
	if err := fs.Parse(true, args); err != nil {
		return errors.Trace(err)
	}

	host, _, err := net.SplitHostPort(*listenAddr)
	if err != nil {
		return errors.Annotate(err, "parsing -listen")
	}
	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		return errors.Annotate(err, "listening")
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port

	cfg := agent.Config{
		Instance:                      *instance,
		ListenAddress:                 lri.Endpoint{Address: host, Family: 2, Port: uint16(port)},
		DurationMillis:                uint32(*durationMillis),
		LeaseSuspendDurationMillis:    uint32(*suspendMillis),
		ArbitrationDurationMillis:     uint32(*arbitrationMillis),
		LeaseRenewBeginRatio:          uint32(*renewRatio),
		LeaseRetryCount:               *retryCount,
		ConsecutiveIndirectLeaseLimit: *indirectLimit,
		PingRetryInterval:             clockticks.FromMilliseconds(500),
	}

	m := metrics.NewMetrics()
	a, err := agent.New(cfg, clock.WallClock, transport.NewTCP(), nil, m)
	if err != nil {
		return errors.Annotate(err, "constructing lease agent")
	}

	srv := a.Listen(ln)
	defer srv.Close()

	w, err := leaseagent.NewWorker(a)
	if err != nil {
		return errors.Annotate(err, "starting lease agent worker")
	}

	logger.Infof("leaseagentd listening on %s (instance %d)", *listenAddr, *instance)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc

	a.MarkTransportClosed()
	w.Kill()
	return errors.Trace(w.Wait())
}
