// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package transport supplies the one concrete implementation of the
// Transport seam SPEC_FULL.md §6 (ADDED) calls out: a minimal
// length-prefixed TCP framing. The byte-level transport is an explicit
// non-goal of spec.md §1 ("reliable ordered delivery of opaque buffers
// to a named peer" is an external collaborator), so this stays
// deliberately thin -- one frame per connection, no pooling, no
// retries; the Lease Layer's own timers own all retry behavior.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/leaselayer/internal/lease/lri"
)

var logger = loggo.GetLogger("leaselayer.transport")

// Transport is the seam the Lease Layer core calls out through (§6).
type Transport interface {
	Send(ctx context.Context, to lri.Endpoint, payload []byte) error
}

// maxFrameSize bounds an accepted frame, guarding the server loop
// against a peer declaring an unreasonable length prefix.
const maxFrameSize = 1 << 20

// TCP sends each payload as its own short-lived connection: a 4-byte
// big-endian length prefix followed by the payload. Dial defaults to
// net.Dialer.DialContext and may be overridden in tests.
type TCP struct {
	Dial func(ctx context.Context, address string) (net.Conn, error)
}

// NewTCP returns a TCP transport using the real network.
func NewTCP() *TCP {
	return &TCP{Dial: dialTCP}
}

func dialTCP(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// Send implements Transport.
func (t *TCP) Send(ctx context.Context, to lri.Endpoint, payload []byte) error {
	conn, err := t.Dial(ctx, fmt.Sprintf("%s:%d", to.Address, to.Port))
	if err != nil {
		return errors.Annotate(err, "dial")
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := conn.Write(header[:]); err != nil {
		return errors.Annotate(err, "write frame header")
	}
	if _, err := conn.Write(payload); err != nil {
		return errors.Annotate(err, "write frame payload")
	}
	return nil
}

// Handler processes one received frame's payload.
type Handler func(payload []byte)

// Server accepts connections on a net.Listener and decodes exactly one
// length-prefixed frame from each before closing it.
type Server struct {
	ln      net.Listener
	handler Handler
}

// Serve starts accepting connections on ln in a background goroutine,
// handing each decoded frame to handler. Call Close to stop.
func Serve(ln net.Listener, handler Handler) *Server {
	s := &Server{ln: ln, handler: handler}
	go s.acceptLoop()
	return s
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		logger.Debugf("transport: reading frame header: %v", err)
		return
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		logger.Warningf("transport: peer declared an oversized frame (%d bytes), dropping connection", n)
		return
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		logger.Debugf("transport: reading frame payload: %v", err)
		return
	}
	s.handler(buf)
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}
