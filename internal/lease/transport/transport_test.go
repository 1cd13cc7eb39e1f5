// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/leaselayer/internal/lease/lri"
	"github.com/juju/leaselayer/internal/lease/transport"
)

func Test(t *testing.T) { gc.TestingT(t) }

type TransportSuite struct{}

var _ = gc.Suite(&TransportSuite{})

func (s *TransportSuite) TestSendDeliversFrameToServer(c *gc.C) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)

	received := make(chan []byte, 1)
	srv := transport.Serve(ln, func(payload []byte) {
		received <- payload
	})
	defer srv.Close()

	addr := ln.Addr().(*net.TCPAddr)
	tcp := transport.NewTCP()
	to := lri.Endpoint{Address: addr.IP.String(), Port: uint16(addr.Port)}

	err = tcp.Send(context.Background(), to, []byte("hello lease"))
	c.Assert(err, jc.ErrorIsNil)

	select {
	case got := <-received:
		c.Check(string(got), gc.Equals, "hello lease")
	case <-time.After(2 * time.Second):
		c.Fatal("timed out waiting for frame")
	}
}

func (s *TransportSuite) TestSendDialFailureIsReported(c *gc.C) {
	tcp := transport.NewTCP()
	// Port 1 on loopback: an address unlikely to have a listener behind
	// it at connect time.
	to := lri.Endpoint{Address: "127.0.0.1", Port: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := tcp.Send(ctx, to, []byte("x"))
	c.Check(err, gc.NotNil)
}
