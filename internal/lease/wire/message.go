// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wire

import (
	"github.com/juju/leaselayer/internal/lease/clockticks"
	"github.com/juju/leaselayer/internal/lease/lri"
)

// Message is the in-memory form of a lease wire message: the header
// plus the nine fixed-order LRI lists, the message's own listen
// endpoint, the lease listen endpoint (FORWARD_* only), and the
// extension.
type Message struct {
	MajorVersion             uint16
	MinorVersion             uint16
	LeaseInstance            uint64
	RemoteLeaseAgentInstance uint64
	Duration                 uint32
	Expiration               clockticks.Ticks
	SuspendDuration          uint32
	ArbitrationDuration      uint32
	IsTwoWayTermination      bool
	Type                     MessageType
	MessageIdentifier        uint64

	// Lists holds the nine LRI lists in fixed wire order (see the
	// List* constants).
	Lists [listCount][]lri.LRI

	ListenEndpoint lri.Endpoint

	// LeaseListenEndpoint is populated only for FORWARD_REQUEST and
	// FORWARD_RESPONSE; it carries the direct peer's listen endpoint so
	// a forwarding neighbor's response can be matched back.
	LeaseListenEndpoint *lri.Endpoint

	// ExtendedRemoteLeaseAgentInstance is the extension block's copy of
	// RemoteLeaseAgentInstance (see header.go's ExtensionSize doc).
	ExtendedRemoteLeaseAgentInstance uint64
}
