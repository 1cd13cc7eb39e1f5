// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package wire implements the bit-exact lease message codec: the
// header, the nine fixed-order LRI lists, the listen endpoints, and
// the extension block. See SPEC_FULL.md §4.4 and §6.1 for the
// authoritative layout; this file only names the constants.
package wire

import "github.com/juju/leaselayer/internal/lease/clockticks"

// MessageType identifies the kind of lease message. RELAY_REQUEST and
// RELAY_RESPONSE are recognized but rejected -- relay framing uses a
// separate codec that is out of scope for this package.
type MessageType uint8

const (
	LeaseRequest MessageType = iota + 1
	LeaseResponse
	PingRequest
	PingResponse
	ForwardRequest
	ForwardResponse
	RelayRequest
	RelayResponse
)

func (t MessageType) String() string {
	switch t {
	case LeaseRequest:
		return "LEASE_REQUEST"
	case LeaseResponse:
		return "LEASE_RESPONSE"
	case PingRequest:
		return "PING_REQUEST"
	case PingResponse:
		return "PING_RESPONSE"
	case ForwardRequest:
		return "FORWARD_REQUEST"
	case ForwardResponse:
		return "FORWARD_RESPONSE"
	case RelayRequest:
		return "RELAY_REQUEST"
	case RelayResponse:
		return "RELAY_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// IsIndirect reports whether t is one of the FORWARD_* message kinds
// that require the larger V2 header (carrying the lease listen
// endpoint descriptor).
func (t MessageType) IsIndirect() bool {
	return t == ForwardRequest || t == ForwardResponse
}

// IsPing reports whether t is a ping handshake message, which relaxes
// the duration/lease-instance validation rules of §4.4.
func (t MessageType) IsPing() bool {
	return t == PingRequest || t == PingResponse
}

// IsRelay reports whether t belongs to the out-of-scope relay codec.
func (t MessageType) IsRelay() bool {
	return t == RelayRequest || t == RelayResponse
}

// listCount is the number of fixed-order LRI lists carried by every
// lease message body.
const listCount = 9

// List indices, in wire order.
const (
	ListSubjectPending = iota
	ListSubjectFailedPending
	ListMonitorFailedPending
	ListSubjectPendingAccepted
	ListSubjectFailedAccepted
	ListMonitorFailedAccepted
	ListSubjectPendingRejected
	ListSubjectTerminatePending
	ListSubjectTerminateAccepted
)

// descriptor is the {size, count, start_offset} triple the header
// carries once per list, plus once more (for FORWARD_*) for the lease
// listen endpoint.
type descriptor struct {
	Size        uint32
	Count       uint32
	StartOffset uint32
}

const descriptorSize = 12 // 3 * uint32

// Header is the fixed-order field list of §4.4/§6.1. HeaderSizeV1 is
// used for every non-indirect message, for backward compatibility with
// peers that predate the indirect-lease extension; HeaderSizeV2 is
// used only for FORWARD_REQUEST/FORWARD_RESPONSE.
type Header struct {
	MajorVersion             uint16
	MinorVersion             uint16
	HeaderSize               uint32
	MessageSize              uint32
	LeaseInstance            uint64
	RemoteLeaseAgentInstance uint64
	Duration                 uint32 // ms
	Expiration               clockticks.Ticks
	SuspendDuration          uint32 // ms
	ArbitrationDuration      uint32 // ms
	IsTwoWayTermination      bool
	MessageType              MessageType
	MessageIdentifier        uint64

	listDescriptors [listCount]descriptor
	leaseEndpoint   *descriptor // set only for IsIndirect() headers
}

// fixedFieldsSize is the size, in bytes, of every Header field before
// the descriptor array: 2+2+4+4+8+8+4+8+4+4+1+1+8.
const fixedFieldsSize = 2 + 2 + 4 + 4 + 8 + 8 + 4 + 8 + 4 + 4 + 1 + 1 + 8

// HeaderSizeV1 is the wire size of a non-indirect message's header:
// the fixed fields plus the nine list descriptors.
const HeaderSizeV1 = fixedFieldsSize + listCount*descriptorSize

// HeaderSizeV2 is the wire size of a FORWARD_* message's header: the
// V1 header plus one extra 12-byte descriptor for the lease listen
// endpoint.
const HeaderSizeV2 = HeaderSizeV1 + descriptorSize

// ExtensionSize is the size of the trailing extension block, which
// carries the remote lease agent's instance again -- wire-compatible
// room for fields that did not exist when the V1 header was frozen.
const ExtensionSize = 8

// ProtocolMajorVersion and ProtocolMinorVersion are this codec's wire
// version. LegacyOneWayArbitrationVersion is the historical
// remote-version value that marks a peer unable to handle a one-way
// subject expiration through arbitration; the check is preserved by
// name (remoteagent.Agent.SubjectExpiredCallback compares the peer's
// RemoteVersion against it) because
// the bit layout that produces 257 belongs to a version-encoding
// collaborator outside this package.
const (
	ProtocolMajorVersion           = 1
	ProtocolMinorVersion           = 0
	LegacyOneWayArbitrationVersion = 257
)

// EncodeVersion packs a peer's major/minor wire version into the
// single uint16 remoteagent.Agent.RemoteVersion compares against
// LegacyOneWayArbitrationVersion. The collaborator that owns this
// bit layout in the original is out of scope (§9's Open Question);
// packing major into the high byte reproduces the one fact the core
// depends on, that major=1/minor=1 yields exactly 257.
func EncodeVersion(major, minor uint16) uint16 {
	return major<<8 | (minor & 0xff)
}
