// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lri defines the identity types that flow through the lease
// wire protocol: lease relationship identifiers, listen endpoints, and
// the sets of identifiers that make up a lease message body.
package lri

import (
	"github.com/juju/errors"
)

// MaxPath bounds the length, in UTF-16 code units including the
// terminating NUL, of an application name used in an LRI.
const MaxPath = 260

// EndpointAddrCchMax bounds the length, in UTF-16 code units, of a
// listen endpoint address string.
const EndpointAddrCchMax = 256

// Instance is a 64-bit monotonically increasing value minted by a
// process; it is unique over the lifetime of the lease agent that
// issued it and doubles as a lease-relationship identity and message
// id.
type Instance uint64

// LRI is a lease relationship identifier: the pair of application
// names that a lease is established between. Equality is pairwise.
type LRI struct {
	Local  string
	Remote string
}

// New validates local and remote and returns the LRI they name.
func New(local, remote string) (LRI, error) {
	if err := ValidateName(local); err != nil {
		return LRI{}, errors.Annotate(err, "local application name")
	}
	if err := ValidateName(remote); err != nil {
		return LRI{}, errors.Annotate(err, "remote application name")
	}
	return LRI{Local: local, Remote: remote}, nil
}

// ValidateName checks a bare application name against the constraints
// the wire codec enforces on every identifier it serializes: non-empty,
// free of NUL (the wire's string terminator), and short enough (in
// UTF-16 code units, including the NUL terminator) to fit MaxPath.
func ValidateName(name string) error {
	if name == "" {
		return errors.NotValidf("empty application name")
	}
	for _, r := range name {
		if r == 0 {
			return errors.NotValidf("application name containing NUL")
		}
	}
	n := len([]rune(name)) // close enough for ASCII/BMP juju application names
	if n+1 > MaxPath {
		return errors.NotValidf("application name longer than MAX_PATH")
	}
	return nil
}

// key is the map/set key for an LRI: the two names joined by a NUL,
// which cannot appear in a validated name.
func (id LRI) key() string {
	return id.Local + "\x00" + id.Remote
}

// Flipped returns a view of id with local and remote swapped, without
// mutating id. This replaces the source's in-place
// SwitchLeaseRelationshipLeasingApplicationIdentifiers helper, which
// reused the same object for both directions.
func (id LRI) Flipped() LRI {
	return LRI{Local: id.Remote, Remote: id.Local}
}

// AddressFamily mirrors the wire's u16 address-family field; the core
// never interprets it beyond round-tripping it.
type AddressFamily uint16

// Endpoint is a listen endpoint: an address, its family, and a port,
// exactly as it is carried on the wire.
type Endpoint struct {
	Address string
	Family  AddressFamily
	Port    uint16
}

// Validate checks the address length constraint the codec enforces.
func (e Endpoint) Validate() error {
	if len([]rune(e.Address))+1 > EndpointAddrCchMax {
		return errors.NotValidf("listen endpoint address longer than ENDPOINT_ADDR_CCH_MAX")
	}
	return nil
}
