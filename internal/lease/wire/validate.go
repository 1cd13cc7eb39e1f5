// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wire

import (
	"encoding/binary"

	"github.com/juju/errors"

	"github.com/juju/leaselayer/internal/lease/clockticks"
)

// IsInvalidParameter reports whether err is one of the §4.4 validation
// failures returned by parseHeader/Deserialize.
func IsInvalidParameter(err error) bool {
	return errors.Is(err, errors.NotValid)
}

// parseHeader validates buf against every rule in §4.4 and decodes its
// header fields and descriptors. It does not touch the body.
func parseHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSizeV1 {
		return nil, errors.NotValidf("buffer shorter than the minimum lease message header")
	}

	h := &Header{}
	r := binReader{buf: buf}
	h.MajorVersion = r.uint16()
	h.MinorVersion = r.uint16()
	h.HeaderSize = r.uint32()
	h.MessageSize = r.uint32()
	h.LeaseInstance = r.uint64()
	h.RemoteLeaseAgentInstance = r.uint64()
	h.Duration = r.uint32()
	h.Expiration = clockticks.Ticks(r.uint64())
	h.SuspendDuration = r.uint32()
	h.ArbitrationDuration = r.uint32()
	h.IsTwoWayTermination = r.uint8() != 0
	h.MessageType = MessageType(r.uint8())
	h.MessageIdentifier = r.uint64()

	if h.MessageType.IsRelay() {
		return nil, errors.NotValidf("relay messages use a separate codec")
	}

	if int(h.MessageSize) > len(buf) {
		return nil, errors.NotValidf("message_size %d exceeds buffer length %d", h.MessageSize, len(buf))
	}
	if h.HeaderSize == 0 || h.HeaderSize >= h.MessageSize {
		return nil, errors.NotValidf("header_size %d must be strictly between 0 and message_size %d", h.HeaderSize, h.MessageSize)
	}

	wantHeaderSize := uint32(HeaderSizeV1)
	if h.MessageType.IsIndirect() {
		wantHeaderSize = HeaderSizeV2
	}
	if h.HeaderSize != wantHeaderSize {
		return nil, errors.NotValidf("header_size %d does not match the %s header size %d", h.HeaderSize, h.MessageType, wantHeaderSize)
	}
	if len(buf) < int(h.HeaderSize) {
		return nil, errors.NotValidf("buffer shorter than its own declared header_size")
	}

	for i := 0; i < listCount; i++ {
		d, err := r.descriptor()
		if err != nil {
			return nil, err
		}
		if err := validateDescriptor(d, h.HeaderSize, h.MessageSize-ExtensionSize); err != nil {
			return nil, errors.Annotatef(err, "list %d descriptor", i)
		}
		h.listDescriptors[i] = d
	}

	if h.MessageType.IsIndirect() {
		d, err := r.descriptor()
		if err != nil {
			return nil, err
		}
		if err := validateDescriptor(d, h.HeaderSize, h.MessageSize-ExtensionSize); err != nil {
			return nil, errors.Annotate(err, "lease listen endpoint descriptor")
		}
		h.leaseEndpoint = &d
	}

	if !h.MessageType.IsPing() {
		if h.Duration == 0 {
			return nil, errors.NotValidf("duration must be set for non-ping messages")
		}
		if h.LeaseInstance == 0 {
			return nil, errors.NotValidf("lease_instance must be set for non-ping messages")
		}
	}

	if err := checkDescriptorsDoNotOverlap(h); err != nil {
		return nil, err
	}

	return h, nil
}

// validateDescriptor checks that [start_offset, start_offset+size)
// lies strictly inside the body (i.e. after the header and before the
// extension) and does not overlap the header.
func validateDescriptor(d descriptor, headerSize, bodyEnd uint32) error {
	if d.StartOffset < headerSize {
		return errors.NotValidf("start_offset %d overlaps the header (size %d)", d.StartOffset, headerSize)
	}
	end := d.StartOffset + d.Size
	if end < d.StartOffset {
		return errors.NotValidf("start_offset+size overflows")
	}
	if end > bodyEnd {
		return errors.NotValidf("descriptor [%d,%d) extends past the message body (end %d)", d.StartOffset, end, bodyEnd)
	}
	return nil
}

// checkDescriptorsDoNotOverlap enforces that no two descriptors -- the
// nine list descriptors and, when present, the lease listen endpoint
// descriptor -- overlap. The message's own listen endpoint region has
// no descriptor and is not part of this check.
func checkDescriptorsDoNotOverlap(h *Header) error {
	type span struct{ start, end uint32 }
	spans := make([]span, 0, listCount+1)
	for _, d := range h.listDescriptors {
		spans = append(spans, span{d.StartOffset, d.StartOffset + d.Size})
	}
	if h.leaseEndpoint != nil {
		spans = append(spans, span{h.leaseEndpoint.StartOffset, h.leaseEndpoint.StartOffset + h.leaseEndpoint.Size})
	}
	for i := 0; i < len(spans); i++ {
		for j := i + 1; j < len(spans); j++ {
			if spans[i].start < spans[j].end && spans[j].start < spans[i].end {
				return errors.NotValidf("descriptors %d and %d overlap", i, j)
			}
		}
	}
	return nil
}

// binReader is the read-side counterpart to binWriter.
type binReader struct {
	buf []byte
	off int
}

func (r *binReader) uint8() uint8 {
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *binReader) uint16() uint16 {
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *binReader) uint32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *binReader) uint64() uint64 {
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *binReader) descriptor() (descriptor, error) {
	if r.off+descriptorSize > len(r.buf) {
		return descriptor{}, errors.NotValidf("buffer truncated before all descriptors were read")
	}
	d := descriptor{Size: r.uint32(), Count: r.uint32(), StartOffset: r.uint32()}
	return d, nil
}
