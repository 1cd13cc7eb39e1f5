// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wire

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/juju/errors"

	"github.com/juju/leaselayer/internal/lease/lri"
)

// ErrDataError is returned when a bounded buffer copy would overflow --
// a codec bug, per §7's DATA_ERROR taxonomy entry. Reaching it means
// the message should be dropped without any state change.
var ErrDataError = errors.New("lease message buffer copy overflow")

// Serialize encodes m into a fresh, bit-exact buffer whose length
// equals the message_size it writes into the header (P3). A fresh
// MessageIdentifier is generated by the caller before calling Serialize
// -- the codec never mints one itself, keeping it pure.
func Serialize(m *Message) ([]byte, error) {
	if m.Type.IsRelay() {
		return nil, errors.NotValidf("relay messages use a separate codec")
	}

	headerSize := uint32(HeaderSizeV1)
	if m.Type.IsIndirect() {
		headerSize = HeaderSizeV2
	}

	listBufs := make([][]byte, listCount)
	listDescs := make([]descriptor, listCount)
	offset := headerSize
	for i := 0; i < listCount; i++ {
		buf, err := encodeList(m.Lists[i])
		if err != nil {
			return nil, errors.Annotatef(err, "list %d", i)
		}
		listBufs[i] = buf
		listDescs[i] = descriptor{Size: uint32(len(buf)), Count: uint32(len(m.Lists[i])), StartOffset: offset}
		offset += uint32(len(buf))
	}

	endpointBuf, err := encodeEndpoint(m.ListenEndpoint)
	if err != nil {
		return nil, errors.Annotate(err, "listen endpoint")
	}
	endpointOffset := offset
	offset += uint32(len(endpointBuf))

	var leaseEndpointBuf []byte
	var leaseDesc descriptor
	if m.Type.IsIndirect() {
		if m.LeaseListenEndpoint == nil {
			return nil, errors.NotValidf("FORWARD_* message without a lease listen endpoint")
		}
		leaseEndpointBuf, err = encodeEndpoint(*m.LeaseListenEndpoint)
		if err != nil {
			return nil, errors.Annotate(err, "lease listen endpoint")
		}
		leaseDesc = descriptor{Size: uint32(len(leaseEndpointBuf)), Count: 1, StartOffset: offset}
		offset += uint32(len(leaseEndpointBuf))
	}

	offset += ExtensionSize
	messageSize := offset

	buf := make([]byte, messageSize)
	w := binWriter{buf: buf}
	w.putUint16(m.MajorVersion)
	w.putUint16(m.MinorVersion)
	w.putUint32(headerSize)
	w.putUint32(messageSize)
	w.putUint64(m.LeaseInstance)
	w.putUint64(m.RemoteLeaseAgentInstance)
	w.putUint32(m.Duration)
	w.putUint64(uint64(m.Expiration))
	w.putUint32(m.SuspendDuration)
	w.putUint32(m.ArbitrationDuration)
	w.putBool(m.IsTwoWayTermination)
	w.putUint8(uint8(m.Type))
	w.putUint64(m.MessageIdentifier)
	for i := 0; i < listCount; i++ {
		w.putDescriptor(listDescs[i])
	}
	if m.Type.IsIndirect() {
		w.putDescriptor(leaseDesc)
	}
	if w.off != int(headerSize) {
		return nil, errors.Errorf("internal error: header encoded to %d bytes, want %d", w.off, headerSize)
	}

	for i := 0; i < listCount; i++ {
		if err := w.putBytesAt(listDescs[i].StartOffset, listBufs[i]); err != nil {
			return nil, err
		}
	}
	if err := w.putBytesAt(endpointOffset, endpointBuf); err != nil {
		return nil, err
	}
	if m.Type.IsIndirect() {
		if err := w.putBytesAt(leaseDesc.StartOffset, leaseEndpointBuf); err != nil {
			return nil, err
		}
	}

	ext := binWriter{buf: buf[messageSize-ExtensionSize:]}
	ext.putUint64(m.ExtendedRemoteLeaseAgentInstance)

	return buf, nil
}

// Deserialize validates buf against every rule in §4.4 and, on success,
// decodes it into a Message. Validation failures return an error
// satisfying IsInvalidParameter; the message must be dropped without
// any state change.
func Deserialize(buf []byte) (*Message, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return nil, err
	}

	m := &Message{
		MajorVersion:             h.MajorVersion,
		MinorVersion:             h.MinorVersion,
		LeaseInstance:            h.LeaseInstance,
		RemoteLeaseAgentInstance: h.RemoteLeaseAgentInstance,
		Duration:                 h.Duration,
		Expiration:               h.Expiration,
		SuspendDuration:          h.SuspendDuration,
		ArbitrationDuration:      h.ArbitrationDuration,
		IsTwoWayTermination:      h.IsTwoWayTermination,
		Type:                     h.MessageType,
		MessageIdentifier:        h.MessageIdentifier,
	}

	for i := 0; i < listCount; i++ {
		d := h.listDescriptors[i]
		ids, err := decodeList(buf[d.StartOffset : d.StartOffset+d.Size])
		if err != nil {
			return nil, errors.Annotatef(err, "list %d", i)
		}
		m.Lists[i] = ids
	}

	bodyEnd := h.MessageSize - ExtensionSize
	endpointStart := h.listDescriptors[listCount-1].StartOffset + h.listDescriptors[listCount-1].Size
	endpointEnd := bodyEnd
	if h.leaseEndpoint != nil {
		endpointEnd = h.leaseEndpoint.StartOffset
	}
	if endpointStart > endpointEnd || endpointEnd > uint32(len(buf)) {
		return nil, errors.NotValidf("listen endpoint region is out of bounds")
	}
	ep, err := decodeEndpoint(buf[endpointStart:endpointEnd])
	if err != nil {
		return nil, errors.Annotate(err, "listen endpoint")
	}
	m.ListenEndpoint = ep

	if h.leaseEndpoint != nil {
		d := *h.leaseEndpoint
		lep, err := decodeEndpoint(buf[d.StartOffset : d.StartOffset+d.Size])
		if err != nil {
			return nil, errors.Annotate(err, "lease listen endpoint")
		}
		m.LeaseListenEndpoint = &lep
	}

	m.ExtendedRemoteLeaseAgentInstance = binary.LittleEndian.Uint64(buf[bodyEnd : bodyEnd+ExtensionSize])

	return m, nil
}

// --- list/endpoint encoding ---

// encodeList writes the "{u32 total_size, u32 element_count,
// element*}" form of §4.4, each element being two
// length-prefixed UTF-16 strings (local, remote).
func encodeList(ids []lri.LRI) ([]byte, error) {
	size := 8
	for _, id := range ids {
		lb, err := utf16Bytes(id.Local)
		if err != nil {
			return nil, err
		}
		rb, err := utf16Bytes(id.Remote)
		if err != nil {
			return nil, err
		}
		size += 4 + len(lb) + 4 + len(rb)
	}
	buf := make([]byte, size)
	w := binWriter{buf: buf}
	w.putUint32(uint32(size))
	w.putUint32(uint32(len(ids)))
	for _, id := range ids {
		lb, _ := utf16Bytes(id.Local)
		rb, _ := utf16Bytes(id.Remote)
		w.putUint32(uint32(len(lb)))
		w.putRaw(lb)
		w.putUint32(uint32(len(rb)))
		w.putRaw(rb)
	}
	return buf, nil
}

func decodeList(buf []byte) ([]lri.LRI, error) {
	if len(buf) < 8 {
		return nil, errors.NotValidf("list shorter than its two u32 headers")
	}
	totalSize := binary.LittleEndian.Uint32(buf[0:4])
	count := binary.LittleEndian.Uint32(buf[4:8])
	if int(totalSize) != len(buf) {
		return nil, errors.NotValidf("list total_size %d does not match descriptor size %d", totalSize, len(buf))
	}
	if count == 0 {
		return nil, nil
	}
	ids := make([]lri.LRI, 0, count)
	off := 8
	for i := uint32(0); i < count; i++ {
		local, n, err := readUTF16String(buf, off)
		if err != nil {
			return nil, err
		}
		off = n
		remote, n, err := readUTF16String(buf, off)
		if err != nil {
			return nil, err
		}
		off = n
		id, err := lri.New(local, remote)
		if err != nil {
			return nil, errors.Annotate(err, "identifier")
		}
		ids = append(ids, id)
	}
	if off != len(buf) {
		return nil, errors.NotValidf("list element_count %d does not account for all of total_size", count)
	}
	return ids, nil
}

// readUTF16String reads a "u32 byte_count, utf16*" element starting at
// off, validating that it is null-terminated within its declared byte
// count and within MAX_PATH, and returns the decoded string plus the
// offset just past it.
func readUTF16String(buf []byte, off int) (string, int, error) {
	if off+4 > len(buf) {
		return "", 0, errors.NotValidf("identifier byte_count truncated")
	}
	byteCount := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	if byteCount == 0 || byteCount%2 != 0 {
		return "", 0, errors.NotValidf("identifier byte_count must be even and positive")
	}
	if off+int(byteCount) > len(buf) {
		return "", 0, errors.NotValidf("identifier overruns its list")
	}
	units := int(byteCount) / 2
	if units > lri.MaxPath {
		return "", 0, errors.NotValidf("identifier longer than MAX_PATH")
	}
	raw := buf[off : off+int(byteCount)]
	u16 := make([]uint16, units)
	for i := 0; i < units; i++ {
		u16[i] = binary.LittleEndian.Uint16(raw[i*2 : i*2+2])
	}
	nul := -1
	for i, v := range u16 {
		if v == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return "", 0, errors.NotValidf("identifier not null-terminated within its declared byte count")
	}
	s := string(utf16.Decode(u16[:nul]))
	return s, off + int(byteCount), nil
}

func utf16Bytes(s string) ([]byte, error) {
	if err := lri.ValidateName(s); err != nil {
		return nil, err
	}
	units := utf16.Encode([]rune(s))
	buf := make([]byte, (len(units)+1)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:i*2+2], u)
	}
	// terminating NUL is already zero from make().
	return buf, nil
}

func encodeEndpoint(e lri.Endpoint) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	addr, err := utf16Bytes(e.Address)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(addr)+4)
	copy(buf, addr)
	binary.LittleEndian.PutUint16(buf[len(addr):], uint16(e.Family))
	binary.LittleEndian.PutUint16(buf[len(addr)+2:], e.Port)
	return buf, nil
}

func decodeEndpoint(buf []byte) (lri.Endpoint, error) {
	if len(buf) < 4 {
		return lri.Endpoint{}, errors.NotValidf("listen endpoint shorter than its family/port fields")
	}
	addrBuf := buf[:len(buf)-4]
	family := binary.LittleEndian.Uint16(buf[len(buf)-4 : len(buf)-2])
	port := binary.LittleEndian.Uint16(buf[len(buf)-2:])

	if len(addrBuf)%2 != 0 || len(addrBuf) == 0 {
		return lri.Endpoint{}, errors.NotValidf("listen endpoint address byte count must be even and positive")
	}
	units := len(addrBuf) / 2
	u16 := make([]uint16, units)
	for i := 0; i < units; i++ {
		u16[i] = binary.LittleEndian.Uint16(addrBuf[i*2 : i*2+2])
	}
	nul := -1
	for i, v := range u16 {
		if v == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return lri.Endpoint{}, errors.NotValidf("listen endpoint address not null-terminated")
	}
	return lri.Endpoint{
		Address: string(utf16.Decode(u16[:nul])),
		Family:  lri.AddressFamily(family),
		Port:    port,
	}, nil
}

// --- low-level buffer writer ---

type binWriter struct {
	buf []byte
	off int
}

func (w *binWriter) putUint16(v uint16) {
	binary.LittleEndian.PutUint16(w.buf[w.off:], v)
	w.off += 2
}

func (w *binWriter) putUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *binWriter) putUint64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[w.off:], v)
	w.off += 8
}

func (w *binWriter) putUint8(v uint8) {
	w.buf[w.off] = v
	w.off++
}

func (w *binWriter) putBool(v bool) {
	if v {
		w.putUint8(1)
	} else {
		w.putUint8(0)
	}
}

func (w *binWriter) putDescriptor(d descriptor) {
	w.putUint32(d.Size)
	w.putUint32(d.Count)
	w.putUint32(d.StartOffset)
}

func (w *binWriter) putRaw(b []byte) {
	copy(w.buf[w.off:], b)
	w.off += len(b)
}

// putBytesAt copies b into w.buf at a fixed offset, independent of
// w.off, returning ErrDataError rather than panicking if it would
// overflow the destination buffer -- the codec's one bounded-copy
// guard, per §7.
func (w *binWriter) putBytesAt(offset uint32, b []byte) error {
	if int(offset)+len(b) > len(w.buf) {
		return ErrDataError
	}
	copy(w.buf[offset:], b)
	return nil
}
