// Package wire implements the binary message framing of the sync protocol.
//
// Every frame is one binary message on the duplex channel: a pinned stream
// version, the length-prefixed type name, then the message fields in catalog
// order. Signed envelopes append a detached signature over the preceding
// bytes. All integers are big-endian; byte strings carry a 32-bit length
// prefix, with an all-ones length marking a null (absent) value.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/devsync/internal/errs"
)

// StreamVersion is the pinned serialization version. It is the first field of
// every frame; a peer announcing any other version is rejected before field
// decoding.
const StreamVersion uint16 = 0x0506

// nullMarker encodes a null byte string (distinct from an empty one).
const nullMarker = ^uint32(0)

// PingFrame is the keepalive frame. It is not part of the typed catalog.
var PingFrame = []byte{0xFF}

// IsPing reports whether a raw frame is the keepalive marker.
func IsPing(frame []byte) bool {
	return len(frame) == 1 && frame[0] == 0xFF
}

// Writer serializes frame fields into an in-memory buffer.
type Writer struct {
	buf bytes.Buffer
}

// Bytes returns the serialized frame.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Uint8 appends a single byte.
func (w *Writer) Uint8(v uint8) { w.buf.WriteByte(v) }

// Uint16 appends a big-endian 16-bit integer.
func (w *Writer) Uint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

// Uint32 appends a big-endian 32-bit integer.
func (w *Writer) Uint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

// Uint64 appends a big-endian 64-bit integer.
func (w *Writer) Uint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// Bool appends a boolean as one byte.
func (w *Writer) Bool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

// Bytes32 appends a length-prefixed byte string. A nil slice is encoded as
// the null marker and decodes back to nil.
func (w *Writer) Bytes32(v []byte) {
	if v == nil {
		w.Uint32(nullMarker)
		return
	}
	w.Uint32(uint32(len(v)))
	w.buf.Write(v)
}

// String appends a length-prefixed UTF-8 string.
func (w *Writer) String(v string) { w.Bytes32([]byte(v)) }

// UUID appends the 16 raw bytes of a uuid.
func (w *Writer) UUID(v uuid.UUID) { w.buf.Write(v.Bytes()) }

// Reader deserializes frame fields with a sticky error. After the first
// failure all further reads return zero values and Err reports the cause.
type Reader struct {
	data []byte
	off  int
	err  error
}

// NewReader wraps a raw frame for field decoding.
func NewReader(data []byte) *Reader { return &Reader{data: data} }

// Err returns the first decoding error, if any.
func (r *Reader) Err() error { return r.err }

// Pos returns the number of consumed bytes.
func (r *Reader) Pos() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.off }

func (r *Reader) fail() {
	if r.err == nil {
		r.err = errs.ErrBadFrame
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.fail()
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

// Uint8 reads a single byte.
func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Uint16 reads a big-endian 16-bit integer.
func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// Uint32 reads a big-endian 32-bit integer.
func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// Uint64 reads a big-endian 64-bit integer.
func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Bool reads a one-byte boolean.
func (r *Reader) Bool() bool { return r.Uint8() != 0 }

// Bytes32 reads a length-prefixed byte string. The null marker yields nil.
// The returned slice is a copy and safe to retain.
func (r *Reader) Bytes32() []byte {
	n := r.Uint32()
	if r.err != nil {
		return nil
	}
	if n == nullMarker {
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// String reads a length-prefixed UTF-8 string.
func (r *Reader) String() string { return string(r.Bytes32()) }

// UUID reads 16 raw uuid bytes.
func (r *Reader) UUID() uuid.UUID {
	b := r.take(16)
	if b == nil {
		return uuid.Nil
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		r.fail()
		return uuid.Nil
	}
	return id
}

// readHeader consumes the version and type name of a frame.
func readHeader(r *Reader) (string, error) {
	if v := r.Uint16(); r.Err() == nil && v != StreamVersion {
		return "", fmt.Errorf("%w: got %#04x, pinned %#04x", errs.ErrStreamVersion, v, StreamVersion)
	}
	name := r.String()
	if err := r.Err(); err != nil {
		return "", err
	}
	return name, nil
}
