// Package wire implements the control-connection wire protocol: a compact,
// tagless, little-endian binary encoding for [Message] and [Packet] values,
// and the length-delimited frame codec ([ReadFrame]/[WriteFrame]) used to
// carry them over a TCP stream.
//
// The encoding is modeled on the bincode little-endian configuration used by
// the original implementation (see DESIGN.md). Byte strings and strings carry
// a standard-library LEB128 varint length prefix (encoding/binary.PutUvarint).
// Integer fields (timestamps, relay device IDs) are written fixed-width, 8
// bytes little-endian; no integer field uses a varint encoding. The two sides
// of this protocol are always this package, on both the client and the
// server, so wire compatibility only needs to hold with itself.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// maxBlobLen bounds any single length-prefixed byte string or string decoded
// from a message, independent of the enclosing frame cap, to keep a
// corrupted length prefix from causing an enormous allocation.
const maxBlobLen = 64 << 20

// Writer accumulates a compact little-endian encoding of message fields.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// PutUint8 appends a single byte.
func (w *Writer) PutUint8(v uint8) {
	w.buf.WriteByte(v)
}

// PutBool appends a single byte, 1 for true and 0 for false.
func (w *Writer) PutBool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

// PutUint64 appends a fixed-width little-endian uint64.
func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// PutInt64 appends a fixed-width little-endian int64.
func (w *Writer) PutInt64(v int64) {
	w.PutUint64(uint64(v))
}

// PutUvarint appends v using the standard LEB128 varint encoding.
func (w *Writer) PutUvarint(v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	w.buf.Write(b[:n])
}

// PutBytes appends a varint length prefix followed by b.
func (w *Writer) PutBytes(b []byte) {
	w.PutUvarint(uint64(len(b)))
	w.buf.Write(b)
}

// PutString appends a varint length prefix followed by the UTF-8 bytes of s.
func (w *Writer) PutString(s string) {
	w.PutBytes([]byte(s))
}

// Reader decodes fields from a compact little-endian encoding.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps buf for decoding. buf is not copied; callers must not
// mutate it while decoding is in progress.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining reports the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("wire: short buffer: need %d bytes, have %d", n, r.Remaining())
	}
	return nil
}

// Uint8 decodes a single byte.
func (r *Reader) Uint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

// Bool decodes a single byte as a boolean.
func (r *Reader) Bool() (bool, error) {
	v, err := r.Uint8()
	return v != 0, err
}

// Uint64 decodes a fixed-width little-endian uint64.
func (r *Reader) Uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

// Int64 decodes a fixed-width little-endian int64.
func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

// Uvarint decodes a LEB128 varint.
func (r *Reader) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("wire: invalid varint")
	}
	r.off += n
	return v, nil
}

// Bytes decodes a varint-length-prefixed byte string.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	if n > maxBlobLen {
		return nil, fmt.Errorf("wire: blob too large: %d bytes", n)
	}
	if n == 0 {
		return nil, nil
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return b, nil
}

// String decodes a varint-length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Done reports whether every byte of the underlying buffer has been read.
func (r *Reader) Done() bool {
	return r.Remaining() == 0
}
