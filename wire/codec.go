// Package wire defines the on-the-wire envelope exchanged between
// committee members and between shard groups: a Kind-tagged union of
// the Hotstuff consensus messages and the Dan client-facing messages,
// encoded with the same length-prefixed binary scheme hashing.Hasher
// uses for preimages. Keeping one scheme for both means a message's
// wire bytes and its hash preimage never drift apart.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/shardcore/dan-consensus/types"
)

// Writer accumulates length-prefixed fields into a byte buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteBytes(b []byte) *Writer {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
	w.buf = append(w.buf, lenBuf[:]...)
	w.buf = append(w.buf, b...)
	return w
}

func (w *Writer) WriteHash(h types.Hash) *Writer { return w.WriteBytes(h[:]) }

func (w *Writer) WriteUint64(v uint64) *Writer {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return w.WriteBytes(b[:])
}

func (w *Writer) WriteUint32(v uint32) *Writer {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return w.WriteBytes(b[:])
}

func (w *Writer) WriteByte(v byte) *Writer { return w.WriteBytes([]byte{v}) }

func (w *Writer) WriteString(s string) *Writer { return w.WriteBytes([]byte(s)) }

// Reader consumes length-prefixed fields from a byte buffer in the
// order a matching Writer produced them.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential reads.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) ReadBytes() ([]byte, error) {
	if r.pos+8 > len(r.buf) {
		return nil, fmt.Errorf("wire: reading length prefix: %w", io.ErrUnexpectedEOF)
	}
	n := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	if uint64(r.pos)+n > uint64(len(r.buf)) {
		return nil, fmt.Errorf("wire: reading %d byte field: %w", n, io.ErrUnexpectedEOF)
	}
	out := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

func (r *Reader) ReadHash() (types.Hash, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return types.ZeroHash, err
	}
	var h types.Hash
	if len(b) != len(h) {
		return types.ZeroHash, fmt.Errorf("wire: hash field has %d bytes, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("wire: uint64 field has %d bytes, want 8", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("wire: uint32 field has %d bytes, want 4", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadByte() (byte, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return 0, err
	}
	if len(b) != 1 {
		return 0, fmt.Errorf("wire: byte field has %d bytes, want 1", len(b))
	}
	return b[0], nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Done reports whether the reader has consumed the whole buffer.
func (r *Reader) Done() bool { return r.pos == len(r.buf) }
