// Package attr owns the typed, length-prefixed attribute encoding used by
// control payloads: a flat stream of [len u16][id u16][value][pad] records
// where the high bit of the id marks a nested attribute whose value is itself
// an attribute stream.
package attr

import (
	"encoding/binary"
	"errors"
)

const headerLen = 4

// FlagNested marks an attribute whose value is a nested attribute stream.
const FlagNested uint16 = 0x8000

const idMask = 0x7fff

var (
	ErrNoSpace   = errors.New("attr: no space left in message")
	ErrTruncated = errors.New("attr: truncated attribute")
	ErrBadLength = errors.New("attr: attribute length out of range")
)

func pad(n int) int {
	return (n + 3) &^ 3
}

// Attr is one decoded attribute.
type Attr struct {
	ID     uint16
	Nested bool
	Data   []byte
}

// Parse decodes a flat attribute stream. Values alias the input buffer, so
// zeroing a decoded secret erases it from the original message. Nested values
// are returned raw; call Parse again on Attr.Data to descend.
func Parse(data []byte) ([]Attr, error) {
	attrs := make([]Attr, 0, 4)
	for off := 0; off < len(data); {
		if len(data)-off < headerLen {
			return nil, ErrTruncated
		}
		l := int(binary.BigEndian.Uint16(data[off : off+2]))
		id := binary.BigEndian.Uint16(data[off+2 : off+4])
		if l < headerLen {
			return nil, ErrBadLength
		}
		if l > len(data)-off {
			return nil, ErrTruncated
		}
		val := data[off+headerLen : off+l : off+l]
		attrs = append(attrs, Attr{
			ID:     id & idMask,
			Nested: id&FlagNested != 0,
			Data:   val,
		})
		off += pad(l)
	}
	return attrs, nil
}

// Mark is a rewind point inside a Builder, taken when a nest is opened.
type Mark int

// Builder appends attributes into a size-bounded buffer. Once an append would
// push the payload past the configured cap, it fails with ErrNoSpace and
// leaves the buffer exactly as it was.
type Builder struct {
	buf []byte
	max int
}

// NewBuilder returns a builder capped at max payload bytes. max <= 0 means
// unbounded.
func NewBuilder(max int) *Builder {
	return &Builder{max: max}
}

func (b *Builder) Len() int {
	return len(b.buf)
}

// Bytes returns the accumulated payload. The slice aliases the builder's
// internal buffer.
func (b *Builder) Bytes() []byte {
	return b.buf
}

func (b *Builder) put(id uint16, val []byte) error {
	total := headerLen + len(val)
	if total > 0xffff {
		return ErrBadLength
	}
	padded := pad(total)
	if b.max > 0 && len(b.buf)+padded > b.max {
		return ErrNoSpace
	}
	var hdr [headerLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(total))
	binary.BigEndian.PutUint16(hdr[2:4], id)
	b.buf = append(b.buf, hdr[:]...)
	b.buf = append(b.buf, val...)
	for i := total; i < padded; i++ {
		b.buf = append(b.buf, 0)
	}
	return nil
}

func (b *Builder) PutU8(id uint16, v uint8) error {
	return b.put(id, []byte{v})
}

func (b *Builder) PutU16(id uint16, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return b.put(id, buf[:])
}

func (b *Builder) PutU32(id uint16, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return b.put(id, buf[:])
}

func (b *Builder) PutU64(id uint16, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return b.put(id, buf[:])
}

func (b *Builder) PutBytes(id uint16, v []byte) error {
	return b.put(id, v)
}

// PutString appends a NUL-terminated string attribute.
func (b *Builder) PutString(id uint16, v string) error {
	val := make([]byte, len(v)+1)
	copy(val, v)
	return b.put(id, val)
}

// Nest opens a nested attribute and returns a mark for EndNest or CancelNest.
// The nest header itself counts against the size cap.
func (b *Builder) Nest(id uint16) (Mark, error) {
	m := Mark(len(b.buf))
	if b.max > 0 && len(b.buf)+headerLen > b.max {
		return m, ErrNoSpace
	}
	var hdr [headerLen]byte
	binary.BigEndian.PutUint16(hdr[2:4], id|FlagNested)
	b.buf = append(b.buf, hdr[:]...)
	return m, nil
}

// EndNest closes the nest opened at m, fixing up its length header.
func (b *Builder) EndNest(m Mark) {
	total := len(b.buf) - int(m)
	binary.BigEndian.PutUint16(b.buf[m:m+2], uint16(total))
}

// CancelNest discards the nest opened at m and everything appended after it.
func (b *Builder) CancelNest(m Mark) {
	b.buf = b.buf[:m]
}
