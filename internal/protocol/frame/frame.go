// Package frame owns the fixed wire header and whole-message read/write.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const HeaderLen = 16

const (
	// FlagMulti marks one part of a multi-message dump.
	FlagMulti uint16 = 0x2
	// FlagDone terminates a multi-message dump.
	FlagDone uint16 = 0x4
	// FlagError marks a reply whose Code field carries a failure.
	FlagError uint16 = 0x8
)

var (
	ErrShortHeader     = errors.New("frame: short fixed header")
	ErrBadLength       = errors.New("frame: length smaller than fixed header")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Header is the fixed wire header.
type Header struct {
	Len     uint32
	Cmd     uint8
	Version uint8
	Flags   uint16
	Seq     uint32
	Code    uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 1024 * 1024}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Len < HeaderLen {
		return Frame{}, ErrBadLength
	}
	payloadLen := h.Len - HeaderLen
	if payloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint32(len(f.Payload)) > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	h := f.Header
	h.Len = HeaderLen + uint32(len(f.Payload))

	hb := EncodeHeader(h)
	if _, err := w.Write(hb); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Len)
	buf[4] = h.Cmd
	buf[5] = h.Version
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint32(buf[8:12], h.Seq)
	binary.BigEndian.PutUint32(buf[12:16], h.Code)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Len:     binary.BigEndian.Uint32(b[0:4]),
		Cmd:     b[4],
		Version: b[5],
		Flags:   binary.BigEndian.Uint16(b[6:8]),
		Seq:     binary.BigEndian.Uint32(b[8:12]),
		Code:    binary.BigEndian.Uint32(b[12:16]),
	}, nil
}
