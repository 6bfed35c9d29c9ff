// Package frame implements the direct-TCP session framing that carries every
// SMB PDU: one type byte followed by a 24-bit big-endian payload length.
package frame

import (
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen = 4

	TypeSessionMessage byte = 0x00
	TypeKeepalive      byte = 0x85

	maxLength = 0x00FFFFFF
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrUnexpectedType  = errors.New("frame: unexpected frame type")
)

// Frame is one complete transport unit.
type Frame struct {
	Type    byte
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: maxLength}
}

func (l Limits) max() uint32 {
	if l.MaxPayloadBytes == 0 || l.MaxPayloadBytes > maxLength {
		return maxLength
	}
	return l.MaxPayloadBytes
}

// ReadFrame reads the next session message, skipping keepalives.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	for {
		var hdr [HeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return Frame{}, ErrShortHeader
			}
			return Frame{}, err
		}
		typ, n := DecodeHeader(hdr)
		if n > limits.max() {
			return Frame{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
		}
		payload := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, payload); err != nil {
				if errors.Is(err, io.EOF) {
					return Frame{}, io.ErrUnexpectedEOF
				}
				return Frame{}, err
			}
		}
		switch typ {
		case TypeKeepalive:
			continue
		case TypeSessionMessage:
			return Frame{Type: typ, Payload: payload}, nil
		default:
			return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnexpectedType, typ)
		}
	}
}

// WriteFrame emits f with a single Write so a unit is never split across
// calls.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	buf, err := Encode(f, limits)
	if err != nil {
		return err
	}
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

// Encode returns header and payload as one buffer.
func Encode(f Frame, limits Limits) ([]byte, error) {
	if uint64(len(f.Payload)) > uint64(limits.max()) {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	hdr := EncodeHeader(f.Type, uint32(len(f.Payload)))
	copy(buf, hdr[:])
	copy(buf[HeaderLen:], f.Payload)
	return buf, nil
}

func EncodeHeader(typ byte, n uint32) [HeaderLen]byte {
	return [HeaderLen]byte{typ, byte(n >> 16), byte(n >> 8), byte(n)}
}

func DecodeHeader(b [HeaderLen]byte) (byte, uint32) {
	return b[0], uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
