package smb2

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/smbwire/internal/protocol"
)

const TransformHeaderSize = 52

const transformFlagEncrypted uint16 = 0x0001

// TransformProtocolID marks an encrypted message.
var TransformProtocolID = [4]byte{0xFD, 'S', 'M', 'B'}

// TransformHeader precedes every encrypted message. Signature holds the AEAD
// tag; bytes 20..52 of the encoded header are the associated data.
type TransformHeader struct {
	Signature           [16]byte
	Nonce               [16]byte
	OriginalMessageSize uint32
	SessionID           uint64
}

func (t *TransformHeader) Encode(b []byte) {
	_ = b[TransformHeaderSize-1]
	copy(b[0:4], TransformProtocolID[:])
	copy(b[4:20], t.Signature[:])
	copy(b[20:36], t.Nonce[:])
	binary.LittleEndian.PutUint32(b[36:40], t.OriginalMessageSize)
	binary.LittleEndian.PutUint16(b[40:42], 0)
	binary.LittleEndian.PutUint16(b[42:44], transformFlagEncrypted)
	binary.LittleEndian.PutUint64(b[44:52], t.SessionID)
}

func DecodeTransformHeader(b []byte) (TransformHeader, error) {
	if len(b) < TransformHeaderSize {
		return TransformHeader{}, protocol.Malformed("transform header needs %d bytes, have %d", TransformHeaderSize, len(b))
	}
	if [4]byte(b[0:4]) != TransformProtocolID {
		return TransformHeader{}, fmt.Errorf("%w: transform protocol id % x", protocol.ErrProtocolMismatch, b[0:4])
	}
	if flags := binary.LittleEndian.Uint16(b[42:44]); flags != transformFlagEncrypted {
		return TransformHeader{}, protocol.Malformed("transform flags 0x%04x", flags)
	}
	t := TransformHeader{
		OriginalMessageSize: binary.LittleEndian.Uint32(b[36:40]),
		SessionID:           binary.LittleEndian.Uint64(b[44:52]),
	}
	copy(t.Signature[:], b[4:20])
	copy(t.Nonce[:], b[20:36])
	return t, nil
}

// IsTransform reports whether pdu is an encrypted message.
func IsTransform(pdu []byte) bool {
	return len(pdu) >= 4 && [4]byte(pdu[0:4]) == TransformProtocolID
}
