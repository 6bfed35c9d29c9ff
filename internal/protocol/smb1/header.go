// Package smb1 encodes and parses legacy SMB1 PDUs: the 32-byte header, AndX
// chains, transactions and the negotiate/session bodies the engine needs.
package smb1

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/smbwire/internal/protocol"
)

const (
	HeaderSize      = 32
	SignatureOffset = 14
	SignatureSize   = 8
)

// ProtocolID is the magic at the start of every SMB1 header.
var ProtocolID = [4]byte{0xFF, 'S', 'M', 'B'}

// Command is an SMB1 command code.
type Command uint8

const (
	CommandClose            Command = 0x04
	CommandLockingAndX      Command = 0x24
	CommandTrans            Command = 0x25
	CommandTransSecondary   Command = 0x26
	CommandEcho             Command = 0x2B
	CommandOpenAndX         Command = 0x2D
	CommandReadAndX         Command = 0x2E
	CommandWriteAndX        Command = 0x2F
	CommandTrans2           Command = 0x32
	CommandTrans2Secondary  Command = 0x33
	CommandTreeDisconnect   Command = 0x71
	CommandNegotiate        Command = 0x72
	CommandSessionSetupAndX Command = 0x73
	CommandLogoffAndX       Command = 0x74
	CommandTreeConnectAndX  Command = 0x75
	CommandNTCreateAndX     Command = 0xA2
	CommandNTCancel         Command = 0xA4
	CommandNone             Command = 0xFF
)

var commandNames = map[Command]string{
	CommandClose:            "SMBclose",
	CommandLockingAndX:      "SMBlockingX",
	CommandTrans:            "SMBtrans",
	CommandTransSecondary:   "SMBtranss",
	CommandEcho:             "SMBecho",
	CommandOpenAndX:         "SMBopenX",
	CommandReadAndX:         "SMBreadX",
	CommandWriteAndX:        "SMBwriteX",
	CommandTrans2:           "SMBtrans2",
	CommandTrans2Secondary:  "SMBtranss2",
	CommandTreeDisconnect:   "SMBtdis",
	CommandNegotiate:        "SMBnegprot",
	CommandSessionSetupAndX: "SMBsesssetupX",
	CommandLogoffAndX:       "SMBulogoffX",
	CommandTreeConnectAndX:  "SMBtconX",
	CommandNTCreateAndX:     "SMBntcreateX",
	CommandNTCancel:         "SMBntcancel",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("SMB1_COMMAND(0x%02x)", uint8(c))
}

// IsAndX reports whether c carries an AndX block and may be chained.
func (c Command) IsAndX() bool {
	switch c {
	case CommandLockingAndX, CommandOpenAndX, CommandReadAndX, CommandWriteAndX,
		CommandSessionSetupAndX, CommandLogoffAndX, CommandTreeConnectAndX,
		CommandNTCreateAndX:
		return true
	}
	return false
}

// Header flags.
const (
	FlagCaseless  uint8 = 0x08
	FlagCanonical uint8 = 0x10
	FlagReply     uint8 = 0x80
)

// Header flags2.
const (
	Flags2LongNames        uint16 = 0x0001
	Flags2EAs              uint16 = 0x0002
	Flags2SecuritySig      uint16 = 0x0004
	Flags2IsLongName       uint16 = 0x0040
	Flags2ExtendedSecurity uint16 = 0x0800
	Flags2NTStatus         uint16 = 0x4000
	Flags2Unicode          uint16 = 0x8000
)

// Header is the SMB1 packet header.
type Header struct {
	Command   Command
	Status    protocol.Status
	Flags     uint8
	Flags2    uint16
	PIDHigh   uint16
	Signature [SignatureSize]byte
	TID       uint16
	PIDLow    uint16
	UID       uint16
	MID       uint16
}

func (h *Header) IsReply() bool { return h.Flags&FlagReply != 0 }

// Encode writes h into b[:HeaderSize].
func (h *Header) Encode(b []byte) {
	_ = b[HeaderSize-1]
	copy(b[0:4], ProtocolID[:])
	b[4] = byte(h.Command)
	binary.LittleEndian.PutUint32(b[5:9], uint32(h.Status))
	b[9] = h.Flags
	binary.LittleEndian.PutUint16(b[10:12], h.Flags2)
	binary.LittleEndian.PutUint16(b[12:14], h.PIDHigh)
	copy(b[14:22], h.Signature[:])
	binary.LittleEndian.PutUint16(b[22:24], 0)
	binary.LittleEndian.PutUint16(b[24:26], h.TID)
	binary.LittleEndian.PutUint16(b[26:28], h.PIDLow)
	binary.LittleEndian.PutUint16(b[28:30], h.UID)
	binary.LittleEndian.PutUint16(b[30:32], h.MID)
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, protocol.Malformed("smb1 header needs %d bytes, have %d", HeaderSize, len(b))
	}
	if [4]byte(b[0:4]) != ProtocolID {
		return Header{}, fmt.Errorf("%w: smb1 protocol id % x", protocol.ErrProtocolMismatch, b[0:4])
	}
	h := Header{
		Command: Command(b[4]),
		Status:  protocol.Status(binary.LittleEndian.Uint32(b[5:9])),
		Flags:   b[9],
		Flags2:  binary.LittleEndian.Uint16(b[10:12]),
		PIDHigh: binary.LittleEndian.Uint16(b[12:14]),
		TID:     binary.LittleEndian.Uint16(b[24:26]),
		PIDLow:  binary.LittleEndian.Uint16(b[26:28]),
		UID:     binary.LittleEndian.Uint16(b[28:30]),
		MID:     binary.LittleEndian.Uint16(b[30:32]),
	}
	copy(h.Signature[:], b[14:22])
	return h, nil
}

// IsSMB1 reports whether pdu starts with the SMB1 protocol id.
func IsSMB1(pdu []byte) bool {
	return len(pdu) >= 4 && [4]byte(pdu[0:4]) == ProtocolID
}
