// Package smb2 encodes and parses SMB2/3 PDUs: the 64-byte header,
// compounded request chains, command bodies used by the engine and the
// encryption transform header.
package smb2

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/smbwire/internal/protocol"
)

const (
	HeaderSize      = 64
	SignatureOffset = 48
	SignatureSize   = 16
)

// ProtocolID is the magic at the start of every SMB2 header.
var ProtocolID = [4]byte{0xFE, 'S', 'M', 'B'}

// Header flags.
const (
	FlagServerToRedir uint32 = 0x00000001
	FlagAsyncCommand  uint32 = 0x00000002
	FlagRelatedOps    uint32 = 0x00000004
	FlagSigned        uint32 = 0x00000008
	FlagPriorityMask  uint32 = 0x00000070
	FlagDFSOperations uint32 = 0x10000000
	FlagReplay        uint32 = 0x20000000
)

// Command is an SMB2 command code.
type Command uint16

const (
	CommandNegotiate      Command = 0x0000
	CommandSessionSetup   Command = 0x0001
	CommandLogoff         Command = 0x0002
	CommandTreeConnect    Command = 0x0003
	CommandTreeDisconnect Command = 0x0004
	CommandCreate         Command = 0x0005
	CommandClose          Command = 0x0006
	CommandFlush          Command = 0x0007
	CommandRead           Command = 0x0008
	CommandWrite          Command = 0x0009
	CommandLock           Command = 0x000A
	CommandIoctl          Command = 0x000B
	CommandCancel         Command = 0x000C
	CommandEcho           Command = 0x000D
	CommandQueryDirectory Command = 0x000E
	CommandChangeNotify   Command = 0x000F
	CommandQueryInfo      Command = 0x0010
	CommandSetInfo        Command = 0x0011
	CommandOplockBreak    Command = 0x0012
)

var commandNames = []string{
	"NEGOTIATE", "SESSION_SETUP", "LOGOFF", "TREE_CONNECT", "TREE_DISCONNECT",
	"CREATE", "CLOSE", "FLUSH", "READ", "WRITE", "LOCK", "IOCTL", "CANCEL",
	"ECHO", "QUERY_DIRECTORY", "CHANGE_NOTIFY", "QUERY_INFO", "SET_INFO",
	"OPLOCK_BREAK",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("SMB2_COMMAND(0x%04x)", uint16(c))
}

// Header is the SMB2 sync/async packet header.
type Header struct {
	CreditCharge uint16
	// Status carries the channel sequence in requests.
	Status      protocol.Status
	Command     Command
	Credits     uint16
	Flags       uint32
	NextCommand uint32
	MessageID   uint64
	ProcessID   uint32
	TreeID      uint32
	AsyncID     uint64
	SessionID   uint64
	Signature   [SignatureSize]byte
}

func (h *Header) IsResponse() bool { return h.Flags&FlagServerToRedir != 0 }
func (h *Header) IsAsync() bool    { return h.Flags&FlagAsyncCommand != 0 }
func (h *Header) IsSigned() bool   { return h.Flags&FlagSigned != 0 }
func (h *Header) IsRelated() bool  { return h.Flags&FlagRelatedOps != 0 }

// IsInterim reports an async "still working" reply that must not resolve
// the request.
func (h *Header) IsInterim() bool {
	return h.IsAsync() && h.Status == protocol.StatusPending
}

// Encode writes h into b[:HeaderSize].
func (h *Header) Encode(b []byte) {
	_ = b[HeaderSize-1]
	copy(b[0:4], ProtocolID[:])
	binary.LittleEndian.PutUint16(b[4:6], HeaderSize)
	binary.LittleEndian.PutUint16(b[6:8], h.CreditCharge)
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.Status))
	binary.LittleEndian.PutUint16(b[12:14], uint16(h.Command))
	binary.LittleEndian.PutUint16(b[14:16], h.Credits)
	binary.LittleEndian.PutUint32(b[16:20], h.Flags)
	binary.LittleEndian.PutUint32(b[20:24], h.NextCommand)
	binary.LittleEndian.PutUint64(b[24:32], h.MessageID)
	if h.IsAsync() {
		binary.LittleEndian.PutUint64(b[32:40], h.AsyncID)
	} else {
		binary.LittleEndian.PutUint32(b[32:36], h.ProcessID)
		binary.LittleEndian.PutUint32(b[36:40], h.TreeID)
	}
	binary.LittleEndian.PutUint64(b[40:48], h.SessionID)
	copy(b[48:64], h.Signature[:])
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, protocol.Malformed("smb2 header needs %d bytes, have %d", HeaderSize, len(b))
	}
	if [4]byte(b[0:4]) != ProtocolID {
		return Header{}, fmt.Errorf("%w: smb2 protocol id % x", protocol.ErrProtocolMismatch, b[0:4])
	}
	if size := binary.LittleEndian.Uint16(b[4:6]); size != HeaderSize {
		return Header{}, protocol.Malformed("smb2 header structure size %d", size)
	}
	h := Header{
		CreditCharge: binary.LittleEndian.Uint16(b[6:8]),
		Status:       protocol.Status(binary.LittleEndian.Uint32(b[8:12])),
		Command:      Command(binary.LittleEndian.Uint16(b[12:14])),
		Credits:      binary.LittleEndian.Uint16(b[14:16]),
		Flags:        binary.LittleEndian.Uint32(b[16:20]),
		NextCommand:  binary.LittleEndian.Uint32(b[20:24]),
		MessageID:    binary.LittleEndian.Uint64(b[24:32]),
		SessionID:    binary.LittleEndian.Uint64(b[40:48]),
	}
	if h.IsAsync() {
		h.AsyncID = binary.LittleEndian.Uint64(b[32:40])
	} else {
		h.ProcessID = binary.LittleEndian.Uint32(b[32:36])
		h.TreeID = binary.LittleEndian.Uint32(b[36:40])
	}
	copy(h.Signature[:], b[48:64])
	return h, nil
}

// IsSMB2 reports whether pdu starts with the SMB2 protocol id.
func IsSMB2(pdu []byte) bool {
	return len(pdu) >= 4 && [4]byte(pdu[0:4]) == ProtocolID
}
