package smb1

import (
	"encoding/binary"

	"github.com/danmuck/smbwire/internal/protocol"
)

// Session setup action bits.
const (
	ActionGuest uint16 = 0x0001
)

// SessionSetupRequest is the extended-security SMBsesssetupX request.
type SessionSetupRequest struct {
	MaxBufferSize uint16
	MaxMpxCount   uint16
	VCNumber      uint16
	SessionKey    uint32
	Capabilities  uint32
	SecurityBlob  []byte
	NativeOS      string
	NativeLanMan  string
}

const (
	sessionSetupWords         = 12
	sessionSetupResponseWords = 4
)

// Request encodes s. The AndX link is filled in by Chain.
func (s *SessionSetupRequest) Request() (*Request, error) {
	w := make([]byte, 2*sessionSetupWords)
	le := binary.LittleEndian
	le.PutUint16(w[4:], s.MaxBufferSize)
	le.PutUint16(w[6:], s.MaxMpxCount)
	le.PutUint16(w[8:], s.VCNumber)
	le.PutUint32(w[10:], s.SessionKey)
	le.PutUint16(w[14:], uint16(len(s.SecurityBlob)))
	le.PutUint32(w[20:], s.Capabilities)

	b := append([]byte(nil), s.SecurityBlob...)
	// Unicode strings start on an even offset from the header.
	bytesStart := HeaderSize + 1 + len(w) + 2
	if (bytesStart+len(b))%2 != 0 {
		b = append(b, 0)
	}
	for _, str := range []string{s.NativeOS, s.NativeLanMan} {
		enc, err := protocol.EncodeUTF16LE(str)
		if err != nil {
			return nil, err
		}
		b = append(b, enc...)
		b = append(b, 0, 0)
	}
	return &Request{Command: CommandSessionSetupAndX, Words: w, Bytes: b}, nil
}

// DecodeSessionSetupRequest extracts the security blob of a request. It is
// used by test servers.
func DecodeSessionSetupRequest(blk Block) (SessionSetupRequest, error) {
	if blk.WordCount() != sessionSetupWords {
		return SessionSetupRequest{}, protocol.Malformed("sesssetupX word count %d", blk.WordCount())
	}
	le := binary.LittleEndian
	n := int(le.Uint16(blk.Words[14:]))
	if n > len(blk.Bytes) {
		return SessionSetupRequest{}, protocol.Malformed("sesssetupX blob length %d", n)
	}
	return SessionSetupRequest{
		MaxBufferSize: le.Uint16(blk.Words[4:]),
		MaxMpxCount:   le.Uint16(blk.Words[6:]),
		VCNumber:      le.Uint16(blk.Words[8:]),
		SessionKey:    le.Uint32(blk.Words[10:]),
		Capabilities:  le.Uint32(blk.Words[20:]),
		SecurityBlob:  append([]byte(nil), blk.Bytes[:n]...),
	}, nil
}

// SessionSetupResponse is the extended-security SMBsesssetupX reply.
type SessionSetupResponse struct {
	Action       uint16
	SecurityBlob []byte
}

// ExpectSessionSetup accepts both the intermediate and the final reply.
func ExpectSessionSetup() []Expected {
	return []Expected{
		{Status: protocol.StatusMoreProcessingRequired, WordCount: sessionSetupResponseWords},
		{Status: protocol.StatusSuccess, WordCount: sessionSetupResponseWords},
	}
}

func DecodeSessionSetupResponse(blk Block) (SessionSetupResponse, error) {
	if blk.WordCount() != sessionSetupResponseWords {
		return SessionSetupResponse{}, protocol.Malformed("sesssetupX reply word count %d", blk.WordCount())
	}
	n := int(blk.Word(3))
	if n > len(blk.Bytes) {
		return SessionSetupResponse{}, protocol.Malformed("sesssetupX reply blob length %d", n)
	}
	return SessionSetupResponse{
		Action:       blk.Word(2),
		SecurityBlob: append([]byte(nil), blk.Bytes[:n]...),
	}, nil
}

// Request builds the reply block for s. It is used by test servers.
func (s *SessionSetupResponse) Request() *Request {
	w := make([]byte, 2*sessionSetupResponseWords)
	binary.LittleEndian.PutUint16(w[4:], s.Action)
	binary.LittleEndian.PutUint16(w[6:], uint16(len(s.SecurityBlob)))
	return &Request{Command: CommandSessionSetupAndX, Words: w, Bytes: append([]byte(nil), s.SecurityBlob...)}
}

// LogoffRequest builds SMBulogoffX.
func LogoffRequest() *Request {
	return &Request{Command: CommandLogoffAndX, Words: make([]byte, 4)}
}

// ExpectLogoff accepts the two-word AndX reply.
func ExpectLogoff() []Expected {
	return []Expected{{Status: protocol.StatusSuccess, WordCount: 2}}
}

// EchoRequest builds SMBecho asking for count replies carrying data.
func EchoRequest(count uint16, data []byte) *Request {
	w := make([]byte, 2)
	binary.LittleEndian.PutUint16(w, count)
	return &Request{Command: CommandEcho, Words: w, Bytes: append([]byte(nil), data...)}
}

// NTCancelRequest asks the server to stop the request carrying the same
// MID, UID, TID and PID. The server sends no reply.
func NTCancelRequest() *Request {
	return &Request{Command: CommandNTCancel}
}

// ExpectEcho accepts the one-word echo reply.
func ExpectEcho() []Expected {
	return []Expected{{Status: protocol.StatusSuccess, WordCount: 1}}
}

// EchoReply builds the reply for sequence seq. It is used by test servers.
func EchoReply(seq uint16, data []byte) *Request {
	w := make([]byte, 2)
	binary.LittleEndian.PutUint16(w, seq)
	return &Request{Command: CommandEcho, Words: w, Bytes: append([]byte(nil), data...)}
}
