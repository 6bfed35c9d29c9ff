package smb1

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/danmuck/smbwire/internal/protocol"
)

// Dialect strings offered in SMBnegprot.
const (
	DialectNTLM012  = "NT LM 0.12"
	DialectSMB2002  = "SMB 2.002"
	DialectSMB2Wild = "SMB 2.???"
)

// Security mode bits.
const (
	SecurityUser             uint8 = 0x01
	SecurityEncryptPasswords uint8 = 0x02
	SecuritySignEnabled      uint8 = 0x04
	SecuritySignRequired     uint8 = 0x08
)

// Capability bits.
const (
	CapRawMode          uint32 = 0x00000001
	CapMPXMode          uint32 = 0x00000002
	CapUnicode          uint32 = 0x00000004
	CapLargeFiles       uint32 = 0x00000008
	CapNTSMBs           uint32 = 0x00000010
	CapRPCRemoteAPIs    uint32 = 0x00000020
	CapStatus32         uint32 = 0x00000040
	CapLevel2Oplocks    uint32 = 0x00000080
	CapNTFind           uint32 = 0x00000200
	CapDFS              uint32 = 0x00001000
	CapLargeReadX       uint32 = 0x00004000
	CapLargeWriteX      uint32 = 0x00008000
	CapExtendedSecurity uint32 = 0x80000000
)

// ClientCapabilities is what the engine announces in session setup.
const ClientCapabilities = CapUnicode | CapLargeFiles | CapNTSMBs | CapStatus32 |
	CapLevel2Oplocks | CapNTFind | CapLargeReadX | CapLargeWriteX | CapExtendedSecurity

// NoDialect is the dialect index a server returns when nothing was acceptable.
const NoDialect = 0xFFFF

// EncodeNegotiate builds an SMBnegprot request offering dialects in order.
func EncodeNegotiate(dialects []string) *Request {
	var b []byte
	for _, d := range dialects {
		b = append(b, 0x02)
		b = append(b, d...)
		b = append(b, 0)
	}
	return &Request{Command: CommandNegotiate, Bytes: b}
}

// DecodeNegotiateRequest returns the dialect strings of an SMBnegprot
// request. It is used by test servers.
func DecodeNegotiateRequest(blk Block) ([]string, error) {
	var out []string
	rest := blk.Bytes
	for len(rest) > 0 {
		if rest[0] != 0x02 {
			return nil, protocol.Malformed("negprot buffer format 0x%02x", rest[0])
		}
		end := bytes.IndexByte(rest[1:], 0)
		if end < 0 {
			return nil, protocol.Malformed("negprot dialect not terminated")
		}
		out = append(out, string(rest[1:1+end]))
		rest = rest[2+end:]
	}
	return out, nil
}

// NegotiateResponse is the NT LM 0.12 negotiate reply.
type NegotiateResponse struct {
	DialectIndex   uint16
	SecurityMode   uint8
	MaxMpxCount    uint16
	MaxNumberVCs   uint16
	MaxBufferSize  uint32
	MaxRawSize     uint32
	SessionKey     uint32
	Capabilities   uint32
	SystemTime     time.Time
	ServerTimeZone int16
	Challenge      []byte
	ServerGUID     [16]byte
	SecurityBlob   []byte
}

const negotiateWords = 17

// ExpectNegotiate accepts the full NT LM reply and the one-word "no dialect"
// reply.
func ExpectNegotiate() []Expected {
	return []Expected{
		{Status: protocol.StatusSuccess, WordCount: negotiateWords},
		{Status: protocol.StatusSuccess, WordCount: 1},
	}
}

// DecodeNegotiateResponse parses an SMBnegprot reply.
func DecodeNegotiateResponse(blk Block) (NegotiateResponse, error) {
	if blk.WordCount() == 1 {
		return NegotiateResponse{DialectIndex: blk.Word(0)}, nil
	}
	if blk.WordCount() != negotiateWords {
		return NegotiateResponse{}, protocol.Malformed("negprot word count %d", blk.WordCount())
	}
	w := blk.Words
	le := binary.LittleEndian
	r := NegotiateResponse{
		DialectIndex:   le.Uint16(w[0:]),
		SecurityMode:   w[2],
		MaxMpxCount:    le.Uint16(w[3:]),
		MaxNumberVCs:   le.Uint16(w[5:]),
		MaxBufferSize:  le.Uint32(w[7:]),
		MaxRawSize:     le.Uint32(w[11:]),
		SessionKey:     le.Uint32(w[15:]),
		Capabilities:   le.Uint32(w[19:]),
		SystemTime:     filetime(le.Uint64(w[23:])),
		ServerTimeZone: int16(le.Uint16(w[31:])),
	}
	challengeLen := int(w[33])
	if r.Capabilities&CapExtendedSecurity != 0 {
		if len(blk.Bytes) < 16 {
			return NegotiateResponse{}, protocol.Malformed("negprot server guid truncated")
		}
		copy(r.ServerGUID[:], blk.Bytes[:16])
		r.SecurityBlob = append([]byte(nil), blk.Bytes[16:]...)
		return r, nil
	}
	if challengeLen > len(blk.Bytes) {
		return NegotiateResponse{}, protocol.Malformed("negprot challenge length %d", challengeLen)
	}
	r.Challenge = append([]byte(nil), blk.Bytes[:challengeLen]...)
	return r, nil
}

// Request builds the reply block for r. It is used by test servers.
func (r *NegotiateResponse) Request() *Request {
	w := make([]byte, 2*negotiateWords)
	le := binary.LittleEndian
	le.PutUint16(w[0:], r.DialectIndex)
	w[2] = r.SecurityMode
	le.PutUint16(w[3:], r.MaxMpxCount)
	le.PutUint16(w[5:], r.MaxNumberVCs)
	le.PutUint32(w[7:], r.MaxBufferSize)
	le.PutUint32(w[11:], r.MaxRawSize)
	le.PutUint32(w[15:], r.SessionKey)
	le.PutUint32(w[19:], r.Capabilities)
	le.PutUint64(w[23:], toFiletime(r.SystemTime))
	le.PutUint16(w[31:], uint16(r.ServerTimeZone))
	var b []byte
	if r.Capabilities&CapExtendedSecurity != 0 {
		b = append(b, r.ServerGUID[:]...)
		b = append(b, r.SecurityBlob...)
	} else {
		w[33] = byte(len(r.Challenge))
		b = append(b, r.Challenge...)
	}
	return &Request{Command: CommandNegotiate, Words: w, Bytes: b}
}

const filetimeEpochDelta = 116444736000000000

func filetime(ft uint64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	return time.Unix(0, (int64(ft)-filetimeEpochDelta)*100).UTC()
}

func toFiletime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano()/100 + filetimeEpochDelta)
}
