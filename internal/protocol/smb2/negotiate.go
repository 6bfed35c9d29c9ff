package smb2

import (
	"encoding/binary"
	"time"

	"github.com/danmuck/smbwire/internal/protocol"
)

// Security mode bits.
const (
	NegotiateSigningEnabled  uint16 = 0x0001
	NegotiateSigningRequired uint16 = 0x0002
)

// Global capability bits.
const (
	CapDFS               uint32 = 0x00000001
	CapLeasing           uint32 = 0x00000002
	CapLargeMTU          uint32 = 0x00000004
	CapMultiChannel      uint32 = 0x00000008
	CapPersistentHandles uint32 = 0x00000010
	CapDirectoryLeasing  uint32 = 0x00000020
	CapEncryption        uint32 = 0x00000040
)

// Negotiate context types and values used by 3.1.1.
const (
	ContextPreauthIntegrity uint16 = 0x0001
	ContextEncryption       uint16 = 0x0002

	HashAlgorithmSHA512 uint16 = 0x0001

	CipherAES128CCM uint16 = 0x0001
	CipherAES128GCM uint16 = 0x0002
)

const (
	negotiateRequestSize  = 36
	negotiateResponseSize = 65
	negotiateFixedLen     = 64
	preauthSaltSize       = 32
)

// NegotiateRequest is the SMB2 NEGOTIATE request body.
type NegotiateRequest struct {
	Dialects     []protocol.Dialect
	SecurityMode uint16
	Capabilities uint32
	ClientGUID   [16]byte
	// PreauthSalt and Ciphers are sent as negotiate contexts when 3.1.1 is
	// offered.
	PreauthSalt []byte
	Ciphers     []uint16
}

func (r NegotiateRequest) offers311() bool {
	for _, d := range r.Dialects {
		if d == protocol.DialectSMB311 {
			return true
		}
	}
	return false
}

// Encode returns the request body.
func (r NegotiateRequest) Encode() []byte {
	body := make([]byte, negotiateRequestSize, negotiateRequestSize+2*len(r.Dialects)+64)
	binary.LittleEndian.PutUint16(body[0:2], negotiateRequestSize)
	binary.LittleEndian.PutUint16(body[2:4], uint16(len(r.Dialects)))
	binary.LittleEndian.PutUint16(body[4:6], r.SecurityMode)
	binary.LittleEndian.PutUint32(body[8:12], r.Capabilities)
	copy(body[12:28], r.ClientGUID[:])
	for _, d := range r.Dialects {
		body = binary.LittleEndian.AppendUint16(body, uint16(d))
	}
	if !r.offers311() {
		return body
	}

	var contexts [][]byte
	salt := r.PreauthSalt
	if len(salt) == 0 {
		salt = make([]byte, preauthSaltSize)
	}
	preauth := make([]byte, 6, 6+len(salt))
	binary.LittleEndian.PutUint16(preauth[0:2], 1)
	binary.LittleEndian.PutUint16(preauth[2:4], uint16(len(salt)))
	binary.LittleEndian.PutUint16(preauth[4:6], HashAlgorithmSHA512)
	preauth = append(preauth, salt...)
	contexts = append(contexts, encodeContext(ContextPreauthIntegrity, preauth))
	if len(r.Ciphers) > 0 {
		enc := binary.LittleEndian.AppendUint16(nil, uint16(len(r.Ciphers)))
		for _, c := range r.Ciphers {
			enc = binary.LittleEndian.AppendUint16(enc, c)
		}
		contexts = append(contexts, encodeContext(ContextEncryption, enc))
	}

	for (HeaderSize+len(body))%8 != 0 {
		body = append(body, 0)
	}
	binary.LittleEndian.PutUint32(body[28:32], uint32(HeaderSize+len(body)))
	binary.LittleEndian.PutUint16(body[32:34], uint16(len(contexts)))
	for i, ctx := range contexts {
		body = append(body, ctx...)
		if i < len(contexts)-1 {
			for (HeaderSize+len(body))%8 != 0 {
				body = append(body, 0)
			}
		}
	}
	return body
}

func encodeContext(typ uint16, data []byte) []byte {
	out := make([]byte, 8, 8+len(data))
	binary.LittleEndian.PutUint16(out[0:2], typ)
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(data)))
	return append(out, data...)
}

// NegotiateResponse is the parsed SMB2 NEGOTIATE response body.
type NegotiateResponse struct {
	SecurityMode    uint16
	Dialect         protocol.Dialect
	ServerGUID      [16]byte
	Capabilities    uint32
	MaxTransactSize uint32
	MaxReadSize     uint32
	MaxWriteSize    uint32
	SystemTime      time.Time
	ServerStartTime time.Time
	SecurityBlob    []byte
	PreauthHashID   uint16
	Cipher          uint16
}

// ExpectNegotiate is the expected-response set for NEGOTIATE.
var ExpectNegotiate = ExpectSuccess(negotiateResponseSize)

// DecodeNegotiateResponse parses body; offsets on the wire are relative to
// the start of the SMB2 header.
func DecodeNegotiateResponse(body []byte) (NegotiateResponse, error) {
	if len(body) < negotiateFixedLen {
		return NegotiateResponse{}, protocol.Malformed("negotiate response body %d bytes", len(body))
	}
	r := NegotiateResponse{
		SecurityMode:    binary.LittleEndian.Uint16(body[2:4]),
		Dialect:         protocol.Dialect(binary.LittleEndian.Uint16(body[4:6])),
		Capabilities:    binary.LittleEndian.Uint32(body[24:28]),
		MaxTransactSize: binary.LittleEndian.Uint32(body[28:32]),
		MaxReadSize:     binary.LittleEndian.Uint32(body[32:36]),
		MaxWriteSize:    binary.LittleEndian.Uint32(body[36:40]),
		SystemTime:      FiletimeToTime(binary.LittleEndian.Uint64(body[40:48])),
		ServerStartTime: FiletimeToTime(binary.LittleEndian.Uint64(body[48:56])),
	}
	copy(r.ServerGUID[:], body[8:24])

	blob, err := bodyRange(body, binary.LittleEndian.Uint16(body[56:58]), uint32(binary.LittleEndian.Uint16(body[58:60])))
	if err != nil {
		return NegotiateResponse{}, err
	}
	r.SecurityBlob = append([]byte(nil), blob...)

	if r.Dialect != protocol.DialectSMB311 {
		return r, nil
	}
	count := int(binary.LittleEndian.Uint16(body[6:8]))
	off := int(binary.LittleEndian.Uint32(body[60:64])) - HeaderSize
	for i := 0; i < count; i++ {
		if off < negotiateFixedLen || off+8 > len(body) {
			return NegotiateResponse{}, protocol.Malformed("negotiate context %d at offset %d", i, off+HeaderSize)
		}
		typ := binary.LittleEndian.Uint16(body[off : off+2])
		n := int(binary.LittleEndian.Uint16(body[off+2 : off+4]))
		data := body[off+8:]
		if n > len(data) {
			return NegotiateResponse{}, protocol.Malformed("negotiate context %d length %d", i, n)
		}
		data = data[:n]
		switch typ {
		case ContextPreauthIntegrity:
			if len(data) < 6 || binary.LittleEndian.Uint16(data[0:2]) != 1 {
				return NegotiateResponse{}, protocol.Malformed("preauth context must select one hash")
			}
			r.PreauthHashID = binary.LittleEndian.Uint16(data[4:6])
		case ContextEncryption:
			if len(data) < 4 || binary.LittleEndian.Uint16(data[0:2]) != 1 {
				return NegotiateResponse{}, protocol.Malformed("encryption context must select one cipher")
			}
			r.Cipher = binary.LittleEndian.Uint16(data[2:4])
		}
		off = align8(off+HeaderSize+8+n) - HeaderSize
	}
	if r.PreauthHashID != HashAlgorithmSHA512 {
		return NegotiateResponse{}, protocol.Malformed("3.1.1 negotiate without SHA-512 preauth context")
	}
	return r, nil
}

// EncodeNegotiateResponse builds a response body; used by test servers.
func EncodeNegotiateResponse(r NegotiateResponse) []byte {
	body := make([]byte, negotiateFixedLen)
	binary.LittleEndian.PutUint16(body[0:2], negotiateResponseSize)
	binary.LittleEndian.PutUint16(body[2:4], r.SecurityMode)
	binary.LittleEndian.PutUint16(body[4:6], uint16(r.Dialect))
	copy(body[8:24], r.ServerGUID[:])
	binary.LittleEndian.PutUint32(body[24:28], r.Capabilities)
	binary.LittleEndian.PutUint32(body[28:32], r.MaxTransactSize)
	binary.LittleEndian.PutUint32(body[32:36], r.MaxReadSize)
	binary.LittleEndian.PutUint32(body[36:40], r.MaxWriteSize)
	binary.LittleEndian.PutUint64(body[40:48], TimeToFiletime(r.SystemTime))
	binary.LittleEndian.PutUint64(body[48:56], TimeToFiletime(r.ServerStartTime))
	binary.LittleEndian.PutUint16(body[56:58], HeaderSize+negotiateFixedLen)
	binary.LittleEndian.PutUint16(body[58:60], uint16(len(r.SecurityBlob)))
	body = append(body, r.SecurityBlob...)
	if len(r.SecurityBlob) == 0 {
		body = append(body, 0)
	}
	if r.Dialect != protocol.DialectSMB311 {
		return body
	}
	var contexts [][]byte
	preauth := make([]byte, 6)
	binary.LittleEndian.PutUint16(preauth[0:2], 1)
	binary.LittleEndian.PutUint16(preauth[4:6], r.PreauthHashID)
	contexts = append(contexts, encodeContext(ContextPreauthIntegrity, preauth))
	if r.Cipher != 0 {
		enc := binary.LittleEndian.AppendUint16(nil, 1)
		enc = binary.LittleEndian.AppendUint16(enc, r.Cipher)
		contexts = append(contexts, encodeContext(ContextEncryption, enc))
	}
	for (HeaderSize+len(body))%8 != 0 {
		body = append(body, 0)
	}
	binary.LittleEndian.PutUint16(body[6:8], uint16(len(contexts)))
	binary.LittleEndian.PutUint32(body[60:64], uint32(HeaderSize+len(body)))
	for i, ctx := range contexts {
		body = append(body, ctx...)
		if i < len(contexts)-1 {
			for (HeaderSize+len(body))%8 != 0 {
				body = append(body, 0)
			}
		}
	}
	return body
}

// DecodeNegotiateRequest parses a request body; used by test servers.
func DecodeNegotiateRequest(body []byte) (NegotiateRequest, error) {
	if len(body) < negotiateRequestSize {
		return NegotiateRequest{}, protocol.Malformed("negotiate request body %d bytes", len(body))
	}
	n := int(binary.LittleEndian.Uint16(body[2:4]))
	if len(body) < negotiateRequestSize+2*n {
		return NegotiateRequest{}, protocol.Malformed("negotiate request lists %d dialects", n)
	}
	r := NegotiateRequest{
		SecurityMode: binary.LittleEndian.Uint16(body[4:6]),
		Capabilities: binary.LittleEndian.Uint32(body[8:12]),
	}
	copy(r.ClientGUID[:], body[12:28])
	for i := 0; i < n; i++ {
		off := negotiateRequestSize + 2*i
		r.Dialects = append(r.Dialects, protocol.Dialect(binary.LittleEndian.Uint16(body[off:off+2])))
	}
	if !r.offers311() {
		return r, nil
	}
	count := int(binary.LittleEndian.Uint16(body[32:34]))
	off := int(binary.LittleEndian.Uint32(body[28:32])) - HeaderSize
	for i := 0; i < count; i++ {
		if off < negotiateRequestSize || off+8 > len(body) {
			return NegotiateRequest{}, protocol.Malformed("negotiate context %d at offset %d", i, off+HeaderSize)
		}
		typ := binary.LittleEndian.Uint16(body[off : off+2])
		ln := int(binary.LittleEndian.Uint16(body[off+2 : off+4]))
		if off+8+ln > len(body) {
			return NegotiateRequest{}, protocol.Malformed("negotiate context %d length %d", i, ln)
		}
		data := body[off+8 : off+8+ln]
		switch typ {
		case ContextPreauthIntegrity:
			if len(data) >= 4 {
				saltLen := int(binary.LittleEndian.Uint16(data[2:4]))
				hashes := int(binary.LittleEndian.Uint16(data[0:2]))
				if 4+2*hashes+saltLen <= len(data) {
					r.PreauthSalt = append([]byte(nil), data[4+2*hashes:4+2*hashes+saltLen]...)
				}
			}
		case ContextEncryption:
			if len(data) >= 2 {
				cnt := int(binary.LittleEndian.Uint16(data[0:2]))
				for j := 0; j < cnt && 2+2*j+2 <= len(data); j++ {
					r.Ciphers = append(r.Ciphers, binary.LittleEndian.Uint16(data[2+2*j:4+2*j]))
				}
			}
		}
		off = align8(off+HeaderSize+8+ln) - HeaderSize
	}
	return r, nil
}

// bodyRange resolves a header-relative (offset, length) pair to a view of
// body. A zero length yields an empty view regardless of offset.
func bodyRange(body []byte, offset uint16, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	start := int(offset) - HeaderSize
	end := start + int(length)
	if start < 0 || end > len(body) || end < start {
		return nil, protocol.Malformed("buffer [%d,+%d) outside %d-byte body", offset, length, len(body))
	}
	return body[start:end], nil
}

const filetimeEpochDelta = 116444736000000000

// FiletimeToTime converts 100ns intervals since 1601 to time.Time.
func FiletimeToTime(ft uint64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	return time.Unix(0, (int64(ft)-filetimeEpochDelta)*100).UTC()
}

// TimeToFiletime is the inverse of FiletimeToTime.
func TimeToFiletime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano()/100 + filetimeEpochDelta)
}
