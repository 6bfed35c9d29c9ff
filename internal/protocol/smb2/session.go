package smb2

import (
	"encoding/binary"

	"github.com/danmuck/smbwire/internal/protocol"
)

// Session setup request flags.
const (
	SessionFlagBinding uint8 = 0x01
)

// Session flags returned by the server.
const (
	SessionFlagIsGuest     uint16 = 0x0001
	SessionFlagIsNull      uint16 = 0x0002
	SessionFlagEncryptData uint16 = 0x0004
)

const (
	sessionSetupRequestSize  = 25
	sessionSetupResponseSize = 9
	simpleBodySize           = 4
	treeConnectRequestSize   = 9
	treeConnectResponseSize  = 16
)

// ExpectSessionSetup accepts an intermediate or final leg.
var ExpectSessionSetup = []Expected{
	{Status: protocol.StatusMoreProcessingRequired, BodySize: sessionSetupResponseSize},
	{Status: protocol.StatusSuccess, BodySize: sessionSetupResponseSize},
}

// ExpectSimple covers LOGOFF, ECHO and TREE_DISCONNECT responses.
var ExpectSimple = ExpectSuccess(simpleBodySize)

// ExpectTreeConnect is the expected-response set for TREE_CONNECT.
var ExpectTreeConnect = ExpectSuccess(treeConnectResponseSize)

// SessionSetupRequest is one authentication leg.
type SessionSetupRequest struct {
	Flags             uint8
	SecurityMode      uint8
	Capabilities      uint32
	PreviousSessionID uint64
	SecurityBlob      []byte
}

func (r SessionSetupRequest) Encode() []byte {
	body := make([]byte, 24, 24+len(r.SecurityBlob)+1)
	binary.LittleEndian.PutUint16(body[0:2], sessionSetupRequestSize)
	body[2] = r.Flags
	body[3] = r.SecurityMode
	binary.LittleEndian.PutUint32(body[4:8], r.Capabilities)
	binary.LittleEndian.PutUint16(body[12:14], HeaderSize+24)
	binary.LittleEndian.PutUint16(body[14:16], uint16(len(r.SecurityBlob)))
	binary.LittleEndian.PutUint64(body[16:24], r.PreviousSessionID)
	body = append(body, r.SecurityBlob...)
	if len(r.SecurityBlob) == 0 {
		body = append(body, 0)
	}
	return body
}

// DecodeSessionSetupRequest parses a request body; used by test servers.
func DecodeSessionSetupRequest(body []byte) (SessionSetupRequest, error) {
	if len(body) < 24 {
		return SessionSetupRequest{}, protocol.Malformed("session setup request body %d bytes", len(body))
	}
	r := SessionSetupRequest{
		Flags:             body[2],
		SecurityMode:      body[3],
		Capabilities:      binary.LittleEndian.Uint32(body[4:8]),
		PreviousSessionID: binary.LittleEndian.Uint64(body[16:24]),
	}
	blob, err := bodyRange(body, binary.LittleEndian.Uint16(body[12:14]), uint32(binary.LittleEndian.Uint16(body[14:16])))
	if err != nil {
		return SessionSetupRequest{}, err
	}
	r.SecurityBlob = append([]byte(nil), blob...)
	return r, nil
}

// SessionSetupResponse is the server's answer to one leg.
type SessionSetupResponse struct {
	SessionFlags uint16
	SecurityBlob []byte
}

func DecodeSessionSetupResponse(body []byte) (SessionSetupResponse, error) {
	if len(body) < 8 {
		return SessionSetupResponse{}, protocol.Malformed("session setup response body %d bytes", len(body))
	}
	r := SessionSetupResponse{SessionFlags: binary.LittleEndian.Uint16(body[2:4])}
	blob, err := bodyRange(body, binary.LittleEndian.Uint16(body[4:6]), uint32(binary.LittleEndian.Uint16(body[6:8])))
	if err != nil {
		return SessionSetupResponse{}, err
	}
	r.SecurityBlob = append([]byte(nil), blob...)
	return r, nil
}

func EncodeSessionSetupResponse(r SessionSetupResponse) []byte {
	body := make([]byte, 8, 8+len(r.SecurityBlob)+1)
	binary.LittleEndian.PutUint16(body[0:2], sessionSetupResponseSize)
	binary.LittleEndian.PutUint16(body[2:4], r.SessionFlags)
	binary.LittleEndian.PutUint16(body[4:6], HeaderSize+8)
	binary.LittleEndian.PutUint16(body[6:8], uint16(len(r.SecurityBlob)))
	body = append(body, r.SecurityBlob...)
	if len(r.SecurityBlob) == 0 {
		body = append(body, 0)
	}
	return body
}

// SimpleBody returns the 4-byte body shared by LOGOFF, ECHO and
// TREE_DISCONNECT requests and responses.
func SimpleBody() []byte {
	body := make([]byte, simpleBodySize)
	binary.LittleEndian.PutUint16(body[0:2], simpleBodySize)
	return body
}

// ErrorBody returns a generic SMB2 ERROR response body.
func ErrorBody() []byte {
	body := make([]byte, 8, 9)
	binary.LittleEndian.PutUint16(body[0:2], ErrorBodySize)
	return append(body, 0)
}

// TreeConnectRequest names the share to mount as \\server\share.
type TreeConnectRequest struct {
	Flags uint16
	Path  string
}

func (r TreeConnectRequest) Encode() ([]byte, error) {
	path, err := protocol.EncodeUTF16LE(r.Path)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 8, 8+len(path))
	binary.LittleEndian.PutUint16(body[0:2], treeConnectRequestSize)
	binary.LittleEndian.PutUint16(body[2:4], r.Flags)
	binary.LittleEndian.PutUint16(body[4:6], HeaderSize+8)
	binary.LittleEndian.PutUint16(body[6:8], uint16(len(path)))
	return append(body, path...), nil
}

// DecodeTreeConnectRequest parses a request body; used by test servers.
func DecodeTreeConnectRequest(body []byte) (TreeConnectRequest, error) {
	if len(body) < 8 {
		return TreeConnectRequest{}, protocol.Malformed("tree connect request body %d bytes", len(body))
	}
	raw, err := bodyRange(body, binary.LittleEndian.Uint16(body[4:6]), uint32(binary.LittleEndian.Uint16(body[6:8])))
	if err != nil {
		return TreeConnectRequest{}, err
	}
	path, err := protocol.DecodeUTF16LE(raw)
	if err != nil {
		return TreeConnectRequest{}, err
	}
	return TreeConnectRequest{Flags: binary.LittleEndian.Uint16(body[2:4]), Path: path}, nil
}

// Share types and the share flag the engine acts on.
const (
	ShareTypeDisk  uint8 = 0x01
	ShareTypePipe  uint8 = 0x02
	ShareTypePrint uint8 = 0x03

	ShareFlagEncryptData uint32 = 0x00008000
)

// TreeConnectResponse describes the mounted share.
type TreeConnectResponse struct {
	ShareType     uint8
	ShareFlags    uint32
	Capabilities  uint32
	MaximalAccess uint32
}

func DecodeTreeConnectResponse(body []byte) (TreeConnectResponse, error) {
	if len(body) < treeConnectResponseSize {
		return TreeConnectResponse{}, protocol.Malformed("tree connect response body %d bytes", len(body))
	}
	return TreeConnectResponse{
		ShareType:     body[2],
		ShareFlags:    binary.LittleEndian.Uint32(body[4:8]),
		Capabilities:  binary.LittleEndian.Uint32(body[8:12]),
		MaximalAccess: binary.LittleEndian.Uint32(body[12:16]),
	}, nil
}

func EncodeTreeConnectResponse(r TreeConnectResponse) []byte {
	body := make([]byte, treeConnectResponseSize)
	binary.LittleEndian.PutUint16(body[0:2], treeConnectResponseSize)
	body[2] = r.ShareType
	binary.LittleEndian.PutUint32(body[4:8], r.ShareFlags)
	binary.LittleEndian.PutUint32(body[8:12], r.Capabilities)
	binary.LittleEndian.PutUint32(body[12:16], r.MaximalAccess)
	return body
}
