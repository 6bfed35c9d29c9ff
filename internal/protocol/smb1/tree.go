package smb1

import (
	"bytes"
	"encoding/binary"

	"github.com/danmuck/smbwire/internal/protocol"
)

// ServiceAny asks the server to report the share type.
const ServiceAny = "?????"

const (
	treeConnectWords         = 4
	treeConnectResponseWords = 3
	treeConnectExtendedWords = 7
)

// TreeConnectRequest is SMBtconX with an empty share password; user-level
// security authenticates through the session.
type TreeConnectRequest struct {
	Path    string
	Service string
}

// Request encodes t as the first member of its chain.
func (t *TreeConnectRequest) Request() (*Request, error) {
	w := make([]byte, 2*treeConnectWords)
	binary.LittleEndian.PutUint16(w[6:], 1)

	b := []byte{0}
	// The unicode path starts on an even offset from the header.
	bytesStart := HeaderSize + 1 + len(w) + 2
	if (bytesStart+len(b))%2 != 0 {
		b = append(b, 0)
	}
	path, err := protocol.EncodeUTF16LE(t.Path)
	if err != nil {
		return nil, err
	}
	b = append(b, path...)
	b = append(b, 0, 0)
	service := t.Service
	if service == "" {
		service = ServiceAny
	}
	b = append(b, service...)
	b = append(b, 0)
	return &Request{Command: CommandTreeConnectAndX, Words: w, Bytes: b}, nil
}

// DecodeTreeConnectRequest returns the path and service of a request. It is
// used by test servers.
func DecodeTreeConnectRequest(blk Block) (TreeConnectRequest, error) {
	if blk.WordCount() != treeConnectWords {
		return TreeConnectRequest{}, protocol.Malformed("tconX word count %d", blk.WordCount())
	}
	pwLen := int(blk.Word(3))
	if pwLen > len(blk.Bytes) {
		return TreeConnectRequest{}, protocol.Malformed("tconX password length %d", pwLen)
	}
	rest := blk.Bytes[pwLen:]
	// Bytes start right after ByteCount.
	start := blk.Offset + 1 + len(blk.Words) + 2 + pwLen
	if start%2 != 0 && len(rest) > 0 {
		rest = rest[1:]
	}
	end := -1
	for i := 0; i+1 < len(rest); i += 2 {
		if rest[i] == 0 && rest[i+1] == 0 {
			end = i
			break
		}
	}
	if end < 0 {
		return TreeConnectRequest{}, protocol.Malformed("tconX path not terminated")
	}
	path, err := protocol.DecodeUTF16LE(rest[:end])
	if err != nil {
		return TreeConnectRequest{}, err
	}
	service := rest[end+2:]
	if i := bytes.IndexByte(service, 0); i >= 0 {
		service = service[:i]
	}
	return TreeConnectRequest{Path: path, Service: string(service)}, nil
}

// ExpectTreeConnect accepts the classic and the extended reply.
func ExpectTreeConnect() []Expected {
	return []Expected{
		{Status: protocol.StatusSuccess, WordCount: treeConnectResponseWords},
		{Status: protocol.StatusSuccess, WordCount: treeConnectExtendedWords},
	}
}

// TreeConnectReply builds a classic tconX reply. It is used by test servers.
func TreeConnectReply(service string) *Request {
	w := make([]byte, 2*treeConnectResponseWords)
	b := append([]byte(service), 0)
	return &Request{Command: CommandTreeConnectAndX, Words: w, Bytes: b}
}

// TreeDisconnectRequest builds SMBtdis for the TID in the header.
func TreeDisconnectRequest() *Request {
	return &Request{Command: CommandTreeDisconnect}
}

// ExpectTreeDisconnect accepts the empty reply.
func ExpectTreeDisconnect() []Expected {
	return []Expected{{Status: protocol.StatusSuccess, WordCount: 0}}
}
