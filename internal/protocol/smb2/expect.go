package smb2

import (
	"github.com/danmuck/smbwire/internal/protocol"
)

// Expected is one acceptable (status, StructureSize) pair. BodySize 0
// accepts any body.
type Expected struct {
	Status   protocol.Status
	BodySize uint16
}

// ErrorBodySize is the StructureSize of the generic SMB2 ERROR body.
const ErrorBodySize = 9

// ExpectSuccess is the common single-entry expectation.
func ExpectSuccess(bodySize uint16) []Expected {
	return []Expected{{Status: protocol.StatusSuccess, BodySize: bodySize}}
}

// CheckResponse validates a response unit against the caller's expected set.
// A status outside the set is returned as *protocol.ServerError when it is a
// warning or error, and as ErrMalformedResponse otherwise. A matching status
// with the wrong body shape is always ErrMalformedResponse.
func CheckResponse(u Unit, expected []Expected) error {
	size, err := StructureSize(u.Body)
	if err != nil {
		return err
	}
	if int(size&^1) > len(u.Body) {
		return protocol.Malformed("%s body has %d bytes, structure size %d", u.Header.Command, len(u.Body), size)
	}
	if len(expected) == 0 {
		return nil
	}
	status := u.Header.Status
	matched := false
	for _, exp := range expected {
		if exp.Status != status {
			continue
		}
		matched = true
		if exp.BodySize == 0 {
			return nil
		}
		if exp.BodySize == size && len(u.Body) >= int(exp.BodySize&^1) {
			return nil
		}
	}
	if matched {
		return protocol.Malformed("%s %s body size %d (%d bytes)", u.Header.Command, status, size, len(u.Body))
	}
	if status.IsError() || status.IsWarning() {
		return &protocol.ServerError{Command: u.Header.Command.String(), Status: status}
	}
	return protocol.Malformed("%s unexpected status %s", u.Header.Command, status)
}
