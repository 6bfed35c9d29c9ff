package smb1

import "github.com/danmuck/smbwire/internal/protocol"

// Expected is one acceptable (status, word count) pair for a response block.
type Expected struct {
	Status    protocol.Status
	WordCount int
}

// CheckBlock validates one response block against the caller's expected set.
// The header status applies to every block of a chain.
func CheckBlock(status protocol.Status, blk Block, expected []Expected) error {
	if len(expected) == 0 {
		return nil
	}
	matched := false
	for _, exp := range expected {
		if exp.Status != status {
			continue
		}
		matched = true
		if exp.WordCount == blk.WordCount() {
			return nil
		}
	}
	if matched {
		return protocol.Malformed("%s %s word count %d", blk.Command, status, blk.WordCount())
	}
	if status.IsError() || status.IsWarning() {
		return &protocol.ServerError{Command: blk.Command.String(), Status: status}
	}
	return protocol.Malformed("%s unexpected status %s", blk.Command, status)
}
