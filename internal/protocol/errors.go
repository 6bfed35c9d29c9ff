package protocol

import (
	"errors"
	"fmt"
)

// Error kinds. Fatal kinds tear down the connection; ErrTimeout,
// ErrCreditExhausted, ErrCancelled and *ServerError are scoped to one request.
var (
	ErrConnectionLost    = errors.New("protocol: connection lost")
	ErrTimeout           = errors.New("protocol: request timeout")
	ErrProtocolMismatch  = errors.New("protocol: protocol mismatch")
	ErrMalformedResponse = errors.New("protocol: malformed response")
	ErrSignatureInvalid  = errors.New("protocol: signature invalid")
	ErrDecryptionFailed  = errors.New("protocol: decryption failed")
	ErrCreditExhausted   = errors.New("protocol: credit exhausted")
	ErrCancelled         = errors.New("protocol: request cancelled")
)

// ServerError is a well-formed response carrying a non-success status.
type ServerError struct {
	Command string
	Status  Status
}

func (e *ServerError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("protocol: server returned %s", e.Status)
	}
	return fmt.Sprintf("protocol: %s returned %s", e.Command, e.Status)
}

// StatusOf extracts the server status from err, if any.
func StatusOf(err error) (Status, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return StatusSuccess, false
}

// IsFatal reports whether err must tear down the whole connection.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrProtocolMismatch),
		errors.Is(err, ErrMalformedResponse),
		errors.Is(err, ErrSignatureInvalid),
		errors.Is(err, ErrDecryptionFailed):
		return true
	}
	return false
}

// Malformed wraps a framing violation with context.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}

// Kind returns a short stable label for err, used in logs and metrics.
func Kind(err error) string {
	var se *ServerError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.As(err, &se):
		return "server_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrCreditExhausted):
		return "credit_exhausted"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrProtocolMismatch):
		return "protocol_mismatch"
	}
	return "other"
}
