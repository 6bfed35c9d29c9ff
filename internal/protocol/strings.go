package protocol

import (
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeUTF16LE converts s to the little-endian UTF-16 wire form without a
// terminator.
func EncodeUTF16LE(s string) ([]byte, error) {
	out, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("protocol: encode utf16: %w", err)
	}
	return out, nil
}

// DecodeUTF16LE converts b to a Go string, dropping a trailing NUL.
func DecodeUTF16LE(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", Malformed("odd utf16 length %d", len(b))
	}
	for len(b) >= 2 && b[len(b)-2] == 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-2]
	}
	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("%w: decode utf16: %v", ErrMalformedResponse, err)
	}
	return string(out), nil
}
