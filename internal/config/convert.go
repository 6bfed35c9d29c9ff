package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/smbwire/internal/protocol/smb2"
)

var cipherNames = map[string]uint16{
	"aes-128-ccm": smb2.CipherAES128CCM,
	"aes-128-gcm": smb2.CipherAES128GCM,
}

// ParseCiphers maps cipher names to wire ids, keeping order and dropping
// duplicates.
func ParseCiphers(names []string) ([]uint16, error) {
	out := make([]uint16, 0, len(names))
	seen := make(map[uint16]bool, len(names))
	for _, name := range names {
		id, ok := cipherNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown cipher %q", name)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// CipherName is the inverse of ParseCiphers for one id.
func CipherName(id uint16) string {
	for name, v := range cipherNames {
		if v == id {
			return name
		}
	}
	return fmt.Sprintf("cipher(0x%04x)", id)
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
