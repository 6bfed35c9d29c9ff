package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// KeySize is the length of every derived key.
const KeySize = 16

// KDF is the SP800-108 counter-mode KDF with HMAC-SHA256, producing a single
// 128-bit block. label and context are used as given, terminators included.
func KDF(key, label, context []byte) []byte {
	mac := hmac.New(sha256.New, key)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], 1)
	mac.Write(buf[:])
	mac.Write(label)
	mac.Write([]byte{0})
	mac.Write(context)
	binary.BigEndian.PutUint32(buf[:], KeySize*8)
	mac.Write(buf[:])
	return mac.Sum(nil)[:KeySize]
}

// sessionKey16 normalizes a session key to 16 bytes, zero padding short keys.
func sessionKey16(key []byte) []byte {
	out := make([]byte, KeySize)
	copy(out, key)
	return out
}
