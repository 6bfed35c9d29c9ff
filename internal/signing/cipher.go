package signing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
	"github.com/pion/dtls/v2/pkg/crypto/ccm"
)

const (
	ccmNonceSize = 11
	gcmNonceSize = 12
	tagSize      = 16
)

// Cipher seals and opens transform envelopes with one key. Nonces are a
// random prefix followed by a per-cipher counter, so a Cipher must not be
// recreated for the same key while messages are in flight.
type Cipher struct {
	id      uint16
	aead    cipher.AEAD
	prefix  [4]byte
	counter atomic.Uint64
}

// NewCipher builds the AEAD for cipher id (smb2.CipherAES128CCM or
// smb2.CipherAES128GCM).
func NewCipher(id uint16, key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("signing: cipher key: %w", err)
	}
	c := &Cipher{id: id}
	switch id {
	case smb2.CipherAES128CCM:
		c.aead, err = ccm.NewCCM(block, tagSize, ccmNonceSize)
	case smb2.CipherAES128GCM:
		c.aead, err = cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("signing: unknown cipher 0x%04x", id)
	}
	if err != nil {
		return nil, fmt.Errorf("signing: cipher 0x%04x: %w", id, err)
	}
	if _, err := rand.Read(c.prefix[:]); err != nil {
		return nil, fmt.Errorf("signing: nonce prefix: %w", err)
	}
	return c, nil
}

func (c *Cipher) ID() uint16 { return c.id }

func (c *Cipher) nextNonce() []byte {
	nonce := make([]byte, c.aead.NonceSize())
	n := c.counter.Add(1)
	binary.LittleEndian.PutUint64(nonce[0:8], n)
	copy(nonce[8:], c.prefix[:])
	return nonce
}

// Seal wraps msg, a complete SMB2 message or compound, in a transform header
// for sessionID.
func (c *Cipher) Seal(sessionID uint64, msg []byte) ([]byte, error) {
	if uint64(len(msg)) > 0xFFFFFFFF {
		return nil, fmt.Errorf("signing: message of %d bytes", len(msg))
	}
	nonce := c.nextNonce()
	th := smb2.TransformHeader{OriginalMessageSize: uint32(len(msg)), SessionID: sessionID}
	copy(th.Nonce[:], nonce)
	out := make([]byte, smb2.TransformHeaderSize, smb2.TransformHeaderSize+len(msg)+tagSize)
	th.Encode(out)
	sealed := c.aead.Seal(out[smb2.TransformHeaderSize:], nonce, msg, out[20:smb2.TransformHeaderSize])
	out = out[:smb2.TransformHeaderSize+len(msg)]
	copy(out[4:20], sealed[len(msg):])
	return out, nil
}

// Open authenticates and decrypts an envelope. Any failure is reported as
// ErrDecryptionFailed.
func (c *Cipher) Open(envelope []byte) ([]byte, error) {
	th, err := smb2.DecodeTransformHeader(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrDecryptionFailed, err)
	}
	ct := envelope[smb2.TransformHeaderSize:]
	if int(th.OriginalMessageSize) != len(ct) {
		return nil, fmt.Errorf("%w: size %d, have %d", protocol.ErrDecryptionFailed, th.OriginalMessageSize, len(ct))
	}
	buf := make([]byte, 0, len(ct)+tagSize)
	buf = append(buf, ct...)
	buf = append(buf, th.Signature[:]...)
	plain, err := c.aead.Open(nil, th.Nonce[:c.aead.NonceSize()], buf, envelope[20:smb2.TransformHeaderSize])
	if err != nil {
		return nil, fmt.Errorf("%w: session 0x%x: %w", protocol.ErrDecryptionFailed, th.SessionID, err)
	}
	return plain, nil
}
