package signing

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/aead/cmac"
	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
)

const smb2FlagsOffset = 16

func smb2MAC(d protocol.Dialect, key, unit []byte) ([]byte, error) {
	if len(unit) < smb2.HeaderSize {
		return nil, protocol.Malformed("smb2 unit of %d bytes", len(unit))
	}
	sig := unit[smb2.SignatureOffset : smb2.SignatureOffset+smb2.SignatureSize]
	clear(sig)
	if d.IsSMB3() {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("signing: cmac key: %w", err)
		}
		return cmac.Sum(unit, block, smb2.SignatureSize)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(unit)
	return mac.Sum(nil)[:smb2.SignatureSize], nil
}

// SignSMB2 sets the signed flag on unit and writes its signature. unit is
// one compound member, padding included.
func SignSMB2(d protocol.Dialect, key, unit []byte) error {
	if len(unit) < smb2.HeaderSize {
		return protocol.Malformed("smb2 unit of %d bytes", len(unit))
	}
	flags := binary.LittleEndian.Uint32(unit[smb2FlagsOffset:])
	binary.LittleEndian.PutUint32(unit[smb2FlagsOffset:], flags|smb2.FlagSigned)
	mac, err := smb2MAC(d, key, unit)
	if err != nil {
		return err
	}
	copy(unit[smb2.SignatureOffset:], mac)
	return nil
}

// VerifySMB2 recomputes the signature of unit and compares it in constant
// time. unit is left unchanged.
func VerifySMB2(d protocol.Dialect, key, unit []byte) error {
	if len(unit) < smb2.HeaderSize {
		return protocol.Malformed("smb2 unit of %d bytes", len(unit))
	}
	var claimed [smb2.SignatureSize]byte
	copy(claimed[:], unit[smb2.SignatureOffset:])
	mac, err := smb2MAC(d, key, unit)
	copy(unit[smb2.SignatureOffset:], claimed[:])
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(mac, claimed[:]) != 1 {
		cmd := smb2.Command(binary.LittleEndian.Uint16(unit[12:14]))
		mid := binary.LittleEndian.Uint64(unit[24:32])
		return fmt.Errorf("%w: %s mid %d", protocol.ErrSignatureInvalid, cmd, mid)
	}
	return nil
}
