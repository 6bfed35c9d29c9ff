package signing

import (
	"errors"
	"fmt"

	"github.com/danmuck/smbwire/internal/protocol"
)

var (
	ErrNoSessionKey  = errors.New("signing: empty session key")
	ErrPreauthLength = errors.New("signing: 3.1.1 needs a 64-byte preauth hash")
)

func label(s string) []byte { return append([]byte(s), 0) }

type labelSet struct {
	signing, signingCtx         []byte
	application, applicationCtx []byte
	encryption, encryptionCtx   []byte
	decryption, decryptionCtx   []byte
}

var labels30 = labelSet{
	signing: label("SMB2AESCMAC"), signingCtx: label("SmbSign"),
	application: label("SMB2APP"), applicationCtx: label("SmbRpc"),
	encryption: label("SMB2AESCCM"), encryptionCtx: label("ServerIn "),
	decryption: label("SMB2AESCCM"), decryptionCtx: label("ServerOut"),
}

var labels311 = labelSet{
	signing:     label("SMBSigningKey"),
	application: label("SMBAppKey"),
	encryption:  label("SMBC2SCipherKey"),
	decryption:  label("SMBS2CCipherKey"),
}

// Keys holds every key derived from one session key. Encryption protects
// client-to-server traffic and Decryption server-to-client; both are nil
// below 3.0.
type Keys struct {
	Signing     []byte
	Application []byte
	Encryption  []byte
	Decryption  []byte
}

// DeriveKeys computes the session keys for dialect d. preauth is the session's
// preauthentication hash and is only consulted for 3.1.1.
//
// Label-separated keys exist from 3.0 on. For SMB1 and 2.x the signing and
// application keys are both taken straight from the session key, so they are
// equal for a 16-byte key.
func DeriveKeys(d protocol.Dialect, sessionKey, preauth []byte) (Keys, error) {
	if len(sessionKey) == 0 {
		return Keys{}, ErrNoSessionKey
	}
	key := sessionKey16(sessionKey)
	switch {
	case d == protocol.DialectSMB1:
		// SMB1 MACs over the whole key, NTLMv1 response included.
		return Keys{Signing: append([]byte(nil), sessionKey...), Application: key}, nil
	case d == protocol.DialectSMB202 || d == protocol.DialectSMB210:
		return Keys{Signing: key, Application: key}, nil
	case d == protocol.DialectSMB311:
		if len(preauth) != PreauthSize {
			return Keys{}, ErrPreauthLength
		}
		l := labels311
		return Keys{
			Signing:     KDF(key, l.signing, preauth),
			Application: KDF(key, l.application, preauth),
			Encryption:  KDF(key, l.encryption, preauth),
			Decryption:  KDF(key, l.decryption, preauth),
		}, nil
	case d.IsSMB3():
		l := labels30
		return Keys{
			Signing:     KDF(key, l.signing, l.signingCtx),
			Application: KDF(key, l.application, l.applicationCtx),
			Encryption:  KDF(key, l.encryption, l.encryptionCtx),
			Decryption:  KDF(key, l.decryption, l.decryptionCtx),
		}, nil
	}
	return Keys{}, fmt.Errorf("signing: no key schedule for %s", d)
}

// DeriveChannelKey returns the signing key of an additional channel bound to
// an existing 3.x session. Encryption keys stay those of the session.
func DeriveChannelKey(d protocol.Dialect, channelSessionKey, preauth []byte) ([]byte, error) {
	if !d.IsSMB3() {
		return nil, fmt.Errorf("signing: channels need 3.x, have %s", d)
	}
	keys, err := DeriveKeys(d, channelSessionKey, preauth)
	if err != nil {
		return nil, err
	}
	return keys.Signing, nil
}
