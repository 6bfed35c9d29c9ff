package signing

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb1"
)

// SMB1Signer holds the per-connection SMB1 signing state. Every request
// consumes two sequence numbers: n for the request and n+1 for its reply.
// It is not goroutine-safe.
type SMB1Signer struct {
	key    []byte
	seq    uint32
	active bool
	exempt map[smb1.Command]bool
}

// NewSMB1Signer returns an inactive signer. Replies to exempt commands are
// accepted with a bad signature.
func NewSMB1Signer(exempt []smb1.Command) *SMB1Signer {
	s := &SMB1Signer{exempt: make(map[smb1.Command]bool, len(exempt))}
	for _, cmd := range exempt {
		s.exempt[cmd] = true
	}
	return s
}

// Activate turns signing on with key. The exchange that produced the key
// consumed sequence numbers 0 and 1, so the next request is signed with 2.
// Activation is one-way: later calls are ignored and report false.
func (s *SMB1Signer) Activate(key []byte) bool {
	if s.active {
		return false
	}
	s.key = append([]byte(nil), key...)
	s.seq = 2
	s.active = true
	return true
}

func (s *SMB1Signer) Active() bool { return s.active }

// Next reserves the sequence number for one outgoing request.
func (s *SMB1Signer) Next() uint32 {
	seq := s.seq
	s.seq += 2
	return seq
}

// NextOneWay reserves the sequence number for a request the server never
// answers, such as NT_CANCEL.
func (s *SMB1Signer) NextOneWay() uint32 {
	seq := s.seq
	s.seq++
	return seq
}

// Sign writes the signature for sequence seq into pdu and sets the
// security-signature flag.
func (s *SMB1Signer) Sign(pdu []byte, seq uint32) {
	flags2 := binary.LittleEndian.Uint16(pdu[10:12])
	binary.LittleEndian.PutUint16(pdu[10:12], flags2|smb1.Flags2SecuritySig)
	mac := smb1MAC(s.key, pdu, seq)
	copy(pdu[smb1.SignatureOffset:smb1.SignatureOffset+smb1.SignatureSize], mac)
}

// Verify checks the signature of a reply signed with seq. pdu is left
// unchanged.
func (s *SMB1Signer) Verify(pdu []byte, seq uint32) error {
	return VerifySMB1(s.key, pdu, seq, s.exempt)
}

// VerifySMB1 checks an SMB1 signature with an explicit key, used for the
// final session setup reply before the signer is activated.
func VerifySMB1(key, pdu []byte, seq uint32, exempt map[smb1.Command]bool) error {
	if len(pdu) < smb1.HeaderSize {
		return protocol.Malformed("smb1 pdu of %d bytes", len(pdu))
	}
	sig := pdu[smb1.SignatureOffset : smb1.SignatureOffset+smb1.SignatureSize]
	var claimed [smb1.SignatureSize]byte
	copy(claimed[:], sig)
	want := smb1MAC(key, pdu, seq)
	copy(sig, claimed[:])
	if subtle.ConstantTimeCompare(want, claimed[:]) == 1 {
		return nil
	}
	if cmd := smb1.Command(pdu[4]); exempt[cmd] {
		return nil
	}
	return fmt.Errorf("%w: %s seq %d", protocol.ErrSignatureInvalid, smb1.Command(pdu[4]), seq)
}

// smb1MAC computes MD5(key || pdu) with seq in the signature field and
// leaves seq there.
func smb1MAC(key, pdu []byte, seq uint32) []byte {
	sig := pdu[smb1.SignatureOffset : smb1.SignatureOffset+smb1.SignatureSize]
	binary.LittleEndian.PutUint32(sig[0:4], seq)
	binary.LittleEndian.PutUint32(sig[4:8], 0)
	h := md5.New()
	h.Write(key)
	h.Write(pdu)
	return h.Sum(nil)[:smb1.SignatureSize]
}
