package signing

import "crypto/sha512"

// PreauthSize is the length of the SHA-512 preauthentication hash.
const PreauthSize = sha512.Size

// PreauthHash chains every negotiate and session setup message of a 3.1.1
// exchange. The zero value is the initial all-zero hash.
type PreauthHash [PreauthSize]byte

// Update folds msg into the hash.
func (p *PreauthHash) Update(msg []byte) {
	h := sha512.New()
	h.Write(p[:])
	h.Write(msg)
	copy(p[:], h.Sum(nil))
}

func (p *PreauthHash) Bytes() []byte {
	out := make([]byte, PreauthSize)
	copy(out, p[:])
	return out
}
