package smb2

import (
	"encoding/binary"

	"github.com/danmuck/smbwire/internal/protocol"
)

// Request is one SMB2 operation: a header template plus its encoded body.
// MessageID, CreditCharge, Credits, SessionID and Signature are owned by the
// connection and filled in at submission time.
type Request struct {
	Header Header
	Body   []byte
}

// NewRequest returns a request for cmd with body.
func NewRequest(cmd Command, body []byte) *Request {
	return &Request{Header: Header{Command: cmd}, Body: body}
}

// Compound is an ordered set of requests sent as one wire unit.
type Compound struct {
	reqs    []*Request
	related bool
}

// NewCompound groups reqs in submission order.
func NewCompound(reqs ...*Request) *Compound {
	return &Compound{reqs: reqs}
}

// Related marks every member after the first with SMB2_FLAGS_RELATED_OPERATIONS.
func (c *Compound) Related() *Compound {
	c.related = true
	return c
}

func (c *Compound) Len() int               { return len(c.reqs) }
func (c *Compound) Requests() []*Request   { return c.reqs }
func (c *Compound) Request(i int) *Request { return c.reqs[i] }
func (c *Compound) IsRelated() bool        { return c.related }

// Marshal lays the members out back to back, each but the last padded to an
// 8-byte boundary, and sets NextCommand to each unit's padded length. The
// returned unit views alias the wire buffer so they can be signed in place.
func (c *Compound) Marshal() ([]byte, [][]byte) {
	lengths := make([]int, len(c.reqs))
	total := 0
	for i, req := range c.reqs {
		n := HeaderSize + len(req.Body)
		if i < len(c.reqs)-1 {
			n = align8(n)
		}
		lengths[i] = n
		total += n
	}
	wire := make([]byte, total)
	units := make([][]byte, len(c.reqs))
	off := 0
	for i, req := range c.reqs {
		h := req.Header
		h.NextCommand = 0
		if i < len(c.reqs)-1 {
			h.NextCommand = uint32(lengths[i])
		}
		if c.related && i > 0 {
			h.Flags |= FlagRelatedOps
		}
		unit := wire[off : off+lengths[i]]
		h.Encode(unit)
		copy(unit[HeaderSize:], req.Body)
		units[i] = unit
		off += lengths[i]
	}
	return wire, units
}

// Unit is one parsed member of a (possibly compounded) response. Raw is the
// exact signed region; Body excludes the header.
type Unit struct {
	Header Header
	Body   []byte
	Raw    []byte
}

// SplitCompound walks the NextCommand chain of pdu.
func SplitCompound(pdu []byte) ([]Unit, error) {
	var units []Unit
	off := 0
	for {
		rest := pdu[off:]
		h, err := DecodeHeader(rest)
		if err != nil {
			return nil, err
		}
		end := len(rest)
		if h.NextCommand != 0 {
			next := int(h.NextCommand)
			if next%8 != 0 || next < HeaderSize || next > len(rest)-HeaderSize {
				return nil, protocol.Malformed("smb2 next command offset %d of %d", next, len(rest))
			}
			end = next
		}
		raw := rest[:end]
		units = append(units, Unit{Header: h, Body: raw[HeaderSize:], Raw: raw})
		if h.NextCommand == 0 {
			return units, nil
		}
		off += end
	}
}

// CreditChargeFor returns the credits a payload of n bytes consumes when
// large MTU is negotiated.
func CreditChargeFor(n int) uint16 {
	if n <= 0 {
		return 1
	}
	return uint16((n-1)/65536 + 1)
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// StructureSize reads the leading StructureSize field of a body.
func StructureSize(body []byte) (uint16, error) {
	if len(body) < 2 {
		return 0, protocol.Malformed("smb2 body too short: %d", len(body))
	}
	return binary.LittleEndian.Uint16(body[0:2]), nil
}
