package smb1

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/smbwire/internal/protocol"
)

const andxBlockLen = 4

// Request is one SMB1 command: its parameter words (raw little-endian bytes,
// even length) and its byte block. For AndX commands the first four word
// bytes are reserved for the chain link and are overwritten by Chain.
type Request struct {
	Command Command
	Words   []byte
	Bytes   []byte
}

// WordCount returns the number of 16-bit parameter words.
func (r *Request) WordCount() int { return len(r.Words) / 2 }

func (r *Request) blockLen() int {
	return 1 + len(r.Words) + 2 + len(r.Bytes)
}

func (r *Request) validate(last bool) error {
	if len(r.Words)%2 != 0 {
		return fmt.Errorf("smb1: %s words length %d not even", r.Command, len(r.Words))
	}
	if r.WordCount() > 0xFF {
		return fmt.Errorf("smb1: %s word count %d", r.Command, r.WordCount())
	}
	if len(r.Bytes) > 0xFFFF {
		return fmt.Errorf("smb1: %s byte count %d", r.Command, len(r.Bytes))
	}
	if !last && !r.Command.IsAndX() {
		return fmt.Errorf("smb1: %s cannot be followed in a chain", r.Command)
	}
	if r.Command.IsAndX() && len(r.Words) < andxBlockLen {
		return fmt.Errorf("smb1: %s lacks an AndX block", r.Command)
	}
	return nil
}

// Chain is an ordered set of requests sharing one header.
type Chain struct {
	reqs []*Request
}

func NewChain(reqs ...*Request) *Chain {
	return &Chain{reqs: reqs}
}

func (c *Chain) Len() int               { return len(c.reqs) }
func (c *Chain) Requests() []*Request   { return c.reqs }
func (c *Chain) Request(i int) *Request { return c.reqs[i] }

// Offsets returns the header-relative offset of each member's word count
// byte. Members after the first start on a 4-byte boundary.
func (c *Chain) Offsets() []int {
	offs := make([]int, len(c.reqs))
	off := HeaderSize
	for i, req := range c.reqs {
		if i > 0 {
			off = align4(off)
		}
		offs[i] = off
		off += req.blockLen()
	}
	return offs
}

// Marshal produces the full PDU with hdr as the shared header. The header's
// command is taken from the first member, and every AndX link is patched
// once all member offsets are known.
func (c *Chain) Marshal(hdr Header) ([]byte, error) {
	if len(c.reqs) == 0 {
		return nil, fmt.Errorf("smb1: empty chain")
	}
	for i, req := range c.reqs {
		if err := req.validate(i == len(c.reqs)-1); err != nil {
			return nil, err
		}
	}
	offs := c.Offsets()
	last := c.reqs[len(c.reqs)-1]
	pdu := make([]byte, offs[len(offs)-1]+last.blockLen())
	hdr.Command = c.reqs[0].Command
	hdr.Encode(pdu)
	for i, req := range c.reqs {
		off := offs[i]
		pdu[off] = byte(req.WordCount())
		words := pdu[off+1 : off+1+len(req.Words)]
		copy(words, req.Words)
		if req.Command.IsAndX() {
			if i < len(c.reqs)-1 {
				words[0] = byte(c.reqs[i+1].Command)
				words[1] = 0
				binary.LittleEndian.PutUint16(words[2:4], uint16(offs[i+1]))
			} else {
				words[0] = byte(CommandNone)
				words[1] = 0
				binary.LittleEndian.PutUint16(words[2:4], 0)
			}
		}
		bc := off + 1 + len(req.Words)
		binary.LittleEndian.PutUint16(pdu[bc:bc+2], uint16(len(req.Bytes)))
		copy(pdu[bc+2:], req.Bytes)
	}
	return pdu, nil
}

// Block is one parsed member of a response chain. Words and Bytes are views
// into the PDU; Offset is the header-relative offset of the word count.
type Block struct {
	Command Command
	Offset  int
	Words   []byte
	Bytes   []byte
}

func (b *Block) WordCount() int { return len(b.Words) / 2 }

// Word returns parameter word i.
func (b *Block) Word(i int) uint16 {
	return binary.LittleEndian.Uint16(b.Words[2*i : 2*i+2])
}

// ParseChain decodes the header and walks the AndX links of pdu.
func ParseChain(pdu []byte) (Header, []Block, error) {
	hdr, err := DecodeHeader(pdu)
	if err != nil {
		return Header{}, nil, err
	}
	var blocks []Block
	cmd := hdr.Command
	off := HeaderSize
	for {
		blk, end, err := parseBlock(pdu, off)
		if err != nil {
			return Header{}, nil, err
		}
		blk.Command = cmd
		blocks = append(blocks, blk)
		if !cmd.IsAndX() || blk.WordCount() < 2 {
			return hdr, blocks, nil
		}
		next := Command(blk.Words[0])
		if next == CommandNone {
			return hdr, blocks, nil
		}
		nextOff := int(binary.LittleEndian.Uint16(blk.Words[2:4]))
		if nextOff < end || nextOff >= len(pdu) {
			return Header{}, nil, protocol.Malformed("smb1 andx offset %d (block ends %d, pdu %d)", nextOff, end, len(pdu))
		}
		cmd = next
		off = nextOff
	}
}

func parseBlock(pdu []byte, off int) (Block, int, error) {
	if off >= len(pdu) {
		return Block{}, 0, protocol.Malformed("smb1 block at %d beyond pdu %d", off, len(pdu))
	}
	wct := int(pdu[off])
	wordsEnd := off + 1 + 2*wct
	if wordsEnd+2 > len(pdu) {
		return Block{}, 0, protocol.Malformed("smb1 word count %d overruns pdu", wct)
	}
	bc := int(binary.LittleEndian.Uint16(pdu[wordsEnd : wordsEnd+2]))
	end := wordsEnd + 2 + bc
	if end > len(pdu) {
		return Block{}, 0, protocol.Malformed("smb1 byte count %d overruns pdu", bc)
	}
	return Block{
		Offset: off,
		Words:  pdu[off+1 : wordsEnd],
		Bytes:  pdu[wordsEnd+2 : end],
	}, end, nil
}

func align4(n int) int {
	return (n + 3) &^ 3
}
