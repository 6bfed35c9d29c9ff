package smb1

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/smbwire/internal/protocol"
)

const (
	transRequestWords  = 14
	transResponseWords = 10
)

// TransRequest is a trans or trans2 primary request. The whole request must
// fit one PDU; secondary requests are not generated.
type TransRequest struct {
	Command       Command
	Name          string
	Setup         []uint16
	Params        []byte
	Data          []byte
	MaxSetupCount uint8
	MaxParamCount uint16
	MaxDataCount  uint16
	Flags         uint16
	Timeout       uint32
}

// Request builds the SMB1 request for t. Offsets are computed for a PDU in
// which this request is the only member.
func (t *TransRequest) Request(maxBuffer int) (*Request, error) {
	if t.Command != CommandTrans && t.Command != CommandTrans2 {
		return nil, fmt.Errorf("smb1: %s is not a transaction", t.Command)
	}
	if len(t.Setup) > 0xFF {
		return nil, fmt.Errorf("smb1: %d setup words", len(t.Setup))
	}
	wct := transRequestWords + len(t.Setup)
	bytesStart := HeaderSize + 1 + 2*wct + 2

	var name []byte
	if t.Command == CommandTrans {
		if bytesStart%2 != 0 {
			name = append(name, 0)
		}
		enc, err := protocol.EncodeUTF16LE(t.Name)
		if err != nil {
			return nil, fmt.Errorf("smb1: trans name: %w", err)
		}
		name = append(name, enc...)
		name = append(name, 0, 0)
	} else {
		name = []byte{0}
	}

	paramOff := align4(bytesStart + len(name))
	dataOff := align4(paramOff + len(t.Params))
	if len(t.Data) == 0 {
		dataOff = paramOff + len(t.Params)
	}
	end := dataOff + len(t.Data)
	if maxBuffer > 0 && end > maxBuffer {
		return nil, fmt.Errorf("smb1: %s of %d bytes exceeds server buffer %d", t.Command, end, maxBuffer)
	}
	if end > 0xFFFF {
		return nil, fmt.Errorf("smb1: %s of %d bytes", t.Command, end)
	}

	words := make([]byte, 2*wct)
	le := binary.LittleEndian
	le.PutUint16(words[0:], uint16(len(t.Params)))
	le.PutUint16(words[2:], uint16(len(t.Data)))
	le.PutUint16(words[4:], t.MaxParamCount)
	le.PutUint16(words[6:], t.MaxDataCount)
	words[8] = t.MaxSetupCount
	le.PutUint16(words[10:], t.Flags)
	le.PutUint32(words[12:], t.Timeout)
	le.PutUint16(words[18:], uint16(len(t.Params)))
	le.PutUint16(words[20:], uint16(paramOff))
	le.PutUint16(words[22:], uint16(len(t.Data)))
	le.PutUint16(words[24:], uint16(dataOff))
	words[26] = byte(len(t.Setup))
	for i, s := range t.Setup {
		le.PutUint16(words[28+2*i:], s)
	}

	body := make([]byte, end-bytesStart)
	copy(body, name)
	copy(body[paramOff-bytesStart:], t.Params)
	copy(body[dataOff-bytesStart:], t.Data)
	return &Request{Command: t.Command, Words: words, Bytes: body}, nil
}

// TransResponse is a fully reassembled transaction response.
type TransResponse struct {
	Setup  []uint16
	Params []byte
	Data   []byte
}

// TransPart is one decoded response PDU of a transaction.
type TransPart struct {
	TotalParams int
	TotalData   int
	ParamCount  int
	ParamOffset int
	ParamDisp   int
	DataCount   int
	DataOffset  int
	DataDisp    int
	Setup       []uint16
}

// DecodeTransPart reads the transaction words of blk.
func DecodeTransPart(blk Block) (TransPart, error) {
	if blk.WordCount() < transResponseWords {
		return TransPart{}, protocol.Malformed("%s word count %d", blk.Command, blk.WordCount())
	}
	p := TransPart{
		TotalParams: int(blk.Word(0)),
		TotalData:   int(blk.Word(1)),
		ParamCount:  int(blk.Word(3)),
		ParamOffset: int(blk.Word(4)),
		ParamDisp:   int(blk.Word(5)),
		DataCount:   int(blk.Word(6)),
		DataOffset:  int(blk.Word(7)),
		DataDisp:    int(blk.Word(8)),
	}
	setupCount := int(blk.Words[18])
	if blk.WordCount() != transResponseWords+setupCount {
		return TransPart{}, protocol.Malformed("%s setup count %d with word count %d", blk.Command, setupCount, blk.WordCount())
	}
	for i := 0; i < setupCount; i++ {
		p.Setup = append(p.Setup, blk.Word(transResponseWords+i))
	}
	return p, nil
}

// TransAccumulator reassembles a transaction response delivered across
// several PDUs with the same MID.
type TransAccumulator struct {
	MinSetup  int
	MinParams int
	MinData   int

	started    bool
	totalParam int
	totalData  int
	gotParam   int
	gotData    int
	setup      []uint16
	params     []byte
	data       []byte
}

// Add folds one response PDU into the accumulator. pdu is the whole
// message since offsets are header-relative. It reports whether the
// announced totals have been reached.
func (a *TransAccumulator) Add(pdu []byte, blk Block) (bool, error) {
	part, err := DecodeTransPart(blk)
	if err != nil {
		return false, err
	}
	if !a.started {
		a.started = true
		a.totalParam = part.TotalParams
		a.totalData = part.TotalData
		a.params = make([]byte, a.totalParam)
		a.data = make([]byte, a.totalData)
		a.setup = part.Setup
	} else {
		// Totals may shrink between parts, never grow.
		if part.TotalParams > a.totalParam || part.TotalData > a.totalData {
			return false, protocol.Malformed("%s totals grew to %d/%d", blk.Command, part.TotalParams, part.TotalData)
		}
		a.totalParam = part.TotalParams
		a.totalData = part.TotalData
	}
	if err := place(a.params, pdu, part.ParamOffset, part.ParamCount, part.ParamDisp, a.totalParam); err != nil {
		return false, fmt.Errorf("%s params: %w", blk.Command, err)
	}
	if err := place(a.data, pdu, part.DataOffset, part.DataCount, part.DataDisp, a.totalData); err != nil {
		return false, fmt.Errorf("%s data: %w", blk.Command, err)
	}
	a.gotParam += part.ParamCount
	a.gotData += part.DataCount
	return a.gotParam >= a.totalParam && a.gotData >= a.totalData, nil
}

func place(dst, pdu []byte, off, count, disp, total int) error {
	if count == 0 {
		return nil
	}
	if off+count > len(pdu) {
		return protocol.Malformed("offset %d count %d beyond pdu %d", off, count, len(pdu))
	}
	if disp+count > total {
		return protocol.Malformed("displacement %d count %d beyond total %d", disp, count, total)
	}
	copy(dst[disp:], pdu[off:off+count])
	return nil
}

// Result returns the reassembled response after checking the minimum sizes.
func (a *TransAccumulator) Result() (TransResponse, error) {
	if len(a.setup) < a.MinSetup || a.totalParam < a.MinParams || a.totalData < a.MinData {
		return TransResponse{}, protocol.Malformed("trans response %d/%d/%d below minimum %d/%d/%d",
			len(a.setup), a.totalParam, a.totalData, a.MinSetup, a.MinParams, a.MinData)
	}
	return TransResponse{
		Setup:  a.setup,
		Params: a.params[:a.totalParam],
		Data:   a.data[:a.totalData],
	}, nil
}

// EncodeTransResponse builds one response block carrying the given slice of
// a transaction reply. It is used by test servers.
func EncodeTransResponse(cmd Command, totalParams, totalData int, setup []uint16, params []byte, paramDisp int, data []byte, dataDisp int) *Request {
	wct := transResponseWords + len(setup)
	bytesStart := HeaderSize + 1 + 2*wct + 2
	paramOff := align4(bytesStart)
	dataOff := align4(paramOff + len(params))
	words := make([]byte, 2*wct)
	le := binary.LittleEndian
	le.PutUint16(words[0:], uint16(totalParams))
	le.PutUint16(words[2:], uint16(totalData))
	le.PutUint16(words[6:], uint16(len(params)))
	le.PutUint16(words[8:], uint16(paramOff))
	le.PutUint16(words[10:], uint16(paramDisp))
	le.PutUint16(words[12:], uint16(len(data)))
	le.PutUint16(words[14:], uint16(dataOff))
	le.PutUint16(words[16:], uint16(dataDisp))
	words[18] = byte(len(setup))
	for i, s := range setup {
		le.PutUint16(words[20+2*i:], s)
	}
	body := make([]byte, dataOff+len(data)-bytesStart)
	copy(body[paramOff-bytesStart:], params)
	copy(body[dataOff-bytesStart:], data)
	return &Request{Command: cmd, Words: words, Bytes: body}
}

// DecodeTransRequest parses a primary transaction request from pdu. It is
// used by test servers.
func DecodeTransRequest(pdu []byte, blk Block) (TransRequest, error) {
	if blk.WordCount() < transRequestWords {
		return TransRequest{}, protocol.Malformed("%s word count %d", blk.Command, blk.WordCount())
	}
	le := binary.LittleEndian
	w := blk.Words
	t := TransRequest{
		Command:       blk.Command,
		MaxParamCount: le.Uint16(w[4:]),
		MaxDataCount:  le.Uint16(w[6:]),
		MaxSetupCount: w[8],
		Flags:         le.Uint16(w[10:]),
		Timeout:       le.Uint32(w[12:]),
	}
	pc, po := int(le.Uint16(w[18:])), int(le.Uint16(w[20:]))
	dc, do := int(le.Uint16(w[22:])), int(le.Uint16(w[24:]))
	if po+pc > len(pdu) || do+dc > len(pdu) {
		return TransRequest{}, protocol.Malformed("%s areas beyond pdu", blk.Command)
	}
	sc := int(w[26])
	if blk.WordCount() != transRequestWords+sc {
		return TransRequest{}, protocol.Malformed("%s setup count %d", blk.Command, sc)
	}
	for i := 0; i < sc; i++ {
		t.Setup = append(t.Setup, blk.Word(transRequestWords+i))
	}
	t.Params = append([]byte(nil), pdu[po:po+pc]...)
	t.Data = append([]byte(nil), pdu[do:do+dc]...)
	return t, nil
}
