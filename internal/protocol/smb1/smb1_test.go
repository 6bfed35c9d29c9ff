package smb1

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	testlog.Start(t)

	in := Header{
		Command: CommandEcho,
		Status:  protocol.StatusAccessDenied,
		Flags:   FlagReply | FlagCaseless,
		Flags2:  Flags2Unicode | Flags2NTStatus | Flags2ExtendedSecurity,
		PIDHigh: 1,
		TID:     0x22,
		PIDLow:  0x1234,
		UID:     0x800,
		MID:     0x41,
	}
	copy(in.Signature[:], "sigsigsi")
	b := make([]byte, HeaderSize)
	in.Encode(b)

	out, err := DecodeHeader(b)
	require.NoError(t, err)
	require.Equal(t, in, out)
	require.True(t, out.IsReply())
	require.True(t, IsSMB1(b))

	b[0] = 0xFE
	_, err = DecodeHeader(b)
	require.ErrorIs(t, err, protocol.ErrProtocolMismatch)
}

func andxChain(t *testing.T) *Chain {
	t.Helper()
	ss := &SessionSetupRequest{MaxBufferSize: 0xFFFF, SecurityBlob: []byte("negotiate-token"), Capabilities: ClientCapabilities}
	ssReq, err := ss.Request()
	require.NoError(t, err)
	tcon := &Request{Command: CommandTreeConnectAndX, Words: make([]byte, 8), Bytes: []byte("\\\\srv\\share\x00?????\x00")}
	echo := EchoRequest(1, []byte("ping"))
	return NewChain(ssReq, tcon, echo)
}

func TestChainAndXOffsets(t *testing.T) {
	testlog.Start(t)

	chain := andxChain(t)
	pdu, err := chain.Marshal(Header{MID: 9, Flags2: Flags2Unicode})
	require.NoError(t, err)

	offs := chain.Offsets()
	require.Equal(t, HeaderSize, offs[0])
	for i := 1; i < len(offs); i++ {
		require.Zero(t, offs[i]%4, "member %d offset %d", i, offs[i])
		require.Greater(t, offs[i], offs[i-1])
	}

	// Each AndX link names the next command and the next word count offset.
	for i := 0; i < 2; i++ {
		words := pdu[offs[i]+1:]
		require.Equal(t, byte(chain.Request(i+1).Command), words[0])
		require.Equal(t, uint16(offs[i+1]), binary.LittleEndian.Uint16(words[2:4]))
	}
	require.Equal(t, byte(CommandSessionSetupAndX), pdu[4])

	hdr, blocks, err := ParseChain(pdu)
	require.NoError(t, err)
	require.Equal(t, uint16(9), hdr.MID)
	require.Len(t, blocks, 3)
	require.Equal(t, CommandSessionSetupAndX, blocks[0].Command)
	require.Equal(t, CommandTreeConnectAndX, blocks[1].Command)
	require.Equal(t, CommandEcho, blocks[2].Command)
	require.Equal(t, []byte("ping"), blocks[2].Bytes)
	for i, blk := range blocks {
		require.Equal(t, offs[i], blk.Offset)
	}
}

func TestChainLastAndXTerminates(t *testing.T) {
	testlog.Start(t)

	pdu, err := NewChain(LogoffRequest()).Marshal(Header{})
	require.NoError(t, err)
	require.Equal(t, byte(CommandNone), pdu[HeaderSize+1])
	require.Equal(t, uint16(0), binary.LittleEndian.Uint16(pdu[HeaderSize+3:]))

	_, blocks, err := ParseChain(pdu)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
}

func TestChainRejectsNonAndXMember(t *testing.T) {
	testlog.Start(t)

	_, err := NewChain(EchoRequest(1, nil), LogoffRequest()).Marshal(Header{})
	require.Error(t, err)

	_, err = NewChain(&Request{Command: CommandEcho, Words: []byte{1}}).Marshal(Header{})
	require.Error(t, err)
}

func TestParseChainRejectsBackwardsOffset(t *testing.T) {
	testlog.Start(t)

	pdu, err := andxChain(t).Marshal(Header{})
	require.NoError(t, err)
	binary.LittleEndian.PutUint16(pdu[HeaderSize+3:], HeaderSize)
	_, _, err = ParseChain(pdu)
	require.ErrorIs(t, err, protocol.ErrMalformedResponse)

	pdu, err = andxChain(t).Marshal(Header{})
	require.NoError(t, err)
	_, _, err = ParseChain(pdu[:len(pdu)-2])
	require.ErrorIs(t, err, protocol.ErrMalformedResponse)
}

func TestCheckBlock(t *testing.T) {
	testlog.Start(t)

	blk := Block{Command: CommandSessionSetupAndX, Words: make([]byte, 8)}
	require.NoError(t, CheckBlock(protocol.StatusMoreProcessingRequired, blk, ExpectSessionSetup()))
	require.NoError(t, CheckBlock(protocol.StatusSuccess, blk, ExpectSessionSetup()))

	short := Block{Command: CommandSessionSetupAndX, Words: make([]byte, 6)}
	err := CheckBlock(protocol.StatusSuccess, short, ExpectSessionSetup())
	require.ErrorIs(t, err, protocol.ErrMalformedResponse)

	err = CheckBlock(protocol.StatusLogonFailure, Block{Command: CommandSessionSetupAndX}, ExpectSessionSetup())
	var se *protocol.ServerError
	require.True(t, errors.As(err, &se))
	require.Equal(t, protocol.StatusLogonFailure, se.Status)
	require.Equal(t, "SMBsesssetupX", se.Command)

	err = CheckBlock(protocol.StatusPending, blk, ExpectSessionSetup())
	require.ErrorIs(t, err, protocol.ErrMalformedResponse)
}

func TestTransRequestRoundTrip(t *testing.T) {
	testlog.Start(t)

	tr := &TransRequest{
		Command:       CommandTrans2,
		Setup:         []uint16{0x0003},
		Params:        []byte{1, 2, 3, 4, 5},
		Data:          []byte("payload"),
		MaxParamCount: 64,
		MaxDataCount:  4096,
	}
	req, err := tr.Request(0)
	require.NoError(t, err)
	pdu, err := NewChain(req).Marshal(Header{MID: 3})
	require.NoError(t, err)

	_, blocks, err := ParseChain(pdu)
	require.NoError(t, err)
	got, err := DecodeTransRequest(pdu, blocks[0])
	require.NoError(t, err)
	require.Equal(t, tr.Setup, got.Setup)
	require.Equal(t, tr.Params, got.Params)
	require.Equal(t, tr.Data, got.Data)
	require.Equal(t, uint16(4096), got.MaxDataCount)

	_, err = tr.Request(64)
	require.Error(t, err)
}

func TestTransNamedPipeRequestAlignsParams(t *testing.T) {
	testlog.Start(t)

	tr := &TransRequest{Command: CommandTrans, Name: "\\PIPE\\", Setup: []uint16{0x26, 0x4000}, Params: []byte{9}, Data: []byte{1, 2}}
	req, err := tr.Request(0)
	require.NoError(t, err)
	require.Equal(t, 16, req.WordCount())
	paramOff := binary.LittleEndian.Uint16(req.Words[20:])
	dataOff := binary.LittleEndian.Uint16(req.Words[24:])
	require.Zero(t, paramOff%4)
	require.Zero(t, dataOff%4)
}

func transReplyPDU(t *testing.T, mid uint16, blk *Request) ([]byte, Block) {
	t.Helper()
	pdu, err := NewChain(blk).Marshal(Header{Flags: FlagReply, MID: mid})
	require.NoError(t, err)
	_, blocks, err := ParseChain(pdu)
	require.NoError(t, err)
	return pdu, blocks[0]
}

func TestTransAccumulatorReassemblesByDisplacement(t *testing.T) {
	testlog.Start(t)

	params := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	data := []byte("0123456789")

	acc := &TransAccumulator{MinParams: 2, MinData: 10}
	pdu, blk := transReplyPDU(t, 5, EncodeTransResponse(CommandTrans2, 4, 10, nil, params, 0, data[5:], 5))
	done, err := acc.Add(pdu, blk)
	require.NoError(t, err)
	require.False(t, done)

	pdu, blk = transReplyPDU(t, 5, EncodeTransResponse(CommandTrans2, 4, 10, nil, nil, 0, data[:5], 0))
	done, err = acc.Add(pdu, blk)
	require.NoError(t, err)
	require.True(t, done)

	res, err := acc.Result()
	require.NoError(t, err)
	require.Equal(t, params, res.Params)
	require.Equal(t, data, res.Data)
}

func TestTransAccumulatorShrinkingTotals(t *testing.T) {
	testlog.Start(t)

	acc := &TransAccumulator{}
	pdu, blk := transReplyPDU(t, 1, EncodeTransResponse(CommandTrans, 0, 8, []uint16{7}, nil, 0, []byte("abcd"), 0))
	done, err := acc.Add(pdu, blk)
	require.NoError(t, err)
	require.False(t, done)

	pdu, blk = transReplyPDU(t, 1, EncodeTransResponse(CommandTrans, 0, 6, nil, nil, 0, []byte("ef"), 4))
	done, err = acc.Add(pdu, blk)
	require.NoError(t, err)
	require.True(t, done)

	res, err := acc.Result()
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), res.Data)
	require.Equal(t, []uint16{7}, res.Setup)

	pdu, blk = transReplyPDU(t, 1, EncodeTransResponse(CommandTrans, 0, 20, nil, nil, 0, []byte("x"), 0))
	_, err = acc.Add(pdu, blk)
	require.ErrorIs(t, err, protocol.ErrMalformedResponse)
}

func TestTransAccumulatorBelowMinimum(t *testing.T) {
	testlog.Start(t)

	acc := &TransAccumulator{MinSetup: 1, MinData: 2}
	pdu, blk := transReplyPDU(t, 2, EncodeTransResponse(CommandTrans2, 0, 2, nil, nil, 0, []byte("ok"), 0))
	done, err := acc.Add(pdu, blk)
	require.NoError(t, err)
	require.True(t, done)
	_, err = acc.Result()
	require.ErrorIs(t, err, protocol.ErrMalformedResponse)
}

func TestTransAccumulatorRejectsOverrun(t *testing.T) {
	testlog.Start(t)

	acc := &TransAccumulator{}
	pdu, blk := transReplyPDU(t, 2, EncodeTransResponse(CommandTrans2, 0, 4, nil, nil, 0, []byte("abc"), 2))
	_, err := acc.Add(pdu, blk)
	require.ErrorIs(t, err, protocol.ErrMalformedResponse)
}

func TestNegotiateRoundTrip(t *testing.T) {
	testlog.Start(t)

	req := EncodeNegotiate([]string{DialectNTLM012, DialectSMB2002, DialectSMB2Wild})
	pdu, err := NewChain(req).Marshal(Header{})
	require.NoError(t, err)
	_, blocks, err := ParseChain(pdu)
	require.NoError(t, err)
	dialects, err := DecodeNegotiateRequest(blocks[0])
	require.NoError(t, err)
	require.Equal(t, []string{DialectNTLM012, DialectSMB2002, DialectSMB2Wild}, dialects)

	now := time.Now().UTC().Truncate(time.Microsecond)
	resp := &NegotiateResponse{
		SecurityMode:  SecurityUser | SecuritySignEnabled,
		MaxMpxCount:   50,
		MaxBufferSize: 16644,
		Capabilities:  CapExtendedSecurity | CapUnicode | CapNTSMBs,
		SystemTime:    now,
		SecurityBlob:  []byte("spnego"),
	}
	copy(resp.ServerGUID[:], "0123456789abcdef")
	pdu, err = NewChain(resp.Request()).Marshal(Header{Flags: FlagReply})
	require.NoError(t, err)
	_, blocks, err = ParseChain(pdu)
	require.NoError(t, err)
	require.NoError(t, CheckBlock(protocol.StatusSuccess, blocks[0], ExpectNegotiate()))
	got, err := DecodeNegotiateResponse(blocks[0])
	require.NoError(t, err)
	require.Equal(t, resp.ServerGUID, got.ServerGUID)
	require.Equal(t, resp.SecurityBlob, got.SecurityBlob)
	require.Equal(t, uint32(16644), got.MaxBufferSize)
	require.True(t, now.Equal(got.SystemTime))
}

func TestSessionSetupRoundTrip(t *testing.T) {
	testlog.Start(t)

	ss := &SessionSetupRequest{MaxBufferSize: 4356, VCNumber: 1, SecurityBlob: []byte("token-1"), NativeOS: "Unix", NativeLanMan: "smbwire"}
	req, err := ss.Request()
	require.NoError(t, err)
	pdu, err := NewChain(req).Marshal(Header{})
	require.NoError(t, err)
	_, blocks, err := ParseChain(pdu)
	require.NoError(t, err)
	got, err := DecodeSessionSetupRequest(blocks[0])
	require.NoError(t, err)
	require.Equal(t, ss.SecurityBlob, got.SecurityBlob)
	require.Equal(t, uint16(4356), got.MaxBufferSize)

	reply := &SessionSetupResponse{Action: ActionGuest, SecurityBlob: []byte("token-2")}
	pdu, err = NewChain(reply.Request()).Marshal(Header{Flags: FlagReply, Status: protocol.StatusMoreProcessingRequired})
	require.NoError(t, err)
	hdr, blocks, err := ParseChain(pdu)
	require.NoError(t, err)
	require.NoError(t, CheckBlock(hdr.Status, blocks[0], ExpectSessionSetup()))
	out, err := DecodeSessionSetupResponse(blocks[0])
	require.NoError(t, err)
	require.Equal(t, reply.SecurityBlob, out.SecurityBlob)
	require.Equal(t, ActionGuest, out.Action)
}
