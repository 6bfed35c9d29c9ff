package client

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb1"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
	"github.com/danmuck/smbwire/internal/signing"
	"github.com/danmuck/smbwire/internal/testutil/smbtest"
	"github.com/danmuck/smbwire/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

// ntlmv1Key is the size of an NTLMv1 session key with the response appended.
var ntlmv1Key = bytes.Repeat([]byte{0x11}, 40)

func serveEcho1(s *smbtest.Server) (smbtest.Request1, error) {
	req, err := s.ReadSMB1Command(smb1.CommandEcho)
	if err != nil {
		return req, err
	}
	return req, s.WriteSMB1(req, protocol.StatusSuccess, smb1.EchoReply(1, req.Blocks[0].Bytes))
}

func TestSMB1Negotiate(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	var offered []string
	srv.Go(func(s *smbtest.Server) error {
		var err error
		if offered, err = s.NegotiateSMB1(smbtest.SMB1Options{SigningEnabled: true, MaxMpxCount: 2}); err != nil {
			return err
		}
		_, err = serveEcho1(s)
		return err
	})

	neg := mustNegotiate(t, c, protocol.DialectSMB1, protocol.DialectSMB1)
	require.Equal(t, []string{smb1.DialectNTLM012}, offered)
	require.Equal(t, protocol.DialectSMB1, neg.Dialect)
	require.Equal(t, uint16(2), neg.MaxMpxCount)
	require.Equal(t, uint32(16644), neg.MaxBufferSize)
	require.False(t, neg.SigningRequired)

	require.NoError(t, c.Echo(context.Background()))
	require.NoError(t, srv.Wait(scriptTimeout))

	_, err := c.SubmitSMB2(nil, echoRequest())
	require.ErrorIs(t, err, ErrWrongDialect)
}

func TestSMB1NoDialectIsMismatch(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		req, err := s.ReadSMB1Command(smb1.CommandNegotiate)
		if err != nil {
			return err
		}
		none := &smb1.Request{Command: smb1.CommandNegotiate, Words: []byte{0xFF, 0xFF}}
		return s.WriteSMB1(req, protocol.StatusSuccess, none)
	})

	_, err := c.Negotiate(context.Background(), protocol.DialectSMB1, protocol.DialectSMB210)
	require.ErrorIs(t, err, protocol.ErrProtocolMismatch)
	require.NoError(t, srv.Wait(scriptTimeout))
	require.False(t, c.IsConnected())
}

func TestSMB1WildcardUpgradesToSMB2(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	var echoID uint64
	srv.Go(func(s *smbtest.Server) error {
		neg, err := s.NegotiateSMB1Wildcard(smbtest.NegotiateOptions{
			Dialect: protocol.DialectSMB311,
			Cipher:  smb2.CipherAES128GCM,
			Credits: 4,
		})
		if err != nil {
			return err
		}
		if len(neg.PreauthSalt) == 0 {
			return fmt.Errorf("3.1.1 offered without preauth context")
		}
		req, err := s.ReadOne(smb2.CommandEcho)
		if err != nil {
			return err
		}
		echoID = req.Header.MessageID
		return s.WriteSMB2(smbtest.ReplyTo(req, protocol.StatusSuccess, smb2.SimpleBody()))
	})

	neg := mustNegotiate(t, c, protocol.DialectSMB1, protocol.DialectSMB311)
	require.Equal(t, protocol.DialectSMB311, neg.Dialect)
	require.Equal(t, smb2.CipherAES128GCM, neg.Cipher)
	require.Equal(t, uint32(4), c.Credits())

	require.NoError(t, c.Echo(context.Background()))
	require.NoError(t, srv.Wait(scriptTimeout))
	require.Equal(t, uint64(2), echoID, "the smb2 negotiate after the wildcard reply used id 1")
}

func TestSMB1Direct202Reply(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.ReadSMB1Command(smb1.CommandNegotiate); err != nil {
			return err
		}
		body := smb2.EncodeNegotiateResponse(smb2.NegotiateResponse{
			Dialect:      protocol.DialectSMB202,
			SecurityMode: smb2.NegotiateSigningEnabled,
		})
		h := smb2.Header{Command: smb2.CommandNegotiate, Flags: smb2.FlagServerToRedir, Credits: 3}
		wire, _ := smb2.NewCompound(&smb2.Request{Header: h, Body: body}).Marshal()
		return s.WriteRaw(wire)
	})

	neg := mustNegotiate(t, c, protocol.DialectSMB1, protocol.DialectSMB202)
	require.NoError(t, srv.Wait(scriptTimeout))
	require.Equal(t, protocol.DialectSMB202, neg.Dialect)
	require.Equal(t, uint32(3), c.Credits())
}

func TestSMB1SignedSessionAndTransact(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	var trans smb1.TransRequest
	var echo smbtest.Request1
	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB1(smbtest.SMB1Options{SigningRequired: true, MaxMpxCount: 10}); err != nil {
			return err
		}
		if err := s.AcceptSMB1Session(smbtest.SMB1SessionOptions{UID: 100, Legs: 2, Key: ntlmv1Key, Sign: true}); err != nil {
			return err
		}

		req, err := s.ReadSMB1Command(smb1.CommandTreeConnectAndX)
		if err != nil {
			return err
		}
		req.Header.TID = 9
		if err := s.WriteSMB1(req, protocol.StatusSuccess, smb1.TreeConnectReply("A:")); err != nil {
			return err
		}

		req, err = s.ReadSMB1Command(smb1.CommandTrans2)
		if err != nil {
			return err
		}
		if trans, err = smb1.DecodeTransRequest(req.PDU, req.Blocks[0]); err != nil {
			return err
		}
		data := []byte("0123456789")
		params := []byte{0xAA, 0xBB, 0xCC, 0xDD}
		first := smb1.EncodeTransResponse(smb1.CommandTrans2, len(params), len(data), nil, params, 0, data[:6], 0)
		if err := s.WriteSMB1(req, protocol.StatusSuccess, first); err != nil {
			return err
		}
		second := smb1.EncodeTransResponse(smb1.CommandTrans2, len(params), len(data), nil, nil, 0, data[6:], 6)
		if err := s.WriteSMB1(req, protocol.StatusSuccess, second); err != nil {
			return err
		}

		echo, err = serveEcho1(s)
		return err
	})

	neg := mustNegotiate(t, c, protocol.DialectSMB1, protocol.DialectSMB1)
	require.True(t, neg.SigningRequired)

	sess, err := c.NewSession()
	require.NoError(t, err)
	_, more, err := sess.Setup(context.Background(), []byte("type1"))
	require.NoError(t, err)
	require.True(t, more)
	require.Equal(t, uint64(100), sess.ID())
	_, more, err = sess.Setup(context.Background(), []byte("type3"))
	require.NoError(t, err)
	require.False(t, more)
	require.NoError(t, sess.SetSessionKey(ntlmv1Key))

	tree, err := sess.TreeConnect(context.Background(), `\\SRV\IPC$`)
	require.NoError(t, err)
	require.Equal(t, uint32(9), tree.ID())

	resp, err := c.Transact(context.Background(), sess, tree, &smb1.TransRequest{
		Command:       smb1.CommandTrans2,
		Setup:         []uint16{0x0005},
		Params:        []byte{1, 2, 3, 4},
		MaxParamCount: 64,
		MaxDataCount:  1024,
	}, TransMinimums{Params: 4, Data: 10})
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, resp.Params)
	require.Equal(t, []byte("0123456789"), resp.Data)

	require.NoError(t, c.Echo(context.Background()))
	require.NoError(t, srv.Wait(scriptTimeout))

	require.Equal(t, []uint16{0x0005}, trans.Setup)
	require.Equal(t, []byte{1, 2, 3, 4}, trans.Params)
	require.Equal(t, uint32(6), echo.Seq, "requests after activation are signed with 2, 4 and 6")
	require.NotZero(t, echo.Header.Flags2&smb1.Flags2SecuritySig)
	require.False(t, c.HasOutstandingRequests())
}

func TestSMB1BadReplySignatureIsFatal(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB1(smbtest.SMB1Options{SigningRequired: true}); err != nil {
			return err
		}
		if err := s.AcceptSMB1Session(smbtest.SMB1SessionOptions{UID: 7, Key: ntlmv1Key, Sign: true}); err != nil {
			return err
		}
		req, err := s.ReadSMB1Command(smb1.CommandEcho)
		if err != nil {
			return err
		}
		pdu, err := s.Reply1(req, protocol.StatusSuccess, smb1.EchoReply(1, nil))
		if err != nil {
			return err
		}
		signer := signing.NewSMB1Signer(nil)
		signer.Activate(ntlmv1Key)
		signer.Sign(pdu, req.Seq+3)
		return s.WriteRaw(pdu)
	})

	mustNegotiate(t, c, protocol.DialectSMB1, protocol.DialectSMB1)
	sess, err := c.NewSession()
	require.NoError(t, err)
	establish(t, sess, ntlmv1Key)

	err = c.Echo(context.Background())
	require.ErrorIs(t, err, protocol.ErrConnectionLost)
	require.NoError(t, srv.Wait(scriptTimeout))
	require.ErrorIs(t, c.Err(), protocol.ErrSignatureInvalid)
}

func TestSMB1GuestSessionSkipsSigning(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	var echo smbtest.Request1
	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB1(smbtest.SMB1Options{SigningEnabled: true}); err != nil {
			return err
		}
		if err := s.AcceptSMB1Session(smbtest.SMB1SessionOptions{UID: 3, Guest: true}); err != nil {
			return err
		}
		var err error
		echo, err = serveEcho1(s)
		return err
	})

	mustNegotiate(t, c, protocol.DialectSMB1, protocol.DialectSMB1)
	sess, err := c.NewSession()
	require.NoError(t, err)
	establish(t, sess, ntlmv1Key)
	require.True(t, sess.IsGuest())

	require.NoError(t, c.Echo(context.Background()))
	require.NoError(t, srv.Wait(scriptTimeout))
	require.Zero(t, echo.Header.Flags2&smb1.Flags2SecuritySig)
}

func TestSMB1ChainReplies(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB1(smbtest.SMB1Options{MaxMpxCount: 4}); err != nil {
			return err
		}
		req, err := s.ReadSMB1Command(smb1.CommandTreeConnectAndX)
		if err != nil {
			return err
		}
		if len(req.Blocks) != 2 || req.Blocks[1].Command != smb1.CommandEcho {
			return fmt.Errorf("chain of %d blocks", len(req.Blocks))
		}
		if err := s.WriteSMB1(req, protocol.StatusBadNetworkName); err != nil {
			return err
		}
		req, err = s.ReadSMB1Command(smb1.CommandTreeConnectAndX)
		if err != nil {
			return err
		}
		return s.WriteSMB1(req, protocol.StatusSuccess, smb1.TreeConnectReply("A:"))
	})

	mustNegotiate(t, c, protocol.DialectSMB1, protocol.DialectSMB1)
	chain := func() []SMB1Request {
		tc, err := (&smb1.TreeConnectRequest{Path: `\\SRV\MISSING`}).Request()
		require.NoError(t, err)
		return []SMB1Request{
			{Request: tc, Expect: smb1.ExpectTreeConnect()},
			{Request: smb1.EchoRequest(1, []byte("x")), Expect: smb1.ExpectEcho()},
		}
	}

	_, err := c.DoSMB1(context.Background(), nil, nil, chain()...)
	status, ok := protocol.StatusOf(err)
	require.True(t, ok)
	require.Equal(t, protocol.StatusBadNetworkName, status)
	require.True(t, c.IsConnected())

	_, err = c.DoSMB1(context.Background(), nil, nil, chain()...)
	require.ErrorIs(t, err, protocol.ErrMalformedResponse)
	require.NoError(t, srv.Wait(scriptTimeout))
	require.Eventually(t, disconnected(c), scriptTimeout, 5*time.Millisecond)
}

func TestSMB1MultiplexLimit(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		_, err := s.NegotiateSMB1(smbtest.SMB1Options{MaxMpxCount: 1})
		return err
	})
	mustNegotiate(t, c, protocol.DialectSMB1, protocol.DialectSMB1)
	require.NoError(t, srv.Wait(scriptTimeout))

	first, err := c.SubmitSMB1(nil, nil, SMB1Request{Request: smb1.EchoRequest(1, nil), Expect: smb1.ExpectEcho()})
	require.NoError(t, err)
	_, err = c.SubmitSMB1(nil, nil, SMB1Request{Request: smb1.EchoRequest(1, nil), Expect: smb1.ExpectEcho()})
	require.ErrorIs(t, err, protocol.ErrCreditExhausted)
	require.NotZero(t, first.ID())
}

func TestSMB1RangeAnsweredWith202FillsLimits(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	var offered []string
	srv.Go(func(s *smbtest.Server) error {
		req, err := s.ReadSMB1Command(smb1.CommandNegotiate)
		if err != nil {
			return err
		}
		if offered, err = smb1.DecodeNegotiateRequest(req.Blocks[0]); err != nil {
			return err
		}
		body := smb2.EncodeNegotiateResponse(smb2.NegotiateResponse{
			Dialect:         protocol.DialectSMB202,
			SecurityMode:    smb2.NegotiateSigningEnabled,
			MaxTransactSize: 65536,
			MaxReadSize:     65536,
			MaxWriteSize:    32768,
		})
		h := smb2.Header{Command: smb2.CommandNegotiate, Flags: smb2.FlagServerToRedir, Credits: 5}
		wire, _ := smb2.NewCompound(&smb2.Request{Header: h, Body: body}).Marshal()
		if err := s.WriteRaw(wire); err != nil {
			return err
		}
		s.Dialect = protocol.DialectSMB202
		echo, err := s.ReadOne(smb2.CommandEcho)
		if err != nil {
			return err
		}
		if echo.Header.MessageID != 1 {
			return fmt.Errorf("echo sent with message id %d", echo.Header.MessageID)
		}
		return s.WriteSMB2(smbtest.ReplyTo(echo, protocol.StatusSuccess, smb2.SimpleBody()))
	})

	neg := mustNegotiate(t, c, protocol.DialectSMB1, protocol.DialectSMB210)
	require.Equal(t, []string{smb1.DialectNTLM012, smb1.DialectSMB2002, smb1.DialectSMB2Wild}, offered)
	require.Equal(t, protocol.DialectSMB202, neg.Dialect)
	require.Equal(t, uint32(5), c.Credits())
	require.Equal(t, uint32(65536), neg.MaxTransactSize)
	require.Equal(t, uint32(65536), neg.MaxReadSize)
	require.Equal(t, uint32(32768), neg.MaxWriteSize)

	require.NoError(t, c.Echo(context.Background()))
	require.NoError(t, srv.Wait(scriptTimeout))
	require.Equal(t, uint32(5), c.Credits())
}

func TestSMB1QueuedCancelKeepsSigningSequence(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})
	release := make(chan struct{})

	var echoes []smbtest.Request1
	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB1(smbtest.SMB1Options{SigningRequired: true, MaxMpxCount: 10}); err != nil {
			return err
		}
		if err := s.AcceptSMB1Session(smbtest.SMB1SessionOptions{UID: 7, Key: ntlmv1Key, Sign: true}); err != nil {
			return err
		}
		<-release
		for i := 0; i < 2; i++ {
			req, err := serveEcho1(s)
			if err != nil {
				return err
			}
			echoes = append(echoes, req)
		}
		return nil
	})

	mustNegotiate(t, c, protocol.DialectSMB1, protocol.DialectSMB1)
	sess, err := c.NewSession()
	require.NoError(t, err)
	establish(t, sess, ntlmv1Key)

	echo := func() SMB1Request {
		return SMB1Request{Request: smb1.EchoRequest(1, echoPayload), Expect: smb1.ExpectEcho()}
	}
	// The pipe holds the first echo until the server reads, so the second
	// stays queued.
	first, err := c.SubmitSMB1(nil, nil, echo())
	require.NoError(t, err)
	second, err := c.SubmitSMB1(nil, nil, echo())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, second.Wait(ctx), protocol.ErrCancelled)
	close(release)

	require.NoError(t, first.Wait(context.Background()))
	require.NoError(t, c.Echo(context.Background()))
	require.NoError(t, srv.Wait(scriptTimeout))

	require.Len(t, echoes, 2)
	require.Equal(t, uint32(2), echoes[0].Seq)
	require.Equal(t, uint32(4), echoes[1].Seq, "the dropped echo took no sequence number")
	require.True(t, c.IsConnected())
	require.False(t, c.HasOutstandingRequests())
}

func TestSMB1TimeoutSendsNTCancel(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	var followUp smbtest.Request1
	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB1(smbtest.SMB1Options{SigningRequired: true, MaxMpxCount: 2}); err != nil {
			return err
		}
		if err := s.AcceptSMB1Session(smbtest.SMB1SessionOptions{UID: 7, Key: ntlmv1Key, Sign: true}); err != nil {
			return err
		}
		echo, err := s.ReadSMB1Command(smb1.CommandEcho)
		if err != nil {
			return err
		}
		cancel, err := s.ReadSMB1Command(smb1.CommandNTCancel)
		if err != nil {
			return err
		}
		if cancel.Header.MID != echo.Header.MID || cancel.Header.UID != echo.Header.UID {
			return fmt.Errorf("nt cancel for mid %d uid %d, echo was mid %d uid %d",
				cancel.Header.MID, cancel.Header.UID, echo.Header.MID, echo.Header.UID)
		}
		if err := s.WriteSMB1(echo, protocol.StatusCancelled); err != nil {
			return err
		}
		followUp, err = serveEcho1(s)
		return err
	})

	mustNegotiate(t, c, protocol.DialectSMB1, protocol.DialectSMB1)
	sess, err := c.NewSession()
	require.NoError(t, err)
	establish(t, sess, ntlmv1Key)

	call, err := c.submitSMB1(sess, nil, submit1Opts{timeout: 50 * time.Millisecond},
		SMB1Request{Request: smb1.EchoRequest(1, echoPayload), Expect: smb1.ExpectEcho()})
	require.NoError(t, err)
	require.ErrorIs(t, call.Wait(context.Background()), protocol.ErrTimeout)

	require.NoError(t, c.Echo(context.Background()))
	require.NoError(t, srv.Wait(scriptTimeout))
	require.Equal(t, uint32(5), followUp.Seq, "echo 2, nt cancel 4, next request 5")
	require.Eventually(t, func() bool { return !c.HasOutstandingRequests() }, scriptTimeout, 5*time.Millisecond)
	require.True(t, c.IsConnected())
}

func TestSMB2ReplyAfterSMB1NegotiateIsMismatch(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB1(smbtest.SMB1Options{MaxMpxCount: 2}); err != nil {
			return err
		}
		if _, err := s.ReadSMB1Command(smb1.CommandSessionSetupAndX); err != nil {
			return err
		}
		body := smb2.EncodeNegotiateResponse(smb2.NegotiateResponse{Dialect: protocol.DialectSMB202})
		h := smb2.Header{Command: smb2.CommandNegotiate, Flags: smb2.FlagServerToRedir, Credits: 1}
		wire, _ := smb2.NewCompound(&smb2.Request{Header: h, Body: body}).Marshal()
		return s.WriteRaw(wire)
	})

	mustNegotiate(t, c, protocol.DialectSMB1, protocol.DialectSMB1)
	sess, err := c.NewSession()
	require.NoError(t, err)
	_, _, err = sess.Setup(context.Background(), []byte("type1"))
	require.ErrorIs(t, err, protocol.ErrConnectionLost)
	require.NoError(t, srv.Wait(scriptTimeout))
	require.Eventually(t, disconnected(c), scriptTimeout, 5*time.Millisecond)
	require.ErrorIs(t, c.Err(), protocol.ErrProtocolMismatch)
}
