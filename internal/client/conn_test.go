package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
	"github.com/danmuck/smbwire/internal/testutil/smbtest"
	"github.com/danmuck/smbwire/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

const scriptTimeout = 3 * time.Second

func newConn(t *testing.T, cfg Config) (*Conn, *smbtest.Server) {
	t.Helper()
	nc, srv := smbtest.Pipe(t)
	c, err := New(nc, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, srv
}

func mustNegotiate(t *testing.T, c *Conn, min, max protocol.Dialect) Negotiated {
	t.Helper()
	neg, err := c.Negotiate(context.Background(), min, max)
	require.NoError(t, err)
	return neg
}

func echoRequest() *SMB2Request {
	return &SMB2Request{Command: smb2.CommandEcho, Body: smb2.SimpleBody(), Expect: smb2.ExpectSimple}
}

func disconnected(c *Conn) func() bool {
	return func() bool { return !c.IsConnected() }
}

func TestNewRejectsBadInput(t *testing.T) {
	testlog.Start(t)

	_, err := New(nil, Config{})
	require.ErrorIs(t, err, ErrInvalidSocket)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err = New(a, Config{Signing: "sometimes"})
	require.ErrorIs(t, err, ErrInvalidSigningPolicy)
	_, err = New(a, Config{Ciphers: []uint16{0x0009}})
	require.ErrorIs(t, err, ErrInvalidCipher)
}

func TestNegotiateSMB2Direct(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	var offer smb2.NegotiateRequest
	srv.Go(func(s *smbtest.Server) error {
		var err error
		offer, err = s.NegotiateSMB2(smbtest.NegotiateOptions{
			Dialect:      protocol.DialectSMB302,
			Capabilities: smb2.CapEncryption,
			Credits:      8,
		})
		return err
	})

	neg := mustNegotiate(t, c, protocol.DialectSMB202, protocol.DialectSMB302)
	require.NoError(t, srv.Wait(scriptTimeout))

	require.Equal(t, []protocol.Dialect{
		protocol.DialectSMB202, protocol.DialectSMB210, protocol.DialectSMB300, protocol.DialectSMB302,
	}, offer.Dialects)
	require.Empty(t, offer.Ciphers, "no negotiate contexts without 3.1.1")
	require.Equal(t, protocol.DialectSMB302, neg.Dialect)
	require.Equal(t, smb2.CipherAES128CCM, neg.Cipher)
	require.False(t, neg.SigningRequired)
	require.Equal(t, uint32(8), c.Credits())
	require.False(t, c.HasOutstandingRequests())

	_, err := c.Negotiate(context.Background(), protocol.DialectSMB202, protocol.DialectSMB302)
	require.ErrorIs(t, err, ErrAlreadyNegotiated)
}

func TestNegotiateRejectsUnofferedDialect(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		req, err := s.ReadOne(smb2.CommandNegotiate)
		if err != nil {
			return err
		}
		body := smb2.EncodeNegotiateResponse(smb2.NegotiateResponse{
			Dialect:      protocol.DialectSMB300,
			SecurityMode: smb2.NegotiateSigningEnabled,
		})
		return s.WriteSMB2(smbtest.ReplyTo(req, protocol.StatusSuccess, body))
	})

	_, err := c.Negotiate(context.Background(), protocol.DialectSMB202, protocol.DialectSMB210)
	require.ErrorIs(t, err, protocol.ErrProtocolMismatch)
	require.NoError(t, srv.Wait(scriptTimeout))
	require.False(t, c.IsConnected())
	require.ErrorIs(t, c.Err(), protocol.ErrProtocolMismatch)
}

func TestNegotiateSigningPolicyConflict(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{Signing: SigningOff})

	srv.Go(func(s *smbtest.Server) error {
		_, err := s.NegotiateSMB2(smbtest.NegotiateOptions{Dialect: protocol.DialectSMB210, SigningRequired: true})
		return err
	})

	_, err := c.Negotiate(context.Background(), protocol.DialectSMB202, protocol.DialectSMB210)
	require.ErrorIs(t, err, protocol.ErrProtocolMismatch)
	require.NoError(t, srv.Wait(scriptTimeout))
	require.False(t, c.IsConnected())
}

func TestNegotiateInvalidRange(t *testing.T) {
	testlog.Start(t)
	c, _ := newConn(t, Config{})

	_, err := c.Negotiate(context.Background(), protocol.DialectSMB311, protocol.DialectSMB202)
	require.ErrorIs(t, err, protocol.ErrProtocolMismatch)
	require.True(t, c.IsConnected(), "range errors are caught before anything is sent")

	_, err = c.SubmitSMB2(nil, echoRequest())
	require.ErrorIs(t, err, ErrNotNegotiated)
}

func TestCompoundRepliesOutOfOrder(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB2(smbtest.NegotiateOptions{Dialect: protocol.DialectSMB210, Credits: 10}); err != nil {
			return err
		}
		reqs, err := s.ReadSMB2()
		if err != nil {
			return err
		}
		if len(reqs) != 3 {
			return fmt.Errorf("compound of %d units", len(reqs))
		}
		for i, req := range reqs {
			if req.Header.MessageID != uint64(i+1) {
				return fmt.Errorf("unit %d has message id %d", i, req.Header.MessageID)
			}
		}
		return s.WriteSMB2(
			smbtest.ReplyTo(reqs[2], protocol.StatusSuccess, smb2.SimpleBody()),
			smbtest.ReplyTo(reqs[0], protocol.StatusSuccess, smb2.SimpleBody()),
			smbtest.ReplyTo(reqs[1], protocol.StatusSuccess, smb2.SimpleBody()),
		)
	})

	mustNegotiate(t, c, protocol.DialectSMB202, protocol.DialectSMB210)
	calls, err := c.SubmitSMB2(nil, echoRequest(), echoRequest(), echoRequest())
	require.NoError(t, err)
	require.Len(t, calls, 3)
	for i, call := range calls {
		require.Equal(t, uint64(i+1), call.ID())
		require.NoError(t, call.Wait(context.Background()))
		require.Equal(t, call.ID(), call.Unit().Header.MessageID)
	}
	require.NoError(t, srv.Wait(scriptTimeout))
	require.Equal(t, uint32(10), c.Credits())
	require.False(t, c.HasOutstandingRequests())
}

func TestCreditExhaustedSendsNothing(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB2(smbtest.NegotiateOptions{Dialect: protocol.DialectSMB210, Credits: 1}); err != nil {
			return err
		}
		req, err := s.ReadOne(smb2.CommandEcho)
		if err != nil {
			return err
		}
		if req.Header.MessageID != 1 {
			return fmt.Errorf("echo sent with message id %d", req.Header.MessageID)
		}
		return s.WriteSMB2(smbtest.ReplyTo(req, protocol.StatusSuccess, smb2.SimpleBody()))
	})

	mustNegotiate(t, c, protocol.DialectSMB202, protocol.DialectSMB210)
	_, err := c.SubmitSMB2(nil, echoRequest(), echoRequest())
	require.ErrorIs(t, err, protocol.ErrCreditExhausted)
	require.False(t, c.HasOutstandingRequests())
	require.Equal(t, uint32(1), c.Credits())

	require.NoError(t, c.Echo(context.Background()))
	require.NoError(t, srv.Wait(scriptTimeout))
	require.True(t, c.IsConnected())
}

func TestCompoundOverBudgetReservesNothing(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		opts := smbtest.NegotiateOptions{Dialect: protocol.DialectSMB210, Capabilities: smb2.CapLargeMTU, Credits: 5}
		if _, err := s.NegotiateSMB2(opts); err != nil {
			return err
		}
		reqs, err := s.ReadSMB2()
		if err != nil {
			return err
		}
		if len(reqs) != 2 || reqs[0].Header.MessageID != 1 || reqs[1].Header.MessageID != 2 {
			return fmt.Errorf("compound of %d units starting at message id %d", len(reqs), reqs[0].Header.MessageID)
		}
		return s.WriteSMB2(
			smbtest.ReplyTo(reqs[0], protocol.StatusSuccess, smb2.SimpleBody()),
			smbtest.ReplyTo(reqs[1], protocol.StatusSuccess, smb2.SimpleBody()),
		)
	})

	mustNegotiate(t, c, protocol.DialectSMB202, protocol.DialectSMB210)
	large := echoRequest()
	large.PayloadSize = 3 * 65536
	_, err := c.SubmitSMB2(nil, echoRequest(), echoRequest(), large, echoRequest())
	require.ErrorIs(t, err, protocol.ErrCreditExhausted)
	require.False(t, c.HasOutstandingRequests())
	require.Equal(t, uint32(5), c.Credits())

	calls, err := c.SubmitSMB2(nil, echoRequest(), echoRequest())
	require.NoError(t, err)
	for i, call := range calls {
		require.Equal(t, uint64(i+1), call.ID())
		require.NoError(t, call.Wait(context.Background()))
	}
	require.NoError(t, srv.Wait(scriptTimeout))
	require.Equal(t, uint32(5), c.Credits())
}

func TestCancelledQueuedRequestKeepsMessageIDsContiguous(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})
	release := make(chan struct{})

	var got []smbtest.Request
	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB2(smbtest.NegotiateOptions{Dialect: protocol.DialectSMB210, Credits: 8}); err != nil {
			return err
		}
		<-release
		for i := 0; i < 3; i++ {
			reqs, err := s.ReadSMB2()
			if err != nil {
				return err
			}
			if len(reqs) != 1 {
				return fmt.Errorf("compound of %d units", len(reqs))
			}
			got = append(got, reqs[0])
			if err := s.WriteSMB2(smbtest.ReplyTo(reqs[0], protocol.StatusSuccess, smb2.SimpleBody())); err != nil {
				return err
			}
		}
		return nil
	})

	mustNegotiate(t, c, protocol.DialectSMB202, protocol.DialectSMB210)
	// The pipe holds the first echo until the server reads, so the flush
	// stays queued behind it.
	first, err := c.SubmitSMB2(nil, echoRequest())
	require.NoError(t, err)
	flush, err := c.SubmitSMB2(nil, &SMB2Request{Command: smb2.CommandFlush, Body: make([]byte, 24), Expect: smb2.ExpectSimple})
	require.NoError(t, err)
	last, err := c.SubmitSMB2(nil, echoRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, flush[0].Wait(ctx), protocol.ErrCancelled)
	close(release)

	require.NoError(t, first[0].Wait(context.Background()))
	require.NoError(t, last[0].Wait(context.Background()))
	require.NoError(t, srv.Wait(scriptTimeout))

	require.Len(t, got, 3)
	for i, req := range got {
		require.Equal(t, uint64(i+1), req.Header.MessageID)
	}
	require.Equal(t, smb2.CommandEcho, got[1].Header.Command, "the cancelled flush goes out as an echo")
	require.Eventually(t, func() bool {
		return !c.HasOutstandingRequests() && c.Credits() == 8
	}, scriptTimeout, 5*time.Millisecond)
	require.True(t, c.IsConnected())
}

func TestInterimResponse(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})
	release := make(chan struct{})

	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB2(smbtest.NegotiateOptions{Dialect: protocol.DialectSMB300, Credits: 4}); err != nil {
			return err
		}
		req, err := s.ReadOne(smb2.CommandEcho)
		if err != nil {
			return err
		}
		if err := s.WriteSMB2(smbtest.Interim(req, 0x42)); err != nil {
			return err
		}
		<-release
		final := smbtest.ReplyTo(req, protocol.StatusSuccess, smb2.SimpleBody())
		final.Header.Flags |= smb2.FlagAsyncCommand
		final.Header.AsyncID = 0x42
		return s.WriteSMB2(final)
	})

	mustNegotiate(t, c, protocol.DialectSMB202, protocol.DialectSMB300)
	req := echoRequest()
	req.NotifyAsync = true
	calls, err := c.SubmitSMB2(nil, req)
	require.NoError(t, err)
	call := calls[0]

	select {
	case <-call.Interim():
	case <-time.After(scriptTimeout):
		t.Fatal("no interim notification")
	}
	require.Equal(t, uint64(0x42), call.AsyncID())
	require.True(t, c.HasOutstandingRequests(), "interim responses keep the request pending")
	close(release)

	require.NoError(t, call.Wait(context.Background()))
	require.NoError(t, srv.Wait(scriptTimeout))
	require.False(t, c.HasOutstandingRequests())
}

func TestTimeoutSendsCancelAndConsumesLateResponse(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB2(smbtest.NegotiateOptions{Dialect: protocol.DialectSMB302, Credits: 1}); err != nil {
			return err
		}
		echo, err := s.ReadOne(smb2.CommandEcho)
		if err != nil {
			return err
		}
		cancel, err := s.ReadOne(smb2.CommandCancel)
		if err != nil {
			return err
		}
		if cancel.Header.MessageID != echo.Header.MessageID {
			return fmt.Errorf("cancel for message id %d, echo was %d", cancel.Header.MessageID, echo.Header.MessageID)
		}
		return s.WriteSMB2(smbtest.ReplyTo(echo, protocol.StatusSuccess, smb2.SimpleBody()))
	})

	mustNegotiate(t, c, protocol.DialectSMB202, protocol.DialectSMB302)
	req := echoRequest()
	req.Timeout = 50 * time.Millisecond
	calls, err := c.SubmitSMB2(nil, req)
	require.NoError(t, err)

	err = calls[0].Wait(context.Background())
	require.ErrorIs(t, err, protocol.ErrTimeout)
	require.NoError(t, srv.Wait(scriptTimeout))

	require.Eventually(t, func() bool {
		return !c.HasOutstandingRequests() && c.Credits() == 1
	}, scriptTimeout, 5*time.Millisecond)
	require.True(t, c.IsConnected())
}

func TestContextCancelQueuedRequest(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		_, err := s.NegotiateSMB2(smbtest.NegotiateOptions{Dialect: protocol.DialectSMB210, Credits: 2})
		return err
	})
	mustNegotiate(t, c, protocol.DialectSMB202, protocol.DialectSMB210)
	require.NoError(t, srv.Wait(scriptTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls, err := c.SubmitSMB2(nil, echoRequest())
	require.NoError(t, err)
	err = calls[0].Wait(ctx)
	require.ErrorIs(t, err, protocol.ErrCancelled)
	require.False(t, protocol.IsFatal(err))
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB2(smbtest.NegotiateOptions{Dialect: protocol.DialectSMB210, Credits: 4}); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			if _, err := s.ReadOne(smb2.CommandEcho); err != nil {
				return err
			}
		}
		return s.Close()
	})

	mustNegotiate(t, c, protocol.DialectSMB202, protocol.DialectSMB210)
	first, err := c.SubmitSMB2(nil, echoRequest())
	require.NoError(t, err)
	second, err := c.SubmitSMB2(nil, echoRequest())
	require.NoError(t, err)

	require.ErrorIs(t, first[0].Wait(context.Background()), protocol.ErrConnectionLost)
	require.ErrorIs(t, second[0].Wait(context.Background()), protocol.ErrConnectionLost)
	require.NoError(t, srv.Wait(scriptTimeout))

	require.Eventually(t, disconnected(c), scriptTimeout, 5*time.Millisecond)
	_, err = c.SubmitSMB2(nil, echoRequest())
	require.ErrorIs(t, err, protocol.ErrConnectionLost)

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel still open")
	}
}

func TestServerErrorIsScopedToRequest(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB2(smbtest.NegotiateOptions{Dialect: protocol.DialectSMB210, Credits: 2}); err != nil {
			return err
		}
		req, err := s.ReadOne(smb2.CommandEcho)
		if err != nil {
			return err
		}
		if err := s.WriteKeepalive(); err != nil {
			return err
		}
		return s.WriteSMB2(smbtest.ReplyTo(req, protocol.StatusAccessDenied, nil))
	})

	mustNegotiate(t, c, protocol.DialectSMB202, protocol.DialectSMB210)
	err := c.Echo(context.Background())
	require.NoError(t, srv.Wait(scriptTimeout))

	var se *protocol.ServerError
	require.True(t, errors.As(err, &se))
	status, ok := protocol.StatusOf(err)
	require.True(t, ok)
	require.Equal(t, protocol.StatusAccessDenied, status)
	require.True(t, c.IsConnected())
}

func TestMalformedResponseIsFatal(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB2(smbtest.NegotiateOptions{Dialect: protocol.DialectSMB210, Credits: 2}); err != nil {
			return err
		}
		req, err := s.ReadOne(smb2.CommandEcho)
		if err != nil {
			return err
		}
		return s.WriteSMB2(smbtest.ReplyTo(req, protocol.StatusSuccess, smb2.ErrorBody()))
	})

	mustNegotiate(t, c, protocol.DialectSMB202, protocol.DialectSMB210)
	err := c.Echo(context.Background())
	require.ErrorIs(t, err, protocol.ErrMalformedResponse)
	require.NoError(t, srv.Wait(scriptTimeout))
	require.Eventually(t, disconnected(c), scriptTimeout, 5*time.Millisecond)
	require.ErrorIs(t, c.Err(), protocol.ErrMalformedResponse)
}

func TestUnknownMessageIDIsFatal(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB2(smbtest.NegotiateOptions{Dialect: protocol.DialectSMB210, Credits: 2}); err != nil {
			return err
		}
		stray := smbtest.Request{Header: smb2.Header{Command: smb2.CommandEcho, MessageID: 77}}
		return s.WriteSMB2(smbtest.ReplyTo(stray, protocol.StatusSuccess, smb2.SimpleBody()))
	})

	mustNegotiate(t, c, protocol.DialectSMB202, protocol.DialectSMB210)
	require.NoError(t, srv.Wait(scriptTimeout))
	require.Eventually(t, disconnected(c), scriptTimeout, 5*time.Millisecond)
	require.ErrorIs(t, c.Err(), protocol.ErrMalformedResponse)
}

func TestUnsolicitedBreakIsIgnored(t *testing.T) {
	testlog.Start(t)
	c, srv := newConn(t, Config{})

	srv.Go(func(s *smbtest.Server) error {
		if _, err := s.NegotiateSMB2(smbtest.NegotiateOptions{Dialect: protocol.DialectSMB210, Credits: 2}); err != nil {
			return err
		}
		brk := smbtest.Request{Header: smb2.Header{Command: smb2.CommandOplockBreak, MessageID: oplockBreakMessageID}}
		notice := smbtest.ReplyTo(brk, protocol.StatusSuccess, smb2.SimpleBody())
		notice.Header.Credits = 0
		if err := s.WriteSMB2(notice); err != nil {
			return err
		}
		req, err := s.ReadOne(smb2.CommandEcho)
		if err != nil {
			return err
		}
		return s.WriteSMB2(smbtest.ReplyTo(req, protocol.StatusSuccess, smb2.SimpleBody()))
	})

	mustNegotiate(t, c, protocol.DialectSMB202, protocol.DialectSMB210)
	require.NoError(t, c.Echo(context.Background()))
	require.NoError(t, srv.Wait(scriptTimeout))
	require.True(t, c.IsConnected())
	require.Equal(t, uint32(2), c.Credits())
}
