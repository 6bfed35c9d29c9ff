// Package smbtest is a scripted SMB server for client tests. A test starts a
// script on one end of a net.Pipe and drives the client on the other; the
// script reads requests and writes responses with the same codecs and key
// schedule the client uses.
package smbtest

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/frame"
	"github.com/danmuck/smbwire/internal/signing"
)

// ErrUnexpected reports a request the script did not expect.
var ErrUnexpected = errors.New("smbtest: unexpected request")

// Session is the server half of an authenticated session.
type Session struct {
	ID      uint64
	Keys    signing.Keys
	SignKey []byte
	Sign    bool
	Seal    bool
	Preauth signing.PreauthHash

	enc *signing.Cipher
	dec *signing.Cipher
}

// EnableCiphers builds the server side ciphers from the session keys.
func (s *Session) EnableCiphers(id uint16) error {
	enc, err := signing.NewCipher(id, s.Keys.Decryption)
	if err != nil {
		return err
	}
	dec, err := signing.NewCipher(id, s.Keys.Encryption)
	if err != nil {
		return err
	}
	s.enc, s.dec = enc, dec
	return nil
}

// Server is one scripted peer.
type Server struct {
	tb testing.TB
	nc net.Conn
	br *bufio.Reader

	done chan struct{}
	once sync.Once
	err  error

	Dialect protocol.Dialect
	Cipher  uint16
	Preauth signing.PreauthHash

	mu       sync.Mutex
	sessions map[uint64]*Session

	smb1Key []byte
	smb1Seq uint32
}

// Pipe returns the client end of a new pipe and the server on the other end.
// The pipe is closed at test cleanup.
func Pipe(tb testing.TB) (net.Conn, *Server) {
	tb.Helper()
	cli, srv := net.Pipe()
	tb.Cleanup(func() { _ = cli.Close() })
	return cli, Serve(tb, srv)
}

// Serve wraps an accepted server socket. nc is closed at test cleanup.
func Serve(tb testing.TB, nc net.Conn) *Server {
	tb.Helper()
	s := &Server{
		tb:       tb,
		nc:       nc,
		br:       bufio.NewReader(nc),
		done:     make(chan struct{}),
		sessions: make(map[uint64]*Session),
	}
	tb.Cleanup(func() {
		_ = nc.Close()
		s.once.Do(func() { close(s.done) })
		<-s.done
	})
	return s
}

// Go runs script in the background. Wait returns its error.
func (s *Server) Go(script func(s *Server) error) {
	s.once.Do(func() {})
	go func() {
		defer close(s.done)
		s.err = script(s)
	}()
}

// Wait blocks until the script returns or timeout passes.
func (s *Server) Wait(timeout time.Duration) error {
	select {
	case <-s.done:
		return s.err
	case <-time.After(timeout):
		return fmt.Errorf("smbtest: script still running after %s", timeout)
	}
}

// Close closes the server end of the pipe.
func (s *Server) Close() error { return s.nc.Close() }

// Session returns the server session with id, or nil.
func (s *Server) Session(id uint64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// AddSession registers sess so its traffic is verified, signed and sealed.
func (s *Server) AddSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// ReadRaw returns the next session message payload.
func (s *Server) ReadRaw() ([]byte, error) {
	f, err := frame.ReadFrame(s.br, frame.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("smbtest: read: %w", err)
	}
	return f.Payload, nil
}

// WriteRaw sends pdu as one session message.
func (s *Server) WriteRaw(pdu []byte) error {
	err := frame.WriteFrame(s.nc, frame.Frame{Type: frame.TypeSessionMessage, Payload: pdu}, frame.DefaultLimits())
	if err != nil {
		return fmt.Errorf("smbtest: write: %w", err)
	}
	return nil
}

// WriteKeepalive sends a keepalive frame the client must skip.
func (s *Server) WriteKeepalive() error {
	return frame.WriteFrame(s.nc, frame.Frame{Type: frame.TypeKeepalive}, frame.DefaultLimits())
}
