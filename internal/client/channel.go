package client

import (
	"errors"
	"fmt"

	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/signing"
)

var (
	ErrNotChannel     = errors.New("client: session is not a channel")
	ErrChannelExists  = errors.New("client: session already has a channel on this connection")
	ErrSameConnection = errors.New("client: channel must use another connection")
)

// BindChannel prepares an additional channel of s on conn. The caller runs
// the binding legs with Setup on the returned channel and finishes with
// SetChannelKey. Binding needs an established 3.x session and both
// connections on the same dialect.
func (s *Session) BindChannel(conn *Conn) (*Session, error) {
	if conn == nil {
		return nil, ErrInvalidSocket
	}
	if conn == s.conn {
		return nil, ErrSameConnection
	}
	parent := s
	if s.parent != nil {
		parent = s.parent
	}

	pc := parent.conn
	pc.mu.Lock()
	dialect := pc.neg.Dialect
	established := parent.established
	signedSession := parent.shouldSign
	id := parent.id
	bindKey := append([]byte(nil), parent.signKey...)
	pc.mu.Unlock()

	if !established {
		return nil, ErrNotEstablished
	}
	if !dialect.IsSMB3() {
		return nil, fmt.Errorf("%w: channels need 3.x, have %s", ErrWrongDialect, dialect)
	}
	if parent.IsGuest() || parent.IsAnonymous() || !signedSession {
		return nil, fmt.Errorf("%w: only signed sessions can bind channels", protocol.ErrProtocolMismatch)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if err := conn.checkUsableLocked(); err != nil {
		return nil, err
	}
	if !conn.negotiated {
		return nil, ErrNotNegotiated
	}
	if conn.neg.Dialect != dialect {
		return nil, fmt.Errorf("%w: channel dialect %s, session dialect %s", protocol.ErrProtocolMismatch, conn.neg.Dialect, dialect)
	}
	if _, ok := conn.sessions[id]; ok {
		return nil, ErrChannelExists
	}
	ch := &Session{
		conn:       conn,
		shared:     parent.shared,
		parent:     parent,
		id:         id,
		binding:    true,
		bindKey:    bindKey,
		shouldSign: true,
		preauth:    conn.preauth,
	}
	conn.sessions[id] = ch
	return ch, nil
}

// SetChannelKey completes binding with the session key of the channel's
// authentication. It derives the channel signing key and verifies the final
// binding response with it; a bad signature tears the channel's connection
// down.
func (s *Session) SetChannelKey(key []byte) error {
	c := s.conn
	c.mu.Lock()
	err := s.setChannelKeyLocked(key)
	c.mu.Unlock()
	if protocol.IsFatal(err) {
		c.Disconnect(err)
	}
	return err
}

func (s *Session) setChannelKeyLocked(key []byte) error {
	switch {
	case s.parent == nil:
		return ErrNotChannel
	case s.established:
		return ErrAlreadyEstablished
	case !s.setupDone || s.final2 == nil:
		return ErrSetupIncomplete
	}
	d := s.conn.neg.Dialect
	var preauth []byte
	if d == protocol.DialectSMB311 {
		preauth = s.preauth.Bytes()
	}
	chKey, err := signing.DeriveChannelKey(d, key, preauth)
	if err != nil {
		return err
	}
	if !s.final2.Header.IsSigned() {
		return fmt.Errorf("%w: unsigned final binding response", protocol.ErrSignatureInvalid)
	}
	if err := signing.VerifySMB2(d, chKey, s.final2.Raw); err != nil {
		return err
	}
	s.signKey = chKey
	s.binding = false
	s.bindKey = nil
	s.established = true
	s.final2 = nil
	s.conn.log.Debug().Uint64("session", s.id).Msg("channel bound")
	return nil
}

// Parent returns the session a channel belongs to, or nil for a session.
func (s *Session) Parent() *Session { return s.parent }
