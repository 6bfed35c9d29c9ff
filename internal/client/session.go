package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb1"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
	"github.com/danmuck/smbwire/internal/signing"
)

var (
	ErrSetupIncomplete    = errors.New("client: session setup has not finished")
	ErrAlreadyEstablished = errors.New("client: session already established")
	ErrNotEstablished     = errors.New("client: session not established")
	ErrNoCipher           = errors.New("client: no cipher negotiated")
)

// sessionState is shared by a session and all of its channels.
type sessionState struct {
	mu         sync.Mutex
	flags      uint16
	sessionKey []byte
	keys       signing.Keys
	encrypt    bool
	enc        *signing.Cipher
	dec        *signing.Cipher
}

func (st *sessionState) ensureCiphersLocked(id uint16) error {
	if st.enc != nil {
		return nil
	}
	if id == 0 {
		return ErrNoCipher
	}
	enc, err := signing.NewCipher(id, st.keys.Encryption)
	if err != nil {
		return err
	}
	dec, err := signing.NewCipher(id, st.keys.Decryption)
	if err != nil {
		return err
	}
	st.enc, st.dec = enc, dec
	return nil
}

// Session is an authenticated user context on one connection. A channel is
// a Session on another connection that shares the id and the keys of its
// parent but signs with its own channel key.
type Session struct {
	conn   *Conn
	shared *sessionState
	parent *Session

	// Guarded by conn.mu.
	id          uint64
	binding     bool
	bindKey     []byte
	signKey     []byte
	shouldSign  bool
	established bool
	preauth     signing.PreauthHash
	final2      *smb2.Unit
	final1      []byte
	setupDone   bool
}

// NewSession starts an unauthenticated session on a negotiated connection.
func (c *Conn) NewSession() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkUsableLocked(); err != nil {
		return nil, err
	}
	if !c.negotiated {
		return nil, ErrNotNegotiated
	}
	return &Session{conn: c, shared: &sessionState{}, preauth: c.preauth}, nil
}

// ID returns the server-assigned id, 0 before the first setup reply.
func (s *Session) ID() uint64 {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.id
}

// Conn returns the connection the session or channel runs on.
func (s *Session) Conn() *Conn { return s.conn }

func (s *Session) IsGuest() bool     { return s.hasFlag(smb2.SessionFlagIsGuest) }
func (s *Session) IsAnonymous() bool { return s.hasFlag(smb2.SessionFlagIsNull) }

// Encrypted reports whether requests on the session are sealed.
func (s *Session) Encrypted() bool {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return s.shared.encrypt && s.shared.enc != nil
}

func (s *Session) hasFlag(f uint16) bool {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return s.shared.flags&f != 0
}

// Setup sends one authentication leg carrying blob. more reports whether the
// server wants another leg. After the last leg the caller hands the session
// key to SetSessionKey, or to SetChannelKey for a channel.
func (s *Session) Setup(ctx context.Context, blob []byte) (out []byte, more bool, err error) {
	neg, ok := s.conn.Negotiated()
	if !ok {
		return nil, false, ErrNotNegotiated
	}
	if neg.Dialect == protocol.DialectSMB1 {
		return s.setupSMB1(ctx, neg, blob)
	}
	return s.setupSMB2(ctx, neg, blob)
}

func (s *Session) setupSMB2(ctx context.Context, neg Negotiated, blob []byte) ([]byte, bool, error) {
	c := s.conn
	c.mu.Lock()
	binding := s.binding
	c.mu.Unlock()

	req := smb2.SessionSetupRequest{
		SecurityMode: uint8(c.securityMode()),
		Capabilities: c.cfg.Capabilities & smb2.CapDFS,
		SecurityBlob: blob,
	}
	if binding {
		req.Flags = smb2.SessionFlagBinding
	}
	calls, err := c.submitSMB2(s, submit2Opts{deferVerify: true, binding: binding}, &SMB2Request{
		Command: smb2.CommandSessionSetup,
		Body:    req.Encode(),
		Expect:  smb2.ExpectSessionSetup,
	})
	if err != nil {
		return nil, false, err
	}
	call := calls[0]
	if err := call.Wait(ctx); err != nil {
		s.forgetIfUnestablished()
		return nil, false, err
	}
	u := call.unit
	resp, err := smb2.DecodeSessionSetupResponse(u.Body)
	if err != nil {
		c.Disconnect(err)
		return nil, false, err
	}

	c.mu.Lock()
	if s.id != 0 && s.id != u.Header.SessionID {
		want := s.id
		c.mu.Unlock()
		err := protocol.Malformed("session setup reply for session 0x%x, expected 0x%x", u.Header.SessionID, want)
		c.Disconnect(err)
		return nil, false, err
	}
	defer c.mu.Unlock()
	if s.id == 0 {
		s.id = u.Header.SessionID
		c.sessions[s.id] = s
	}
	if neg.Dialect == protocol.DialectSMB311 {
		s.preauth.Update(call.sent)
	}
	if u.Header.Status == protocol.StatusMoreProcessingRequired {
		if neg.Dialect == protocol.DialectSMB311 {
			s.preauth.Update(u.Raw)
		}
		return resp.SecurityBlob, true, nil
	}
	if !binding {
		s.shared.mu.Lock()
		s.shared.flags = resp.SessionFlags
		s.shared.mu.Unlock()
	}
	s.final2 = &u
	s.setupDone = true
	return resp.SecurityBlob, false, nil
}

func (s *Session) setupSMB1(ctx context.Context, neg Negotiated, blob []byte) ([]byte, bool, error) {
	c := s.conn
	setup := smb1.SessionSetupRequest{
		MaxBufferSize: c.cfg.SMB1MaxBuffer,
		MaxMpxCount:   neg.MaxMpxCount,
		VCNumber:      1,
		SessionKey:    neg.SessionKey,
		Capabilities:  smb1.ClientCapabilities,
		SecurityBlob:  blob,
		NativeOS:      c.cfg.NativeOS,
		NativeLanMan:  c.cfg.NativeLanMan,
	}
	req, err := setup.Request()
	if err != nil {
		return nil, false, err
	}
	call, err := c.submitSMB1(s, nil, submit1Opts{}, SMB1Request{Request: req, Expect: smb1.ExpectSessionSetup()})
	if err != nil {
		return nil, false, err
	}
	if err := call.Wait(ctx); err != nil {
		s.forgetIfUnestablished()
		return nil, false, err
	}
	reply := call.Reply()
	if len(reply.Blocks) == 0 {
		err := protocol.Malformed("%s reply without a body", reply.Header.Command)
		c.Disconnect(err)
		return nil, false, err
	}
	resp, err := smb1.DecodeSessionSetupResponse(reply.Blocks[0])
	if err != nil {
		c.Disconnect(err)
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s.id == 0 {
		s.id = uint64(reply.Header.UID)
		c.sessions[s.id] = s
	}
	if reply.Header.Status == protocol.StatusMoreProcessingRequired {
		return resp.SecurityBlob, true, nil
	}
	if resp.Action&smb1.ActionGuest != 0 {
		s.shared.mu.Lock()
		s.shared.flags |= smb2.SessionFlagIsGuest
		s.shared.mu.Unlock()
	}
	if !call.signed {
		s.final1 = reply.PDU
	}
	s.setupDone = true
	return resp.SecurityBlob, false, nil
}

func (s *Session) forgetIfUnestablished() {
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if !s.established && s.id != 0 && c.sessions[s.id] == s {
		delete(c.sessions, s.id)
	}
}

// SetSessionKey completes setup with the key produced by authentication. It
// derives the signing, application and encryption keys and verifies the
// signature of the final setup response; a bad signature tears the
// connection down.
func (s *Session) SetSessionKey(key []byte) error {
	c := s.conn
	c.mu.Lock()
	err := s.setSessionKeyLocked(key)
	c.mu.Unlock()
	if protocol.IsFatal(err) {
		c.Disconnect(err)
	}
	return err
}

func (s *Session) setSessionKeyLocked(key []byte) error {
	c := s.conn
	switch {
	case s.parent != nil:
		return fmt.Errorf("client: channel keys are set with SetChannelKey")
	case s.established:
		return ErrAlreadyEstablished
	case !s.setupDone:
		return ErrSetupIncomplete
	}
	st := s.shared
	st.mu.Lock()
	defer st.mu.Unlock()
	d := c.neg.Dialect
	unsigned := st.flags&(smb2.SessionFlagIsGuest|smb2.SessionFlagIsNull) != 0

	if len(key) == 0 {
		if !unsigned {
			return signing.ErrNoSessionKey
		}
		s.established = true
		s.final1, s.final2 = nil, nil
		return nil
	}

	var preauth []byte
	if d == protocol.DialectSMB311 {
		preauth = s.preauth.Bytes()
	}
	keys, err := signing.DeriveKeys(d, key, preauth)
	if err != nil {
		return err
	}
	serverCanSign := d != protocol.DialectSMB1 || c.neg.SecurityMode&uint16(smb1.SecuritySignEnabled) != 0
	s.shouldSign = !unsigned && (c.signingRequired || (c.cfg.signingWanted() && serverCanSign))

	if d == protocol.DialectSMB1 {
		if err := s.activateSMB1Locked(keys.Signing); err != nil {
			return err
		}
	} else if err := s.verifyFinalLocked(d, keys.Signing); err != nil {
		return err
	}

	st.sessionKey = append([]byte(nil), key...)
	st.keys = keys
	if d.IsSMB3() && st.flags&smb2.SessionFlagEncryptData != 0 {
		if err := st.ensureCiphersLocked(c.neg.Cipher); err != nil {
			return err
		}
		st.encrypt = true
	}
	s.signKey = keys.Signing
	s.established = true
	s.final1, s.final2 = nil, nil
	c.log.Debug().
		Uint64("session", s.id).
		Bool("signing", s.shouldSign).
		Bool("encrypt", st.encrypt).
		Msg("session established")
	return nil
}

// verifyFinalLocked checks the final setup response with the new key. A 3.1.1
// final response is always signed; older dialects sign it when the session
// signs.
func (s *Session) verifyFinalLocked(d protocol.Dialect, key []byte) error {
	u := s.final2
	if u == nil {
		return ErrSetupIncomplete
	}
	if !u.Header.IsSigned() {
		if s.shouldSign || d == protocol.DialectSMB311 {
			return fmt.Errorf("%w: unsigned final session setup response", protocol.ErrSignatureInvalid)
		}
		return nil
	}
	return signing.VerifySMB2(d, key, u.Raw)
}

// activateSMB1Locked turns on connection signing with the first signing
// session key. The final setup reply carries sequence number 1.
func (s *Session) activateSMB1Locked(key []byte) error {
	c := s.conn
	if !s.shouldSign || c.smb1Signer.Active() {
		return nil
	}
	c.smb1Signer.Activate(key)
	if s.final1 == nil {
		return nil
	}
	return c.smb1Signer.Verify(s.final1, 1)
}

// ApplicationKey returns the key exported to applications such as RPC. It is
// never used for signing.
func (s *Session) ApplicationKey() ([]byte, error) {
	s.conn.mu.Lock()
	established := s.established
	s.conn.mu.Unlock()
	if !established {
		return nil, ErrNotEstablished
	}
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	if len(s.shared.keys.Application) == 0 {
		return nil, signing.ErrNoSessionKey
	}
	return append([]byte(nil), s.shared.keys.Application...), nil
}

// EnableEncryption seals every later request of the session and its
// channels, whatever the server asked for.
func (s *Session) EnableEncryption() error {
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.neg.Dialect.IsSMB3() {
		return fmt.Errorf("%w: encryption needs 3.x, have %s", ErrWrongDialect, c.neg.Dialect)
	}
	if !s.established {
		return ErrNotEstablished
	}
	st := s.shared
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.keys.Encryption) == 0 {
		return signing.ErrNoSessionKey
	}
	if err := st.ensureCiphersLocked(c.neg.Cipher); err != nil {
		return err
	}
	st.encrypt = true
	return nil
}

// Logoff ends the session on the server and forgets it locally, even when
// the server answers with an error.
func (s *Session) Logoff(ctx context.Context) error {
	c := s.conn
	neg, ok := c.Negotiated()
	if !ok {
		return ErrNotNegotiated
	}
	var err error
	if neg.Dialect == protocol.DialectSMB1 {
		_, err = c.DoSMB1(ctx, s, nil, SMB1Request{Request: smb1.LogoffRequest(), Expect: smb1.ExpectLogoff()})
	} else {
		_, err = c.DoSMB2(ctx, s, &SMB2Request{
			Command: smb2.CommandLogoff,
			Body:    smb2.SimpleBody(),
			Expect:  smb2.ExpectSimple,
		})
	}
	c.mu.Lock()
	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
	}
	s.established = false
	c.mu.Unlock()
	return err
}

func (s *Session) encryptsLocked(cmd smb2.Command, tree *Tree) bool {
	if cmd == smb2.CommandSessionSetup && !s.established {
		return false
	}
	st := s.shared
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.enc == nil {
		return false
	}
	return st.encrypt || (tree != nil && tree.encrypt)
}

// requestSigningKeyLocked returns the key outgoing requests are signed with,
// or nil. Binding legs are signed with the parent session's key.
func (s *Session) requestSigningKeyLocked(binding bool) []byte {
	if binding {
		return s.bindKey
	}
	return s.responseSigningKeyLocked()
}

func (s *Session) responseSigningKeyLocked() []byte {
	if !s.established || !s.shouldSign {
		return nil
	}
	return s.signKey
}

func (s *Session) encryptor() *signing.Cipher {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return s.shared.enc
}

func (s *Session) decryptor() *signing.Cipher {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return s.shared.dec
}
