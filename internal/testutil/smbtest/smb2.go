package smbtest

import (
	"fmt"
	"slices"
	"time"

	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
	"github.com/danmuck/smbwire/internal/signing"
)

// Request is one unit of an SMB2 request as received.
type Request struct {
	Header    smb2.Header
	Body      []byte
	Raw       []byte
	Encrypted bool
}

// Response is one unit of an SMB2 reply.
type Response struct {
	Header smb2.Header
	Body   []byte
	// NoSign skips signing even when the session signs.
	NoSign bool
}

// ReplyTo builds a final response for req granting the credits it was
// charged.
func ReplyTo(req Request, status protocol.Status, body []byte) Response {
	h := req.Header
	h.Flags = smb2.FlagServerToRedir
	h.Status = status
	h.NextCommand = 0
	h.Signature = [smb2.SignatureSize]byte{}
	h.Credits = max(req.Header.CreditCharge, 1)
	if body == nil {
		body = smb2.ErrorBody()
	}
	return Response{Header: h, Body: body}
}

// Interim builds the async STATUS_PENDING reply for req.
func Interim(req Request, asyncID uint64) Response {
	r := ReplyTo(req, protocol.StatusPending, smb2.ErrorBody())
	r.Header.Flags |= smb2.FlagAsyncCommand
	r.Header.AsyncID = asyncID
	r.Header.Credits = 0
	return r
}

// ReadSMB2 reads one compound, decrypting it and checking request signatures
// for sessions that sign.
func (s *Server) ReadSMB2() ([]Request, error) {
	pdu, err := s.ReadRaw()
	if err != nil {
		return nil, err
	}
	encrypted := false
	if smb2.IsTransform(pdu) {
		th, err := smb2.DecodeTransformHeader(pdu)
		if err != nil {
			return nil, err
		}
		sess := s.Session(th.SessionID)
		if sess == nil || sess.dec == nil {
			return nil, fmt.Errorf("smbtest: encrypted request for unknown session 0x%x", th.SessionID)
		}
		if pdu, err = sess.dec.Open(pdu); err != nil {
			return nil, err
		}
		encrypted = true
	}
	units, err := smb2.SplitCompound(pdu)
	if err != nil {
		return nil, err
	}
	reqs := make([]Request, len(units))
	for i, u := range units {
		if u.Header.IsResponse() {
			return nil, fmt.Errorf("%w: response flag on %s", ErrUnexpected, u.Header.Command)
		}
		if !encrypted {
			if err := s.verifyRequest(u); err != nil {
				return nil, err
			}
		}
		reqs[i] = Request{Header: u.Header, Body: u.Body, Raw: u.Raw, Encrypted: encrypted}
	}
	return reqs, nil
}

// ReadOne reads a single non-compounded request for cmd.
func (s *Server) ReadOne(cmd smb2.Command) (Request, error) {
	reqs, err := s.ReadSMB2()
	if err != nil {
		return Request{}, err
	}
	if len(reqs) != 1 || reqs[0].Header.Command != cmd {
		return Request{}, fmt.Errorf("%w: want one %s, got %d units starting with %s", ErrUnexpected, cmd, len(reqs), reqs[0].Header.Command)
	}
	return reqs[0], nil
}

func (s *Server) verifyRequest(u smb2.Unit) error {
	sess := s.Session(u.Header.SessionID)
	if sess == nil || !sess.Sign || sess.SignKey == nil {
		return nil
	}
	if u.Header.Command == smb2.CommandCancel && !u.Header.IsSigned() {
		return nil
	}
	if !u.Header.IsSigned() {
		return fmt.Errorf("smbtest: unsigned %s on signing session 0x%x", u.Header.Command, sess.ID)
	}
	return signing.VerifySMB2(s.Dialect, sess.SignKey, u.Raw)
}

// Marshal lays out resps as one compound and signs every unit whose session
// signs. The returned wire is not sealed.
func (s *Server) Marshal(resps ...Response) ([]byte, error) {
	members := make([]*smb2.Request, len(resps))
	for i, r := range resps {
		members[i] = &smb2.Request{Header: r.Header, Body: r.Body}
	}
	wire, units := smb2.NewCompound(members...).Marshal()
	for i, r := range resps {
		sess := s.Session(r.Header.SessionID)
		if r.NoSign || sess == nil || !sess.Sign || sess.SignKey == nil || sess.Seal {
			continue
		}
		if err := signing.SignSMB2(s.Dialect, sess.SignKey, units[i]); err != nil {
			return nil, err
		}
	}
	return wire, nil
}

// Wire lays out resps like Marshal and seals the result when the first
// unit's session seals.
func (s *Server) Wire(resps ...Response) ([]byte, error) {
	wire, err := s.Marshal(resps...)
	if err != nil {
		return nil, err
	}
	if sess := s.Session(resps[0].Header.SessionID); sess != nil && sess.Seal {
		return sess.enc.Seal(sess.ID, wire)
	}
	return wire, nil
}

// WriteSMB2 sends resps as one compound.
func (s *Server) WriteSMB2(resps ...Response) error {
	wire, err := s.Wire(resps...)
	if err != nil {
		return err
	}
	return s.WriteRaw(wire)
}

// NegotiateOptions shapes the NEGOTIATE response.
type NegotiateOptions struct {
	Dialect         protocol.Dialect
	SigningRequired bool
	Capabilities    uint32
	Cipher          uint16
	Credits         uint16
	ServerGUID      [16]byte
}

func (o NegotiateOptions) response(d protocol.Dialect) smb2.NegotiateResponse {
	mode := smb2.NegotiateSigningEnabled
	if o.SigningRequired {
		mode |= smb2.NegotiateSigningRequired
	}
	resp := smb2.NegotiateResponse{
		SecurityMode:    mode,
		Dialect:         d,
		ServerGUID:      o.ServerGUID,
		Capabilities:    o.Capabilities,
		MaxTransactSize: 1 << 20,
		MaxReadSize:     1 << 20,
		MaxWriteSize:    1 << 20,
		SystemTime:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if d == protocol.DialectSMB311 {
		resp.PreauthHashID = smb2.HashAlgorithmSHA512
		resp.Cipher = o.Cipher
	}
	return resp
}

// NegotiateSMB2 answers an SMB2 NEGOTIATE with o.Dialect, which must be in
// the client's offer. It returns the decoded request.
func (s *Server) NegotiateSMB2(o NegotiateOptions) (smb2.NegotiateRequest, error) {
	req, err := s.ReadOne(smb2.CommandNegotiate)
	if err != nil {
		return smb2.NegotiateRequest{}, err
	}
	neg, err := smb2.DecodeNegotiateRequest(req.Body)
	if err != nil {
		return smb2.NegotiateRequest{}, err
	}
	if !slices.Contains(neg.Dialects, o.Dialect) {
		return neg, fmt.Errorf("%w: %s not offered in %v", ErrUnexpected, o.Dialect, neg.Dialects)
	}
	s.Dialect = o.Dialect
	s.Cipher = o.Cipher
	resp := ReplyTo(req, protocol.StatusSuccess, smb2.EncodeNegotiateResponse(o.response(o.Dialect)))
	resp.Header.Credits = max(o.Credits, 1)
	wire, err := s.Marshal(resp)
	if err != nil {
		return neg, err
	}
	if o.Dialect == protocol.DialectSMB311 {
		s.Preauth.Update(req.Raw)
		s.Preauth.Update(wire)
	}
	return neg, s.WriteRaw(wire)
}

// SessionOptions shapes an accepted session.
type SessionOptions struct {
	ID    uint64
	Legs  int
	Flags uint16
	Key   []byte
	// Sign makes the server sign the final response and every later
	// response of the session.
	Sign bool
}

// AcceptSession answers o.Legs session setup legs, the last one with
// success, and registers the session with keys derived from o.Key.
func (s *Server) AcceptSession(o SessionOptions) (*Session, error) {
	sess := &Session{ID: o.ID, Sign: o.Sign, Preauth: s.Preauth}
	legs := max(o.Legs, 1)
	for leg := 1; leg <= legs; leg++ {
		req, err := s.ReadOne(smb2.CommandSessionSetup)
		if err != nil {
			return nil, err
		}
		if leg > 1 && req.Header.SessionID != o.ID {
			return nil, fmt.Errorf("%w: leg %d for session 0x%x", ErrUnexpected, leg, req.Header.SessionID)
		}
		if s.Dialect == protocol.DialectSMB311 {
			sess.Preauth.Update(req.Raw)
		}
		resp := ReplyTo(req, protocol.StatusMoreProcessingRequired, nil)
		resp.Header.SessionID = o.ID
		if leg < legs {
			resp.Body = smb2.EncodeSessionSetupResponse(smb2.SessionSetupResponse{SecurityBlob: []byte(fmt.Sprintf("leg-%d", leg))})
			wire, err := s.Marshal(resp)
			if err != nil {
				return nil, err
			}
			if s.Dialect == protocol.DialectSMB311 {
				sess.Preauth.Update(wire)
			}
			if err := s.WriteRaw(wire); err != nil {
				return nil, err
			}
			continue
		}

		resp.Header.Status = protocol.StatusSuccess
		resp.Body = smb2.EncodeSessionSetupResponse(smb2.SessionSetupResponse{SessionFlags: o.Flags})
		if len(o.Key) > 0 {
			var preauth []byte
			if s.Dialect == protocol.DialectSMB311 {
				preauth = sess.Preauth.Bytes()
			}
			keys, err := signing.DeriveKeys(s.Dialect, o.Key, preauth)
			if err != nil {
				return nil, err
			}
			sess.Keys = keys
			sess.SignKey = keys.Signing
		}
		wire, _ := smb2.NewCompound(&smb2.Request{Header: resp.Header, Body: resp.Body}).Marshal()
		if sess.SignKey != nil && (o.Sign || s.Dialect == protocol.DialectSMB311) {
			if err := signing.SignSMB2(s.Dialect, sess.SignKey, wire); err != nil {
				return nil, err
			}
		}
		if o.Flags&smb2.SessionFlagEncryptData != 0 {
			if err := sess.EnableCiphers(s.Cipher); err != nil {
				return nil, err
			}
		}
		if err := s.WriteRaw(wire); err != nil {
			return nil, err
		}
		s.AddSession(sess)
		if o.Flags&smb2.SessionFlagEncryptData != 0 {
			sess.Seal = true
		}
	}
	return sess, nil
}

// AcceptBinding answers the legs of a channel bind for parent, a session of
// another Server, and registers the channel with a signing key derived from
// channelKey.
func (s *Server) AcceptBinding(parent *Session, legs int, channelKey []byte) (*Session, error) {
	ch := &Session{
		ID:      parent.ID,
		Keys:    parent.Keys,
		SignKey: parent.Keys.Signing,
		Sign:    true,
		Preauth: s.Preauth,
		enc:     parent.enc,
		dec:     parent.dec,
	}
	s.AddSession(ch)
	legs = max(legs, 1)
	for leg := 1; leg <= legs; leg++ {
		req, err := s.ReadOne(smb2.CommandSessionSetup)
		if err != nil {
			return nil, err
		}
		setup, err := smb2.DecodeSessionSetupRequest(req.Body)
		if err != nil {
			return nil, err
		}
		if setup.Flags&smb2.SessionFlagBinding == 0 || req.Header.SessionID != parent.ID {
			return nil, fmt.Errorf("%w: not a binding request", ErrUnexpected)
		}
		if s.Dialect == protocol.DialectSMB311 {
			ch.Preauth.Update(req.Raw)
		}
		resp := ReplyTo(req, protocol.StatusMoreProcessingRequired, smb2.EncodeSessionSetupResponse(smb2.SessionSetupResponse{}))
		resp.NoSign = true
		if leg < legs {
			wire, err := s.Marshal(resp)
			if err != nil {
				return nil, err
			}
			if s.Dialect == protocol.DialectSMB311 {
				ch.Preauth.Update(wire)
			}
			if err := s.WriteRaw(wire); err != nil {
				return nil, err
			}
			continue
		}
		var preauth []byte
		if s.Dialect == protocol.DialectSMB311 {
			preauth = ch.Preauth.Bytes()
		}
		key, err := signing.DeriveChannelKey(s.Dialect, channelKey, preauth)
		if err != nil {
			return nil, err
		}
		ch.SignKey = key
		resp.Header.Status = protocol.StatusSuccess
		resp.NoSign = false
		if err := s.WriteSMB2(resp); err != nil {
			return nil, err
		}
		ch.Seal = parent.Seal
	}
	return ch, nil
}
