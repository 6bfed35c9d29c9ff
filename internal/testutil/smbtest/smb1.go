package smbtest

import (
	"fmt"
	"slices"
	"time"

	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb1"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
	"github.com/danmuck/smbwire/internal/signing"
)

// Request1 is a received SMB1 request. Seq is the signing sequence number
// it was checked with, when signing is on.
type Request1 struct {
	Header smb1.Header
	Blocks []smb1.Block
	PDU    []byte
	Seq    uint32
}

// ReadSMB1 reads one SMB1 request and checks its signature once signing is
// active.
func (s *Server) ReadSMB1() (Request1, error) {
	pdu, err := s.ReadRaw()
	if err != nil {
		return Request1{}, err
	}
	hdr, blocks, err := smb1.ParseChain(pdu)
	if err != nil {
		return Request1{}, err
	}
	if hdr.IsReply() {
		return Request1{}, fmt.Errorf("%w: reply flag on %s", ErrUnexpected, hdr.Command)
	}
	req := Request1{Header: hdr, Blocks: blocks, PDU: pdu}
	if s.smb1Key != nil {
		req.Seq = s.smb1Seq
		s.smb1Seq += 2
		if hdr.Command == smb1.CommandNTCancel {
			s.smb1Seq--
		}
		if err := signing.VerifySMB1(s.smb1Key, pdu, req.Seq, nil); err != nil {
			return Request1{}, err
		}
	}
	return req, nil
}

// ReadSMB1Command reads one request and checks its first command.
func (s *Server) ReadSMB1Command(cmd smb1.Command) (Request1, error) {
	req, err := s.ReadSMB1()
	if err != nil {
		return Request1{}, err
	}
	if req.Header.Command != cmd {
		return Request1{}, fmt.Errorf("%w: want %s, got %s", ErrUnexpected, cmd, req.Header.Command)
	}
	return req, nil
}

// ActivateSMB1Signing starts checking and signing with key. The next request
// carries sequence number 2.
func (s *Server) ActivateSMB1Signing(key []byte) {
	s.smb1Key = append([]byte(nil), key...)
	s.smb1Seq = 2
}

// Reply1 builds the reply PDU for req.
func (s *Server) Reply1(req Request1, status protocol.Status, members ...*smb1.Request) ([]byte, error) {
	hdr := req.Header
	hdr.Flags |= smb1.FlagReply
	hdr.Status = status
	hdr.Signature = [smb1.SignatureSize]byte{}
	if len(members) == 0 {
		// Error replies carry no words and no bytes.
		pdu := make([]byte, smb1.HeaderSize+3)
		hdr.Encode(pdu)
		return pdu, nil
	}
	return smb1.NewChain(members...).Marshal(hdr)
}

// WriteSMB1 sends a reply to req, signed with the request's sequence number
// plus one when signing is active.
func (s *Server) WriteSMB1(req Request1, status protocol.Status, members ...*smb1.Request) error {
	pdu, err := s.Reply1(req, status, members...)
	if err != nil {
		return err
	}
	if s.smb1Key != nil {
		signer := signing.NewSMB1Signer(nil)
		signer.Activate(s.smb1Key)
		signer.Sign(pdu, req.Seq+1)
	}
	return s.WriteRaw(pdu)
}

// SMB1Options shapes the NT LM 0.12 negotiate reply.
type SMB1Options struct {
	SigningEnabled  bool
	SigningRequired bool
	MaxMpxCount     uint16
}

// NegotiateSMB1 answers SMBnegprot with NT LM 0.12 and returns the offered
// dialect strings.
func (s *Server) NegotiateSMB1(o SMB1Options) ([]string, error) {
	req, err := s.ReadSMB1Command(smb1.CommandNegotiate)
	if err != nil {
		return nil, err
	}
	dialects, err := smb1.DecodeNegotiateRequest(req.Blocks[0])
	if err != nil {
		return nil, err
	}
	idx := slices.Index(dialects, smb1.DialectNTLM012)
	if idx < 0 {
		return dialects, fmt.Errorf("%w: NT LM 0.12 not offered", ErrUnexpected)
	}
	var mode uint8 = smb1.SecurityUser | smb1.SecurityEncryptPasswords
	if o.SigningEnabled || o.SigningRequired {
		mode |= smb1.SecuritySignEnabled
	}
	if o.SigningRequired {
		mode |= smb1.SecuritySignRequired
	}
	resp := smb1.NegotiateResponse{
		DialectIndex:  uint16(idx),
		SecurityMode:  mode,
		MaxMpxCount:   max(o.MaxMpxCount, 1),
		MaxNumberVCs:  1,
		MaxBufferSize: 16644,
		MaxRawSize:    65536,
		Capabilities:  smb1.CapUnicode | smb1.CapNTSMBs | smb1.CapStatus32 | smb1.CapExtendedSecurity,
		SystemTime:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		ServerGUID:    [16]byte{1, 2, 3, 4},
	}
	s.Dialect = protocol.DialectSMB1
	return dialects, s.WriteSMB1(req, protocol.StatusSuccess, resp.Request())
}

// NegotiateSMB1Wildcard answers SMBnegprot with an SMB2 NEGOTIATE response
// carrying the 2.??? wildcard, then serves the follow-up SMB2 negotiate.
func (s *Server) NegotiateSMB1Wildcard(o NegotiateOptions) (smb2.NegotiateRequest, error) {
	req, err := s.ReadSMB1Command(smb1.CommandNegotiate)
	if err != nil {
		return smb2.NegotiateRequest{}, err
	}
	dialects, err := smb1.DecodeNegotiateRequest(req.Blocks[0])
	if err != nil {
		return smb2.NegotiateRequest{}, err
	}
	if !slices.Contains(dialects, smb1.DialectSMB2Wild) {
		return smb2.NegotiateRequest{}, fmt.Errorf("%w: wildcard not offered in %q", ErrUnexpected, dialects)
	}
	h := smb2.Header{
		Command: smb2.CommandNegotiate,
		Flags:   smb2.FlagServerToRedir,
		Credits: 1,
	}
	body := smb2.EncodeNegotiateResponse(o.response(protocol.DialectWildcard))
	wire, _ := smb2.NewCompound(&smb2.Request{Header: h, Body: body}).Marshal()
	if err := s.WriteRaw(wire); err != nil {
		return smb2.NegotiateRequest{}, err
	}
	return s.NegotiateSMB2(o)
}

// SMB1SessionOptions shapes an accepted SMB1 session.
type SMB1SessionOptions struct {
	UID   uint16
	Legs  int
	Guest bool
	Key   []byte
	// Sign signs the final reply with sequence number 1 and turns signing
	// on for the connection.
	Sign bool
}

// AcceptSMB1Session answers o.Legs SMBsesssetupX legs.
func (s *Server) AcceptSMB1Session(o SMB1SessionOptions) error {
	legs := max(o.Legs, 1)
	for leg := 1; leg <= legs; leg++ {
		req, err := s.ReadSMB1Command(smb1.CommandSessionSetupAndX)
		if err != nil {
			return err
		}
		if _, err := smb1.DecodeSessionSetupRequest(req.Blocks[0]); err != nil {
			return err
		}
		req.Header.UID = o.UID
		if leg < legs {
			resp := smb1.SessionSetupResponse{SecurityBlob: []byte(fmt.Sprintf("leg-%d", leg))}
			if err := s.WriteSMB1(req, protocol.StatusMoreProcessingRequired, resp.Request()); err != nil {
				return err
			}
			continue
		}
		resp := smb1.SessionSetupResponse{}
		if o.Guest {
			resp.Action = smb1.ActionGuest
		}
		if s.smb1Key != nil || !o.Sign {
			if err := s.WriteSMB1(req, protocol.StatusSuccess, resp.Request()); err != nil {
				return err
			}
			continue
		}
		pdu, err := s.Reply1(req, protocol.StatusSuccess, resp.Request())
		if err != nil {
			return err
		}
		signer := signing.NewSMB1Signer(nil)
		signer.Activate(o.Key)
		signer.Sign(pdu, 1)
		if err := s.WriteRaw(pdu); err != nil {
			return err
		}
		s.ActivateSMB1Signing(o.Key)
	}
	return nil
}
