package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"slices"

	"github.com/danmuck/smbwire/internal/pending"
	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb1"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
)

// Negotiate selects a dialect in [min, max]. It must be the first request on
// the connection and any failure tears the connection down.
func (c *Conn) Negotiate(ctx context.Context, min, max protocol.Dialect) (Negotiated, error) {
	rng := protocol.Range{Min: min, Max: max}
	if err := rng.Validate(); err != nil {
		return Negotiated{}, err
	}
	c.mu.Lock()
	if err := c.checkUsableLocked(); err != nil {
		c.mu.Unlock()
		return Negotiated{}, err
	}
	if c.negotiated || c.tab != nil {
		c.mu.Unlock()
		return Negotiated{}, ErrAlreadyNegotiated
	}
	if rng.IncludesSMB1() {
		c.tab = pending.NewSequenceTable[*Call](1)
	} else {
		c.tab = pending.NewMessageTable[*Call](0, 1)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.NegotiateTimeout)
	defer cancel()

	var err error
	if rng.IncludesSMB1() {
		err = c.negotiateSMB1(ctx, rng)
	} else {
		err = c.negotiateSMB2(ctx, rng)
	}
	if err != nil {
		c.Disconnect(fmt.Errorf("negotiate: %w", err))
		return Negotiated{}, err
	}
	neg, _ := c.Negotiated()
	c.log.Info().
		Str("dialect", neg.Dialect.String()).
		Bool("signing_required", neg.SigningRequired).
		Uint32("capabilities", neg.Capabilities).
		Msg("negotiated")
	return neg, nil
}

func smb1DialectsFor(rng protocol.Range) []string {
	out := []string{smb1.DialectNTLM012}
	if rng.Max >= protocol.DialectSMB202 {
		out = append(out, smb1.DialectSMB2002)
	}
	if rng.Max > protocol.DialectSMB202 {
		out = append(out, smb1.DialectSMB2Wild)
	}
	return out
}

func (c *Conn) negotiateSMB1(ctx context.Context, rng protocol.Range) error {
	offered := smb1DialectsFor(rng)
	call, err := c.submitSMB1(nil, nil, submit1Opts{negotiate: true, timeout: c.cfg.NegotiateTimeout},
		SMB1Request{Request: smb1.EncodeNegotiate(offered), Expect: smb1.ExpectNegotiate()})
	if err != nil {
		return err
	}
	if err := call.Wait(ctx); err != nil {
		return err
	}

	if call.smb2Reply {
		u := call.unit
		resp, err := smb2.DecodeNegotiateResponse(u.Body)
		if err != nil {
			return err
		}
		credits := uint32(max(u.Header.Credits, 1))
		c.mu.Lock()
		c.tab = pending.NewMessageTable[*Call](1, credits)
		c.mu.Unlock()
		if resp.Dialect == protocol.DialectWildcard {
			return c.negotiateSMB2(ctx, rng)
		}
		if resp.Dialect != protocol.DialectSMB202 || !rng.Contains(resp.Dialect) {
			return fmt.Errorf("%w: server chose %s for offer %s", protocol.ErrProtocolMismatch, resp.Dialect, rng)
		}
		return c.applySMB2Negotiate(resp)
	}

	blocks := call.Reply().Blocks
	resp, err := smb1.DecodeNegotiateResponse(blocks[0])
	if err != nil {
		return err
	}
	if resp.DialectIndex == smb1.NoDialect {
		return fmt.Errorf("%w: server accepted none of %q", protocol.ErrProtocolMismatch, offered)
	}
	if int(resp.DialectIndex) >= len(offered) || offered[resp.DialectIndex] != smb1.DialectNTLM012 {
		return fmt.Errorf("%w: smb1 reply selected dialect index %d", protocol.ErrProtocolMismatch, resp.DialectIndex)
	}
	if blocks[0].WordCount() == 1 {
		return protocol.Malformed("short negprot reply for %s", smb1.DialectNTLM012)
	}
	return c.applySMB1Negotiate(resp)
}

func (c *Conn) applySMB1Negotiate(resp smb1.NegotiateResponse) error {
	serverEnabled := resp.SecurityMode&smb1.SecuritySignEnabled != 0
	serverRequired := resp.SecurityMode&smb1.SecuritySignRequired != 0
	required, err := c.signingDecision(serverEnabled, serverRequired)
	if err != nil {
		return err
	}
	mpx := max(resp.MaxMpxCount, 1)
	neg := Negotiated{
		Dialect:         protocol.DialectSMB1,
		SecurityMode:    uint16(resp.SecurityMode),
		SigningRequired: required,
		Capabilities:    resp.Capabilities,
		MaxTransactSize: resp.MaxBufferSize,
		MaxReadSize:     resp.MaxBufferSize,
		MaxWriteSize:    resp.MaxBufferSize,
		ServerTime:      resp.SystemTime,
		ServerGUID:      resp.ServerGUID,
		SecurityBlob:    resp.SecurityBlob,
		MaxMpxCount:     mpx,
		MaxBufferSize:   resp.MaxBufferSize,
		SessionKey:      resp.SessionKey,
		Challenge:       resp.Challenge,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tab.SetMaxOutstanding(int(mpx))
	c.neg = neg
	c.signingRequired = required
	c.negotiated = true
	return nil
}

func (c *Conn) negotiateSMB2(ctx context.Context, rng protocol.Range) error {
	dialects := rng.SMB2()
	if len(dialects) == 0 {
		return fmt.Errorf("%w: no smb2 dialect in %s", protocol.ErrProtocolMismatch, rng)
	}
	req := smb2.NegotiateRequest{
		Dialects:     dialects,
		SecurityMode: c.securityMode(),
	}
	if rng.Max >= protocol.DialectSMB300 {
		req.Capabilities = c.cfg.Capabilities
	}
	if rng.Max >= protocol.DialectSMB210 {
		req.ClientGUID = c.cfg.ClientGUID
	}
	if slices.Contains(dialects, protocol.DialectSMB311) {
		req.PreauthSalt = make([]byte, 32)
		if _, err := rand.Read(req.PreauthSalt); err != nil {
			return fmt.Errorf("preauth salt: %w", err)
		}
		req.Ciphers = c.cfg.Ciphers
	}

	calls, err := c.submitSMB2(nil, submit2Opts{negotiate: true}, &SMB2Request{
		Command: smb2.CommandNegotiate,
		Body:    req.Encode(),
		Expect:  smb2.ExpectNegotiate,
		Timeout: c.cfg.NegotiateTimeout,
	})
	if err != nil {
		return err
	}
	call := calls[0]
	if err := call.Wait(ctx); err != nil {
		return err
	}
	resp, err := smb2.DecodeNegotiateResponse(call.unit.Body)
	if err != nil {
		return err
	}
	if !slices.Contains(dialects, resp.Dialect) {
		return fmt.Errorf("%w: server chose %s for offer %s", protocol.ErrProtocolMismatch, resp.Dialect, rng)
	}
	if resp.Dialect == protocol.DialectSMB311 {
		if resp.Cipher != 0 && !slices.Contains(req.Ciphers, resp.Cipher) {
			return protocol.Malformed("server chose unoffered cipher 0x%04x", resp.Cipher)
		}
		c.mu.Lock()
		c.preauth.Update(call.sent)
		c.preauth.Update(call.unit.Raw)
		c.mu.Unlock()
	}
	return c.applySMB2Negotiate(resp)
}

func (c *Conn) applySMB2Negotiate(resp smb2.NegotiateResponse) error {
	serverRequired := resp.SecurityMode&smb2.NegotiateSigningRequired != 0
	// Every SMB2 server can sign; the enabled bit is informational.
	required, err := c.signingDecision(true, serverRequired)
	if err != nil {
		return err
	}
	cipher := resp.Cipher
	if cipher == 0 && (resp.Dialect == protocol.DialectSMB300 || resp.Dialect == protocol.DialectSMB302) &&
		resp.Capabilities&smb2.CapEncryption != 0 {
		cipher = smb2.CipherAES128CCM
	}
	neg := Negotiated{
		Dialect:         resp.Dialect,
		SecurityMode:    resp.SecurityMode,
		SigningRequired: required,
		Capabilities:    resp.Capabilities,
		MaxTransactSize: resp.MaxTransactSize,
		MaxReadSize:     resp.MaxReadSize,
		MaxWriteSize:    resp.MaxWriteSize,
		ServerTime:      resp.SystemTime,
		ServerStartTime: resp.ServerStartTime,
		ServerGUID:      resp.ServerGUID,
		SecurityBlob:    resp.SecurityBlob,
		Cipher:          cipher,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.neg = neg
	c.signingRequired = required
	c.negotiated = true
	return nil
}

// signingDecision combines the local policy with the server's security mode.
// The result is whether every session on the connection must sign.
func (c *Conn) signingDecision(serverEnabled, serverRequired bool) (bool, error) {
	switch {
	case serverRequired && !c.cfg.signingEnabled():
		return false, fmt.Errorf("%w: server requires signing, policy is %s", protocol.ErrProtocolMismatch, c.cfg.Signing)
	case c.cfg.signingMandatory() && !serverEnabled:
		return false, fmt.Errorf("%w: signing required but server cannot sign", protocol.ErrProtocolMismatch)
	}
	return serverRequired || c.cfg.signingMandatory(), nil
}

func (c *Conn) securityMode() uint16 {
	var mode uint16
	if c.cfg.signingEnabled() {
		mode |= smb2.NegotiateSigningEnabled
	}
	if c.cfg.signingMandatory() {
		mode |= smb2.NegotiateSigningRequired
	}
	return mode
}
