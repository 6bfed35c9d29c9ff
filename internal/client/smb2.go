package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
	"github.com/danmuck/smbwire/internal/signing"
)

// oplockBreakMessageID marks unsolicited server notifications.
const oplockBreakMessageID = 0xFFFFFFFFFFFFFFFF

// SMB2Request is one member of an SMB2 submission.
type SMB2Request struct {
	Command smb2.Command
	Body    []byte
	Tree    *Tree
	Flags   uint32
	Expect  []smb2.Expected
	// Related marks a compound member that operates on the previous
	// member's result.
	Related bool
	// PayloadSize is the larger of the request payload and the largest
	// response payload; with large MTU it sets the credit charge.
	PayloadSize int
	NotifyAsync bool
	Timeout     time.Duration
}

type submit2Opts struct {
	negotiate   bool
	deferVerify bool
	binding     bool
}

// SubmitSMB2 sends reqs as one compound and returns one Call per member.
// Reservation is all-or-nothing: on ErrCreditExhausted nothing was sent.
func (c *Conn) SubmitSMB2(sess *Session, reqs ...*SMB2Request) ([]*Call, error) {
	return c.submitSMB2(sess, submit2Opts{}, reqs...)
}

// DoSMB2 submits a single request and waits for it.
func (c *Conn) DoSMB2(ctx context.Context, sess *Session, req *SMB2Request) (smb2.Unit, error) {
	calls, err := c.SubmitSMB2(sess, req)
	if err != nil {
		return smb2.Unit{}, err
	}
	err = calls[0].Wait(ctx)
	return calls[0].Unit(), err
}

func (c *Conn) submitSMB2(sess *Session, opts submit2Opts, reqs ...*SMB2Request) ([]*Call, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("client: empty submission")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkUsableLocked(); err != nil {
		return nil, err
	}
	if !opts.negotiate {
		if !c.negotiated {
			return nil, ErrNotNegotiated
		}
		if !c.neg.Dialect.IsSMB2() {
			return nil, fmt.Errorf("%w: %s", ErrWrongDialect, c.neg.Dialect)
		}
	}
	if sess != nil && sess.conn != c {
		return nil, fmt.Errorf("client: session belongs to another connection")
	}

	largeMTU := c.neg.Dialect != protocol.DialectSMB202 && c.neg.Capabilities&smb2.CapLargeMTU != 0
	charges := make([]uint16, len(reqs))
	calls := make([]*Call, len(reqs))
	for i, req := range reqs {
		charges[i] = 1
		if largeMTU {
			charges[i] = smb2.CreditChargeFor(req.PayloadSize)
		}
		calls[i] = newCall(c, sess, req.Command.String(), req.Timeout, req.NotifyAsync)
		calls[i].expect2 = req.Expect
		calls[i].deferVerify = opts.deferVerify
	}
	entries, err := c.tab.ReserveMessages(charges, calls)
	if err != nil {
		return nil, err
	}

	encrypt := false
	if sess != nil && !opts.negotiate {
		encrypt = sess.encryptsLocked(reqs[0].Command, reqs[0].Tree)
	}
	signKey := []byte(nil)
	if sess != nil && !encrypt {
		signKey = sess.requestSigningKeyLocked(opts.binding)
	}

	wantCredits := c.creditRequestLocked(charges)
	members := make([]*smb2.Request, len(reqs))
	for i, req := range reqs {
		e := entries[i]
		h := smb2.Header{
			Command:   req.Command,
			MessageID: e.ID,
			ProcessID: c.cfg.ProcessID,
			Flags:     req.Flags,
			Credits:   charges[i],
		}
		if i == 0 {
			h.Credits = wantCredits
		}
		if c.neg.Dialect != protocol.DialectSMB202 && c.negotiated {
			h.CreditCharge = e.Charge
		}
		if sess != nil {
			h.SessionID = sess.id
		}
		if req.Tree != nil {
			h.TreeID = req.Tree.id
		}
		if req.Related && i > 0 {
			h.Flags |= smb2.FlagRelatedOps
		}
		members[i] = &smb2.Request{Header: h, Body: req.Body}
		calls[i].entry = e
		calls[i].encrypted = encrypt
		if !encrypt && sess != nil && !opts.deferVerify {
			calls[i].signKey = sess.responseSigningKeyLocked()
		}
	}

	wire, units := smb2.NewCompound(members...).Marshal()
	for i, unit := range units {
		if signKey != nil {
			if err := signing.SignSMB2(c.neg.Dialect, signKey, unit); err != nil {
				c.rollbackLocked(calls, err)
				return nil, err
			}
		}
		calls[i].sent = append([]byte(nil), unit...)
	}
	if encrypt {
		wire, err = sess.encryptor().Seal(sess.id, wire)
		if err != nil {
			c.rollbackLocked(calls, err)
			return nil, err
		}
	}

	job := &writeJob{wire: wire, calls: calls}
	for _, call := range calls {
		call.job = job
	}
	c.enqueueLocked(job)
	c.recordStateLocked()
	return calls, nil
}

func (c *Conn) rollbackLocked(calls []*Call, err error) {
	for i := len(calls) - 1; i >= 0; i-- {
		_ = c.tab.Cancel(calls[i].entry.ID, err)
	}
}

// creditRequestLocked asks for enough credits to cover charges and refill
// the budget up to the configured ceiling.
func (c *Conn) creditRequestLocked(charges []uint16) uint16 {
	var inflight uint32
	for _, id := range c.tab.IDs() {
		if e, ok := c.tab.Lookup(id); ok && !e.Abandoned() {
			inflight += uint32(e.Charge)
		}
	}
	want := uint32(charges[0])
	have := c.tab.Credits() + inflight
	if uint32(c.maxCredits) > have {
		want += uint32(c.maxCredits) - have
	}
	return uint16(min(want, 0xFFFF))
}

// newestJobLocked reports whether job holds the highest message ids handed
// out, so dropping it leaves no hole in the sequence.
func (c *Conn) newestJobLocked(job *writeJob) bool {
	last := job.calls[len(job.calls)-1].entry
	return last.ID+uint64(last.Charge) == c.tab.NextID()
}

// fillJobLocked rewrites a queued compound as ECHO requests on the same
// message ids and charges. Its entries are abandoned and stay charged until
// the echoes are answered.
func (c *Conn) fillJobLocked(job *writeJob, reason error) {
	members := make([]*smb2.Request, len(job.calls))
	for i, call := range job.calls {
		e := call.entry
		h := smb2.Header{
			Command:   smb2.CommandEcho,
			MessageID: e.ID,
			ProcessID: c.cfg.ProcessID,
			Credits:   e.Charge,
		}
		if c.neg.Dialect != protocol.DialectSMB202 {
			h.CreditCharge = e.Charge
		}
		members[i] = &smb2.Request{Header: h, Body: smb2.SimpleBody()}
		call.expect2 = smb2.ExpectSimple
		call.signKey = nil
		call.encrypted = false
		if err := c.tab.Abandon(e.ID, reason); err == nil {
			call.record(c.neg.Dialect, reason)
		}
	}
	job.wire, _ = smb2.NewCompound(members...).Marshal()
	c.log.Debug().Uint64("message_id", job.calls[0].entry.ID).Int("members", len(members)).Msg("queued compound sent as echo")
}

// sendCancelLocked asks the server to stop working on an abandoned request.
// CANCEL consumes neither a MessageId nor credits and gets no response.
func (c *Conn) sendCancelLocked(call *Call) {
	h := smb2.Header{
		Command:   smb2.CommandCancel,
		MessageID: call.entry.ID,
		ProcessID: c.cfg.ProcessID,
	}
	if call.asyncID != 0 {
		h.Flags |= smb2.FlagAsyncCommand
		h.AsyncID = call.asyncID
	}
	sess := call.session
	if sess != nil {
		h.SessionID = sess.id
	}
	wire, units := smb2.NewCompound(&smb2.Request{Header: h, Body: smb2.SimpleBody()}).Marshal()
	switch {
	case call.encrypted:
		sealed, err := sess.encryptor().Seal(sess.id, wire)
		if err != nil {
			c.log.Warn().Err(err).Msg("cancel not sent")
			return
		}
		wire = sealed
	case sess != nil:
		if key := sess.requestSigningKeyLocked(false); key != nil {
			if err := signing.SignSMB2(c.neg.Dialect, key, units[0]); err != nil {
				c.log.Warn().Err(err).Msg("cancel not sent")
				return
			}
		}
	}
	c.enqueueLocked(&writeJob{wire: wire})
}

// dispatchSMB2 correlates every unit of a response with its pending entry.
// encryptedFor is the session id of the transform envelope, or 0.
func (c *Conn) dispatchSMB2(pdu []byte, encryptedFor uint64) error {
	units, err := smb2.SplitCompound(pdu)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.recordStateLocked()
	if c.tab == nil {
		return protocol.Malformed("response before any request")
	}
	if c.tab.IsSequence() {
		if c.negotiated {
			return fmt.Errorf("%w: smb2 reply on an smb1 connection", protocol.ErrProtocolMismatch)
		}
		return c.dispatchNegprotReplyLocked(units)
	}

	var fatal error
	for _, u := range units {
		h := u.Header
		if !h.IsResponse() {
			return protocol.Malformed("%s without response flag", h.Command)
		}
		c.tab.Grant(h.Credits)
		e, ok := c.tab.Lookup(h.MessageID)
		if !ok {
			if h.MessageID == oplockBreakMessageID {
				c.log.Debug().Str("command", h.Command.String()).Msg("unsolicited break ignored")
				continue
			}
			return protocol.Malformed("%s for unknown message id %d", h.Command, h.MessageID)
		}
		call := e.Payload
		if h.IsInterim() {
			call.markInterimLocked(h.AsyncID)
			continue
		}
		if call.encrypted && encryptedFor == 0 {
			return fmt.Errorf("%w: %s answered in clear on an encrypted session", protocol.ErrDecryptionFailed, h.Command)
		}
		if err := call.verifyLocked(c.neg.Dialect, u, encryptedFor != 0); err != nil {
			return err
		}
		rerr := smb2.CheckResponse(u, call.expect2)
		// Frame payloads are never reused, so the unit can be kept as is.
		call.unit = u
		c.resolveLocked(e, rerr)
		if errors.Is(rerr, protocol.ErrMalformedResponse) && fatal == nil {
			fatal = rerr
		}
	}
	return fatal
}

// verifyLocked checks the signature of a final response.
func (call *Call) verifyLocked(d protocol.Dialect, u smb2.Unit, encrypted bool) error {
	if encrypted || call.deferVerify || call.signKey == nil {
		return nil
	}
	if !u.Header.IsSigned() {
		switch u.Header.Status {
		case protocol.StatusUserSessionDeleted, protocol.StatusNetworkSessionExpired:
			return nil
		}
		return fmt.Errorf("%w: unsigned %s response mid %d", protocol.ErrSignatureInvalid, u.Header.Command, u.Header.MessageID)
	}
	return signing.VerifySMB2(d, call.signKey, u.Raw)
}
