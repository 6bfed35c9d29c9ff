package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb1"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
)

const (
	smb1Flags  = smb1.FlagCaseless | smb1.FlagCanonical
	smb1Flags2 = smb1.Flags2LongNames | smb1.Flags2IsLongName | smb1.Flags2ExtendedSecurity |
		smb1.Flags2NTStatus | smb1.Flags2Unicode

	smb1OplockBreakMID = 0xFFFF
)

// SMB1Request is one member of an SMB1 AndX chain.
type SMB1Request struct {
	Request *smb1.Request
	Expect  []smb1.Expected
}

type submit1Opts struct {
	negotiate   bool
	deferVerify bool
	trans       *smb1.TransAccumulator
	timeout     time.Duration
}

// SubmitSMB1 sends reqs as one AndX chain sharing a single MID.
func (c *Conn) SubmitSMB1(sess *Session, tree *Tree, reqs ...SMB1Request) (*Call, error) {
	return c.submitSMB1(sess, tree, submit1Opts{}, reqs...)
}

// DoSMB1 submits a chain and waits for its reply.
func (c *Conn) DoSMB1(ctx context.Context, sess *Session, tree *Tree, reqs ...SMB1Request) (SMB1Reply, error) {
	call, err := c.SubmitSMB1(sess, tree, reqs...)
	if err != nil {
		return SMB1Reply{}, err
	}
	err = call.Wait(ctx)
	return call.Reply(), err
}

// TransMinimums are the smallest acceptable reassembled areas.
type TransMinimums struct {
	Setup  int
	Params int
	Data   int
}

// Transact runs an SMBtrans or SMBtrans2 exchange. The request must fit one
// PDU; the response may span many.
func (c *Conn) Transact(ctx context.Context, sess *Session, tree *Tree, tr *smb1.TransRequest, mins TransMinimums) (smb1.TransResponse, error) {
	neg, ok := c.Negotiated()
	if !ok {
		return smb1.TransResponse{}, ErrNotNegotiated
	}
	req, err := tr.Request(int(neg.MaxBufferSize))
	if err != nil {
		return smb1.TransResponse{}, err
	}
	acc := &smb1.TransAccumulator{MinSetup: mins.Setup, MinParams: mins.Params, MinData: mins.Data}
	call, err := c.submitSMB1(sess, tree, submit1Opts{trans: acc}, SMB1Request{Request: req})
	if err != nil {
		return smb1.TransResponse{}, err
	}
	if err := call.Wait(ctx); err != nil {
		return smb1.TransResponse{}, err
	}
	reply := call.Reply()
	if reply.Trans == nil {
		return smb1.TransResponse{}, protocol.Malformed("%s reply without transaction data", reply.Header.Command)
	}
	return *reply.Trans, nil
}

func (c *Conn) submitSMB1(sess *Session, tree *Tree, opts submit1Opts, reqs ...SMB1Request) (*Call, error) {
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
		if c.neg.Dialect != protocol.DialectSMB1 {
			return nil, fmt.Errorf("%w: %s", ErrWrongDialect, c.neg.Dialect)
		}
	}
	if sess != nil && sess.conn != c {
		return nil, fmt.Errorf("client: session belongs to another connection")
	}

	members := make([]*smb1.Request, len(reqs))
	expect := make([][]smb1.Expected, len(reqs))
	for i, r := range reqs {
		members[i] = r.Request
		expect[i] = r.Expect
	}
	chain := smb1.NewChain(members...)

	call := newCall(c, sess, members[0].Command.String(), opts.timeout, false)
	call.expect1 = expect
	call.trans = opts.trans
	call.deferVerify = opts.deferVerify
	e, err := c.tab.ReserveSequence(call)
	if err != nil {
		return nil, err
	}
	call.entry = e

	hdr := smb1.Header{
		Flags:   smb1Flags,
		Flags2:  smb1Flags2,
		PIDLow:  uint16(c.cfg.ProcessID),
		PIDHigh: uint16(c.cfg.ProcessID >> 16),
		MID:     uint16(e.ID),
	}
	if sess != nil {
		hdr.UID = uint16(sess.id)
	}
	if tree != nil {
		hdr.TID = uint16(tree.id)
	}
	pdu, err := chain.Marshal(hdr)
	if err != nil {
		_ = c.tab.Cancel(e.ID, err)
		return nil, err
	}
	call.hdr1 = hdr

	// Signed when dequeued: a request dropped from the queue takes no
	// sequence number.
	job := &writeJob{wire: pdu, calls: []*Call{call}, smb1: true}
	call.job = job
	c.enqueueLocked(job)
	c.recordStateLocked()
	return call, nil
}

// signSMB1Locked gives a dequeued SMB1 job the next signing sequence number.
func (c *Conn) signSMB1Locked(job *writeJob) {
	if !c.smb1Signer.Active() {
		return
	}
	if len(job.calls) == 0 {
		c.smb1Signer.Sign(job.wire, c.smb1Signer.NextOneWay())
		return
	}
	call := job.calls[0]
	call.seq = c.smb1Signer.Next()
	call.signed = true
	c.smb1Signer.Sign(job.wire, call.seq)
}

// sendNTCancelLocked asks the server to finish an abandoned request early.
// NT_CANCEL carries the request's MID and gets no reply of its own.
func (c *Conn) sendNTCancelLocked(call *Call) {
	pdu, err := smb1.NewChain(smb1.NTCancelRequest()).Marshal(call.hdr1)
	if err != nil {
		c.log.Warn().Err(err).Msg("nt cancel not sent")
		return
	}
	c.enqueueLocked(&writeJob{wire: pdu, smb1: true})
}

func (c *Conn) dispatchSMB1(pdu []byte) error {
	hdr, blocks, err := smb1.ParseChain(pdu)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.recordStateLocked()
	if c.tab == nil || !c.tab.IsSequence() {
		return fmt.Errorf("%w: smb1 reply on an smb2 connection", protocol.ErrProtocolMismatch)
	}
	if !hdr.IsReply() {
		return protocol.Malformed("%s without reply flag", hdr.Command)
	}
	e, ok := c.tab.Lookup(uint64(hdr.MID))
	if !ok {
		if hdr.MID == smb1OplockBreakMID && hdr.Command == smb1.CommandLockingAndX {
			c.log.Debug().Msg("unsolicited oplock break ignored")
			return nil
		}
		return protocol.Malformed("%s for unknown mid %d", hdr.Command, hdr.MID)
	}
	call := e.Payload
	if call.signed && !call.deferVerify {
		if err := c.smb1Signer.Verify(pdu, call.seq+1); err != nil {
			return err
		}
	}

	if call.trans != nil && !hdr.Status.IsError() {
		done, err := call.trans.Add(pdu, blocks[0])
		if err != nil {
			c.resolveLocked(e, err)
			return err
		}
		if !done {
			return nil
		}
		res, err := call.trans.Result()
		call.reply = SMB1Reply{Header: hdr, Blocks: blocks, PDU: pdu, Trans: &res}
		c.resolveLocked(e, err)
		return err
	}

	var rerr error
	if call.trans != nil {
		rerr = &protocol.ServerError{Command: hdr.Command.String(), Status: hdr.Status}
	} else {
		rerr = checkChain(hdr, blocks, call.expect1)
	}
	call.reply = SMB1Reply{Header: hdr, Blocks: blocks, PDU: pdu}
	c.resolveLocked(e, rerr)
	if errors.Is(rerr, protocol.ErrMalformedResponse) {
		return rerr
	}
	return nil
}

// checkChain applies the per-member expectations. Members before the last
// reply block succeeded; the header status belongs to the last one.
func checkChain(hdr smb1.Header, blocks []smb1.Block, expect [][]smb1.Expected) error {
	if len(blocks) > len(expect) {
		return protocol.Malformed("%d reply blocks for %d requests", len(blocks), len(expect))
	}
	for i, blk := range blocks {
		status := protocol.StatusSuccess
		if i == len(blocks)-1 {
			status = hdr.Status
		}
		if err := smb1.CheckBlock(status, blk, expect[i]); err != nil {
			return err
		}
	}
	if len(blocks) < len(expect) && !hdr.Status.IsError() {
		return protocol.Malformed("chain reply stopped after %d of %d blocks", len(blocks), len(expect))
	}
	return nil
}

// dispatchNegprotReplyLocked handles an SMB2 NEGOTIATE response to the
// multi-protocol SMB1 negprot, the only request in flight at that point.
func (c *Conn) dispatchNegprotReplyLocked(units []smb2.Unit) error {
	ids := c.tab.IDs()
	if len(units) != 1 || len(ids) != 1 {
		return protocol.Malformed("smb2 reply with %d units during smb1 negotiate", len(units))
	}
	e, _ := c.tab.Lookup(ids[0])
	call := e.Payload
	u := units[0]
	if u.Header.Command != smb2.CommandNegotiate || !u.Header.IsResponse() {
		return protocol.Malformed("smb2 %s during smb1 negotiate", u.Header.Command)
	}
	rerr := smb2.CheckResponse(u, smb2.ExpectNegotiate)
	call.unit = u
	call.smb2Reply = true
	c.resolveLocked(e, rerr)
	if errors.Is(rerr, protocol.ErrMalformedResponse) {
		return rerr
	}
	return nil
}
