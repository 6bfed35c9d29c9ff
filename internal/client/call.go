package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/smbwire/internal/observability"
	"github.com/danmuck/smbwire/internal/pending"
	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb1"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
)

// Call is one submitted request. All SMB1 chain members share a Call.
type Call struct {
	conn    *Conn
	entry   *pending.Entry[*Call]
	job     *writeJob
	command string
	session *Session

	submitted time.Time
	timeout   time.Duration

	// SMB2
	expect2     []smb2.Expected
	sent        []byte
	signKey     []byte
	deferVerify bool
	encrypted   bool
	unit        smb2.Unit

	// SMB1
	expect1   [][]smb1.Expected
	hdr1      smb1.Header
	seq       uint32
	signed    bool
	trans     *smb1.TransAccumulator
	reply     SMB1Reply
	smb2Reply bool

	interimOnce sync.Once
	interim     chan struct{}
	asyncID     uint64
}

// SMB1Reply is a parsed SMB1 response.
type SMB1Reply struct {
	Header smb1.Header
	Blocks []smb1.Block
	PDU    []byte
	Trans  *smb1.TransResponse
}

func newCall(c *Conn, sess *Session, command string, timeout time.Duration, notifyAsync bool) *Call {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	call := &Call{
		conn:      c,
		command:   command,
		session:   sess,
		submitted: time.Now(),
		timeout:   timeout,
	}
	if notifyAsync {
		call.interim = make(chan struct{})
	}
	return call
}

// ID is the MessageId (SMB2) or MID (SMB1) of the request.
func (call *Call) ID() uint64 { return call.entry.ID }

// Command names the request for logs.
func (call *Call) Command() string { return call.command }

// Interim is closed when the server answers with an async interim response.
// It is nil unless the request asked for async notification.
func (call *Call) Interim() <-chan struct{} { return call.interim }

// AsyncID returns the id from the interim response, or 0.
func (call *Call) AsyncID() uint64 {
	call.conn.mu.Lock()
	defer call.conn.mu.Unlock()
	return call.asyncID
}

// Unit returns the SMB2 response. It is valid once Wait returned nil or a
// *protocol.ServerError.
func (call *Call) Unit() smb2.Unit { return call.unit }

// Reply returns the SMB1 response under the same rules as Unit.
func (call *Call) Reply() SMB1Reply { return call.reply }

// Wait suspends the caller until the request resolves, ctx ends or the
// request timeout, measured from submission, expires. On expiry the request
// is abandoned: its late response is still consumed for credit accounting.
func (call *Call) Wait(ctx context.Context) error {
	remaining := time.Until(call.submitted.Add(call.timeout))
	timer := time.NewTimer(max(remaining, 0))
	defer timer.Stop()

	select {
	case <-call.entry.Done():
		return call.entry.Err()
	case <-ctx.Done():
		reason := fmt.Errorf("%w: %s: %w", protocol.ErrCancelled, call.command, ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = fmt.Errorf("%w: %s: %w", protocol.ErrTimeout, call.command, ctx.Err())
		}
		call.conn.abandon(call, reason)
	case <-timer.C:
		call.conn.abandon(call, fmt.Errorf("%w: %s after %s", protocol.ErrTimeout, call.command, call.timeout))
	}
	<-call.entry.Done()
	return call.entry.Err()
}

func (call *Call) markInterimLocked(asyncID uint64) {
	call.asyncID = asyncID
	if call.interim != nil {
		call.interimOnce.Do(func() { close(call.interim) })
	}
}

func (call *Call) record(d protocol.Dialect, err error) {
	observability.RecordRequest(d.String(), call.command, protocol.Kind(err), time.Since(call.submitted))
}

// abandon gives up on call. A request still queued is dropped together with
// the rest of its wire unit, unless later SMB2 message ids are already taken;
// then the unit goes out as echoes. A written request is followed by a
// CANCEL or NT_CANCEL.
func (c *Conn) abandon(call *Call, reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tab.Lookup(call.entry.ID)
	if !ok || e != call.entry || e.Abandoned() {
		return
	}
	if e.State() == pending.StateCreated && call.job != nil {
		if c.negotiated && c.neg.Dialect.IsSMB2() && !c.newestJobLocked(call.job) {
			c.fillJobLocked(call.job, reason)
			c.recordStateLocked()
			return
		}
		call.job.cancelled = true
		for i := len(call.job.calls) - 1; i >= 0; i-- {
			member := call.job.calls[i]
			if err := c.tab.Cancel(member.entry.ID, reason); err == nil {
				member.record(c.neg.Dialect, reason)
			}
		}
		c.recordStateLocked()
		return
	}
	if err := c.tab.Cancel(e.ID, reason); err != nil {
		return
	}
	call.record(c.neg.Dialect, reason)
	if !c.negotiated || c.closed {
		return
	}
	switch {
	case c.neg.Dialect.IsSMB2():
		c.sendCancelLocked(call)
	case c.neg.Dialect == protocol.DialectSMB1:
		c.sendNTCancelLocked(call)
	}
}
