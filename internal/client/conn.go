package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/smbwire/internal/logging"
	"github.com/danmuck/smbwire/internal/observability"
	"github.com/danmuck/smbwire/internal/pending"
	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/frame"
	"github.com/danmuck/smbwire/internal/protocol/smb1"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
	"github.com/danmuck/smbwire/internal/signing"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidSocket     = errors.New("client: invalid socket")
	ErrNotNegotiated     = errors.New("client: connection not negotiated")
	ErrAlreadyNegotiated = errors.New("client: connection already negotiated")
	ErrWrongDialect      = errors.New("client: operation not valid for negotiated dialect")
	ErrClosed            = errors.New("client: connection closed locally")
)

// Negotiated is the connection surface fixed by dialect negotiation.
type Negotiated struct {
	Dialect         protocol.Dialect
	SecurityMode    uint16
	SigningRequired bool
	Capabilities    uint32
	MaxTransactSize uint32
	MaxReadSize     uint32
	MaxWriteSize    uint32
	ServerTime      time.Time
	ServerStartTime time.Time
	ServerGUID      [16]byte
	SecurityBlob    []byte
	Cipher          uint16

	// SMB1 only.
	MaxMpxCount   uint16
	MaxBufferSize uint32
	SessionKey    uint32
	Challenge     []byte
}

// writeJob is one wire unit: a whole compound or chain.
type writeJob struct {
	wire      []byte
	calls     []*Call
	smb1      bool
	cancelled bool
}

// Conn is one transport connection to a server.
type Conn struct {
	cfg    Config
	nc     net.Conn
	remote string
	log    zerolog.Logger

	mu              sync.Mutex
	tab             *pending.Table[*Call]
	neg             Negotiated
	negotiated      bool
	signingRequired bool
	smb1Signer      *signing.SMB1Signer
	preauth         signing.PreauthHash
	sessions        map[uint64]*Session
	maxCredits      uint16
	outq            []*writeJob
	closed          bool
	closeErr        error

	wake  chan struct{}
	done  chan struct{}
	loops *errgroup.Group
	stop  context.CancelFunc
}

// New takes ownership of an already connected socket and starts its read
// and write loops. Negotiate must run before any other request.
func New(nc net.Conn, cfg Config) (*Conn, error) {
	if nc == nil {
		return nil, ErrInvalidSocket
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	remote := cfg.RemoteName
	if remote == "" && nc.RemoteAddr() != nil {
		remote = nc.RemoteAddr().String()
	}
	ctx, stop := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	c := &Conn{
		cfg:        cfg,
		nc:         nc,
		remote:     remote,
		log:        logging.Component("client").With().Str("remote", remote).Logger(),
		sessions:   make(map[uint64]*Session),
		maxCredits: cfg.MaxCredits,
		smb1Signer: signing.NewSMB1Signer(cfg.SMB1SigningExempt),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		loops:      g,
		stop:       stop,
	}
	g.Go(c.readLoop)
	g.Go(func() error { return c.writeLoop(gctx) })
	c.log.Debug().Str("client_guid", cfg.ClientGUID.String()).Msg("connection created")
	return c, nil
}

func (c *Conn) RemoteName() string   { return c.remote }
func (c *Conn) LocalAddr() net.Addr  { return c.nc.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// IsConnected reports whether the connection is still usable.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Negotiated returns the negotiation result and whether negotiation is done.
func (c *Conn) Negotiated() (Negotiated, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.neg, c.negotiated
}

// HasOutstandingRequests reports whether any entry is still pending,
// abandoned ones included.
func (c *Conn) HasOutstandingRequests() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tab != nil && c.tab.Len() > 0
}

// Credits returns the SMB2 credits currently available.
func (c *Conn) Credits() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tab == nil {
		return 0
	}
	return c.tab.Credits()
}

// SetMaxCredits changes the ceiling the client asks the server to grant up to.
func (c *Conn) SetMaxCredits(n uint16) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxCredits = n
}

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the teardown cause once Done is closed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Conn) lostErrLocked() error {
	if c.closeErr == nil {
		return protocol.ErrConnectionLost
	}
	if errors.Is(c.closeErr, protocol.ErrConnectionLost) {
		return c.closeErr
	}
	return fmt.Errorf("%w: %w", protocol.ErrConnectionLost, c.closeErr)
}

// Disconnect tears the connection down. Every pending request fails with
// ErrConnectionLost wrapping reason, in identifier order. Later calls are
// no-ops.
func (c *Conn) Disconnect(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if reason == nil {
		reason = ErrClosed
	}
	c.closed = true
	c.closeErr = reason
	lost := c.lostErrLocked()
	var failed []*pending.Entry[*Call]
	if c.tab != nil {
		failed = c.tab.FailAll(lost)
	}
	for _, job := range c.outq {
		job.cancelled = true
	}
	c.outq = nil
	dialect := c.neg.Dialect
	c.mu.Unlock()

	close(c.done)
	c.stop()
	_ = c.nc.Close()

	for _, e := range failed {
		if !e.Abandoned() {
			e.Payload.record(dialect, lost)
		}
	}
	cause := protocol.Kind(reason)
	if errors.Is(reason, ErrClosed) {
		cause = "local"
	}
	observability.RecordDisconnect(c.remote, cause)
	if cause == "local" {
		c.log.Debug().Int("failed", len(failed)).Msg("connection closed")
		return
	}
	c.log.Warn().Str("cause", cause).Int("failed", len(failed)).Err(reason).Msg("disconnect")
}

// Close disconnects and waits for the loops to exit.
func (c *Conn) Close() error {
	c.Disconnect(nil)
	err := c.loops.Wait()
	if cerr := c.nc.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && !errors.Is(cerr, io.ErrClosedPipe) {
		err = multierr.Append(err, cerr)
	}
	return err
}

func (c *Conn) readLoop() error {
	br := bufio.NewReader(c.nc)
	for {
		f, err := frame.ReadFrame(br, c.cfg.Frame)
		if err != nil {
			c.Disconnect(fmt.Errorf("read: %w", err))
			return nil
		}
		if err := c.dispatch(f.Payload); err != nil {
			c.Disconnect(err)
			return nil
		}
	}
}

func (c *Conn) dispatch(pdu []byte) error {
	switch {
	case smb2.IsTransform(pdu):
		plain, sessionID, err := c.decrypt(pdu)
		if err != nil {
			return err
		}
		return c.dispatchSMB2(plain, sessionID)
	case smb2.IsSMB2(pdu):
		return c.dispatchSMB2(pdu, 0)
	case smb1.IsSMB1(pdu):
		return c.dispatchSMB1(pdu)
	}
	if len(pdu) >= 4 {
		return fmt.Errorf("%w: protocol id % x", protocol.ErrProtocolMismatch, pdu[:4])
	}
	return protocol.Malformed("pdu of %d bytes", len(pdu))
}

func (c *Conn) decrypt(envelope []byte) ([]byte, uint64, error) {
	th, err := smb2.DecodeTransformHeader(envelope)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", protocol.ErrDecryptionFailed, err)
	}
	c.mu.Lock()
	sess := c.sessions[th.SessionID]
	var dec *signing.Cipher
	if sess != nil {
		dec = sess.decryptor()
	}
	c.mu.Unlock()
	if dec == nil {
		return nil, 0, fmt.Errorf("%w: no decryption key for session 0x%x", protocol.ErrDecryptionFailed, th.SessionID)
	}
	plain, err := dec.Open(envelope)
	if err != nil {
		return nil, 0, err
	}
	return plain, th.SessionID, nil
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
		}
		for {
			job := c.nextJob()
			if job == nil {
				break
			}
			if err := c.writePDU(job.wire); err != nil {
				c.Disconnect(fmt.Errorf("write: %w", err))
				return nil
			}
		}
	}
}

// nextJob pops the next live job and marks its entries submitted before the
// bytes go out; a failed write tears everything down anyway. SMB1 jobs are
// signed here so sequence numbers follow write order.
func (c *Conn) nextJob() *writeJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.outq) > 0 {
		job := c.outq[0]
		c.outq[0] = nil
		c.outq = c.outq[1:]
		if job.cancelled {
			continue
		}
		for _, call := range job.calls {
			if err := c.tab.MarkSubmitted(call.entry.ID); err != nil {
				c.log.Debug().Err(err).Uint64("mid", call.entry.ID).Msg("submit mark skipped")
			}
		}
		if job.smb1 {
			c.signSMB1Locked(job)
		}
		return job
	}
	return nil
}

func (c *Conn) writePDU(wire []byte) error {
	if c.cfg.WriteTimeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	return frame.WriteFrame(c.nc, frame.Frame{Type: frame.TypeSessionMessage, Payload: wire}, c.cfg.Frame)
}

// enqueueLocked queues a job for the write loop. Callers hold c.mu, so queue
// order matches identifier order.
func (c *Conn) enqueueLocked(job *writeJob) {
	c.outq = append(c.outq, job)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// resolveLocked completes an entry and records its outcome.
func (c *Conn) resolveLocked(e *pending.Entry[*Call], err error) {
	abandoned := e.Abandoned()
	if _, rerr := c.tab.Resolve(e.ID, err); rerr != nil {
		return
	}
	if abandoned {
		c.log.Debug().Uint64("mid", e.ID).Str("command", e.Payload.command).Msg("late response discarded")
		return
	}
	e.Payload.record(c.neg.Dialect, err)
}

func (c *Conn) recordStateLocked() {
	if c.tab == nil {
		return
	}
	observability.RecordConnectionState(c.remote, c.tab.Credits(), c.tab.Len())
}

func (c *Conn) checkUsableLocked() error {
	if c.closed {
		return c.lostErrLocked()
	}
	return nil
}
