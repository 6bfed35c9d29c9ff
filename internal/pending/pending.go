// Package pending tracks in-flight requests by identifier and owns the credit
// budget of a connection.
//
// A Table runs one of two identifier policies:
// - sequence: SMB1 16-bit MIDs, lowest free value, bounded by MaxMpxCount
// - message: SMB2 64-bit MessageIds, increasing, charged against credits
//
// Tables are not goroutine-safe. The owning connection serializes access.
package pending

import (
	"errors"
	"fmt"
	"slices"

	"github.com/danmuck/smbwire/internal/protocol"
)

var (
	ErrUnknownID    = errors.New("pending: unknown identifier")
	ErrWrongPolicy  = errors.New("pending: operation does not match table policy")
	ErrInvalidState = errors.New("pending: invalid state transition")
)

// State is the lifecycle of one entry.
type State uint8

const (
	StateCreated State = iota
	StateSubmitted
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSubmitted:
		return "submitted"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Entry is one in-flight request. Payload carries the owner's per-request
// context.
type Entry[T any] struct {
	ID      uint64
	Charge  uint16
	Payload T

	state     State
	abandoned bool
	err       error
	done      chan struct{}
}

func (e *Entry[T]) State() State { return e.state }

// Abandoned reports whether the caller gave up after the request was written.
// An abandoned entry stays in the table until its response arrives.
func (e *Entry[T]) Abandoned() bool { return e.abandoned }

// Done is closed once the entry completes, fails or is cancelled.
func (e *Entry[T]) Done() <-chan struct{} { return e.done }

// Err is the terminal error, valid after Done is closed.
func (e *Entry[T]) Err() error { return e.err }

func (e *Entry[T]) finish(state State, err error) {
	if e.isFinished() {
		return
	}
	e.state = state
	e.err = err
	close(e.done)
}

func (e *Entry[T]) isFinished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

type policy uint8

const (
	policySequence policy = iota
	policyMessage
)

const (
	maxSequenceID = 0xFFFE
	firstSequence = 1
)

// Table maps identifiers to entries.
type Table[T any] struct {
	policy  policy
	entries map[uint64]*Entry[T]

	maxOutstanding int

	nextID  uint64
	credits uint32
}

// NewSequenceTable returns an SMB1 table allowing maxOutstanding requests.
func NewSequenceTable[T any](maxOutstanding int) *Table[T] {
	if maxOutstanding <= 0 {
		maxOutstanding = 1
	}
	return &Table[T]{
		policy:         policySequence,
		entries:        make(map[uint64]*Entry[T]),
		maxOutstanding: maxOutstanding,
	}
}

// NewMessageTable returns an SMB2 table whose next MessageId is firstID and
// whose initial credit budget is credits.
func NewMessageTable[T any](firstID uint64, credits uint32) *Table[T] {
	return &Table[T]{
		policy:  policyMessage,
		entries: make(map[uint64]*Entry[T]),
		nextID:  firstID,
		credits: credits,
	}
}

func (t *Table[T]) Len() int         { return len(t.entries) }
func (t *Table[T]) Credits() uint32  { return t.credits }
func (t *Table[T]) NextID() uint64   { return t.nextID }
func (t *Table[T]) IsSequence() bool { return t.policy == policySequence }

// SetMaxOutstanding updates the SMB1 multiplex limit after negotiation.
func (t *Table[T]) SetMaxOutstanding(n int) {
	if n > 0 {
		t.maxOutstanding = n
	}
}

// ReserveSequence allocates the lowest free SMB1 MID.
func (t *Table[T]) ReserveSequence(payload T) (*Entry[T], error) {
	if t.policy != policySequence {
		return nil, ErrWrongPolicy
	}
	if len(t.entries) >= t.maxOutstanding {
		return nil, fmt.Errorf("%w: %d of %d requests outstanding", protocol.ErrCreditExhausted, len(t.entries), t.maxOutstanding)
	}
	for id := uint64(firstSequence); id <= maxSequenceID; id++ {
		if _, used := t.entries[id]; used {
			continue
		}
		e := newEntry(id, 1, payload)
		t.entries[id] = e
		return e, nil
	}
	return nil, fmt.Errorf("%w: no free mid", protocol.ErrCreditExhausted)
}

// ReserveMessages allocates one entry per charge. Either every entry is
// reserved or none is and the budget is untouched.
func (t *Table[T]) ReserveMessages(charges []uint16, payloads []T) ([]*Entry[T], error) {
	if t.policy != policyMessage {
		return nil, ErrWrongPolicy
	}
	if len(charges) != len(payloads) {
		return nil, fmt.Errorf("pending: %d charges for %d payloads", len(charges), len(payloads))
	}
	charges = slices.Clone(charges)
	var total uint64
	for i := range charges {
		if charges[i] == 0 {
			charges[i] = 1
		}
		total += uint64(charges[i])
	}
	if total > uint64(t.credits) {
		return nil, fmt.Errorf("%w: need %d credits, have %d", protocol.ErrCreditExhausted, total, t.credits)
	}
	out := make([]*Entry[T], len(charges))
	id := t.nextID
	for i, charge := range charges {
		e := newEntry(id, charge, payloads[i])
		t.entries[id] = e
		out[i] = e
		id += uint64(charge)
	}
	t.nextID = id
	t.credits -= uint32(total)
	return out, nil
}

func newEntry[T any](id uint64, charge uint16, payload T) *Entry[T] {
	return &Entry[T]{ID: id, Charge: charge, Payload: payload, done: make(chan struct{})}
}

// Lookup returns the live entry for id.
func (t *Table[T]) Lookup(id uint64) (*Entry[T], bool) {
	e, ok := t.entries[id]
	return e, ok
}

// MarkSubmitted records that the entry's bytes were fully written.
func (t *Table[T]) MarkSubmitted(id uint64) error {
	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	if e.abandoned {
		return nil
	}
	switch e.state {
	case StateCreated:
		e.state = StateSubmitted
		return nil
	case StateSubmitted:
		return nil
	}
	return fmt.Errorf("%w: %d is %s", ErrInvalidState, id, e.state)
}

// Resolve removes id and completes it with err (nil for success). An
// abandoned entry is removed without signalling anyone.
func (t *Table[T]) Resolve(id uint64, err error) (*Entry[T], error) {
	e, ok := t.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	delete(t.entries, id)
	if err == nil {
		e.finish(StateCompleted, nil)
	} else {
		e.finish(StateFailed, err)
	}
	return e, nil
}

// Cancel gives up on id with reason. An entry not yet written is removed and
// its credits are returned; its ids are reused when it was the newest. A
// written entry is abandoned and stays until its response is consumed.
func (t *Table[T]) Cancel(id uint64, reason error) error {
	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	if reason == nil {
		reason = protocol.ErrCancelled
	}
	if e.state == StateCreated {
		delete(t.entries, id)
		if t.policy == policyMessage {
			t.credits += uint32(e.Charge)
			if e.ID+uint64(e.Charge) == t.nextID {
				t.nextID = e.ID
			}
		}
		e.finish(StateCancelled, reason)
		return nil
	}
	e.abandoned = true
	e.finish(StateCancelled, reason)
	return nil
}

// Abandon gives up on id whatever its state. The identifiers and credits stay
// charged and the entry is removed when its response is consumed.
func (t *Table[T]) Abandon(id uint64, reason error) error {
	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	if reason == nil {
		reason = protocol.ErrCancelled
	}
	e.abandoned = true
	e.finish(StateCancelled, reason)
	return nil
}

// Grant adds credits announced by the server.
func (t *Table[T]) Grant(n uint16) {
	if t.policy == policyMessage {
		t.credits += uint32(n)
	}
}

// IDs returns the live identifiers in ascending order.
func (t *Table[T]) IDs() []uint64 {
	ids := make([]uint64, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// FailAll resolves every entry with err in identifier order and empties the
// table. The failed entries are returned in that order.
func (t *Table[T]) FailAll(err error) []*Entry[T] {
	ids := t.IDs()
	out := make([]*Entry[T], 0, len(ids))
	for _, id := range ids {
		e := t.entries[id]
		delete(t.entries, id)
		e.finish(StateFailed, err)
		out = append(out, e)
	}
	return out
}
