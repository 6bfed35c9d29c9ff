// Package kvstore is the generic key/value collaborator the engine's callers
// use for persistence. Every committed write advances a sequence number so
// readers holding cached values can tell when they went stale.
package kvstore

import "errors"

var (
	ErrNotFound = errors.New("kvstore: key not found")
	ErrEmptyKey = errors.New("kvstore: empty key")
	ErrTxDone   = errors.New("kvstore: transaction already finished")
	ErrReadOnly = errors.New("kvstore: write in read-only transaction")
)

// Store is a flat byte-keyed store. Keys of one entity share the entity id
// as a prefix.
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Exists(key []byte) (bool, error)
	// DeleteAll removes every key of entity.
	DeleteAll(entity []byte) error
	// SequenceNumber is bumped by every committed write.
	SequenceNumber() (uint64, error)
	// Begin starts a transaction. Writes are visible to other callers only
	// after Commit.
	Begin(writable bool) (Tx, error)
	// Traverse calls fn for every key with prefix, in key order. A non-nil
	// error from fn stops the walk and is returned.
	Traverse(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Tx is an open transaction. Exactly one of Commit or Cancel must be called.
type Tx interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	Cancel() error
}
