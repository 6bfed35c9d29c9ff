package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/smbwire/internal/logging"
	bolt "go.etcd.io/bbolt"
)

const (
	dataBucket     = "data"
	metadataBucket = "metadata"
	versionKey     = "version"
	storeVersion   = 0
)

type boltStore struct {
	db *bolt.DB
}

// OpenBolt creates or loads a bbolt backed store at path.
func OpenBolt(path string) (Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(dataBucket)); err != nil {
			return err
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("kvstore: incompatible version %v", b)
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	lg := logging.Component("kvstore")
	lg.Debug().Str("path", path).Msg("store opened")
	return &boltStore{db: db}, nil
}

func (s *boltStore) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(dataBucket)).Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = bytes.Clone(v)
		return nil
	})
	return out, err
}

func (s *boltStore) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(dataBucket))
		if err := bkt.Put(key, value); err != nil {
			return err
		}
		_, err := bkt.NextSequence()
		return err
	})
}

func (s *boltStore) Exists(key []byte) (bool, error) {
	_, err := s.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	}
	return false, err
}

func (s *boltStore) DeleteAll(entity []byte) error {
	if len(entity) == 0 {
		return ErrEmptyKey
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(dataBucket))
		var keys [][]byte
		c := bkt.Cursor()
		for k, _ := c.Seek(entity); k != nil && bytes.HasPrefix(k, entity); k, _ = c.Next() {
			keys = append(keys, bytes.Clone(k))
		}
		if len(keys) == 0 {
			return nil
		}
		for _, k := range keys {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		_, err := bkt.NextSequence()
		return err
	})
}

func (s *boltStore) SequenceNumber() (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		seq = tx.Bucket([]byte(dataBucket)).Sequence()
		return nil
	})
	return seq, err
}

func (s *boltStore) Traverse(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(dataBucket)).Cursor()
		k, v := c.First()
		if len(prefix) > 0 {
			k, v = c.Seek(prefix)
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(bytes.Clone(k), bytes.Clone(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) Begin(writable bool) (Tx, error) {
	tx, err := s.db.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("kvstore: begin: %w", err)
	}
	return &boltTx{tx: tx, bkt: tx.Bucket([]byte(dataBucket)), writable: writable}, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

type boltTx struct {
	tx       *bolt.Tx
	bkt      *bolt.Bucket
	writable bool
	dirty    bool
	done     bool
}

func (t *boltTx) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxDone
	}
	v := t.bkt.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (t *boltTx) Put(key, value []byte) error {
	if err := t.checkWrite(key); err != nil {
		return err
	}
	t.dirty = true
	return t.bkt.Put(key, value)
}

func (t *boltTx) Delete(key []byte) error {
	if err := t.checkWrite(key); err != nil {
		return err
	}
	t.dirty = true
	return t.bkt.Delete(key)
}

func (t *boltTx) checkWrite(key []byte) error {
	switch {
	case t.done:
		return ErrTxDone
	case !t.writable:
		return ErrReadOnly
	case len(key) == 0:
		return ErrEmptyKey
	}
	return nil
}

// Commit publishes the writes and advances the sequence number once.
func (t *boltTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if !t.writable {
		return t.tx.Rollback()
	}
	if t.dirty {
		if _, err := t.bkt.NextSequence(); err != nil {
			_ = t.tx.Rollback()
			return err
		}
	}
	return t.tx.Commit()
}

func (t *boltTx) Cancel() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.tx.Rollback()
}
