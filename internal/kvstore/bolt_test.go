package kvstore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/danmuck/smbwire/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestBoltPutGetAndSequence(t *testing.T) {
	testlog.Start(t)
	s, _ := openTestStore(t)

	seq, err := s.SequenceNumber()
	require.NoError(t, err)
	require.Zero(t, seq)

	_, err = s.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Put(nil, []byte("v")), ErrEmptyKey)

	require.NoError(t, s.Put([]byte("client/guid"), []byte{1, 2, 3}))
	got, err := s.Get([]byte("client/guid"))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)

	ok, err := s.Exists([]byte("client/guid"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Exists([]byte("client/other"))
	require.NoError(t, err)
	require.False(t, ok)

	seq, err = s.SequenceNumber()
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
}

func TestBoltTraverseAndDeleteAll(t *testing.T) {
	testlog.Start(t)
	s, _ := openTestStore(t)

	for _, k := range []string{"a/1", "a/2", "b/1", "a/3"} {
		require.NoError(t, s.Put([]byte(k), []byte("v-"+k)))
	}

	var keys []string
	require.NoError(t, s.Traverse([]byte("a/"), func(k, v []byte) error {
		require.Equal(t, "v-"+string(k), string(v))
		keys = append(keys, string(k))
		return nil
	}))
	require.Equal(t, []string{"a/1", "a/2", "a/3"}, keys)

	stop := errors.New("stop")
	n := 0
	err := s.Traverse(nil, func(k, v []byte) error {
		n++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, n)

	before, err := s.SequenceNumber()
	require.NoError(t, err)
	require.NoError(t, s.DeleteAll([]byte("a/")))
	after, err := s.SequenceNumber()
	require.NoError(t, err)
	require.Equal(t, before+1, after)

	_, err = s.Get([]byte("a/2"))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get([]byte("b/1"))
	require.NoError(t, err)

	// nothing matched, nothing written
	require.NoError(t, s.DeleteAll([]byte("zzz")))
	unchanged, err := s.SequenceNumber()
	require.NoError(t, err)
	require.Equal(t, after, unchanged)
}

func TestBoltTransactions(t *testing.T) {
	testlog.Start(t)
	s, _ := openTestStore(t)

	tx, err := s.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("k1"), []byte("one")))
	require.NoError(t, tx.Put([]byte("k2"), []byte("two")))
	require.NoError(t, tx.Delete([]byte("k2")))
	got, err := tx.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got)
	require.NoError(t, tx.Commit())
	require.ErrorIs(t, tx.Commit(), ErrTxDone)
	require.ErrorIs(t, tx.Cancel(), ErrTxDone)

	seq, err := s.SequenceNumber()
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	tx, err = s.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("k3"), []byte("three")))
	require.NoError(t, tx.Cancel())
	ok, err := s.Exists([]byte("k3"))
	require.NoError(t, err)
	require.False(t, ok)

	ro, err := s.Begin(false)
	require.NoError(t, err)
	require.ErrorIs(t, ro.Put([]byte("k4"), nil), ErrReadOnly)
	require.ErrorIs(t, ro.Delete([]byte("k1")), ErrReadOnly)
	_, err = ro.Get([]byte("k2"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, ro.Commit())

	seq, err = s.SequenceNumber()
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
}

func TestBoltReopenKeepsData(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, s.Put([]byte("client/guid"), []byte("g")))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get([]byte("client/guid"))
	require.NoError(t, err)
	require.Equal(t, []byte("g"), got)
	seq, err := s.SequenceNumber()
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
}
