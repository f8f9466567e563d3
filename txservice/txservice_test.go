package txservice

import (
	"testing"

	"github.com/adriennhem/bxgateway/gwtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashFor(b byte) gwtypes.Hash {
	var h gwtypes.Hash
	h[0] = b
	return h
}

func TestAssignShortIDIsIdempotent(t *testing.T) {
	s := New(Config{})
	h := hashFor(1)

	require.NoError(t, s.AssignShortID(h, 100))
	require.NoError(t, s.AssignShortID(h, 100))

	assert.Equal(t, gwtypes.ShortID(100), s.GetShortID(h))
}

func TestAssignShortIDConflict(t *testing.T) {
	s := New(Config{})
	h1, h2 := hashFor(1), hashFor(2)

	require.NoError(t, s.AssignShortID(h1, 100))
	err := s.AssignShortID(h2, 100)

	require.Error(t, err)
	var conflict *SidConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, uint64(1), s.Stats.SidConflictCount)
}

func TestSetTransactionContentsFirstWriterWins(t *testing.T) {
	s := New(Config{})
	h := hashFor(1)

	stored := s.SetTransactionContents(h, []byte("original"))
	assert.True(t, stored)

	stored = s.SetTransactionContents(h, []byte("different"))
	assert.False(t, stored)
	assert.Equal(t, uint64(1), s.Stats.DuplicateContentsCount)

	_, contents, ok := func() (gwtypes.Hash, []byte, bool) {
		s.AssignShortID(h, 1)
		return s.GetTransaction(1)
	}()
	require.True(t, ok)
	assert.Equal(t, []byte("original"), contents)
}

func TestGetMissingTransactions(t *testing.T) {
	s := New(Config{})
	known := hashFor(1)
	require.NoError(t, s.AssignShortID(known, 1))
	s.SetTransactionContents(known, []byte("contents"))

	noContents := hashFor(2)
	require.NoError(t, s.AssignShortID(noContents, 2))

	missing, missingSids, missingHashes := s.GetMissingTransactions([]gwtypes.ShortID{1, 2, 3})

	assert.True(t, missing)
	assert.Equal(t, []gwtypes.ShortID{3}, missingSids)
	assert.Equal(t, []gwtypes.Hash{noContents}, missingHashes)
}

func TestTrackSeenShortIDsRemovesEntry(t *testing.T) {
	s := New(Config{})
	h := hashFor(1)
	require.NoError(t, s.AssignShortID(h, 1))
	s.SetTransactionContents(h, []byte("x"))

	s.TrackSeenShortIDs(hashFor(9), []gwtypes.ShortID{1})

	assert.False(t, s.HasShortID(1))
	assert.False(t, s.HasTransactionContents(h))
	assert.Equal(t, 0, s.Len())
}

func TestEvictionRespectsPinChecker(t *testing.T) {
	s := New(Config{EntryBudget: 1})
	pinnedHash := hashFor(1)
	s.SetPinChecker(func(h gwtypes.Hash) bool { return h == pinnedHash })

	s.SetTransactionContents(pinnedHash, []byte("pinned"))
	s.SetTransactionContents(hashFor(2), []byte("unpinned"))

	assert.True(t, s.HasTransactionContents(pinnedHash))
	assert.Equal(t, 1, s.Len())
}

func TestHashIteratorIsRestartable(t *testing.T) {
	s := New(Config{})
	s.SetTransactionContents(hashFor(1), []byte("a"))
	s.SetTransactionContents(hashFor(2), []byte("b"))

	it := s.HashIterator()
	var first []gwtypes.Hash
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		first = append(first, h)
	}
	assert.Len(t, first, 2)

	it.Reset()
	h, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, first[0], h)
}
