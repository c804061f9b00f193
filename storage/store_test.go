package storage

import (
	"path/filepath"
	"testing"

	"github.com/kestrelraft/raft/message"
	"github.com/kestrelraft/raft/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	typ, err := ParseType("")
	require.NoError(t, err)
	assert.Equal(t, Disk, typ)

	typ, err = ParseType("MEMORY")
	require.NoError(t, err)
	assert.Equal(t, Memory, typ)

	typ, err = ParseType("COMBINATION")
	require.NoError(t, err)
	assert.Equal(t, Combination, typ)

	_, err = ParseType("BOGUS")
	assert.Error(t, err)
}

func TestDiskStoreSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")

	s, err := Open(Disk, dir, 1, 0)
	require.NoError(t, err)
	entries := []message.Entry{{Index: 1, Term: 1, Data: []byte("a")}}
	require.NoError(t, s.Save(&wal.HardState{Term: 1, Commit: 1}, entries))
	require.NoError(t, s.Close())

	s, err = Open(Disk, dir, 1, 0)
	require.NoError(t, err)
	hs, tail, err := s.ReadAll()
	require.NoError(t, err)
	assert.EqualValues(t, 1, hs.Term)
	require.Len(t, tail, 1)
}

func TestMemoryStoreNeverPersists(t *testing.T) {
	s, err := Open(Memory, "", 1, 0)
	require.NoError(t, err)
	require.NoError(t, s.Save(&wal.HardState{Term: 5}, []message.Entry{{Index: 1, Term: 1}}))

	hs, tail, err := s.ReadAll()
	require.NoError(t, err)
	assert.Zero(t, hs.Term)
	assert.Empty(t, tail)
}

func TestCombinationStoreRequiresPositiveRingBufferSize(t *testing.T) {
	_, err := Open(Combination, filepath.Join(t.TempDir(), "wal"), 1, 0)
	assert.Error(t, err)
}

func TestCombinationStoreBoundsRecentEntries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	s, err := Open(Combination, dir, 1, 2)
	require.NoError(t, err)
	cs := s.(*combinationStore)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Save(&wal.HardState{Term: 1, Commit: i}, []message.Entry{{Index: i, Term: 1}}))
	}

	recent := cs.Recent()
	require.Len(t, recent, 2)
	assert.EqualValues(t, 4, recent[0].Index)
	assert.EqualValues(t, 5, recent[1].Index)

	// Durability still flows through the underlying Wal: a reopen replays
	// everything, not just the bounded ring-buffer window.
	require.NoError(t, s.Close())
	s, err = Open(Combination, dir, 1, 2)
	require.NoError(t, err)
	_, tail, err := s.ReadAll()
	require.NoError(t, err)
	assert.Len(t, tail, 5)
}
