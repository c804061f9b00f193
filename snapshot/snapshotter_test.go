package snapshot

import (
	"testing"

	"github.com/kestrelraft/raft/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), 2)
	require.NoError(t, err)

	snap := &message.Snapshot{Meta: message.SnapshotMetadata{Index: 10, Term: 3}, Data: []byte("state")}
	require.NoError(t, s.Save(snap))

	got, err := s.Load(10)
	require.NoError(t, err)
	assert.Equal(t, snap.Meta, got.Meta)
	assert.Equal(t, snap.Data, got.Data)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s, err := New(t.TempDir(), 2)
	require.NoError(t, err)

	_, err = s.Load(5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetentionSweepKeepsMostRecent(t *testing.T) {
	s, err := New(t.TempDir(), 2)
	require.NoError(t, err)

	for i, idx := range []uint64{10, 20, 30} {
		require.NoError(t, s.Save(&message.Snapshot{Meta: message.SnapshotMetadata{Index: idx, Term: uint64(i + 1)}}))
	}

	metas, err := s.Snapshots()
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.EqualValues(t, 20, metas[0].Index)
	assert.EqualValues(t, 30, metas[1].Index)
}

func TestLatest(t *testing.T) {
	s, err := New(t.TempDir(), 3)
	require.NoError(t, err)

	require.NoError(t, s.Save(&message.Snapshot{Meta: message.SnapshotMetadata{Index: 1, Term: 1}}))
	require.NoError(t, s.Save(&message.Snapshot{Meta: message.SnapshotMetadata{Index: 2, Term: 1}}))

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.EqualValues(t, 2, latest.Index)
}

func TestMinRetentionMustBePositive(t *testing.T) {
	_, err := New(t.TempDir(), 0)
	assert.Error(t, err)
}
