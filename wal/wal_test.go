package wal

import (
	"testing"

	"github.com/kestrelraft/raft/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir, 1)
	require.NoError(t, err)

	entries := []message.Entry{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
	}
	require.NoError(t, w.Save(&HardState{Term: 1, Vote: 1, Commit: 1}, entries))
	require.NoError(t, w.Close())

	r, err := Open(dir, 1)
	require.NoError(t, err)
	state, got, err := r.ReadAll()
	require.NoError(t, err)

	assert.EqualValues(t, 1, state.Term)
	require.Len(t, got, 2)
	assert.Equal(t, entries[0].Data, got[0].Data)
	assert.Equal(t, entries[1].Data, got[1].Data)
}

func TestSaveRotatesSegmentPastSize(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 1)
	require.NoError(t, err)
	w.segmentSize = 1

	require.NoError(t, w.Save(&HardState{Term: 1}, []message.Entry{{Index: 1, Term: 1, Data: []byte("x")}}))
	require.NoError(t, w.Save(&HardState{Term: 1}, []message.Entry{{Index: 2, Term: 1, Data: []byte("y")}}))

	assert.Len(t, w.files, 2)
}

func TestOpenMissingDirFails(t *testing.T) {
	_, err := Open(t.TempDir(), 1)
	assert.ErrorIs(t, err, ErrFileNotFound)
}
