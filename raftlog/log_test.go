package raftlog

import (
	"testing"

	"github.com/kestrelraft/raft/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entries(specs ...[2]uint64) []message.Entry {
	out := make([]message.Entry, len(specs))
	for i, s := range specs {
		out[i] = message.Entry{Index: s[0], Term: s[1]}
	}
	return out
}

func TestAppendContiguous(t *testing.T) {
	l := New(0, 0)
	last, err := l.Append(entries([2]uint64{1, 1}, [2]uint64{2, 1}))
	require.NoError(t, err)
	assert.EqualValues(t, 2, last)
	assert.EqualValues(t, 2, l.LastIndex())
	assert.EqualValues(t, 0, l.FirstIndex()-1)
}

func TestAppendRejectsGap(t *testing.T) {
	l := New(0, 0)
	_, err := l.Append(entries([2]uint64{2, 1}))
	assert.Error(t, err)
}

func TestTryAppendConflictTruncates(t *testing.T) {
	l := New(0, 0)
	_, err := l.Append(entries([2]uint64{1, 1}, [2]uint64{2, 1}, [2]uint64{3, 1}))
	require.NoError(t, err)

	ok, hint := l.TryAppend(2, 1, entries([2]uint64{3, 2}))
	require.True(t, ok)
	assert.Zero(t, hint)
	assert.EqualValues(t, 3, l.LastIndex())
	term, err := l.Term(3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, term)
}

func TestTryAppendRejectsOnMismatch(t *testing.T) {
	l := New(0, 0)
	_, err := l.Append(entries([2]uint64{1, 1}))
	require.NoError(t, err)

	ok, hint := l.TryAppend(1, 5, entries([2]uint64{2, 5}))
	assert.False(t, ok)
	assert.EqualValues(t, 1, hint)
}

func TestTruncateSuffixRefusesCommitted(t *testing.T) {
	l := New(0, 0)
	_, err := l.Append(entries([2]uint64{1, 1}, [2]uint64{2, 1}))
	require.NoError(t, err)
	require.True(t, l.CommitTo(2))

	err = l.TruncateSuffix(2)
	assert.ErrorIs(t, err, ErrTruncateCommitted)
}

func TestTruncateSuffixAboveCommitted(t *testing.T) {
	l := New(0, 0)
	_, err := l.Append(entries([2]uint64{1, 1}, [2]uint64{2, 1}, [2]uint64{3, 1}))
	require.NoError(t, err)
	require.True(t, l.CommitTo(1))

	require.NoError(t, l.TruncateSuffix(2))
	assert.EqualValues(t, 1, l.LastIndex())
}

func TestAppliedToMonotoneIdempotent(t *testing.T) {
	l := New(0, 0)
	_, err := l.Append(entries([2]uint64{1, 1}, [2]uint64{2, 1}))
	require.NoError(t, err)
	require.True(t, l.CommitTo(2))

	assert.True(t, l.AppliedTo(1))
	assert.False(t, l.AppliedTo(1), "re-applying the same index must be a no-op")
	assert.True(t, l.AppliedTo(2))
	assert.False(t, l.AppliedTo(1), "applied index never regresses")
}

func TestApplyEntriesBoundedByStable(t *testing.T) {
	l := New(0, 0)
	_, err := l.Append(entries([2]uint64{1, 1}, [2]uint64{2, 1}, [2]uint64{3, 1}))
	require.NoError(t, err)
	require.True(t, l.CommitTo(3))
	require.True(t, l.StableTo(2))

	got := l.ApplyEntries()
	require.Len(t, got, 2)
	assert.EqualValues(t, 2, got[len(got)-1].Index)
}

func TestCompactDropsPrefix(t *testing.T) {
	l := New(0, 0)
	_, err := l.Append(entries([2]uint64{1, 1}, [2]uint64{2, 1}, [2]uint64{3, 2}))
	require.NoError(t, err)
	require.True(t, l.CommitTo(3))
	require.True(t, l.StableTo(3))
	require.True(t, l.AppliedTo(3))

	require.NoError(t, l.Compact(2))
	assert.EqualValues(t, 3, l.FirstIndex())
	_, err = l.Term(1)
	assert.ErrorIs(t, err, ErrCompacted)
	term, err := l.Term(2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, term)
}

func TestIsUpToDate(t *testing.T) {
	l := New(0, 0)
	_, err := l.Append(entries([2]uint64{1, 1}, [2]uint64{2, 2}))
	require.NoError(t, err)

	assert.True(t, l.IsUpToDate(2, 2))
	assert.True(t, l.IsUpToDate(3, 1))
	assert.False(t, l.IsUpToDate(1, 5))
}
