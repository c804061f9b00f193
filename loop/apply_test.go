package loop

import (
	"testing"
	"time"

	"github.com/kestrelraft/raft/channel"
	"github.com/kestrelraft/raft/clock"
	"github.com/kestrelraft/raft/cluster"
	"github.com/kestrelraft/raft/corestate"
	"github.com/kestrelraft/raft/message"
	"github.com/kestrelraft/raft/raftapi"
	"github.com/kestrelraft/raft/raftlog"
	"github.com/kestrelraft/raft/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingBuilder struct {
	release chan struct{}
	snap    *message.Snapshot
}

func (b *blockingBuilder) BuildSnapshot() (*message.Snapshot, error) {
	<-b.release
	return b.snap, nil
}

func newApplyTestDriver(t *testing.T, lastApplied uint64) *raftapi.Driver {
	t.Helper()
	c, err := cluster.New(1, []string{"1@a"})
	require.NoError(t, err)
	l := raftlog.New(0, 0)
	for i := uint64(1); i <= lastApplied; i++ {
		_, err := l.Append([]message.Entry{{Index: i, Term: 1}})
		require.NoError(t, err)
	}
	l.CommitTo(lastApplied)
	l.AppliedTo(lastApplied)
	et := clock.NewCountdownTick(1, 0, noJitter)
	ht := clock.NewCountdownTick(1, 0, noJitter)
	lt := clock.NewCountdownTick(1, 0, noJitter)
	st := corestate.New(1, c, l, et, ht, lt)
	return raftapi.NewDriver(1, st, l, nil)
}

// TestTriggerSnapshotDoesNotBlockOnSlowBuild is the regression test for the
// synchronous-build bug: a builder that never returns must never stall
// triggerSnapshot, since that would stall every subsequent APPLY drain on
// the same goroutine.
func TestTriggerSnapshotDoesNotBlockOnSlowBuild(t *testing.T) {
	driver := newApplyTestDriver(t, 5)
	snaps, err := snapshot.New(t.TempDir(), 3)
	require.NoError(t, err)

	release := make(chan struct{})
	builder := &blockingBuilder{release: release, snap: &message.Snapshot{Meta: message.SnapshotMetadata{Index: 5, Term: 1}}}

	l := NewApplyLoop(channel.New(), driver, nil, snaps, builder, 1, 1, false)

	done := make(chan struct{})
	go func() {
		l.triggerSnapshot()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("triggerSnapshot blocked on a slow builder")
	}

	// The log is not yet compacted: the build hasn't finished.
	assert.EqualValues(t, 0, driver.Log().LastSnapshotIndex())

	close(release)
	require.Eventually(t, func() bool {
		l.triggerSnapshot()
		return driver.Log().LastSnapshotIndex() == 5
	}, 2*time.Second, 10*time.Millisecond, "background build result was never installed")
}

// TestTriggerSnapshotSaturatedPoolDefers verifies a full worker pool skips
// dispatching rather than blocking the caller.
func TestTriggerSnapshotSaturatedPoolDefers(t *testing.T) {
	driver := newApplyTestDriver(t, 5)
	snaps, err := snapshot.New(t.TempDir(), 3)
	require.NoError(t, err)

	release := make(chan struct{})
	builder := &blockingBuilder{release: release, snap: &message.Snapshot{Meta: message.SnapshotMetadata{Index: 5, Term: 1}}}
	l := NewApplyLoop(channel.New(), driver, nil, snaps, builder, 1, 1, false)

	l.triggerSnapshot() // occupies the single worker slot
	done := make(chan struct{})
	go func() {
		l.triggerSnapshot() // pool saturated, must return immediately
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("triggerSnapshot blocked despite a saturated pool")
	}

	close(release)
}
