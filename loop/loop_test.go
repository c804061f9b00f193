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
	"github.com/kestrelraft/raft/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noJitter(base, _ int) int { return base }

type recordingStateMachine struct {
	mu      chan struct{}
	applied [][]message.Entry
}

func newRecordingStateMachine() *recordingStateMachine {
	return &recordingStateMachine{mu: make(chan struct{}, 1)}
}

func (r *recordingStateMachine) Apply(entries []message.Entry) {
	r.applied = append(r.applied, entries)
	select {
	case r.mu <- struct{}{}:
	default:
	}
}

func (r *recordingStateMachine) ApplySnapshot([]byte) {}

type noopTransporter struct{}

func (noopTransporter) Send(message.Message) error { return nil }

// TestSingleNodeClusterCommitsAndApplies is the spec's boundary scenario 1:
// a single-node cluster becomes leader after one election tick, a proposal
// commits and applies, and appliedIndex advances to 1 (after the
// becomeLeader NOP it is 2, since the NOP is entry 1).
func TestSingleNodeClusterCommitsAndApplies(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Create(dir, 1)
	require.NoError(t, err)

	c, err := cluster.New(1, []string{"1@a"})
	require.NoError(t, err)
	l := raftlog.New(0, 0)
	et := clock.NewCountdownTick(1, 0, noJitter)
	ht := clock.NewCountdownTick(1, 0, noJitter)
	lt := clock.NewCountdownTick(1, 0, noJitter)
	st := corestate.New(1, c, l, et, ht, lt)
	driver := raftapi.NewDriver(1, st, l, nil)

	ch := channel.New()
	snap, err := snapshot.New(t.TempDir(), 1)
	require.NoError(t, err)
	sm := newRecordingStateMachine()

	raftLoop := NewRaftLoop(ch, driver)
	commitLoop := NewGroupCommitLoop(ch, w, driver, noopTransporter{}, 1)
	applyLoop := NewApplyLoop(ch, driver, sm, snap, nil, 0, 1, false)

	go raftLoop.Run()
	go commitLoop.Run()
	go applyLoop.Run()
	defer raftLoop.Stop()
	defer commitLoop.Stop()
	defer applyLoop.Stop()

	ch.Offer(channel.Tick, PeriodicTick)

	accepted := make(chan bool, 1)
	var acceptedIndex uint64
	ch.Offer(channel.Proposal, ProposalEvent{
		Data: []byte("x"),
		Accept: func(index uint64, ok bool) {
			acceptedIndex = index
			accepted <- ok
		},
		Reject: func(uint64) { accepted <- false },
	})

	select {
	case ok := <-accepted:
		require.True(t, ok, "proposal should be accepted once the node becomes leader")
	case <-time.After(2 * time.Second):
		t.Fatal("proposal was never resolved")
	}
	assert.EqualValues(t, 2, acceptedIndex)

	require.Eventually(t, func() bool {
		return len(sm.applied) > 0
	}, 2*time.Second, 10*time.Millisecond, "state machine never received the applied entries")

	require.Eventually(t, func() bool {
		return l.AppliedIndex() >= 2
	}, 2*time.Second, 10*time.Millisecond, "appliedIndex never advanced past the proposed entry")
}
