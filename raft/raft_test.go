package raft

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrelraft/raft/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStateMachine struct {
	applied chan []message.Entry
}

func newRecordingStateMachine() *recordingStateMachine {
	return &recordingStateMachine{applied: make(chan []message.Entry, 16)}
}

func (r *recordingStateMachine) Apply(entries []message.Entry) {
	r.applied <- entries
}

func (r *recordingStateMachine) ApplySnapshot([]byte) {}

func testConfig(t *testing.T, selfID uint64, members []string) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		SelfID:                  selfID,
		Members:                 members,
		WalDir:                  filepath.Join(dir, "wal"),
		SnapshotDir:             filepath.Join(dir, "snap"),
		SnapshotRetention:       3,
		TickInterval:            5 * time.Millisecond,
		ElectionTicks:           2,
		ElectionJitterTicks:     2,
		HeartbeatTicks:          1,
		LeaseTicks:              2,
	}
}

// TestSingleNodeClusterCommitsAndApplies mirrors the spec's boundary
// scenario 1 through the public API: a single-node cluster elects itself
// leader, a proposal commits and applies without ever needing a peer.
func TestSingleNodeClusterCommitsAndApplies(t *testing.T) {
	cfg := testConfig(t, 1, []string{"1@a"})
	sm := newRecordingStateMachine()

	n, err := New(cfg, sm, nil, nil)
	require.NoError(t, err)
	defer n.Close()

	accepted := make(chan bool, 1)
	var acceptedIndex uint64
	require.Eventually(t, func() bool {
		n.Propose([]byte("x"), nil, func(index uint64, ok bool) {
			acceptedIndex = index
			accepted <- ok
		}, nil)
		select {
		case ok := <-accepted:
			return ok
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "proposal should eventually be accepted once leader")

	assert.Greater(t, acceptedIndex, uint64(0))

	require.Eventually(t, func() bool {
		return n.AppliedIndex() >= acceptedIndex
	}, 2*time.Second, 10*time.Millisecond, "appliedIndex never caught up to the proposed entry")

	select {
	case <-sm.applied:
	case <-time.After(2 * time.Second):
		t.Fatal("state machine never received applied entries")
	}
}

// TestThreeNodeClusterElectsAndReplicates wires three Nodes to each other
// through an in-memory Transporter and exercises the full path: election,
// replication, quorum commit, and apply on every member.
func TestThreeNodeClusterElectsAndReplicates(t *testing.T) {
	members := []string{"1@a", "2@b", "3@c"}
	sms := map[uint64]*recordingStateMachine{}
	nodes := map[uint64]*Node{}

	router := &fanoutTransporter{nodes: nodes}

	for _, id := range []uint64{1, 2, 3} {
		cfg := testConfig(t, id, members)
		// Only node 1 times out quickly; peers wait long enough to never
		// self-campaign during the test, keeping the election deterministic.
		if id != 1 {
			cfg.ElectionTicks = 50
			cfg.ElectionJitterTicks = 0
		}
		sm := newRecordingStateMachine()
		sms[id] = sm
		n, err := New(cfg, sm, &perPeerTransporter{id: id, router: router}, nil)
		require.NoError(t, err)
		nodes[id] = n
	}
	defer func() {
		for _, n := range nodes {
			n.Close()
		}
	}()

	var leader *Node
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.Status().String() == "LEADER" {
				leader = n
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "no node became leader")

	accepted := make(chan bool, 1)
	leader.Propose([]byte("replicated"), nil, func(index uint64, ok bool) {
		accepted <- ok
	}, func(uint64) { accepted <- false })

	require.True(t, <-accepted)

	for id, n := range nodes {
		require.Eventually(t, func() bool {
			return n.AppliedIndex() >= n.CommittedIndex() && n.CommittedIndex() > 0
		}, 3*time.Second, 10*time.Millisecond, "node %d never applied the replicated entry", id)
	}
}

// fanoutTransporter holds the node table perPeerTransporter.Send uses to
// route a message to the addressed peer's Deliver.
type fanoutTransporter struct {
	nodes map[uint64]*Node
}

type perPeerTransporter struct {
	id     uint64
	router *fanoutTransporter
}

func (t *perPeerTransporter) Send(msg message.Message) error {
	dest, ok := t.router.nodes[msg.To]
	if !ok {
		return nil
	}
	dest.Deliver(msg)
	return nil
}
