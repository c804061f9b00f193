package raftapi

import (
	"testing"

	"github.com/kestrelraft/raft/clock"
	"github.com/kestrelraft/raft/cluster"
	"github.com/kestrelraft/raft/corestate"
	"github.com/kestrelraft/raft/message"
	"github.com/kestrelraft/raft/raftlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noJitter(base, _ int) int { return base }

type node struct {
	id     uint64
	state  *corestate.State
	log    *raftlog.Log
	driver *Driver
}

func newCluster(t *testing.T, ids ...uint64) map[uint64]*node {
	t.Helper()
	members := make([]string, len(ids))
	for i, id := range ids {
		members[i] = membersSpec(id)
	}
	nodes := make(map[uint64]*node, len(ids))
	for _, id := range ids {
		c, err := cluster.New(id, members)
		require.NoError(t, err)
		l := raftlog.New(0, 0)
		et := clock.NewCountdownTick(10, 0, noJitter)
		ht := clock.NewCountdownTick(2, 0, noJitter)
		lt := clock.NewCountdownTick(2, 0, noJitter)
		st := corestate.New(id, c, l, et, ht, lt)
		nodes[id] = &node{id: id, state: st, log: l, driver: NewDriver(id, st, l, nil)}
	}
	return nodes
}

func membersSpec(id uint64) string {
	switch id {
	case 1:
		return "1@a"
	case 2:
		return "2@b"
	case 3:
		return "3@c"
	default:
		return "9@z"
	}
}

// deliver routes every pending outgoing message from src to its
// destination node's driver, running until no node has outgoing traffic
// (a simple synchronous network simulation for tests).
func deliver(nodes map[uint64]*node) {
	for {
		progressed := false
		for _, n := range nodes {
			ready := n.driver.Ready()
			for _, msg := range ready.MessagesToSend {
				if dst, ok := nodes[msg.To]; ok {
					dst.driver.Step(msg)
					progressed = true
				}
			}
		}
		if !progressed {
			return
		}
	}
}

func TestSingleNodeBecomesLeaderAndCommits(t *testing.T) {
	nodes := newCluster(t, 1)
	n := nodes[1]

	n.driver.Hup()
	assert.Equal(t, corestate.Leader, n.state.Status)

	index, ok := n.driver.Propose([]byte("x"), nil)
	require.True(t, ok)
	assert.EqualValues(t, 2, index) // index 1 is the becomeLeader NOP

	assert.EqualValues(t, index, n.log.CommittedIndex()) // Propose commits via poll(): self alone is a quorum
	assert.True(t, n.log.AppliedTo(index))
	assert.EqualValues(t, index, n.log.AppliedIndex())
}

func TestThreeNodeElectionAndReplication(t *testing.T) {
	nodes := newCluster(t, 1, 2, 3)
	leader := nodes[1]

	leader.driver.Hup()
	deliver(nodes)
	deliver(nodes) // no traffic left: the first deliver already ran prevote, vote and NOP append rounds to quiescence

	assert.Equal(t, corestate.Leader, leader.state.Status)
	assert.Equal(t, corestate.Follower, nodes[2].state.Status)
	assert.Equal(t, corestate.Follower, nodes[3].state.Status)

	_, ok := leader.driver.Propose([]byte("a"), nil)
	require.True(t, ok)
	deliver(nodes)

	for _, n := range nodes {
		assert.EqualValues(t, leader.log.LastIndex(), n.log.LastIndex(), "node %d log did not catch up", n.id)
	}
	assert.EqualValues(t, leader.log.LastIndex(), leader.log.CommittedIndex())
}

func TestHandleAppendEntriesRejectsLowTerm(t *testing.T) {
	nodes := newCluster(t, 1, 2)
	follower := nodes[2]
	follower.state.Term = 5

	follower.driver.Step(message.Message{Type: message.MsgAppendEntriesRequest, From: 1, Term: 1})
	ready := follower.driver.Ready()
	require.Len(t, ready.MessagesToSend, 1)
	assert.True(t, ready.MessagesToSend[0].Reject)
	assert.Equal(t, message.RejectLowTerm, ready.MessagesToSend[0].RejectType)
}

func TestLogConflictResolution(t *testing.T) {
	nodes := newCluster(t, 1, 2)
	follower := nodes[2]
	_, err := follower.log.Append([]message.Entry{
		{Index: 1, Term: 1}, {Index: 2, Term: 1}, {Index: 3, Term: 1},
	})
	require.NoError(t, err)
	follower.state.Term = 2

	follower.driver.Step(message.Message{
		Type: message.MsgAppendEntriesRequest, From: 1, Term: 2,
		LogIndex: 2, LogTerm: 1,
		Entries: []message.Entry{{Index: 3, Term: 2}},
	})

	term, err := follower.log.Term(3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, term)
}
