package raftapi

import (
	"github.com/kestrelraft/raft/corestate"
	"github.com/kestrelraft/raft/message"
)

// Step dispatches a received message according to the node's current role,
// mirroring core_handle.go's dispatch/stepLeader/stepFollower/stepCandidate
// switch tables.
func (d *Driver) Step(msg message.Message) {
	if msg.Term > d.state.Term {
		d.handleHigherTerm(msg)
	}

	switch d.state.Status {
	case corestate.Leader:
		d.stepLeader(msg)
	case corestate.Follower:
		d.stepFollower(msg)
	case corestate.PreCandidate, corestate.Candidate:
		d.stepCandidate(msg)
	}
}

// handleHigherTerm steps down to FOLLOWER on any message carrying a higher
// term, except PreVote requests/responses, which never bump term (§4.3).
func (d *Driver) handleHigherTerm(msg message.Message) {
	if msg.Type == message.MsgPreVoteRequest || msg.Type == message.MsgPreVoteResponse {
		return
	}
	leader := uint64(0)
	if msg.Type == message.MsgAppendEntriesRequest || msg.Type == message.MsgHeartbeatRequest || msg.Type == message.MsgSnapshotRequest {
		leader = msg.From
	}
	d.state.BecomeFollower(msg.Term, leader)
}

func (d *Driver) stepLeader(msg message.Message) {
	switch msg.Type {
	case message.MsgAppendEntriesResponse:
		d.handleAppendEntriesResponse(msg)
	case message.MsgHeartbeatResponse:
		d.handleHeartbeatResponse(msg)
	case message.MsgSnapshotResponse:
		d.handleSnapshotResponse(msg)
	case message.MsgPropose:
		d.Propose(msg.Context, nil)
	case message.MsgPreVoteRequest:
		d.handlePreVote(msg)
	case message.MsgVoteRequest:
		d.handleVote(msg)
	}
}

func (d *Driver) stepFollower(msg message.Message) {
	switch msg.Type {
	case message.MsgAppendEntriesRequest:
		d.handleAppendEntries(msg)
	case message.MsgHeartbeatRequest:
		d.handleHeartbeat(msg)
	case message.MsgSnapshotRequest:
		d.handleSnapshot(msg)
	case message.MsgPreVoteRequest:
		d.handlePreVote(msg)
	case message.MsgVoteRequest:
		d.handleVote(msg)
	case message.MsgHup:
		d.Hup()
	}
}

func (d *Driver) stepCandidate(msg message.Message) {
	switch msg.Type {
	case message.MsgPreVoteResponse:
		if d.state.IsPreCandidate() {
			d.handleVoteResponse(msg)
		}
	case message.MsgVoteResponse:
		if d.state.IsCandidate() {
			d.handleVoteResponse(msg)
		}
	case message.MsgAppendEntriesRequest:
		d.state.BecomeFollower(msg.Term, msg.From)
		d.handleAppendEntries(msg)
	case message.MsgHeartbeatRequest:
		d.state.BecomeFollower(msg.Term, msg.From)
		d.handleHeartbeat(msg)
	case message.MsgSnapshotRequest:
		d.state.BecomeFollower(msg.Term, msg.From)
		d.handleSnapshot(msg)
	case message.MsgPreVoteRequest:
		d.handlePreVote(msg)
	case message.MsgVoteRequest:
		d.handleVote(msg)
	}
}

// handlePreVote replies yes iff the candidate's log is at least as
// up-to-date as ours and our current leader's lease has expired (or we have
// none), acting as the lease check for followers.
func (d *Driver) handlePreVote(msg message.Message) {
	grant := !d.state.LeaderLeaseHeld() &&
		msg.Term >= d.state.Term &&
		d.log.IsUpToDate(msg.LogTerm, msg.LogIndex)
	d.send(message.Message{Type: message.MsgPreVoteResponse, To: msg.From, Reject: !grant})
}

// handleVote grants iff we have not yet voted this term (or already voted
// for this candidate) and the candidate's log is at least as up-to-date.
func (d *Driver) handleVote(msg message.Message) {
	canVote := d.state.Vote == corestate.NotVote || d.state.Vote == msg.From
	grant := msg.Term >= d.state.Term && canVote && d.log.IsUpToDate(msg.LogTerm, msg.LogIndex)
	if grant {
		d.state.Vote = msg.From
	}
	d.send(message.Message{Type: message.MsgVoteResponse, To: msg.From, Reject: !grant})
}

func (d *Driver) handleVoteResponse(msg message.Message) {
	quorum := d.state.RecordVote(msg.From, !msg.Reject)
	if quorum {
		if msg.Type == message.MsgVoteResponse {
			d.state.BecomeLeader()
			d.broadcastVictory()
		} else {
			d.campaign()
		}
		return
	}
	if d.state.VoteTallyExhausted() {
		d.state.BecomeFollower(d.state.Term, 0)
	}
}

// handleAppendEntries implements the follower-side replication contract,
// including the commit-expired shortcut (an already-committed prefix
// replay is acked without re-validating) grounded on the teacher's
// handleAppendEntries.
func (d *Driver) handleAppendEntries(msg message.Message) {
	if msg.Term < d.state.Term {
		d.send(message.Message{Type: message.MsgAppendEntriesResponse, To: msg.From, Reject: true, RejectType: message.RejectLowTerm})
		return
	}
	d.state.Leader = msg.From
	d.state.ResetElectionTick()

	if d.log.CommittedIndex() > msg.LogIndex {
		d.send(message.Message{Type: message.MsgAppendEntriesResponse, To: msg.From, Index: d.log.CommittedIndex()})
		return
	}

	ok, hint := d.log.TryAppend(msg.LogIndex, msg.LogTerm, msg.Entries)
	if !ok {
		rt := message.RejectLogNotMatch
		if msg.LogIndex > d.log.LastIndex() {
			rt = message.RejectLogNonSequential
		}
		d.send(message.Message{Type: message.MsgAppendEntriesResponse, To: msg.From, Reject: true, RejectType: rt, RejectHint: hint, Index: msg.LogIndex})
		return
	}

	lastNew := msg.LogIndex + uint64(len(msg.Entries))
	commit := msg.CommitIndex
	if lastNew < commit {
		commit = lastNew
	}
	d.log.CommitTo(commit)
	d.send(message.Message{Type: message.MsgAppendEntriesResponse, To: msg.From, Index: lastNew})
}

func (d *Driver) handleAppendEntriesResponse(msg message.Message) {
	p := d.state.Cluster.Get(msg.From)
	if p == nil {
		return
	}
	if msg.Reject {
		next := msg.RejectHint
		if next == 0 {
			next = 1
		}
		if next < p.NextIndex {
			p.NextIndex = next
		} else if p.NextIndex > 1 {
			p.NextIndex--
		}
		d.sendAppend(p)
		return
	}
	if msg.Index > p.MatchIndex {
		p.MatchIndex = msg.Index
	}
	if msg.Index+1 > p.NextIndex {
		p.NextIndex = msg.Index + 1
	}
	d.poll()
}

// handleSnapshot queues an inbound snapshot for installation unless it is
// already superseded by our own committed prefix. The actual install (log
// rebase, state-machine ApplySnapshot, appliedIndex advance) happens in the
// apply loop once Ready() hands it onward as Ready.Snapshot — handleSnapshot
// itself only mutates in-memory state, same as every other step handler.
func (d *Driver) handleSnapshot(msg message.Message) {
	if msg.Snapshot == nil {
		return
	}
	if msg.Snapshot.Meta.Index <= d.log.CommittedIndex() {
		d.send(message.Message{Type: message.MsgSnapshotResponse, To: msg.From, Index: d.log.CommittedIndex()})
		return
	}
	d.pendingSnapshot = msg.Snapshot
	d.send(message.Message{Type: message.MsgSnapshotResponse, To: msg.From, Index: msg.Snapshot.Meta.Index})
}

func (d *Driver) handleSnapshotResponse(msg message.Message) {
	p := d.state.Cluster.Get(msg.From)
	if p == nil {
		return
	}
	if msg.Index+1 > p.NextIndex {
		p.NextIndex = msg.Index + 1
	}
	if msg.Index > p.MatchIndex {
		p.MatchIndex = msg.Index
	}
}

func (d *Driver) handleHeartbeat(msg message.Message) {
	if msg.Term < d.state.Term {
		d.send(message.Message{Type: message.MsgHeartbeatResponse, To: msg.From, Reject: true, RejectType: message.RejectLowTerm})
		return
	}
	d.state.Leader = msg.From
	d.state.ResetElectionTick()
	d.log.CommitTo(msg.CommitIndex)
	d.send(message.Message{Type: message.MsgHeartbeatResponse, To: msg.From})
}

func (d *Driver) handleHeartbeatResponse(msg message.Message) {
	d.state.RefreshLease(msg.From)
	p := d.state.Cluster.Get(msg.From)
	if p != nil && p.NextIndex <= d.log.LastIndex() {
		d.sendAppend(p)
	}
}

// HandleUnreachable marks a peer disconnected after a failed send, feeding
// the group-state refresh (spec §5).
func (d *Driver) HandleUnreachable(peerID uint64) {
	if p := d.state.Cluster.Get(peerID); p != nil {
		p.Disconnected = true
	}
	d.state.RefreshGroupState()
}
