// Package raftapi implements the Raft transition logic: given a tick, a
// received message, or a local proposal, it mutates corestate.State and
// raftlog.Log and accumulates outgoing messages, ready for the Raft loop to
// batch into a Ready record.
//
// Grounded directly on the teacher's core/core_handle.go dispatch table
// (stepLeader/stepFollower/stepCandidate/dispatch) and core/core_internal.go
// (send/poll/becomeLeader/broadcastVictory/quorum), generalized from a
// stateful core receiver exposing Step/Periodic/Ready into a Driver whose
// Ready() drains exactly the batch the spec's Raft loop needs
// (entriesToPersist, messagesToSend, committedEntries, snapshot?).
//
// The teacher's per-peer probe/replicate inflight-window state machine
// (core/peer/node.go, core/peer/in_flights.go) is deliberately not carried
// over: the spec's replication contract only requires nextIndex/matchIndex
// bookkeeping and a fast-backoff hint on rejection, not a flow-control
// window — see DESIGN.md.
package raftapi

import (
	"github.com/kestrelraft/raft/cluster"
	"github.com/kestrelraft/raft/corestate"
	"github.com/kestrelraft/raft/message"
	"github.com/kestrelraft/raft/raftlog"
	"github.com/sirupsen/logrus"
)

// defaultMaxBytesPerMessage is the default byte budget for the entries a
// single AppendEntries message batches, mirroring the teacher's
// maxSizePerMsg knob.
const defaultMaxBytesPerMessage = 1 << 20

// StateMachine is the narrow interface the apply path hands committed
// entries and snapshots to. Defined here (not in the root package) so
// raftapi stays free of a dependency on the public API surface.
type StateMachine interface {
	Apply(entries []message.Entry)
	ApplySnapshot(data []byte)
}

// SnapshotSource supplies the leader's most recent snapshot when a peer has
// fallen behind the retained log.
type SnapshotSource interface {
	ReadSnapshot() (*message.Snapshot, bool)
}

// Ready is the batch the Raft loop hands to the group-commit loop once per
// driver cycle.
type Ready struct {
	EntriesToPersist []message.Entry
	MessagesToSend   []message.Message
	CommittedEntries []message.Entry
	Snapshot         *message.Snapshot
	TriggerSnapshot  bool
}

// Driver is the pure-transition engine for one node: it owns no I/O and
// performs no blocking operation, only in-memory state mutation plus
// message accumulation.
type Driver struct {
	id      uint64
	state   *corestate.State
	log     *raftlog.Log
	snaps   SnapshotSource
	pending []message.Message
	maxSize uint64

	// nextOffset is the leader-only cursor (spec's NextOffsetMetaData),
	// set to lastIndex once the becomeLeader NOP is appended. Propose takes
	// its index from the log's lastIndex and does not read it.
	nextOffset uint64

	// pendingSnapshot holds a snapshot accepted by handleSnapshot until the
	// next Ready() drains it to the group-commit loop for installation.
	pendingSnapshot *message.Snapshot

	lg *logrus.Entry
}

// NewDriver builds a Driver for node id, wired to state/log/snaps.
func NewDriver(id uint64, state *corestate.State, log *raftlog.Log, snaps SnapshotSource) *Driver {
	return &Driver{
		id:      id,
		state:   state,
		log:     log,
		snaps:   snaps,
		maxSize: defaultMaxBytesPerMessage,
		lg:      logrus.WithField("component", "raftapi").WithField("node", id),
	}
}

// SetMaxBytesPerMessage overrides the per-AppendEntries byte budget
// (defaultMaxBytesPerMessage if never called or called with 0).
func (d *Driver) SetMaxBytesPerMessage(n uint64) {
	if n == 0 {
		n = defaultMaxBytesPerMessage
	}
	d.maxSize = n
}

// State exposes the underlying corestate, for the root package's read
// accessors.
func (d *Driver) State() *corestate.State { return d.state }

// Log exposes the underlying log, for the root package's read accessors.
func (d *Driver) Log() *raftlog.Log { return d.log }

func (d *Driver) send(msg message.Message) {
	msg.From = d.id
	msg.Term = d.stampTerm(msg)
	d.pending = append(d.pending, msg)
}

// stampTerm mirrors the teacher's core.send term-stamping: outgoing
// PreVote requests carry the term the election WOULD use (the candidate's
// term+1) without mutating the local term; everything else, PreVote
// responses included, carries the current term verbatim.
func (d *Driver) stampTerm(msg message.Message) uint64 {
	if msg.Type == message.MsgPreVoteRequest {
		return d.state.Term + 1
	}
	return d.state.Term
}

func (d *Driver) quorum() int { return d.state.Cluster.Quorum() }

// Ready drains every accumulated outgoing message, the not-yet-stable log
// suffix, and any entries newly eligible for apply, resetting the
// accumulator for the next cycle.
func (d *Driver) Ready() Ready {
	r := Ready{
		MessagesToSend:   d.pending,
		EntriesToPersist: d.log.StableEntries(),
		CommittedEntries: d.log.ApplyEntries(),
		Snapshot:         d.pendingSnapshot,
	}
	d.pending = nil
	d.pendingSnapshot = nil
	return r
}

// Hup handles a local election-timeout tick: FOLLOWER/CANDIDATE transition
// to PRECANDIDATE and broadcast a pre-vote.
func (d *Driver) Hup() {
	if d.state.IsLeader() {
		return
	}
	d.preCampaign()
}

func (d *Driver) preCampaign() {
	d.state.BecomePreCandidate()
	d.broadcastVote(message.MsgPreVoteRequest)
	// A single-node cluster wins its own pre-vote instantly: the quorum
	// call never receives a peer response, so resolve it immediately.
	if d.quorum() == 1 {
		d.campaign()
	}
}

func (d *Driver) campaign() {
	d.state.BecomeCandidate()
	d.broadcastVote(message.MsgVoteRequest)
	if d.quorum() == 1 {
		d.state.BecomeLeader()
		d.broadcastVictory()
	}
}

func (d *Driver) broadcastVote(typ message.MessageType) {
	lastIndex := d.log.LastIndex()
	lastTerm := d.log.LastTerm()
	for _, p := range d.state.Cluster.Peers() {
		d.send(message.Message{
			Type:     typ,
			To:       p.ID,
			LogIndex: lastIndex,
			LogTerm:  lastTerm,
		})
	}
}

// broadcastVictory appends the empty NOP entry that lets a new leader
// commit prior terms' entries (spec §4.4's NOP row), then immediately
// fans it out to every peer via broadcastAppend to re-establish authority.
func (d *Driver) broadcastVictory() {
	nop := message.Entry{Type: message.EntryNormal, Term: d.state.Term, Index: d.log.LastIndex() + 1}
	if _, err := d.log.Append([]message.Entry{nop}); err != nil {
		d.lg.WithError(err).Error("raftapi: failed to append NOP on becomeLeader")
		return
	}
	d.nextOffset = d.log.LastIndex()
	d.broadcastAppend()
	d.poll()
}

// Propose is the leader-only entry point for a client write: append
// locally at (term, lastIndex+1) and broadcast.
func (d *Driver) Propose(data []byte, attachments map[string]string) (index uint64, ok bool) {
	if !d.state.IsLeader() {
		return 0, false
	}
	entry := message.Entry{
		Type:        message.EntryNormal,
		Term:        d.state.Term,
		Index:       d.log.LastIndex() + 1,
		Data:        data,
		Attachments: attachments,
	}
	entry.Seal()
	last, err := d.log.Append([]message.Entry{entry})
	if err != nil {
		d.lg.WithError(err).Error("raftapi: propose failed to append")
		return 0, false
	}
	d.broadcastAppend()
	// self always counts toward the matchIndex set (poll reads lastIndex
	// for self directly); re-evaluate immediately so a single-node cluster
	// (or a quorum already satisfied by self alone) commits without
	// waiting on a peer response.
	d.poll()
	return last, true
}

// broadcastAppend fans AppendEntries (or, for a peer whose nextIndex has
// fallen before firstIndex, a snapshot) to every peer.
func (d *Driver) broadcastAppend() {
	first := d.log.FirstIndex()
	for _, p := range d.state.Cluster.Peers() {
		if p.NextIndex >= first {
			d.sendAppend(p)
		} else {
			d.sendSnapshot(p)
		}
	}
}

func (d *Driver) sendAppend(p *cluster.NodeInfo) {
	prevIndex := p.NextIndex - 1
	prevTerm, err := d.log.Term(prevIndex)
	if err != nil {
		d.sendSnapshot(p)
		return
	}
	var entries []message.Entry
	if d.log.LastIndex() >= p.NextIndex {
		entries, err = d.log.Entries(p.NextIndex, d.log.LastIndex()+1)
		if err != nil {
			d.sendSnapshot(p)
			return
		}
		entries = boundBySize(entries, d.maxSize)
	}
	d.send(message.Message{
		Type:        message.MsgAppendEntriesRequest,
		To:          p.ID,
		LogIndex:    prevIndex,
		LogTerm:     prevTerm,
		CommitIndex: d.log.CommittedIndex(),
		Entries:     entries,
	})
}

func boundBySize(entries []message.Entry, maxSize uint64) []message.Entry {
	var size uint64
	for i, e := range entries {
		size += uint64(16 + len(e.Data))
		if size > maxSize {
			return entries[:i]
		}
	}
	return entries
}

func (d *Driver) sendSnapshot(p *cluster.NodeInfo) {
	if d.snaps == nil {
		return
	}
	snap, ok := d.snaps.ReadSnapshot()
	if !ok {
		d.lg.WithField("peer", p.ID).Info("raftapi: snapshot unavailable, deferring to next tick")
		return
	}
	d.send(message.Message{
		Type:     message.MsgSnapshotRequest,
		To:       p.ID,
		Snapshot: snap,
	})
}

// BroadcastHeartbeat is invoked on the heartbeat tick while leader.
func (d *Driver) BroadcastHeartbeat() {
	for _, p := range d.state.Cluster.Peers() {
		commit := p.MatchIndex
		if d.log.CommittedIndex() < commit {
			commit = d.log.CommittedIndex()
		}
		d.send(message.Message{Type: message.MsgHeartbeatRequest, To: p.ID, CommitIndex: commit})
	}
}

// LeaseTick is invoked on the lease tick while leader; steps down to
// FOLLOWER if quorum support has been missing for two consecutive ticks.
func (d *Driver) LeaseTick() {
	if !d.state.IsLeader() {
		return
	}
	if d.state.NoteLeaseTick() {
		d.state.BecomeFollower(d.state.Term, 0)
	}
	d.state.ResetLeaseWindow()
}

// poll re-derives committedIndex from the sorted matchIndex set across the
// cluster (self included at lastIndex), advancing only if the candidate
// commit index's term equals currentTerm (the no-commit-across-terms
// rule), grounded on core_internal.go's poll(idx).
func (d *Driver) poll() {
	all := d.state.Cluster.All()
	matches := make([]uint64, 0, len(all))
	for _, n := range all {
		if n.ID == d.id {
			matches = append(matches, d.log.LastIndex())
			continue
		}
		matches = append(matches, n.MatchIndex)
	}
	sortUint64Desc(matches)
	candidate := matches[d.quorum()-1]
	if candidate <= d.log.CommittedIndex() {
		return
	}
	term, err := d.log.Term(candidate)
	if err != nil || term != d.state.Term {
		return
	}
	d.log.CommitTo(candidate)
}

func sortUint64Desc(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] < s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
