// Package corestate holds the Raft node's authoritative election state
// (term, vote, leader, status) and the becomeX transitions that mutate it,
// plus the leader lease and quorum-prevote/vote tallies.
//
// Grounded on AbstractRaftNode.becomeFollower/becomePreCandidate/
// becomeCandidate/becomeLeader (tick-listener swap, replay-state decision,
// peer-progress reset at becomeLeader) and the teacher's core.core
// equivalents (core/core_internal.go's reset/becomeFollower/becomeLeader/
// becomeCandidate/becomePreCandidate), adapted to the spec's distinct
// pre-candidate/candidate split and the dropped dynamic-membership
// (pendingConf) bookkeeping — see DESIGN.md.
package corestate

import (
	"github.com/kestrelraft/raft/clock"
	"github.com/kestrelraft/raft/cluster"
	"github.com/sirupsen/logrus"
)

// Status is the node's current role.
type Status int

const (
	Follower Status = iota
	PreCandidate
	Candidate
	Leader
)

func (s Status) String() string {
	switch s {
	case Follower:
		return "FOLLOWER"
	case PreCandidate:
		return "PRECANDIDATE"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// NotVote marks the absence of a vote cast this term.
const NotVote uint64 = 0

// LogView is the narrow accessor corestate needs from the log, breaking
// the cyclic node<->log reference the spec's Design Notes call out: the
// log references the node for term/config, the node references the log
// for lastIndex/appliedIndex at becomeLeader.
type LogView interface {
	LastIndex() uint64
	AppliedIndex() uint64
	CommittedIndex() uint64
	// LastSnapshotIndex reports the index of the most recently installed
	// snapshot, or 0 if none.
	LastSnapshotIndex() uint64
}

// ElectionListener is notified on every status transition.
type ElectionListener func(Status)

// GroupStateListener is notified when GroupState changes.
type GroupStateListener func(from, to cluster.GroupState)

// State is the Raft node core: term/vote/leader/status plus the cluster
// view, tick listeners and pending election tallies.
type State struct {
	SelfID uint64
	Term   uint64
	Vote   uint64
	Leader uint64
	Status Status

	Cluster *cluster.Cluster
	log     LogView

	ReplayState     cluster.ReplayState
	lowWaterMark    uint64
	followerCommit  uint64 // committedIndex observed at a follower's own role transition

	votes  map[uint64]bool
	leased map[uint64]bool
	leaseLostTicks int

	electionTick  *clock.CountdownTick
	heartbeatTick *clock.CountdownTick
	leaseTick     *clock.CountdownTick
	activeTick    *clock.CountdownTick // whichever of the above is currently armed

	groupState cluster.GroupState

	electionListeners   []ElectionListener
	groupStateListeners []GroupStateListener

	log2 *logrus.Entry
}

// New builds a State for selfID seated in the given cluster, with the three
// tick listeners pre-built (armed/disarmed by the becomeX transitions).
func New(selfID uint64, c *cluster.Cluster, logView LogView, electionTick, heartbeatTick, leaseTick *clock.CountdownTick) *State {
	s := &State{
		SelfID:        selfID,
		Status:        Follower,
		Cluster:       c,
		log:           logView,
		ReplayState:   cluster.Replayed,
		votes:         make(map[uint64]bool),
		leased:        make(map[uint64]bool),
		electionTick:  electionTick,
		heartbeatTick: heartbeatTick,
		leaseTick:     leaseTick,
		activeTick:    electionTick,
		groupState:    cluster.Stable,
		log2:          logrus.WithField("component", "corestate").WithField("node", selfID),
	}
	return s
}

// AddElectionListener registers l to be notified on every status
// transition. Failures inside a listener are isolated — see notifyElection.
func (s *State) AddElectionListener(l ElectionListener) { s.electionListeners = append(s.electionListeners, l) }

// AddGroupStateListener registers l to be notified on GroupState
// transitions.
func (s *State) AddGroupStateListener(l GroupStateListener) {
	s.groupStateListeners = append(s.groupStateListeners, l)
}

func (s *State) notifyElection(status Status) {
	for _, l := range s.electionListeners {
		s.safeCall(func() { l(status) })
	}
}

func (s *State) notifyGroupState(from, to cluster.GroupState) {
	for _, l := range s.groupStateListeners {
		curFrom, curTo := from, to
		s.safeCall(func() { l(curFrom, curTo) })
	}
}

// safeCall isolates a listener panic/failure so one bad listener never
// takes down the Raft loop (spec §5: "Listener failures are isolated").
func (s *State) safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log2.WithField("panic", r).Error("corestate: listener panicked, isolating")
		}
	}()
	f()
}

// ActiveTick returns whichever tick listener is currently armed for this
// node's role, for the driving Clock to feed.
func (s *State) ActiveTick() *clock.CountdownTick { return s.activeTick }

// RefreshGroupState recomputes GroupState from peer connectivity and
// notifies listeners only on an actual transition.
func (s *State) RefreshGroupState() {
	next := s.Cluster.Refresh()
	if next != s.groupState {
		prev := s.groupState
		s.groupState = next
		s.notifyGroupState(prev, next)
	}
}

// GroupState returns the last-computed GroupState.
func (s *State) GroupState() cluster.GroupState { return s.groupState }

// IsLeader, IsCandidate, IsFollower, IsPreCandidate are convenience
// predicates mirroring the teacher's StateRole helpers.
func (s *State) IsLeader() bool      { return s.Status == Leader }
func (s *State) IsCandidate() bool   { return s.Status == Candidate }
func (s *State) IsFollower() bool    { return s.Status == Follower }
func (s *State) IsPreCandidate() bool { return s.Status == PreCandidate }

// BecomeFollower transitions to FOLLOWER at the given term with the given
// leader (0 if unknown). If the node was leader, swaps heartbeat/lease tick
// listeners back out for the election tick. Per I6, a transition away from
// leader re-arms the replay barrier at the committedIndex observed at the
// moment of transition: the new follower must not be considered caught up
// on entries its own prior leadership never finished applying.
func (s *State) BecomeFollower(term, leader uint64) {
	wasLeader := s.Status == Leader
	s.clearVotes()
	s.leased = make(map[uint64]bool)
	s.Vote = NotVote
	s.Term = term
	s.Leader = leader
	s.Status = Follower
	if wasLeader {
		s.activeTick = s.electionTick
		s.SetFollowerTransitionCommit(s.log.CommittedIndex())
		if s.log.AppliedIndex() < s.followerCommit {
			s.ReplayState = cluster.Replaying
		}
	}
	s.electionTick.Reset()
	s.notifyElection(Follower)
}

// BecomePreCandidate transitions to PRECANDIDATE. Term is unchanged — the
// pre-vote probe never bumps term.
func (s *State) BecomePreCandidate() {
	s.clearVotes()
	s.Leader = 0
	s.Status = PreCandidate
	s.electionTick.Reset()
	s.notifyElection(PreCandidate)
}

// BecomeCandidate transitions to CANDIDATE, incrementing term and voting
// for self.
func (s *State) BecomeCandidate() {
	s.clearVotes()
	s.Term++
	s.Vote = s.SelfID
	s.Status = Candidate
	s.electionTick.Reset()
	s.notifyElection(Candidate)
}

// BecomeLeader transitions to LEADER. No-op if already leader. Initializes
// every peer's nextIndex/matchIndex, swaps in heartbeat/lease ticks, and
// decides the initial ReplayState per I6.
func (s *State) BecomeLeader() {
	if s.Status == Leader {
		return
	}
	s.clearVotes()
	s.Vote = NotVote
	s.activeTick = s.heartbeatTick
	s.electionTick.Reset()
	s.heartbeatTick.Reset()
	s.leaseTick.Reset()
	s.leaseLostTicks = 0

	last := s.log.LastIndex()
	s.lowWaterMark = last
	for _, p := range s.Cluster.Peers() {
		p.NextIndex = last + 1
		p.MatchIndex = 0
	}

	s.notifyElection(Leader)

	s.ReplayState = cluster.Replaying
	snapIdx := s.log.LastSnapshotIndex()
	applied := s.log.AppliedIndex()
	if last == 0 || last == snapIdx || applied >= last {
		s.ReplayState = cluster.Replayed
	}

	s.Status = Leader
	s.Leader = s.SelfID
}

func (s *State) clearVotes() {
	for k := range s.votes {
		delete(s.votes, k)
	}
}

// RecordVote tallies from's vote (granted or not) during a pre-vote/vote
// round and reports whether a quorum of grants has now been reached. Self
// counts as an implicit grant (the candidate votes for itself), matching
// the teacher's voteStateCount("self has one").
func (s *State) RecordVote(from uint64, granted bool) (quorumReached bool) {
	s.votes[from] = granted
	count := 1
	for _, g := range s.votes {
		if g {
			count++
		}
	}
	return count >= s.Cluster.Quorum()
}

// VoteTallyExhausted reports whether every peer has responded, used to
// decide a split vote (no further responses can arrive).
func (s *State) VoteTallyExhausted() bool { return len(s.votes) >= s.Cluster.Size()-1 }

// RefreshLease records a valid heartbeat-response from peer id within the
// lease window.
func (s *State) RefreshLease(id uint64) {
	s.leased[id] = true
}

// ResetLeaseWindow clears the leased set, called at the start of each
// lease tick before heartbeat responses repopulate it.
func (s *State) ResetLeaseWindow() {
	s.leased = make(map[uint64]bool)
}

// LeaseQuorumHeld reports whether |leased| + 1 still meets quorum. On
// failure the caller increments a consecutive-miss counter and steps down
// after two consecutive misses (spec §4.3 Leader lease).
func (s *State) LeaseQuorumHeld() bool {
	return len(s.leased)+1 >= s.Cluster.Quorum()
}

// NoteLeaseTick evaluates the lease window for this tick and reports
// whether the leader should step down (two consecutive failed ticks).
func (s *State) NoteLeaseTick() (shouldStepDown bool) {
	if s.LeaseQuorumHeld() {
		s.leaseLostTicks = 0
		return false
	}
	s.leaseLostTicks++
	return s.leaseLostTicks >= 2
}

// EvaluateReplayBarrier applies I6: once REPLAYING, a leader clears to
// REPLAYED when appliedIndex >= lowWaterMark; a follower clears when
// appliedIndex >= the committedIndex observed at its own transition.
func (s *State) EvaluateReplayBarrier(lastAppliedIndex uint64) {
	if s.ReplayState == cluster.Replayed {
		return
	}
	if s.IsLeader() {
		if lastAppliedIndex >= s.lowWaterMark {
			s.ReplayState = cluster.Replayed
		}
		return
	}
	if lastAppliedIndex >= s.followerCommit {
		s.ReplayState = cluster.Replayed
	}
}

// SetFollowerTransitionCommit records the committedIndex observed at the
// moment a non-leader role transition happens, the follower-side half of
// the replay-barrier watermark.
func (s *State) SetFollowerTransitionCommit(commit uint64) { s.followerCommit = commit }

// LowWaterMark returns the lastIndex captured at the most recent
// becomeLeader transition.
func (s *State) LowWaterMark() uint64 { return s.lowWaterMark }

// ResetElectionTick restarts the election countdown from zero. Called
// whenever a valid heartbeat or append is accepted from the current-term
// leader, so the countdown tracks time since last heard from a live leader
// rather than accumulating regardless of leader health (the teacher's
// handleHeartbeat does the equivalent c.timeElapsed = 0).
func (s *State) ResetElectionTick() { s.electionTick.Reset() }

// LeaderLeaseHeld reports whether this node still believes its current
// leader is alive: a leader is known and the election tick has not yet
// reached its un-jittered base duration since it was last reset. Used by
// handlePreVote to withhold a grant that would otherwise disrupt a live
// leader, grounded on the teacher's handlePreVote condition
// `c.leaderId != InvalidId && c.timeElapsed < c.electionTick`.
func (s *State) LeaderLeaseHeld() bool {
	return s.Leader != 0 && s.electionTick.WithinBaseWindow()
}
