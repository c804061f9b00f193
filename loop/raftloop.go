// Package loop implements the three cooperating event loops: the Raft
// driver loop, the group-commit (persistence) loop, and the apply loop.
// Each is a single long-lived goroutine communicating exclusively through
// the Request Channel.
//
// Grounded on AbstractRaftNode's event-channel description and the
// teacher's Raft.service/periodic/handleRaftReady cadence (raft/raft.go),
// split from one goroutine-plus-ticker into three independent loops per
// the spec. ApplyLoop (apply.go) is a close port of ApplyEventLoop.java's
// exact control flow.
package loop

import (
	"sync/atomic"
	"time"

	"github.com/kestrelraft/raft/channel"
	"github.com/kestrelraft/raft/message"
	"github.com/kestrelraft/raft/raftapi"
	"github.com/sirupsen/logrus"
)

// PollTimeout bounds every blocking Poll call in all three loops,
// satisfying the lost-wakeup-safe liveness guarantee from spec §5.
const PollTimeout = 200 * time.Millisecond

// RaftLoop drains TICK, MESSAGE, PROPOSAL and ADVANCE, runs the Raft APIs,
// and posts a Ready batch to the group-commit loop.
type RaftLoop struct {
	ch      *channel.Channel
	driver  *raftapi.Driver
	running int32
	lg      *logrus.Entry
}

// NewRaftLoop builds a RaftLoop over ch and driver.
func NewRaftLoop(ch *channel.Channel, driver *raftapi.Driver) *RaftLoop {
	return &RaftLoop{ch: ch, driver: driver, lg: logrus.WithField("component", "raft-loop")}
}

// Stop requests the loop to exit at the top of its next cycle.
func (l *RaftLoop) Stop() { atomic.StoreInt32(&l.running, 0) }

// Run drives the loop until Stop is called. Every cycle wraps its work in
// a catch-all recover so the loop never dies (spec §7 propagation policy).
func (l *RaftLoop) Run() {
	atomic.StoreInt32(&l.running, 1)
	for atomic.LoadInt32(&l.running) == 1 {
		l.safeCycle()
	}
}

func (l *RaftLoop) safeCycle() {
	defer func() {
		if r := recover(); r != nil {
			l.lg.WithField("panic", r).Error("raft-loop: cycle panicked, continuing")
		}
	}()
	l.cycle()
}

func (l *RaftLoop) cycle() {
	drained := l.drainTicks()
	drained = l.drainMessages() || drained
	drained = l.drainProposals() || drained
	drained = l.drainAdvance() || drained

	if !drained {
		l.ch.EnsureWork(channel.Tick, PollTimeout)
		return
	}

	ready := l.driver.Ready()
	l.ch.Offer(channel.Ready, ready)
}

// drainTicks drains every pending TICK event. A PeriodicTick always
// advances whichever of the election/heartbeat CountdownTicks corestate
// currently has armed (State.ActiveTick swaps the pointer on every role
// transition) — treating both as one physical period avoids double-
// counting the same armed tick under two different event labels. A
// LeaseTick is forwarded regardless of role; it is a no-op while not
// leader (Driver.LeaseTick returns immediately unless this node leads).
func (l *RaftLoop) drainTicks() bool {
	any := false
	for {
		item, ok := l.ch.Poll(channel.Tick, 0)
		if !ok {
			return any
		}
		any = true
		switch item.(TickEvent) {
		case PeriodicTick:
			if l.driver.State().ActiveTick().Tick() {
				if l.driver.State().IsLeader() {
					l.driver.BroadcastHeartbeat()
					l.driver.State().ActiveTick().Reset()
				} else {
					l.driver.Hup()
				}
			}
		case LeaseTick:
			l.driver.LeaseTick()
		}
	}
}

func (l *RaftLoop) drainMessages() bool {
	any := false
	for {
		item, ok := l.ch.Poll(channel.Message, 0)
		if !ok {
			return any
		}
		any = true
		l.driver.Step(item.(message.Message))
	}
}

// drainProposals applies pending proposals while leader; a non-leader
// bounces each through its Reject callback with the current leader id (0
// if no leader is known yet).
func (l *RaftLoop) drainProposals() bool {
	any := false
	for {
		item, ok := l.ch.Poll(channel.Proposal, 0)
		if !ok {
			return any
		}
		any = true
		p := item.(ProposalEvent)
		if !l.driver.State().IsLeader() {
			p.Reject(l.driver.State().Leader)
			continue
		}
		index, accepted := l.driver.Propose(p.Data, p.Attachments)
		p.Accept(index, accepted)
	}
}

func (l *RaftLoop) drainAdvance() bool {
	any := false
	for {
		_, ok := l.ch.Poll(channel.Advance, 0)
		if !ok {
			return any
		}
		any = true
	}
}

// TickEvent distinguishes a physical period (driving whichever of
// election/heartbeat is armed) from a lease-window evaluation.
type TickEvent int

const (
	PeriodicTick TickEvent = iota
	LeaseTick
)

// ProposalEvent carries a client write plus the callbacks used to resolve
// its future.
type ProposalEvent struct {
	Data        []byte
	Attachments map[string]string
	Accept      func(index uint64, ok bool)
	Reject      func(leaderID uint64)
}
