package loop

import (
	"sync/atomic"

	"github.com/kestrelraft/raft/channel"
	"github.com/kestrelraft/raft/message"
	"github.com/kestrelraft/raft/raftapi"
	"github.com/kestrelraft/raft/storage"
	"github.com/kestrelraft/raft/wal"
	"github.com/sirupsen/logrus"
)

// Transporter is the opaque message sink/source the spec treats transport
// as an external collaborator for.
type Transporter interface {
	Send(msg message.Message) error
}

// ApplyItem is what the group-commit loop hands to the apply loop: a batch
// of committed entries and/or a snapshot to install.
type ApplyItem struct {
	CommittedEntries []message.Entry
	Snapshot         *message.Snapshot
}

// GroupCommitLoop drains READY, batch-appends entries to the WAL, hands
// stable-and-committed entries onward to the apply loop, dispatches
// outgoing messages, and acknowledges the Raft loop via ADVANCE.
//
// Grounded on the teacher's Wal.Save (batch append + fsync-equivalent
// flush) and AbstractRaftNode's wal field; generalized to coalesce READY
// batches, to split dispatch/apply-enqueue/advance into their own ordered
// steps per spec §4.6, and to write through a storage.Store rather than a
// concrete *wal.Wal so storageType can swap the persistence strategy
// underneath it.
type GroupCommitLoop struct {
	ch          *channel.Channel
	store       storage.Store
	driver      *raftapi.Driver
	transporter Transporter
	selfID      uint64
	running     int32
	lg          *logrus.Entry
}

// NewGroupCommitLoop builds a GroupCommitLoop writing through store (any
// storage.Store, including a bare *wal.Wal, which already satisfies the
// interface).
func NewGroupCommitLoop(ch *channel.Channel, store storage.Store, driver *raftapi.Driver, transporter Transporter, selfID uint64) *GroupCommitLoop {
	return &GroupCommitLoop{
		ch:          ch,
		store:       store,
		driver:      driver,
		transporter: transporter,
		selfID:      selfID,
		lg:          logrus.WithField("component", "group-commit-loop"),
	}
}

func (l *GroupCommitLoop) Stop() { atomic.StoreInt32(&l.running, 0) }

func (l *GroupCommitLoop) Run() {
	atomic.StoreInt32(&l.running, 1)
	for atomic.LoadInt32(&l.running) == 1 {
		l.safeCycle()
	}
}

func (l *GroupCommitLoop) safeCycle() {
	defer func() {
		if r := recover(); r != nil {
			l.lg.WithField("panic", r).Error("group-commit-loop: cycle panicked, continuing")
		}
	}()
	l.cycle()
}

func (l *GroupCommitLoop) cycle() {
	item, ok := l.ch.Poll(channel.Ready, PollTimeout)
	if !ok {
		return
	}
	ready := item.(raftapi.Ready)
	l.handleReady(ready)

	for {
		item, ok := l.ch.Poll(channel.Ready, 0)
		if !ok {
			return
		}
		l.handleReady(item.(raftapi.Ready))
	}
}

func (l *GroupCommitLoop) handleReady(ready raftapi.Ready) {
	state := &wal.HardState{
		Term:   l.driver.State().Term,
		Vote:   l.driver.State().Vote,
		Commit: l.driver.Log().CommittedIndex(),
	}

	if err := l.store.Save(state, ready.EntriesToPersist); err != nil {
		// §7: reject the batch atomically — no dispatch, no apply enqueue,
		// no ADVANCE. The Raft loop retries from the last acknowledged
		// watermark on its next cycle since stableIndex never moved.
		l.lg.WithError(err).Error("group-commit-loop: storage save failed, rejecting batch")
		return
	}

	if len(ready.EntriesToPersist) > 0 {
		last := ready.EntriesToPersist[len(ready.EntriesToPersist)-1]
		l.driver.Log().StableTo(last.Index)
	}

	if len(ready.CommittedEntries) > 0 || ready.Snapshot != nil {
		l.ch.Offer(channel.Apply, ApplyItem{CommittedEntries: ready.CommittedEntries, Snapshot: ready.Snapshot})
	}

	for _, msg := range ready.MessagesToSend {
		if err := l.transporter.Send(msg); err != nil {
			l.lg.WithError(err).WithField("to", msg.To).Warn("group-commit-loop: send failed, marking peer unreachable")
			l.driver.HandleUnreachable(msg.To)
		}
	}

	l.ch.Offer(channel.Advance, struct{}{})
}
