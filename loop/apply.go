package loop

import (
	"sync/atomic"
	"time"

	"github.com/kestrelraft/raft/channel"
	"github.com/kestrelraft/raft/message"
	"github.com/kestrelraft/raft/raftapi"
	"github.com/kestrelraft/raft/snapshot"
	"github.com/sirupsen/logrus"
)

// StateMachine is the user-supplied apply target.
type StateMachine interface {
	Apply(entries []message.Entry)
	ApplySnapshot(data []byte)
}

// SnapshotBuilder produces a fresh snapshot of the state machine when the
// apply loop decides a compaction is due.
type SnapshotBuilder interface {
	BuildSnapshot() (*message.Snapshot, error)
}

// snapshotResult is what a background snapshot-build worker reports back to
// the apply loop's own goroutine, which alone performs the Save/Compact
// that follows (raftlog.Log and snapshot.Snapshotter are not safe for
// concurrent mutation).
type snapshotResult struct {
	snap *message.Snapshot
	err  error
}

// ApplyLoop drains APPLY, hands committed entries and/or a snapshot to the
// user state machine, advances appliedIndex, evaluates the replay barrier,
// and periodically triggers snapshot building.
//
// A close, faithful-in-spirit Go port of ApplyEventLoop.java: the same
// lost-wakeup gate, the same "apply then unconditionally clear applying
// and advance appliedIndex" ordering (done in a defer, Go's equivalent of
// the original's finally block), the same replay-barrier evaluation, and
// the same triggerToSnapshot() call at the end of every iteration.
//
// triggerSnapshot dispatches the build itself (the expensive, user-supplied
// SnapshotBuilder.BuildSnapshot call) onto a bounded pool of background
// goroutines sized by backgroundThreadsNum, mirroring AbstractRaftNode's
// ScheduledThreadPoolExecutor(config.getBackgroundThreadsNum()); the apply
// loop's own goroutine only ever installs an already-built result, so it is
// never blocked waiting on a build.
type ApplyLoop struct {
	ch              *channel.Channel
	driver          *raftapi.Driver
	stateMachine    StateMachine
	snapshotter     *snapshot.Snapshotter
	builder         SnapshotBuilder
	triggerInterval uint64 // appliedIndex delta since last snapshot that triggers a build
	lastSnapshotAt  uint64

	snapshotReadOnly bool

	sem     chan struct{}
	results chan snapshotResult

	running int32
	lg      *logrus.Entry
}

// NewApplyLoop builds an ApplyLoop. backgroundThreads bounds concurrent
// snapshot builds (values <= 0 default to 1); snapshotReadOnly controls
// whether an installed snapshot's body bytes are handed to the state
// machine as-is or copied first.
func NewApplyLoop(ch *channel.Channel, driver *raftapi.Driver, sm StateMachine, snapshotter *snapshot.Snapshotter, builder SnapshotBuilder, triggerInterval uint64, backgroundThreads int, snapshotReadOnly bool) *ApplyLoop {
	if backgroundThreads <= 0 {
		backgroundThreads = 1
	}
	return &ApplyLoop{
		ch:               ch,
		driver:           driver,
		stateMachine:     sm,
		snapshotter:      snapshotter,
		builder:          builder,
		triggerInterval:  triggerInterval,
		snapshotReadOnly: snapshotReadOnly,
		sem:              make(chan struct{}, backgroundThreads),
		results:          make(chan snapshotResult, backgroundThreads),
		lg:               logrus.WithField("component", "apply-loop"),
	}
}

func (l *ApplyLoop) Stop() { atomic.StoreInt32(&l.running, 0) }

func (l *ApplyLoop) Run() {
	atomic.StoreInt32(&l.running, 1)
	for atomic.LoadInt32(&l.running) == 1 {
		l.safeCycle()
	}
}

func (l *ApplyLoop) safeCycle() {
	defer func() {
		if r := recover(); r != nil {
			l.lg.WithField("panic", r).Error("apply-loop: cycle panicked, continuing")
		}
	}()
	l.cycle()
}

// cycle mirrors ApplyEventLoop.run(): gate on canFetch, drain one item, and
// always call triggerToSnapshot before returning.
func (l *ApplyLoop) cycle() {
	l.ch.EnsureWork(channel.Apply, ensureApplyCheckInterval)

	item, ok := l.ch.Poll(channel.Apply, 0)
	if ok {
		l.handleItem(item.(ApplyItem))
	}

	l.triggerSnapshot()
}

func (l *ApplyLoop) handleItem(item ApplyItem) {
	if len(item.CommittedEntries) > 0 {
		l.applyEntries(item.CommittedEntries)
	}
	if item.Snapshot != nil {
		l.applySnapshot(item.Snapshot)
	}
}

// applyEntries hands the batch to the state machine. A panic from the user
// state machine is logged and never retried (spec §7): the engine still
// advances appliedIndex and clears the applying flag regardless of outcome.
func (l *ApplyLoop) applyEntries(entries []message.Entry) {
	self := l.driver.State().Cluster.Self()
	self.Applying = true
	defer func() {
		if r := recover(); r != nil {
			l.lg.WithField("panic", r).Error("apply-loop: state machine panicked, not retrying")
		}
		last := entries[len(entries)-1]
		l.driver.Log().AppliedTo(last.Index)
		self.Applying = false
		l.driver.State().EvaluateReplayBarrier(last.Index)
	}()
	l.stateMachine.Apply(entries)
}

func (l *ApplyLoop) applySnapshot(snap *message.Snapshot) {
	saved := true
	if err := l.snapshotter.Save(snap); err != nil {
		l.lg.WithError(err).Error("apply-loop: snapshot save failed, retrying on next trigger")
		saved = false
	}
	if err := l.driver.Log().InstallSnapshot(snap.Meta.Index, snap.Meta.Term); err != nil {
		l.lg.WithError(err).Error("apply-loop: failed to install snapshot")
	}
	l.driver.Log().AppliedTo(snap.Meta.Index)
	if snap.Meta.Term > l.driver.State().Term {
		l.driver.State().Term = snap.Meta.Term
	}
	l.driver.State().EvaluateReplayBarrier(snap.Meta.Index)

	data := snap.Data
	if !l.snapshotReadOnly {
		cp := make([]byte, len(data))
		copy(cp, data)
		data = cp
	}
	l.stateMachine.ApplySnapshot(data)
	if saved {
		l.lastSnapshotAt = snap.Meta.Index
	}
}

// triggerSnapshot installs any background build that has finished since the
// last cycle, then — if the applied-index delta since the last snapshot
// exceeds the configured threshold and a worker slot is free — dispatches
// another build. A pool saturated with in-flight builds simply defers to
// the next cycle rather than blocking.
func (l *ApplyLoop) triggerSnapshot() {
	l.drainSnapshotResults()

	if l.builder == nil || l.triggerInterval == 0 {
		return
	}
	applied := l.driver.Log().AppliedIndex()
	if applied < l.lastSnapshotAt || applied-l.lastSnapshotAt <= l.triggerInterval {
		return
	}

	select {
	case l.sem <- struct{}{}:
	default:
		return
	}
	builder := l.builder
	go func() {
		defer func() { <-l.sem }()
		snap, err := builder.BuildSnapshot()
		l.results <- snapshotResult{snap: snap, err: err}
	}()
}

// drainSnapshotResults installs every build a background worker has
// finished since the last cycle. Installation itself (Save/Compact) stays
// on the apply loop's own goroutine.
func (l *ApplyLoop) drainSnapshotResults() {
	for {
		select {
		case res := <-l.results:
			l.installBuiltSnapshot(res)
		default:
			return
		}
	}
}

func (l *ApplyLoop) installBuiltSnapshot(res snapshotResult) {
	if res.err != nil {
		l.lg.WithError(res.err).Warn("apply-loop: snapshot build failed, retrying on next trigger")
		return
	}
	if err := l.snapshotter.Save(res.snap); err != nil {
		l.lg.WithError(err).Warn("apply-loop: snapshot save failed, retrying on next trigger")
		return
	}
	if err := l.driver.Log().Compact(res.snap.Meta.Index); err != nil {
		l.lg.WithError(err).Error("apply-loop: failed to compact log after self-triggered snapshot")
	}
	l.lastSnapshotAt = res.snap.Meta.Index
}

// ensureApplyCheckInterval is the bounded-wait period used while the APPLY
// slot is empty, matching ApplyEventLoop's checkIntervalSeconds.
const ensureApplyCheckInterval = 500 * time.Millisecond
