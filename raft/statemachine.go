package raft

import "github.com/kestrelraft/raft/message"

// StateMachine is the caller-supplied apply target: the engine hands it
// committed entries in order and, on snapshot install, a full state image.
// A StateMachine must never block or panic expecting a retry — a panic is
// caught, logged, and never retried (see loop.ApplyLoop.applyEntries).
type StateMachine interface {
	Apply(entries []message.Entry)
	ApplySnapshot(data []byte)
}

// SnapshotBuilder produces a fresh snapshot of the caller's state machine
// when the engine decides a compaction is due (SnapshotTriggerInterval).
// Implementing it is optional: a Config with SnapshotTriggerInterval == 0
// never calls it.
type SnapshotBuilder interface {
	BuildSnapshot() (*message.Snapshot, error)
}
