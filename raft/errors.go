package raft

import "errors"

var (
	// ErrNotLeader names the not-leader outcome. No function in this
	// package returns it: Node.Propose has no error result and reports that
	// outcome through its reject callback with the current leader id.
	ErrNotLeader = errors.New("raft: not leader")
	// ErrStopped names the stopped-node outcome. No function in this
	// package returns it: proposals still pending when Close is called are
	// never resolved, and a Propose after Close enqueues an event that no
	// loop drains.
	ErrStopped = errors.New("raft: node stopped")
)
