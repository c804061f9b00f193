package raft

import "github.com/kestrelraft/raft/message"

// Transporter is the caller-supplied message sink: the engine treats wire
// transport as an external collaborator (spec Non-goals — this module owns
// no socket). Send should be non-blocking or bounded; a returned error
// marks the destination peer unreachable and folds its reachability into
// GroupState on the next Refresh.
type Transporter interface {
	Send(msg message.Message) error
}
