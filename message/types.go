// Package message defines the wire-level taxonomy exchanged between Raft
// peers: entries, snapshots and the envelope message that carries them.
//
// The field layout mirrors a protobuf schema (stable, explicitly tagged
// enums, no interface-typed fields) even though the codec behind it is
// encoding/gob — see Marshal/Unmarshal in codec.go.
package message

import "fmt"

// EntryType distinguishes a normal replicated payload from a cluster
// configuration change.
type EntryType int

const (
	EntryNormal EntryType = iota
	EntryConfig
)

var entryTypeNames = [...]string{"NORMAL", "CONFIG"}

func (t EntryType) String() string {
	if int(t) < 0 || int(t) >= len(entryTypeNames) {
		return fmt.Sprintf("EntryType(%d)", int(t))
	}
	return entryTypeNames[t]
}

// Entry is a single record in the replicated log. Index is strictly
// monotone and gapless; Term is non-decreasing with Index. CRC is computed
// over (Term, Index, Type, Data) by Seal, which Driver.Propose calls; the
// becomeLeader NOP is not sealed. WAL replay does not check CRC: it checks
// the CRC32C of each record frame's encoded bytes instead.
type Entry struct {
	Type        EntryType
	Term        uint64
	Index       uint64
	CRC         uint32
	Data        []byte
	Attachments map[string]string
}

func (e *Entry) Reset() { *e = Entry{} }

func (e Entry) String() string {
	return fmt.Sprintf("message.Entry{type: %v, term: %d, index: %d, len(data): %d}",
		e.Type, e.Term, e.Index, len(e.Data))
}

// SnapshotMetadata identifies a snapshot by the last log position it
// captures.
type SnapshotMetadata struct {
	Index uint64
	Term  uint64
}

func (m *SnapshotMetadata) Reset() { *m = SnapshotMetadata{} }

// Snapshot is a compacted state-machine image.
type Snapshot struct {
	Meta SnapshotMetadata
	Data []byte
}

func (s *Snapshot) Reset() { *s = Snapshot{} }

// MessageType enumerates every message the Raft APIs understand, local
// pseudo-messages (Hup, Propose, Lease, Nop) included.
type MessageType int

const (
	MsgHup MessageType = iota
	MsgPreVoteRequest
	MsgPreVoteResponse
	MsgVoteRequest
	MsgVoteResponse
	MsgAppendEntriesRequest
	MsgAppendEntriesResponse
	MsgSnapshotRequest
	MsgSnapshotResponse
	MsgHeartbeatRequest
	MsgHeartbeatResponse
	MsgPropose
	MsgLease
	MsgNop
)

var messageTypeNames = [...]string{
	"HUP",
	"PREVOTE_REQUEST",
	"PREVOTE_RESPONSE",
	"VOTE_REQUEST",
	"VOTE_RESPONSE",
	"APPEND_ENTRIES_REQUEST",
	"APPEND_ENTRIES_RESPONSE",
	"SNAPSHOT_REQUEST",
	"SNAPSHOT_RESPONSE",
	"HEARTBEAT_REQUEST",
	"HEARTBEAT_RESPONSE",
	"PROPOSE",
	"LEASE",
	"NOP",
}

func (t MessageType) String() string {
	if int(t) < 0 || int(t) >= len(messageTypeNames) {
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
	return messageTypeNames[t]
}

// RejectType explains why a replication request was rejected.
type RejectType int

const (
	RejectNone RejectType = iota
	RejectLowTerm
	RejectLogNotMatch
	RejectLogNonSequential
)

var rejectTypeNames = [...]string{"NONE", "LOW_TERM", "LOG_NOT_MATCH", "LOG_NON_SEQUENTIAL"}

func (t RejectType) String() string {
	if int(t) < 0 || int(t) >= len(rejectTypeNames) {
		return fmt.Sprintf("RejectType(%d)", int(t))
	}
	return rejectTypeNames[t]
}

// Message is the envelope carried over the Transporter. Not every field is
// meaningful for every MessageType; unused fields are left zero.
type Message struct {
	Type MessageType
	From uint64
	To   uint64

	Term uint64

	// LogIndex/LogTerm carry (prevIndex, prevTerm) for append requests and
	// (lastLogIndex, lastLogTerm) for vote/prevote requests.
	LogIndex uint64
	LogTerm  uint64

	// CommitIndex is the sender's committed index, piggy-backed on append
	// and heartbeat messages (leaderCommit in the classic Raft RPC).
	CommitIndex uint64

	// Index carries the follower's matched index on append and snapshot
	// responses.
	Index uint64

	Entries  []Entry
	Snapshot *Snapshot

	Reject     bool
	RejectType RejectType
	RejectHint uint64

	Context []byte
}

func (m *Message) Reset() { *m = Message{} }

func (m Message) String() string {
	return fmt.Sprintf("message.Message{type: %v, from: %d, to: %d, term: %d}",
		m.Type, m.From, m.To, m.Term)
}
