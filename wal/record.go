package wal

import "encoding/gob"

// recordType distinguishes the two kinds of frame the log persists.
type recordType int32

const (
	recordEntry recordType = iota
	recordHardState
)

// record is the on-disk frame wrapping either a replicated Entry or a
// HardState snapshot of (term, vote, commit). Grounded on the teacher's
// walpd.Record (raft/wal/proto/record.go): {Type, Crc, Data}, gob-encoded.
type record struct {
	Type recordType
	Crc  uint32
	Data []byte
}

func (r *record) Reset() { *r = record{} }

func init() {
	gob.Register(record{})
}

// HardState is the durable subset of election state: term, the candidate
// voted for this term, and the last known committed index.
type HardState struct {
	Term   uint64
	Vote   uint64
	Commit uint64
}

func (h *HardState) Reset() { *h = HardState{} }

func (h HardState) IsEmpty() bool {
	return h.Term == 0 && h.Vote == 0 && h.Commit == 0
}

func init() {
	gob.Register(HardState{})
}
