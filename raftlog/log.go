// Package raftlog implements the in-memory log view layered over the
// write-ahead log: the five-index model (firstIndex <= appliedIndex <=
// committedIndex <= stableIndex <= lastIndex) plus append, truncation,
// compaction and term lookup.
//
// Grounded on the teacher's core/log.go (holder.LogHolder): dummy-first-entry
// design, findConflict/truncateAndAppend suffix handling, CompactTo/
// StableEntries, generalized to the spec's distinct stableIndex (the teacher
// collapses stable-and-committed into one "lastStabled" concept used for
// both apply-ready and persistence-ready slicing) and extended with
// TruncateSuffix, a spec operation the teacher only performs implicitly
// inside TryAppend.
package raftlog

import (
	"errors"
	"fmt"

	"github.com/kestrelraft/raft/message"
)

var (
	// ErrCompacted is returned when a caller asks for an entry or term at an
	// index that has already been compacted away.
	ErrCompacted = errors.New("raftlog: requested index has been compacted")
	// ErrUnavailable is returned when a caller asks for an entry beyond
	// lastIndex.
	ErrUnavailable = errors.New("raftlog: requested index is not in the log")
	// ErrTruncateCommitted is returned by TruncateSuffix when fromIndex is
	// at or below committedIndex (spec §7: truncateSuffix is only legal
	// above the committed watermark).
	ErrTruncateCommitted = errors.New("raftlog: cannot truncate at or below committed index")
)

// Log is the replicated log view. entries[0] is a dummy placeholder holding
// (offset, offsetTerm); real entries start at entries[1], matching the
// teacher's holder design so index arithmetic stays offset-relative
// throughout.
type Log struct {
	entries []message.Entry

	appliedIndex   uint64
	committedIndex uint64
	stableIndex    uint64
}

// New builds an empty log. offset/offsetTerm seed the dummy entry, used when
// rebuilding a log on top of a snapshot boundary.
func New(offset, offsetTerm uint64) *Log {
	l := &Log{entries: make([]message.Entry, 1, 64)}
	l.entries[0] = message.Entry{Index: offset, Term: offsetTerm}
	l.appliedIndex = offset
	l.committedIndex = offset
	l.stableIndex = offset
	return l
}

// Restore rebuilds a log from a persisted tail (as read back from the WAL)
// sitting atop a snapshot boundary (offset, offsetTerm). stable and
// committed both start at the tail's last index; applied starts at offset
// and is advanced by the apply loop as it replays.
func Restore(offset, offsetTerm uint64, tail []message.Entry) *Log {
	l := New(offset, offsetTerm)
	l.entries = append(l.entries, tail...)
	last := l.lastIndex()
	l.stableIndex = last
	l.committedIndex = last
	return l
}

func (l *Log) firstIndex() uint64 { return l.entries[0].Index + 1 }
func (l *Log) lastIndex() uint64  { return l.entries[0].Index + uint64(len(l.entries)) - 1 }

// FirstIndex is the lowest index still retained in the log (entries below
// it only exist via a snapshot).
func (l *Log) FirstIndex() uint64 { return l.firstIndex() }

// LastIndex is the highest index present in the log.
func (l *Log) LastIndex() uint64 { return l.lastIndex() }

// AppliedIndex is the highest index delivered to the state machine.
func (l *Log) AppliedIndex() uint64 { return l.appliedIndex }

// CommittedIndex is the highest index known replicated to a quorum.
func (l *Log) CommittedIndex() uint64 { return l.committedIndex }

// StableIndex is the highest index durably written to the WAL.
func (l *Log) StableIndex() uint64 { return l.stableIndex }

// LastSnapshotIndex is the index of the most recent compaction boundary
// (0 if the log has never been compacted), satisfying corestate.LogView.
func (l *Log) LastSnapshotIndex() uint64 { return l.entries[0].Index }

func (l *Log) offset() uint64 { return l.entries[0].Index }

// Term returns the term of the entry at index, or an error if it has been
// compacted away or is beyond lastIndex.
func (l *Log) Term(index uint64) (uint64, error) {
	if index == l.offset() {
		return l.entries[0].Term, nil
	}
	if index < l.offset() {
		return 0, ErrCompacted
	}
	if index > l.lastIndex() {
		return 0, ErrUnavailable
	}
	return l.entries[index-l.offset()].Term, nil
}

// LastTerm is Term(lastIndex), which can never fail.
func (l *Log) LastTerm() uint64 {
	t, _ := l.Term(l.lastIndex())
	return t
}

// Entries returns a copy of entries in [lo, hi).
func (l *Log) Entries(lo, hi uint64) ([]message.Entry, error) {
	if lo > hi {
		return nil, fmt.Errorf("raftlog: invalid range [%d, %d)", lo, hi)
	}
	if lo < l.firstIndex() {
		return nil, ErrCompacted
	}
	if hi > l.lastIndex()+1 {
		return nil, ErrUnavailable
	}
	if lo == hi {
		return nil, nil
	}
	off := l.offset()
	src := l.entries[lo-off : hi-off]
	out := make([]message.Entry, len(src))
	copy(out, src)
	return out, nil
}

// IsUpToDate reports whether (term, index) is at least as up-to-date as
// this log's own last entry, per the standard Raft election-restriction
// comparison.
func (l *Log) IsUpToDate(term, index uint64) bool {
	lastTerm := l.LastTerm()
	return term > lastTerm || (term == lastTerm && index >= l.lastIndex())
}

// Append appends locally-originated entries (the leader path): entries must
// be contiguous and start exactly at lastIndex+1, carrying a non-decreasing
// term. Returns the new lastIndex.
func (l *Log) Append(entries []message.Entry) (uint64, error) {
	if len(entries) == 0 {
		return l.lastIndex(), nil
	}
	if entries[0].Index != l.lastIndex()+1 {
		return 0, fmt.Errorf("raftlog: append gap, want index %d, got %d", l.lastIndex()+1, entries[0].Index)
	}
	if entries[0].Term < l.LastTerm() {
		return 0, fmt.Errorf("raftlog: append term regression, have %d, got %d", l.LastTerm(), entries[0].Term)
	}
	l.entries = append(l.entries, entries...)
	return l.lastIndex(), nil
}

// TryAppend is the follower-side append: given the leader's claimed
// (prevIndex, prevTerm) and the entries following it, it verifies the log
// matches at prevIndex, resolves any conflicting suffix, and appends the
// new entries. On mismatch it returns ok=false and a hint index the leader
// can use to fast-backoff nextIndex (spec §9 Open Questions: jump to the
// conflicting term's first index).
func (l *Log) TryAppend(prevIndex, prevTerm uint64, entries []message.Entry) (ok bool, hint uint64) {
	if prevIndex < l.offset() {
		// Covered by a snapshot already; treat as matching.
		return true, 0
	}
	if prevIndex > l.lastIndex() {
		return false, l.lastIndex() + 1
	}
	term, err := l.Term(prevIndex)
	if err != nil || term != prevTerm {
		return false, l.findConflictHint(prevIndex)
	}
	conflict := l.findConflict(entries)
	if conflict == 0 {
		return true, 0
	}
	if conflict <= l.committedIndex {
		// Must never happen if the leader is honest; refuse rather than
		// silently violating I5.
		return false, l.committedIndex
	}
	suffix := entries[conflict-entries[0].Index:]
	l.truncateAndAppend(suffix)
	return true, 0
}

// findConflict returns the first index in entries whose term disagrees with
// what is already in the log (or falls past lastIndex), or 0 if the whole
// slice already matches.
func (l *Log) findConflict(entries []message.Entry) uint64 {
	for _, e := range entries {
		if e.Index > l.lastIndex() {
			return e.Index
		}
		have, err := l.Term(e.Index)
		if err != nil || have != e.Term {
			return e.Index
		}
	}
	return 0
}

// findConflictHint locates the first index of the term stored at
// mismatchIndex, used as the fast-backoff hint.
func (l *Log) findConflictHint(mismatchIndex uint64) uint64 {
	term, err := l.Term(mismatchIndex)
	if err != nil {
		return l.offset()
	}
	idx := mismatchIndex
	for idx > l.offset() {
		t, err := l.Term(idx - 1)
		if err != nil || t != term {
			break
		}
		idx--
	}
	return idx
}

func (l *Log) truncateAndAppend(entries []message.Entry) {
	off := l.offset()
	cut := entries[0].Index - off
	l.entries = append(l.entries[:cut:cut], entries...)
	if l.stableIndex > l.lastIndex() {
		l.stableIndex = l.lastIndex()
	}
}

// TruncateSuffix drops every entry at index >= fromIndex. Only legal when
// fromIndex is strictly above committedIndex (spec §7); committed entries
// are never discarded.
func (l *Log) TruncateSuffix(fromIndex uint64) error {
	if fromIndex <= l.committedIndex {
		return ErrTruncateCommitted
	}
	if fromIndex > l.lastIndex()+1 {
		return nil
	}
	off := l.offset()
	cut := fromIndex - off
	l.entries = l.entries[:cut:cut]
	if l.stableIndex > l.lastIndex() {
		l.stableIndex = l.lastIndex()
	}
	return nil
}

// CommitTo advances committedIndex monotonically. Reports whether it moved.
func (l *Log) CommitTo(index uint64) bool {
	if index <= l.committedIndex {
		return false
	}
	if index > l.lastIndex() {
		index = l.lastIndex()
		if index <= l.committedIndex {
			return false
		}
	}
	l.committedIndex = index
	return true
}

// StableTo advances stableIndex monotonically, called by the group-commit
// loop once entries up to index are durably written.
func (l *Log) StableTo(index uint64) bool {
	if index <= l.stableIndex || index > l.lastIndex() {
		return false
	}
	l.stableIndex = index
	return true
}

// StableEntries returns the entries not yet durably written, i.e. in
// (stableIndex, lastIndex].
func (l *Log) StableEntries() []message.Entry {
	entries, _ := l.Entries(l.stableIndex+1, l.lastIndex()+1)
	return entries
}

// AppliedTo advances appliedIndex monotonically and idempotently. Reports
// whether it advanced (spec §8 round-trip property).
func (l *Log) AppliedTo(index uint64) bool {
	if index <= l.appliedIndex || index > l.committedIndex {
		return false
	}
	l.appliedIndex = index
	return true
}

// ApplyEntries returns the entries ready to hand to the state machine: the
// range (appliedIndex, min(committedIndex, stableIndex)].
func (l *Log) ApplyEntries() []message.Entry {
	target := l.committedIndex
	if l.stableIndex < target {
		target = l.stableIndex
	}
	if target <= l.appliedIndex {
		return nil
	}
	entries, err := l.Entries(l.appliedIndex+1, target+1)
	if err != nil {
		return nil
	}
	return entries
}

// InstallSnapshot rebases the log at (index, term), the follower-side
// counterpart to Compact: Compact only trims a prefix still physically
// present in entries, which cannot serve an inbound snapshot that is ahead
// of lastIndex (the entries it covers were never replicated here). When
// index is still within the current log, InstallSnapshot degrades to a
// plain Compact; otherwise every existing entry is discarded and replaced
// with the dummy boundary entry, matching New's layout.
func (l *Log) InstallSnapshot(index, term uint64) error {
	if index <= l.offset() {
		return nil
	}
	if index <= l.lastIndex() {
		return l.Compact(index)
	}
	l.entries = []message.Entry{{Index: index, Term: term}}
	l.appliedIndex = index
	l.committedIndex = index
	l.stableIndex = index
	return nil
}

// Compact drops entries up to and including uptoIndex, replacing them with
// a dummy boundary entry at (uptoIndex, term(uptoIndex)) — the log's
// response to a snapshot being taken or installed.
func (l *Log) Compact(uptoIndex uint64) error {
	if uptoIndex <= l.offset() {
		return nil
	}
	if uptoIndex > l.lastIndex() {
		return ErrUnavailable
	}
	term, err := l.Term(uptoIndex)
	if err != nil {
		return err
	}
	tail := l.entries[uptoIndex-l.offset():]
	kept := make([]message.Entry, len(tail))
	copy(kept, tail)
	kept[0] = message.Entry{Index: uptoIndex, Term: term}
	l.entries = kept
	if l.appliedIndex < uptoIndex {
		l.appliedIndex = uptoIndex
	}
	if l.committedIndex < uptoIndex {
		l.committedIndex = uptoIndex
	}
	if l.stableIndex < uptoIndex {
		l.stableIndex = uptoIndex
	}
	return nil
}
