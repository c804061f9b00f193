// Package snapshot persists compacted state-machine images, indexed by
// (index, term), with a retention sweep.
//
// The teacher has no standalone snapshotter — NodeApplication.ApplySnapshot/
// ReadSnapshot is an opaque callback pair with no on-disk component of its
// own. This package is new, grounded on the teacher's WAL file-naming idiom
// (wal/filename.go's "%016x-%016x.wal" sequence-index scheme) applied
// instead to "%016x-%016x.snap" (index-term), and on its sorted-directory-
// listing helpers (wal/common.go's readDir).
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kestrelraft/raft/message"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("snapshot: no snapshot found")

// Snapshotter persists and retires snapshots under a directory, one file
// per snapshot named by its (index, term).
type Snapshotter struct {
	dir       string
	readOnly  bool
	retention int
	log       *logrus.Entry
}

// Option configures a Snapshotter.
type Option func(*Snapshotter)

// WithReadOnly controls whether Load returns snapshot bytes backed directly
// by the read buffer (true) or a defensive copy (false, the default).
func WithReadOnly(readOnly bool) Option {
	return func(s *Snapshotter) { s.readOnly = readOnly }
}

// New builds a Snapshotter rooted at dir, retaining at least retention
// (>0) most recent snapshots.
func New(dir string, retention int, opts ...Option) (*Snapshotter, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("snapshot: minSnapshotsRetention must be positive, got %d", retention)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	s := &Snapshotter{
		dir:       dir,
		retention: retention,
		log:       logrus.WithField("component", "snapshot"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func fileName(index, term uint64) string {
	return fmt.Sprintf("%016x-%016x.snap", index, term)
}

func parseFileName(name string) (index, term uint64, err error) {
	if !strings.HasSuffix(name, ".snap") {
		return 0, 0, fmt.Errorf("snapshot: bad file name %q", name)
	}
	_, err = fmt.Sscanf(name, "%016x-%016x.snap", &index, &term)
	return index, term, err
}

// Save persists snap to disk, named by its metadata. Save is idempotent: a
// re-save of the same (index, term) overwrites in place.
func (s *Snapshotter) Save(snap *message.Snapshot) error {
	name := fileName(snap.Meta.Index, snap.Meta.Term)
	tmp := filepath.Join(s.dir, name+".tmp")
	final := filepath.Join(s.dir, name)

	data, err := message.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	s.log.WithFields(logrus.Fields{"index": snap.Meta.Index, "term": snap.Meta.Term}).Info("snapshot saved")
	return s.sweep()
}

// Meta is the lightweight directory-listing entry returned by Snapshots.
type Meta struct {
	Index uint64
	Term  uint64
}

// Snapshots returns every retained snapshot's metadata, ordered by index
// ascending.
func (s *Snapshotter) Snapshots() ([]Meta, error) {
	names, err := s.listNames()
	if err != nil {
		return nil, err
	}
	out := make([]Meta, 0, len(names))
	for _, n := range names {
		idx, term, err := parseFileName(n)
		if err != nil {
			continue
		}
		out = append(out, Meta{Index: idx, Term: term})
	}
	return out, nil
}

// Latest returns the highest-index retained snapshot, or ErrNotFound.
func (s *Snapshotter) Latest() (Meta, error) {
	metas, err := s.Snapshots()
	if err != nil {
		return Meta{}, err
	}
	if len(metas) == 0 {
		return Meta{}, ErrNotFound
	}
	return metas[len(metas)-1], nil
}

// Load reads back the snapshot identified by index (term is recovered from
// the file name so callers need not track it). Body bytes are a defensive
// copy unless the Snapshotter was built WithReadOnly(true).
func (s *Snapshotter) Load(index uint64) (*message.Snapshot, error) {
	names, err := s.listNames()
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		idx, _, err := parseFileName(n)
		if err != nil || idx != index {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, n))
		if err != nil {
			return nil, fmt.Errorf("snapshot: read: %w", err)
		}
		var snap message.Snapshot
		if err := message.Unmarshal(&snap, data); err != nil {
			return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
		}
		if !s.readOnly {
			cp := make([]byte, len(snap.Data))
			copy(cp, snap.Data)
			snap.Data = cp
		}
		return &snap, nil
	}
	return nil, ErrNotFound
}

func (s *Snapshotter) listNames() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Slice(names, func(i, j int) bool {
		iIdx, _, _ := parseFileName(names[i])
		jIdx, _, _ := parseFileName(names[j])
		return iIdx < jIdx
	})
	return names, nil
}

// sweep prunes all but the s.retention most recent snapshots. Failures
// deleting an individual file are logged and do not abort the sweep (a
// retry happens on the next save).
func (s *Snapshotter) sweep() error {
	names, err := s.listNames()
	if err != nil {
		return err
	}
	if len(names) <= s.retention {
		return nil
	}
	toRemove := names[:len(names)-s.retention]
	for _, n := range toRemove {
		if err := os.Remove(filepath.Join(s.dir, n)); err != nil {
			s.log.WithError(err).WithField("file", n).Warn("snapshot: failed to prune old snapshot")
		}
	}
	return nil
}
