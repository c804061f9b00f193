// Package wal implements the write-ahead log: append-only, sequential-write
// segments, each record length-prefixed, CRC-checked and carrying either an
// Entry or a HardState snapshot.
//
// Grounded directly on the teacher's raft/wal package (wal.go, encoder.go,
// decoder.go, filename.go, common.go, wal/proto/record.go), generalized
// from the teacher's raftpd.Entry/HardState to this module's message.Entry
// and wal.HardState, and from a single default segment size to a
// configurable one.
package wal

import (
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/kestrelraft/raft/message"
	"github.com/sirupsen/logrus"
)

// DefaultSegmentSizeBytes is the size at which a segment rotates. Exported
// so tests can force frequent rotation.
var DefaultSegmentSizeBytes int64 = 64 * 1000 * 1000

var (
	ErrFileNotFound = errors.New("wal: file not found")
	ErrCRCMismatch  = errors.New("wal: crc mismatch")
)

// Wal is an append-only, segment-rotated write-ahead log opened for either
// writing (Create) or read-then-write (Open followed by ReadAll).
type Wal struct {
	dir            string
	segmentSize    int64
	lastEntryIndex uint64
	files          []*os.File
	enc            *encoder
	dec            *decoder
	log            *logrus.Entry
}

// Create initializes a brand-new WAL directory starting at firstIndex (the
// index of the first entry this log will ever hold, usually 1).
func Create(dir string, firstIndex uint64) (*Wal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := filepath.Join(dir, segmentName(0, 0))
	file, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	w := &Wal{
		dir:            dir,
		segmentSize:    DefaultSegmentSizeBytes,
		lastEntryIndex: firstIndex,
		files:          []*os.File{file},
		log:            logrus.WithField("component", "wal"),
	}
	w.enc = newEncoder(w.tailFile())
	return w, nil
}

// Open opens an existing WAL for replay starting from the segment covering
// lsn, in read mode. Call ReadAll to drain it, which switches the Wal into
// write (append) mode.
func Open(dir string, lsn uint64) (*Wal, error) {
	names, err := readAllSegmentNames(dir)
	if err != nil {
		return nil, err
	}
	idx, ok := searchFromIndex(names, lsn)
	if !ok || !isValidSequence(names[idx:]) {
		return nil, ErrFileNotFound
	}

	files := make([]*os.File, 0, len(names)-idx)
	for i := idx; i < len(names); i++ {
		f, err := os.OpenFile(filepath.Join(dir, names[i]), os.O_RDWR, 0o600)
		if err != nil {
			closeAll(files)
			return nil, err
		}
		files = append(files, f)
	}

	return &Wal{
		dir:            dir,
		segmentSize:    DefaultSegmentSizeBytes,
		lastEntryIndex: lsn,
		files:          files,
		dec:            newDecoder(files),
		log:            logrus.WithField("component", "wal"),
	}, nil
}

// ReadAll drains every record from a Wal opened with Open, returning the
// last persisted HardState and the entry tail. After returning, the Wal is
// switched to write mode and further Save calls append to the tail
// segment.
func (w *Wal) ReadAll() (state HardState, entries []message.Entry, err error) {
	if w.dec == nil {
		return HardState{}, nil, errors.New("wal: ReadAll called on a write-mode log")
	}

	offset := w.lastEntryIndex
	var rec record
	for {
		if err := w.dec.decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return HardState{}, nil, err
		}
		switch rec.Type {
		case recordEntry:
			var e message.Entry
			if err := message.Unmarshal(&e, rec.Data); err != nil {
				return HardState{}, nil, err
			}
			if e.Index >= offset {
				entries = append(entries[:e.Index-offset], e)
			}
			w.lastEntryIndex = e.Index
		case recordHardState:
			if err := message.Unmarshal(&state, rec.Data); err != nil {
				return HardState{}, nil, err
			}
		default:
			w.log.WithField("type", rec.Type).Panic("wal: unknown record type on replay")
		}
	}

	tail := w.tailFile()
	closeAll(w.files[:len(w.files)-1])
	w.files = []*os.File{tail}
	w.dec = nil
	if _, err := tail.Seek(0, io.SeekEnd); err != nil {
		return HardState{}, nil, err
	}
	w.enc = newEncoder(tail)
	return state, entries, nil
}

// Save group-commits a HardState and a batch of entries: both are written
// and fsync'd as a single durability unit, then the tail segment rotates if
// it has grown past the configured size.
func (w *Wal) Save(state *HardState, entries []message.Entry) error {
	if state != nil && !state.IsEmpty() {
		if err := w.saveState(state); err != nil {
			return err
		}
	}
	for i := range entries {
		if err := w.saveEntry(&entries[i]); err != nil {
			return err
		}
	}
	if err := w.sync(); err != nil {
		return err
	}

	off, err := w.tailFile().Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if off >= w.segmentSize {
		return w.rotate()
	}
	return nil
}

func (w *Wal) saveState(state *HardState) error {
	data, err := message.Marshal(state)
	if err != nil {
		return err
	}
	rec := record{Type: recordHardState, Crc: crc32Of(data), Data: data}
	return w.enc.encode(&rec)
}

func (w *Wal) saveEntry(entry *message.Entry) error {
	data, err := message.Marshal(entry)
	if err != nil {
		return err
	}
	rec := record{Type: recordEntry, Crc: crc32Of(data), Data: data}
	if err := w.enc.encode(&rec); err != nil {
		return err
	}
	w.lastEntryIndex = entry.Index
	return nil
}

func (w *Wal) sync() error {
	return w.enc.flush()
}

func (w *Wal) rotate() error {
	seq := w.lastSequence() + 1
	file, err := os.Create(filepath.Join(w.dir, segmentName(seq, w.lastEntryIndex+1)))
	if err != nil {
		return err
	}
	w.files = append(w.files, file)
	w.enc = newEncoder(file)
	return nil
}

func (w *Wal) tailFile() *os.File {
	return w.files[len(w.files)-1]
}

func (w *Wal) lastSequence() uint64 {
	seq, _, err := parseSegmentName(filepath.Base(w.tailFile().Name()))
	if err != nil {
		w.log.WithError(err).Panic("wal: tail segment has an unparseable name")
	}
	return seq
}

// Close releases every open segment file handle.
func (w *Wal) Close() error {
	closeAll(w.files)
	return nil
}

func crc32Of(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}
