package wal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

var errBadSegmentName = errors.New("wal: bad segment file name")

// parseSegmentName parses a "%016x-%016x.wal" segment file name into its
// (sequence, index) pair, the teacher's naming scheme verbatim
// (wal/filename.go).
func parseSegmentName(name string) (seq, index uint64, err error) {
	if !strings.HasSuffix(name, ".wal") {
		return 0, 0, errBadSegmentName
	}
	_, err = fmt.Sscanf(name, "%016x-%016x.wal", &seq, &index)
	if err != nil {
		return 0, 0, errBadSegmentName
	}
	return seq, index, nil
}

func segmentName(seq, index uint64) string {
	return fmt.Sprintf("%016x-%016x.wal", seq, index)
}

func filterSegmentNames(names []string) []string {
	result := make([]string, 0, len(names))
	for _, n := range names {
		if _, _, err := parseSegmentName(n); err != nil {
			continue
		}
		result = append(result, n)
	}
	return result
}

func readAllSegmentNames(dir string) ([]string, error) {
	names, err := readDir(dir)
	if err != nil {
		return nil, err
	}
	names = filterSegmentNames(names)
	if len(names) == 0 {
		return nil, ErrFileNotFound
	}
	return names, nil
}

// isValidSequence reports whether names form an unbroken sequence run.
func isValidSequence(names []string) bool {
	var last uint64
	var haveLast bool
	for _, name := range names {
		seq, _, err := parseSegmentName(name)
		if err != nil {
			logrus.WithField("file", name).Panic("wal: parsed-valid name failed to reparse")
		}
		if haveLast && seq != last+1 {
			return false
		}
		last, haveLast = seq, true
	}
	return true
}

// searchFromIndex returns the position of the first segment whose starting
// index is <= the requested index, scanning from the newest backwards —
// that segment is where a replay from `index` should begin.
func searchFromIndex(names []string, index uint64) (int, bool) {
	for i := len(names) - 1; i >= 0; i-- {
		_, segIndex, err := parseSegmentName(names[i])
		if err != nil {
			logrus.WithField("file", names[i]).Panic("wal: parsed-valid name failed to reparse")
		}
		if index >= segIndex {
			return i, true
		}
	}
	return -1, false
}
