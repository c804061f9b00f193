package wal

import (
	"os"
	"sort"
)

// readDir returns the filenames in dir in sorted order, matching the
// teacher's wal/common.go helper.
func readDir(dirPath string) ([]string, error) {
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, err
	}
	defer dir.Close()
	names, err := dir.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
