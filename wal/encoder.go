package wal

import (
	"encoding/binary"
	"os"

	"github.com/kestrelraft/raft/message"
)

const frameSizeBytes = 8

type encoder struct {
	file *os.File
}

func newEncoder(file *os.File) *encoder {
	return &encoder{file: file}
}

// encode length-prefixes and pads rec to the frame boundary, matching the
// teacher's encoder.encode (raft/wal/encoder.go): a little-endian int32
// length header, the gob payload, then zero padding out to an 8-byte
// boundary.
func (e *encoder) encode(rec *record) error {
	data, err := message.Marshal(rec)
	if err != nil {
		return err
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := e.file.Write(header[:]); err != nil {
		return err
	}
	if _, err := e.file.Write(data); err != nil {
		return err
	}
	pad := padding(int32(len(data)))
	if pad > 0 {
		if _, err := e.file.Write(make([]byte, pad)); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) flush() error {
	return e.file.Sync()
}

func padding(length int32) int32 {
	rem := length % frameSizeBytes
	if rem == 0 {
		return 0
	}
	return frameSizeBytes - rem
}
