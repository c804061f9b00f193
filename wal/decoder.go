package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/kestrelraft/raft/message"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// decoder reads frames across a sequence of segment files, advancing to the
// next file once the current one is exhausted. Grounded on the teacher's
// decoder (raft/wal/decoder.go).
type decoder struct {
	readers []*bufio.Reader
}

func newDecoder(files []*os.File) *decoder {
	readers := make([]*bufio.Reader, len(files))
	for i, f := range files {
		readers[i] = bufio.NewReader(f)
	}
	return &decoder{readers: readers}
}

// decode reads the next frame into rec. Returns io.EOF once every segment
// is exhausted.
func (d *decoder) decode(rec *record) error {
	rec.Reset()
	if len(d.readers) == 0 {
		return io.EOF
	}

	length, err := readLength(d.readers[0])
	if err == io.EOF || (err == nil && length == 0) {
		d.readers = d.readers[1:]
		if len(d.readers) == 0 {
			return io.EOF
		}
		return d.decode(rec)
	}
	if err != nil {
		return err
	}

	pad := padding(length)
	data := make([]byte, length)
	if _, err := io.ReadFull(d.readers[0], data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if pad > 0 {
		if _, err := io.ReadFull(d.readers[0], make([]byte, pad)); err != nil {
			return io.ErrUnexpectedEOF
		}
	}

	if err := message.Unmarshal(rec, data); err != nil {
		return err
	}
	crc := crc32.Checksum(rec.Data, crcTable)
	if rec.Crc != crc {
		return ErrCRCMismatch
	}
	return nil
}

func readLength(r io.Reader) (int32, error) {
	var n int32
	err := binary.Read(r, binary.LittleEndian, &n)
	return n, err
}
