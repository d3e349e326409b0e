package wal

import (
	"bufio"
	"io"
	"os"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
)

// ErrTornRecord marks a record cut short by a crash. It only ever appears at
// the tail of the active segment.
var ErrTornRecord = errors.Wrap(errors.ErrCorruptRecord, "torn record")

// Reader reads records of one segment sequentially.
//
// Thread Safety: not thread-safe (single reader per file).
type Reader struct {
	file   *os.File
	buf    *bufio.Reader
	path   string
	offset int64
}

func NewReader(path string) *Reader {
	return &Reader{path: path}
}

func (r *Reader) Open() error {
	file, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return errors.Wrapf(errors.ErrFileOpen, "%s: %v", r.path, err)
	}
	r.file = file
	r.buf = bufio.NewReader(file)
	r.offset = 0
	return nil
}

// SeekTo positions the reader at an absolute record offset.
func (r *Reader) SeekTo(offset int64) error {
	if _, err := r.file.Seek(offset, io.SeekStart); err != nil {
		return errors.Wrapf(errors.ErrFileRead, "seek %s: %v", r.path, err)
	}
	r.buf.Reset(r.file)
	r.offset = offset
	return nil
}

// Offset returns the offset of the next record to be read.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Next returns the next record, (nil, nil) at a clean end of file and
// ErrTornRecord for a partially written trailing record.
func (r *Reader) Next() (*Record, error) {
	if r.file == nil {
		return nil, errors.ErrFileRead
	}

	lenBuf := make([]byte, RecordLenSize)
	n, err := io.ReadFull(r.buf, lenBuf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, nil
		}
		return nil, ErrTornRecord
	}

	recordLen := byteOrder.Uint64(lenBuf)
	if recordLen < RecordOverhead || recordLen > MaxPayloadSize+RecordOverhead {
		return nil, errors.ErrCorruptRecord
	}

	full := make([]byte, recordLen)
	copy(full, lenBuf)
	if _, err := io.ReadFull(r.buf, full[RecordLenSize:]); err != nil {
		return nil, ErrTornRecord
	}

	rec, err := DecodeRecord(full)
	if err != nil {
		return nil, err
	}
	r.offset += int64(recordLen)
	return rec, nil
}

// NextBatch reads a marker and the mutation records it announces.
func (r *Reader) NextBatch() (*Batch, error) {
	head, err := r.Next()
	if err != nil || head == nil {
		return nil, err
	}
	marker, err := decodeMarker(head)
	if err != nil {
		return nil, err
	}

	b := &Batch{Marker: marker, Mutations: make([]Payload, 0, marker.MutationCount)}
	for i := uint32(0); i < marker.MutationCount; i++ {
		rec, err := r.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// marker promised more records than were written
			return nil, ErrTornRecord
		}
		if rec.Kind != RecordMutation || rec.Version != marker.Version {
			return nil, errors.Wrapf(errors.ErrCorruptRecord, "version %d: unexpected record", marker.Version)
		}
		b.Mutations = append(b.Mutations, Payload{Flags: rec.Flags, Data: rec.Payload})
	}
	return b, nil
}

func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
