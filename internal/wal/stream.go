package wal

import (
	"io"
	"os"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
)

// Stream walks transaction batches forward or backward. It holds segment
// file handles and must be closed.
type Stream struct {
	log      *Log
	versions []uint64
	pos      int
	readers  map[int]*Reader
	gen      uint64
	closed   bool
}

// Stream returns batches with version >= from, oldest first, up to the last
// batch durable when the stream was created.
func (l *Log) Stream(from uint64) (*Stream, error) {
	if err := l.checkRetained(from); err != nil {
		return nil, err
	}
	return l.newStream(from, true), nil
}

// ReverseStream returns batches with version <= from, newest first. A zero
// from starts at the last committed batch.
func (l *Log) ReverseStream(from uint64) (*Stream, error) {
	if from == 0 {
		last, ok := l.index.Last()
		if !ok {
			return l.newStream(0, false), nil
		}
		from = last.Version
	}
	if err := l.checkRetained(from); err != nil {
		return nil, err
	}
	return l.newStream(from, false), nil
}

func (l *Log) checkRetained(v uint64) error {
	if l.closed.Load() {
		return errors.Wrap(errors.ErrInstanceTerminated, "wal closed")
	}
	if purged := l.index.PurgedThrough(); v <= purged && purged > 0 {
		return errors.Wrapf(errors.ErrTemporalDataNotAvailable, "version %d was purged", v)
	}
	return nil
}

func (l *Log) newStream(from uint64, ascending bool) *Stream {
	s := &Stream{log: l, readers: map[int]*Reader{}, gen: l.rotations.Load()}
	l.index.Range(from, ascending, func(e Entry) bool {
		s.versions = append(s.versions, e.Version)
		return true
	})
	return s
}

// Remaining returns how many batches are left.
func (s *Stream) Remaining() int {
	return len(s.versions) - s.pos
}

// Next returns the next batch or io.EOF.
func (s *Stream) Next() (*Batch, error) {
	if s.closed || s.log.closed.Load() {
		return nil, errors.Wrap(errors.ErrInstanceTerminated, "stream closed")
	}
	if s.pos >= len(s.versions) {
		return nil, io.EOF
	}
	v := s.versions[s.pos]

	// the active segment may have been renamed since the reader was opened
	if g := s.log.rotations.Load(); g != s.gen {
		if r, ok := s.readers[ActiveSegment]; ok {
			r.Close()
			delete(s.readers, ActiveSegment)
		}
		s.gen = g
	}

	e, ok := s.log.index.Get(v)
	if !ok {
		return nil, errors.Wrapf(errors.ErrTemporalDataNotAvailable, "version %d was purged", v)
	}
	r, err := s.reader(e.Loc.Segment)
	if err != nil {
		return nil, err
	}
	if err := r.SeekTo(e.Loc.Offset); err != nil {
		return nil, err
	}
	b, err := r.NextBatch()
	if err != nil {
		return nil, errors.Wrapf(err, "read version %d", v)
	}
	if b == nil || b.Marker.Version != v {
		return nil, errors.Wrapf(errors.ErrCorruptRecord, "version %d not found at its location", v)
	}
	s.pos++
	return b, nil
}

func (s *Stream) reader(seq int) (*Reader, error) {
	if r, ok := s.readers[seq]; ok {
		return r, nil
	}
	r := NewReader(s.log.rotator.SegmentPath(seq))
	if err := r.Open(); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrTemporalDataNotAvailable, "segment %d is gone", seq)
		}
		return nil, err
	}
	s.readers[seq] = r
	return r, nil
}

// Close releases all file handles. It is idempotent.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for seq, r := range s.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.readers, seq)
	}
	return first
}
