package wal

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kartikbazzad/bunbase/buncat/internal/config"
	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

// Options configures one log.
type Options struct {
	Dir         string
	Name        string
	MaxFileSize uint64
	Fsync       config.FsyncConfig
}

// OptionsFrom derives log options from the WAL config.
func OptionsFrom(dir, name string, cfg config.WALConfig) Options {
	return Options{
		Dir:         dir,
		Name:        name,
		MaxFileSize: cfg.MaxFileSizeMB * 1024 * 1024,
		Fsync:       cfg.Fsync,
	}
}

// Log is an append-only sequence of transaction batches addressed by version.
type Log struct {
	opts    Options
	path    string
	logger  *logger.Logger
	rotator *Rotator
	writer  *Writer
	index   *VersionIndex

	mu          sync.Mutex
	lastVersion uint64

	failMu sync.Mutex
	failed error

	rotations atomic.Uint64
	closed    atomic.Bool
}

// Open recovers the log from disk and prepares it for appends. A torn batch
// at the tail of the active segment is cut off; damage anywhere else fails.
func Open(opts Options, log *logger.Logger) (*Log, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, errors.Wrapf(errors.ErrFileOpen, "wal dir %s: %v", opts.Dir, err)
	}
	path := filepath.Join(opts.Dir, opts.Name+".wal")
	l := &Log{
		opts:    opts,
		path:    path,
		logger:  log.With("wal", opts.Name),
		rotator: NewRotator(path, opts.MaxFileSize, log),
		index:   NewVersionIndex(),
	}

	if err := l.recover(); err != nil {
		return nil, err
	}
	purged, err := l.loadWatermark()
	if err != nil {
		return nil, err
	}
	l.index.MarkPurged(purged)
	l.lastVersion = purged
	if last, ok := l.index.Last(); ok && last.Version > l.lastVersion {
		l.lastVersion = last.Version
	}

	l.writer = NewWriter(path, opts.MaxFileSize, opts.Fsync, l.logger)
	l.writer.OnRotate = func(seq int) {
		l.index.MoveSegment(ActiveSegment, seq)
		l.rotations.Add(1)
	}
	if err := l.writer.Open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) recover() error {
	seqs, err := l.rotator.Sequences()
	if err != nil {
		return err
	}
	total := 0
	for i, seq := range seqs {
		active := i == len(seqs)-1 && seq == ActiveSegment
		n, err := l.recoverSegment(seq, active)
		total += n
		if err != nil {
			return err
		}
	}
	if total > 0 {
		l.logger.Info("Recovered %d transaction(s) from %d segment(s)", total, len(seqs))
	}
	return nil
}

func (l *Log) recoverSegment(seq int, active bool) (int, error) {
	path := l.rotator.SegmentPath(seq)
	r := NewReader(path)
	if err := r.Open(); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer r.Close()

	count := 0
	for {
		start := r.Offset()
		b, err := r.NextBatch()
		if err != nil {
			if !active {
				return count, errors.Wrapf(err, "segment %s at offset %d", path, start)
			}
			r.Close()
			if truncErr := os.Truncate(path, start); truncErr != nil {
				return count, errors.Wrapf(errors.ErrFileWrite, "truncate %s: %v", path, truncErr)
			}
			l.logger.Warn("Truncated active WAL %s at offset %d after damaged tail: %v", path, start, err)
			return count, nil
		}
		if b == nil {
			return count, nil
		}
		e := entryFor(b.Marker, Location{Segment: seq, Offset: start, Size: r.Offset() - start})
		if err := l.index.Add(e); err != nil {
			return count, errors.Wrapf(err, "segment %s", path)
		}
		count++
	}
}

// Path returns the active segment path.
func (l *Log) Path() string { return l.path }

// Index exposes the version index.
func (l *Log) Index() *VersionIndex { return l.index }

// LastVersion returns the newest appended version.
func (l *Log) LastVersion() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastVersion
}

// SetBaseline records the version that precedes the first logged batch.
func (l *Log) SetBaseline(v types.CatalogVersion) {
	l.index.SetBaseline(v)
}

// Append writes a batch. The returned channel yields exactly one value: nil
// once the batch is durable and indexed, or the failure. A failed append
// leaves the log refusing further appends.
func (l *Log) Append(b Batch) (<-chan error, error) {
	if l.closed.Load() {
		return nil, errors.Wrap(errors.ErrInstanceTerminated, "wal closed")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failure(); err != nil {
		return nil, err
	}
	if b.Marker.Version <= l.lastVersion {
		return nil, errors.Wrapf(errors.ErrInvalidMutation, "version %d is not after %d", b.Marker.Version, l.lastVersion)
	}
	b.Marker.MutationCount = uint32(len(b.Mutations))
	data, err := encodeBatch(b)
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	marker := b.Marker
	err = l.writer.Append(data, func(loc Location, err error) {
		if err == nil {
			err = l.index.Add(entryFor(marker, loc))
		}
		if err != nil {
			l.fail(errors.Wrapf(err, "wal append of version %d", marker.Version))
		}
		done <- err
		close(done)
	})
	if err != nil {
		l.fail(err)
		return nil, err
	}
	l.lastVersion = b.Marker.Version
	return done, nil
}

func (l *Log) fail(err error) {
	l.failMu.Lock()
	defer l.failMu.Unlock()
	if l.failed == nil {
		l.failed = err
		l.logger.Error("WAL refuses further appends: %v", err)
	}
}

func (l *Log) failure() error {
	l.failMu.Lock()
	defer l.failMu.Unlock()
	return l.failed
}

// VersionAt returns the last version committed at or before moment.
func (l *Log) VersionAt(moment time.Time) (types.CatalogVersion, error) {
	return l.index.At(moment)
}

// Versions lists committed versions page by page.
func (l *Log) Versions(flow types.TimeFlow, page, pageSize int) types.Page[types.CatalogVersion] {
	return l.index.Page(flow, page, pageSize)
}

// Sync flushes pending appends to disk.
func (l *Log) Sync() error {
	return l.writer.Sync()
}

// Rotate closes the active segment so it becomes eligible for purging.
func (l *Log) Rotate() error {
	return l.writer.Rotate()
}

// SegmentPaths returns all segment files in replay order.
func (l *Log) SegmentPaths() ([]string, error) {
	seqs, err := l.rotator.Sequences()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, l.rotator.SegmentPath(s))
	}
	return out, nil
}

// Size returns the size of the active segment.
func (l *Log) Size() uint64 {
	return l.writer.Size()
}

// Close flushes and closes the writer. It is idempotent; streams opened
// before fail with ErrInstanceTerminated afterwards.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.writer.Close()
}
