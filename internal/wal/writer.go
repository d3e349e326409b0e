package wal

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/kartikbazzad/bunbase/buncat/internal/config"
	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
)

// Writer appends encoded batches to the active segment of one log.
//
// It is responsible for:
//   - handing bytes to group commit according to the fsync mode
//   - tracking the active segment size and rotating it
//   - reporting each batch's location once it is durable
type Writer struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	size      uint64
	fsync     config.FsyncConfig
	gc        *GroupCommit
	rotator   *Rotator
	logger    *logger.Logger
	retryCtrl *errors.RetryController
	isClosed  bool

	// OnRotate runs after the active segment was renamed to seq.
	OnRotate func(seq int)
	// OnFsync observes fsync latency.
	OnFsync func(time.Duration)
}

func NewWriter(path string, maxSize uint64, fsync config.FsyncConfig, log *logger.Logger) *Writer {
	return &Writer{
		path:      path,
		fsync:     fsync,
		logger:    log,
		rotator:   NewRotator(path, maxSize, log),
		retryCtrl: errors.NewRetryController(),
	}
}

func (w *Writer) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.openLocked()
}

func (w *Writer) openLocked() error {
	var file *os.File
	err := w.retryCtrl.Retry(context.Background(), func() error {
		f, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrapf(errors.ErrFileOpen, "%s: %v", w.path, err)
		}
		file = f
		return nil
	})
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Wrapf(errors.ErrFileOpen, "stat %s: %v", w.path, err)
	}

	w.file = file
	w.size = uint64(info.Size())
	w.isClosed = false
	w.gc = NewGroupCommit(file, w.fsync, w.logger)
	w.gc.OnFsync = w.OnFsync
	if w.fsync.Mode == config.FsyncGroup {
		w.gc.Start()
	}
	return nil
}

// Append writes data as one unit. notify receives the location of the data
// in the active segment once it is durable, or the failure.
func (w *Writer) Append(data []byte, notify func(Location, error)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil || w.isClosed {
		return errors.Wrap(errors.ErrInstanceTerminated, "wal writer closed")
	}

	loc := Location{Segment: ActiveSegment, Offset: int64(w.size), Size: int64(len(data))}
	if err := w.gc.Write(data, func(err error) { notify(loc, err) }); err != nil {
		return err
	}
	w.size += uint64(len(data))

	if w.rotator.ShouldRotate(w.size) {
		if err := w.rotateLocked(); err != nil {
			w.logger.Error("WAL rotation failed for %s: %v", w.path, err)
		}
	}
	return nil
}

func (w *Writer) rotateLocked() error {
	// everything pending must reach the old file before it is renamed
	if err := w.gc.Stop(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrapf(errors.ErrFileSync, "%v", err)
	}
	if err := w.file.Close(); err != nil {
		return errors.Wrapf(errors.ErrFileWrite, "%v", err)
	}

	seq, rotErr := w.rotator.Rotate()
	if rotErr == nil && w.OnRotate != nil {
		w.OnRotate(seq)
	}
	// reopen either a fresh active file or, on failure, the same one
	if err := w.openLocked(); err != nil {
		return err
	}
	return rotErr
}

// Sync flushes pending writes.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil || w.isClosed {
		return nil
	}
	if err := w.gc.Sync(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Rotate forces a rotation of a non-empty active segment.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil || w.isClosed || w.size == 0 {
		return nil
	}
	return w.rotateLocked()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil || w.isClosed {
		return nil
	}
	w.isClosed = true
	if err := w.gc.Stop(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return errors.Wrapf(errors.ErrFileSync, "%v", err)
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *Writer) Size() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Stats returns group commit metrics of the active segment.
func (w *Writer) Stats() GroupCommitStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gc == nil {
		return GroupCommitStats{}
	}
	return w.gc.Stats()
}
