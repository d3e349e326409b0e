package wal

import (
	"sync"
	"time"

	"github.com/kartikbazzad/bunbase/buncat/internal/config"
	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
)

// GroupCommit batches appends and performs a single fsync per batch. Every
// append carries a callback that runs once its bytes are durable (or failed).
//
//   - FsyncAlways: write and fsync on every append
//   - FsyncGroup: buffer, flush on timer or when the batch is full
//   - FsyncNone: write through, never fsync
type GroupCommit struct {
	mu     sync.Mutex
	file   FileHandle
	cfg    config.FsyncConfig
	logger *logger.Logger

	pending   []pendingWrite
	batchSize int

	flushTimer *time.Timer
	stopCh     chan struct{}
	wg         sync.WaitGroup
	stopped    bool

	stats GroupCommitStats

	// OnFsync is called after each fsync with its duration.
	OnFsync func(duration time.Duration)
}

type pendingWrite struct {
	data   []byte
	notify func(error)
}

// GroupCommitStats tracks group commit performance metrics.
type GroupCommitStats struct {
	TotalBatches    uint64
	TotalRecords    uint64
	MaxBatchSize    int
	MaxBatchLatency time.Duration
	LastFlushTime   time.Time
}

// FileHandle abstracts file operations for group commit.
type FileHandle interface {
	Write(p []byte) (n int, err error)
	Sync() error
}

func NewGroupCommit(file FileHandle, cfg config.FsyncConfig, log *logger.Logger) *GroupCommit {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Millisecond
	}
	return &GroupCommit{
		file:       file,
		cfg:        cfg,
		logger:     log,
		pending:    make([]pendingWrite, 0, cfg.MaxBatchSize),
		batchSize:  cfg.MaxBatchSize,
		flushTimer: time.NewTimer(cfg.Interval),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the background flusher.
func (gc *GroupCommit) Start() {
	gc.wg.Add(1)
	go gc.flushLoop()
}

// Stop flushes whatever is pending and shuts the flusher down.
func (gc *GroupCommit) Stop() error {
	gc.mu.Lock()
	if gc.stopped {
		gc.mu.Unlock()
		return nil
	}
	gc.stopped = true
	gc.mu.Unlock()

	close(gc.stopCh)
	gc.flushTimer.Stop()
	gc.wg.Wait()

	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.flushLocked()
}

// Write queues data; notify runs once the data is durable per the fsync mode.
func (gc *GroupCommit) Write(data []byte, notify func(error)) error {
	gc.mu.Lock()
	if gc.stopped {
		gc.mu.Unlock()
		return errors.ErrPoolStopped
	}

	switch gc.cfg.Mode {
	case config.FsyncAlways, config.FsyncNone:
		_, err := gc.file.Write(data)
		if err == nil && gc.cfg.Mode == config.FsyncAlways {
			err = gc.syncLocked()
		}
		gc.mu.Unlock()
		if err != nil {
			err = errors.Wrapf(errors.ErrFileWrite, "%v", err)
		}
		notify(err)
		return err

	case config.FsyncGroup:
		gc.pending = append(gc.pending, pendingWrite{data: data, notify: notify})
		full := len(gc.pending) >= gc.batchSize
		gc.mu.Unlock()
		if full {
			gc.flushTimer.Reset(0)
		}
		return nil

	default:
		gc.mu.Unlock()
		return errors.Errorf("unknown fsync mode: %s", gc.cfg.Mode)
	}
}

// Sync forces an immediate flush of pending writes.
func (gc *GroupCommit) Sync() error {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.flushLocked()
}

func (gc *GroupCommit) syncLocked() error {
	start := time.Now()
	if err := gc.file.Sync(); err != nil {
		return err
	}
	if gc.OnFsync != nil {
		gc.OnFsync(time.Since(start))
	}
	return nil
}

func (gc *GroupCommit) flushLocked() error {
	if len(gc.pending) == 0 {
		return nil
	}
	start := time.Now()
	batch := gc.pending
	gc.pending = make([]pendingWrite, 0, gc.batchSize)

	var err error
	for _, p := range batch {
		if _, err = gc.file.Write(p.data); err != nil {
			break
		}
	}
	if err == nil {
		err = gc.syncLocked()
	}
	if err != nil {
		gc.logger.Error("Group commit flush of %d writes failed: %v", len(batch), err)
		err = errors.Wrapf(errors.ErrFileSync, "%v", err)
	}
	for _, p := range batch {
		p.notify(err)
	}

	latency := time.Since(start)
	gc.stats.TotalBatches++
	gc.stats.TotalRecords += uint64(len(batch))
	if len(batch) > gc.stats.MaxBatchSize {
		gc.stats.MaxBatchSize = len(batch)
	}
	if latency > gc.stats.MaxBatchLatency {
		gc.stats.MaxBatchLatency = latency
	}
	gc.stats.LastFlushTime = time.Now()
	return err
}

func (gc *GroupCommit) flushLoop() {
	defer gc.wg.Done()
	for {
		select {
		case <-gc.stopCh:
			return
		case <-gc.flushTimer.C:
			gc.mu.Lock()
			_ = gc.flushLocked()
			gc.mu.Unlock()
			gc.flushTimer.Reset(gc.cfg.Interval)
		}
	}
}

// Stats returns group commit performance statistics.
func (gc *GroupCommit) Stats() GroupCommitStats {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.stats
}
