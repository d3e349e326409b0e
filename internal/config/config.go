package config

import (
	"runtime"
	"time"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
)

type Config struct {
	DataDir string

	WAL         WALConfig
	Transaction TransactionConfig
	Server      ServerConfig
	Storage     StorageConfig
	Metrics     MetricsConfig
	Log         LogConfig
}

type FsyncMode string

const (
	FsyncAlways FsyncMode = "always" // Sync on every append (safest, slowest)
	FsyncGroup  FsyncMode = "group"  // Batch syncs with group commit (recommended)
	FsyncNone   FsyncMode = "none"   // Never sync; the catalog is rebuildable anyway
)

type FsyncConfig struct {
	Mode         FsyncMode     // always | group | none
	Interval     time.Duration // Group commit flush interval
	MaxBatchSize int           // Max records per group commit batch
}

type WALConfig struct {
	MaxFileSizeMB uint64
	Fsync         FsyncConfig
	Compress      bool          // Snappy-compress mutation payloads
	Retention     time.Duration // History older than this may be purged (0 = keep everything)
	KeepSegments  int           // Segments always kept regardless of retention
	PurgeInterval time.Duration // How often the purge task runs
}

type TransactionConfig struct {
	QueueSize      int           // Pending commits per catalog before ErrQueueFull
	ConflictWindow int           // Max committed transactions kept for conflict checks
	SessionTimeout time.Duration // Inactive sessions are closed after this (0 = never)
	CommitTimeout  time.Duration // Upper bound a synchronous close waits on its stage
}

type ServerConfig struct {
	WorkerCount  int           // Background worker goroutines (ants pool size)
	WorkerExpiry time.Duration // Goroutine expiry for ants pool
	PreAlloc     bool          // Pre-allocate goroutine queue
}

type StorageConfig struct {
	CheckpointInterval time.Duration // Periodic trunk flush to the catalog store (0 = go-live only)
}

type MetricsConfig struct {
	Enabled bool
	Addr    string
}

type LogConfig struct {
	Level string
}

func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		WAL: WALConfig{
			MaxFileSizeMB: 64,
			Fsync: FsyncConfig{
				Mode:         FsyncGroup,
				Interval:     time.Millisecond,
				MaxBatchSize: 100,
			},
			Compress:      true,
			Retention:     0,
			KeepSegments:  2,
			PurgeInterval: time.Minute,
		},
		Transaction: TransactionConfig{
			QueueSize:      1024,
			ConflictWindow: 1000,
			SessionTimeout: 0,
			CommitTimeout:  30 * time.Second,
		},
		Server: ServerConfig{
			WorkerCount:  runtime.NumCPU(),
			WorkerExpiry: time.Second,
			PreAlloc:     false,
		},
		Storage: StorageConfig{
			CheckpointInterval: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9464",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data dir must be set")
	}
	switch c.WAL.Fsync.Mode {
	case FsyncAlways, FsyncGroup, FsyncNone:
	default:
		return errors.Errorf("config: unknown fsync mode %q", c.WAL.Fsync.Mode)
	}
	if c.WAL.MaxFileSizeMB == 0 {
		return errors.New("config: wal max file size must be positive")
	}
	if c.WAL.Retention < 0 {
		return errors.New("config: wal retention must not be negative")
	}
	if c.Transaction.QueueSize <= 0 {
		return errors.New("config: transaction queue size must be positive")
	}
	if c.Transaction.ConflictWindow <= 0 {
		return errors.New("config: conflict window must be positive")
	}
	if c.Server.WorkerCount <= 0 {
		return errors.New("config: worker count must be positive")
	}
	return nil
}
