package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "buncat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
datadir: /var/lib/buncat
wal:
  maxfilesizemb: 8
  retention: 1h
  fsync:
    mode: always
transaction:
  queuesize: 16
`), 0o644))

	t.Setenv("BUNCAT_LOG_LEVEL", "debug")
	t.Setenv("BUNCAT_SERVER_WORKERCOUNT", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/buncat", cfg.DataDir)
	assert.Equal(t, uint64(8), cfg.WAL.MaxFileSizeMB)
	assert.Equal(t, time.Hour, cfg.WAL.Retention)
	assert.Equal(t, FsyncAlways, cfg.WAL.Fsync.Mode)
	assert.Equal(t, 16, cfg.Transaction.QueueSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Server.WorkerCount)
	// untouched defaults survive
	assert.Equal(t, 1000, cfg.Transaction.ConflictWindow)
	assert.True(t, cfg.WAL.Compress)
}

func TestValidateRejectsUnknownFsyncMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WAL.Fsync.Mode = "sometimes"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Transaction.QueueSize = 0
	require.Error(t, cfg.Validate())
}
