package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
)

func TestWriteRead(t *testing.T) {
	src := t.TempDir()
	db := filepath.Join(src, "catalog.db")
	seg := filepath.Join(src, "shop.wal")
	require.NoError(t, os.WriteFile(db, bytes.Repeat([]byte("checkpoint"), 1000), 0644))
	require.NoError(t, os.WriteFile(seg, []byte("segment"), 0644))

	var buf bytes.Buffer
	m := Manifest{CatalogID: "id", Name: "shop", Version: 7, Checkpoint: "catalog.db", WAL: []string{"shop.wal"}}
	require.NoError(t, Write(context.Background(), &buf, m, []File{
		{Name: "catalog.db", Path: db},
		{Name: "shop.wal", Path: seg},
	}))
	assert.Less(t, buf.Len(), 10000, "archive is compressed")

	dst := t.TempDir()
	got, err := Read(context.Background(), &buf, dst)
	require.NoError(t, err)
	assert.Equal(t, "shop", got.Name)
	assert.Equal(t, uint64(7), got.Version)
	assert.Equal(t, FormatVersion, got.Format)
	assert.Equal(t, []string{"shop.wal"}, got.WAL)

	data, err := os.ReadFile(filepath.Join(dst, "shop.wal"))
	require.NoError(t, err)
	assert.Equal(t, "segment", string(data))
	data, err = os.ReadFile(filepath.Join(dst, "catalog.db"))
	require.NoError(t, err)
	assert.Len(t, data, 10000)
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := Read(context.Background(), bytes.NewReader([]byte("not an archive")), t.TempDir())
	assert.True(t, errors.Is(err, errors.ErrCorruptRecord))
}

func TestReadRejectsTraversal(t *testing.T) {
	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))
	var buf bytes.Buffer
	require.NoError(t, Write(context.Background(), &buf, Manifest{Name: "shop"}, []File{{Name: "../evil", Path: src}}))
	_, err := Read(context.Background(), &buf, t.TempDir())
	assert.True(t, errors.Is(err, errors.ErrCorruptRecord))
}

func TestFileName(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "shop-v12-20260102T030405.tar.lz4", FileName("shop", 12, at))
}
