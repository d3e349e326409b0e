package wal

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/bunbase/buncat/internal/config"
	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openLog(t *testing.T, dir string, mode config.FsyncMode, maxSize uint64) *Log {
	t.Helper()
	l, err := Open(Options{
		Dir:         dir,
		Name:        "shop",
		MaxFileSize: maxSize,
		Fsync:       config.FsyncConfig{Mode: mode, Interval: time.Millisecond, MaxBatchSize: 4},
	}, logger.Discard())
	require.NoError(t, err)
	return l
}

func batch(v uint64, payloads ...string) Batch {
	b := Batch{Marker: TxMarker{TxID: "tx", Version: v, SchemaVersion: 1, CommittedAt: epoch.Add(time.Duration(v) * time.Minute)}}
	for _, p := range payloads {
		b.Mutations = append(b.Mutations, Payload{Data: []byte(p)})
	}
	return b
}

func appendWait(t *testing.T, l *Log, b Batch) {
	t.Helper()
	done, err := l.Append(b)
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("append of version %d never became durable", b.Marker.Version)
	}
}

func TestRecordRoundTripDetectsCorruption(t *testing.T) {
	buf, err := EncodeRecord(Record{Kind: RecordMutation, Version: 9, Flags: 1, Payload: []byte("hello")})
	require.NoError(t, err)

	rec, err := DecodeRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), rec.Version)
	assert.Equal(t, []byte("hello"), rec.Payload)

	buf[HeaderSize] ^= 0xff
	_, err = DecodeRecord(buf)
	require.ErrorIs(t, err, errors.ErrCRCMismatch)
}

func TestAppendAndRecover(t *testing.T) {
	for _, mode := range []config.FsyncMode{config.FsyncAlways, config.FsyncGroup, config.FsyncNone} {
		t.Run(string(mode), func(t *testing.T) {
			dir := t.TempDir()
			l := openLog(t, dir, mode, 0)
			appendWait(t, l, batch(2, "a", "b"))
			appendWait(t, l, batch(3, "c"))

			_, err := l.Append(batch(3, "dup"))
			require.ErrorIs(t, err, errors.ErrInvalidMutation)
			require.NoError(t, l.Close())

			l = openLog(t, dir, mode, 0)
			defer l.Close()
			assert.Equal(t, uint64(3), l.LastVersion())
			assert.Equal(t, 2, l.Index().Len())

			s, err := l.Stream(0)
			require.NoError(t, err)
			defer s.Close()
			b, err := s.Next()
			require.NoError(t, err)
			assert.Equal(t, uint64(2), b.Marker.Version)
			assert.Equal(t, uint32(2), b.Marker.MutationCount)
			assert.Equal(t, "b", string(b.Mutations[1].Data))
			assert.True(t, epoch.Add(2*time.Minute).Equal(b.Marker.CommittedAt))
		})
	}
}

func TestTornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, config.FsyncAlways, 0)
	appendWait(t, l, batch(1, "a"))
	appendWait(t, l, batch(2, "b", "c"))
	sizeAfterFirst := int64(0)
	if e, ok := l.Index().Get(2); ok {
		sizeAfterFirst = e.Loc.Offset
	}
	require.NoError(t, l.Close())

	// chop the last record in half
	info, err := os.Stat(l.Path())
	require.NoError(t, err)
	require.NoError(t, os.Truncate(l.Path(), info.Size()-7))

	l = openLog(t, dir, config.FsyncAlways, 0)
	defer l.Close()
	assert.Equal(t, uint64(1), l.LastVersion())
	info, err = os.Stat(l.Path())
	require.NoError(t, err)
	assert.Equal(t, sizeAfterFirst, info.Size())

	// the log keeps working after truncation
	appendWait(t, l, batch(2, "again"))
	assert.Equal(t, 2, l.Index().Len())
}

func TestCorruptRotatedSegmentFailsOpen(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, config.FsyncAlways, 0)
	appendWait(t, l, batch(1, "a"))
	require.NoError(t, l.Rotate())
	appendWait(t, l, batch(2, "b"))
	require.NoError(t, l.Close())

	rotated := l.rotator.SegmentPath(1)
	data, err := os.ReadFile(rotated)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(rotated, data, 0644))

	_, err = Open(l.opts, logger.Discard())
	require.Error(t, err)
	assert.Equal(t, errors.ErrorCorruption, errors.Classify(err))
}

func TestStreamsAcrossRotation(t *testing.T) {
	dir := t.TempDir()
	// tiny segments force a rotation after every batch
	l := openLog(t, dir, config.FsyncAlways, 1)
	defer l.Close()
	for v := uint64(1); v <= 5; v++ {
		appendWait(t, l, batch(v, "m"))
	}
	paths, err := l.SegmentPaths()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(paths), 5)

	fwd, err := l.Stream(3)
	require.NoError(t, err)
	var got []uint64
	for {
		b, err := fwd.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, b.Marker.Version)
	}
	require.NoError(t, fwd.Close())
	assert.Equal(t, []uint64{3, 4, 5}, got)

	rev, err := l.ReverseStream(0)
	require.NoError(t, err)
	defer rev.Close()
	got = nil
	for {
		b, err := rev.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, b.Marker.Version)
	}
	assert.Equal(t, []uint64{5, 4, 3, 2, 1}, got)

	_, err = fwd.Next()
	require.ErrorIs(t, err, errors.ErrInstanceTerminated)
}

func TestVersionAtAndRetention(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, config.FsyncAlways, 0)
	defer l.Close()
	l.SetBaseline(types.CatalogVersion{Version: 1, Timestamp: epoch})

	for v := uint64(2); v <= 4; v++ {
		appendWait(t, l, batch(v, "m"))
		require.NoError(t, l.Rotate())
	}

	cv, err := l.VersionAt(epoch.Add(3*time.Minute + time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cv.Version)

	cv, err = l.VersionAt(epoch.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cv.Version, "baseline answers moments before the first batch")

	_, err = l.VersionAt(epoch.Add(-time.Hour))
	require.ErrorIs(t, err, errors.ErrTemporalDataNotAvailable)

	// versions 2 and 3 are old enough and checkpointed, 4 is kept by KeepSegments
	removed, err := l.Purge(PurgePolicy{OlderThan: epoch.Add(time.Hour), MaxVersion: 4, KeepSegments: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = l.VersionAt(epoch.Add(2*time.Minute + time.Second))
	require.ErrorIs(t, err, errors.ErrTemporalDataNotAvailable)
	cv, err = l.VersionAt(epoch.Add(4*time.Minute + time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cv.Version)

	_, err = l.Stream(2)
	require.ErrorIs(t, err, errors.ErrTemporalDataNotAvailable)
}

func TestPurgeRespectsCheckpoint(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, config.FsyncAlways, 0)
	defer l.Close()
	for v := uint64(1); v <= 3; v++ {
		appendWait(t, l, batch(v, "m"))
		require.NoError(t, l.Rotate())
	}
	removed, err := l.Purge(PurgePolicy{OlderThan: epoch.Add(time.Hour), MaxVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	first, ok := l.Index().First()
	require.True(t, ok)
	assert.Equal(t, uint64(2), first.Version)
}

func TestVersionsPaging(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, config.FsyncGroup, 0)
	defer l.Close()
	for v := uint64(1); v <= 5; v++ {
		appendWait(t, l, batch(v))
	}
	page := l.Versions(types.FromNewest, 1, 2)
	assert.Equal(t, 5, page.TotalCount)
	require.Len(t, page.Items, 2)
	assert.Equal(t, uint64(5), page.Items[0].Version)
	assert.Equal(t, uint64(4), page.Items[1].Version)

	page = l.Versions(types.FromOldest, 3, 2)
	require.Len(t, page.Items, 1)
	assert.Equal(t, uint64(5), page.Items[0].Version)
	assert.Equal(t, 3, page.LastPage())
}

func TestRetentionSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, config.FsyncAlways, 0)
	l.SetBaseline(types.CatalogVersion{Version: 1, Timestamp: epoch})
	for v := uint64(2); v <= 4; v++ {
		appendWait(t, l, batch(v, "m"))
		require.NoError(t, l.Rotate())
	}
	removed, err := l.Purge(PurgePolicy{OlderThan: epoch.Add(time.Hour), MaxVersion: 4, KeepSegments: 1})
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.NoError(t, l.Close())

	l = openLog(t, dir, config.FsyncAlways, 0)
	defer l.Close()
	l.SetBaseline(types.CatalogVersion{Version: 1, Timestamp: epoch})
	assert.Equal(t, uint64(3), l.Index().PurgedThrough())
	assert.Equal(t, uint64(4), l.LastVersion())

	_, err = l.Stream(2)
	require.ErrorIs(t, err, errors.ErrTemporalDataNotAvailable)
	_, err = l.VersionAt(epoch.Add(3*time.Minute + time.Second))
	require.ErrorIs(t, err, errors.ErrTemporalDataNotAvailable)
	_, err = l.VersionAt(epoch.Add(time.Second))
	require.ErrorIs(t, err, errors.ErrTemporalDataNotAvailable, "baseline no longer answers once later versions are gone")

	s, err := l.Stream(4)
	require.NoError(t, err)
	defer s.Close()
	b, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), b.Marker.Version)
}

func TestBaselineGapMeansPurged(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, config.FsyncAlways, 0)
	defer l.Close()
	for v := uint64(5); v <= 6; v++ {
		appendWait(t, l, batch(v, "m"))
	}
	l.SetBaseline(types.CatalogVersion{Version: 2, Timestamp: epoch})
	assert.Equal(t, uint64(4), l.Index().PurgedThrough())

	_, err := l.Stream(3)
	require.ErrorIs(t, err, errors.ErrTemporalDataNotAvailable)
	_, err = l.VersionAt(epoch.Add(time.Second))
	require.ErrorIs(t, err, errors.ErrTemporalDataNotAvailable)
	_, err = l.Stream(5)
	require.NoError(t, err)
}
