package wal

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
)

// watermarkExt names the file next to the segments holding the newest
// purged version.
const watermarkExt = ".purged"

// PurgePolicy decides which rotated segments may be discarded.
type PurgePolicy struct {
	// OlderThan: every batch in the segment committed before this moment.
	OlderThan time.Time
	// MaxVersion: every batch in the segment is covered by a checkpoint.
	MaxVersion uint64
	// KeepSegments rotated segments are always kept.
	KeepSegments int
}

// Purge removes the oldest rotated segments allowed by the policy and
// returns how many were removed. Only a contiguous prefix is removed so the
// retained history never has holes.
func (l *Log) Purge(p PurgePolicy) (int, error) {
	seqs, err := l.rotator.Sequences()
	if err != nil {
		return 0, err
	}
	rotated := make([]int, 0, len(seqs))
	for _, s := range seqs {
		if s != ActiveSegment {
			rotated = append(rotated, s)
		}
	}
	if len(rotated) <= p.KeepSegments {
		return 0, nil
	}
	candidates := rotated[:len(rotated)-p.KeepSegments]

	// newest batch per segment
	newest := map[int]Entry{}
	l.index.Range(0, true, func(e Entry) bool {
		newest[e.Loc.Segment] = e
		return true
	})

	removed := 0
	for _, seq := range candidates {
		if e, ok := newest[seq]; ok {
			if !e.CommittedAt.Before(p.OlderThan) || e.Version > p.MaxVersion {
				break
			}
		}
		if err := l.rotator.RemoveSegment(seq); err != nil {
			return removed, err
		}
		dropped := l.index.DropSegment(seq)
		l.logger.Info("Purged WAL segment %d with %d transaction(s)", seq, dropped)
		removed++
	}
	if removed > 0 {
		if err := l.saveWatermark(l.index.PurgedThrough()); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (l *Log) watermarkPath() string {
	return filepath.Join(l.opts.Dir, l.opts.Name+watermarkExt)
}

// saveWatermark persists the purge watermark so a reopened log still
// refuses versions that are gone.
func (l *Log) saveWatermark(v uint64) error {
	path := l.watermarkPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(v, 10)), 0644); err != nil {
		return errors.Wrapf(errors.ErrFileWrite, "write %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(errors.ErrFileWrite, "rename %s: %v", tmp, err)
	}
	return nil
}

func (l *Log) loadWatermark() (uint64, error) {
	raw, err := os.ReadFile(l.watermarkPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(errors.ErrFileRead, "read %s: %v", l.watermarkPath(), err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrCorruptRecord, "purge watermark %q", raw)
	}
	return v, nil
}
