package wal

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
)

const segmentSep = "."

// ActiveSegment is the sequence number used for the active (unrotated) file.
const ActiveSegment = 0

// Rotator manages segment rotation. The active segment lives at the base
// path; rotation renames it to <base>.<n> with n increasing.
type Rotator struct {
	basePath string
	maxSize  uint64 // rotation threshold in bytes (0 = no rotation)
	logger   *logger.Logger
}

func NewRotator(basePath string, maxSize uint64, log *logger.Logger) *Rotator {
	return &Rotator{basePath: basePath, maxSize: maxSize, logger: log}
}

// ShouldRotate checks if rotation is needed based on current size.
func (r *Rotator) ShouldRotate(currentSize uint64) bool {
	return r.maxSize > 0 && currentSize >= r.maxSize
}

// Rotate renames the active segment and returns the sequence it received.
// The caller must have closed the active file. If the rename does not happen
// the active segment keeps its name, so an interrupted rotation is harmless.
func (r *Rotator) Rotate() (int, error) {
	segments, err := r.ListSegments()
	if err != nil {
		return 0, err
	}
	next := 1
	if len(segments) > 0 {
		last, _ := r.sequence(segments[len(segments)-1])
		next = last + 1
	}

	newPath := r.SegmentPath(next)
	r.logger.Info("Rotating WAL: %s -> %s", r.basePath, newPath)
	if err := os.Rename(r.basePath, newPath); err != nil {
		return 0, errors.Wrapf(errors.ErrFileWrite, "rotate %s: %v", r.basePath, err)
	}
	return next, nil
}

// SegmentPath returns the path of a segment sequence; ActiveSegment maps to the base path.
func (r *Rotator) SegmentPath(seq int) string {
	if seq == ActiveSegment {
		return r.basePath
	}
	return r.basePath + segmentSep + strconv.Itoa(seq)
}

// ListSegments returns rotated segments sorted by sequence number.
func (r *Rotator) ListSegments() ([]string, error) {
	dir := filepath.Dir(r.basePath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(errors.ErrFileRead, "read WAL directory: %v", err)
	}

	var segments []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if _, err := r.sequence(path); err == nil {
			segments = append(segments, path)
		}
	}
	sort.Slice(segments, func(i, j int) bool {
		si, _ := r.sequence(segments[i])
		sj, _ := r.sequence(segments[j])
		return si < sj
	})
	return segments, nil
}

// Sequences returns the sequence numbers of all segments in replay order,
// the active segment (if present) last.
func (r *Rotator) Sequences() ([]int, error) {
	segments, err := r.ListSegments()
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(segments)+1)
	for _, s := range segments {
		seq, _ := r.sequence(s)
		out = append(out, seq)
	}
	if _, err := os.Stat(r.basePath); err == nil {
		out = append(out, ActiveSegment)
	}
	return out, nil
}

// RemoveSegment deletes a rotated segment.
func (r *Rotator) RemoveSegment(seq int) error {
	if seq == ActiveSegment {
		return errors.New("refusing to remove the active WAL segment")
	}
	path := r.SegmentPath(seq)
	r.logger.Info("Deleting WAL segment: %s", path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(errors.ErrFileWrite, "remove %s: %v", path, err)
	}
	return nil
}

func (r *Rotator) sequence(path string) (int, error) {
	base := filepath.Base(r.basePath)
	name := filepath.Base(path)
	if !strings.HasPrefix(name, base+segmentSep) {
		return 0, errors.New("not a segment")
	}
	suffix := strings.TrimPrefix(name, base+segmentSep)
	if suffix == "" {
		return 0, errors.New("invalid segment suffix")
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return 0, errors.New("invalid segment suffix")
		}
	}
	seq, err := strconv.Atoi(suffix)
	if err != nil || seq <= 0 {
		return 0, errors.New("invalid sequence number")
	}
	return seq, nil
}
