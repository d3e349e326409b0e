package wal

import (
	"math"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

// Location addresses a transaction batch inside a segment.
type Location struct {
	Segment int
	Offset  int64
	Size    int64
}

// Entry describes one committed transaction in the log.
type Entry struct {
	Version       uint64
	SchemaVersion uint64
	TxID          string
	MutationCount uint32
	CommittedAt   time.Time
	Loc           Location
}

func entryFor(m TxMarker, loc Location) *Entry {
	return &Entry{
		Version:       m.Version,
		SchemaVersion: m.SchemaVersion,
		TxID:          m.TxID,
		MutationCount: m.MutationCount,
		CommittedAt:   m.CommittedAt,
		Loc:           loc,
	}
}

// VersionIndex maps catalog versions to commit times and log positions.
// Entries are kept in two b-trees, by version and by commit time.
type VersionIndex struct {
	mu        sync.RWMutex
	byVersion *btree.BTreeG[*Entry]
	byTime    *btree.BTreeG[*Entry]
	// baseline is the version the catalog had before the first logged
	// transaction (go-live or checkpoint); it answers moments before the
	// first entry as long as nothing after it was purged.
	baseline *types.CatalogVersion
	// purgedThrough is the newest version whose batch is gone, 0 if none.
	purgedThrough uint64
}

func NewVersionIndex() *VersionIndex {
	return &VersionIndex{
		byVersion: btree.NewG[*Entry](32, func(a, b *Entry) bool { return a.Version < b.Version }),
		byTime: btree.NewG[*Entry](32, func(a, b *Entry) bool {
			if a.CommittedAt.Equal(b.CommittedAt) {
				return a.Version < b.Version
			}
			return a.CommittedAt.Before(b.CommittedAt)
		}),
	}
}

// Add registers a committed transaction. Versions must arrive in order.
func (x *VersionIndex) Add(e *Entry) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if last, ok := x.byVersion.Max(); ok && e.Version <= last.Version {
		return errors.Wrapf(errors.ErrCorruptRecord, "version %d after %d", e.Version, last.Version)
	}
	x.byVersion.ReplaceOrInsert(e)
	x.byTime.ReplaceOrInsert(e)
	return nil
}

// SetBaseline records the version preceding the first logged transaction.
// A gap between the baseline and the first retained entry means the
// versions in between were purged.
func (x *VersionIndex) SetBaseline(v types.CatalogVersion) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.baseline = &v
	if first, ok := x.byVersion.Min(); ok && first.Version > v.Version+1 {
		x.markPurged(first.Version - 1)
	}
}

// MarkPurged records that every version up to v is no longer retained.
func (x *VersionIndex) MarkPurged(v uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.markPurged(v)
}

func (x *VersionIndex) markPurged(v uint64) {
	if v > x.purgedThrough {
		x.purgedThrough = v
	}
}

func (x *VersionIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.byVersion.Len()
}

// First returns the oldest retained entry.
func (x *VersionIndex) First() (Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return deref(x.byVersion.Min())
}

// Last returns the newest entry.
func (x *VersionIndex) Last() (Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return deref(x.byVersion.Max())
}

// Get returns the entry that produced version v.
func (x *VersionIndex) Get(v uint64) (Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return deref(x.byVersion.Get(&Entry{Version: v}))
}

func deref(e *Entry, ok bool) (Entry, bool) {
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// At returns the last version committed at or before moment.
func (x *VersionIndex) At(moment time.Time) (types.CatalogVersion, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var found *Entry
	x.byTime.DescendLessOrEqual(&Entry{CommittedAt: moment, Version: math.MaxUint64}, func(e *Entry) bool {
		found = e
		return false
	})
	if found != nil {
		return types.CatalogVersion{Version: found.Version, Timestamp: found.CommittedAt}, nil
	}
	if x.baseline != nil && x.purgedThrough <= x.baseline.Version && !moment.Before(x.baseline.Timestamp) {
		return *x.baseline, nil
	}
	return types.CatalogVersion{}, errors.Wrapf(errors.ErrTemporalDataNotAvailable,
		"no catalog version known at %s", moment.Format(time.RFC3339Nano))
}

// Page lists versions by commit time, oldest or newest first. Pages are 1-based.
func (x *VersionIndex) Page(flow types.TimeFlow, page, pageSize int) types.Page[types.CatalogVersion] {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := types.Page[types.CatalogVersion]{Page: page, PageSize: pageSize, TotalCount: x.byTime.Len()}
	skip := (page - 1) * pageSize
	visit := func(e *Entry) bool {
		if skip > 0 {
			skip--
			return true
		}
		out.Items = append(out.Items, types.CatalogVersion{Version: e.Version, Timestamp: e.CommittedAt})
		return len(out.Items) < pageSize
	}
	if flow == types.FromNewest {
		x.byTime.Descend(visit)
	} else {
		x.byTime.Ascend(visit)
	}
	return out
}

// Range calls fn for entries with version >= from in ascending order, or
// for entries with version <= from in descending order.
func (x *VersionIndex) Range(from uint64, ascending bool, fn func(Entry) bool) {
	x.mu.RLock()
	entries := make([]Entry, 0, 64)
	collect := func(e *Entry) bool {
		entries = append(entries, *e)
		return true
	}
	if ascending {
		x.byVersion.AscendGreaterOrEqual(&Entry{Version: from}, collect)
	} else {
		x.byVersion.DescendLessOrEqual(&Entry{Version: from}, collect)
	}
	x.mu.RUnlock()

	for _, e := range entries {
		if !fn(e) {
			return
		}
	}
}

// MoveSegment relabels entries of one segment, used after rotation.
func (x *VersionIndex) MoveSegment(from, to int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.byVersion.Ascend(func(e *Entry) bool {
		if e.Loc.Segment == from {
			e.Loc.Segment = to
		}
		return true
	})
}

// DropSegment forgets every entry stored in a segment and moves the purge
// watermark past them.
func (x *VersionIndex) DropSegment(seq int) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	var drop []*Entry
	x.byVersion.Ascend(func(e *Entry) bool {
		if e.Loc.Segment == seq {
			drop = append(drop, e)
		}
		return true
	})
	for _, e := range drop {
		x.byVersion.Delete(e)
		x.byTime.Delete(e)
		x.markPurged(e.Version)
	}
	return len(drop)
}

// PurgedThrough returns the newest version that is no longer retained.
func (x *VersionIndex) PurgedThrough() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.purgedThrough
}
