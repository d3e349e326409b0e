package txn

import (
	"sync"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/mutation"
)

const defaultConflictWindow = 1000

// commitRecord is the write set of one committed transaction.
type commitRecord struct {
	version uint64
	txID    string
	keys    []mutation.ConflictKey
}

// History keeps the write sets of recently committed transactions for
// conflict detection. It is bounded; once a record was dropped, snapshots
// older than it can no longer be checked and conflict conservatively.
type History struct {
	mu      sync.Mutex
	records []commitRecord
	window  int
	dropped uint64
}

func NewHistory(window int) *History {
	if window <= 0 {
		window = defaultConflictWindow
	}
	return &History{records: make([]commitRecord, 0, window+1), window: window}
}

// Append records a committed write set. keys is retained.
func (h *History) Append(version uint64, txID string, keys []mutation.ConflictKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, commitRecord{version: version, txID: txID, keys: keys})
	for len(h.records) > h.window {
		h.dropped = h.records[0].version
		h.records = h.records[1:]
	}
}

// Check fails with ErrTransactionConflict when a transaction committed after
// snapshot wrote data overlapping keys.
func (h *History) Check(snapshot uint64, keys []mutation.ConflictKey) error {
	if len(keys) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if snapshot < h.dropped {
		return errors.Wrapf(errors.ErrTransactionConflict,
			"snapshot version %d is older than the conflict window (%d)", snapshot, h.dropped)
	}
	for i := len(h.records) - 1; i >= 0; i-- {
		r := h.records[i]
		if r.version <= snapshot {
			break
		}
		for _, theirs := range r.keys {
			for _, ours := range keys {
				if ours.Overlaps(theirs) {
					return errors.Wrapf(errors.ErrTransactionConflict,
						"%s overlaps a write of transaction %s (version %d)", describe(ours), r.txID, r.version)
				}
			}
		}
	}
	return nil
}

// Len returns the number of retained records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Reset forgets every record, used when the trunk is replaced wholesale.
func (h *History) Reset(version uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = h.records[:0]
	h.dropped = version
}

func describe(k mutation.ConflictKey) string {
	switch k.Scope {
	case mutation.ScopeCatalog:
		return "catalog schema"
	case mutation.ScopeCollection:
		return "collection " + k.EntityType
	default:
		return "entity " + k.EntityType
	}
}

// WriteSet returns the distinct conflict keys of ms.
func WriteSet(ms []mutation.Mutation) []mutation.ConflictKey {
	seen := make(map[mutation.ConflictKey]struct{}, len(ms))
	out := make([]mutation.ConflictKey, 0, len(ms))
	for _, m := range ms {
		k := m.ConflictKey()
		if k.Scope == mutation.ScopeNone {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
