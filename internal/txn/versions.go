package txn

import "sync"

// Counters tracks the three catalog version marks: the last version handed
// to a committing transaction, the last one durable in the WAL and the last
// one visible in the trunk. lastFinalized <= lastWritten <= lastAssigned.
type Counters struct {
	mu            sync.Mutex
	lastAssigned  uint64
	lastWritten   uint64
	lastFinalized uint64
}

// NewCounters starts all marks at v.
func NewCounters(v uint64) *Counters {
	return &Counters{lastAssigned: v, lastWritten: v, lastFinalized: v}
}

// Assign hands out the next version.
func (c *Counters) Assign() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAssigned++
	return c.lastAssigned
}

// GiveBack returns v when its WAL append failed before anything later was
// assigned. It reports whether v was reclaimed.
func (c *Counters) GiveBack(v uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v != c.lastAssigned || v <= c.lastWritten {
		return false
	}
	c.lastAssigned--
	return true
}

func (c *Counters) Written(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.lastWritten {
		c.lastWritten = v
	}
}

func (c *Counters) Finalized(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.lastFinalized {
		c.lastFinalized = v
	}
}

// Reset moves all marks to v.
func (c *Counters) Reset(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAssigned, c.lastWritten, c.lastFinalized = v, v, v
}

func (c *Counters) LastAssigned() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAssigned
}

func (c *Counters) LastWritten() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWritten
}

func (c *Counters) LastFinalized() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFinalized
}
