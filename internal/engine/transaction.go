package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunbase/buncat/internal/mutation"
	"github.com/kartikbazzad/bunbase/buncat/internal/store"
)

// Transaction collects the mutations of one session on top of the snapshot
// it was opened on. Reads inside the transaction see its own writes.
type Transaction struct {
	id           string
	base         *store.Snapshot
	builder      *store.Builder
	mutations    []mutation.Mutation
	rollbackOnly bool
	startedAt    time.Time
}

func newTransaction(base *store.Snapshot) *Transaction {
	return &Transaction{
		id:        uuid.NewString(),
		base:      base,
		builder:   store.NewBuilder(base),
		startedAt: time.Now(),
	}
}

func (t *Transaction) ID() string { return t.id }

// SnapshotVersion is the catalog version the transaction reads from.
func (t *Transaction) SnapshotVersion() uint64 { return t.base.Version() }

func (t *Transaction) RollbackOnly() bool { return t.rollbackOnly }

func (t *Transaction) Mutations() int { return len(t.mutations) }

func (t *Transaction) view() *store.Snapshot { return t.builder.Build() }

// apply records ms only if all of them apply; a failing list leaves the
// transaction as it was.
func (t *Transaction) apply(ms ...mutation.Mutation) (*store.Snapshot, error) {
	trial := store.NewBuilder(t.builder.Build())
	if err := mutation.ApplyAll(trial, ms); err != nil {
		return nil, err
	}
	if err := mutation.ApplyAll(t.builder, ms); err != nil {
		t.rollbackOnly = true
		return nil, err
	}
	t.mutations = append(t.mutations, ms...)
	return t.view(), nil
}
