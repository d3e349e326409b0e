package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunbase/buncat/internal/catalog"
	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
	"github.com/kartikbazzad/bunbase/buncat/internal/mutation"
	"github.com/kartikbazzad/bunbase/buncat/internal/query"
	"github.com/kartikbazzad/bunbase/buncat/internal/store"
	"github.com/kartikbazzad/bunbase/buncat/internal/txn"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

// Session is a handle on one catalog. It must not be used from more than
// one goroutine at a time; concurrent calls fail with ErrConcurrentSessionUse.
type Session struct {
	id      string
	engine  *Engine
	catalog *Catalog
	traits  types.SessionTraits
	ctx     context.Context
	logger  *logger.Logger
	created time.Time

	lastUsed   atomic.Int64
	inUse      atomic.Bool
	closing    atomic.Bool
	terminated chan struct{}

	mu       sync.Mutex
	tx       *Transaction
	lastTxID string
	outcome  *txn.CommitProgress
	// pending is the last commit handed to the pipeline, possibly not yet visible
	pending *txn.CommitProgress
}

func newSession(ctx context.Context, c *Catalog, traits types.SessionTraits) *Session {
	if ctx == nil {
		ctx = context.Background()
	}
	id := uuid.NewString()
	s := &Session{
		id:         id,
		engine:     c.engine,
		catalog:    c,
		traits:     traits,
		ctx:        ctx,
		logger:     c.logger.FromContext(ctx).With("session", id),
		created:    time.Now(),
		terminated: make(chan struct{}),
	}
	s.lastUsed.Store(s.created.UnixNano())
	return s
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) CatalogName() string         { return s.catalog.name }
func (s *Session) Traits() types.SessionTraits { return s.traits }
func (s *Session) ReadWrite() bool             { return s.traits.ReadWrite }
func (s *Session) DryRun() bool                { return s.traits.DryRun }

// Active reports whether the session is still open.
func (s *Session) Active() bool {
	select {
	case <-s.terminated:
		return false
	default:
		return !s.closing.Load()
	}
}

// enter claims the session for one call.
func (s *Session) enter() error {
	if s.closing.Load() {
		return errors.Wrapf(errors.ErrInstanceTerminated, "session %s", s.id)
	}
	if !s.inUse.CompareAndSwap(false, true) {
		return errors.Wrapf(errors.ErrConcurrentSessionUse, "session %s", s.id)
	}
	if s.closing.Load() {
		s.inUse.Store(false)
		return errors.Wrapf(errors.ErrInstanceTerminated, "session %s", s.id)
	}
	s.lastUsed.Store(time.Now().UnixNano())
	return nil
}

func (s *Session) leave() {
	s.lastUsed.Store(time.Now().UnixNano())
	s.inUse.Store(false)
}

func (s *Session) currentTx() *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

// view is the snapshot reads run against: the open transaction or the trunk.
func (s *Session) view() (*store.Snapshot, error) {
	if tx := s.currentTx(); tx != nil {
		return tx.view(), nil
	}
	snap := s.catalog.Current()
	if snap == nil {
		return nil, errors.Wrapf(errors.ErrCatalogNotServable, "%s is %s", s.catalog.name, s.catalog.State())
	}
	return snap, nil
}

// transactional reports whether the catalog runs snapshot-isolated
// transactions for this session.
func (s *Session) transactional() error {
	switch st := s.catalog.State(); {
	case st == catalog.Alive:
		return nil
	case st == catalog.WarmingUp && s.traits.DryRun:
		return nil
	case st == catalog.Corrupted:
		return errors.Wrapf(errors.ErrCatalogCorrupted, "%s", s.catalog.name)
	default:
		return errors.Wrapf(errors.ErrCatalogNotServable, "transactions need %s, catalog is %s", catalog.Alive, st)
	}
}

// OpenTransaction starts a transaction on the current trunk.
func (s *Session) OpenTransaction() (string, error) {
	if err := s.enter(); err != nil {
		return "", err
	}
	defer s.leave()
	return s.openTransaction()
}

func (s *Session) openTransaction() (string, error) {
	if err := s.transactional(); err != nil {
		return "", err
	}
	s.settle()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return "", errors.Wrapf(errors.ErrTransactionOpen, "%s", s.tx.id)
	}
	snap := s.catalog.Current()
	if snap == nil {
		return "", errors.Wrapf(errors.ErrCatalogNotServable, "%s is not loaded", s.catalog.name)
	}
	s.tx = newTransaction(snap)
	s.lastTxID = s.tx.id
	s.logger.Debug("Transaction %s opened at version %d", s.tx.id, snap.Version())
	return s.tx.id, nil
}

// OpenedTransactionID returns the id of the open transaction, empty if none.
func (s *Session) OpenedTransactionID() string {
	if tx := s.currentTx(); tx != nil {
		return tx.id
	}
	return ""
}

// SetRollbackOnly marks the open transaction so that closing discards it.
func (s *Session) SetRollbackOnly() error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	tx := s.currentTx()
	if tx == nil {
		return errors.Wrap(errors.ErrNoTransaction, "rollback-only")
	}
	tx.rollbackOnly = true
	return nil
}

// CloseTransaction commits the open transaction and waits up to the
// session's commit behavior. The session stays open.
func (s *Session) CloseTransaction() (types.CommitVersions, error) {
	if err := s.enter(); err != nil {
		return types.CommitVersions{}, err
	}
	defer s.leave()
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()
	if tx == nil {
		return types.CommitVersions{}, errors.Wrap(errors.ErrNoTransaction, "close transaction")
	}
	return s.await(tx.id, s.finish(tx), s.traits.CommitBehavior)
}

// settle waits until the previous commit of this session is visible, so the
// next transaction starts from a snapshot containing it and is never checked
// against the session's own writes. Its outcome was already reported to the
// caller up to the requested stage.
func (s *Session) settle() {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()
	if p == nil {
		return
	}
	ctx := context.Background()
	if t := s.engine.cfg.Transaction.CommitTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if _, err := p.Wait(ctx, types.WaitForChangesVisible); err != nil {
		s.logger.Debug("Previous commit did not become visible: %v", err)
	}
}

// finish hands a transaction to the commit pipeline.
func (s *Session) finish(tx *Transaction) *txn.CommitProgress {
	base := types.CommitVersions{CatalogVersion: tx.base.Version(), CatalogSchemaVersion: tx.base.SchemaVersion()}
	if tx.rollbackOnly || s.traits.DryRun {
		s.logger.Debug("Transaction %s rolled back", tx.id)
		s.engine.bus.emit(Event{Kind: EventTransactionRolledBack, Catalog: s.catalog.name, SessionID: s.id, TxID: tx.id})
		return txn.CompletedProgress(base)
	}
	if len(tx.mutations) == 0 {
		return txn.CompletedProgress(versionsOf(s.catalog))
	}
	p, err := s.catalog.submit(&txn.Request{
		Ctx:             s.ctx,
		TxID:            tx.id,
		SnapshotVersion: tx.base.Version(),
		Mutations:       tx.mutations,
	})
	if err != nil {
		s.engine.bus.emit(Event{Kind: EventTransactionRolledBack, Catalog: s.catalog.name, SessionID: s.id, TxID: tx.id, Err: err})
		return txn.FailedProgress(err)
	}
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()
	return p
}

func (s *Session) await(txID string, p *txn.CommitProgress, b types.CommitBehavior) (types.CommitVersions, error) {
	ctx := context.Background()
	if t := s.engine.cfg.Transaction.CommitTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	v, err := p.Wait(ctx, b)
	return v, errors.Surface(txID, err)
}

// write applies ms in the open transaction, in an implicit one committed
// right away, or directly to the trunk of a warming-up catalog. It returns
// the snapshot containing the change and the resulting versions.
func (s *Session) write(ms ...mutation.Mutation) (*store.Snapshot, types.CommitVersions, error) {
	if !s.traits.ReadWrite {
		return nil, types.CommitVersions{}, errors.Wrapf(errors.ErrReadOnlySession, "session %s", s.id)
	}
	if tx := s.currentTx(); tx != nil {
		snap, err := tx.apply(ms...)
		if err != nil {
			return nil, types.CommitVersions{}, err
		}
		return snap, types.CommitVersions{CatalogVersion: snap.Version(), CatalogSchemaVersion: snap.SchemaVersion()}, nil
	}
	if s.catalog.State() == catalog.WarmingUp && !s.traits.DryRun {
		snap, err := s.catalog.applyWarmUp(ms)
		if err != nil {
			return nil, types.CommitVersions{}, err
		}
		return snap, types.CommitVersions{CatalogVersion: snap.Version(), CatalogSchemaVersion: snap.SchemaVersion()}, nil
	}

	if _, err := s.openTransaction(); err != nil {
		return nil, types.CommitVersions{}, err
	}
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()
	snap, err := tx.apply(ms...)
	if err != nil {
		return nil, types.CommitVersions{}, err
	}
	v, err := s.await(tx.id, s.finish(tx), s.traits.CommitBehavior)
	if err != nil {
		return nil, types.CommitVersions{}, err
	}
	if s.traits.DryRun {
		v = types.CommitVersions{CatalogVersion: snap.Version(), CatalogSchemaVersion: snap.SchemaVersion()}
	}
	return snap, v, nil
}

// GetEntity returns one entity.
func (s *Session) GetEntity(ctx context.Context, entityType string, pk int64) (*types.Entity, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	snap, err := s.view()
	if err != nil {
		return nil, err
	}
	e, err := snap.Entity(entityType, pk)
	if err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

// GetEntities evaluates a query against the session's view.
func (s *Session) GetEntities(ctx context.Context, req query.Request) (query.Response, error) {
	if err := s.enter(); err != nil {
		return query.Response{}, err
	}
	defer s.leave()
	snap, err := s.view()
	if err != nil {
		return query.Response{}, err
	}
	resp, err := s.engine.evaluator.Evaluate(ctx, snap, req)
	if err != nil {
		return resp, err
	}
	for i, e := range resp.Items {
		resp.Items[i] = e.Clone()
	}
	return resp, nil
}

// EntitySchema returns the schema of one collection.
func (s *Session) EntitySchema(entityType string) (*types.EntitySchema, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	snap, err := s.view()
	if err != nil {
		return nil, err
	}
	c, ok := snap.Collection(entityType)
	if !ok {
		return nil, errors.Wrapf(errors.ErrCollectionNotFound, "%s", entityType)
	}
	return c.Schema().Clone(), nil
}

func (s *Session) AllEntityTypes() ([]string, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	snap, err := s.view()
	if err != nil {
		return nil, err
	}
	return snap.EntityTypes(), nil
}

func (s *Session) EntityCollectionSize(entityType string) (int, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()
	snap, err := s.view()
	if err != nil {
		return 0, err
	}
	if _, ok := snap.Collection(entityType); !ok {
		return 0, errors.Wrapf(errors.ErrCollectionNotFound, "%s", entityType)
	}
	return snap.Size(entityType), nil
}

func (s *Session) CatalogSchema() (types.CatalogSchema, error) {
	if err := s.enter(); err != nil {
		return types.CatalogSchema{}, err
	}
	defer s.leave()
	snap, err := s.view()
	if err != nil {
		return types.CatalogSchema{}, err
	}
	return snap.CatalogSchema(), nil
}

func (s *Session) CatalogState() (catalog.State, error) {
	if err := s.enter(); err != nil {
		return catalog.StateUnknown, err
	}
	defer s.leave()
	return s.catalog.State(), nil
}

// CatalogVersion is the version of the session's view.
func (s *Session) CatalogVersion() (uint64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()
	snap, err := s.view()
	if err != nil {
		return 0, err
	}
	return snap.Version(), nil
}

// DefineEntitySchema creates a collection or replaces its schema and
// returns the resulting catalog schema version.
func (s *Session) DefineEntitySchema(schema *types.EntitySchema) (uint64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()
	_, v, err := s.write(&mutation.Schema{Op: mutation.DefineEntitySchema, Entity: schema})
	return v.CatalogSchemaVersion, err
}

// UpdateEntitySchema replaces the schema of an existing collection.
func (s *Session) UpdateEntitySchema(schema *types.EntitySchema) (uint64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()
	if schema == nil {
		return 0, errors.Wrap(errors.ErrInvalidMutation, "nil entity schema")
	}
	snap, err := s.view()
	if err != nil {
		return 0, err
	}
	if _, ok := snap.Collection(schema.Name); !ok {
		return 0, errors.Wrapf(errors.ErrCollectionNotFound, "%s", schema.Name)
	}
	_, v, err := s.write(&mutation.Schema{Op: mutation.DefineEntitySchema, Entity: schema})
	return v.CatalogSchemaVersion, err
}

// UpdateCatalogSchema applies schema mutations all together or not at all.
func (s *Session) UpdateCatalogSchema(ms ...*mutation.Schema) (uint64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()
	if len(ms) == 0 {
		snap, err := s.view()
		if err != nil {
			return 0, err
		}
		return snap.SchemaVersion(), nil
	}
	list := make([]mutation.Mutation, len(ms))
	for i, m := range ms {
		list[i] = m
	}
	_, v, err := s.write(list...)
	if err != nil {
		if sessionFault(err) {
			return 0, err
		}
		return 0, errors.Wrapf(errors.ErrSchemaAltering, "%v", err)
	}
	return v.CatalogSchemaVersion, nil
}

// UpsertEntity inserts or replaces an entity. A zero primary key takes the
// next key of the collection.
func (s *Session) UpsertEntity(e *types.Entity) (*types.Entity, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	if e == nil {
		return nil, errors.Wrap(errors.ErrInvalidMutation, "nil entity")
	}
	n := e.Clone()
	if n.PrimaryKey == 0 {
		snap, err := s.view()
		if err != nil {
			return nil, err
		}
		n.PrimaryKey = s.catalog.nextPK(n.Type, snap)
	}
	snap, _, err := s.write(&mutation.UpsertEntity{Entity: n})
	if err != nil {
		return nil, err
	}
	stored, err := snap.Entity(n.Type, n.PrimaryKey)
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

func (s *Session) DeleteEntity(entityType string, pk int64) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	_, _, err := s.write(&mutation.DeleteEntity{EntityType: entityType, PrimaryKey: pk})
	return err
}

func (s *Session) DeleteCollection(entityType string) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	_, _, err := s.write(&mutation.Schema{Op: mutation.DeleteCollection, EntityType: entityType})
	return err
}

func (s *Session) RenameCollection(entityType, newName string) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	_, _, err := s.write(&mutation.Schema{Op: mutation.RenameCollection, EntityType: entityType, Target: newName})
	return err
}

// ReplaceCollection drops replaced and renames with to its name.
func (s *Session) ReplaceCollection(replaced, with string) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	_, _, err := s.write(&mutation.Schema{Op: mutation.ReplaceCollection, EntityType: replaced, Target: with})
	return err
}

// GoLiveAndClose closes the session and switches its warming-up catalog to
// ALIVE. Nothing is closed when the catalog cannot go live.
func (s *Session) GoLiveAndClose(ctx context.Context) (types.CommitVersions, error) {
	if err := s.enter(); err != nil {
		return types.CommitVersions{}, err
	}
	if !s.traits.ReadWrite {
		s.leave()
		return types.CommitVersions{}, errors.Wrapf(errors.ErrReadOnlySession, "session %s", s.id)
	}
	if st := s.catalog.State(); st != catalog.WarmingUp {
		s.leave()
		return types.CommitVersions{}, errors.Wrapf(errors.ErrInvalidTransition, "go-live from %s", st)
	}
	if n := s.catalog.writers(s.id); n > 0 {
		s.leave()
		return types.CommitVersions{}, errors.Wrapf(errors.ErrInvalidTransition, "%d other read-write sessions are open", n)
	}
	s.leave()
	if _, err := s.CloseNow(types.WaitForChangesVisible); err != nil {
		return types.CommitVersions{}, err
	}
	p, err := s.engine.goLive(s.catalog.name, s.id)
	if err != nil {
		return types.CommitVersions{}, err
	}
	return p.Wait(ctx)
}

// CatalogVersionAt returns the last version committed at or before moment.
func (s *Session) CatalogVersionAt(moment time.Time) (types.CatalogVersion, error) {
	if err := s.enter(); err != nil {
		return types.CatalogVersion{}, err
	}
	defer s.leave()
	lg, err := s.catalog.walLog()
	if err != nil {
		return types.CatalogVersion{}, err
	}
	return lg.VersionAt(moment)
}

// CatalogVersions lists committed versions page by page.
func (s *Session) CatalogVersions(flow types.TimeFlow, page, pageSize int) (types.Page[types.CatalogVersion], error) {
	if err := s.enter(); err != nil {
		return types.Page[types.CatalogVersion]{}, err
	}
	defer s.leave()
	lg, err := s.catalog.walLog()
	if err != nil {
		return types.Page[types.CatalogVersion]{}, err
	}
	return lg.Versions(flow, page, pageSize), nil
}

// CommittedMutationStream returns committed transactions from version
// from up to the last one durable now.
func (s *Session) CommittedMutationStream(from uint64) (*MutationStream, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	lg, err := s.catalog.walLog()
	if err != nil {
		return nil, err
	}
	st, err := lg.Stream(from)
	if err != nil {
		return nil, err
	}
	return newMutationStream(st, s.engine.codec), nil
}

// ReversedCommittedMutationStream walks from version from back to the
// oldest retained transaction. Zero starts at the newest.
func (s *Session) ReversedCommittedMutationStream(from uint64) (*MutationStream, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	lg, err := s.catalog.walLog()
	if err != nil {
		return nil, err
	}
	st, err := lg.ReverseStream(from)
	if err != nil {
		return nil, err
	}
	return newMutationStream(st, s.engine.codec), nil
}

// Close closes the session with its default commit behavior.
func (s *Session) Close() (types.CommitVersions, error) {
	return s.CloseNow(s.traits.CommitBehavior)
}

// CloseNow closes the session, committing an open transaction, and waits
// for the stage selected by b. Only the first call does the work; later
// calls wait for the same outcome.
func (s *Session) CloseNow(b types.CommitBehavior) (types.CommitVersions, error) {
	p := s.terminate(false)
	s.mu.Lock()
	txID := s.lastTxID
	s.mu.Unlock()
	return s.await(txID, p, b)
}

// CloseAsync closes the session without waiting for the commit.
func (s *Session) CloseAsync() *txn.CommitProgress {
	return s.terminate(false)
}

// terminate closes the session once. With rollback set an open
// transaction is discarded instead of committed.
func (s *Session) terminate(rollback bool) *txn.CommitProgress {
	if !s.closing.CompareAndSwap(false, true) {
		<-s.terminated
		return s.outcome
	}
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()

	var p *txn.CommitProgress
	switch {
	case tx == nil:
		p = txn.CompletedProgress(versionsOf(s.catalog))
	default:
		if rollback {
			tx.rollbackOnly = true
		}
		p = s.finish(tx)
	}
	s.outcome = p
	s.catalog.removeSession(s)
	close(s.terminated)

	s.logger.Debug("Session closed after %v", time.Since(s.created))
	s.engine.bus.emit(Event{Kind: EventSessionClosed, Catalog: s.catalog.name, SessionID: s.id, Duration: time.Since(s.created)})
	if cb := s.traits.OnTermination; cb != nil {
		cb(s.id)
	}
	return p
}

// expire rolls back and closes the session when it was idle for timeout.
func (s *Session) expire(timeout time.Duration) bool {
	if !s.inUse.CompareAndSwap(false, true) {
		return false
	}
	idle := time.Since(time.Unix(0, s.lastUsed.Load()))
	if idle < timeout {
		s.inUse.Store(false)
		return false
	}
	s.logger.Info("Closing session idle for %v", idle.Round(time.Second))
	s.terminate(true)
	s.inUse.Store(false)
	return true
}

// sessionFault reports errors caused by the session or catalog state rather
// than by the mutations themselves.
func sessionFault(err error) bool {
	for _, target := range []error{
		errors.ErrReadOnlySession, errors.ErrInstanceTerminated, errors.ErrCatalogNotServable,
		errors.ErrCatalogCorrupted, errors.ErrConcurrentSessionUse,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var rb *errors.RollbackError
	return errors.As(err, &rb)
}
