package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunbase/buncat/internal/catalog"
	"github.com/kartikbazzad/bunbase/buncat/internal/cdc"
	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
	"github.com/kartikbazzad/bunbase/buncat/internal/mutation"
	"github.com/kartikbazzad/bunbase/buncat/internal/storage"
	"github.com/kartikbazzad/bunbase/buncat/internal/store"
	"github.com/kartikbazzad/bunbase/buncat/internal/txn"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
	"github.com/kartikbazzad/bunbase/buncat/internal/wal"
)

// walName is the base name of the WAL segments inside a catalog directory.
const walName = "catalog"

// Catalog is one loaded catalog: its trunk, WAL, checkpoint store and
// commit pipeline. A catalog that is INACTIVE or CORRUPTED keeps only its
// identity and state.
type Catalog struct {
	engine  *Engine
	id      uuid.UUID
	name    string
	dir     string
	machine *catalog.Machine
	logger  *logger.Logger

	trunk  atomic.Pointer[store.Snapshot]
	warmMu sync.Mutex
	ckMu   sync.Mutex

	// last primary key handed out per entity type, shared by all sessions
	pkMu  sync.Mutex
	pkSeq map[string]int64

	mu        sync.Mutex
	log       *wal.Log
	store     *storage.Store
	pipeline  *txn.Pipeline
	hub       *cdc.Hub
	liveSince time.Time
	baseline  uint64
	saved     *store.Snapshot
	sessions  map[string]*Session
}

func newCatalog(e *Engine, id uuid.UUID, name string, state catalog.State) *Catalog {
	c := &Catalog{
		engine:   e,
		id:       id,
		name:     name,
		dir:      e.catalogDir(name),
		machine:  catalog.NewMachine(state),
		pkSeq:    map[string]int64{},
		logger:   e.logger.With("catalog", name),
		sessions: map[string]*Session{},
	}
	c.machine.OnChange(func(from, to catalog.State) {
		c.logger.Debug("State %s -> %s", from, to)
		e.bus.emit(Event{Kind: EventCatalogStateChanged, Catalog: name, State: to.String()})
	})
	return c
}

func (c *Catalog) ID() string           { return c.id.String() }
func (c *Catalog) Name() string         { return c.name }
func (c *Catalog) State() catalog.State { return c.machine.State() }

// Current returns the trunk snapshot visible to new readers.
func (c *Catalog) Current() *store.Snapshot {
	return c.trunk.Load()
}

// Publish makes s the visible trunk.
func (c *Catalog) Publish(s *store.Snapshot) error {
	if s == nil {
		return errors.Wrap(errors.ErrInvalidMutation, "nil snapshot")
	}
	c.trunk.Store(s)
	return nil
}

func (c *Catalog) loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log != nil
}

func (c *Catalog) walLog() (*wal.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.log == nil {
		return nil, errors.Wrapf(errors.ErrCatalogNotServable, "%s is %s", c.name, c.machine.State())
	}
	return c.log, nil
}

// load opens the checkpoint and the WAL and replays every batch the
// checkpoint does not contain yet.
func (c *Catalog) load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.log != nil {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return errors.Wrapf(errors.ErrFileOpen, "catalog dir %s: %v", c.dir, err)
	}
	start := time.Now()

	st, err := storage.Open(filepath.Join(c.dir, storage.FileName))
	if err != nil {
		return err
	}
	snap, h, ok, err := st.Load(ctx)
	if err != nil {
		st.Close()
		return err
	}
	if ok {
		snap = snap.WithIdentity(c.ID(), c.name)
		c.liveSince, c.baseline = h.LiveSince, h.Baseline
	} else {
		snap = store.Empty(c.ID(), c.name)
	}

	lg, err := wal.Open(wal.OptionsFrom(c.dir, walName, c.engine.cfg.WAL), c.logger)
	if err != nil {
		st.Close()
		return err
	}
	if !c.liveSince.IsZero() {
		lg.SetBaseline(types.CatalogVersion{Version: c.baseline, Timestamp: c.liveSince})
	}
	head, n, err := replay(snap, lg, c.engine.codec, 0)
	if err != nil {
		lg.Close()
		st.Close()
		return errors.Wrapf(errors.ErrCatalogCorrupted, "replay of %s: %v", c.name, err)
	}

	c.trunk.Store(head)
	c.saved = snap
	c.store, c.log = st, lg
	c.hub = cdc.NewHub(lg, c.engine.codec, head.Version(), c.logger)
	c.logger.Info("Loaded catalog at version %d (%d transactions replayed) in %v", head.Version(), n, time.Since(start))
	return nil
}

// replay applies logged batches after base.Version() up to upTo (0 = all).
func replay(base *store.Snapshot, lg *wal.Log, codec mutation.Codec, upTo uint64) (*store.Snapshot, int, error) {
	stream, err := lg.Stream(base.Version() + 1)
	if err != nil {
		if errors.Is(err, errors.ErrTemporalDataNotAvailable) && lg.LastVersion() <= base.Version() {
			return base, 0, nil
		}
		return nil, 0, err
	}
	defer stream.Close()

	head, n := base, 0
	for {
		b, err := stream.Next()
		if err == io.EOF {
			return head, n, nil
		}
		if err != nil {
			return nil, n, err
		}
		v := b.Marker.Version
		if upTo > 0 && v > upTo {
			return head, n, nil
		}
		ms, err := decodeBatch(codec, b)
		if err != nil {
			return nil, n, err
		}
		nb := store.NewBuilder(head)
		if err := mutation.ApplyAll(nb, ms); err != nil {
			return nil, n, errors.Wrapf(err, "replay version %d", v)
		}
		nb.SetVersion(v)
		nb.SetSchemaVersion(b.Marker.SchemaVersion)
		head = nb.Build()
		n++
	}
}

func decodeBatch(codec mutation.Codec, b *wal.Batch) ([]mutation.Mutation, error) {
	ms := make([]mutation.Mutation, 0, len(b.Mutations))
	for i, p := range b.Mutations {
		m, err := codec.Decode(p.Flags, p.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "version %d mutation %d", b.Marker.Version, i)
		}
		ms = append(ms, m)
	}
	return ms, nil
}

// startPipeline begins accepting transactions.
func (c *Catalog) startPipeline() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipeline != nil {
		return nil
	}
	if c.log == nil {
		return errors.Wrapf(errors.ErrCatalogNotServable, "%s is not loaded", c.name)
	}
	cfg := c.engine.cfg.Transaction
	hub, bus := c.hub, c.engine.bus
	p := txn.NewPipeline(txn.Options{
		QueueSize:      cfg.QueueSize,
		ConflictWindow: cfg.ConflictWindow,
		Codec:          c.engine.codec,
	}, c.log, c, txn.Hooks{
		Committed: func(cm txn.Commit) {
			hub.Publish(cm.Versions.CatalogVersion, cm.TxID, cm.CommittedAt, cm.Mutations)
			bus.emit(Event{Kind: EventTransactionCommitted, Catalog: c.name, TxID: cm.TxID,
				Versions: cm.Versions, Mutations: len(cm.Mutations), Duration: time.Since(cm.CommittedAt)})
			if hasSchemaChange(cm.Mutations) {
				bus.emit(Event{Kind: EventSchemaUpdated, Catalog: c.name, TxID: cm.TxID, Versions: cm.Versions})
			}
		},
		RolledBack: func(txID string, cause error) {
			bus.emit(Event{Kind: EventTransactionRolledBack, Catalog: c.name, TxID: txID, Err: cause})
		},
		Corrupted: c.markCorrupted,
	}, c.logger)
	if err := p.Start(c.engine.sched.Go); err != nil {
		return err
	}
	c.pipeline = p
	return nil
}

func hasSchemaChange(ms []mutation.Mutation) bool {
	for _, m := range ms {
		if m.Kind() == mutation.KindSchema {
			return true
		}
	}
	return false
}

func (c *Catalog) submit(req *txn.Request) (*txn.CommitProgress, error) {
	c.mu.Lock()
	p := c.pipeline
	c.mu.Unlock()
	if p == nil {
		return nil, errors.Wrapf(errors.ErrCatalogNotServable, "%s accepts no transactions in state %s", c.name, c.machine.State())
	}
	return p.Submit(req)
}

// applyWarmUp writes straight into the trunk of a WARMING_UP catalog.
// nextPK assigns a primary key outside of any transaction. The sequence
// never goes below the next key of the trunk or of view, so committed,
// replayed and explicitly keyed entities move it forward too. Keys of
// rolled back transactions are not reused.
func (c *Catalog) nextPK(entityType string, view *store.Snapshot) int64 {
	c.pkMu.Lock()
	defer c.pkMu.Unlock()
	next := c.pkSeq[entityType] + 1
	for _, snap := range []*store.Snapshot{c.Current(), view} {
		if snap == nil {
			continue
		}
		if col, ok := snap.Collection(entityType); ok && col.NextPK() > next {
			next = col.NextPK()
		}
	}
	c.pkSeq[entityType] = next
	return next
}

func (c *Catalog) applyWarmUp(ms []mutation.Mutation) (*store.Snapshot, error) {
	c.warmMu.Lock()
	defer c.warmMu.Unlock()
	if st := c.machine.State(); st != catalog.WarmingUp {
		return nil, errors.Wrapf(errors.ErrCatalogNotServable, "bulk writes need %s, catalog is %s", catalog.WarmingUp, st)
	}
	b := store.NewBuilder(c.Current())
	if err := mutation.ApplyAll(b, ms); err != nil {
		return nil, err
	}
	next := b.Build()
	c.trunk.Store(next)
	if hasSchemaChange(ms) {
		c.engine.bus.emit(Event{Kind: EventSchemaUpdated, Catalog: c.name,
			Versions: types.CommitVersions{CatalogVersion: next.Version(), CatalogSchemaVersion: next.SchemaVersion()}})
	}
	return next, nil
}

func (c *Catalog) markCorrupted(cause error) {
	c.logger.Error("Catalog marked corrupted: %v", cause)
	c.machine.MarkCorrupted()
	c.engine.bus.emit(Event{Kind: EventCatalogCorrupted, Catalog: c.name, Err: cause})
}

// checkpoint saves the trunk unless it did not change since the last save.
func (c *Catalog) checkpoint(ctx context.Context) error {
	c.ckMu.Lock()
	defer c.ckMu.Unlock()

	c.mu.Lock()
	st, saved := c.store, c.saved
	live, baseline := c.liveSince, c.baseline
	c.mu.Unlock()
	if st == nil {
		return errors.Wrapf(errors.ErrCatalogNotServable, "%s is not loaded", c.name)
	}
	snap := c.Current()
	if snap == saved {
		return nil
	}
	state := catalog.WarmingUp
	if !live.IsZero() {
		state = catalog.Alive
	}
	if err := st.Save(ctx, snap, storage.Header{State: state.String(), LiveSince: live, Baseline: baseline}); err != nil {
		return err
	}
	c.mu.Lock()
	c.saved = snap
	c.mu.Unlock()
	c.logger.Debug("Checkpoint at version %d", snap.Version())
	return nil
}

// checkpointed returns the version of the last saved checkpoint.
func (c *Catalog) checkpointed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saved == nil {
		return 0
	}
	return c.saved.Version()
}

// purge drops WAL segments older than the retention window and covered by
// the last checkpoint.
func (c *Catalog) purge() (int, error) {
	cfg := c.engine.cfg.WAL
	if cfg.Retention <= 0 {
		return 0, nil
	}
	lg, err := c.walLog()
	if err != nil {
		return 0, err
	}
	return lg.Purge(wal.PurgePolicy{
		OlderThan:    time.Now().Add(-cfg.Retention),
		MaxVersion:   c.checkpointed(),
		KeepSegments: cfg.KeepSegments,
	})
}

// goLive turns the warmed-up trunk into the first transactional version.
func (c *Catalog) goLive(ctx context.Context, p *Progress[types.CommitVersions]) (types.CommitVersions, error) {
	c.warmMu.Lock()
	defer c.warmMu.Unlock()

	snap := c.Current()
	b := store.NewBuilder(snap)
	b.SetVersion(snap.Version() + 1)
	live := b.Build()
	now := time.Now().UTC()
	p.set(20)

	if err := p.pointOfNoReturn(); err != nil {
		return types.CommitVersions{}, err
	}
	c.mu.Lock()
	st, lg := c.store, c.log
	c.mu.Unlock()
	if st == nil {
		return types.CommitVersions{}, errors.Wrapf(errors.ErrCatalogNotServable, "%s is not loaded", c.name)
	}
	err := st.Save(ctx, live, storage.Header{State: catalog.Alive.String(), LiveSince: now, Baseline: live.Version()})
	if err != nil {
		return types.CommitVersions{}, errors.Wrap(err, "go-live checkpoint")
	}
	p.set(70)

	lg.SetBaseline(types.CatalogVersion{Version: live.Version(), Timestamp: now})
	c.trunk.Store(live)
	c.mu.Lock()
	c.liveSince, c.baseline, c.saved = now, live.Version(), live
	hub := c.hub
	c.mu.Unlock()
	hub.Reset(live.Version())

	if err := c.startPipeline(); err != nil {
		return types.CommitVersions{}, err
	}
	return types.CommitVersions{CatalogVersion: live.Version(), CatalogSchemaVersion: live.SchemaVersion()}, nil
}

// snapshotAt builds the trunk as of version v from the last
// checkpoint and the WAL.
func (c *Catalog) snapshotAt(ctx context.Context, v uint64) (*store.Snapshot, error) {
	cur := c.Current()
	if cur == nil {
		return nil, errors.Wrapf(errors.ErrCatalogNotServable, "%s is not loaded", c.name)
	}
	if v == 0 || v == cur.Version() {
		return cur, nil
	}
	if v > cur.Version() {
		return nil, errors.Wrapf(errors.ErrVersionNotFound, "version %d is ahead of %d", v, cur.Version())
	}
	c.mu.Lock()
	st, lg := c.store, c.log
	c.mu.Unlock()
	if st == nil {
		return nil, errors.Wrapf(errors.ErrCatalogNotServable, "%s is not loaded", c.name)
	}
	base, _, ok, err := st.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !ok || base.Version() > v {
		return nil, errors.Wrapf(errors.ErrTemporalDataNotAvailable, "version %d predates the last checkpoint", v)
	}
	snap, _, err := replay(base.WithIdentity(c.ID(), c.name), lg, c.engine.codec, v)
	return snap, err
}

func (c *Catalog) addSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.id] = s
}

func (c *Catalog) removeSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s.id)
}

func (c *Catalog) openSessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// writers counts open read-write sessions other than except.
func (c *Catalog) writers(except string) int {
	n := 0
	for _, s := range c.openSessions() {
		if s.id != except && s.traits.ReadWrite {
			n++
		}
	}
	return n
}

// terminateSessions closes every open session, rolling back their transactions.
func (c *Catalog) terminateSessions() {
	for _, s := range c.openSessions() {
		s.terminate(true)
	}
}

// unload releases every resource of the catalog. With save set the trunk
// is checkpointed first; a failed checkpoint leaves the catalog loaded.
func (c *Catalog) unload(ctx context.Context, save bool) error {
	c.terminateSessions()

	c.mu.Lock()
	p := c.pipeline
	c.pipeline = nil
	c.mu.Unlock()
	if p != nil {
		p.Close()
	}
	if save && c.loaded() {
		if err := c.checkpoint(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	if c.hub != nil {
		c.hub.Close()
		c.hub = nil
	}
	if c.log != nil {
		if err := c.log.Close(); err != nil {
			first = err
		}
		c.log = nil
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil && first == nil {
			first = err
		}
		c.store = nil
	}
	c.saved = nil
	c.trunk.Store(nil)
	return first
}
