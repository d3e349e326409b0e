// Package engine owns the catalogs of one data directory: their lifecycle,
// sessions, structural operations and the engine mutation log.
package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kartikbazzad/bunbase/buncat/internal/catalog"
	"github.com/kartikbazzad/bunbase/buncat/internal/cdc"
	"github.com/kartikbazzad/bunbase/buncat/internal/config"
	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
	"github.com/kartikbazzad/bunbase/buncat/internal/mutation"
	"github.com/kartikbazzad/bunbase/buncat/internal/query"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
	"github.com/kartikbazzad/bunbase/buncat/internal/wal"
)

const (
	registryFile = "engine.catalog"
	engineLog    = "engine"
	catalogsDir  = "catalogs"
	backupsDir   = "backups"
)

// CatalogInfo describes a catalog known to the engine.
type CatalogInfo struct {
	ID            string
	Name          string
	State         catalog.State
	Version       uint64
	SchemaVersion uint64
	Sessions      int
}

type Option func(*Engine)

// WithEvaluator replaces the CEL evaluator used by GetEntities.
func WithEvaluator(ev query.Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// WithObserver subscribes o before any catalog is loaded.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.bus.subscribe(o) }
}

type Engine struct {
	cfg       *config.Config
	logger    *logger.Logger
	codec     mutation.Codec
	evaluator query.Evaluator
	registry  *catalog.Registry
	journal   *wal.Log
	journalMu sync.Mutex
	sched     *Scheduler
	bus       *bus

	mu       sync.RWMutex
	catalogs map[string]*Catalog
	busy     map[string]string
	closed   bool
}

// Open loads the registry, replays every servable catalog in parallel and
// starts the periodic checkpoint, purge and session expiry tasks. A catalog
// that fails to load is marked CORRUPTED; Open itself still succeeds.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, catalogsDir), 0755); err != nil {
		return nil, errors.Wrapf(errors.ErrFileOpen, "data dir %s: %v", cfg.DataDir, err)
	}
	e := &Engine{
		cfg:      cfg,
		logger:   log,
		codec:    mutation.Codec{Compress: cfg.WAL.Compress},
		bus:      newBus(),
		catalogs: map[string]*Catalog{},
		busy:     map[string]string{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.evaluator == nil {
		ev, err := query.NewCELEvaluator()
		if err != nil {
			return nil, err
		}
		e.evaluator = ev
	}

	e.registry = catalog.NewRegistry(filepath.Join(cfg.DataDir, registryFile), log)
	if err := e.registry.Load(); err != nil {
		return nil, err
	}
	journal, err := wal.Open(wal.OptionsFrom(cfg.DataDir, engineLog, cfg.WAL), log.With("log", engineLog))
	if err != nil {
		e.registry.Close()
		return nil, err
	}
	e.journal = journal
	sched, err := NewScheduler(cfg.Server, log)
	if err != nil {
		journal.Close()
		e.registry.Close()
		return nil, err
	}
	e.sched = sched

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Server.WorkerCount)
	for _, entry := range e.registry.List() {
		c := newCatalog(e, entry.ID, entry.Name, entry.State)
		e.catalogs[entry.Name] = c
		if !entry.State.Servable() {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := c.load(gctx); err != nil {
				c.markCorrupted(err)
				return nil
			}
			if c.State() == catalog.Alive {
				if err := c.startPipeline(); err != nil {
					c.markCorrupted(err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.Close(context.Background())
		return nil, err
	}

	e.sched.Every("checkpoint", cfg.Storage.CheckpointInterval, e.checkpointAll)
	e.sched.Every("purge", cfg.WAL.PurgeInterval, e.purgeAll)
	if t := cfg.Transaction.SessionTimeout; t > 0 {
		e.sched.Every("sessions", janitorInterval(t), e.expireSessions)
	}
	log.Info("Engine opened with %d catalogs in %s", len(e.catalogs), cfg.DataDir)
	return e, nil
}

func janitorInterval(timeout time.Duration) time.Duration {
	if d := timeout / 2; d > time.Second {
		return d
	}
	return time.Second
}

func (e *Engine) catalogDir(name string) string {
	return filepath.Join(e.cfg.DataDir, catalogsDir, name)
}

// Observe subscribes o to lifecycle events. The returned func unsubscribes.
func (e *Engine) Observe(o Observer) func() {
	return e.bus.subscribe(o)
}

// Scheduler exposes the background worker pools.
func (e *Engine) Scheduler() *Scheduler { return e.sched }

func (e *Engine) catalog(name string) (*Catalog, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, errors.Wrap(errors.ErrInstanceTerminated, "engine closed")
	}
	c, ok := e.catalogs[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrCatalogNotFound, "%s", name)
	}
	return c, nil
}

func (e *Engine) loadedCatalogs() []*Catalog {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Catalog, 0, len(e.catalogs))
	for _, c := range e.catalogs {
		if c.loaded() {
			out = append(out, c)
		}
	}
	return out
}

func info(c *Catalog) CatalogInfo {
	ci := CatalogInfo{ID: c.ID(), Name: c.name, State: c.State(), Sessions: len(c.openSessions())}
	if snap := c.Current(); snap != nil {
		ci.Version, ci.SchemaVersion = snap.Version(), snap.SchemaVersion()
	}
	return ci
}

// Catalogs lists every catalog sorted by name.
func (e *Engine) Catalogs() []CatalogInfo {
	e.mu.RLock()
	out := make([]CatalogInfo, 0, len(e.catalogs))
	for _, c := range e.catalogs {
		out = append(out, info(c))
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Catalog describes one catalog.
func (e *Engine) Catalog(name string) (CatalogInfo, error) {
	c, err := e.catalog(name)
	if err != nil {
		return CatalogInfo{}, err
	}
	return info(c), nil
}

// reserve marks names as having a structural operation in progress.
func (e *Engine) reserve(op string, names ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.Wrap(errors.ErrInstanceTerminated, "engine closed")
	}
	for _, n := range names {
		if running, ok := e.busy[n]; ok {
			return errors.Wrapf(errors.ErrTransitionInProgress, "%s on %s while %s runs", op, n, running)
		}
	}
	for _, n := range names {
		e.busy[n] = op
	}
	return nil
}

func (e *Engine) release(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range names {
		delete(e.busy, n)
	}
}

// preparer runs synchronously before an operation is scheduled. The undo
// func it returns is called when scheduling fails.
type preparer func() (undo func(), err error)

// begin enters the transitional state of op before scheduling.
func begin(c *Catalog, op catalog.Op) preparer {
	return func() (func(), error) {
		if _, err := c.machine.Begin(op); err != nil {
			return nil, err
		}
		return func() { c.machine.Fail(op) }, nil
	}
}

// runOp reserves names, runs prepare and then fn on the task pool. The
// names are released when fn returns.
func runOp[T any](e *Engine, op, name string, names []string, prepare preparer, fn func(p *Progress[T]) (T, error)) (*Progress[T], error) {
	if err := e.reserve(op, names...); err != nil {
		return nil, err
	}
	undo := func() {}
	if prepare != nil {
		u, err := prepare()
		if err != nil {
			e.release(names...)
			return nil, err
		}
		undo = u
	}
	p := newProgress[T](op, name)
	err := e.sched.Submit(func() {
		v, err := fn(p)
		e.release(names...)
		if err != nil {
			e.logger.Warn("%s of %s failed: %v", op, name, err)
		} else {
			e.logger.Info("%s of %s finished in %v", op, name, time.Since(p.StartedAt))
		}
		p.finish(v, err)
	})
	if err != nil {
		undo()
		e.release(names...)
		return nil, err
	}
	return p, nil
}

func (e *Engine) requireAbsent(name string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.catalogs[name]; ok {
		return errors.Wrapf(errors.ErrCatalogExists, "%s", name)
	}
	return nil
}

func (e *Engine) swap(remove []string, add ...*Catalog) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range remove {
		delete(e.catalogs, n)
	}
	for _, c := range add {
		e.catalogs[c.name] = c
	}
}

func versionsOf(c *Catalog) types.CommitVersions {
	snap := c.Current()
	if snap == nil {
		return types.CommitVersions{}
	}
	return types.CommitVersions{CatalogVersion: snap.Version(), CatalogSchemaVersion: snap.SchemaVersion()}
}

// DefineCatalog creates an empty catalog in WARMING_UP.
func (e *Engine) DefineCatalog(ctx context.Context, name string) (CatalogInfo, error) {
	if err := catalog.ValidateName(name); err != nil {
		return CatalogInfo{}, err
	}
	if err := e.reserve("create", name); err != nil {
		return CatalogInfo{}, err
	}
	defer e.release(name)
	if err := e.requireAbsent(name); err != nil {
		return CatalogInfo{}, err
	}

	id, err := e.registry.Create(name, catalog.WarmingUp)
	if err != nil {
		return CatalogInfo{}, err
	}
	c := newCatalog(e, id, name, catalog.StateUnknown)
	if _, err := c.machine.Begin(catalog.OpCreate); err != nil {
		return CatalogInfo{}, err
	}
	if err := c.load(ctx); err != nil {
		c.machine.Fail(catalog.OpCreate)
		e.registry.Delete(id)
		os.RemoveAll(c.dir)
		return CatalogInfo{}, err
	}
	c.machine.Complete(catalog.OpCreate)
	e.swap(nil, c)
	e.bus.emit(Event{Kind: EventCatalogCreated, Catalog: name, State: catalog.WarmingUp.String()})
	e.record(mutation.CreateCatalog, name, "", id)
	return info(c), nil
}

// GoLiveCatalog switches a WARMING_UP catalog to ALIVE.
func (e *Engine) GoLiveCatalog(name string) (*Progress[types.CommitVersions], error) {
	return e.goLive(name, "")
}

func (e *Engine) goLive(name, except string) (*Progress[types.CommitVersions], error) {
	c, err := e.catalog(name)
	if err != nil {
		return nil, err
	}
	if n := c.writers(except); n > 0 {
		return nil, errors.Wrapf(errors.ErrInvalidTransition, "%d read-write sessions are open on %s", n, name)
	}
	return runOp(e, "goLive", name, []string{name}, begin(c, catalog.OpGoLive), func(p *Progress[types.CommitVersions]) (types.CommitVersions, error) {
		v, err := c.goLive(p.opContext(), p)
		if err != nil {
			c.machine.Fail(catalog.OpGoLive)
			return v, err
		}
		if err := e.registry.SetState(c.id, catalog.Alive); err != nil {
			c.logger.Error("Registry update after go-live: %v", err)
		}
		c.machine.Complete(catalog.OpGoLive)
		e.record(mutation.GoLiveCatalog, name, "", c.id)
		return v, nil
	})
}

// ActivateCatalog loads an INACTIVE catalog and makes it ALIVE again.
func (e *Engine) ActivateCatalog(name string) (*Progress[types.CommitVersions], error) {
	c, err := e.catalog(name)
	if err != nil {
		return nil, err
	}
	return runOp(e, "activate", name, []string{name}, begin(c, catalog.OpActivate), func(p *Progress[types.CommitVersions]) (types.CommitVersions, error) {
		if err := c.load(p.opContext()); err != nil {
			if errors.Is(err, errors.ErrCatalogCorrupted) {
				c.markCorrupted(err)
			} else {
				c.machine.Fail(catalog.OpActivate)
			}
			return types.CommitVersions{}, err
		}
		p.set(60)
		if err := p.pointOfNoReturn(); err != nil {
			c.unload(context.Background(), false)
			c.machine.Fail(catalog.OpActivate)
			return types.CommitVersions{}, err
		}
		if err := c.startPipeline(); err != nil {
			c.unload(context.Background(), false)
			c.machine.Fail(catalog.OpActivate)
			return types.CommitVersions{}, err
		}
		if err := e.registry.SetState(c.id, catalog.Alive); err != nil {
			c.logger.Error("Registry update after activation: %v", err)
		}
		c.machine.Complete(catalog.OpActivate)
		e.record(mutation.ActivateCatalog, name, "", c.id)
		return versionsOf(c), nil
	})
}

// DeactivateCatalog checkpoints and unloads an ALIVE catalog.
func (e *Engine) DeactivateCatalog(name string) (*Progress[types.CommitVersions], error) {
	c, err := e.catalog(name)
	if err != nil {
		return nil, err
	}
	return runOp(e, "deactivate", name, []string{name}, begin(c, catalog.OpDeactivate), func(p *Progress[types.CommitVersions]) (types.CommitVersions, error) {
		if err := p.pointOfNoReturn(); err != nil {
			c.machine.Fail(catalog.OpDeactivate)
			return types.CommitVersions{}, err
		}
		v := versionsOf(c)
		if err := c.unload(context.Background(), true); err != nil {
			c.startPipeline()
			c.machine.Fail(catalog.OpDeactivate)
			return types.CommitVersions{}, err
		}
		if err := e.registry.SetState(c.id, catalog.Inactive); err != nil {
			c.logger.Error("Registry update after deactivation: %v", err)
		}
		c.machine.Complete(catalog.OpDeactivate)
		e.record(mutation.DeactivateCatalog, name, "", c.id)
		return v, nil
	})
}

// DeleteCatalog terminates all sessions and removes the catalog with its files.
func (e *Engine) DeleteCatalog(name string) (*Progress[types.CommitVersions], error) {
	c, err := e.catalog(name)
	if err != nil {
		return nil, err
	}
	return runOp(e, "delete", name, []string{name}, begin(c, catalog.OpDelete), func(p *Progress[types.CommitVersions]) (types.CommitVersions, error) {
		if err := p.pointOfNoReturn(); err != nil {
			c.machine.Fail(catalog.OpDelete)
			return types.CommitVersions{}, err
		}
		v := versionsOf(c)
		if err := c.unload(context.Background(), false); err != nil {
			c.logger.Warn("Unload before delete: %v", err)
		}
		if err := e.registry.Delete(c.id); err != nil {
			c.machine.Fail(catalog.OpDelete)
			return types.CommitVersions{}, err
		}
		e.swap([]string{name})
		if err := os.RemoveAll(c.dir); err != nil {
			c.logger.Warn("Removing %s: %v", c.dir, err)
		}
		c.machine.Complete(catalog.OpDelete)
		e.bus.emit(Event{Kind: EventCatalogDeleted, Catalog: name})
		e.record(mutation.DeleteCatalog, name, "", c.id)
		return v, nil
	})
}

// reopen brings a catalog that was moved on disk back into service.
func (e *Engine) reopen(id uuid.UUID, name string, state catalog.State, load bool) (*Catalog, error) {
	c := newCatalog(e, id, name, state)
	if !load {
		return c, nil
	}
	if err := c.load(context.Background()); err != nil {
		c.machine.MarkCorrupted()
		return c, err
	}
	if state == catalog.Alive {
		if err := c.startPipeline(); err != nil {
			return c, err
		}
	}
	return c, nil
}

// restore puts a fresh instance of an unloaded catalog back under name after
// a failed structural operation. A catalog that cannot be reopened is still
// registered, marked CORRUPTED, so no stale unloaded instance stays visible.
func (e *Engine) restore(id uuid.UUID, name string, state catalog.State, load bool, op string) *Catalog {
	back, err := e.reopen(id, name, state, load)
	if err != nil {
		back.logger.Error("Reopen after failed %s: %v", op, err)
	}
	e.swap([]string{name}, back)
	return back
}

func (e *Engine) stableState(c *Catalog) (catalog.State, error) {
	st := c.State()
	if st.Transitional() {
		return st, errors.Wrapf(errors.ErrTransitionInProgress, "%s is %s", c.name, st)
	}
	if st == catalog.Corrupted {
		return st, errors.Wrapf(errors.ErrCatalogCorrupted, "%s", c.name)
	}
	return st, nil
}

// RenameCatalog moves a catalog to a new name. It fails if newName exists.
func (e *Engine) RenameCatalog(name, newName string) (*Progress[types.CommitVersions], error) {
	if err := catalog.ValidateName(newName); err != nil {
		return nil, err
	}
	c, err := e.catalog(name)
	if err != nil {
		return nil, err
	}
	if err := e.requireAbsent(newName); err != nil {
		return nil, err
	}
	return runOp(e, "rename", name, []string{name, newName}, nil, func(p *Progress[types.CommitVersions]) (types.CommitVersions, error) {
		state, err := e.stableState(c)
		if err != nil {
			return types.CommitVersions{}, err
		}
		if err := e.requireAbsent(newName); err != nil {
			return types.CommitVersions{}, err
		}
		if err := p.pointOfNoReturn(); err != nil {
			return types.CommitVersions{}, err
		}
		wasLoaded := c.loaded()
		if err := c.unload(context.Background(), true); err != nil {
			return types.CommitVersions{}, err
		}
		p.set(40)
		restore := func() { e.restore(c.id, name, state, wasLoaded, "rename") }
		dst := e.catalogDir(newName)
		if err := os.Rename(c.dir, dst); err != nil {
			restore()
			return types.CommitVersions{}, errors.Wrapf(errors.ErrFileWrite, "rename %s: %v", name, err)
		}
		if err := e.registry.Rename(c.id, newName); err != nil {
			os.Rename(dst, c.dir)
			restore()
			return types.CommitVersions{}, err
		}
		p.set(70)
		nc, err := e.reopen(c.id, newName, state, wasLoaded)
		e.swap([]string{name}, nc)
		e.record(mutation.RenameCatalog, name, newName, c.id)
		if err != nil {
			return types.CommitVersions{}, err
		}
		return versionsOf(nc), nil
	})
}

// ReplaceCatalog makes with available under the name of replaced. The old
// replaced catalog is dropped once the swap succeeded; before the swap point
// it is left untouched. A missing replaced catalog turns this into a rename.
func (e *Engine) ReplaceCatalog(with, replaced string) (*Progress[types.CommitVersions], error) {
	if err := catalog.ValidateName(replaced); err != nil {
		return nil, err
	}
	src, err := e.catalog(with)
	if err != nil {
		return nil, err
	}
	if with == replaced {
		return nil, errors.Wrapf(errors.ErrInvalidTransition, "%s cannot replace itself", with)
	}
	return runOp(e, "replace", with, []string{with, replaced}, nil, func(p *Progress[types.CommitVersions]) (types.CommitVersions, error) {
		state, err := e.stableState(src)
		if err != nil {
			return types.CommitVersions{}, err
		}
		srcLoaded := src.loaded()
		if srcLoaded {
			if err := src.checkpoint(p.opContext()); err != nil {
				return types.CommitVersions{}, err
			}
		}
		p.set(30)
		if err := p.pointOfNoReturn(); err != nil {
			return types.CommitVersions{}, err
		}

		e.mu.RLock()
		dst, exists := e.catalogs[replaced]
		e.mu.RUnlock()
		var dstState catalog.State
		var dstLoaded bool
		if exists {
			dstState, dstLoaded = dst.State(), dst.loaded()
			if dstState.Transitional() {
				return types.CommitVersions{}, errors.Wrapf(errors.ErrTransitionInProgress, "%s is %s", replaced, dstState)
			}
		}

		if err := src.unload(context.Background(), true); err != nil {
			return types.CommitVersions{}, err
		}
		rollback := func() {
			e.restore(src.id, with, state, srcLoaded, "replace")
			if exists {
				e.restore(dst.id, replaced, dstState, dstLoaded, "replace")
			}
		}

		target := e.catalogDir(replaced)
		trash := filepath.Join(e.cfg.DataDir, catalogsDir, ".trash-"+uuid.NewString())
		if exists {
			if err := dst.unload(context.Background(), false); err != nil {
				dst.logger.Warn("Unload before replace: %v", err)
			}
			if err := os.Rename(target, trash); err != nil {
				rollback()
				return types.CommitVersions{}, errors.Wrapf(errors.ErrFileWrite, "move %s aside: %v", replaced, err)
			}
		}
		p.set(60)
		if err := os.Rename(src.dir, target); err != nil {
			if exists {
				os.Rename(trash, target)
			}
			rollback()
			return types.CommitVersions{}, errors.Wrapf(errors.ErrFileWrite, "swap %s: %v", with, err)
		}

		if exists {
			if err := e.registry.Delete(dst.id); err != nil {
				e.logger.Error("Registry delete of replaced %s: %v", replaced, err)
			}
		}
		if err := e.registry.Rename(src.id, replaced); err != nil {
			e.logger.Error("Registry rename of %s: %v", with, err)
		}
		if exists {
			if err := os.RemoveAll(trash); err != nil {
				e.logger.Warn("Removing %s: %v", trash, err)
			}
			e.bus.emit(Event{Kind: EventCatalogDeleted, Catalog: replaced})
		}
		nc, err := e.reopen(src.id, replaced, state, srcLoaded)
		e.swap([]string{with, replaced}, nc)
		e.record(mutation.ReplaceCatalog, with, replaced, src.id)
		if err != nil {
			return types.CommitVersions{}, err
		}
		return versionsOf(nc), nil
	})
}

// DuplicateCatalog copies the current trunk of name into a new catalog. The
// copy starts in the state of the source with an empty history.
func (e *Engine) DuplicateCatalog(name, newName string) (*Progress[types.CommitVersions], error) {
	if err := catalog.ValidateName(newName); err != nil {
		return nil, err
	}
	c, err := e.catalog(name)
	if err != nil {
		return nil, err
	}
	if err := e.requireAbsent(newName); err != nil {
		return nil, err
	}
	return runOp(e, "duplicate", name, []string{name, newName}, nil, func(p *Progress[types.CommitVersions]) (types.CommitVersions, error) {
		state, err := e.stableState(c)
		if err != nil {
			return types.CommitVersions{}, err
		}
		snap := c.Current()
		if snap == nil {
			return types.CommitVersions{}, errors.Wrapf(errors.ErrCatalogNotServable, "%s is %s", name, state)
		}
		id := uuid.New()
		dir := e.catalogDir(newName)
		if err := writeCheckpoint(p.opContext(), dir, snap.WithIdentity(id.String(), newName), state); err != nil {
			os.RemoveAll(dir)
			return types.CommitVersions{}, err
		}
		p.set(70)
		if err := p.pointOfNoReturn(); err != nil {
			os.RemoveAll(dir)
			return types.CommitVersions{}, err
		}
		if err := e.registry.Put(id, newName, state); err != nil {
			os.RemoveAll(dir)
			return types.CommitVersions{}, err
		}
		nc, err := e.reopen(id, newName, state, true)
		e.swap(nil, nc)
		e.bus.emit(Event{Kind: EventCatalogCreated, Catalog: newName, State: state.String()})
		e.record(mutation.DuplicateCatalog, name, newName, id)
		if err != nil {
			return types.CommitVersions{}, err
		}
		return versionsOf(nc), nil
	})
}

// ApplyMutation executes an engine mutation and waits for it. Restores need
// an archive and cannot be replayed from a mutation alone.
func (e *Engine) ApplyMutation(ctx context.Context, m *mutation.Engine) (types.CommitVersions, error) {
	if m == nil {
		return types.CommitVersions{}, errors.Wrap(errors.ErrInvalidMutation, "nil engine mutation")
	}
	var (
		p   *Progress[types.CommitVersions]
		err error
	)
	switch m.Op {
	case mutation.CreateCatalog:
		ci, err := e.DefineCatalog(ctx, m.Catalog)
		return types.CommitVersions{CatalogVersion: ci.Version, CatalogSchemaVersion: ci.SchemaVersion}, err
	case mutation.DeleteCatalog:
		p, err = e.DeleteCatalog(m.Catalog)
	case mutation.RenameCatalog:
		p, err = e.RenameCatalog(m.Catalog, m.Target)
	case mutation.ReplaceCatalog:
		p, err = e.ReplaceCatalog(m.Catalog, m.Target)
	case mutation.DuplicateCatalog:
		p, err = e.DuplicateCatalog(m.Catalog, m.Target)
	case mutation.GoLiveCatalog:
		p, err = e.GoLiveCatalog(m.Catalog)
	case mutation.ActivateCatalog:
		p, err = e.ActivateCatalog(m.Catalog)
	case mutation.DeactivateCatalog:
		p, err = e.DeactivateCatalog(m.Catalog)
	default:
		return types.CommitVersions{}, errors.Wrapf(errors.ErrInvalidMutation, "engine mutation %s cannot be applied directly", m.Op)
	}
	if err != nil {
		return types.CommitVersions{}, err
	}
	return p.Wait(ctx)
}

// record appends an engine mutation to the engine log. The operation it
// describes already happened, so a failure is only logged.
func (e *Engine) record(op mutation.EngineOp, name, target string, id uuid.UUID) {
	m := &mutation.Engine{Op: op, Catalog: name, Target: target, CatalogID: id.String(), At: time.Now().UTC()}
	data, flags, err := e.codec.EncodeEngine(m)
	if err != nil {
		e.logger.Error("Encoding engine mutation %s: %v", op, err)
		return
	}
	e.journalMu.Lock()
	durable, err := e.journal.Append(wal.Batch{
		Marker: wal.TxMarker{
			TxID:        uuid.NewString(),
			Version:     e.journal.LastVersion() + 1,
			CommittedAt: m.At,
		},
		Mutations: []wal.Payload{{Flags: flags, Data: data}},
	})
	e.journalMu.Unlock()
	if err == nil {
		err = <-durable
	}
	if err != nil {
		e.logger.Error("Recording engine mutation %s of %s: %v", op, name, err)
	}
}

// EngineRecord is one entry of the engine mutation log.
type EngineRecord struct {
	Version  uint64
	Mutation *mutation.Engine
}

// EngineMutations returns the engine log from version from onwards.
func (e *Engine) EngineMutations(from uint64) ([]EngineRecord, error) {
	stream, err := e.journal.Stream(from)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	var out []EngineRecord
	for {
		b, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		for _, pl := range b.Mutations {
			m, err := e.codec.DecodeEngine(pl.Flags, pl.Data)
			if err != nil {
				return out, err
			}
			out = append(out, EngineRecord{Version: b.Marker.Version, Mutation: m})
		}
	}
}

// CreateSession opens a session on a servable catalog.
func (e *Engine) CreateSession(ctx context.Context, name string, traits types.SessionTraits) (*Session, error) {
	c, err := e.catalog(name)
	if err != nil {
		return nil, err
	}
	switch st := c.State(); {
	case st == catalog.Corrupted:
		return nil, errors.Wrapf(errors.ErrCatalogCorrupted, "%s", name)
	case !st.Servable():
		return nil, errors.Wrapf(errors.ErrCatalogNotServable, "%s is %s", name, st)
	}
	if !c.loaded() {
		return nil, errors.Wrapf(errors.ErrCatalogNotServable, "%s is not loaded", name)
	}
	s := newSession(ctx, c, traits)
	c.addSession(s)
	e.bus.emit(Event{Kind: EventSessionOpened, Catalog: name, SessionID: s.id})
	return s, nil
}

// RegisterChangeCatalogCapture opens a change publisher on a loaded catalog.
func (e *Engine) RegisterChangeCatalogCapture(name string, req cdc.Request) (*cdc.Publisher, error) {
	c, err := e.catalog(name)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	hub := c.hub
	c.mu.Unlock()
	if hub == nil {
		return nil, errors.Wrapf(errors.ErrCatalogNotServable, "%s is %s", name, c.State())
	}
	return hub.Register(req)
}

func (e *Engine) checkpointAll() {
	for _, c := range e.loadedCatalogs() {
		if err := c.checkpoint(context.Background()); err != nil && !errors.Is(err, errors.ErrCatalogNotServable) {
			c.logger.Warn("Periodic checkpoint failed: %v", err)
		}
	}
}

func (e *Engine) purgeAll() {
	for _, c := range e.loadedCatalogs() {
		n, err := c.purge()
		if err != nil {
			if !errors.Is(err, errors.ErrCatalogNotServable) {
				c.logger.Warn("WAL purge failed: %v", err)
			}
			continue
		}
		if n > 0 {
			c.logger.Info("Purged %d WAL segments", n)
		}
	}
}

func (e *Engine) expireSessions() {
	timeout := e.cfg.Transaction.SessionTimeout
	for _, c := range e.loadedCatalogs() {
		for _, s := range c.openSessions() {
			s.expire(timeout)
		}
	}
}

// Close checkpoints and unloads every catalog. Open sessions are terminated
// and their transactions rolled back.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	all := make([]*Catalog, 0, len(e.catalogs))
	for _, c := range e.catalogs {
		all = append(all, c)
	}
	e.mu.Unlock()

	var g errgroup.Group
	for _, c := range all {
		c := c
		g.Go(func() error {
			if err := c.unload(ctx, c.State().Servable()); err != nil {
				return errors.Wrapf(err, "closing %s", c.name)
			}
			return nil
		})
	}
	err := g.Wait()
	if e.sched != nil {
		e.sched.Stop(e.cfg.Transaction.CommitTimeout)
	}
	if e.journal != nil {
		if jerr := e.journal.Close(); jerr != nil && err == nil {
			err = jerr
		}
	}
	if rerr := e.registry.Close(); rerr != nil && err == nil {
		err = rerr
	}
	e.logger.Info("Engine closed")
	return err
}
