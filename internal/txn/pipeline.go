package txn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
	"github.com/kartikbazzad/bunbase/buncat/internal/mutation"
	"github.com/kartikbazzad/bunbase/buncat/internal/store"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
	"github.com/kartikbazzad/bunbase/buncat/internal/wal"
)

// Journal is the durable sink of committed batches.
type Journal interface {
	// Append enqueues a batch; the channel yields nil once it is durable.
	Append(b wal.Batch) (<-chan error, error)
}

// Trunk holds the snapshot visible to new sessions.
type Trunk interface {
	Current() *store.Snapshot
	Publish(s *store.Snapshot) error
}

// Commit describes a transaction that became visible.
type Commit struct {
	TxID        string
	Versions    types.CommitVersions
	Mutations   []mutation.Mutation
	CommittedAt time.Time
}

// Hooks observe commit outcomes. Every field is optional. Committed runs on
// the incorporator in version order.
type Hooks struct {
	Committed  func(c Commit)
	RolledBack func(txID string, cause error)
	Corrupted  func(cause error)
}

type Options struct {
	QueueSize      int
	ConflictWindow int
	Codec          mutation.Codec
}

// Request is a transaction handed to the pipeline.
type Request struct {
	Ctx             context.Context
	TxID            string
	SnapshotVersion uint64
	Mutations       []mutation.Mutation
	Progress        *CommitProgress
}

type inflight struct {
	req      *Request
	snap     *store.Snapshot
	versions types.CommitVersions
	at       time.Time
	durable  <-chan error
}

// Pipeline serializes the commits of one catalog. A committer goroutine
// checks conflicts, assigns versions and appends to the journal; an
// incorporator goroutine waits for durability and publishes the new
// snapshots in version order.
type Pipeline struct {
	opts     Options
	journal  Journal
	trunk    Trunk
	hooks    Hooks
	logger   *logger.Logger
	history  *History
	counters *Counters

	queue       chan *Request
	incorporate chan *inflight
	done        chan struct{}

	mu      sync.RWMutex
	started bool
	closed  bool

	// committer state
	head          *store.Snapshot
	lastCommitted time.Time

	// incorporator state
	broken    error
	corrupted atomic.Bool
}

func NewPipeline(opts Options, journal Journal, trunk Trunk, hooks Hooks, log *logger.Logger) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Pipeline{
		opts:        opts,
		journal:     journal,
		trunk:       trunk,
		hooks:       hooks,
		logger:      log,
		history:     NewHistory(opts.ConflictWindow),
		queue:       make(chan *Request, opts.QueueSize),
		incorporate: make(chan *inflight, opts.QueueSize),
		done:        make(chan struct{}),
	}
}

// Start launches both loops through spawn, or plain goroutines when spawn is nil.
func (p *Pipeline) Start(spawn func(task func()) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.Wrap(errors.ErrInstanceTerminated, "pipeline closed")
	}
	if p.started {
		return nil
	}
	if spawn == nil {
		spawn = func(task func()) error {
			go task()
			return nil
		}
	}
	p.head = p.trunk.Current()
	p.counters = NewCounters(p.head.Version())
	if err := spawn(p.incorporateLoop); err != nil {
		return errors.Wrap(err, "start incorporator")
	}
	if err := spawn(p.commitLoop); err != nil {
		close(p.incorporate)
		return errors.Wrap(err, "start committer")
	}
	p.started = true
	return nil
}

// Submit enqueues a transaction and returns its progress.
func (p *Pipeline) Submit(req *Request) (*CommitProgress, error) {
	if req.Progress == nil {
		req.Progress = NewCommitProgress()
	}
	if req.Ctx == nil {
		req.Ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || !p.started {
		return nil, errors.Wrap(errors.ErrInstanceTerminated, "commit pipeline is not running")
	}
	select {
	case p.queue <- req:
		return req.Progress, nil
	default:
		return nil, errors.Wrapf(errors.ErrQueueFull, "%d commits pending", cap(p.queue))
	}
}

// Close stops accepting commits, lets the queued ones finish and waits for
// both loops to exit. It is idempotent.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.doneOrNil()
		return
	}
	p.closed = true
	started := p.started
	close(p.queue)
	p.mu.Unlock()

	if started {
		<-p.done
	}
}

func (p *Pipeline) doneOrNil() <-chan struct{} {
	if !p.started {
		c := make(chan struct{})
		close(c)
		return c
	}
	return p.done
}

// Counters exposes the version marks. Valid after Start.
func (p *Pipeline) Counters() *Counters { return p.counters }

func (p *Pipeline) History() *History { return p.history }

func (p *Pipeline) commitLoop() {
	defer close(p.incorporate)
	for req := range p.queue {
		p.commit(req)
	}
}

func (p *Pipeline) commit(req *Request) {
	log := p.logger.FromContext(req.Ctx).With("tx", req.TxID)

	if p.corrupted.Load() {
		p.reject(req, errors.Wrap(errors.ErrCatalogCorrupted, "commit pipeline halted"))
		return
	}
	keys := WriteSet(req.Mutations)
	if err := p.history.Check(req.SnapshotVersion, keys); err != nil {
		p.reject(req, err)
		return
	}

	b := store.NewBuilder(p.head)
	if err := mutation.ApplyAll(b, req.Mutations); err != nil {
		p.reject(req, err)
		return
	}
	version := p.counters.Assign()
	b.SetVersion(version)
	next := b.Build()
	v := types.CommitVersions{CatalogVersion: version, CatalogSchemaVersion: next.SchemaVersion()}
	req.Progress.Complete(StageConflictResolved, v)

	batch, err := p.batch(req, v)
	var durable <-chan error
	if err == nil {
		durable, err = p.journal.Append(batch)
	}
	if err != nil {
		if p.counters.GiveBack(version) {
			log.Warn("Version %d given back after failed append", version)
		}
		p.reject(req, err)
		return
	}

	p.history.Append(version, req.TxID, keys)
	p.head = next
	log.Debug("Transaction assigned version %d (%d mutations)", version, len(req.Mutations))
	p.incorporate <- &inflight{req: req, snap: next, versions: v, at: batch.Marker.CommittedAt, durable: durable}
}

func (p *Pipeline) batch(req *Request, v types.CommitVersions) (wal.Batch, error) {
	at := time.Now().UTC()
	if !at.After(p.lastCommitted) {
		at = p.lastCommitted.Add(time.Nanosecond)
	}
	p.lastCommitted = at

	b := wal.Batch{
		Marker: wal.TxMarker{
			TxID:          req.TxID,
			Version:       v.CatalogVersion,
			SchemaVersion: v.CatalogSchemaVersion,
			CommittedAt:   at,
		},
		Mutations: make([]wal.Payload, 0, len(req.Mutations)),
	}
	for _, m := range req.Mutations {
		data, flags, err := p.opts.Codec.Encode(m)
		if err != nil {
			return wal.Batch{}, err
		}
		b.Mutations = append(b.Mutations, wal.Payload{Flags: flags, Data: data})
	}
	return b, nil
}

func (p *Pipeline) reject(req *Request, err error) {
	req.Progress.Fail(err)
	if p.hooks.RolledBack != nil {
		p.hooks.RolledBack(req.TxID, err)
	}
}

func (p *Pipeline) incorporateLoop() {
	defer close(p.done)
	for f := range p.incorporate {
		p.finish(f)
	}
}

func (p *Pipeline) finish(f *inflight) {
	v := f.versions
	if err := <-f.durable; err != nil {
		// the committer already built on this version, so the head is ahead
		// of anything the log can ever hold
		if p.broken == nil {
			p.broken = err
		}
		p.halt(errors.Wrapf(errors.ErrCatalogCorrupted,
			"wal append of version %d failed: %v", v.CatalogVersion, err))
		p.reject(f.req, err)
		return
	}
	p.counters.Written(v.CatalogVersion)
	f.req.Progress.Complete(StageWALAppended, v)

	if p.broken != nil {
		p.corrupt(f.req, errors.Wrapf(errors.ErrCatalogCorrupted,
			"version %d is durable but follows a failed commit: %v", v.CatalogVersion, p.broken))
		return
	}
	if err := p.trunk.Publish(f.snap); err != nil {
		p.broken = err
		p.corrupt(f.req, errors.Wrapf(errors.ErrCatalogCorrupted,
			"incorporation of version %d failed: %v", v.CatalogVersion, err))
		return
	}
	p.counters.Finalized(v.CatalogVersion)
	f.req.Progress.Complete(StageChangesVisible, v)
	if p.hooks.Committed != nil {
		p.hooks.Committed(Commit{TxID: f.req.TxID, Versions: v, Mutations: f.req.Mutations, CommittedAt: f.at})
	}
}

func (p *Pipeline) corrupt(req *Request, err error) {
	p.halt(err)
	p.reject(req, err)
}

// halt stops further commits and reports the corruption once.
func (p *Pipeline) halt(err error) {
	if !p.corrupted.CompareAndSwap(false, true) {
		return
	}
	p.logger.Error("%v", err)
	if p.hooks.Corrupted != nil {
		p.hooks.Corrupted(err)
	}
}
