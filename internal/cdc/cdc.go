// Package cdc publishes committed catalog changes to subscribers. A
// subscriber may start in the past; it is first fed from the WAL and then
// switches to live events without gaps or duplicates.
package cdc

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
	"github.com/kartikbazzad/bunbase/buncat/internal/mutation"
	"github.com/kartikbazzad/bunbase/buncat/internal/wal"
)

type Operation byte

const (
	OpTransaction Operation = iota + 1
	OpUpsert
	OpDelete
	OpSchema
)

func (o Operation) String() string {
	switch o {
	case OpTransaction:
		return "TRANSACTION"
	case OpUpsert:
		return "UPSERT"
	case OpDelete:
		return "DELETE"
	case OpSchema:
		return "SCHEMA"
	default:
		return "UNKNOWN"
	}
}

// Event is one captured change.
type Event struct {
	Version     uint64
	Index       int // position within the transaction, -1 for the marker
	TxID        string
	Operation   Operation
	EntityType  string
	PrimaryKey  int64
	Mutation    mutation.Mutation
	CommittedAt time.Time
}

// Request configures a capture.
type Request struct {
	// SinceVersion replays history from this version; 0 delivers live changes only.
	SinceVersion uint64
	// EntityType restricts events to one collection. Transaction markers are kept.
	EntityType string
	// Markers adds one OpTransaction event before the changes of each transaction.
	Markers bool
	// BufferSize is the capacity of the Events channel. At most
	// BufferSize*backlogFactor further events wait behind a full channel;
	// past that the publisher stops with ErrQueueFull.
	BufferSize int
}

const backlogFactor = 16

// Source is the log history is replayed from.
type Source interface {
	Stream(from uint64) (*wal.Stream, error)
}

// Hub fans committed transactions out to publishers of one catalog.
type Hub struct {
	mu     sync.Mutex
	source Source
	codec  mutation.Codec
	logger *logger.Logger
	last   uint64
	subs   map[*Publisher]struct{}
	closed bool
}

// NewHub starts a hub whose live events begin after version last.
func NewHub(source Source, codec mutation.Codec, last uint64, log *logger.Logger) *Hub {
	return &Hub{source: source, codec: codec, last: last, logger: log, subs: map[*Publisher]struct{}{}}
}

// Register opens a publisher. It fails with ErrTemporalDataNotAvailable when
// SinceVersion was purged from the log.
func (h *Hub) Register(req Request) (*Publisher, error) {
	if req.BufferSize <= 0 {
		req.BufferSize = 64
	}
	p := &Publisher{
		ID:     uuid.NewString(),
		req:    req,
		hub:    h,
		events: make(chan Event, req.BufferSize),
		limit:  req.BufferSize * backlogFactor,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.Wrap(errors.ErrInstanceTerminated, "capture hub closed")
	}
	upTo := h.last
	h.subs[p] = struct{}{}
	h.mu.Unlock()

	var stream *wal.Stream
	if req.SinceVersion > 0 && req.SinceVersion <= upTo {
		var err error
		if stream, err = h.source.Stream(req.SinceVersion); err != nil {
			h.remove(p)
			return nil, err
		}
	}
	go p.pump(stream, upTo)
	h.logger.Debug("Capture %s registered (since=%d, live after %d)", p.ID, req.SinceVersion, upTo)
	return p, nil
}

// Publish delivers a visible transaction. Calls must come in version order.
func (h *Hub) Publish(version uint64, txID string, committedAt time.Time, ms []mutation.Mutation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || version <= h.last {
		return
	}
	h.last = version
	for p := range h.subs {
		p.enqueue(events(version, txID, committedAt, ms))
	}
}

// Reset moves the live position without publishing, e.g. after a restore.
func (h *Hub) Reset(version uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = version
}

// Subscribers returns the number of open publishers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every publisher. It is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Publisher, 0, len(h.subs))
	for p := range h.subs {
		subs = append(subs, p)
	}
	h.mu.Unlock()

	for _, p := range subs {
		p.Close()
	}
}

func (h *Hub) remove(p *Publisher) {
	h.mu.Lock()
	delete(h.subs, p)
	h.mu.Unlock()
}

func events(version uint64, txID string, at time.Time, ms []mutation.Mutation) []Event {
	out := make([]Event, 0, len(ms)+1)
	out = append(out, Event{Version: version, Index: -1, TxID: txID, Operation: OpTransaction, CommittedAt: at})
	for i, m := range ms {
		e := Event{Version: version, Index: i, TxID: txID, Mutation: m, CommittedAt: at}
		switch x := m.(type) {
		case *mutation.UpsertEntity:
			e.Operation, e.EntityType, e.PrimaryKey = OpUpsert, x.Entity.Type, x.Entity.PrimaryKey
		case *mutation.DeleteEntity:
			e.Operation, e.EntityType, e.PrimaryKey = OpDelete, x.EntityType, x.PrimaryKey
		case *mutation.Schema:
			e.Operation, e.EntityType = OpSchema, x.EntityType
			if x.Op == mutation.DefineEntitySchema && x.Entity != nil {
				e.EntityType = x.Entity.Name
			}
		default:
			continue
		}
		out = append(out, e)
	}
	return out
}

// Publisher delivers events of one capture. It must be closed.
type Publisher struct {
	ID  string
	req Request
	hub *Hub

	events chan Event
	signal chan struct{}
	done   chan struct{}
	exited chan struct{}

	mu     sync.Mutex
	queue  []Event
	limit  int
	err    error
	closed bool
}

// Events yields changes in commit order. It is closed when the publisher
// stops; Err tells why.
func (p *Publisher) Events() <-chan Event { return p.events }

// Err returns the failure that stopped the publisher, if any.
func (p *Publisher) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close stops delivery. It is idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.exited
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	<-p.exited
	p.hub.remove(p)
	return nil
}

func (p *Publisher) enqueue(evs []Event) {
	p.mu.Lock()
	if !p.closed && len(p.queue)+len(evs) > p.limit {
		p.err = errors.Wrapf(errors.ErrQueueFull, "capture %s fell behind by %d events", p.ID, len(p.queue))
		p.queue = nil
		p.closed = true
		close(p.done)
		p.mu.Unlock()
		p.hub.logger.Warn("Capture %s stopped: subscriber does not keep up", p.ID)
		return
	}
	if !p.closed {
		p.queue = append(p.queue, evs...)
	}
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *Publisher) wants(e Event) bool {
	if e.Version < p.req.SinceVersion {
		return false
	}
	if e.Operation == OpTransaction {
		return p.req.Markers
	}
	return p.req.EntityType == "" || p.req.EntityType == e.EntityType
}

func (p *Publisher) send(e Event) bool {
	if !p.wants(e) {
		return true
	}
	select {
	case p.events <- e:
		return true
	case <-p.done:
		return false
	}
}

func (p *Publisher) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.hub.logger.Warn("Capture %s stopped: %v", p.ID, err)
}

func (p *Publisher) pump(stream *wal.Stream, upTo uint64) {
	defer close(p.exited)
	defer close(p.events)
	defer p.hub.remove(p)

	if stream != nil {
		ok := p.replay(stream, upTo)
		stream.Close()
		if !ok {
			p.hub.remove(p)
			return
		}
	}
	for {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		p.mu.Unlock()

		for _, e := range batch {
			if !p.send(e) {
				return
			}
		}
		select {
		case <-p.signal:
		case <-p.done:
			return
		}
	}
}

func (p *Publisher) replay(stream *wal.Stream, upTo uint64) bool {
	for {
		b, err := stream.Next()
		if err == io.EOF {
			return true
		}
		if err != nil {
			p.fail(err)
			return false
		}
		if b.Marker.Version > upTo {
			return true
		}
		ms := make([]mutation.Mutation, 0, len(b.Mutations))
		for _, pl := range b.Mutations {
			m, err := p.hub.codec.Decode(pl.Flags, pl.Data)
			if err != nil {
				p.fail(errors.Wrapf(err, "version %d", b.Marker.Version))
				return false
			}
			ms = append(ms, m)
		}
		for _, e := range events(b.Marker.Version, b.Marker.TxID, b.Marker.CommittedAt, ms) {
			if !p.send(e) {
				return false
			}
		}
	}
}
