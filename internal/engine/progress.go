package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
)

// Progress tracks a long-running structural operation. It can be cancelled
// until the operation passes its point of no return.
type Progress[T any] struct {
	ID        string
	Operation string
	Catalog   string
	StartedAt time.Time

	percent   atomic.Int32
	mu        sync.Mutex
	cancelled bool
	committed bool
	ctx       context.Context
	cancel    context.CancelFunc

	done  chan struct{}
	value T
	err   error
}

func newProgress[T any](operation, catalog string) *Progress[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Progress[T]{
		ID:        uuid.NewString(),
		Operation: operation,
		Catalog:   catalog,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Percent returns completion between 0 and 100.
func (p *Progress[T]) Percent() int { return int(p.percent.Load()) }

func (p *Progress[T]) set(percent int) {
	if percent > 100 {
		percent = 100
	}
	p.percent.Store(int32(percent))
}

// Cancel asks the operation to stop. It returns false when the operation
// already passed its point of no return or finished.
func (p *Progress[T]) Cancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.committed || p.isDone() {
		return false
	}
	p.cancelled = true
	p.cancel()
	return true
}

// opContext is cancelled by Cancel and used by the operation for its
// cancellable part.
func (p *Progress[T]) opContext() context.Context { return p.ctx }

// pointOfNoReturn fails with ErrCancelled when cancellation was requested;
// afterwards Cancel has no effect.
func (p *Progress[T]) pointOfNoReturn() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return errors.Wrapf(errors.ErrCancelled, "%s of %s", p.Operation, p.Catalog)
	}
	p.committed = true
	return nil
}

func (p *Progress[T]) finish(v T, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isDone() {
		return
	}
	if err == nil {
		p.percent.Store(100)
	}
	p.value, p.err = v, err
	close(p.done)
	p.cancel()
}

func (p *Progress[T]) isDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed when the operation finished.
func (p *Progress[T]) Done() <-chan struct{} { return p.done }

// Wait blocks until the operation finishes or ctx ends.
func (p *Progress[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
