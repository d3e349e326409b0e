package txn

import (
	"context"
	"sync"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

// Stage is one step of the commit protocol.
type Stage int

const (
	StageConflictResolved Stage = iota
	StageWALAppended
	StageChangesVisible
	stageCount
)

func (s Stage) String() string {
	switch s {
	case StageConflictResolved:
		return "conflict-resolved"
	case StageWALAppended:
		return "wal-appended"
	case StageChangesVisible:
		return "changes-visible"
	default:
		return "unknown"
	}
}

// StageFor maps a commit behavior to the stage a synchronous close waits on.
func StageFor(b types.CommitBehavior) Stage {
	switch b {
	case types.NoWait:
		return StageConflictResolved
	case types.WaitForWALPersistence:
		return StageWALAppended
	default:
		return StageChangesVisible
	}
}

// Future is a write-once result.
type Future struct {
	done chan struct{}
	once sync.Once
	val  types.CommitVersions
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(v types.CommitVersions, err error) bool {
	set := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		set = true
	})
	return set
}

// Done is closed once the future has a value.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (types.CommitVersions, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return types.CommitVersions{}, ctx.Err()
	}
}

// Result returns the value without blocking; ok is false while pending.
func (f *Future) Result() (v types.CommitVersions, err error, ok bool) {
	select {
	case <-f.done:
		return f.val, f.err, true
	default:
		return types.CommitVersions{}, nil, false
	}
}

// CommitProgress tracks a transaction through the commit stages. Stages
// resolve strictly in order and a failure fails every stage not yet resolved.
type CommitProgress struct {
	mu     sync.Mutex
	stages [stageCount]*Future
	next   Stage
}

func NewCommitProgress() *CommitProgress {
	p := &CommitProgress{}
	for i := range p.stages {
		p.stages[i] = newFuture()
	}
	return p
}

// CompletedProgress returns a progress with every stage already resolved to v.
func CompletedProgress(v types.CommitVersions) *CommitProgress {
	p := NewCommitProgress()
	p.Complete(StageChangesVisible, v)
	return p
}

// FailedProgress returns a progress with every stage failed with err.
func FailedProgress(err error) *CommitProgress {
	p := NewCommitProgress()
	p.Fail(err)
	return p
}

func (p *CommitProgress) OnConflictResolved() *Future { return p.stages[StageConflictResolved] }
func (p *CommitProgress) OnWALAppended() *Future      { return p.stages[StageWALAppended] }
func (p *CommitProgress) OnChangesVisible() *Future   { return p.stages[StageChangesVisible] }

// Stage returns the future of s.
func (p *CommitProgress) Stage(s Stage) *Future { return p.stages[s] }

// Complete resolves s and every earlier stage still pending with v.
// Stages already resolved are left alone.
func (p *CommitProgress) Complete(s Stage, v types.CommitVersions) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ; p.next <= s && p.next < stageCount; p.next++ {
		p.stages[p.next].resolve(v, nil)
	}
}

// Fail fails every stage not yet resolved with err.
func (p *CommitProgress) Fail(err error) {
	if err == nil {
		err = errors.New("commit failed")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for ; p.next < stageCount; p.next++ {
		p.stages[p.next].resolve(types.CommitVersions{}, err)
	}
}

// Wait blocks on the stage selected by behavior.
func (p *CommitProgress) Wait(ctx context.Context, b types.CommitBehavior) (types.CommitVersions, error) {
	return p.Stage(StageFor(b)).Wait(ctx)
}
