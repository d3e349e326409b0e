package engine

import (
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/bunbase/buncat/internal/config"
	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
)

// Scheduler runs background work on two ants pools: a bounded one for
// short tasks (structural operations, backups, purges) and an unbounded one
// for the long-lived commit loops of every catalog.
type Scheduler struct {
	tasks  *ants.Pool
	loops  *ants.Pool
	logger *logger.Logger

	mu      sync.Mutex
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewScheduler(cfg config.ServerConfig, log *logger.Logger) (*Scheduler, error) {
	panics := ants.WithPanicHandler(func(v any) {
		log.Error("Background task panic: %v", v)
	})
	tasks, err := ants.NewPool(cfg.WorkerCount,
		panics,
		ants.WithExpiryDuration(cfg.WorkerExpiry),
		ants.WithPreAlloc(cfg.PreAlloc),
	)
	if err != nil {
		return nil, errors.Wrap(err, "task pool")
	}
	loops, err := ants.NewPool(-1, panics)
	if err != nil {
		tasks.Release()
		return nil, errors.Wrap(err, "loop pool")
	}
	return &Scheduler{tasks: tasks, loops: loops, logger: log, stop: make(chan struct{})}, nil
}

// Submit runs a short task.
func (s *Scheduler) Submit(task func()) error {
	if s.isStopped() {
		return errors.ErrPoolStopped
	}
	if err := s.tasks.Submit(task); err != nil {
		return errors.Wrap(errors.ErrPoolStopped, err.Error())
	}
	return nil
}

// Go runs a task that lives until its owner shuts it down.
func (s *Scheduler) Go(loop func()) error {
	if s.isStopped() {
		return errors.ErrPoolStopped
	}
	if err := s.loops.Submit(loop); err != nil {
		return errors.Wrap(errors.ErrPoolStopped, err.Error())
	}
	return nil
}

// Every runs fn on the task pool each interval until Stop. A run still in
// progress when the next tick fires is not overlapped.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		running := make(chan struct{}, 1)
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				select {
				case running <- struct{}{}:
				default:
					s.logger.Debug("Periodic task %s still running, skipping tick", name)
					continue
				}
				if err := s.Submit(func() {
					defer func() { <-running }()
					fn()
				}); err != nil {
					<-running
				}
			}
		}
	}()
}

// Running returns the number of busy task workers.
func (s *Scheduler) Running() int { return s.tasks.Running() }

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop ends periodic tasks and waits for running tasks up to timeout.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	if err := s.tasks.ReleaseTimeout(timeout); err != nil {
		s.logger.Warn("Task pool did not drain: %v", err)
	}
	if err := s.loops.ReleaseTimeout(timeout); err != nil {
		s.logger.Warn("Loop pool did not drain: %v", err)
	}
}
