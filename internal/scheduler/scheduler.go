// Package scheduler drives the worker: a single long-poll loop that leases
// tasks from the engine, a counting semaphore capping in-flight leases, and
// one goroutine per lease running the executor pipeline.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/nativebpm/taskworker/internal/engine"
	"github.com/nativebpm/taskworker/internal/metrics"
	"github.com/nativebpm/taskworker/internal/registry"
	"github.com/nativebpm/taskworker/internal/runner"
)

// Fetcher is the slice of the engine client the driver needs
type Fetcher interface {
	FetchAndLock(ctx context.Context, maxTasks int, topics []engine.TopicRequest) ([]engine.ExternalTask, error)
	Unlock(ctx context.Context, taskID string) error
}

// TaskRunner executes one lease and issues its terminal report
type TaskRunner interface {
	Run(ctx context.Context, entry registry.Entry, task engine.ExternalTask, shutdown <-chan struct{}) runner.Result
	Report(ctx context.Context, entry registry.Entry, task engine.ExternalTask, result runner.Result) error
}

// Config holds the scheduler's settings
type Config struct {
	// MaxJobs caps concurrent in-flight leases
	MaxJobs int
	// LockDuration is requested for every topic in every fetch
	LockDuration time.Duration
	// InitialBackoff and MaxBackoff bound the fetch retry policy
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Scheduler owns the fetch loop and the in-flight accounting
type Scheduler struct {
	cfg      Config
	fetcher  Fetcher
	runner   TaskRunner
	registry *registry.Registry
	logger   *slog.Logger

	// sem is the single serialization point between the driver and the
	// runners: one slot per in-flight lease
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	// execCtx outlives the fetch context so in-flight leases can extend
	// locks and report after shutdown begins; Abort cancels it
	execCtx    context.Context
	execCancel context.CancelFunc

	// shutdown is closed when the fetch loop stops; runners begin early
	// termination
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New creates a scheduler
func New(cfg Config, fetcher Fetcher, taskRunner TaskRunner, reg *registry.Registry, logger *slog.Logger) *Scheduler {
	if cfg.MaxJobs < 1 {
		cfg.MaxJobs = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	execCtx, execCancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		fetcher:    fetcher,
		runner:     taskRunner,
		registry:   reg,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(cfg.MaxJobs)),
		execCtx:    execCtx,
		execCancel: execCancel,
		shutdown:   make(chan struct{}),
	}
}

// Run drives the fetch-dispatch loop until ctx is cancelled, then drains
// in-flight leases. Cancelling ctx is the orderly shutdown path; Abort is
// the hard one.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.execCancel()

	topics := s.registry.TopicRequests(int(s.cfg.LockDuration.Milliseconds()))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	s.logger.Info("Starting worker", "topics", len(topics), "maxJobs", s.cfg.MaxJobs)

	for {
		// Wait until a lease slot is free; this is what withholds the
		// next fetch while maxJobs leases are in flight
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}

		slots := 1
		for slots < s.cfg.MaxJobs && s.sem.TryAcquire(1) {
			slots++
		}

		tasks, err := s.fetcher.FetchAndLock(ctx, slots, topics)
		if err != nil {
			s.sem.Release(int64(slots))
			metrics.FetchErrors.Inc()
			wait := bo.NextBackOff()
			s.logger.Error("Failed to fetch tasks", "error", err, "retryIn", wait)
			if !sleep(ctx, wait) {
				break
			}
			continue
		}

		// An empty response after the long poll is normal; re-poll
		// immediately with a fresh backoff
		bo.Reset()

		if ctx.Err() != nil {
			// Fetched after shutdown began: hand the leases back rather
			// than starting work that would be cut short
			for _, task := range tasks {
				if err := s.fetcher.Unlock(s.execCtx, task.ID); err != nil {
					s.logger.Warn("Failed to unlock task fetched during shutdown", "taskID", task.ID, "error", err)
				}
			}
			s.sem.Release(int64(slots))
			break
		}

		if len(tasks) > 0 {
			s.logger.Info("Fetched tasks", "count", len(tasks))
			metrics.TasksFetched.Add(float64(len(tasks)))
		}

		dispatched := 0
		for _, task := range tasks {
			entry, ok := s.registry.Lookup(task.TopicName)
			if !ok {
				// The engine should only return subscribed topics
				s.logger.Error("No registration for fetched topic", "topic", task.TopicName, "taskID", task.ID)
				if err := s.fetcher.Unlock(s.execCtx, task.ID); err != nil {
					s.logger.Warn("Failed to unlock task", "taskID", task.ID, "error", err)
				}
				continue
			}

			if dispatched == slots {
				// More leases than slots requested: wait for a slot so the
				// in-flight count never exceeds maxJobs
				if err := s.sem.Acquire(ctx, 1); err != nil {
					if err := s.fetcher.Unlock(s.execCtx, task.ID); err != nil {
						s.logger.Warn("Failed to unlock task", "taskID", task.ID, "error", err)
					}
					continue
				}
				slots++
			}

			dispatched++
			s.wg.Add(1)
			go s.execute(entry, task)
		}

		if unused := slots - dispatched; unused > 0 {
			s.sem.Release(int64(unused))
		}
	}

	s.shutdownOnce.Do(func() { close(s.shutdown) })
	s.logger.Info("Draining in-flight leases")
	s.wg.Wait()
	s.logger.Info("Worker stopped")
	return nil
}

// Abort kills all in-flight work immediately. No terminal reports are
// issued; the engine reclaims the leases when their locks expire.
func (s *Scheduler) Abort() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
	s.execCancel()
}

// execute runs one lease on its own goroutine. The slot acquired by the
// driver is released only after the terminal report, keeping the in-flight
// accounting exact.
func (s *Scheduler) execute(entry registry.Entry, task engine.ExternalTask) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	result := s.runner.Run(s.execCtx, entry, task, s.shutdown)

	if s.execCtx.Err() != nil {
		// Hard abort: leave the lease to lock expiry
		s.logger.Warn("Aborted without terminal report", "taskID", task.ID, "topic", task.TopicName)
		return
	}

	if err := s.runner.Report(s.execCtx, entry, task, result); err != nil {
		// The engine will reclaim the lease on lock expiry
		s.logger.Error("Terminal report failed, lease orphaned", "taskID", task.ID, "topic", task.TopicName, "error", err)
	}
}

// sleep waits for d or until ctx is cancelled, reporting whether the full
// wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
