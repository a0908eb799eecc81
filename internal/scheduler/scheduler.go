// Package scheduler accepts tasks, holds them in two priority tiers,
// and feeds a fixed pool of workers that hand each task to the retry
// executor. The scheduler never retries; it records terminal outcomes.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/driftlock/dispatch/internal/domain"
	"github.com/driftlock/dispatch/internal/provider"
	"github.com/driftlock/dispatch/internal/retry"
)

// ErrNotStarted is returned when tasks are submitted before Start.
var ErrNotStarted = errors.New("scheduler not started")

// Config holds configuration for the scheduler.
type Config struct {
	// WorkerCount determines how many concurrent workers process tasks.
	WorkerCount int

	// QueueSize determines the buffer size of each priority tier.
	QueueSize int
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount: 4,
		QueueSize:   100,
	}
}

// Stats is a point-in-time view of scheduler activity.
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	HighQueued int   `json:"high_queued"`
	LowQueued  int   `json:"low_queued"`
}

// Scheduler owns the task registry, the priority queues, and the
// worker pool.
type Scheduler struct {
	queue    *priorityQueue
	executor *retry.Executor
	tiers    []provider.Tier

	tasksMu sync.RWMutex
	tasks   map[uuid.UUID]*domain.Task

	statsMu   sync.Mutex
	submitted int64
	completed int64
	failed    int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	cfg    Config
	logger *slog.Logger
}

// New creates a scheduler that dispatches through the given executor
// and tier chain.
func New(executor *retry.Executor, tiers []provider.Tier, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", cfg.WorkerCount,
			"default_count", DefaultConfig().WorkerCount)
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		queue:    newPriorityQueue(cfg.QueueSize, logger),
		executor: executor,
		tiers:    tiers,
		tasks:    make(map[uuid.UUID]*domain.Task),
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.logger.Info("scheduler started",
		"worker_count", s.cfg.WorkerCount,
		"queue_size", s.cfg.QueueSize)
}

// Stop shuts the scheduler down gracefully. Workers finish the task
// they are on before exiting; tasks still queued stay pending and no
// task is dropped mid-flight. Further submissions are rejected.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.queue.close()
	s.logger.Info("scheduler stopped")
}

// Submit creates a task for the payload and enqueues it by priority,
// returning the new task's ID. The optional callback fires exactly
// once with the final snapshot.
func (s *Scheduler) Submit(payload domain.Payload, priority domain.TaskPriority, callback domain.Callback) (uuid.UUID, error) {
	if !s.started.Load() {
		return uuid.Nil, ErrNotStarted
	}

	task, err := domain.NewTask(payload, priority, callback)
	if err != nil {
		return uuid.Nil, err
	}

	s.tasksMu.Lock()
	s.tasks[task.ID()] = task
	s.tasksMu.Unlock()

	if err := s.queue.enqueue(task); err != nil {
		s.tasksMu.Lock()
		delete(s.tasks, task.ID())
		s.tasksMu.Unlock()
		return uuid.Nil, err
	}

	s.statsMu.Lock()
	s.submitted++
	s.statsMu.Unlock()

	return task.ID(), nil
}

// Status returns the task's current snapshot, or ErrTaskNotFound for
// an unknown ID. After a terminal transition repeated calls return the
// same snapshot.
func (s *Scheduler) Status(id uuid.UUID) (domain.Snapshot, error) {
	task, err := s.lookup(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return task.Snapshot(), nil
}

// Wait blocks until the task reaches a terminal state or the timeout
// elapses. On timeout it returns ErrWaitTimeout without cancelling the
// underlying work.
func (s *Scheduler) Wait(id uuid.UUID, timeout time.Duration) (domain.Snapshot, error) {
	task, err := s.lookup(id)
	if err != nil {
		return domain.Snapshot{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-task.Done():
		return task.Snapshot(), nil
	case <-timer.C:
		return domain.Snapshot{}, domain.ErrWaitTimeout
	}
}

// Stats returns a point-in-time view of scheduler activity.
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	submitted, completed, failed := s.submitted, s.completed, s.failed
	s.statsMu.Unlock()

	high, low := s.queue.depths()
	return Stats{
		Submitted:  submitted,
		Completed:  completed,
		Failed:     failed,
		HighQueued: high,
		LowQueued:  low,
	}
}

func (s *Scheduler) lookup(id uuid.UUID) (*domain.Task, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return task, nil
}

// worker pulls tasks off the queues and runs them. HIGH has strict
// priority whenever the worker is free and HIGH has entries; LOW can
// starve under sustained HIGH load.
func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("starting worker", "worker_id", id)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("stopping worker", "worker_id", id)
			return
		default:
		}

		// Take a HIGH task immediately if one is ready.
		select {
		case task := <-s.queue.high:
			s.process(task, id)
			continue
		default:
		}

		select {
		case <-s.ctx.Done():
			s.logger.Debug("stopping worker", "worker_id", id)
			return
		case task := <-s.queue.high:
			s.process(task, id)
		case task := <-s.queue.low:
			s.process(task, id)
		}
	}
}

// process runs a single task through the retry executor and records
// the terminal outcome. The executor gets a background context so an
// in-flight task finishes even while the scheduler is stopping.
func (s *Scheduler) process(task *domain.Task, workerID int) {
	logger := s.logger.With(
		"task_id", task.ID(),
		"task_type", task.Type(),
		"worker_id", workerID,
	)

	if err := task.MarkRunning(); err != nil {
		logger.Error("failed to mark task running", "error", err)
		return
	}

	logger.Info("processing task", "priority", task.Priority())

	result, tier, err := s.executor.Run(context.Background(), task, s.tiers)
	if err != nil {
		logger.Error("task failed", "error", err)
		if failErr := task.Fail(err); failErr != nil {
			logger.Error("failed to record task failure", "error", failErr)
			return
		}
		s.statsMu.Lock()
		s.failed++
		s.statsMu.Unlock()
		return
	}

	logger.Info("task completed", "tier", tier)
	if completeErr := task.Complete(result, tier); completeErr != nil {
		logger.Error("failed to record task completion", "error", completeErr)
		return
	}
	s.statsMu.Lock()
	s.completed++
	s.statsMu.Unlock()
}
