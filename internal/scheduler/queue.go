package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/driftlock/dispatch/internal/domain"
)

// Common errors returned by the priority queue
var (
	ErrQueueClosed = errors.New("task queue is closed")
	ErrQueueFull   = errors.New("task queue is full")
)

// priorityQueue holds pending tasks in two buffered channels, one per
// priority tier. Workers drain HIGH before LOW; within a tier the
// channel preserves FIFO order.
type priorityQueue struct {
	high chan *domain.Task
	low  chan *domain.Task

	mu     sync.Mutex
	closed bool

	logger *slog.Logger
}

// newPriorityQueue creates a queue with the given per-tier buffer size.
func newPriorityQueue(size int, logger *slog.Logger) *priorityQueue {
	return &priorityQueue{
		high:   make(chan *domain.Task, size),
		low:    make(chan *domain.Task, size),
		logger: logger,
	}
}

// enqueue adds a task to the channel matching its priority.
// Returns an error if that tier's buffer is full or the queue is closed.
func (q *priorityQueue) enqueue(task *domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	ch := q.low
	if task.Priority() == domain.PriorityHigh {
		ch = q.high
	}

	select {
	case ch <- task:
		q.logger.Debug("task enqueued",
			"task_id", task.ID(),
			"task_type", task.Type(),
			"priority", task.Priority(),
			"queue_len", len(ch),
			"queue_cap", cap(ch))
		return nil
	default:
		return fmt.Errorf("%w: %s queue capacity %d reached", ErrQueueFull, task.Priority(), cap(ch))
	}
}

// close closes both tiers, letting draining workers observe the end of
// the queue and exit.
func (q *priorityQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.high)
		close(q.low)
		q.logger.Info("task queue closed")
	}
}

// depths returns the current lengths of the HIGH and LOW tiers.
func (q *priorityQueue) depths() (int, int) {
	return len(q.high), len(q.low)
}
