package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskState represents the lifecycle state of a task
type TaskState string

// Possible task state values. The state is monotonic: once a task is
// completed or failed it never transitions again.
const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
)

// TaskType identifies what kind of work a task carries.
type TaskType string

// Possible task type values
const (
	TaskTypePrompt  TaskType = "prompt"
	TaskTypeSearch  TaskType = "search"
	TaskTypeFetch   TaskType = "fetch"
	TaskTypeExecute TaskType = "execute"
)

// TaskPriority selects which scheduler queue a task enters.
type TaskPriority string

// Possible task priority values
const (
	PriorityHigh TaskPriority = "high"
	PriorityLow  TaskPriority = "low"
)

// Snapshot is the read-only view of a task handed to callers and
// callbacks. After a terminal transition repeated reads return the
// same snapshot.
type Snapshot struct {
	ID        uuid.UUID    `json:"id"`
	Type      TaskType     `json:"type"`
	Priority  TaskPriority `json:"priority"`
	State     TaskState    `json:"state"`
	Result    string       `json:"result,omitempty"`
	Tier      string       `json:"tier,omitempty"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Callback is invoked exactly once with the final snapshot when a task
// reaches a terminal state.
type Callback func(Snapshot)

// Task represents a unit of work submitted to the scheduler. The
// scheduler owns the task exclusively until it reaches a terminal
// state, after which it is shared read-only with any waiter.
type Task struct {
	id        uuid.UUID
	taskType  TaskType
	payload   Payload
	priority  TaskPriority
	callback  Callback
	createdAt time.Time

	mu     sync.Mutex
	state  TaskState
	result string
	tier   string
	err    error

	// done is closed exactly once on the terminal transition; Wait
	// blocks on it instead of polling.
	done chan struct{}
}

// NewTask creates a pending task for the given payload. The task type
// is derived from the payload. Returns an error if validation fails.
func NewTask(payload Payload, priority TaskPriority, callback Callback) (*Task, error) {
	if payload == nil {
		return nil, ErrNilPayload
	}

	if priority != PriorityHigh && priority != PriorityLow {
		return nil, ErrInvalidPriority
	}

	return &Task{
		id:        uuid.New(),
		taskType:  payload.TaskType(),
		payload:   payload,
		priority:  priority,
		callback:  callback,
		createdAt: time.Now().UTC(),
		state:     TaskStatePending,
		done:      make(chan struct{}),
	}, nil
}

// ID returns the task's unique identifier.
func (t *Task) ID() uuid.UUID {
	return t.id
}

// Type returns the task type identifier.
func (t *Task) Type() TaskType {
	return t.taskType
}

// Payload returns the task's work data.
func (t *Task) Payload() Payload {
	return t.payload
}

// Priority returns the task's scheduling priority.
func (t *Task) Priority() TaskPriority {
	return t.priority
}

// State returns the current task state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done returns a channel that is closed when the task reaches a
// terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Snapshot returns the task's current read-only view.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Task) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:        t.id,
		Type:      t.taskType,
		Priority:  t.priority,
		State:     t.state,
		Result:    t.result,
		Tier:      t.tier,
		CreatedAt: t.createdAt,
	}
	if t.err != nil {
		snap.Error = t.err.Error()
	}
	return snap
}

// MarkRunning transitions the task from pending to running. It is a
// no-op if the task is already running and an error if it is terminal.
func (t *Task) MarkRunning() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TaskStateCompleted || t.state == TaskStateFailed {
		return ErrTaskTerminal
	}

	t.state = TaskStateRunning
	return nil
}

// Complete records a successful result and the tier that served it,
// transitioning the task to completed. Applying a second terminal
// transition returns ErrTaskTerminal.
func (t *Task) Complete(result, tier string) error {
	return t.finish(TaskStateCompleted, result, tier, nil)
}

// Fail records the final error, transitioning the task to failed.
// Applying a second terminal transition returns ErrTaskTerminal.
func (t *Task) Fail(err error) error {
	return t.finish(TaskStateFailed, "", "", err)
}

func (t *Task) finish(state TaskState, result, tier string, err error) error {
	t.mu.Lock()

	if t.state == TaskStateCompleted || t.state == TaskStateFailed {
		t.mu.Unlock()
		return ErrTaskTerminal
	}

	t.state = state
	t.result = result
	t.tier = tier
	t.err = err
	snap := t.snapshotLocked()
	t.mu.Unlock()

	// Resolve waiters, then run the callback outside the lock so a
	// slow callback cannot block Status readers.
	close(t.done)
	if t.callback != nil {
		t.callback(snap)
	}
	return nil
}
