// Package domain defines the core task entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrTaskNotFound is returned when a task ID is unknown to the scheduler.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTerminal is returned when a terminal transition is applied to
	// a task that already completed or failed.
	ErrTaskTerminal = errors.New("task already in a terminal state")

	// ErrWaitTimeout is returned when Wait gives up before the task
	// reaches a terminal state. The underlying work is not cancelled.
	ErrWaitTimeout = errors.New("timed out waiting for task")

	// ErrInvalidPriority is returned when a priority is not HIGH or LOW.
	ErrInvalidPriority = errors.New("invalid task priority")

	// ErrInvalidTaskType is returned when a task type is not recognized.
	ErrInvalidTaskType = errors.New("invalid task type")

	// ErrNilPayload is returned when a task is created without a payload.
	ErrNilPayload = errors.New("task payload cannot be nil")
)
