// Package ekind classifies engine failures into the error kinds of spec §7,
// independent of any particular error type hierarchy.
package ekind

import (
	"errors"
	"fmt"
)

// Kind is one of the named error kinds from spec §7.
type Kind string

const (
	Configuration  Kind = "Configuration"
	Persistence    Kind = "Persistence"
	Deserialization Kind = "Deserialization"
	HandlerFailure Kind = "Handler"
	Cancellation   Kind = "Cancellation"
	QueueFull      Kind = "QueueFull"
	Monitoring     Kind = "Monitoring"
)

// Error wraps an underlying error with its classification, carrying enough
// context (task id, queue name) to populate audit records without a custom
// exception type per failure mode.
type Error struct {
	Kind   Kind
	TaskID string
	Queue  string
	Err    error
}

func (e *Error) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s: task %s: %v", e.Kind, e.TaskID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err under kind.
func New(kind Kind, taskID string, err error) *Error {
	return &Error{Kind: kind, TaskID: taskID, Err: err}
}

// Is reports whether err was classified under kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinel errors used across packages.
var (
	ErrNoHandlerRegistered = errors.New("evertask: no handler registered for request type")
	ErrSerializationFailed = errors.New("evertask: failed to serialize request")
	ErrPersistenceFailed   = errors.New("evertask: failed to persist task")
	ErrDuplicateKey        = errors.New("evertask: duplicate task key conflict")
	ErrQueueFull           = errors.New("evertask: queue full")
	ErrUnknownQueue        = errors.New("evertask: unknown queue name")
	ErrTaskNotFound        = errors.New("evertask: task not found")
)
