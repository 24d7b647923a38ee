package model

import (
	"context"
	"time"

	"github.com/minisource/evertask/retry"
)

// Handler processes one TaskRequest type. Handle is the only required
// capability; the rest are optional lifecycle callbacks detected via type
// assertion by the executor (spec §3 "capabilities
// {Handle, OnStarted, OnCompleted, OnError, OnRetry, Dispose}").
type Handler interface {
	Handle(ctx context.Context, request TaskRequest) error
}

// OnStarted is implemented by handlers that want a callback when execution
// begins.
type OnStarted interface {
	OnStarted(ctx context.Context, taskID string)
}

// OnCompleted is implemented by handlers that want a callback on success.
type OnCompleted interface {
	OnCompleted(ctx context.Context, taskID string)
}

// OnError is implemented by handlers that want a callback on terminal
// failure or cancellation.
type OnError interface {
	OnError(ctx context.Context, taskID string, err error)
}

// OnRetry is implemented by handlers that want a callback between retry
// attempts.
type OnRetry interface {
	OnRetry(ctx context.Context, taskID string, attempt int, err error, delay time.Duration)
}

// Disposer is implemented by handlers holding resources that must be
// released once a task execution finishes, regardless of outcome.
type Disposer interface {
	Dispose() error
}

// Configured is implemented by handlers exposing per-handler overrides for
// retry policy and timeout. Its QueueName is not consulted: queue routing
// uses only the HandlerConfig passed at registration.
type Configured interface {
	HandlerConfig() HandlerConfig
}

// HandlerConfig holds the per-handler overrides. Zero values mean "use the
// engine-wide default".
type HandlerConfig struct {
	RetryPolicy *retry.Policy
	Timeout     time.Duration
	QueueName   string
}

// Factory constructs a fresh Handler instance. Registered per request type.
type Factory func() Handler
