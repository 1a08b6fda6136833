package sync

import (
	"context"
	"errors"

	"altimeter-sync-service/internal/remote"
)

// Statuses sent to real-time subscribers.
const (
	BroadcastSyncing  = "syncing"
	BroadcastSynced   = "synced"
	BroadcastConflict = "conflict"
	BroadcastError    = "error"
)

// Conflict resolution strategies.
const (
	StrategyLocal  = "local"
	StrategyRemote = "remote"
)

var (
	ErrInvalidDirection   = errors.New("invalid sync direction")
	ErrInvalidStrategy    = errors.New("invalid resolution strategy")
	ErrNoConflict         = errors.New("task has no conflict to resolve")
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskNotLinked      = errors.New("task has no remote id")
	ErrQueueItemNotFound  = errors.New("queue item not found")
	ErrQueueItemNotFailed = errors.New("queue item is not failed")
)

// RemoteClient is the subset of the Altimeter client the worker needs.
type RemoteClient interface {
	GetTask(ctx context.Context, id string) (*remote.Task, error)
	CreateTask(ctx context.Context, payload remote.TaskPayload) (*remote.Task, error)
	UpdateTask(ctx context.Context, id string, payload remote.TaskPayload) (*remote.Task, error)
}

// Broadcaster publishes sync state transitions. Implementations must not block.
type Broadcaster interface {
	Broadcast(entityType, entityID, status string)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, string, string) {}

// RetryableError marks a failure worth another attempt (transport, remote API,
// database). Unclassified errors are treated the same way.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a failure that no retry can fix; the item fails at once.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

func fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

type outcome int

const (
	outcomeSynced outcome = iota + 1
	outcomeConflict
)
