package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"altimeter-sync-service/internal/logger"
	"altimeter-sync-service/internal/remote"
	"altimeter-sync-service/internal/store"
)

// result is what a handler hands back to the worker. apply holds the local
// writes; they commit together with the queue transition and activity entry.
type result struct {
	outcome outcome
	details string
	apply   func(ctx context.Context, tx store.Store) error
}

func (w *Worker) dispatch(ctx context.Context, item *store.SyncQueueItem) (*result, error) {
	if item.EntityType != store.EntityTypeTask {
		return nil, fatal(fmt.Errorf("unsupported entity type %q", item.EntityType))
	}
	switch item.Direction {
	case store.DirectionPush:
		return w.push(ctx, item)
	case store.DirectionPull:
		return w.pull(ctx, item)
	default:
		return nil, fatal(fmt.Errorf("%w: %q", ErrInvalidDirection, item.Direction))
	}
}

// push sends the local task to Altimeter, creating it remotely on first push.
// Push never runs conflict detection.
func (w *Worker) push(ctx context.Context, item *store.SyncQueueItem) (*result, error) {
	task, err := w.loadTask(ctx, item.EntityID)
	if err != nil {
		return nil, err
	}

	payload := payloadFromTask(task)
	remoteID := task.RemoteID
	details := "updated remote task"

	if remoteID.Valid {
		if _, err := w.remote.UpdateTask(ctx, remoteID.String, payload); err != nil {
			return nil, retryable(err)
		}
	} else {
		created, err := w.remote.CreateTask(ctx, payload)
		if err != nil {
			return nil, retryable(err)
		}
		remoteID = sql.NullString{String: string(created.ID), Valid: true}
		details = "created remote task " + string(created.ID)
	}

	return &result{
		outcome: outcomeSynced,
		details: details,
		apply: func(ctx context.Context, tx store.Store) error {
			return tx.UpdateTaskSyncState(ctx, task.ID, store.TaskSyncState{
				RemoteID:     remoteID,
				SyncStatus:   store.SyncStatusSynced,
				LastSyncedAt: sql.NullTime{Time: w.now(), Valid: true},
			})
		},
	}, nil
}

// pull fetches the remote task and applies it locally unless that would
// clobber a concurrent local edit. Items enqueued by a resolution skip the
// check.
func (w *Worker) pull(ctx context.Context, item *store.SyncQueueItem) (*result, error) {
	task, err := w.loadTask(ctx, item.EntityID)
	if err != nil {
		return nil, err
	}
	if !task.RemoteID.Valid {
		return nil, fatal(fmt.Errorf("%w: %s", ErrTaskNotLinked, task.ID))
	}

	rt, err := w.remote.GetTask(ctx, task.RemoteID.String)
	if err != nil {
		return nil, retryable(err)
	}

	var remoteUpdated time.Time
	if rt.UpdatedAt != "" {
		if remoteUpdated, err = remote.ParseTimestamp(rt.UpdatedAt); err != nil {
			return nil, fatal(err)
		}
	}
	fields, err := fieldsFromRemote(rt)
	if err != nil {
		return nil, fatal(err)
	}

	if !item.Resolution.Valid {
		conflict, err := w.conflicts.DetectConflict(item, task, rt, remoteUpdated, w.now())
		if err != nil {
			return nil, fatal(err)
		}
		if conflict != nil {
			logger.Log.Warn("Conflict detected",
				zap.String("task_id", task.ID),
				zap.String("remote_id", task.RemoteID.String),
				zap.Time("local_updated_at", conflict.LocalUpdatedAt),
				zap.Time("remote_updated_at", conflict.RemoteUpdatedAt),
			)
			return &result{
				outcome: outcomeConflict,
				details: fmt.Sprintf("local and remote both modified since last sync (conflict %s)", conflict.ID),
				apply: func(ctx context.Context, tx store.Store) error {
					return w.conflicts.RecordConflict(ctx, tx, conflict)
				},
			}, nil
		}
	}

	return &result{
		outcome: outcomeSynced,
		details: "applied remote task " + task.RemoteID.String,
		apply: func(ctx context.Context, tx store.Store) error {
			return tx.ApplyRemoteFields(ctx, task.ID, fields, w.now())
		},
	}, nil
}

func (w *Worker) loadTask(ctx context.Context, id string) (*store.Task, error) {
	task, err := w.store.GetTask(ctx, id)
	if err != nil {
		return nil, retryable(fmt.Errorf("failed to load task %s: %w", id, err))
	}
	if task == nil {
		return nil, retryable(fmt.Errorf("%w: %s", ErrTaskNotFound, id))
	}
	return task, nil
}

func payloadFromTask(t *store.Task) remote.TaskPayload {
	p := remote.TaskPayload{
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
	}
	if t.DueDate.Valid {
		due := remote.FormatTimestamp(t.DueDate.Time)
		p.DueDate = &due
	}
	return p
}

func fieldsFromRemote(rt *remote.Task) (store.TaskFields, error) {
	f := store.TaskFields{
		Title:       rt.Title,
		Description: rt.Description,
		Status:      rt.Status,
		Priority:    rt.Priority,
	}
	if rt.DueDate != nil && *rt.DueDate != "" {
		due, err := remote.ParseTimestamp(*rt.DueDate)
		if err != nil {
			return f, fmt.Errorf("invalid due_date: %w", err)
		}
		f.DueDate = sql.NullTime{Time: due, Valid: true}
	}
	return f, nil
}
