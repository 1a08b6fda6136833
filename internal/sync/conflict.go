package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"altimeter-sync-service/internal/remote"
	"altimeter-sync-service/internal/store"
)

// ConflictManager decides whether a pull would overwrite concurrent local
// edits, and records the two sides when it would.
type ConflictManager struct {
	window time.Duration
}

func NewConflictManager(window time.Duration) *ConflictManager {
	return &ConflictManager{window: window}
}

// IsConflict reports a conflict when a previous sync exists, both sides were
// modified after it, and the two modifications are strictly closer than the
// window. Edits far apart in time are treated as sequential.
func (cm *ConflictManager) IsConflict(localUpdated, remoteUpdated time.Time, lastSynced sql.NullTime) bool {
	if !lastSynced.Valid {
		return false
	}
	if !localUpdated.After(lastSynced.Time) || !remoteUpdated.After(lastSynced.Time) {
		return false
	}
	gap := localUpdated.Sub(remoteUpdated)
	if gap < 0 {
		gap = -gap
	}
	return gap < cm.window
}

// DetectConflict builds the conflict record for a pull, or returns nil when
// the remote version can be applied.
func (cm *ConflictManager) DetectConflict(item *store.SyncQueueItem, task *store.Task, rt *remote.Task, remoteUpdated, now time.Time) (*store.Conflict, error) {
	if !cm.IsConflict(task.LocalUpdatedAt(), remoteUpdated, task.LastSyncedAt) {
		return nil, nil
	}

	localData, err := json.Marshal(localSnapshot(task))
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot local task: %w", err)
	}
	remoteData, err := json.Marshal(rt)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot remote task: %w", err)
	}

	return &store.Conflict{
		ID:              uuid.New().String(),
		EntityType:      item.EntityType,
		EntityID:        item.EntityID,
		QueueItemID:     item.ID,
		LocalData:       localData,
		RemoteData:      remoteData,
		LocalUpdatedAt:  task.LocalUpdatedAt(),
		RemoteUpdatedAt: remoteUpdated,
		DetectedAt:      now,
		Status:          store.ConflictUnresolved,
	}, nil
}

// RecordConflict persists the conflict and flags the task. It must run in
// the same transaction as the queue item transition.
func (cm *ConflictManager) RecordConflict(ctx context.Context, tx store.Store, conflict *store.Conflict) error {
	if err := tx.CreateConflict(ctx, conflict); err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}
	return tx.UpdateTaskSyncState(ctx, conflict.EntityID, store.TaskSyncState{
		SyncStatus: store.SyncStatusConflict,
	})
}

// StrategyDirection maps a resolution strategy to the direction that enforces it.
func StrategyDirection(strategy string) (string, error) {
	switch strategy {
	case StrategyLocal:
		return store.DirectionPush, nil
	case StrategyRemote:
		return store.DirectionPull, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
}

func localSnapshot(t *store.Task) map[string]any {
	snap := map[string]any{
		"id":          t.ID,
		"title":       t.Title,
		"description": t.Description,
		"status":      t.Status,
		"priority":    t.Priority,
		"due_date":    nil,
		"remote_id":   nil,
		"sync_status": t.SyncStatus,
		"updated_at":  remote.FormatTimestamp(t.LocalUpdatedAt()),
	}
	if t.DueDate.Valid {
		snap["due_date"] = remote.FormatTimestamp(t.DueDate.Time)
	}
	if t.RemoteID.Valid {
		snap["remote_id"] = t.RemoteID.String
	}
	return snap
}
