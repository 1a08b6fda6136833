package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

const EntityTypeTask = "task"

// Sync directions.
const (
	DirectionPush = "push"
	DirectionPull = "pull"
)

// Queue item statuses.
const (
	QueueStatusPending  = "pending"
	QueueStatusSyncing  = "syncing"
	QueueStatusRetry    = "retry"
	QueueStatusSynced   = "synced"
	QueueStatusConflict = "conflict"
	QueueStatusFailed   = "failed"
)

// Task sync_status values.
const (
	SyncStatusPending  = "pending"
	SyncStatusSynced   = "synced"
	SyncStatusConflict = "conflict"
)

// Conflict statuses.
const (
	ConflictUnresolved = "unresolved"
	ConflictResolved   = "resolved"
)

// Activity log outcomes.
const (
	ActivitySuccess  = "success"
	ActivityConflict = "conflict"
	ActivityFailed   = "failed"
)

// Task is the local entity kept in step with its Altimeter counterpart.
// Business fields belong to the CRUD layer; the sync engine only writes the
// bookkeeping fields and, on pull, the business fields.
type Task struct {
	ID           string         `db:"id"`
	Title        string         `db:"title"`
	Description  string         `db:"description"`
	Status       string         `db:"status"`
	Priority     string         `db:"priority"`
	DueDate      sql.NullTime   `db:"due_date"`
	RemoteID     sql.NullString `db:"remote_id"`
	SyncStatus   string         `db:"sync_status"`
	LastSyncedAt sql.NullTime   `db:"last_synced_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    sql.NullTime   `db:"updated_at"`
}

// LocalUpdatedAt is the last local mutation time, falling back to creation.
func (t *Task) LocalUpdatedAt() time.Time {
	if t.UpdatedAt.Valid {
		return t.UpdatedAt.Time
	}
	return t.CreatedAt
}

// TaskFields are the business fields copied between local and remote.
type TaskFields struct {
	Title       string
	Description string
	Status      string
	Priority    string
	DueDate     sql.NullTime
}

func (t *Task) Fields() TaskFields {
	return TaskFields{
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		DueDate:     t.DueDate,
	}
}

// TaskSyncState is the bookkeeping written after a reconciliation. Invalid
// RemoteID/LastSyncedAt leave the stored values untouched.
type TaskSyncState struct {
	RemoteID     sql.NullString
	SyncStatus   string
	LastSyncedAt sql.NullTime
}

type SyncQueueItem struct {
	ID           int64          `db:"id"`
	EntityType   string         `db:"entity_type"`
	EntityID     string         `db:"entity_id"`
	Direction    string         `db:"direction"`
	Status       string         `db:"status"`
	RetryCount   int            `db:"retry_count"`
	LastAttempt  sql.NullTime   `db:"last_attempt"`
	ErrorMessage sql.NullString `db:"error_message"`
	Resolution   sql.NullString `db:"resolution"` // set when enqueued by conflict resolution
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

type Conflict struct {
	ID                 string          `db:"id"`
	EntityType         string          `db:"entity_type"`
	EntityID           string          `db:"entity_id"`
	QueueItemID        int64           `db:"queue_item_id"`
	LocalData          json.RawMessage `db:"local_data"`
	RemoteData         json.RawMessage `db:"remote_data"`
	LocalUpdatedAt     time.Time       `db:"local_updated_at"`
	RemoteUpdatedAt    time.Time       `db:"remote_updated_at"`
	DetectedAt         time.Time       `db:"detected_at"`
	Status             string          `db:"status"`
	ResolutionStrategy sql.NullString  `db:"resolution_strategy"`
	ResolvedAt         sql.NullTime    `db:"resolved_at"`
}

type SyncActivityLog struct {
	ID          string         `db:"id"`
	QueueItemID int64          `db:"queue_item_id"`
	EntityType  string         `db:"entity_type"`
	EntityID    string         `db:"entity_id"`
	Direction   string         `db:"direction"`
	Status      string         `db:"status"`
	Details     sql.NullString `db:"details"`
	CreatedAt   time.Time      `db:"created_at"`
}
