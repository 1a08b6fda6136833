package store

import (
	"context"
	"time"
)

// Store is the persistence boundary of the sync engine. Getters return
// (nil, nil) when the row does not exist.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	GetTaskByRemoteID(ctx context.Context, remoteID string) (*Task, error)
	FindOrCreateTaskByRemoteID(ctx context.Context, remoteID string, now time.Time) (*Task, bool, error)
	UpdateTaskSyncState(ctx context.Context, id string, state TaskSyncState) error
	ApplyRemoteFields(ctx context.Context, id string, fields TaskFields, syncedAt time.Time) error
	ListLinkedTaskIDs(ctx context.Context, syncStatus string) ([]string, error)

	// Queue
	CreateQueueItem(ctx context.Context, item *SyncQueueItem) error
	GetQueueItem(ctx context.Context, id int64) (*SyncQueueItem, error)
	FindActiveQueueItem(ctx context.Context, entityType, entityID, direction string) (*SyncQueueItem, error)
	ListActiveQueueItems(ctx context.Context) ([]*SyncQueueItem, error)
	ClaimQueueItem(ctx context.Context, id int64, at time.Time) (bool, error)
	UpdateQueueItem(ctx context.Context, item *SyncQueueItem) error
	ReleaseSyncingItems(ctx context.Context, at time.Time) (int64, error)
	RequeueFailedItem(ctx context.Context, id int64, at time.Time) (bool, error)
	CountQueueByStatus(ctx context.Context) (map[string]int, error)

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	GetLatestConflict(ctx context.Context, entityType, entityID string) (*Conflict, error)
	ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error)
	CountConflicts(ctx context.Context, resolved bool) (int, error)
	ResolveConflict(ctx context.Context, id string, strategy string, at time.Time) error

	// Activity log
	CreateActivityLog(ctx context.Context, entry *SyncActivityLog) error
	ListActivityLogs(ctx context.Context, status string, limit int) ([]*SyncActivityLog, error)

	// General
	WithTx(ctx context.Context, fn func(tx Store) error) error
	Migrate(ctx context.Context) error
	Close() error
}
