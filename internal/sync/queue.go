package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"altimeter-sync-service/internal/logger"
	"altimeter-sync-service/internal/store"
)

// Queue is the enqueue side of the durable sync queue.
type Queue struct {
	store store.Store
	now   func() time.Time
}

func NewQueue(s store.Store) *Queue {
	return &Queue{store: s, now: time.Now}
}

// Enqueue returns the active (pending or retry) item for the key if there is
// one, otherwise inserts a new pending item. The lookup and insert are not
// atomic; concurrent callers may both insert.
func (q *Queue) Enqueue(ctx context.Context, entityType, entityID, direction string) (*store.SyncQueueItem, error) {
	return q.enqueue(ctx, q.store, entityType, entityID, direction, "")
}

// EnqueueTask is the hook used by the CRUD layer and the webhook receiver.
func (q *Queue) EnqueueTask(ctx context.Context, taskID, direction string) (*store.SyncQueueItem, error) {
	return q.Enqueue(ctx, store.EntityTypeTask, taskID, direction)
}

// enqueue with a non-empty resolution marks the item as forced: it will not
// run conflict detection. An existing active item is upgraded in place.
func (q *Queue) enqueue(ctx context.Context, st store.Store, entityType, entityID, direction, resolution string) (*store.SyncQueueItem, error) {
	if direction != store.DirectionPush && direction != store.DirectionPull {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}

	existing, err := st.FindActiveQueueItem(ctx, entityType, entityID, direction)
	if err != nil {
		return nil, fmt.Errorf("failed to look up queue item: %w", err)
	}
	if existing != nil {
		if resolution != "" && existing.Resolution.String != resolution {
			existing.Resolution = sql.NullString{String: resolution, Valid: true}
			existing.UpdatedAt = q.now()
			if err := st.UpdateQueueItem(ctx, existing); err != nil {
				return nil, fmt.Errorf("failed to mark queue item %d: %w", existing.ID, err)
			}
		}
		return existing, nil
	}

	item := &store.SyncQueueItem{
		EntityType: entityType,
		EntityID:   entityID,
		Direction:  direction,
		Status:     store.QueueStatusPending,
		CreatedAt:  q.now(),
	}
	if resolution != "" {
		item.Resolution = sql.NullString{String: resolution, Valid: true}
	}
	if err := st.CreateQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s %s %s: %w", direction, entityType, entityID, err)
	}

	logger.Log.Debug("Enqueued sync operation",
		zap.Int64("queue_item_id", item.ID),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("direction", direction),
	)
	return item, nil
}
