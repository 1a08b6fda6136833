package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"altimeter-sync-service/internal/logger"
	"altimeter-sync-service/internal/store"
)

const recentFailuresLimit = 10

// Manager is the control surface used by the HTTP API and the scheduler.
type Manager struct {
	store  store.Store
	queue  *Queue
	worker *Worker
	now    func() time.Time
}

func NewManager(st store.Store, queue *Queue, worker *Worker) *Manager {
	return &Manager{
		store:  st,
		queue:  queue,
		worker: worker,
		now:    time.Now,
	}
}

func (m *Manager) Queue() *Queue { return m.queue }

// Start is idempotent.
func (m *Manager) Start() {
	if !m.worker.Start() {
		logger.Log.Debug("Sync worker already running")
	}
}

func (m *Manager) Stop() {
	m.worker.Stop()
}

func (m *Manager) GetStatus() string {
	if m.worker.Running() {
		return "running"
	}
	return "idle"
}

// RunNow processes due items immediately, outside the polling schedule.
func (m *Manager) RunNow(ctx context.Context) (int, error) {
	return m.worker.RunOnce(ctx)
}

type Status struct {
	Worker              string                   `json:"worker"`
	Queue               map[string]int           `json:"queue"`
	Pending             int                      `json:"pending"`
	Failed              int                      `json:"failed"`
	UnresolvedConflicts int                      `json:"unresolved_conflicts"`
	RecentFailures      []*store.SyncActivityLog `json:"recent_failures"`
}

func (m *Manager) Status(ctx context.Context) (*Status, error) {
	counts, err := m.store.CountQueueByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue: %w", err)
	}
	unresolved, err := m.store.CountConflicts(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to count conflicts: %w", err)
	}
	failures, err := m.store.ListActivityLogs(ctx, store.ActivityFailed, recentFailuresLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent failures: %w", err)
	}
	if failures == nil {
		failures = []*store.SyncActivityLog{}
	}

	return &Status{
		Worker:              m.GetStatus(),
		Queue:               counts,
		Pending:             counts[store.QueueStatusPending] + counts[store.QueueStatusRetry],
		Failed:              counts[store.QueueStatusFailed],
		UnresolvedConflicts: unresolved,
		RecentFailures:      failures,
	}, nil
}

func (m *Manager) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*store.Conflict, error) {
	return m.store.ListConflicts(ctx, resolved, limit, offset)
}

// EnqueueTask schedules a sync for a task after checking it exists.
func (m *Manager) EnqueueTask(ctx context.Context, taskID, direction string) (*store.SyncQueueItem, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if direction == store.DirectionPull && !task.RemoteID.Valid {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotLinked, taskID)
	}
	return m.queue.EnqueueTask(ctx, taskID, direction)
}

// RetryFailed puts a failed item back to pending with a fresh retry budget.
// If the key already has an active item, that item is returned instead.
func (m *Manager) RetryFailed(ctx context.Context, itemID int64) (*store.SyncQueueItem, error) {
	var out *store.SyncQueueItem
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		item, err := tx.GetQueueItem(ctx, itemID)
		if err != nil {
			return err
		}
		if item == nil {
			return fmt.Errorf("%w: %d", ErrQueueItemNotFound, itemID)
		}
		if item.Status != store.QueueStatusFailed {
			return fmt.Errorf("%w: %d is %s", ErrQueueItemNotFailed, itemID, item.Status)
		}

		active, err := tx.FindActiveQueueItem(ctx, item.EntityType, item.EntityID, item.Direction)
		if err != nil {
			return err
		}
		if active != nil {
			out = active
			return nil
		}

		ok, err := tx.RequeueFailedItem(ctx, itemID, m.now())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrQueueItemNotFailed, itemID)
		}
		out, err = tx.GetQueueItem(ctx, itemID)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Re-queued failed sync item", zap.Int64("queue_item_id", out.ID))
	return out, nil
}

// ReconcileAll enqueues a pull for every linked task with no pending local
// changes. It returns the number of tasks enqueued.
func (m *Manager) ReconcileAll(ctx context.Context) (int, error) {
	ids, err := m.store.ListLinkedTaskIDs(ctx, store.SyncStatusSynced)
	if err != nil {
		return 0, fmt.Errorf("failed to list linked tasks: %w", err)
	}
	var errs []error
	n := 0
	for _, id := range ids {
		if _, err := m.queue.EnqueueTask(ctx, id, store.DirectionPull); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// ConflictView is the side-by-side view shown to the operator.
type ConflictView struct {
	Conflict *store.Conflict `json:"conflict"`
	Local    json.RawMessage `json:"local"`
	Remote   json.RawMessage `json:"remote"`
}

// InspectConflict returns the latest conflict for a task, preferring an
// unresolved one.
func (m *Manager) InspectConflict(ctx context.Context, taskID string) (*ConflictView, error) {
	c, err := m.store.GetLatestConflict(ctx, store.EntityTypeTask, taskID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoConflict, taskID)
	}
	return &ConflictView{Conflict: c, Local: c.LocalData, Remote: c.RemoteData}, nil
}

// ResolveConflict applies an operator decision: "local" pushes the local
// version, "remote" pulls the remote one. The conflict record is marked
// resolved, the task goes back to pending and the enqueued item skips
// conflict detection.
func (m *Manager) ResolveConflict(ctx context.Context, taskID, strategy string) (*store.SyncQueueItem, error) {
	direction, err := StrategyDirection(strategy)
	if err != nil {
		return nil, err
	}

	var item *store.SyncQueueItem
	err = m.store.WithTx(ctx, func(tx store.Store) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}

		c, err := tx.GetLatestConflict(ctx, store.EntityTypeTask, taskID)
		if err != nil {
			return err
		}
		hasOpen := c != nil && c.Status == store.ConflictUnresolved
		if !hasOpen && task.SyncStatus != store.SyncStatusConflict {
			return fmt.Errorf("%w: %s", ErrNoConflict, taskID)
		}
		if direction == store.DirectionPull && !task.RemoteID.Valid {
			return fmt.Errorf("%w: %s", ErrTaskNotLinked, taskID)
		}

		now := m.now()
		if hasOpen {
			if err := tx.ResolveConflict(ctx, c.ID, strategy, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateTaskSyncState(ctx, taskID, store.TaskSyncState{SyncStatus: store.SyncStatusPending}); err != nil {
			return err
		}
		item, err = m.queue.enqueue(ctx, tx, store.EntityTypeTask, taskID, direction, strategy)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Info("Conflict resolved",
		zap.String("task_id", taskID),
		zap.String("strategy", strategy),
		zap.Int64("queue_item_id", item.ID),
	)
	return item, nil
}
