package sync

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"altimeter-sync-service/internal/config"
	"altimeter-sync-service/internal/logger"
	"altimeter-sync-service/internal/store"
)

// Worker drains the sync queue on a fixed interval, one item at a time.
type Worker struct {
	store       store.Store
	remote      RemoteClient
	broadcaster Broadcaster
	conflicts   *ConflictManager
	backoff     Backoff
	maxRetries  int
	interval    time.Duration
	now         func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type WorkerOption func(*Worker)

func WithBroadcaster(b Broadcaster) WorkerOption {
	return func(w *Worker) {
		if b != nil {
			w.broadcaster = b
		}
	}
}

func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

func NewWorker(cfg config.SyncConfig, st store.Store, rc RemoteClient, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:       st,
		remote:      rc,
		broadcaster: nopBroadcaster{},
		conflicts:   NewConflictManager(cfg.ConflictWindow),
		backoff:     Backoff{Base: cfg.BaseBackoff, Factor: cfg.BackoffFactor},
		maxRetries:  cfg.MaxRetries,
		interval:    cfg.PollInterval,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the polling loop. It returns false if the loop is already
// running.
func (w *Worker) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	logger.Log.Info("Starting sync worker", zap.Duration("interval", w.interval))
	go w.run(ctx, w.done)
	return true
}

// Stop halts the loop and waits for the in-flight item to finish. Calling it
// on a stopped worker is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return
	}
	w.cancel()
	done := w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	<-done
	logger.Log.Info("Stopped sync worker")
}

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			logger.Log.Error("Sync tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce processes every due active item in arrival order and returns how
// many it claimed. Cancelling ctx stops it between items; an item already
// claimed always runs to completion.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	items, err := w.store.ListActiveQueueItems(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sync queue: %w", err)
	}

	now := w.now()
	processed := 0
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if !w.backoff.IsDue(item, now) {
			continue
		}
		if w.process(context.WithoutCancel(ctx), item) {
			processed++
		}
	}
	return processed, nil
}

// RecoverInterrupted releases items a previous process left in syncing.
func (w *Worker) RecoverInterrupted(ctx context.Context) error {
	n, err := w.store.ReleaseSyncingItems(ctx, w.now())
	if err != nil {
		return fmt.Errorf("failed to release interrupted queue items: %w", err)
	}
	if n > 0 {
		logger.Log.Warn("Released interrupted queue items", zap.Int64("count", n))
	}
	return nil
}

func (w *Worker) process(ctx context.Context, item *store.SyncQueueItem) bool {
	now := w.now()
	claimed, err := w.store.ClaimQueueItem(ctx, item.ID, now)
	if err != nil {
		logger.Log.Error("Failed to claim queue item", zap.Int64("queue_item_id", item.ID), zap.Error(err))
		return false
	}
	if !claimed {
		return false
	}
	// Reload so a resolution set after listing is not overwritten.
	if fresh, err := w.store.GetQueueItem(ctx, item.ID); err != nil || fresh == nil {
		logger.Log.Warn("Failed to reload claimed queue item", zap.Int64("queue_item_id", item.ID), zap.Error(err))
		item.Status = store.QueueStatusSyncing
		item.LastAttempt = sql.NullTime{Time: now, Valid: true}
	} else {
		item = fresh
	}

	log := logger.Log.With(
		zap.Int64("queue_item_id", item.ID),
		zap.String("entity_id", item.EntityID),
		zap.String("direction", item.Direction),
	)
	w.broadcaster.Broadcast(item.EntityType, item.EntityID, BroadcastSyncing)

	res, err := w.dispatch(ctx, item)
	if err == nil {
		err = w.complete(ctx, item, res)
	}
	if err != nil {
		w.fail(ctx, log, item, err)
		return true
	}

	switch res.outcome {
	case outcomeConflict:
		log.Info("Sync stopped on conflict")
		w.broadcaster.Broadcast(item.EntityType, item.EntityID, BroadcastConflict)
	default:
		log.Info("Sync succeeded", zap.String("details", res.details))
		w.broadcaster.Broadcast(item.EntityType, item.EntityID, BroadcastSynced)
	}
	return true
}

func (w *Worker) complete(ctx context.Context, item *store.SyncQueueItem, res *result) error {
	status, activity := store.QueueStatusSynced, store.ActivitySuccess
	if res.outcome == outcomeConflict {
		status, activity = store.QueueStatusConflict, store.ActivityConflict
	}

	err := w.store.WithTx(ctx, func(tx store.Store) error {
		if err := res.apply(ctx, tx); err != nil {
			return err
		}
		item.Status = status
		item.ErrorMessage = sql.NullString{}
		item.UpdatedAt = w.now()
		if err := tx.UpdateQueueItem(ctx, item); err != nil {
			return err
		}
		return tx.CreateActivityLog(ctx, w.activity(item, activity, res.details))
	})
	if err != nil {
		item.Status = store.QueueStatusSyncing
		return retryable(fmt.Errorf("failed to commit sync result: %w", err))
	}
	return nil
}

// fail counts the attempt and moves the item to retry, or to failed once
// retries are exhausted or the error is fatal.
func (w *Worker) fail(ctx context.Context, log *zap.Logger, item *store.SyncQueueItem, cause error) {
	item.RetryCount++
	item.ErrorMessage = sql.NullString{String: cause.Error(), Valid: true}
	item.UpdatedAt = w.now()

	exhausted := IsFatal(cause) || item.RetryCount >= w.maxRetries
	if exhausted {
		item.Status = store.QueueStatusFailed
	} else {
		item.Status = store.QueueStatusRetry
	}

	err := w.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateQueueItem(ctx, item); err != nil {
			return err
		}
		if !exhausted {
			return nil
		}
		return tx.CreateActivityLog(ctx, w.activity(item, store.ActivityFailed, cause.Error()))
	})
	if err != nil {
		log.Error("Failed to record sync failure", zap.Error(err), zap.NamedError("cause", cause))
		return
	}

	if exhausted {
		log.Error("Sync failed", zap.Int("retry_count", item.RetryCount), zap.Error(cause))
		w.broadcaster.Broadcast(item.EntityType, item.EntityID, BroadcastError)
		return
	}
	log.Warn("Sync attempt failed, will retry",
		zap.Int("retry_count", item.RetryCount),
		zap.Duration("backoff", w.backoff.Delay(item.RetryCount)),
		zap.Error(cause),
	)
}

func (w *Worker) activity(item *store.SyncQueueItem, status, details string) *store.SyncActivityLog {
	entry := &store.SyncActivityLog{
		QueueItemID: item.ID,
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		Direction:   item.Direction,
		Status:      status,
		CreatedAt:   w.now(),
	}
	if details != "" {
		entry.Details = sql.NullString{String: details, Valid: true}
	}
	return entry
}
