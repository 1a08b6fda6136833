package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"altimeter-sync-service/internal/config"
	"altimeter-sync-service/internal/store"
)

func TestScheduler_DisabledDoesNothing(t *testing.T) {
	h := newHarness(t)
	s := NewScheduler(config.SchedulerConfig{Enabled: false, Interval: "not a cron expression"}, h.manager)

	require.NoError(t, s.Start())
	s.Stop()
}

func TestScheduler_RejectsBadInterval(t *testing.T) {
	h := newHarness(t)
	s := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "every tuesday"}, h.manager)

	assert.Error(t, s.Start())
}

func TestScheduler_ReconcileEnqueuesPulls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.linkedTask(t, "alt-1", t0)
	require.NoError(t, h.store.UpdateTaskSyncState(ctx, task.ID, store.TaskSyncState{SyncStatus: store.SyncStatusSynced}))

	s := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "@every 1h"}, h.manager)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	s.reconcile()

	item, err := h.store.FindActiveQueueItem(ctx, store.EntityTypeTask, task.ID, store.DirectionPull)
	require.NoError(t, err)
	assert.NotNil(t, item)
}
