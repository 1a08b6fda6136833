package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"altimeter-sync-service/internal/store"
)

// conflictedTask drives a pull into conflict and returns the task.
func conflictedTask(t *testing.T, h *harness) *store.Task {
	t.Helper()
	task := h.linkedTask(t, "alt-1", t0.Add(time.Hour))
	h.remote.put(remoteTask("alt-1", "remote title", t0.Add(time.Hour+time.Minute)))

	_, err := h.queue.EnqueueTask(context.Background(), task.ID, store.DirectionPull)
	require.NoError(t, err)
	h.clock.advance(2 * time.Hour)
	h.runOnce(t)
	require.Equal(t, store.SyncStatusConflict, h.getTask(t, task.ID).SyncStatus)
	return task
}

func TestManager_ResolveLocalPushesWithoutReconflicting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := conflictedTask(t, h)

	item, err := h.manager.ResolveConflict(ctx, task.ID, StrategyLocal)
	require.NoError(t, err)
	assert.Equal(t, store.DirectionPush, item.Direction)
	assert.Equal(t, StrategyLocal, item.Resolution.String)
	assert.Equal(t, store.SyncStatusPending, h.getTask(t, task.ID).SyncStatus)

	c, err := h.store.GetLatestConflict(ctx, store.EntityTypeTask, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConflictResolved, c.Status)
	assert.Equal(t, StrategyLocal, c.ResolutionStrategy.String)

	h.runOnce(t)

	_, updates := h.remote.counts()
	assert.Equal(t, []string{"alt-1"}, updates)
	assert.Equal(t, store.QueueStatusSynced, h.getItem(t, item.ID).Status)

	got := h.getTask(t, task.ID)
	assert.Equal(t, store.SyncStatusSynced, got.SyncStatus)
	assert.Equal(t, "local title", got.Title)

	rt, err := h.remote.GetTask(ctx, "alt-1")
	require.NoError(t, err)
	assert.Equal(t, "local title", rt.Title)
}

func TestManager_ResolveRemoteOverwritesLocal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := conflictedTask(t, h)

	item, err := h.manager.ResolveConflict(ctx, task.ID, StrategyRemote)
	require.NoError(t, err)
	assert.Equal(t, store.DirectionPull, item.Direction)

	// Timestamps still fall inside the window; the forced pull ignores them.
	h.runOnce(t)

	assert.Equal(t, store.QueueStatusSynced, h.getItem(t, item.ID).Status)
	got := h.getTask(t, task.ID)
	assert.Equal(t, store.SyncStatusSynced, got.SyncStatus)
	assert.Equal(t, "remote title", got.Title)

	n, err := h.store.CountConflicts(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_ResolveErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.ResolveConflict(ctx, "task-1", "merge")
	assert.ErrorIs(t, err, ErrInvalidStrategy)

	_, err = h.manager.ResolveConflict(ctx, "missing", StrategyLocal)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	task := h.createTask(t, &store.Task{Title: "calm", SyncStatus: store.SyncStatusSynced})
	_, err = h.manager.ResolveConflict(ctx, task.ID, StrategyLocal)
	assert.ErrorIs(t, err, ErrNoConflict)
}

func TestManager_InspectConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.InspectConflict(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNoConflict)

	task := conflictedTask(t, h)
	view, err := h.manager.InspectConflict(ctx, task.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `"local title"`, jsonField(t, view.Local, "title"))
	assert.JSONEq(t, `"remote title"`, jsonField(t, view.Remote, "title"))
	assert.Equal(t, store.ConflictUnresolved, view.Conflict.Status)
}

func TestManager_RetryFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item, err := h.queue.EnqueueTask(ctx, "ghost", store.DirectionPush)
	require.NoError(t, err)
	h.runOnce(t)
	require.Equal(t, store.QueueStatusFailed, h.getItem(t, item.ID).Status)

	requeued, err := h.manager.RetryFailed(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, requeued.ID)
	assert.Equal(t, store.QueueStatusPending, requeued.Status)
	assert.Zero(t, requeued.RetryCount)

	_, err = h.manager.RetryFailed(ctx, item.ID)
	assert.ErrorIs(t, err, ErrQueueItemNotFailed)

	_, err = h.manager.RetryFailed(ctx, 9999)
	assert.ErrorIs(t, err, ErrQueueItemNotFound)
}

func TestManager_RetryFailedReturnsExistingActiveItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	failed, err := h.queue.EnqueueTask(ctx, "ghost", store.DirectionPush)
	require.NoError(t, err)
	h.runOnce(t)

	active, err := h.queue.EnqueueTask(ctx, "ghost", store.DirectionPush)
	require.NoError(t, err)
	require.NotEqual(t, failed.ID, active.ID)

	got, err := h.manager.RetryFailed(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, active.ID, got.ID)
	assert.Equal(t, store.QueueStatusFailed, h.getItem(t, failed.ID).Status)
}

func TestManager_Status(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.queue.EnqueueTask(ctx, "ghost", store.DirectionPush)
	require.NoError(t, err)
	h.runOnce(t)
	_, err = h.queue.EnqueueTask(ctx, "later", store.DirectionPush)
	require.NoError(t, err)
	conflictedTask(t, h)

	st, err := h.manager.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "idle", st.Worker)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 2, st.Failed)
	assert.Equal(t, 1, st.Queue[store.QueueStatusConflict])
	assert.Equal(t, 1, st.UnresolvedConflicts)
	require.Len(t, st.RecentFailures, 2)
	assert.Equal(t, store.ActivityFailed, st.RecentFailures[0].Status)
}

func TestManager_EnqueueTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.EnqueueTask(ctx, "missing", store.DirectionPush)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	local := h.createTask(t, &store.Task{Title: "unlinked"})
	_, err = h.manager.EnqueueTask(ctx, local.ID, store.DirectionPull)
	assert.ErrorIs(t, err, ErrTaskNotLinked)

	item, err := h.manager.EnqueueTask(ctx, local.ID, store.DirectionPush)
	require.NoError(t, err)
	assert.Equal(t, store.QueueStatusPending, item.Status)
}

func TestManager_ReconcileAllSkipsPendingLocalEdits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	synced := h.linkedTask(t, "alt-1", t0)
	require.NoError(t, h.store.UpdateTaskSyncState(ctx, synced.ID, store.TaskSyncState{SyncStatus: store.SyncStatusSynced}))
	h.linkedTask(t, "alt-2", t0) // pending local edit
	h.createTask(t, &store.Task{Title: "unlinked", SyncStatus: store.SyncStatusSynced})

	n, err := h.manager.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := h.store.ListActiveQueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, synced.ID, active[0].EntityID)
	assert.Equal(t, store.DirectionPull, active[0].Direction)

	// A second sweep does not duplicate the pending pull.
	_, err = h.manager.ReconcileAll(ctx)
	require.NoError(t, err)
	active, err = h.store.ListActiveQueueItems(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestManager_StartStop(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, "idle", h.manager.GetStatus())
	h.manager.Start()
	h.manager.Start()
	assert.Equal(t, "running", h.manager.GetStatus())
	h.manager.Stop()
	h.manager.Stop()
	assert.Equal(t, "idle", h.manager.GetStatus())
}
