package sync

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"altimeter-sync-service/internal/store"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Factor: 5}

	assert.Equal(t, 5*time.Second, b.Delay(0))
	assert.Equal(t, 5*time.Second, b.Delay(1))
	assert.Equal(t, 25*time.Second, b.Delay(2))
	assert.Equal(t, 125*time.Second, b.Delay(3))
	assert.Equal(t, maxBackoff, b.Delay(50))
}

func TestBackoff_IsDue(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Factor: 5}

	retry := &store.SyncQueueItem{
		Status:      store.QueueStatusRetry,
		RetryCount:  2,
		LastAttempt: sql.NullTime{Time: t0, Valid: true},
	}
	assert.False(t, b.IsDue(retry, t0.Add(24*time.Second)))
	assert.True(t, b.IsDue(retry, t0.Add(25*time.Second)))

	pending := &store.SyncQueueItem{Status: store.QueueStatusPending, LastAttempt: retry.LastAttempt}
	assert.True(t, b.IsDue(pending, t0))
}

func TestWorker_PushCreatesRemoteTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.createTask(t, &store.Task{Title: "Task A", Description: "write report"})
	item, err := h.queue.EnqueueTask(ctx, task.ID, store.DirectionPush)
	require.NoError(t, err)

	assert.Equal(t, 1, h.runOnce(t))

	creates, updates := h.remote.counts()
	assert.Equal(t, 1, creates)
	assert.Empty(t, updates)

	got := h.getTask(t, task.ID)
	assert.Equal(t, "101", got.RemoteID.String)
	assert.Equal(t, store.SyncStatusSynced, got.SyncStatus)
	assert.True(t, got.LastSyncedAt.Time.Equal(t0))

	done := h.getItem(t, item.ID)
	assert.Equal(t, store.QueueStatusSynced, done.Status)
	assert.False(t, done.ErrorMessage.Valid)
	assert.True(t, done.LastAttempt.Time.Equal(t0))

	logs, err := h.store.ListActivityLogs(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.ActivitySuccess, logs[0].Status)
	assert.Equal(t, item.ID, logs[0].QueueItemID)

	assert.Equal(t, []string{BroadcastSyncing, BroadcastSynced}, h.bc.statuses())

	// Nothing left to do.
	assert.Equal(t, 0, h.runOnce(t))
}

func TestWorker_PushUpdatesLinkedTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.createTask(t, &store.Task{
		Title:    "linked",
		RemoteID: sql.NullString{String: "alt-7", Valid: true},
		DueDate:  sql.NullTime{Time: t0.Add(48 * time.Hour), Valid: true},
	})
	_, err := h.queue.EnqueueTask(ctx, task.ID, store.DirectionPush)
	require.NoError(t, err)

	h.runOnce(t)

	creates, updates := h.remote.counts()
	assert.Equal(t, 0, creates)
	assert.Equal(t, []string{"alt-7"}, updates)

	rt, err := h.remote.GetTask(ctx, "alt-7")
	require.NoError(t, err)
	require.NotNil(t, rt.DueDate)
	assert.Equal(t, "2024-03-03T09:00:00Z", *rt.DueDate)

	got := h.getTask(t, task.ID)
	assert.Equal(t, "alt-7", got.RemoteID.String)
	assert.Equal(t, store.SyncStatusSynced, got.SyncStatus)
}

func TestWorker_RetriesWithBackoffThenFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.remote.fail(errRemoteDown)

	task := h.createTask(t, &store.Task{Title: "flaky"})
	item, err := h.queue.EnqueueTask(ctx, task.ID, store.DirectionPush)
	require.NoError(t, err)

	// Attempt 1.
	assert.Equal(t, 1, h.runOnce(t))
	got := h.getItem(t, item.ID)
	assert.Equal(t, store.QueueStatusRetry, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, errRemoteDown.Error(), got.ErrorMessage.String)

	// Not due before 5s.
	h.clock.advance(4 * time.Second)
	assert.Equal(t, 0, h.runOnce(t))

	// Attempt 2.
	h.clock.advance(time.Second)
	assert.Equal(t, 1, h.runOnce(t))
	assert.Equal(t, 2, h.getItem(t, item.ID).RetryCount)

	// Not due before 25s.
	h.clock.advance(24 * time.Second)
	assert.Equal(t, 0, h.runOnce(t))

	// Attempt 3 exhausts the budget.
	h.clock.advance(time.Second)
	assert.Equal(t, 1, h.runOnce(t))
	got = h.getItem(t, item.ID)
	assert.Equal(t, store.QueueStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)

	// Failed items are never picked up again.
	h.clock.advance(time.Hour)
	assert.Equal(t, 0, h.runOnce(t))

	failures, err := h.store.ListActivityLogs(ctx, store.ActivityFailed, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, errRemoteDown.Error(), failures[0].Details.String)

	statuses := h.bc.statuses()
	assert.Equal(t, BroadcastError, statuses[len(statuses)-1])
	assert.Equal(t, store.SyncStatusPending, h.getTask(t, task.ID).SyncStatus)
}

func TestWorker_MissingTaskUsesRetryBudget(t *testing.T) {
	h := newHarness(t)

	item, err := h.queue.EnqueueTask(context.Background(), "ghost", store.DirectionPull)
	require.NoError(t, err)

	assert.Equal(t, 1, h.runOnce(t))
	got := h.getItem(t, item.ID)
	assert.Equal(t, store.QueueStatusRetry, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.ErrorMessage.String, "task not found")

	h.clock.advance(5 * time.Second)
	assert.Equal(t, 1, h.runOnce(t))
	got = h.getItem(t, item.ID)
	assert.Equal(t, store.QueueStatusRetry, got.Status)
	assert.Equal(t, 2, got.RetryCount)

	h.clock.advance(24 * time.Second)
	assert.Equal(t, 0, h.runOnce(t))

	h.clock.advance(time.Second)
	assert.Equal(t, 1, h.runOnce(t))
	got = h.getItem(t, item.ID)
	assert.Equal(t, store.QueueStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Contains(t, got.ErrorMessage.String, "task not found")
	assert.Equal(t, BroadcastError, h.bc.statuses()[len(h.bc.statuses())-1])
}

func TestWorker_PullAppliesRemoteFields(t *testing.T) {
	h := newHarness(t)

	task := h.linkedTask(t, "alt-1", t0.Add(-time.Hour))
	due := "2024-04-01"
	rt := remoteTask("alt-1", "remote title", t0.Add(time.Hour))
	rt.DueDate = &due
	h.remote.put(rt)

	_, err := h.queue.EnqueueTask(context.Background(), task.ID, store.DirectionPull)
	require.NoError(t, err)
	h.clock.advance(2 * time.Hour)
	h.runOnce(t)

	got := h.getTask(t, task.ID)
	assert.Equal(t, "remote title", got.Title)
	assert.Equal(t, "done", got.Status)
	assert.Equal(t, "high", got.Priority)
	assert.True(t, got.DueDate.Time.Equal(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, store.SyncStatusSynced, got.SyncStatus)
	assert.True(t, got.LastSyncedAt.Time.Equal(t0.Add(2*time.Hour)))
	// Local mutation time is left to the CRUD layer.
	assert.True(t, got.UpdatedAt.Time.Equal(t0.Add(-time.Hour)))
}

func TestWorker_PullConflictBoundary(t *testing.T) {
	tests := []struct {
		name         string
		gap          time.Duration
		wantConflict bool
	}{
		{name: "299s apart is concurrent", gap: 299 * time.Second, wantConflict: true},
		{name: "300s apart is sequential", gap: 300 * time.Second, wantConflict: false},
		{name: "301s apart is sequential", gap: 301 * time.Second, wantConflict: false},
		{name: "remote earlier by 299s", gap: -299 * time.Second, wantConflict: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()

			localUpdated := t0.Add(30 * time.Minute)
			task := h.linkedTask(t, "alt-1", localUpdated)
			h.remote.put(remoteTask("alt-1", "remote title", localUpdated.Add(tt.gap)))

			item, err := h.queue.EnqueueTask(ctx, task.ID, store.DirectionPull)
			require.NoError(t, err)
			h.clock.advance(time.Hour)
			h.runOnce(t)

			got := h.getTask(t, task.ID)
			conflicts, err := h.store.CountConflicts(ctx, false)
			require.NoError(t, err)

			if tt.wantConflict {
				assert.Equal(t, store.QueueStatusConflict, h.getItem(t, item.ID).Status)
				assert.Equal(t, store.SyncStatusConflict, got.SyncStatus)
				assert.Equal(t, "local title", got.Title)
				assert.True(t, got.LastSyncedAt.Time.Equal(t0))
				assert.Equal(t, 1, conflicts)
				assert.Equal(t, []string{BroadcastSyncing, BroadcastConflict}, h.bc.statuses())
				return
			}
			assert.Equal(t, store.QueueStatusSynced, h.getItem(t, item.ID).Status)
			assert.Equal(t, store.SyncStatusSynced, got.SyncStatus)
			assert.Equal(t, "remote title", got.Title)
			assert.Equal(t, 0, conflicts)
		})
	}
}

func TestWorker_ConflictScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Last synced 09:00, local edit 10:00, remote edit 10:02.
	task := h.linkedTask(t, "alt-b", t0.Add(time.Hour))
	h.remote.put(remoteTask("alt-b", "remote B", t0.Add(time.Hour+2*time.Minute)))

	item, err := h.queue.EnqueueTask(ctx, task.ID, store.DirectionPull)
	require.NoError(t, err)
	h.clock.advance(90 * time.Minute)
	h.runOnce(t)

	assert.Equal(t, store.QueueStatusConflict, h.getItem(t, item.ID).Status)

	got := h.getTask(t, task.ID)
	assert.Equal(t, task.Fields(), got.Fields())

	c, err := h.store.GetLatestConflict(ctx, store.EntityTypeTask, task.ID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, item.ID, c.QueueItemID)
	assert.Equal(t, store.ConflictUnresolved, c.Status)
	assert.JSONEq(t, `"local title"`, jsonField(t, c.LocalData, "title"))
	assert.JSONEq(t, `"remote B"`, jsonField(t, c.RemoteData, "title"))

	logs, err := h.store.ListActivityLogs(ctx, store.ActivityConflict, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestWorker_ClaimReloadsResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.linkedTask(t, "alt-r", t0.Add(time.Hour))
	h.remote.put(remoteTask("alt-r", "remote R", t0.Add(time.Hour+2*time.Minute)))

	_, err := h.queue.EnqueueTask(ctx, task.ID, store.DirectionPull)
	require.NoError(t, err)
	items, err := h.store.ListActiveQueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	stale := items[0]

	// Resolution lands between listing and claiming.
	_, err = h.queue.enqueue(ctx, h.store, store.EntityTypeTask, task.ID, store.DirectionPull, StrategyRemote)
	require.NoError(t, err)

	h.clock.advance(90 * time.Minute)
	require.True(t, h.worker.process(ctx, stale))

	got := h.getItem(t, stale.ID)
	assert.Equal(t, store.QueueStatusSynced, got.Status)
	assert.Equal(t, StrategyRemote, got.Resolution.String)
	assert.Equal(t, "remote R", h.getTask(t, task.ID).Title)

	c, err := h.store.GetLatestConflict(ctx, store.EntityTypeTask, task.ID)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestWorker_PullWithoutPreviousSyncNeverConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Placeholder created by the webhook receiver.
	placeholder, created, err := h.store.FindOrCreateTaskByRemoteID(ctx, "alt-9", t0)
	require.NoError(t, err)
	require.True(t, created)
	h.remote.put(remoteTask("alt-9", "from remote", t0.Add(time.Second)))

	_, err = h.queue.EnqueueTask(ctx, placeholder.ID, store.DirectionPull)
	require.NoError(t, err)
	h.runOnce(t)

	got := h.getTask(t, placeholder.ID)
	assert.Equal(t, "from remote", got.Title)
	assert.Equal(t, store.SyncStatusSynced, got.SyncStatus)
}

func TestWorker_PullFatalErrors(t *testing.T) {
	t.Run("unlinked task", func(t *testing.T) {
		h := newHarness(t)
		task := h.createTask(t, &store.Task{Title: "local only"})
		item, err := h.queue.EnqueueTask(context.Background(), task.ID, store.DirectionPull)
		require.NoError(t, err)

		h.runOnce(t)
		assert.Equal(t, store.QueueStatusFailed, h.getItem(t, item.ID).Status)
	})

	t.Run("unparseable remote timestamp", func(t *testing.T) {
		h := newHarness(t)
		task := h.linkedTask(t, "alt-1", t0)
		rt := remoteTask("alt-1", "x", t0)
		rt.UpdatedAt = "yesterday"
		h.remote.put(rt)
		item, err := h.queue.EnqueueTask(context.Background(), task.ID, store.DirectionPull)
		require.NoError(t, err)

		h.runOnce(t)
		got := h.getItem(t, item.ID)
		assert.Equal(t, store.QueueStatusFailed, got.Status)
		assert.Contains(t, got.ErrorMessage.String, "yesterday")
	})

	t.Run("remote 404 is retried", func(t *testing.T) {
		h := newHarness(t)
		task := h.linkedTask(t, "alt-gone", t0)
		item, err := h.queue.EnqueueTask(context.Background(), task.ID, store.DirectionPull)
		require.NoError(t, err)

		h.runOnce(t)
		got := h.getItem(t, item.ID)
		assert.Equal(t, store.QueueStatusRetry, got.Status)
		assert.Contains(t, got.ErrorMessage.String, "404")
	})
}

func TestWorker_ProcessesInArrivalOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.createTask(t, &store.Task{Title: "first"})
	second := h.createTask(t, &store.Task{Title: "second"})
	_, err := h.queue.EnqueueTask(ctx, first.ID, store.DirectionPush)
	require.NoError(t, err)
	_, err = h.queue.EnqueueTask(ctx, second.ID, store.DirectionPush)
	require.NoError(t, err)

	assert.Equal(t, 2, h.runOnce(t))
	assert.Equal(t, "101", h.getTask(t, first.ID).RemoteID.String)
	assert.Equal(t, "102", h.getTask(t, second.ID).RemoteID.String)
}

func TestWorker_StartStopIsIdempotent(t *testing.T) {
	h := newHarness(t)

	task := h.createTask(t, &store.Task{Title: "background"})
	_, err := h.queue.EnqueueTask(context.Background(), task.ID, store.DirectionPush)
	require.NoError(t, err)

	assert.True(t, h.worker.Start())
	assert.False(t, h.worker.Start())
	assert.True(t, h.worker.Running())

	require.Eventually(t, func() bool {
		creates, _ := h.remote.counts()
		return creates == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.worker.Stop()
	h.worker.Stop()
	assert.False(t, h.worker.Running())
}

func TestWorker_RecoverInterrupted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.createTask(t, &store.Task{Title: "interrupted"})
	item, err := h.queue.EnqueueTask(ctx, task.ID, store.DirectionPush)
	require.NoError(t, err)
	claimed, err := h.store.ClaimQueueItem(ctx, item.ID, t0)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, h.worker.RecoverInterrupted(ctx))
	assert.Equal(t, store.QueueStatusRetry, h.getItem(t, item.ID).Status)

	h.clock.advance(5 * time.Second)
	assert.Equal(t, 1, h.runOnce(t))
	assert.Equal(t, store.QueueStatusSynced, h.getItem(t, item.ID).Status)
}
