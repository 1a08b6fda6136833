package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"altimeter-sync-service/internal/config"
	"altimeter-sync-service/internal/remote"
	"altimeter-sync-service/internal/store"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeRemote struct {
	mu      sync.Mutex
	tasks   map[string]*remote.Task
	nextID  int
	creates int
	updates []string
	err     error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{tasks: make(map[string]*remote.Task), nextID: 100}
}

func (f *fakeRemote) put(rt *remote.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[string(rt.ID)] = rt
}

func (f *fakeRemote) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRemote) GetTask(_ context.Context, id string) (*remote.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rt, ok := f.tasks[id]
	if !ok {
		return nil, &remote.APIError{Method: http.MethodGet, Path: "/api/tasks/" + id, StatusCode: http.StatusNotFound}
	}
	cp := *rt
	return &cp, nil
}

func (f *fakeRemote) CreateTask(_ context.Context, p remote.TaskPayload) (*remote.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.creates++
	f.nextID++
	rt := &remote.Task{
		ID:          remote.ID(fmt.Sprint(f.nextID)),
		Title:       p.Title,
		Description: p.Description,
		Status:      p.Status,
		Priority:    p.Priority,
		DueDate:     p.DueDate,
	}
	f.tasks[string(rt.ID)] = rt
	return rt, nil
}

func (f *fakeRemote) UpdateTask(_ context.Context, id string, p remote.TaskPayload) (*remote.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.updates = append(f.updates, id)
	rt := &remote.Task{ID: remote.ID(id), Title: p.Title, Description: p.Description, Status: p.Status, Priority: p.Priority, DueDate: p.DueDate}
	f.tasks[id] = rt
	return rt, nil
}

func (f *fakeRemote) counts() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, append([]string(nil), f.updates...)
}

type recordedEvent struct {
	EntityID string
	Status   string
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *fakeBroadcaster) Broadcast(_ string, entityID, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{EntityID: entityID, Status: status})
}

func (b *fakeBroadcaster) statuses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.Status
	}
	return out
}

type harness struct {
	store   *store.SQLStore
	remote  *fakeRemote
	bc      *fakeBroadcaster
	clock   *testClock
	queue   *Queue
	worker  *Worker
	manager *Manager
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		PollInterval:   10 * time.Millisecond,
		MaxRetries:     3,
		BaseBackoff:    5 * time.Second,
		BackoffFactor:  5,
		ConflictWindow: 5 * time.Minute,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	h := &harness{
		store:  st,
		remote: newFakeRemote(),
		bc:     &fakeBroadcaster{},
		clock:  &testClock{t: t0},
	}
	h.queue = NewQueue(st)
	h.queue.now = h.clock.now
	h.worker = NewWorker(testSyncConfig(), st, h.remote, WithBroadcaster(h.bc), WithClock(h.clock.now))
	t.Cleanup(h.worker.Stop)
	h.manager = NewManager(st, h.queue, h.worker)
	h.manager.now = h.clock.now
	return h
}

func (h *harness) createTask(t *testing.T, task *store.Task) *store.Task {
	t.Helper()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = t0.Add(-24 * time.Hour)
	}
	if task.Status == "" {
		task.Status = "todo"
	}
	if task.Priority == "" {
		task.Priority = "medium"
	}
	require.NoError(t, h.store.CreateTask(context.Background(), task))
	return task
}

func (h *harness) getTask(t *testing.T, id string) *store.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func (h *harness) getItem(t *testing.T, id int64) *store.SyncQueueItem {
	t.Helper()
	item, err := h.store.GetQueueItem(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, item)
	return item
}

func (h *harness) runOnce(t *testing.T) int {
	t.Helper()
	n, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	return n
}

// linkedTask creates a task last synced at t0 and locally edited at localUpdated.
func (h *harness) linkedTask(t *testing.T, remoteID string, localUpdated time.Time) *store.Task {
	t.Helper()
	return h.createTask(t, &store.Task{
		Title:        "local title",
		Description:  "local description",
		RemoteID:     sql.NullString{String: remoteID, Valid: true},
		SyncStatus:   store.SyncStatusPending,
		LastSyncedAt: sql.NullTime{Time: t0, Valid: true},
		UpdatedAt:    sql.NullTime{Time: localUpdated, Valid: true},
	})
}

func remoteTask(id, title string, updated time.Time) *remote.Task {
	return &remote.Task{
		ID:        remote.ID(id),
		Title:     title,
		Status:    "done",
		Priority:  "high",
		UpdatedAt: remote.FormatTimestamp(updated),
	}
}

var errRemoteDown = errors.New("connection refused")
