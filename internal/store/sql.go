package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"altimeter-sync-service/internal/database"
)

//go:embed schema/*.sql
var schemaFS embed.FS

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store on database/sql. The same queries run on MySQL
// and SQLite; only the schema differs per dialect.
type SQLStore struct {
	db *database.Database
	q  querier
}

func NewSQLStore(db *database.Database) *SQLStore {
	return &SQLStore{db: db, q: db.DB}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn against a transaction-scoped store. Nested calls reuse the
// enclosing transaction.
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		return fn(&SQLStore{db: s.db, q: tx})
	})
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	schema, err := schemaFS.ReadFile("schema/" + s.db.Dialect + ".sql")
	if err != nil {
		return fmt.Errorf("no schema for dialect %q: %w", s.db.Dialect, err)
	}
	for _, stmt := range strings.Split(string(schema), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func nullUTC(t sql.NullTime) sql.NullTime {
	if t.Valid {
		t.Time = t.Time.UTC()
	}
	return t
}

// ---- tasks ----

const taskColumns = `id, title, description, status, priority, due_date, remote_id, sync_status, last_synced_at, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID,
		&t.Title,
		&t.Description,
		&t.Status,
		&t.Priority,
		&t.DueDate,
		&t.RemoteID,
		&t.SyncStatus,
		&t.LastSyncedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLStore) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.SyncStatus == "" {
		task.SyncStatus = SyncStatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q.ExecContext(ctx, query,
		task.ID,
		task.Title,
		task.Description,
		task.Status,
		task.Priority,
		nullUTC(task.DueDate),
		task.RemoteID,
		task.SyncStatus,
		nullUTC(task.LastSyncedAt),
		task.CreatedAt.UTC(),
		nullUTC(task.UpdatedAt),
	)
	return err
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *SQLStore) GetTaskByRemoteID(ctx context.Context, remoteID string) (*Task, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE remote_id = ?`, remoteID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// FindOrCreateTaskByRemoteID returns the task linked to remoteID, creating an
// empty placeholder when none exists. The bool reports whether it was created.
func (s *SQLStore) FindOrCreateTaskByRemoteID(ctx context.Context, remoteID string, now time.Time) (*Task, bool, error) {
	var (
		task    *Task
		created bool
	)
	err := s.WithTx(ctx, func(tx Store) error {
		existing, err := tx.GetTaskByRemoteID(ctx, remoteID)
		if err != nil {
			return err
		}
		if existing != nil {
			task = existing
			return nil
		}
		task = &Task{
			RemoteID:   sql.NullString{String: remoteID, Valid: true},
			SyncStatus: SyncStatusPending,
			CreatedAt:  now,
		}
		created = true
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		return nil, false, err
	}
	return task, created, nil
}

func (s *SQLStore) UpdateTaskSyncState(ctx context.Context, id string, state TaskSyncState) error {
	query := `UPDATE tasks SET
			  remote_id = COALESCE(?, remote_id),
			  sync_status = ?,
			  last_synced_at = COALESCE(?, last_synced_at)
			  WHERE id = ?`
	res, err := s.q.ExecContext(ctx, query, state.RemoteID, state.SyncStatus, nullUTC(state.LastSyncedAt), id)
	if err != nil {
		return err
	}
	return expectOneRow(res, "task", id)
}

// ApplyRemoteFields overwrites the business fields and marks the task synced
// in a single statement, so no row image ever shows pulled data as pending.
func (s *SQLStore) ApplyRemoteFields(ctx context.Context, id string, fields TaskFields, syncedAt time.Time) error {
	query := `UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?, due_date = ?,
			  sync_status = ?, last_synced_at = ?
			  WHERE id = ?`
	res, err := s.q.ExecContext(ctx, query,
		fields.Title,
		fields.Description,
		fields.Status,
		fields.Priority,
		nullUTC(fields.DueDate),
		SyncStatusSynced,
		syncedAt.UTC(),
		id,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, "task", id)
}

// ListLinkedTaskIDs returns tasks that have a remote counterpart, optionally
// filtered by sync_status. An empty status matches all.
func (s *SQLStore) ListLinkedTaskIDs(ctx context.Context, syncStatus string) ([]string, error) {
	query := `SELECT id FROM tasks WHERE remote_id IS NOT NULL`
	var args []any
	if syncStatus != "" {
		query += ` AND sync_status = ?`
		args = append(args, syncStatus)
	}
	rows, err := s.q.QueryContext(ctx, query+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func expectOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return nil
}

// ---- queue ----

const queueColumns = `id, entity_type, entity_id, direction, status, retry_count, last_attempt, error_message, resolution, created_at, updated_at`

func scanQueueItem(row interface{ Scan(...any) error }) (*SyncQueueItem, error) {
	var item SyncQueueItem
	err := row.Scan(
		&item.ID,
		&item.EntityType,
		&item.EntityID,
		&item.Direction,
		&item.Status,
		&item.RetryCount,
		&item.LastAttempt,
		&item.ErrorMessage,
		&item.Resolution,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *SQLStore) CreateQueueItem(ctx context.Context, item *SyncQueueItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.UpdatedAt = item.CreatedAt

	query := `INSERT INTO sync_queue (entity_type, entity_id, direction, status, retry_count, last_attempt, error_message, resolution, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.q.ExecContext(ctx, query,
		item.EntityType,
		item.EntityID,
		item.Direction,
		item.Status,
		item.RetryCount,
		nullUTC(item.LastAttempt),
		item.ErrorMessage,
		item.Resolution,
		item.CreatedAt.UTC(),
		item.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	item.ID, err = res.LastInsertId()
	return err
}

func (s *SQLStore) GetQueueItem(ctx context.Context, id int64) (*SyncQueueItem, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

func (s *SQLStore) FindActiveQueueItem(ctx context.Context, entityType, entityID, direction string) (*SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue
			  WHERE entity_type = ? AND entity_id = ? AND direction = ? AND status IN (?, ?)
			  ORDER BY id LIMIT 1`
	row := s.q.QueryRowContext(ctx, query, entityType, entityID, direction, QueueStatusPending, QueueStatusRetry)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// ListActiveQueueItems returns pending and retry items in arrival order.
func (s *SQLStore) ListActiveQueueItems(ctx context.Context) ([]*SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE status IN (?, ?) ORDER BY id`
	rows, err := s.q.QueryContext(ctx, query, QueueStatusPending, QueueStatusRetry)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ClaimQueueItem atomically moves an active item to syncing. It reports false
// when the item was no longer pending/retry (claimed elsewhere or finished).
func (s *SQLStore) ClaimQueueItem(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `UPDATE sync_queue SET status = ?, last_attempt = ?, updated_at = ?
			  WHERE id = ? AND status IN (?, ?)`
	res, err := s.q.ExecContext(ctx, query,
		QueueStatusSyncing, at.UTC(), at.UTC(), id, QueueStatusPending, QueueStatusRetry)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseSyncingItems moves items left in syncing by an interrupted process
// back to retry so the worker picks them up again.
func (s *SQLStore) ReleaseSyncingItems(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE sync_queue SET status = ?, updated_at = ? WHERE status = ?`,
		QueueStatusRetry, at.UTC(), QueueStatusSyncing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) UpdateQueueItem(ctx context.Context, item *SyncQueueItem) error {
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now()
	}
	query := `UPDATE sync_queue SET status = ?, retry_count = ?, last_attempt = ?, error_message = ?, resolution = ?, updated_at = ?
			  WHERE id = ?`
	res, err := s.q.ExecContext(ctx, query,
		item.Status,
		item.RetryCount,
		nullUTC(item.LastAttempt),
		item.ErrorMessage,
		item.Resolution,
		item.UpdatedAt.UTC(),
		item.ID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, "queue item", fmt.Sprint(item.ID))
}

func (s *SQLStore) RequeueFailedItem(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `UPDATE sync_queue SET status = ?, retry_count = 0, error_message = NULL, updated_at = ?
			  WHERE id = ? AND status = ?`
	res, err := s.q.ExecContext(ctx, query, QueueStatusPending, at.UTC(), id, QueueStatusFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) CountQueueByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{
		QueueStatusPending:  0,
		QueueStatusSyncing:  0,
		QueueStatusRetry:    0,
		QueueStatusSynced:   0,
		QueueStatusConflict: 0,
		QueueStatusFailed:   0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ---- conflicts ----

const conflictColumns = `id, entity_type, entity_id, queue_item_id, local_data, remote_data, local_updated_at, remote_updated_at, detected_at, status, resolution_strategy, resolved_at`

func scanConflict(row interface{ Scan(...any) error }) (*Conflict, error) {
	var c Conflict
	var local, remote []byte
	err := row.Scan(
		&c.ID,
		&c.EntityType,
		&c.EntityID,
		&c.QueueItemID,
		&local,
		&remote,
		&c.LocalUpdatedAt,
		&c.RemoteUpdatedAt,
		&c.DetectedAt,
		&c.Status,
		&c.ResolutionStrategy,
		&c.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	c.LocalData = local
	c.RemoteData = remote
	return &c, nil
}

func (s *SQLStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	if conflict.ID == "" {
		conflict.ID = uuid.New().String()
	}
	if conflict.Status == "" {
		conflict.Status = ConflictUnresolved
	}

	query := `INSERT INTO sync_conflicts (id, entity_type, entity_id, queue_item_id, local_data, remote_data, local_updated_at, remote_updated_at, detected_at, status)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q.ExecContext(ctx, query,
		conflict.ID,
		conflict.EntityType,
		conflict.EntityID,
		conflict.QueueItemID,
		string(conflict.LocalData),
		string(conflict.RemoteData),
		conflict.LocalUpdatedAt.UTC(),
		conflict.RemoteUpdatedAt.UTC(),
		conflict.DetectedAt.UTC(),
		conflict.Status,
	)
	return err
}

func (s *SQLStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// GetLatestConflict prefers the newest unresolved conflict and falls back to
// the newest resolved one.
func (s *SQLStore) GetLatestConflict(ctx context.Context, entityType, entityID string) (*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts
			  WHERE entity_type = ? AND entity_id = ?
			  ORDER BY CASE WHEN status = ? THEN 0 ELSE 1 END, detected_at DESC
			  LIMIT 1`
	row := s.q.QueryRowContext(ctx, query, entityType, entityID, ConflictUnresolved)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *SQLStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error) {
	status := ConflictUnresolved
	if resolved {
		status = ConflictResolved
	}
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE status = ?
			  ORDER BY detected_at DESC LIMIT ? OFFSET ?`
	rows, err := s.q.QueryContext(ctx, query, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (s *SQLStore) CountConflicts(ctx context.Context, resolved bool) (int, error) {
	status := ConflictUnresolved
	if resolved {
		status = ConflictResolved
	}
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_conflicts WHERE status = ?`, status).Scan(&n)
	return n, err
}

func (s *SQLStore) ResolveConflict(ctx context.Context, id string, strategy string, at time.Time) error {
	query := `UPDATE sync_conflicts SET status = ?, resolution_strategy = ?, resolved_at = ? WHERE id = ?`
	res, err := s.q.ExecContext(ctx, query, ConflictResolved, strategy, at.UTC(), id)
	if err != nil {
		return err
	}
	return expectOneRow(res, "conflict", id)
}

// ---- activity log ----

func (s *SQLStore) CreateActivityLog(ctx context.Context, entry *SyncActivityLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `INSERT INTO sync_activity_log (id, queue_item_id, entity_type, entity_id, direction, status, details, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q.ExecContext(ctx, query,
		entry.ID,
		entry.QueueItemID,
		entry.EntityType,
		entry.EntityID,
		entry.Direction,
		entry.Status,
		entry.Details,
		entry.CreatedAt.UTC(),
	)
	return err
}

// ListActivityLogs returns the newest entries first; an empty status lists all.
func (s *SQLStore) ListActivityLogs(ctx context.Context, status string, limit int) ([]*SyncActivityLog, error) {
	query := `SELECT id, queue_item_id, entity_type, entity_id, direction, status, details, created_at
			  FROM sync_activity_log`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*SyncActivityLog
	for rows.Next() {
		var e SyncActivityLog
		err := rows.Scan(
			&e.ID,
			&e.QueueItemID,
			&e.EntityType,
			&e.EntityID,
			&e.Direction,
			&e.Status,
			&e.Details,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
