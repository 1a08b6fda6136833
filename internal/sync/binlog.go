package sync

import (
	"context"
	"fmt"
	"reflect"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"altimeter-sync-service/internal/config"
	"altimeter-sync-service/internal/logger"
	"altimeter-sync-service/internal/store"
)

const tasksTable = "tasks"

var taskBusinessColumns = []string{"title", "description", "status", "priority", "due_date"}

// ChangeCapture tails the MySQL binlog for the tasks table and enqueues a
// push whenever the CRUD layer changes a task. It is an alternative to
// calling Queue.EnqueueTask from the CRUD code.
type ChangeCapture struct {
	storage config.StateStorage
	canal   *canal.Canal
	queue   *Queue
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewChangeCapture(storage config.StateStorage, cfg config.ChangeCaptureConfig, queue *Queue) (*ChangeCapture, error) {
	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", storage.Host, storage.Port),
		User:     cfg.ReplicationUser,
		Password: cfg.ReplicationPassword,
		Flavor:   "mysql",
		ServerID: cfg.ServerID,
		Dump: canal.DumpConfig{
			ExecutionPath: "",
		},
		IncludeTableRegex: []string{fmt.Sprintf("^%s\\.%s$", storage.Database, tasksTable)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cc := &ChangeCapture{
		storage: storage,
		canal:   c,
		queue:   queue,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.SetEventHandler(&eventHandler{capture: cc})
	return cc, nil
}

// Start begins tailing from the current binlog position; earlier changes
// are not replayed.
func (cc *ChangeCapture) Start() error {
	pos, err := cc.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("failed to read binlog position: %w", err)
	}

	logger.Log.Info("Starting change capture",
		zap.String("host", cc.storage.Host),
		zap.String("binlog_file", pos.Name),
		zap.Uint32("binlog_pos", pos.Pos),
	)

	go func() {
		defer close(cc.done)
		if err := cc.canal.RunFrom(pos); err != nil && cc.ctx.Err() == nil {
			logger.Log.Error("Change capture stopped", zap.Error(err))
		}
	}()
	return nil
}

func (cc *ChangeCapture) Stop() {
	cc.cancel()
	cc.canal.Close()
	<-cc.done
	logger.Log.Info("Stopped change capture")
}

func (cc *ChangeCapture) handleRows(action string, columns []string, rows [][]interface{}) {
	for _, id := range pushCandidates(action, columns, rows) {
		if _, err := cc.queue.EnqueueTask(cc.ctx, id, store.DirectionPush); err != nil {
			logger.Log.Error("Failed to enqueue captured change", zap.String("task_id", id), zap.Error(err))
		}
	}
}

type eventHandler struct {
	canal.DummyEventHandler
	capture *ChangeCapture
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	if e.Table.Name != tasksTable {
		return nil
	}
	columns := make([]string, len(e.Table.Columns))
	for i, c := range e.Table.Columns {
		columns[i] = c.Name
	}
	h.capture.handleRows(e.Action, columns, e.Rows)
	return nil
}

func (h *eventHandler) String() string {
	return "TaskChangeCapture"
}

// pushCandidates picks the task ids a row event should push. Inserts of
// unlinked pending tasks are pushed; updates are pushed when the after-image
// is pending and a business field changed. Pulls write their fields and the
// synced state in one statement, so their after-image is never pending.
func pushCandidates(action string, columns []string, rows [][]interface{}) []string {
	idx := make(map[string]int, len(columns))
	for i, name := range columns {
		idx[name] = i
	}
	idCol, okID := idx["id"]
	statusCol, okStatus := idx["sync_status"]
	if !okID || !okStatus {
		return nil
	}

	var ids []string
	switch action {
	case canal.InsertAction:
		remoteCol, okRemote := idx["remote_id"]
		for _, row := range rows {
			if asString(row[statusCol]) != store.SyncStatusPending {
				continue
			}
			if okRemote && row[remoteCol] != nil {
				continue
			}
			ids = append(ids, asString(row[idCol]))
		}
	case canal.UpdateAction:
		for i := 0; i+1 < len(rows); i += 2 {
			before, after := rows[i], rows[i+1]
			if asString(after[statusCol]) != store.SyncStatusPending {
				continue
			}
			if businessChanged(idx, before, after) {
				ids = append(ids, asString(after[idCol]))
			}
		}
	}
	return ids
}

func businessChanged(idx map[string]int, before, after []interface{}) bool {
	for _, name := range taskBusinessColumns {
		i, ok := idx[name]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(before[i], after[i]) {
			return true
		}
	}
	return false
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}
