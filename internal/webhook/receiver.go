// Package webhook receives Altimeter change notifications and turns them into
// pull operations on the sync queue.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"altimeter-sync-service/internal/config"
	"altimeter-sync-service/internal/logger"
	"altimeter-sync-service/internal/remote"
	"altimeter-sync-service/internal/store"
)

const (
	SignatureHeader = "X-Altimeter-Signature"
	signaturePrefix = "sha256="
	maxBodyBytes    = 1 << 20
)

const (
	EventTaskCreated = "task.created"
	EventTaskUpdated = "task.updated"
	EventTaskDeleted = "task.deleted"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMissingID        = errors.New("webhook payload has no data.id")
)

// Payload is the webhook envelope. Only data.id is used; the rest of the
// remote representation is fetched by the pull.
type Payload struct {
	Event string `json:"event"`
	Data  struct {
		ID remote.ID `json:"id"`
	} `json:"data"`
}

// TaskLinker finds or creates the local placeholder for a remote task.
type TaskLinker interface {
	FindOrCreateTaskByRemoteID(ctx context.Context, remoteID string, now time.Time) (*store.Task, bool, error)
}

type Enqueuer interface {
	EnqueueTask(ctx context.Context, taskID, direction string) (*store.SyncQueueItem, error)
}

type Receiver struct {
	secret   []byte
	insecure bool
	tasks    TaskLinker
	queue    Enqueuer
	now      func() time.Time
}

func NewReceiver(cfg config.WebhookConfig, tasks TaskLinker, queue Enqueuer) *Receiver {
	if cfg.InsecureSkipVerify {
		logger.Log.Warn("Webhook signature verification is disabled")
	}
	return &Receiver{
		secret:   []byte(cfg.Secret),
		insecure: cfg.InsecureSkipVerify,
		tasks:    tasks,
		queue:    queue,
		now:      time.Now,
	}
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the HMAC-SHA256 of body against the signature header.
func (r *Receiver) Verify(body []byte, header string) error {
	if r.insecure {
		return nil
	}
	if len(r.secret) == 0 || !strings.HasPrefix(header, signaturePrefix) {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Result describes what a delivery caused.
type Result struct {
	Status      string `json:"status"`
	TaskID      string `json:"task_id,omitempty"`
	QueueItemID int64  `json:"queue_item_id,omitempty"`
	Created     bool   `json:"created,omitempty"`
}

// Handle processes a verified payload. Created and updated events enqueue a
// pull for the linked (or newly created placeholder) task; anything else is
// ignored.
func (r *Receiver) Handle(ctx context.Context, p Payload) (*Result, error) {
	switch p.Event {
	case EventTaskCreated, EventTaskUpdated:
	case EventTaskDeleted:
		logger.Log.Info("Ignoring remote delete", zap.String("remote_id", string(p.Data.ID)))
		return &Result{Status: "ignored"}, nil
	default:
		logger.Log.Debug("Ignoring unknown webhook event", zap.String("event", p.Event))
		return &Result{Status: "ignored"}, nil
	}

	if p.Data.ID == "" {
		return nil, ErrMissingID
	}
	remoteID := string(p.Data.ID)

	task, created, err := r.tasks.FindOrCreateTaskByRemoteID(ctx, remoteID, r.now())
	if err != nil {
		return nil, fmt.Errorf("failed to link remote task %s: %w", remoteID, err)
	}
	item, err := r.queue.EnqueueTask(ctx, task.ID, store.DirectionPull)
	if err != nil {
		return nil, err
	}

	logger.Log.Info("Webhook enqueued pull",
		zap.String("event", p.Event),
		zap.String("remote_id", remoteID),
		zap.String("task_id", task.ID),
		zap.Bool("placeholder_created", created),
		zap.Int64("queue_item_id", item.ID),
	)
	return &Result{Status: "queued", TaskID: task.ID, QueueItemID: item.ID, Created: created}, nil
}

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := r.Verify(body, req.Header.Get(SignatureHeader)); err != nil {
		logger.Log.Warn("Rejected webhook", zap.String("remote_addr", req.RemoteAddr), zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	res, err := r.Handle(req.Context(), p)
	if errors.Is(err, ErrMissingID) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		logger.Log.Error("Webhook handling failed", zap.String("event", p.Event), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if res.Status == "ignored" {
		w.WriteHeader(http.StatusAccepted)
	}
	json.NewEncoder(w).Encode(res)
}
