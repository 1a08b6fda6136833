package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"altimeter-sync-service/internal/config"
	"altimeter-sync-service/internal/logger"
	"altimeter-sync-service/internal/store"
	"altimeter-sync-service/internal/sync"
)

const (
	defaultConflictLimit = 50
	maxConflictLimit     = 200
)

type Handler struct {
	syncManager *sync.Manager
	realtime    http.Handler
	webhook     http.Handler
	cfg         config.ServerConfig
}

// NewHandler wires the HTTP surface. realtime serves the websocket channel
// and webhook receives Altimeter notifications.
func NewHandler(cfg config.ServerConfig, manager *sync.Manager, realtime, webhook http.Handler) *Handler {
	return &Handler{
		syncManager: manager,
		realtime:    realtime,
		webhook:     webhook,
		cfg:         cfg,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.cfg.CorsOrigins))

	r.Get("/health", h.HealthCheck)
	r.Handle("/ws", h.realtime)
	r.Post("/webhooks/altimeter", h.webhook.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.cfg.AuthToken))

		r.Post("/sync/start", h.StartSync)
		r.Post("/sync/stop", h.StopSync)
		r.Post("/sync/run", h.RunSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/conflicts", h.ListConflicts)
		r.Post("/sync/queue/{id}/retry", h.RetryQueueItem)

		r.Post("/tasks/{id}/sync", h.EnqueueTaskSync)
		r.Get("/tasks/{id}/conflict", h.GetTaskConflict)
		r.Post("/tasks/{id}/conflict/resolve", h.ResolveTaskConflict)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	h.syncManager.Start()
	writeJSON(w, http.StatusOK, map[string]string{"status": h.syncManager.GetStatus()})
}

func (h *Handler) StopSync(w http.ResponseWriter, r *http.Request) {
	h.syncManager.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": h.syncManager.GetStatus()})
}

func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) {
	n, err := h.syncManager.RunNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": n})
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.syncManager.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	resolved := false
	if v := q.Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid resolved flag", http.StatusBadRequest)
			return
		}
		resolved = b
	}
	limit, ok := intParam(w, q.Get("limit"), defaultConflictLimit)
	if !ok {
		return
	}
	offset, ok := intParam(w, q.Get("offset"), 0)
	if !ok {
		return
	}
	if limit > maxConflictLimit {
		limit = maxConflictLimit
	}

	conflicts, err := h.syncManager.ListConflicts(r.Context(), resolved, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*store.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (h *Handler) RetryQueueItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid queue item id", http.StatusBadRequest)
		return
	}
	item, err := h.syncManager.RetryFailed(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type enqueueRequest struct {
	Direction string `json:"direction"`
}

func (h *Handler) EnqueueTaskSync(w http.ResponseWriter, r *http.Request) {
	req := enqueueRequest{Direction: store.DirectionPush}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	item, err := h.syncManager.EnqueueTask(r.Context(), chi.URLParam(r, "id"), req.Direction)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (h *Handler) GetTaskConflict(w http.ResponseWriter, r *http.Request) {
	view, err := h.syncManager.InspectConflict(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type resolveRequest struct {
	Strategy string `json:"strategy"`
}

func (h *Handler) ResolveTaskConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	item, err := h.syncManager.ResolveConflict(r.Context(), chi.URLParam(r, "id"), req.Strategy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func intParam(w http.ResponseWriter, raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		http.Error(w, "invalid pagination parameter", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sync.ErrInvalidStrategy), errors.Is(err, sync.ErrInvalidDirection):
		status = http.StatusBadRequest
	case errors.Is(err, sync.ErrTaskNotFound), errors.Is(err, sync.ErrQueueItemNotFound), errors.Is(err, sync.ErrNoConflict):
		status = http.StatusNotFound
	case errors.Is(err, sync.ErrTaskNotLinked), errors.Is(err, sync.ErrQueueItemNotFailed):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.Log.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// CorsMiddleware allows the configured origins; "*" allows any.
func CorsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowed["*"]:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

			if r.Method == http.MethodOptions {
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware requires "Authorization: Bearer <token>". An empty token
// disables the check.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
