// Package api exposes the trigger and inspection HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"blog-pipeline/internal/models"
	"blog-pipeline/internal/orchestrator"
	"blog-pipeline/internal/telemetry"
)

// Store is the read/repair surface the API needs.
type Store interface {
	GetItem(ctx context.Context, id string) (models.ContentItem, bool, error)
	SaveItem(ctx context.Context, item models.ContentItem) error
	ItemsWithState(ctx context.Context, state string, limit int) ([]models.ContentItem, error)
	ClearRetryStatesForItem(ctx context.Context, itemID string) error
	GetRun(ctx context.Context, id string) (models.PipelineRun, bool, error)
	PublicationsForItem(ctx context.Context, itemID string) ([]models.PublicationRecord, error)
}

// Server handles trigger and inspection requests.
type Server struct {
	store   Store
	trigger *orchestrator.Trigger
	logger  *slog.Logger
	now     func() time.Time
}

// NewServer wires the HTTP server.
func NewServer(store Store, trigger *orchestrator.Trigger, logger *slog.Logger) *Server {
	return &Server{store: store, trigger: trigger, logger: logger, now: time.Now}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Post("/runs", s.handleTriggerRun)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/items/{id}", s.handleGetItem)
	r.Post("/items/{id}/requeue", s.handleRequeueItem)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type triggerRequest struct {
	BatchSize    int      `json:"batch_size"`
	Topics       []string `json:"topics"`
	ResumeFailed bool     `json:"resume_failed"`
}

// handleTriggerRun starts a pipeline run and blocks until it finishes.
// Returns 409 when a run is already executing.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if req.ResumeFailed {
		if err := s.resumeFailedItems(r.Context()); err != nil {
			s.logger.Error("resume failed items", "err", err)
			writeError(w, http.StatusInternalServerError, "cannot resume failed items")
			return
		}
	}

	run, started, err := s.trigger.FireNow(r.Context(), req.BatchSize, req.Topics)
	if err != nil {
		s.logger.Error("trigger run", "err", err)
		writeError(w, http.StatusInternalServerError, "run failed to start")
		return
	}
	if !started {
		writeError(w, http.StatusConflict, "a run is already executing")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// resumeFailedItems re-opens every terminal-failed item at its failed stage.
func (s *Server) resumeFailedItems(ctx context.Context) error {
	items, err := s.store.ItemsWithState(ctx, models.ItemFailed, 100)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	for _, item := range items {
		stageName, ok := item.ResetFailedStage(now)
		if !ok {
			continue
		}
		if err := s.store.SaveItem(ctx, item); err != nil {
			return err
		}
		if err := s.store.ClearRetryStatesForItem(ctx, item.ID); err != nil {
			return err
		}
		s.logger.Info("failed item re-opened", "item", item.ID, "stage", stageName)
	}
	return nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, found, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.logger.Error("get run", "run", id, "err", err)
		writeError(w, http.StatusInternalServerError, "cannot load run")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type itemResponse struct {
	models.ContentItem
	Publications []models.PublicationRecord `json:"publications"`
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, found, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		s.logger.Error("get item", "item", id, "err", err)
		writeError(w, http.StatusInternalServerError, "cannot load item")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}

	pubs, err := s.store.PublicationsForItem(r.Context(), id)
	if err != nil {
		s.logger.Error("load publications", "item", id, "err", err)
		writeError(w, http.StatusInternalServerError, "cannot load publications")
		return
	}
	writeJSON(w, http.StatusOK, itemResponse{ContentItem: item, Publications: pubs})
}

// handleRequeueItem re-opens one terminal-failed item so the next run picks
// it up at the stage that failed.
func (s *Server) handleRequeueItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, found, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		s.logger.Error("get item", "item", id, "err", err)
		writeError(w, http.StatusInternalServerError, "cannot load item")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}

	stageName, ok := item.ResetFailedStage(s.now().UTC())
	if !ok {
		writeError(w, http.StatusConflict, "item is not in a failed state")
		return
	}
	if err := s.store.SaveItem(r.Context(), item); err != nil {
		s.logger.Error("save item", "item", id, "err", err)
		writeError(w, http.StatusInternalServerError, "cannot save item")
		return
	}
	if err := s.store.ClearRetryStatesForItem(r.Context(), id); err != nil {
		s.logger.Error("clear retry states", "item", id, "err", err)
		writeError(w, http.StatusInternalServerError, "cannot clear retry state")
		return
	}
	s.logger.Info("item requeued", "item", id, "stage", stageName)
	writeJSON(w, http.StatusOK, item)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
