package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	domainerrors "flowlens/internal/errors"
	"flowlens/internal/hub"
	"flowlens/internal/model"
	"flowlens/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler is the container for API dependencies.
type Handler struct {
	db     store.Store
	hub    *hub.Hub
	logger *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(db store.Store, h *hub.Hub, logger *slog.Logger) http.Handler {
	handler := &Handler{
		db:     db,
		hub:    h,
		logger: logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", handler.healthCheck)
	r.Get("/ws", handler.subscribe)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/prs", handler.listChangeRequests)
		r.Get("/prs/{repoID}/{number}", handler.getChangeRequest)
		r.Get("/insights/{repoID}/{number}", handler.listInsights)
		r.Get("/repository", handler.listRepositories)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// subscribe upgrades the connection and registers it with the broadcast
// hub. The socket sees only deltas broadcast from this point on; clients
// fetch current state through the /v1 endpoints.
func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}
	h.hub.Register(conn)
}

// listChangeRequests serves the dashboard listing: every change request
// with its pipeline statuses and latest insight.
// GET /v1/prs
func (h *Handler) listChangeRequests(w http.ResponseWriter, r *http.Request) {
	entries, err := h.db.Dashboard(r.Context())
	if err != nil {
		h.logger.Error("Failed to load dashboard", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if entries == nil {
		entries = []store.DashboardEntry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

// fullChangeRequest is the complete materialized view of one entity, used
// by reconcilers the first time a delta references it.
type fullChangeRequest struct {
	ChangeRequest model.ChangeRequest `json:"change_request"`
	Pipeline      *model.PipelineRun  `json:"pipeline,omitempty"`
	Insights      []model.Insight     `json:"insights"`
}

// getChangeRequest returns one change request with its pipeline run and
// all insights.
// GET /v1/prs/{repoID}/{number}
func (h *Handler) getChangeRequest(w http.ResponseWriter, r *http.Request) {
	repoID, number, ok := h.entityParams(w, r)
	if !ok {
		return
	}

	cr, err := h.db.ChangeRequest(r.Context(), repoID, number)
	if err != nil {
		if errors.Is(err, domainerrors.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Change request not found")
			return
		}
		h.logger.Error("Failed to get change request", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	full := fullChangeRequest{ChangeRequest: cr, Insights: []model.Insight{}}

	run, err := h.db.PipelineRun(r.Context(), repoID, number)
	switch {
	case errors.Is(err, domainerrors.ErrNotFound):
	case err != nil:
		h.logger.Error("Failed to get pipeline run", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	default:
		full.Pipeline = &run
	}

	insights, err := h.db.InsightsFor(r.Context(), repoID, number)
	if err != nil {
		h.logger.Error("Failed to get insights", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if insights != nil {
		full.Insights = insights
	}

	respondWithJSON(w, http.StatusOK, full)
}

// listInsights returns all insights for a change request, newest first.
// GET /v1/insights/{repoID}/{number}
func (h *Handler) listInsights(w http.ResponseWriter, r *http.Request) {
	repoID, number, ok := h.entityParams(w, r)
	if !ok {
		return
	}

	insights, err := h.db.InsightsFor(r.Context(), repoID, number)
	if err != nil {
		h.logger.Error("Failed to get insights", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if insights == nil {
		insights = []model.Insight{}
	}
	respondWithJSON(w, http.StatusOK, insights)
}

// listRepositories returns metadata for every tracked repository.
// GET /v1/repository
func (h *Handler) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := h.db.Repositories(r.Context())
	if err != nil {
		h.logger.Error("Failed to list repositories", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if repos == nil {
		repos = []model.Repository{}
	}
	respondWithJSON(w, http.StatusOK, repos)
}

func (h *Handler) entityParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, int, bool) {
	repoID, err := uuid.Parse(chi.URLParam(r, "repoID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid repository id")
		return uuid.Nil, 0, false
	}
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid change request number")
		return uuid.Nil, 0, false
	}
	return repoID, number, true
}
