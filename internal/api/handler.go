// Package api exposes the HTTP surface: triggering sync runs and reading
// back ledger state and stored records.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github-activity-sync/internal/calendar"
	"github-activity-sync/internal/gherr"
	"github-activity-sync/internal/model"
	"github-activity-sync/internal/syncer"
)

// ledgerReader reads day-completion state for the query endpoints.
type ledgerReader interface {
	GetSyncedDays(ctx context.Context, resourceType model.ResourceType, org, repo, startKey, endKey string) ([]string, error)
}

// recordReader reads stored domain records.
type recordReader interface {
	ListPullRequests(ctx context.Context, org, repo string) ([]model.PullRequest, error)
}

// Handler is the container for API dependencies.
type Handler struct {
	syncer  *syncer.Syncer
	ledger  ledgerReader
	records recordReader
	logger  *slog.Logger
	org     string

	// Guards against overlapping sync runs; the store assumes a single
	// writer per deployment.
	syncMu sync.Mutex
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(s *syncer.Syncer, ledger ledgerReader, records recordReader, logger *slog.Logger, org string) http.Handler {
	h := &Handler{
		syncer:  s,
		ledger:  ledger,
		records: records,
		logger:  logger,
		org:     org,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// API Routes
	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/sync", h.triggerSync)
		r.Get("/repos/{name}/synced-days", h.getSyncedDays)
		r.Get("/repos/{name}/pulls", h.getPullRequests)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// syncRequest is the JSON body of POST /v1/sync.
type syncRequest struct {
	Repo           string   `json:"repo,omitempty"`
	ExcludeRepos   []string `json:"exclude_repos,omitempty"`
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	Force          bool     `json:"force,omitempty"`
	SkipQuotaCheck bool     `json:"skip_quota_check,omitempty"`
}

// triggerSync runs a synchronization for the requested window.
// POST /v1/sync
func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	start, err := calendar.ParseDayKey(req.StartDate)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := calendar.ParseDayKey(req.EndDate)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.syncMu.TryLock() {
		respondWithError(w, http.StatusConflict, "A sync run is already in progress")
		return
	}
	defer h.syncMu.Unlock()

	summary, err := h.syncer.Sync(r.Context(), syncer.Options{
		Repo:           req.Repo,
		ExcludeRepos:   req.ExcludeRepos,
		Start:          start,
		End:            end,
		Force:          req.Force,
		SkipQuotaCheck: req.SkipQuotaCheck,
	})
	if err != nil {
		var verr *gherr.ValidationError
		if errors.As(err, &verr) {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		var qerr *gherr.QuotaExceededError
		if errors.As(err, &qerr) && summary != nil {
			// Partial result: the run aborted cleanly and is resumable.
			respondWithJSON(w, http.StatusOK, summary)
			return
		}
		h.logger.Error("Sync run failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Sync run failed")
		return
	}

	respondWithJSON(w, http.StatusOK, summary)
}

// getSyncedDays returns the ledger's completed day-keys for a repository.
// GET /v1/repos/{name}/synced-days?resource=pull_requests&start=...&end=...
func (h *Handler) getSyncedDays(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "name")

	resource := model.ResourceType(r.URL.Query().Get("resource"))
	if resource == "" {
		resource = model.ResourcePullRequests
	}

	startKey := r.URL.Query().Get("start")
	endKey := r.URL.Query().Get("end")
	start, err := calendar.ParseDayKey(startKey)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "start and end must be YYYY-MM-DD day-keys")
		return
	}
	end, err := calendar.ParseDayKey(endKey)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "start and end must be YYYY-MM-DD day-keys")
		return
	}
	window, err := calendar.NewWindow(start, end)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	days, err := h.ledger.GetSyncedDays(r.Context(), resource, h.org, repo, startKey, endKey)
	if err != nil {
		h.logger.Error("Failed to get synced days", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"repository": repo,
		"resource":   resource,
		"days":       days,
		"missing":    calendar.MissingDays(window, days),
	})
}

// getPullRequests returns the stored pull requests for a repository.
// GET /v1/repos/{name}/pulls
func (h *Handler) getPullRequests(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "name")

	prs, err := h.records.ListPullRequests(r.Context(), h.org, repo)
	if err != nil {
		h.logger.Error("Failed to get pull requests", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, prs)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
