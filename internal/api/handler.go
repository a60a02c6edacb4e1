package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
	"github.com/gyaneshwarpardhi/activityfeed/internal/category"
	"github.com/gyaneshwarpardhi/activityfeed/internal/config"
	"github.com/gyaneshwarpardhi/activityfeed/internal/feed"
	"github.com/gyaneshwarpardhi/activityfeed/internal/metrics"
	"github.com/gyaneshwarpardhi/activityfeed/internal/scope"
	"github.com/gyaneshwarpardhi/activityfeed/internal/source"
)

// Options wires the handler. Loader and Appender are optional: without a
// loader rules cannot be reloaded, without an appender events cannot be
// ingested.
type Options struct {
	Feeds    *feed.Manager
	Loader   *config.Loader
	Appender source.Appender
	Logger   *slog.Logger
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	feeds    *feed.Manager
	loader   *config.Loader
	appender source.Appender
	logger   *slog.Logger
}

// New creates an HTTP handler and registers all routes.
func New(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handler{
		feeds:    opts.Feeds,
		loader:   opts.Loader,
		appender: opts.Appender,
		logger:   opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "activityfeed")
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/feeds", h.openFeed)
		r.Route("/feeds/{feedID}", func(r chi.Router) {
			r.Delete("/", h.closeFeed)
			r.Get("/status", h.feedStatus)
			r.Get("/pages/{page}", h.feedPage)
			r.Put("/filters", h.setFilters)
			r.Get("/counts", h.feedCounts)
			r.Get("/sessions/{groupID}", h.feedSession)
			r.Post("/backfill", h.backfill)
			r.Get("/stream", h.stream)
		})
		r.Post("/events", h.ingestEvent)
		r.Get("/categories", h.listCategories)
		r.Post("/rules/reload", h.reloadRules)
	})
	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

type openFeedResponse struct {
	FeedID string      `json:"feed_id"`
	Status feed.Status `json:"status"`
}

// POST /v1/feeds: open a viewer feed. A feed whose scope could not be
// resolved is still created and reports scope_unavailable.
func (h *Handler) openFeed(w http.ResponseWriter, r *http.Request) {
	var v scope.Viewer
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if v.ID == "" {
		writeError(w, http.StatusBadRequest, "viewer_id is required")
		return
	}
	if v.Role == "" {
		writeError(w, http.StatusBadRequest, "role is required")
		return
	}

	id, f, err := h.feeds.Open(r.Context(), v)
	if err != nil {
		h.logger.Warn("feed opened with error", "feed_id", id, "err", err)
	}
	writeJSON(w, http.StatusCreated, openFeedResponse{FeedID: id, Status: f.Status()})
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*feed.Feed, bool) {
	f, err := h.feeds.Get(chi.URLParam(r, "feedID"))
	if err != nil {
		writeFeedError(w, err)
		return nil, false
	}
	return f, true
}

// DELETE /v1/feeds/{feedID}
func (h *Handler) closeFeed(w http.ResponseWriter, r *http.Request) {
	if err := h.feeds.Close(chi.URLParam(r, "feedID")); err != nil {
		writeFeedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/feeds/{feedID}/status
func (h *Handler) feedStatus(w http.ResponseWriter, r *http.Request) {
	f, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, f.Status())
}

// GET /v1/feeds/{feedID}/pages/{page}
func (h *Handler) feedPage(w http.ResponseWriter, r *http.Request) {
	f, ok := h.lookup(w, r)
	if !ok {
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	writeJSON(w, http.StatusOK, f.Page(n))
}

// PUT /v1/feeds/{feedID}/filters: replace filters and return page 1.
func (h *Handler) setFilters(w http.ResponseWriter, r *http.Request) {
	f, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var flt category.Filter
	if err := json.NewDecoder(r.Body).Decode(&flt); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if err := f.SetFilter(flt); err != nil {
		writeFeedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f.Page(1))
}

// GET /v1/feeds/{feedID}/counts
func (h *Handler) feedCounts(w http.ResponseWriter, r *http.Request) {
	f, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": f.Counts()})
}

// GET /v1/feeds/{feedID}/sessions/{groupID}
func (h *Handler) feedSession(w http.ResponseWriter, r *http.Request) {
	f, ok := h.lookup(w, r)
	if !ok {
		return
	}
	d, err := f.Session(chi.URLParam(r, "groupID"))
	if err != nil {
		writeFeedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// POST /v1/feeds/{feedID}/backfill: retry after a failed load.
func (h *Handler) backfill(w http.ResponseWriter, r *http.Request) {
	f, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := f.Backfill(r.Context()); err != nil {
		writeFeedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f.Status())
}

// POST /v1/events: append one event to the log.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	if h.appender == nil {
		writeError(w, http.StatusNotImplemented, "event ingestion is not enabled for this store")
		return
	}
	var ev activity.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if ev.Action == "" || ev.TargetType == "" {
		writeError(w, http.StatusBadRequest, "action and target_type are required")
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.ActorID == "" && ev.ActorRole == "" {
		ev.ActorRole = activity.RoleSystem
	}

	if err := h.appender.Append(r.Context(), ev); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.EventsIngested.Inc()
	writeJSON(w, http.StatusCreated, ev)
}

type categoryResponse struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// GET /v1/categories: list the tabs in display order.
func (h *Handler) listCategories(w http.ResponseWriter, r *http.Request) {
	set := h.feeds.Categories()
	out := []categoryResponse{{ID: category.All, Label: "All"}}
	for _, c := range set.Categories() {
		out = append(out, categoryResponse{ID: c.ID, Label: c.Label})
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": out})
}

// POST /v1/rules/reload: hot-reload rules from disk.
func (h *Handler) reloadRules(w http.ResponseWriter, r *http.Request) {
	if h.loader == nil {
		writeError(w, http.StatusConflict, "built-in rules in use, nothing to reload")
		return
	}
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	set, err := category.Build(cfg)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.feeds.SwapCategories(set)
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":         true,
		"version":          cfg.Version,
		"categories_count": len(cfg.Categories),
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"feeds_open": h.feeds.Len(),
	})
}
