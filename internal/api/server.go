package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/MemeryBot/internal/models"
	"github.com/BTreeMap/MemeryBot/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Listing limits for GET /mentions.
const (
	DefaultMentionLimit = 20
	MaxMentionLimit     = 100
)

// healthTimeout bounds the store probe of GET /health.
const healthTimeout = 5 * time.Second

// Server exposes the bot's state over HTTP.
type Server struct {
	st       store.Store
	gatherer prometheus.Gatherer
	started  time.Time
	http     *http.Server
}

// NewServer creates a status server reading from st. Metrics are served from gatherer, or from
// the default registry when gatherer is nil.
func NewServer(st store.Store, gatherer prometheus.Gatherer, opts ...Option) *Server {
	cfg := defaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		st:       st,
		gatherer: gatherer,
		started:  time.Now().UTC(),
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/mentions", s.listMentionsHandler)
	mux.HandleFunc("/mentions/{id}", s.getMentionHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe serves until Shutdown is called, then returns http.ErrServerClosed.
func (s *Server) ListenAndServe() error {
	slog.Info("Server.ListenAndServe: status API listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown stops accepting requests and waits for active ones within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// healthHandler reports whether the state store answers (GET /health).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	healthData := map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	statusCode := http.StatusOK
	if _, err := s.st.GetStats(ctx); err != nil {
		slog.Warn("Server.healthHandler: state store unavailable", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "State store unavailable"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

// statsHandler returns the cursor and processed counter (GET /stats).
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.statsHandler: processing stats request", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := s.st.GetStats(r.Context())
	if err != nil {
		slog.Error("Server.statsHandler: failed to fetch stats", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// listMentionsHandler returns the most recently written mention records (GET /mentions?limit=N).
func (s *Server) listMentionsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.listMentionsHandler: processing mentions request", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	limit := DefaultMentionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			slog.Warn("Server.listMentionsHandler: invalid limit", "limit", raw)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = min(n, MaxMentionLimit)
	}

	records, err := s.st.ListMentions(r.Context(), limit)
	if err != nil {
		slog.Error("Server.listMentionsHandler: failed to list mentions", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list mentions"))
		return
	}
	if records == nil {
		records = []models.MentionRecord{}
	}
	slog.Debug("Server.listMentionsHandler: mentions fetched", "count", len(records), "limit", limit)
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

// getMentionHandler returns one mention record (GET /mentions/{id}).
func (s *Server) getMentionHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := r.PathValue("id")
	rec, err := s.st.GetMention(r.Context(), id)
	if err != nil {
		slog.Error("Server.getMentionHandler: failed to fetch mention", "mentionID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch mention"))
		return
	}
	if rec == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Mention not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}
