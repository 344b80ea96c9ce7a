package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-pilot/internal/ratelimit"
)

var (
	post = []string{http.MethodPost, http.MethodOptions}
	get  = []string{http.MethodGet, http.MethodOptions}
	del  = []string{http.MethodDelete, http.MethodOptions}
)

// SetupRoutes configures all HTTP routes. events serves the websocket event
// stream and metrics the prometheus scrape endpoint; either may be nil.
func (h *Handler) SetupRoutes(events http.Handler, metrics http.Handler, rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Health).Methods(get...)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Reads and polling endpoints (not rate limited)
	api.HandleFunc("/browser/status", h.BrowserStatus).Methods(get...)
	api.HandleFunc("/screenshot", h.Screenshot).Methods(get...)

	api.HandleFunc("/chains", h.ListChains).Methods(get...)
	api.HandleFunc("/chains/{id}", h.GetChain).Methods(get...)
	api.HandleFunc("/chains/{id}", h.DeleteChain).Methods(del...)

	api.HandleFunc("/recordings", h.ListRecordings).Methods(get...)
	api.HandleFunc("/recordings/{id}/frames", h.RecordingFrames).Methods(get...)
	api.HandleFunc("/recordings/{id}/archive", h.ArchiveRecording).Methods(get...)
	api.HandleFunc("/recordings/{id}", h.DeleteRecording).Methods(del...)

	api.HandleFunc("/sessions", h.ListSessions).Methods(get...)
	api.HandleFunc("/sessions/{id}", h.DeleteSession).Methods(del...)

	if events != nil {
		api.Handle("/events", events).Methods(http.MethodGet)
	}

	// Browser control and tasks drive the page (rate limited)
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(rateLimiter))

	limited.HandleFunc("/browser/start", h.StartBrowser).Methods(post...)
	limited.HandleFunc("/browser/stop", h.StopBrowser).Methods(post...)
	limited.HandleFunc("/browser/{kind}", h.Command).Methods(post...)

	limited.HandleFunc("/tasks", h.ExecuteTask).Methods(post...)
	limited.HandleFunc("/tasks/plan", h.PlanTask).Methods(post...)

	limited.HandleFunc("/chains", h.CreateChain).Methods(post...)
	limited.HandleFunc("/chains/{id}/steps", h.AddChainStep).Methods(post...)
	limited.HandleFunc("/chains/{id}/execute", h.ExecuteChain).Methods(post...)

	limited.HandleFunc("/recordings/start", h.StartRecording).Methods(post...)
	limited.HandleFunc("/recordings/stop", h.StopRecording).Methods(post...)
	limited.HandleFunc("/recordings/import", h.ImportRecording).Methods(post...)

	r.Use(loggingMiddleware(h.logger))
	r.Use(corsMiddleware)

	return r
}

// ServerTimeouts bounds connection phases
type ServerTimeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// NewServer builds the HTTP server around the router
func NewServer(addr string, handler http.Handler, cfg ServerTimeouts, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.Read,
		WriteTimeout: cfg.Write,
		IdleTimeout:  cfg.Idle,
		ErrorLog:     zap.NewStdLog(logger.With(zap.String("component", "http"))),
	}
}
