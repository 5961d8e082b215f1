// Package httpapi serves the read-only JSON API over the cache. Handlers
// never call upstream providers; a cache miss is a miss.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/buiqtuan/demo-trade/internal/aggregator"
	"github.com/buiqtuan/demo-trade/internal/cache"
	"github.com/buiqtuan/demo-trade/internal/models"
)

const (
	maxQuoteBatch   = 100
	requestTimeout  = 10 * time.Second
	readinessWindow = time.Hour
)

// Reader is the read-only slice of the cache façade the API serves from.
type Reader interface {
	GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error)
	GetAssets(ctx context.Context, assetType models.AssetType) ([]models.Asset, error)
	GetNews(ctx context.Context, key string) ([]models.NewsArticle, error)
	GetActiveSymbols(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Stats(ctx context.Context) cache.Stats
}

// StatusSource is the orchestrator view used by status and readiness.
type StatusSource interface {
	Status(ctx context.Context) []aggregator.ProviderStatus
	Running() bool
	LastUpdates() map[string]time.Time
}

// Options wires the server's collaborators.
type Options struct {
	Addr       string
	Reader     Reader
	Status     StatusSource
	Metrics    http.Handler
	AppName    string
	AppVersion string

	// Now is injectable for readiness tests; defaults to time.Now.
	Now func() time.Time
}

// Server is the HTTP read API.
type Server struct {
	reader     Reader
	status     StatusSource
	metrics    http.Handler
	appName    string
	appVersion string
	startedAt  time.Time
	now        func() time.Time

	http *http.Server
}

func New(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		reader:     opts.Reader,
		status:     opts.Status,
		metrics:    opts.Metrics,
		appName:    opts.AppName,
		appVersion: opts.AppVersion,
		startedAt:  opts.Now(),
		now:        opts.Now,
	}
	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router builds the mux router with the middleware stack applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(timeoutMiddleware)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/quotes", s.handleQuotes).Methods(http.MethodGet)
	v1.HandleFunc("/quote/{symbol}", s.handleQuote).Methods(http.MethodGet)
	v1.HandleFunc("/assets/{type}", s.handleAssets).Methods(http.MethodGet)
	v1.HandleFunc("/news/general", s.handleGeneralNews).Methods(http.MethodGet)
	v1.HandleFunc("/news/{symbol}", s.handleSymbolNews).Methods(http.MethodGet)
	v1.HandleFunc("/symbols/active", s.handleActiveSymbols).Methods(http.MethodGet)
	v1.HandleFunc("/providers/status", s.handleProviderStatus).Methods(http.MethodGet)
	v1.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type contextKey string

const requestIDKey contextKey = "request_id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		id, _ := r.Context().Value(requestIDKey).(string)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(started)).
			Str("request_id", id).
			Msg("request")
	})
}

func timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
