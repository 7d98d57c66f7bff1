package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/yangwenmai/fmucheck/internal/model"
)

// multipartOverhead is the allowance for multipart headers and boundaries
// on top of the artifact size limit.
const multipartOverhead int64 = 64 << 10

// Service is the dispatch boundary the handlers call. dispatch.Dispatcher
// implements it.
type Service interface {
	Submit(ctx context.Context, filename string, data []byte) (model.Digest, error)
	Poll(ctx context.Context, d model.Digest) (model.PollOutcome, error)
	Submission(ctx context.Context, d model.Digest) (*model.Submission, error)
	Submissions(ctx context.Context, limit int) ([]model.Submission, error)
	MaxUploadBytes() int64
}

// Options configures the HTTP surface.
type Options struct {
	// PollInterval is advertised to clients as poll_interval_ms.
	PollInterval time.Duration
	CORSOrigin   string
	// UploadRate and UploadBurst limit submissions; a rate of 0 disables it.
	UploadRate  float64
	UploadBurst int
	// Metrics, when set, is served on /metrics.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	svc     Service
	opts    Options
	limiter *rate.Limiter
	router  chi.Router
	logger  *slog.Logger
}

// New creates a new API server.
func New(svc Service, opts Options) *Server {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	srv := &Server{svc: svc, opts: opts, logger: opts.Logger}
	if opts.UploadRate > 0 {
		burst := opts.UploadBurst
		if burst < 1 {
			burst = 1
		}
		srv.limiter = rate.NewLimiter(rate.Limit(opts.UploadRate), burst)
	}
	srv.routes()
	return srv
}

// Handler returns the root http.Handler with tracing applied.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "fmucheck")
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContent)
		r.With(s.rateLimit, s.limitBody).Post("/submissions", s.handleSubmit)
		r.Get("/submissions", s.handleListSubmissions)
		r.Get("/submissions/{digest}", s.handlePoll)
	})
	s.router = r
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// cors sets CORS headers for the configured origin.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.opts.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody restricts the request body to the upload limit.
func (s *Server) limitBody(next http.Handler) http.Handler {
	limit := s.svc.MaxUploadBytes() + multipartOverhead
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(1))
			writeError(w, http.StatusTooManyRequests, "too many submissions, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func jsonContent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorInfo{Error: msg})
}
