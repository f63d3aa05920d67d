package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knoguchi/syllabus/internal/search"
	"github.com/knoguchi/syllabus/internal/service"
)

const (
	// maxBodyBytes bounds a search request body.
	maxBodyBytes = 1 << 20

	// unmatchedRoute labels requests that match no registered route.
	unmatchedRoute = "unmatched"
)

var (
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syllabus_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syllabus_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// errNotReady is returned while the corpus is still loading.
var errNotReady = errors.New("corpus is not loaded yet")

// errBadRequest marks request bodies that cannot be decoded.
var errBadRequest = errors.New("malformed request")

// Searcher answers search queries.
type Searcher interface {
	Search(ctx context.Context, q service.Query) (*service.Result, error)
}

// Backend holds the searcher once the corpus is loaded. It is shared by the
// HTTP and gRPC servers.
type Backend struct {
	searcher atomic.Pointer[searcherHolder]
	timeout  time.Duration
}

type searcherHolder struct {
	Searcher
}

// NewBackend creates a backend that is not ready until SetSearcher is
// called. timeout bounds each query; zero means no bound.
func NewBackend(timeout time.Duration) *Backend {
	return &Backend{timeout: timeout}
}

// SetSearcher installs s and marks the backend ready.
func (b *Backend) SetSearcher(s Searcher) {
	b.searcher.Store(&searcherHolder{Searcher: s})
}

// Ready reports whether queries can be served.
func (b *Backend) Ready() bool {
	return b.searcher.Load() != nil
}

// Search runs q under the configured timeout.
func (b *Backend) Search(ctx context.Context, q service.Query) (*service.Result, error) {
	h := b.searcher.Load()
	if h == nil {
		return nil, errNotReady
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	return h.Search(ctx, q)
}

// searchRequest is the wire form shared by HTTP and gRPC.
type searchRequest struct {
	Text           string          `json:"text"`
	MetadataFilter json.RawMessage `json:"metadata_filter,omitempty"`
	TopK           *int            `json:"top_k,omitempty"`
}

// decodeSearchRequest parses a JSON search request. An explicit top_k must
// be positive; an absent one uses the service default.
func decodeSearchRequest(data []byte) (service.Query, error) {
	var req searchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return service.Query{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}

	q := service.Query{Text: req.Text}
	if req.TopK != nil {
		if *req.TopK <= 0 {
			return service.Query{}, fmt.Errorf("%w: %d", search.ErrInvalidTopK, *req.TopK)
		}
		q.TopK = *req.TopK
	}
	if len(req.MetadataFilter) > 0 {
		if err := json.Unmarshal(req.MetadataFilter, &q.Filter); err != nil {
			return service.Query{}, err
		}
	}
	return q, nil
}

func isInputError(err error) bool {
	return errors.Is(err, errBadRequest) || service.IsInputError(err)
}

// HTTPServer serves the search API with chi.
type HTTPServer struct {
	server  *http.Server
	router  *chi.Mux
	backend *Backend
	logger  *slog.Logger
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins
}

// NewHTTPServer creates the HTTP server.
func NewHTTPServer(cfg HTTPServerConfig, backend *Backend) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	s := &HTTPServer{
		router:  router,
		backend: backend,
		logger:  logger,
	}

	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", readinessCheckHandler(backend))
	router.Handle("/metrics", promhttp.Handler())
	router.Post("/api/search", s.handleSearch)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // LLM reranking can be slow
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	q, err := decodeSearchRequest(data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.backend.Search(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error     string   `json:"error"`
	Trace     []string `json:"trace"`
	RequestID string   `json:"request_id"`
}

func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case isInputError(err):
		code = http.StatusBadRequest
	case errors.Is(err, errNotReady):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}

	reqID := middleware.GetReqID(r.Context())
	if code >= http.StatusInternalServerError {
		s.logger.Error("search failed", "error", err, "request_id", reqID)
	}

	writeJSON(w, code, errorResponse{
		Error:     err.Error(),
		Trace:     errorTrace(err),
		RequestID: reqID,
	})
}

// errorTrace lists the messages of err's wrap chain, outermost first.
func errorTrace(err error) []string {
	var trace []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		trace = append(trace, fmt.Sprintf("%T: %s", e, e.Error()))
	}
	return trace
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// requestLoggingMiddleware logs HTTP requests and records request metrics
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)

			route := routeLabel(r)
			httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
			httpDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", duration,
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
// routeLabel is the metric label for r: the matched chi pattern, so request
// paths never become label values.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return unmatchedRoute
}

func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// readinessCheckHandler reports ready once the corpus is loaded.
func readinessCheckHandler(backend *Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !backend.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
