package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/health"
	"github.com/c360/triage/ingest"
	"github.com/c360/triage/pkg/worker"
	"github.com/c360/triage/types"
)

// Config tunes the gateway.
type Config struct {
	Port           int
	MaxRequestSize int64
	// RateLimit caps event submissions per second. Zero disables it.
	RateLimit   float64
	Burst       int
	EnableCORS  bool
	CORSOrigins []string
	// TLS switches the listener to HTTPS when set.
	TLS *tls.Config
}

// DefaultConfig listens on 8080 and accepts up to 1MB bodies.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		MaxRequestSize: 1 << 20,
		RateLimit:      200,
		Burst:          400,
	}
}

// Ingester accepts raw event payloads.
type Ingester interface {
	SubmitJSON(ctx context.Context, data []byte) (ingest.Receipt, error)
}

// RunReader loads runs and their configurations.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*types.RunRecord, error)
	GetConfig(ctx context.Context, id string) (*types.RunConfiguration, error)
}

// StatsReader answers statistics queries.
type StatsReader interface {
	Query(ctx context.Context) (*types.StatisticsSnapshot, error)
}

// FeedbackRecorder records and lists verdicts.
type FeedbackRecorder interface {
	Submit(ctx context.Context, diagnosisID string, in types.FeedbackInput) (*types.Feedback, error)
	History(ctx context.Context, diagnosisID string) ([]types.Feedback, error)
}

// Dependencies are the services behind the routes. Stream and Checks are optional.
type Dependencies struct {
	Ingest   Ingester
	Runs     RunReader
	Stats    StatsReader
	Feedback FeedbackRecorder
	Stream   http.Handler
	Checks   []health.Check
	Logger   *slog.Logger
}

// RequestStats counts requests since start.
type RequestStats struct {
	Total       uint64 `json:"total"`
	Failed      uint64 `json:"failed"`
	RateLimited uint64 `json:"rateLimited"`
}

// Gateway serves the REST API.
type Gateway struct {
	cfg     Config
	deps    Dependencies
	limiter *rate.Limiter
	health  *health.Monitor
	logger  *slog.Logger

	mu      sync.Mutex
	server  *http.Server
	stopped bool

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
	rateLimited    atomic.Uint64
}

// New validates deps and returns a gateway.
func New(cfg Config, deps Dependencies) (*Gateway, error) {
	switch {
	case deps.Ingest == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "New", "ingest service is required")
	case deps.Runs == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "New", "run reader is required")
	case deps.Stats == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "New", "stats reader is required")
	case deps.Feedback == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "New", "feedback service is required")
	case cfg.RateLimit < 0:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "New", "rate limit must not be negative")
	}
	def := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = def.MaxRequestSize
	}

	g := &Gateway{cfg: cfg, deps: deps, health: health.NewMonitor(), logger: deps.Logger}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = max(1, int(cfg.RateLimit))
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g, nil
}

// Stats returns request counters.
func (g *Gateway) Stats() RequestStats {
	return RequestStats{
		Total:       g.requestsTotal.Load(),
		Failed:      g.requestsFailed.Load(),
		RateLimited: g.rateLimited.Load(),
	}
}

// Handler returns the routed handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/events", g.handleSubmitEvent)
	mux.HandleFunc("GET /api/v1/events/schema", g.handleSchema)
	mux.HandleFunc("GET /api/v1/runs/{id}", g.handleGetRun)
	mux.HandleFunc("GET /api/v1/stats", g.handleStats)
	mux.HandleFunc("POST /api/v1/diagnoses/{id}/feedback", g.handleSubmitFeedback)
	mux.HandleFunc("GET /api/v1/diagnoses/{id}/feedback", g.handleListFeedback)
	mux.HandleFunc("GET /health", g.handleHealth)
	if g.deps.Stream != nil {
		mux.Handle("GET /ws", g.deps.Stream)
	}
	return g.middleware(mux)
}

// Start serves until Stop is called. It blocks.
func (g *Gateway) Start() error {
	g.mu.Lock()
	if g.server != nil {
		g.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Gateway", "Start", "start gateway")
	}
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", g.cfg.Port),
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         g.cfg.TLS,
	}
	g.server = srv
	g.mu.Unlock()

	g.logger.Info("Gateway listening", "port", g.cfg.Port, "tls", g.cfg.TLS != nil)
	var err error
	if g.cfg.TLS != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "Gateway", "Start", fmt.Sprintf("listen on port %d", g.cfg.Port))
	}
	return nil
}

// Stop gracefully shuts the server down. WebSocket clients are hijacked
// connections and are closed through the fanout hub instead.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stopped = true
	if g.server == nil {
		return nil
	}
	err := g.server.Shutdown(ctx)
	g.server = nil
	if err != nil {
		return errors.WrapTransient(err, "Gateway", "Stop", "shutdown gateway")
	}
	return nil
}

// getOrGenerateRequestID extracts request ID from headers or generates a new one
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" && len(reqID) <= 128 {
		return reqID
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (g *Gateway) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", reqID)
		g.requestsTotal.Add(1)

		if g.cfg.EnableCORS {
			g.applyCORS(w, r)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID)))
	})
}

// applyCORS applies CORS headers to the response
func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	for _, allowed := range g.cfg.CORSOrigins {
		if allowed != "*" && allowed != origin {
			continue
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")
		return
	}
}

func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, g.cfg.MaxRequestSize+1))
	if err != nil {
		g.writeError(w, r, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if int64(len(body)) > g.cfg.MaxRequestSize {
		g.writeError(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", g.cfg.MaxRequestSize))
		return nil, false
	}
	return body, true
}

func (g *Gateway) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	if g.limiter != nil && !g.limiter.Allow() {
		g.rateLimited.Add(1)
		w.Header().Set("Retry-After", "1")
		g.writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	body, ok := g.readBody(w, r)
	if !ok {
		return
	}

	receipt, err := g.deps.Ingest.SubmitJSON(ingest.WithSource(r.Context(), "http"), body)
	if err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
			g.writeError(w, r, http.StatusTooManyRequests, "pipeline queue is full")
			return
		}
		g.writeClassified(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/runs/"+receipt.RunID)
	g.writeJSON(w, http.StatusAccepted, receipt)
}

func (g *Gateway) handleSchema(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ingest.EventSchema())
}

func (g *Gateway) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := g.deps.Runs.GetRun(r.Context(), id)
	if err != nil {
		g.writeClassified(w, r, err)
		return
	}
	detail := types.RunDetail{Run: run}
	if cfg, err := g.deps.Runs.GetConfig(r.Context(), run.ConfigurationID); err == nil {
		detail.Configuration = cfg
	} else {
		g.logger.Warn("Run configuration unavailable", "run_id", id,
			"configuration_id", run.ConfigurationID, "request_id", requestID(r.Context()), "error", err)
	}
	g.writeJSON(w, http.StatusOK, detail)
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := g.deps.Stats.Query(r.Context())
	if err != nil {
		g.writeClassified(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	body, ok := g.readBody(w, r)
	if !ok {
		return
	}
	var in types.FeedbackInput
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		g.writeError(w, r, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	fb, err := g.deps.Feedback.Submit(r.Context(), r.PathValue("id"), in)
	if err != nil {
		g.writeClassified(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, fb)
}

func (g *Gateway) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	history, err := g.deps.Feedback.History(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeClassified(w, r, err)
		return
	}
	if history == nil {
		history = []types.Feedback{}
	}
	g.writeJSON(w, http.StatusOK, history)
}

// handleHealth answers 503 only when a dependency is unhealthy; a degraded
// service still accepts traffic.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := g.health.Run(ctx, "triage", g.deps.Checks)
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	g.writeJSON(w, code, status)
}

// mapErrorToHTTPStatus maps classified errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrShuttingDown), errors.Is(err, errors.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.IsFatal(err):
		return http.StatusInternalServerError
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// sanitizeError returns a safe error message for external clients
func sanitizeError(err error) string {
	switch mapErrorToHTTPStatus(err) {
	case http.StatusNotFound:
		return "resource not found"
	case http.StatusBadRequest:
		return "invalid request: " + err.Error()
	case http.StatusGatewayTimeout:
		return "request timeout"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	}
	return "internal server error"
}

func (g *Gateway) writeClassified(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", requestID(r.Context()), "status", status, "error", err)
	}
	g.writeError(w, r, status, sanitizeError(err))
}

// writeError writes an error response
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	g.requestsFailed.Add(1)
	g.writeJSON(w, status, map[string]any{
		"error":     message,
		"status":    status,
		"requestId": requestID(r.Context()),
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("Failed to encode response", "error", err)
		status = http.StatusInternalServerError
		data = []byte(`{"error":"internal server error","status":500}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
