package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/fanout"
	"github.com/c360/triage/feedback"
	"github.com/c360/triage/health"
	"github.com/c360/triage/ingest"
	"github.com/c360/triage/pipeline"
	"github.com/c360/triage/pkg/worker"
	"github.com/c360/triage/rca"
	"github.com/c360/triage/runconfig"
	"github.com/c360/triage/stats"
	"github.com/c360/triage/storage/memory"
	"github.com/c360/triage/types"
)

type stack struct {
	server *httptest.Server
	gw     *Gateway
	store  *memory.Store
	hub    *fanout.Hub
}

func newStack(t *testing.T, cfg Config, mutate func(*Dependencies)) *stack {
	t.Helper()
	store := memory.New()
	resolver, err := runconfig.NewResolver(store)
	require.NoError(t, err)
	hub := fanout.NewHub()
	agg := stats.NewAggregator(store)

	orch, err := pipeline.New(pipeline.Dependencies{
		Resolver:  resolver,
		Analyzer:  rca.NewEngine(rca.DefaultRules()),
		Runs:      store,
		Publisher: hub,
		Stats:     agg,
	}, pipeline.Config{Workers: 2, QueueSize: 16})
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))

	svc, err := ingest.NewService(orch)
	require.NoError(t, err)

	ws := fanout.NewWebSocketHandler(hub, fanout.DefaultWebSocketConfig(), nil)
	deps := Dependencies{
		Ingest:   svc,
		Runs:     store,
		Stats:    agg,
		Feedback: feedback.NewService(store, nil),
		Stream:   ws,
	}
	if mutate != nil {
		mutate(&deps)
	}
	gw, err := New(cfg, deps)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		ws.Wait()
		_ = orch.Stop(time.Second)
	})
	return &stack{server: srv, gw: gw, store: store, hub: hub}
}

func (s *stack) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(data) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp, out
}

func (s *stack) waitForRun(t *testing.T, runID string) *types.RunRecord {
	t.Helper()
	var run *types.RunRecord
	require.Eventually(t, func() bool {
		r, err := s.store.GetRun(context.Background(), runID)
		run = r
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return run
}

const timeoutEvent = `{"runId":"run-1","testClass":"CheckoutTest","testMethod":"testPay","status":"FAILED",
	"exceptionType":"java.util.concurrent.TimeoutException","appVersion":"1.2.0","testSuite":"smoke",
	"environment":{"name":"qa"}}`

func TestNew_Validation(t *testing.T) {
	_, err := New(DefaultConfig(), Dependencies{})
	assert.True(t, errors.IsInvalid(err))
}

func TestSubmitEvent_EndToEnd(t *testing.T) {
	s := newStack(t, DefaultConfig(), nil)

	resp, body := s.do(t, http.MethodPost, "/api/v1/events", timeoutEvent)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "run-1", body["runId"])
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "/api/v1/runs/run-1", resp.Header.Get("Location"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	s.waitForRun(t, "run-1")

	resp, body = s.do(t, http.MethodGet, "/api/v1/runs/run-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := body["run"].(map[string]any)
	diag := run["diagnoses"].([]any)[0].(map[string]any)
	assert.Equal(t, "Timeout", diag["analysisType"])
	assert.InDelta(t, 0.85, diag["confidence"], 1e-9)
	cfg := body["configuration"].(map[string]any)
	assert.Equal(t, "1.2.0", cfg["appVersion"])

	resp, body = s.do(t, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["totalRuns"])
	assert.EqualValues(t, 1, body["failed"])
}

func TestSubmitEvent_Invalid(t *testing.T) {
	s := newStack(t, DefaultConfig(), nil)

	resp, body := s.do(t, http.MethodPost, "/api/v1/events", `{"testClass":"A","testMethod":"m","status":"BROKEN"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid request")
	assert.Equal(t, resp.Header.Get("X-Request-ID"), body["requestId"])

	resp, _ = s.do(t, http.MethodPost, "/api/v1/events", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitEvent_TooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequestSize = 64
	s := newStack(t, cfg, nil)

	resp, _ := s.do(t, http.MethodPost, "/api/v1/events", timeoutEvent)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestSubmitEvent_RateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 0.001
	cfg.Burst = 1
	s := newStack(t, cfg, nil)

	resp, _ := s.do(t, http.MethodPost, "/api/v1/events", timeoutEvent)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/events", timeoutEvent)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, uint64(1), s.gw.Stats().RateLimited)
}

type stubIngester struct{ err error }

func (s stubIngester) SubmitJSON(context.Context, []byte) (ingest.Receipt, error) {
	return ingest.Receipt{}, s.err
}

func TestSubmitEvent_PipelineErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"queue full", errors.WrapTransient(worker.ErrQueueFull, "Orchestrator", "Process", "enqueue"), http.StatusTooManyRequests},
		{"shutting down", errors.WrapFatal(errors.ErrShuttingDown, "Orchestrator", "Process", "enqueue"), http.StatusServiceUnavailable},
		{"not started", errors.WrapFatal(errors.ErrNotStarted, "Orchestrator", "Process", "enqueue"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStack(t, DefaultConfig(), func(d *Dependencies) { d.Ingest = stubIngester{err: tt.err} })
			resp, body := s.do(t, http.MethodPost, "/api/v1/events", timeoutEvent)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotContains(t, body["error"], "Orchestrator")
		})
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := newStack(t, DefaultConfig(), nil)
	resp, body := s.do(t, http.MethodGet, "/api/v1/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "resource not found", body["error"])
}

func TestFeedback(t *testing.T) {
	s := newStack(t, DefaultConfig(), nil)

	resp, _ := s.do(t, http.MethodPost, "/api/v1/events", timeoutEvent)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := s.waitForRun(t, "run-1")
	diagID := run.Diagnoses[0].ID

	resp, body := s.do(t, http.MethodPost, "/api/v1/diagnoses/"+diagID+"/feedback",
		`{"correct": false, "reason": "backend deploy in progress"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, diagID, body["diagnosisId"])

	stored, err := s.store.GetDiagnosis(context.Background(), diagID)
	require.NoError(t, err)
	require.NotNil(t, stored.UserConfirmed)
	assert.False(t, *stored.UserConfirmed)

	list, err := http.Get(s.server.URL + "/api/v1/diagnoses/" + diagID + "/feedback")
	require.NoError(t, err)
	defer list.Body.Close()
	var history []types.Feedback
	require.NoError(t, json.NewDecoder(list.Body).Decode(&history))
	require.Len(t, history, 1)
	assert.Equal(t, "backend deploy in progress", history[0].Reason)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/diagnoses/unknown/feedback", `{"correct": true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/diagnoses/"+diagID+"/feedback", `{"correct": "yes"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/diagnoses/"+diagID+"/feedback", `{"verdict": true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	var natsUp, queueFull atomic.Bool
	natsUp.Store(true)
	s := newStack(t, DefaultConfig(), func(d *Dependencies) {
		d.Checks = []health.Check{
			{Name: "pipeline", Probe: func(context.Context) health.Status {
				if queueFull.Load() {
					return health.NewDegraded("pipeline", "queue full")
				}
				return health.NewHealthy("pipeline", "ok")
			}},
			{Name: "nats", Probe: func(context.Context) health.Status {
				if natsUp.Load() {
					return health.FromError("nats", nil)
				}
				return health.FromError("nats", errors.ErrNoConnection)
			}},
		}
	})

	resp, body := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	queueFull.Store(true)
	resp, body = s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])

	natsUp.Store(false)
	resp, body = s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", body["status"])
	subs := body["sub_statuses"].([]any)
	require.Len(t, subs, 2)
	assert.Equal(t, errors.ErrNoConnection.Error(), subs[1].(map[string]any)["message"])
}

func TestSchemaRoute(t *testing.T) {
	s := newStack(t, DefaultConfig(), nil)
	resp, body := s.do(t, http.MethodGet, "/api/v1/events/schema", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "FailureEvent", body["title"])
}

func TestMethodNotAllowed(t *testing.T) {
	s := newStack(t, DefaultConfig(), nil)
	resp, _ := s.do(t, http.MethodDelete, "/api/v1/runs/run-1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableCORS = true
	cfg.CORSOrigins = []string{"https://dash.example.com"}
	s := newStack(t, cfg, nil)

	req, err := http.NewRequest(http.MethodOptions, s.server.URL+"/api/v1/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dash.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://dash.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRequestIDPropagated(t *testing.T) {
	s := newStack(t, DefaultConfig(), nil)
	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/api/v1/stats", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc123", resp.Header.Get("X-Request-ID"))
}

func TestWebSocketStream(t *testing.T) {
	s := newStack(t, DefaultConfig(), nil)

	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.Subscribers(fanout.TopicRunsCompleted) == 1 },
		time.Second, 10*time.Millisecond)

	resp, _ := s.do(t, http.MethodPost, "/api/v1/events", timeoutEvent)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env fanout.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "data", env.Type)

	var detail types.RunDetail
	require.NoError(t, json.Unmarshal(env.Payload, &detail))
	assert.Equal(t, "run-1", detail.Run.RunID)
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, mapErrorToHTTPStatus(errors.ErrKeyNotFound))
	assert.Equal(t, http.StatusBadRequest, mapErrorToHTTPStatus(errors.WrapInvalid(errors.ErrInvalidEvent, "a", "b", "c")))
	assert.Equal(t, http.StatusGatewayTimeout, mapErrorToHTTPStatus(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, mapErrorToHTTPStatus(errors.WrapFatal(errors.ErrStorageInconsistent, "a", "b", "c")))
	assert.Equal(t, http.StatusServiceUnavailable, mapErrorToHTTPStatus(errors.ErrStorageUnavailable))
	assert.Equal(t, http.StatusInternalServerError, mapErrorToHTTPStatus(nil))
}
