package prediction

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/rca"
	"github.com/c360/triage/types"
)

var _ rca.Predictor = (*Client)(nil)

func event() *types.FailureEvent {
	return &types.FailureEvent{RunID: "run-1", TestClass: "A", TestMethod: "b", Status: types.StatusFailed}
}

func serve(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/", ReadTimeout: 200 * time.Millisecond}, nil)
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestPredict_OK(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var ev types.FailureEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		assert.Equal(t, "run-1", ev.RunID)
		_ = json.NewEncoder(w).Encode(types.Diagnosis{AnalysisType: "Flaky Network", Confidence: 0.66})
	})

	d, err := c.Predict(context.Background(), event())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "Flaky Network", d.AnalysisType)
}

func TestPredict_TLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(types.Diagnosis{AnalysisType: "Flaky Network", Confidence: 0.66})
	}))
	t.Cleanup(srv.Close)

	plain, err := NewClient(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	_, err = plain.Predict(context.Background(), event())
	assert.Error(t, err, "self-signed server must not be trusted by default")

	trusted := srv.Client().Transport.(*http.Transport).TLSClientConfig
	c, err := NewClient(Config{BaseURL: srv.URL, TLS: trusted}, nil)
	require.NoError(t, err)
	d, err := c.Predict(context.Background(), event())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "Flaky Network", d.AnalysisType)
}

func TestPredict_NoOpinion(t *testing.T) {
	for _, code := range []int{http.StatusNoContent, http.StatusNotFound} {
		c := serve(t, func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(code) })
		d, err := c.Predict(context.Background(), event())
		assert.NoError(t, err)
		assert.Nil(t, d)
	}
}

func TestPredict_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) }},
		{"bad json", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("{")) }},
		{"empty diagnosis", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("{}")) }},
		{"slow", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := serve(t, tt.handler).Predict(context.Background(), event())
			assert.Error(t, err)
			assert.Nil(t, d)
		})
	}
}

func TestPredictionRule_FallsThroughOnServiceFailure(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) })
	e := rca.NewEngine(append(rca.DefaultRules(), rca.NewPredictionRule(1, c, nil)))

	ev := event()
	ev.ExceptionType = "TimeoutException"
	got := e.Analyze(context.Background(), ev)
	assert.Equal(t, "Timeout", got[0].AnalysisType)
}
