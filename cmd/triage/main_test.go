package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/triage/config"
	"github.com/c360/triage/natsclient"
	"github.com/c360/triage/rca"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "triage.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "triage version "+Version)
}

func TestValidateCommand_ShippedConfig(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	root := filepath.Join(wd, "..", "..")
	t.Chdir(root)

	out, err := execute(t, "validate", "-c", "configs/triage.json")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid (storage=sqlite, nats=false)")
	assert.Contains(t, out, rca.RuleFailedStep)
	assert.Contains(t, out, "db-connection")
	assert.NotContains(t, out, "slow-staging")

	out, err = execute(t, "validate", "-c", "configs/triage.json", "-c", "configs/nats.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "storage=nats, nats=true")
}

func TestValidateCommand_Errors(t *testing.T) {
	bad := writeConfig(t, `{"storage": {"backend": "postgres"}}`)
	_, err := execute(t, "validate", "-c", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.backend")

	rules := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte("rules:\n  - name: x\n    type: nope\n"), 0o600))
	withRules := writeConfig(t, fmt.Sprintf(`{"rca": {"rules_file": %q}}`, rules))
	_, err = execute(t, "validate", "-c", withRules)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule")
}

func TestValidateCommand_SingleFileIgnoresLayers(t *testing.T) {
	bad := writeConfig(t, `{"storage": {"backend": "postgres"}}`)
	good := writeConfig(t, `{"storage": {"backend": "memory"}}`)

	out, err := execute(t, "validate", "-c", bad, good)
	require.NoError(t, err)
	assert.Contains(t, out, "storage=memory, nats=false")

	_, err = execute(t, "validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.backend")

	_, err = execute(t, "validate", good, bad)
	assert.Error(t, err)
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	path := writeConfig(t, `{"service": {"log_level": "warn"}}`)

	cfg, err := loadConfig(&CLIConfig{ConfigPaths: []string{path}, LogFormat: "text"})
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Service.LogLevel)
	assert.Equal(t, "text", cfg.Service.LogFormat)

	cfg, err = loadConfig(&CLIConfig{ConfigPaths: []string{path}, Debug: true})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Service.LogLevel)

	_, err = loadConfig(&CLIConfig{ConfigPaths: []string{path}, LogLevel: "chatty"})
	assert.Error(t, err)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"service":"triage"`)
	assert.Contains(t, out, `"msg":"shown"`)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Storage.Backend = config.BackendSQLite
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "triage.db")
	cfg.RCA.FailedStep.Enabled = true
	cfg.HTTP.Port = freePort(t)
	cfg.Metrics.Enabled = false
	cfg.Pipeline.Workers = 2
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildApp_ProcessesEvents(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := buildApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer a.close(context.Background())
	require.NoError(t, a.orch.Start(context.Background()))
	defer func() { _ = a.orch.Stop(time.Second) }()

	srv := httptest.NewServer(a.gateway.Handler())
	defer srv.Close()

	event := `{"runId":"r-1","testClass":"LoginTest","testMethod":"testLogin","status":"FAILED",
		"exceptionType":"StaleElementReferenceException","failedStep":{"index":2,"action":"click","confidence":0.9}}`
	resp, err := http.Post(srv.URL+"/api/v1/events", "application/json", strings.NewReader(event))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		run, err := a.store.GetRun(context.Background(), "r-1")
		return err == nil && run.PrimaryDiagnosis().RuleName == rca.RuleFailedStep
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = freePort(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := buildApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer a.close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.HTTP.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestOpenStore_NATSWithoutConnection(t *testing.T) {
	cfg := config.Defaults()
	cfg.Storage.Backend = config.BackendNATS
	_, err := openStore(context.Background(), cfg, nil, slog.Default())
	assert.Error(t, err)
}

func TestNATSHealth_ReportsCircuitBackoff(t *testing.T) {
	nc, err := natsclient.NewClient("nats://127.0.0.1:1",
		natsclient.WithCircuitBreakerThreshold(1),
		natsclient.WithTimeout(50*time.Millisecond),
		natsclient.WithMaxBackoff(time.Minute),
	)
	require.NoError(t, err)

	st := natsHealth(nc)
	assert.True(t, st.IsUnhealthy())
	assert.Contains(t, st.Message, "connection disconnected")

	require.Error(t, nc.Connect(context.Background()))
	st = natsHealth(nc)
	assert.True(t, st.IsUnhealthy())
	assert.Contains(t, st.Message, "circuit open, next backoff 2s")
}
