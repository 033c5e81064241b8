// Package prediction is the HTTP client for the optional external
// prediction service.
//
// The service receives the failure event as JSON on POST {base}/predict
// and answers 200 with a diagnosis, or 204/404 when it has nothing to say.
package prediction

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/types"
)

// Default timeouts.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 10 * time.Second
)

const maxResponseBytes = 1 << 20

// Config configures a Client.
type Config struct {
	BaseURL        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	TLS            *tls.Config
}

// Client calls the prediction service.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "prediction", "NewClient", "base url is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig:       cfg.TLS,
	}
	return &Client{
		endpoint: base + "/predict",
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		},
		logger: logger.With("component", "prediction"),
	}, nil
}

// Predict returns the service's diagnosis, or nil when it has none.
func (c *Client) Predict(ctx context.Context, ev *types.FailureEvent) (*types.Diagnosis, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.WrapInvalid(err, "prediction", "Predict", "encode event")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.WrapInvalid(err, "prediction", "Predict", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "prediction", "Predict", "call service")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return nil, nil
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, errors.WrapTransient(fmt.Errorf("unexpected status %d", resp.StatusCode),
			"prediction", "Predict", "call service")
	}

	var d types.Diagnosis
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&d); err != nil {
		return nil, errors.WrapInvalid(err, "prediction", "Predict", "decode response")
	}
	if strings.TrimSpace(d.AnalysisType) == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "prediction", "Predict", "response has no analysisType")
	}
	c.logger.Debug("prediction received", "run_id", ev.RunID, "analysis_type", d.AnalysisType, "elapsed", time.Since(start))
	return &d, nil
}
