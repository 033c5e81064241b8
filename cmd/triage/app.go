package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/triage/config"
	"github.com/c360/triage/errors"
	"github.com/c360/triage/fanout"
	"github.com/c360/triage/feedback"
	"github.com/c360/triage/gateway"
	"github.com/c360/triage/health"
	"github.com/c360/triage/ingest"
	"github.com/c360/triage/metric"
	"github.com/c360/triage/natsclient"
	"github.com/c360/triage/notify"
	"github.com/c360/triage/pipeline"
	"github.com/c360/triage/pkg/tlsutil"
	"github.com/c360/triage/prediction"
	"github.com/c360/triage/rca"
	"github.com/c360/triage/runconfig"
	"github.com/c360/triage/stats"
	"github.com/c360/triage/storage"
	"github.com/c360/triage/storage/kvstore"
	"github.com/c360/triage/storage/memory"
	"github.com/c360/triage/storage/sqlstore"
)

// app is the fully wired service.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *metric.MetricsRegistry
	nats     *natsclient.Client // nil unless nats.enabled
	store    storage.Store
	resolver *runconfig.Resolver

	hub      *fanout.Hub
	bridge   *fanout.NATSBridge
	orch     *pipeline.Orchestrator
	ingest   *ingest.Service
	consumer *ingest.NATSConsumer
	stream   *fanout.WebSocketHandler
	gateway  *gateway.Gateway
	metrics  *metric.Server

	started time.Time
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, registry: metric.NewMetricsRegistry()}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if cfg.NATS.Enabled {
		if a.nats, err = connectNATS(ctx, cfg, a.registry, logger); err != nil {
			return nil, err
		}
	}
	if a.store, err = openStore(ctx, cfg, a.nats, logger); err != nil {
		return nil, err
	}

	if a.resolver, err = runconfig.NewResolver(a.store,
		runconfig.WithLogger(logger), runconfig.WithMetrics(a.registry)); err != nil {
		return nil, err
	}
	rules, err := buildRules(cfg, logger)
	if err != nil {
		return nil, err
	}
	engine := rca.NewEngine(rules, rca.WithLogger(logger), rca.WithMetrics(a.registry))

	loc, err := cfg.Location()
	if err != nil {
		return nil, errors.WrapInvalid(err, "app", "buildApp", "load stats timezone")
	}
	agg := stats.NewAggregator(a.store,
		stats.WithLocation(loc),
		stats.WithTrendDays(cfg.Stats.TrendDays),
		stats.WithLogger(logger),
		stats.WithMetrics(a.registry))

	a.hub = fanout.NewHub(fanout.WithLogger(logger), fanout.WithMetrics(a.registry))
	var publisher fanout.Publisher = a.hub
	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if a.nats != nil {
		a.bridge = fanout.NewNATSBridge(a.nats, a.hub, logger)
		publisher = a.bridge
		notifier = notify.Multi{notifier, notify.NewNATSNotifier(a.nats, cfg.NATS.NotifySubject)}
	}

	workers := cfg.Pipeline.Workers
	if workers == 0 {
		workers = pipeline.DefaultWorkers()
	}
	a.orch, err = pipeline.New(pipeline.Dependencies{
		Resolver:  a.resolver,
		Analyzer:  engine,
		Runs:      a.store,
		Publisher: publisher,
		Notifier:  notifier,
		Stats:     agg,
		Logger:    logger,
		Metrics:   a.registry,
	}, pipeline.Config{Workers: workers, QueueSize: cfg.Pipeline.QueueSize})
	if err != nil {
		return nil, err
	}

	a.ingest, err = ingest.NewService(a.orch, ingest.WithLogger(logger), ingest.WithMetrics(a.registry))
	if err != nil {
		return nil, err
	}
	if a.nats != nil {
		a.consumer = ingest.NewNATSConsumer(a.nats, a.ingest, cfg.NATS.IngestSubject, logger)
	}

	wsCfg := fanout.DefaultWebSocketConfig()
	wsCfg.Buffer = cfg.Fanout.SubscriberBuffer
	if cfg.Fanout.PingInterval > 0 {
		wsCfg.PingInterval = cfg.Fanout.PingInterval
		wsCfg.PongWait = 2 * cfg.Fanout.PingInterval
	}
	a.stream = fanout.NewWebSocketHandler(a.hub, wsCfg, logger)

	serverTLS, err := tlsutil.LoadServerConfig(cfg.HTTP.TLS)
	if err != nil {
		return nil, err
	}
	a.gateway, err = gateway.New(gateway.Config{
		Port:      cfg.HTTP.Port,
		RateLimit: cfg.HTTP.RateLimit,
		Burst:     cfg.HTTP.Burst,
		TLS:       serverTLS,
	}, gateway.Dependencies{
		Ingest:   a.ingest,
		Runs:     a.store,
		Stats:    agg,
		Feedback: feedback.NewService(a.store, logger),
		Stream:   a.stream,
		Checks:   a.healthChecks(),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		a.metrics = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, a.registry)
	}
	return a, nil
}

func connectNATS(ctx context.Context, cfg *config.Config, reg *metric.MetricsRegistry, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(reg),
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(cfg.NATS.Timeout))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(cfg.NATS.DrainTimeout))
	}
	if cfg.NATS.CircuitBreakerThreshold > 0 {
		opts = append(opts, natsclient.WithCircuitBreakerThreshold(cfg.NATS.CircuitBreakerThreshold))
	}
	if cfg.NATS.MaxBackoff > 0 {
		opts = append(opts, natsclient.WithMaxBackoff(cfg.NATS.MaxBackoff))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS")
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

func openStore(ctx context.Context, cfg *config.Config, nc *natsclient.Client, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return sqlstore.Open(ctx, cfg.Storage.SQLitePath, logger)
	case config.BackendNATS:
		if nc == nil {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "app", "openStore", "nats storage requires a NATS connection")
		}
		return kvstore.Open(ctx, nc, kvstore.Options{
			ConfigBucket: cfg.Storage.ConfigBucket,
			RunBucket:    cfg.Storage.RunBucket,
			Replicas:     cfg.Storage.Replicas,
			OpTimeout:    cfg.Storage.KVTimeout,
			MaxRetries:   cfg.Storage.KVMaxRetries,
		}, logger)
	default:
		logger.Warn("Using in-memory storage, runs are lost on restart")
		return memory.New(), nil
	}
}

// buildRules assembles the rule chain from configuration.
func buildRules(cfg *config.Config, logger *slog.Logger) ([]rca.Rule, error) {
	opts := rca.Options{
		FailedStepEnabled:  cfg.RCA.FailedStep.Enabled,
		FailedStepPriority: cfg.RCA.FailedStep.Priority,
		PredictionEnabled:  cfg.RCA.Prediction.Enabled,
		PredictionPriority: cfg.RCA.Prediction.Priority,
	}
	if cfg.RCA.RulesFile != "" {
		defs, err := rca.LoadRulesFile(cfg.RCA.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("load rules file: %w", err)
		}
		opts.Definitions = defs
	}

	deps := rca.RuleDependencies{Logger: logger}
	if cfg.RCA.Prediction.Enabled {
		pc := prediction.Config{
			BaseURL:        cfg.RCA.Prediction.BaseURL,
			ConnectTimeout: cfg.RCA.Prediction.ConnectTimeout,
			ReadTimeout:    cfg.RCA.Prediction.ReadTimeout,
		}
		if !cfg.RCA.Prediction.TLS.IsZero() {
			tlsCfg, err := tlsutil.LoadClientConfig(cfg.RCA.Prediction.TLS)
			if err != nil {
				return nil, err
			}
			pc.TLS = tlsCfg
		}
		client, err := prediction.NewClient(pc, logger)
		if err != nil {
			return nil, err
		}
		deps.Predictor = client
	}

	rules, err := rca.BuildRules(opts, deps)
	if err != nil {
		return nil, fmt.Errorf("build rule chain: %w", err)
	}
	return rules, nil
}

func (a *app) healthChecks() []health.Check {
	checks := []health.Check{{
		Name: "pipeline",
		Probe: func(context.Context) health.Status {
			s := a.orch.Stats()
			var st health.Status
			if s.QueueSize > 0 && s.QueueDepth >= s.QueueSize {
				st = health.NewDegraded("pipeline", fmt.Sprintf("queue full (%d/%d)", s.QueueDepth, s.QueueSize))
			} else {
				st = health.NewHealthy("pipeline", fmt.Sprintf("%d workers", s.Workers))
			}
			return st.WithMetrics(&health.Metrics{
				Uptime:            time.Since(a.started),
				ErrorCount:        s.Failed,
				MessagesProcessed: s.Processed,
				QueueDepth:        s.QueueDepth,
			})
		},
	}}
	if a.nats != nil {
		checks = append(checks, health.Check{
			Name: "nats",
			Probe: func(context.Context) health.Status { return natsHealth(a.nats) },
		})
	}
	return checks
}

func natsHealth(c *natsclient.Client) health.Status {
	switch c.Status() {
	case natsclient.StatusConnected:
		return health.NewHealthy("nats", "connected")
	case natsclient.StatusCircuitOpen:
		return health.NewUnhealthy("nats", fmt.Sprintf("circuit open, next backoff %s", c.Backoff()))
	default:
		return health.NewUnhealthy("nats", fmt.Sprintf("connection %s", c.Status()))
	}
}

// run starts every component and blocks until ctx is done or a server fails.
func (a *app) run(ctx context.Context) error {
	// The pipeline outlives the signal: shutdown drains it with Stop(grace).
	if err := a.orch.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	a.started = time.Now()
	if err := a.startNATS(ctx); err != nil {
		_ = a.shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.gateway.Start)
	if a.metrics != nil {
		g.Go(a.metrics.Start)
		a.logger.Info("Metrics available", "address", a.metrics.Address())
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")
		return a.shutdown()
	})

	a.logger.Info("Triage started", "http_port", a.cfg.HTTP.Port)
	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("Triage shutdown complete")
	return nil
}

func (a *app) startNATS(ctx context.Context) error {
	if a.bridge != nil {
		if err := a.bridge.Start(ctx, fanout.TopicRunsCompleted); err != nil {
			return fmt.Errorf("start fanout bridge: %w", err)
		}
	}
	if a.consumer != nil {
		return a.consumer.Start(ctx)
	}
	return nil
}

// shutdown stops intake first, then drains the pipeline.
func (a *app) shutdown() error {
	grace := a.cfg.Pipeline.ShutdownGrace
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.gateway.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.orch.Stop(grace); err != nil {
		errs = append(errs, err)
	}
	a.hub.Close()
	a.stream.Wait()
	if a.consumer != nil {
		a.logger.Info("NATS ingestion stopped",
			"accepted", a.consumer.Accepted(), "rejected", a.consumer.Rejected())
	}
	if st := a.resolver.CacheStats(); st != nil {
		a.logger.Info("Run configuration cache",
			"hits", st.Hits(), "misses", st.Misses(), "sets", st.Sets(),
			"evictions", st.Evictions(), "hit_ratio", st.HitRatio())
	}
	if len(errs) > 0 {
		return fmt.Errorf("graceful shutdown failed: %w", errors.Join(errs...))
	}
	return nil
}

// close releases connections. It is safe on a partially built app.
func (a *app) close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close store", "error", err)
		}
	}
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("Failed to close NATS client", "error", err)
		}
	}
}
