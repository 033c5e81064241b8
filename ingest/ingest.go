// Package ingest is the synchronous acceptance boundary of the pipeline.
//
// Submit validates an event and hands it to the orchestrator. The caller
// learns right away whether the event was accepted; processing continues
// in the background and its outcome is available through the receipt's
// future. SubmitJSON additionally checks the raw payload against the
// embedded FailureEvent JSON Schema before decoding it.
package ingest

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/metric"
	"github.com/c360/triage/pkg/worker"
	"github.com/c360/triage/types"
)

//go:embed schema/failure_event.json
var eventSchema []byte

// EventSchema returns the JSON Schema accepted by SubmitJSON.
func EventSchema() []byte { return append([]byte(nil), eventSchema...) }

// Processor runs accepted events.
type Processor interface {
	Process(ev *types.FailureEvent) (*worker.Future[*types.RunRecord], error)
}

// Receipt acknowledges an accepted event.
type Receipt struct {
	RunID      string    `json:"runId"`
	Status     string    `json:"status"`
	AcceptedAt time.Time `json:"acceptedAt"`

	// Result completes when the pipeline finishes the event.
	Result *worker.Future[*types.RunRecord] `json:"-"`
}

type sourceKey struct{}

// WithSource labels submissions made with ctx, e.g. "http" or "nats".
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceOf(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok && s != "" {
		return s
	}
	return "direct"
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records received events.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(s *Service) { s.metrics = reg.Core() }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service validates and submits events.
type Service struct {
	proc    Processor
	schema  *gojsonschema.Schema
	logger  *slog.Logger
	metrics *metric.Core
	now     func() time.Time
}

// NewService compiles the event schema and returns a Service feeding proc.
func NewService(proc Processor, opts ...Option) (*Service, error) {
	if proc == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Service", "NewService", "processor is required")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(eventSchema))
	if err != nil {
		return nil, errors.WrapFatal(err, "Service", "NewService", "compile event schema")
	}
	s := &Service{
		proc:   proc,
		schema: schema,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit normalizes and validates ev, assigns a run id when it has none,
// and enqueues it. Validation failures satisfy errors.IsInvalid; a full
// queue is transient.
func (s *Service) Submit(ctx context.Context, ev *types.FailureEvent) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if ev == nil {
		return Receipt{}, errors.WrapInvalid(errors.ErrInvalidEvent, "Service", "Submit", "nil event")
	}
	source := sourceOf(ctx)
	s.metrics.RecordEventReceived(source)

	accepted := *ev
	accepted.Normalize()
	if strings.TrimSpace(accepted.RunID) == "" {
		accepted.RunID = uuid.NewString()
	}
	if err := accepted.Validate(); err != nil {
		s.reject(source, accepted.RunID, err)
		return Receipt{}, err
	}

	future, err := s.proc.Process(&accepted)
	if err != nil {
		s.reject(source, accepted.RunID, err)
		return Receipt{}, err
	}

	s.logger.Debug("Event accepted", "run_id", accepted.RunID, "source", source,
		"test", accepted.TestKey(), "status", accepted.Status)
	return Receipt{
		RunID:      accepted.RunID,
		Status:     "accepted",
		AcceptedAt: s.now().UTC(),
		Result:     future,
	}, nil
}

// SubmitJSON checks data against the event schema, decodes it and submits it.
func (s *Service) SubmitJSON(ctx context.Context, data []byte) (Receipt, error) {
	if err := s.ValidateJSON(data); err != nil {
		s.metrics.RecordEventReceived(sourceOf(ctx))
		s.reject(sourceOf(ctx), "", err)
		return Receipt{}, err
	}
	var ev types.FailureEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.metrics.RecordEventReceived(sourceOf(ctx))
		err = errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidEvent, err), "Service", "SubmitJSON", "decode event")
		s.reject(sourceOf(ctx), "", err)
		return Receipt{}, err
	}
	return s.Submit(ctx, &ev)
}

// ValidateJSON reports every schema violation in data as one invalid error.
func (s *Service) ValidateJSON(data []byte) error {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidEvent, err), "Service", "ValidateJSON", "parse payload")
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		problems = append(problems, re.String())
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidEvent, strings.Join(problems, "; ")),
		"Service", "ValidateJSON", "validate payload")
}

func (s *Service) reject(source, runID string, err error) {
	level := slog.LevelWarn
	if errors.IsInvalid(err) {
		level = slog.LevelDebug
	}
	s.logger.Log(context.Background(), level, "Event rejected",
		"source", source, "run_id", runID, "class", errors.Classify(err).String(), "error", err)
}
