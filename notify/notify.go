// Package notify tells people about failed runs.
package notify

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/types"
)

// SubjectFailures is where NATSNotifier publishes.
const SubjectFailures = "triage.notifications.failure"

// Notifier is invoked once for every FAILED run after it is persisted.
type Notifier interface {
	NotifyFailure(ctx context.Context, detail *types.RunDetail) error
}

// LogNotifier writes a warning per failure.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier logs through logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// NotifyFailure implements Notifier.
func (n *LogNotifier) NotifyFailure(ctx context.Context, detail *types.RunDetail) error {
	run := detail.Run
	attrs := []any{
		"run_id", run.RunID,
		"test", run.TestKey(),
		"exception", run.ExceptionType,
	}
	if d := run.PrimaryDiagnosis(); d != nil {
		attrs = append(attrs, "analysis_type", d.AnalysisType, "confidence", d.Confidence)
	}
	n.logger.WarnContext(ctx, "test failed", attrs...)
	return nil
}

// Publisher is satisfied by the NATS client.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Failure is the message NATSNotifier sends.
type Failure struct {
	RunID        string  `json:"runId"`
	TestClass    string  `json:"testClass"`
	TestMethod   string  `json:"testMethod"`
	AppVersion   string  `json:"appVersion,omitempty"`
	Environment  string  `json:"environment,omitempty"`
	AnalysisType string  `json:"analysisType,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// NATSNotifier publishes a compact failure summary.
type NATSNotifier struct {
	pub     Publisher
	subject string
}

// NewNATSNotifier publishes on subject, or SubjectFailures when empty.
func NewNATSNotifier(pub Publisher, subject string) *NATSNotifier {
	if subject == "" {
		subject = SubjectFailures
	}
	return &NATSNotifier{pub: pub, subject: subject}
}

// NotifyFailure implements Notifier.
func (n *NATSNotifier) NotifyFailure(ctx context.Context, detail *types.RunDetail) error {
	run := detail.Run
	msg := Failure{
		RunID:       run.RunID,
		TestClass:   run.TestClass,
		TestMethod:  run.TestMethod,
		AppVersion:  run.AppVersion,
		Environment: run.Environment.Name,
	}
	if d := run.PrimaryDiagnosis(); d != nil {
		msg.AnalysisType, msg.Reason, msg.Confidence = d.AnalysisType, d.SuggestedReason, d.Confidence
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "NATSNotifier", "NotifyFailure", "encode failure")
	}
	if err := n.pub.Publish(ctx, n.subject, data); err != nil {
		return errors.WrapTransient(err, "NATSNotifier", "NotifyFailure", "publish "+n.subject)
	}
	return nil
}

// Multi calls every notifier and joins their errors.
type Multi []Notifier

// NotifyFailure implements Notifier.
func (m Multi) NotifyFailure(ctx context.Context, detail *types.RunDetail) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyFailure(ctx, detail); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
