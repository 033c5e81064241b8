package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/triage/errors"
)

// Status is the outcome of one test execution.
type Status string

// Known statuses
const (
	StatusPassed  Status = "PASSED"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
)

// ParseStatus accepts any casing of a known status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPassed, StatusFailed, StatusSkipped:
		return st, nil
	default:
		return "", errors.WrapInvalid(errors.ErrInvalidEvent, "types", "ParseStatus",
			fmt.Sprintf("parse status %q", s))
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusPassed || s == StatusFailed || s == StatusSkipped
}

// StepRecord is one recorded UI or API step of a test.
type StepRecord struct {
	Index           int       `json:"index"`
	Action          string    `json:"action"`
	LocatorStrategy string    `json:"locatorStrategy,omitempty"`
	LocatorValue    string    `json:"locatorValue,omitempty"`
	Confidence      float64   `json:"confidence"`
	StartedAt       time.Time `json:"startedAt,omitempty"`
	DurationMs      int64     `json:"durationMs"`
	Status          string    `json:"status,omitempty"`
	Message         string    `json:"message,omitempty"`
}

// Environment describes where a test ran.
type Environment struct {
	Name           string `json:"name"`
	OS             string `json:"os,omitempty"`
	Browser        string `json:"browser,omitempty"`
	BrowserVersion string `json:"browserVersion,omitempty"`
	Platform       string `json:"platform,omitempty"`
}

// Artifact links a run to an external file such as a screenshot or log.
type Artifact struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// FailureEvent is one test execution outcome as reported by a test runner.
// It is not modified after ingestion.
type FailureEvent struct {
	RunID            string            `json:"runId"`
	TestClass        string            `json:"testClass"`
	TestMethod       string            `json:"testMethod"`
	StartTime        time.Time         `json:"startTime"`
	EndTime          time.Time         `json:"endTime"`
	DurationMs       int64             `json:"durationMs"`
	Status           Status            `json:"status"`
	ExceptionType    string            `json:"exceptionType,omitempty"`
	ExceptionMessage string            `json:"exceptionMessage,omitempty"`
	StackTrace       string            `json:"stackTrace,omitempty"`
	FailedStep       *StepRecord       `json:"failedStep,omitempty"`
	Steps            []StepRecord      `json:"steps,omitempty"`
	AppVersion       string            `json:"appVersion,omitempty"`
	TestSuite        string            `json:"testSuite,omitempty"`
	Environment      Environment       `json:"environment"`
	Tags             []string          `json:"tags,omitempty"`
	Artifacts        []Artifact        `json:"artifacts,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// TestKey groups runs of the same test.
func (e *FailureEvent) TestKey() string {
	return e.TestClass + "#" + e.TestMethod
}

// HasException reports whether a non-blank exception type was recorded.
func (e *FailureEvent) HasException() bool {
	return strings.TrimSpace(e.ExceptionType) != ""
}

// Normalize fills derivable fields in place: upper-cases the status and
// computes the duration from the timestamps when it was omitted.
func (e *FailureEvent) Normalize() {
	e.Status = Status(strings.ToUpper(strings.TrimSpace(string(e.Status))))
	if e.DurationMs == 0 && !e.StartTime.IsZero() && e.EndTime.After(e.StartTime) {
		e.DurationMs = e.EndTime.Sub(e.StartTime).Milliseconds()
	}
}

// Validate checks the fields the pipeline depends on.
func (e *FailureEvent) Validate() error {
	invalid := func(reason string) error {
		return errors.WrapInvalid(errors.ErrInvalidEvent, "FailureEvent", "Validate", reason)
	}

	switch {
	case strings.TrimSpace(e.RunID) == "":
		return invalid("runId is required")
	case strings.TrimSpace(e.TestClass) == "":
		return invalid("testClass is required")
	case strings.TrimSpace(e.TestMethod) == "":
		return invalid("testMethod is required")
	case !e.Status.Valid():
		return invalid(fmt.Sprintf("status %q is not one of PASSED, FAILED, SKIPPED", e.Status))
	case e.DurationMs < 0:
		return invalid("durationMs must not be negative")
	case !e.StartTime.IsZero() && !e.EndTime.IsZero() && e.EndTime.Before(e.StartTime):
		return invalid("endTime precedes startTime")
	}

	if e.FailedStep != nil {
		if err := validateStep(*e.FailedStep); err != nil {
			return invalid("failedStep: " + err.Error())
		}
	}
	for i, step := range e.Steps {
		if err := validateStep(step); err != nil {
			return invalid(fmt.Sprintf("steps[%d]: %s", i, err))
		}
	}
	return nil
}

func validateStep(s StepRecord) error {
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %.2f outside [0,1]", s.Confidence)
	}
	if s.DurationMs < 0 {
		return fmt.Errorf("negative duration")
	}
	return nil
}
