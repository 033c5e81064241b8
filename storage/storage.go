package storage

import (
	"context"

	"github.com/c360/triage/types"
)

// ConfigStore persists deduplicated run configurations.
type ConfigStore interface {
	// FindConfig returns errors.ErrKeyNotFound when no configuration has naturalKey.
	FindConfig(ctx context.Context, naturalKey string) (*types.RunConfiguration, error)
	// GetConfig looks a configuration up by id.
	GetConfig(ctx context.Context, id string) (*types.RunConfiguration, error)
	// CreateConfig returns errors.ErrDuplicateKey if the natural key is taken.
	CreateConfig(ctx context.Context, cfg *types.RunConfiguration) error
}

// RunStore persists run records together with their diagnoses.
type RunStore interface {
	// SaveRun writes the run and its diagnoses atomically. A repeated run
	// id fails with errors.ErrDuplicateKey.
	SaveRun(ctx context.Context, run *types.RunRecord) error
	// GetRun returns errors.ErrKeyNotFound for an unknown id.
	GetRun(ctx context.Context, runID string) (*types.RunRecord, error)
	// ScanRuns calls fn for every run in a stable order. Returning an
	// error from fn stops the scan and is returned as is.
	ScanRuns(ctx context.Context, fn func(*types.RunRecord) error) error
}

// FeedbackStore records user verdicts on diagnoses.
type FeedbackStore interface {
	GetDiagnosis(ctx context.Context, diagnosisID string) (*types.Diagnosis, error)
	// AddFeedback appends fb and sets the diagnosis' confirmation flag to
	// fb.Correct in one step. Unknown diagnoses yield errors.ErrKeyNotFound.
	AddFeedback(ctx context.Context, fb *types.Feedback) error
	ListFeedback(ctx context.Context, diagnosisID string) ([]types.Feedback, error)
}

// Store is the full persistence surface of a backend.
type Store interface {
	ConfigStore
	RunStore
	FeedbackStore
	Close() error
}
