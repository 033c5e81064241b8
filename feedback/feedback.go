// Package feedback records user verdicts on diagnoses.
//
// Feedback is append-only. Submitting a verdict also sets the diagnosis'
// UserConfirmed flag to the latest verdict; the store applies both writes
// together.
package feedback

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/storage"
	"github.com/c360/triage/types"
)

const maxTextLen = 4096

// Service is the feedback boundary.
type Service struct {
	store  storage.FeedbackStore
	logger *slog.Logger
	now    func() time.Time
}

// NewService returns a Service writing to store.
func NewService(store storage.FeedbackStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// Submit appends a verdict for diagnosisID. An unknown diagnosis returns
// errors.ErrKeyNotFound.
func (s *Service) Submit(ctx context.Context, diagnosisID string, in types.FeedbackInput) (*types.Feedback, error) {
	diagnosisID = strings.TrimSpace(diagnosisID)
	if diagnosisID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Service", "Submit", "diagnosis id is required")
	}
	for name, v := range map[string]string{"reason": in.Reason, "solution": in.Solution, "comment": in.Comment} {
		if len(v) > maxTextLen {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "Service", "Submit", name+" is too long")
		}
	}

	fb := &types.Feedback{
		ID:          uuid.NewString(),
		DiagnosisID: diagnosisID,
		Correct:     in.Correct,
		Reason:      strings.TrimSpace(in.Reason),
		Solution:    strings.TrimSpace(in.Solution),
		Comment:     strings.TrimSpace(in.Comment),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.AddFeedback(ctx, fb); err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		s.logger.Error("Failed to record feedback", "diagnosis_id", diagnosisID, "error", err)
		return nil, errors.Wrap(err, "Service", "Submit", "record feedback for "+diagnosisID)
	}

	s.logger.Info("Feedback recorded", "diagnosis_id", diagnosisID, "feedback_id", fb.ID, "correct", fb.Correct)
	return fb, nil
}

// Diagnosis returns a diagnosis with its current confirmation flag.
func (s *Service) Diagnosis(ctx context.Context, diagnosisID string) (*types.Diagnosis, error) {
	return s.store.GetDiagnosis(ctx, diagnosisID)
}

// History lists the verdicts on a diagnosis, oldest first.
func (s *Service) History(ctx context.Context, diagnosisID string) ([]types.Feedback, error) {
	return s.store.ListFeedback(ctx, diagnosisID)
}
