// Package memory is an in-process storage backend.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/storage"
	"github.com/c360/triage/types"
)

// Store keeps everything in maps guarded by one RWMutex. Values are copied
// on the way in and out so callers never share memory with the store.
type Store struct {
	mu        sync.RWMutex
	configs   map[string]types.RunConfiguration // by id
	byKey     map[string]string                 // natural key -> id
	runs      map[string]*types.RunRecord
	runOrder  []string
	diagnoses map[string]diagnosisRef // diagnosis id -> owning run
	feedback  map[string][]types.Feedback
}

type diagnosisRef struct {
	runID string
	index int
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		configs:   make(map[string]types.RunConfiguration),
		byKey:     make(map[string]string),
		runs:      make(map[string]*types.RunRecord),
		diagnoses: make(map[string]diagnosisRef),
		feedback:  make(map[string][]types.Feedback),
	}
}

// FindConfig implements storage.ConfigStore.
func (s *Store) FindConfig(_ context.Context, naturalKey string) (*types.RunConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[naturalKey]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	cfg := s.configs[id]
	return &cfg, nil
}

// GetConfig implements storage.ConfigStore.
func (s *Store) GetConfig(_ context.Context, id string) (*types.RunConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[id]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	return &cfg, nil
}

// CreateConfig implements storage.ConfigStore.
func (s *Store) CreateConfig(_ context.Context, cfg *types.RunConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byKey[cfg.NaturalKey]; taken {
		return errors.ErrDuplicateKey
	}
	s.byKey[cfg.NaturalKey] = cfg.ID
	s.configs[cfg.ID] = *cfg
	return nil
}

// SaveRun implements storage.RunStore.
func (s *Store) SaveRun(_ context.Context, run *types.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.RunID]; exists {
		return errors.Wrap(errors.ErrDuplicateKey, "memory", "SaveRun", fmt.Sprintf("insert run %s", run.RunID))
	}
	if _, ok := s.configs[run.ConfigurationID]; !ok {
		return errors.WrapInvalid(errors.ErrKeyNotFound, "memory", "SaveRun", "resolve configuration reference")
	}

	stored := cloneRun(run)
	s.runs[run.RunID] = stored
	s.runOrder = append(s.runOrder, run.RunID)
	for i, d := range stored.Diagnoses {
		s.diagnoses[d.ID] = diagnosisRef{runID: run.RunID, index: i}
	}
	return nil
}

// GetRun implements storage.RunStore.
func (s *Store) GetRun(_ context.Context, runID string) (*types.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	return cloneRun(run), nil
}

// ScanRuns implements storage.RunStore in insertion order.
func (s *Store) ScanRuns(ctx context.Context, fn func(*types.RunRecord) error) error {
	s.mu.RLock()
	snapshot := make([]*types.RunRecord, 0, len(s.runOrder))
	for _, id := range s.runOrder {
		snapshot = append(snapshot, cloneRun(s.runs[id]))
	}
	s.mu.RUnlock()

	for _, run := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(run); err != nil {
			return err
		}
	}
	return nil
}

// GetDiagnosis implements storage.FeedbackStore.
func (s *Store) GetDiagnosis(_ context.Context, diagnosisID string) (*types.Diagnosis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.diagnoses[diagnosisID]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	d := cloneDiagnosis(s.runs[ref.runID].Diagnoses[ref.index])
	return &d, nil
}

// AddFeedback implements storage.FeedbackStore.
func (s *Store) AddFeedback(_ context.Context, fb *types.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.diagnoses[fb.DiagnosisID]
	if !ok {
		return errors.ErrKeyNotFound
	}
	confirmed := fb.Correct
	s.runs[ref.runID].Diagnoses[ref.index].UserConfirmed = &confirmed
	s.feedback[fb.DiagnosisID] = append(s.feedback[fb.DiagnosisID], *fb)
	return nil
}

// ListFeedback implements storage.FeedbackStore.
func (s *Store) ListFeedback(_ context.Context, diagnosisID string) ([]types.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.diagnoses[diagnosisID]; !ok {
		return nil, errors.ErrKeyNotFound
	}
	return append([]types.Feedback(nil), s.feedback[diagnosisID]...), nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func cloneRun(run *types.RunRecord) *types.RunRecord {
	c := *run
	c.Diagnoses = make([]types.Diagnosis, len(run.Diagnoses))
	for i, d := range run.Diagnoses {
		c.Diagnoses[i] = cloneDiagnosis(d)
	}
	c.Steps = append([]types.StepRecord(nil), run.Steps...)
	c.Tags = append([]string(nil), run.Tags...)
	c.Artifacts = append([]types.Artifact(nil), run.Artifacts...)
	if run.FailedStep != nil {
		step := *run.FailedStep
		c.FailedStep = &step
	}
	if run.Metadata != nil {
		c.Metadata = make(map[string]string, len(run.Metadata))
		for k, v := range run.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneDiagnosis(d types.Diagnosis) types.Diagnosis {
	if d.UserConfirmed != nil {
		v := *d.UserConfirmed
		d.UserConfirmed = &v
	}
	if d.Explanation != nil {
		exp := make(map[string]any, len(d.Explanation))
		for k, v := range d.Explanation {
			exp[k] = v
		}
		d.Explanation = exp
	}
	return d
}
