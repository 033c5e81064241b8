package feedback

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/storage/memory"
	"github.com/c360/triage/types"
)

func seeded(t *testing.T) (*memory.Store, string) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	cfg := &types.RunConfiguration{ID: "cfg-1", NaturalKey: "1.0|smoke|qa"}
	require.NoError(t, store.CreateConfig(ctx, cfg))
	run := &types.RunRecord{
		FailureEvent:    types.FailureEvent{RunID: "run-1", TestClass: "A", TestMethod: "m", Status: types.StatusFailed},
		ConfigurationID: cfg.ID,
		Diagnoses: []types.Diagnosis{{
			ID: "diag-1", RunID: "run-1", AnalysisType: "Timeout", Confidence: 0.85, RuleName: "timeout",
		}},
		CompletedAt: time.Now(),
	}
	require.NoError(t, store.SaveRun(ctx, run))
	return store, "diag-1"
}

func TestSubmit_SetsConfirmation(t *testing.T) {
	store, diagID := seeded(t)
	svc := NewService(store, nil)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600)) }
	ctx := context.Background()

	fb, err := svc.Submit(ctx, diagID, types.FeedbackInput{Correct: false, Reason: "  network blip ", Comment: "retry passed"})
	require.NoError(t, err)
	assert.NotEmpty(t, fb.ID)
	assert.Equal(t, "network blip", fb.Reason)
	assert.Equal(t, time.UTC, fb.CreatedAt.Location())

	d, err := svc.Diagnosis(ctx, diagID)
	require.NoError(t, err)
	require.NotNil(t, d.UserConfirmed)
	assert.False(t, *d.UserConfirmed)

	_, err = svc.Submit(ctx, diagID, types.FeedbackInput{Correct: true})
	require.NoError(t, err)

	d, err = svc.Diagnosis(ctx, diagID)
	require.NoError(t, err)
	assert.True(t, *d.UserConfirmed, "latest verdict wins")

	history, err := svc.History(ctx, diagID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].Correct)
	assert.True(t, history[1].Correct)
	assert.NotEqual(t, history[0].ID, history[1].ID)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, *run.Diagnoses[0].UserConfirmed)
}

func TestSubmit_UnknownDiagnosis(t *testing.T) {
	store, _ := seeded(t)
	svc := NewService(store, nil)

	_, err := svc.Submit(context.Background(), "nope", types.FeedbackInput{Correct: true})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	_, err = svc.History(context.Background(), "nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestSubmit_Invalid(t *testing.T) {
	store, diagID := seeded(t)
	svc := NewService(store, nil)

	_, err := svc.Submit(context.Background(), " ", types.FeedbackInput{})
	assert.True(t, errors.IsInvalid(err))

	_, err = svc.Submit(context.Background(), diagID, types.FeedbackInput{Comment: strings.Repeat("x", maxTextLen+1)})
	assert.True(t, errors.IsInvalid(err))

	history, err := svc.History(context.Background(), diagID)
	require.NoError(t, err)
	assert.Empty(t, history)
}
