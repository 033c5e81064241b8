// Package storagetest holds the behavioural contract every storage backend
// must pass. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/storage"
	"github.com/c360/triage/types"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) storage.Store

// Run executes the full contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("ConfigRoundTrip", func(t *testing.T) { testConfigRoundTrip(t, newStore(t)) })
	t.Run("ConfigUniqueUnderRace", func(t *testing.T) { testConfigRace(t, newStore(t)) })
	t.Run("RunRoundTrip", func(t *testing.T) { testRunRoundTrip(t, newStore(t)) })
	t.Run("RunDuplicate", func(t *testing.T) { testRunDuplicate(t, newStore(t)) })
	t.Run("ScanOrderStable", func(t *testing.T) { testScanOrder(t, newStore(t)) })
	t.Run("Feedback", func(t *testing.T) { testFeedback(t, newStore(t)) })
}

// Config builds a configuration for tests.
func Config(id, key string) *types.RunConfiguration {
	return &types.RunConfiguration{
		ID:              id,
		AppVersion:      "1.0",
		TestSuite:       "smoke",
		EnvironmentName: "staging",
		NaturalKey:      key,
		CreatedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// Record builds a run record with one diagnosis for tests.
func Record(runID, configID string, status types.Status) *types.RunRecord {
	end := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	return &types.RunRecord{
		FailureEvent: types.FailureEvent{
			RunID:         runID,
			TestClass:     "com.acme.CheckoutTest",
			TestMethod:    "testPay",
			StartTime:     end.Add(-2 * time.Second),
			EndTime:       end,
			DurationMs:    2000,
			Status:        status,
			ExceptionType: "org.openqa.selenium.TimeoutException",
			Environment:   types.Environment{Name: "staging", Browser: "chrome"},
			Tags:          []string{"smoke"},
			Metadata:      map[string]string{"build": "42"},
			FailedStep:    &types.StepRecord{Index: 3, Action: "click", LocatorStrategy: "css", LocatorValue: "#pay", Confidence: 0.8},
		},
		ConfigurationID: configID,
		Diagnoses: []types.Diagnosis{{
			ID:                "diag-" + runID,
			RunID:             runID,
			AnalysisType:      "Timeout",
			SuggestedReason:   "The operation exceeded its wait time",
			SuggestedSolution: "Increase the wait or fix the slow dependency",
			Confidence:        0.85,
			Explanation:       map[string]any{"matched": "TimeoutException"},
			RuleName:          "timeout",
			CreatedAt:         end,
		}},
		CompletedAt: end.Add(time.Second),
	}
}

var timeOpts = cmp.Options{
	cmpopts.EquateApproxTime(time.Millisecond),
	cmpopts.EquateEmpty(),
}

func testConfigRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.FindConfig(ctx, "1.0|smoke|staging")
	require.ErrorIs(t, err, errors.ErrKeyNotFound)

	cfg := Config("cfg-1", "1.0|smoke|staging")
	require.NoError(t, s.CreateConfig(ctx, cfg))

	found, err := s.FindConfig(ctx, cfg.NaturalKey)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, found, timeOpts); diff != "" {
		t.Errorf("FindConfig mismatch (-want +got):\n%s", diff)
	}

	byID, err := s.GetConfig(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, cfg.NaturalKey, byID.NaturalKey)

	_, err = s.GetConfig(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)

	err = s.CreateConfig(ctx, Config("cfg-2", cfg.NaturalKey))
	assert.ErrorIs(t, err, errors.ErrDuplicateKey)
}

func testConfigRace(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const n = 16

	var wins, dups atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.CreateConfig(ctx, Config(fmt.Sprintf("cfg-%d", i), "race|key|env"))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, errors.ErrDuplicateKey):
				dups.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), dups.Load())
}

func testRunRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateConfig(ctx, Config("cfg-1", "k")))

	_, err := s.GetRun(ctx, "run-1")
	require.ErrorIs(t, err, errors.ErrKeyNotFound)

	want := Record("run-1", "cfg-1", types.StatusFailed)
	require.NoError(t, s.SaveRun(ctx, want))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, timeOpts); diff != "" {
		t.Errorf("GetRun mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, got.Diagnoses, 1)
}

func testRunDuplicate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateConfig(ctx, Config("cfg-1", "k")))
	require.NoError(t, s.SaveRun(ctx, Record("run-1", "cfg-1", types.StatusPassed)))

	err := s.SaveRun(ctx, Record("run-1", "cfg-1", types.StatusPassed))
	assert.ErrorIs(t, err, errors.ErrDuplicateKey)
}

func testScanOrder(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateConfig(ctx, Config("cfg-1", "k")))
	ids := []string{"run-c", "run-a", "run-b"}
	for _, id := range ids {
		require.NoError(t, s.SaveRun(ctx, Record(id, "cfg-1", types.StatusFailed)))
	}

	collect := func() []string {
		var seen []string
		require.NoError(t, s.ScanRuns(ctx, func(r *types.RunRecord) error {
			seen = append(seen, r.RunID)
			require.NotEmpty(t, r.Diagnoses)
			return nil
		}))
		return seen
	}
	first := collect()
	assert.ElementsMatch(t, ids, first)
	assert.Equal(t, first, collect())

	stop := fmt.Errorf("stop")
	calls := 0
	err := s.ScanRuns(ctx, func(*types.RunRecord) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func testFeedback(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateConfig(ctx, Config("cfg-1", "k")))
	require.NoError(t, s.SaveRun(ctx, Record("run-1", "cfg-1", types.StatusFailed)))

	err := s.AddFeedback(ctx, &types.Feedback{ID: "fb-0", DiagnosisID: "nope", CreatedAt: time.Now()})
	require.ErrorIs(t, err, errors.ErrKeyNotFound)

	d, err := s.GetDiagnosis(ctx, "diag-run-1")
	require.NoError(t, err)
	assert.Nil(t, d.UserConfirmed)

	require.NoError(t, s.AddFeedback(ctx, &types.Feedback{
		ID: "fb-1", DiagnosisID: "diag-run-1", Correct: false, Comment: "flaky network", CreatedAt: time.Now(),
	}))
	require.NoError(t, s.AddFeedback(ctx, &types.Feedback{
		ID: "fb-2", DiagnosisID: "diag-run-1", Correct: true, Reason: "confirmed", CreatedAt: time.Now(),
	}))

	d, err = s.GetDiagnosis(ctx, "diag-run-1")
	require.NoError(t, err)
	require.NotNil(t, d.UserConfirmed)
	assert.True(t, *d.UserConfirmed)

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, run.Diagnoses[0].UserConfirmed)
	assert.True(t, *run.Diagnoses[0].UserConfirmed)

	list, err := s.ListFeedback(ctx, "diag-run-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "fb-1", list[0].ID)
	assert.Equal(t, "fb-2", list[1].ID)
}
