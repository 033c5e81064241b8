package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/triage/storage"
	"github.com/c360/triage/storage/sqlstore"
	"github.com/c360/triage/storage/storagetest"
	"github.com/c360/triage/types"
)

func openTemp(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), filepath.Join(t.TempDir(), "triage.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return openTemp(t) })
}

func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "triage.db")

	s, err := sqlstore.Open(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateConfig(ctx, storagetest.Config("cfg-1", "k")))
	require.NoError(t, s.SaveRun(ctx, storagetest.Record("run-1", "cfg-1", types.StatusFailed)))
	require.NoError(t, s.Close())

	s, err = sqlstore.Open(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "cfg-1", run.ConfigurationID)
	assert.Equal(t, "#pay", run.FailedStep.LocatorValue)
}

func TestSaveRun_RollsBackOnDiagnosisFailure(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.CreateConfig(ctx, storagetest.Config("cfg-1", "k")))
	require.NoError(t, s.SaveRun(ctx, storagetest.Record("run-1", "cfg-1", types.StatusFailed)))

	// Second run reuses the first run's diagnosis id, so the diagnosis insert fails.
	dup := storagetest.Record("run-2", "cfg-1", types.StatusFailed)
	dup.Diagnoses[0].ID = "diag-run-1"
	require.Error(t, s.SaveRun(ctx, dup))

	_, err := s.GetRun(ctx, "run-2")
	assert.Error(t, err, "run must not be visible without its diagnoses")
}

func TestSaveRun_UnknownConfigurationRejected(t *testing.T) {
	s := openTemp(t)
	err := s.SaveRun(context.Background(), storagetest.Record("run-1", "missing", types.StatusPassed))
	assert.Error(t, err)
}

func TestOpen_Memory(t *testing.T) {
	s, err := sqlstore.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.CreateConfig(context.Background(), storagetest.Config("c", "k")))
}
