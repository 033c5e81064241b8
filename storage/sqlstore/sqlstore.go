// Package sqlstore is a SQLite storage backend built on modernc.org/sqlite.
// The natural-key UNIQUE constraint on run_configurations provides the
// create-race guarantee; each run and its diagnoses go in one transaction.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/storage"
	"github.com/c360/triage/types"
)

const component = "sqlstore"

// Store implements storage.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.WrapFatal(err, component, "Open", "create store dir")
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.WrapFatal(err, component, "Open", "open sqlite")
	}
	// A single connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, component, "Open", "ping sqlite")
	}

	s := &Store{db: db, logger: logger.With("component", component)}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Debug("sqlite store ready", "path", path)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaV1); err != nil {
		return errors.WrapFatal(err, component, "migrate", "create schema")
	}

	var v int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&v)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version(version) VALUES(?)", schemaVersion); err != nil {
			return errors.WrapFatal(err, component, "migrate", "set schema version")
		}
		return nil
	case err != nil:
		return errors.WrapFatal(err, component, "migrate", "read schema version")
	case v != schemaVersion:
		return errors.WrapFatal(fmt.Errorf("unknown schema version %d", v), component, "migrate", "check schema version")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if stderrors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// FindConfig implements storage.ConfigStore.
func (s *Store) FindConfig(ctx context.Context, naturalKey string) (*types.RunConfiguration, error) {
	return s.queryConfig(ctx, "FindConfig", "natural_key", naturalKey)
}

// GetConfig implements storage.ConfigStore.
func (s *Store) GetConfig(ctx context.Context, id string) (*types.RunConfiguration, error) {
	return s.queryConfig(ctx, "GetConfig", "id", id)
}

func (s *Store) queryConfig(ctx context.Context, method, column, value string) (*types.RunConfiguration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, natural_key, app_version, test_suite, environment_name, created_at
		 FROM run_configurations WHERE `+column+` = ?`, value)

	var cfg types.RunConfiguration
	var created string
	err := row.Scan(&cfg.ID, &cfg.NaturalKey, &cfg.AppVersion, &cfg.TestSuite, &cfg.EnvironmentName, &created)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, component, method, "select configuration")
	}
	cfg.CreatedAt = parseTime(created)
	return &cfg, nil
}

// CreateConfig implements storage.ConfigStore.
func (s *Store) CreateConfig(ctx context.Context, cfg *types.RunConfiguration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_configurations(id, natural_key, app_version, test_suite, environment_name, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.NaturalKey, cfg.AppVersion, cfg.TestSuite, cfg.EnvironmentName, formatTime(cfg.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrDuplicateKey
		}
		return errors.WrapTransient(err, component, "CreateConfig", "insert configuration")
	}
	return nil
}

// SaveRun implements storage.RunStore.
func (s *Store) SaveRun(ctx context.Context, run *types.RunRecord) error {
	event, err := json.Marshal(run.FailureEvent)
	if err != nil {
		return errors.WrapInvalid(err, component, "SaveRun", "encode event")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, component, "SaveRun", "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs(run_id, configuration_id, test_class, test_method, status, duration_ms, end_time, completed_at, event_json)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ConfigurationID, run.TestClass, run.TestMethod, string(run.Status),
		run.DurationMs, formatTime(run.EndTime), formatTime(run.CompletedAt), string(event))
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(errors.ErrDuplicateKey, component, "SaveRun", "insert run "+run.RunID)
		}
		return errors.WrapTransient(err, component, "SaveRun", "insert run")
	}

	for i, d := range run.Diagnoses {
		explanation, err := json.Marshal(d.Explanation)
		if err != nil {
			return errors.WrapInvalid(err, component, "SaveRun", "encode explanation")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO diagnoses(id, run_id, position, analysis_type, suggested_reason, suggested_solution,
			                       confidence, explanation, raw_evidence, rule_name, user_confirmed, created_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, run.RunID, i, d.AnalysisType, d.SuggestedReason, d.SuggestedSolution,
			d.Confidence, string(explanation), d.RawEvidence, d.RuleName, nullableBool(d.UserConfirmed), formatTime(d.CreatedAt))
		if err != nil {
			return errors.WrapTransient(err, component, "SaveRun", "insert diagnosis")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, component, "SaveRun", "commit")
	}
	return nil
}

func nullableBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

type runRow struct {
	runID, configID, completedAt, eventJSON string
}

func (s *Store) decodeRun(row runRow) (*types.RunRecord, error) {
	run := &types.RunRecord{
		ConfigurationID: row.configID,
		CompletedAt:     parseTime(row.completedAt),
	}
	if err := json.Unmarshal([]byte(row.eventJSON), &run.FailureEvent); err != nil {
		return nil, errors.WrapFatal(err, component, "decodeRun", "decode event for run "+row.runID)
	}
	return run, nil
}

// GetRun implements storage.RunStore.
func (s *Store) GetRun(ctx context.Context, runID string) (*types.RunRecord, error) {
	var row runRow
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, configuration_id, completed_at, event_json FROM runs WHERE run_id = ?`, runID).
		Scan(&row.runID, &row.configID, &row.completedAt, &row.eventJSON)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, component, "GetRun", "select run")
	}

	run, err := s.decodeRun(row)
	if err != nil {
		return nil, err
	}
	byRun, err := s.loadDiagnoses(ctx, "WHERE run_id = ?", runID)
	if err != nil {
		return nil, err
	}
	run.Diagnoses = byRun[runID]
	return run, nil
}

// ScanRuns implements storage.RunStore in insertion order. Rows are read
// fully before fn runs so fn may call back into the store.
func (s *Store) ScanRuns(ctx context.Context, fn func(*types.RunRecord) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, configuration_id, completed_at, event_json FROM runs ORDER BY seq`)
	if err != nil {
		return errors.WrapTransient(err, component, "ScanRuns", "select runs")
	}
	var raw []runRow
	for rows.Next() {
		var r runRow
		if err := rows.Scan(&r.runID, &r.configID, &r.completedAt, &r.eventJSON); err != nil {
			_ = rows.Close()
			return errors.WrapTransient(err, component, "ScanRuns", "scan run")
		}
		raw = append(raw, r)
	}
	if err := rows.Close(); err != nil {
		return errors.WrapTransient(err, component, "ScanRuns", "close rows")
	}
	if err := rows.Err(); err != nil {
		return errors.WrapTransient(err, component, "ScanRuns", "iterate runs")
	}

	diagnoses, err := s.loadDiagnoses(ctx, "")
	if err != nil {
		return err
	}

	for _, r := range raw {
		run, err := s.decodeRun(r)
		if err != nil {
			return err
		}
		run.Diagnoses = diagnoses[r.runID]
		if err := fn(run); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadDiagnoses(ctx context.Context, where string, args ...any) (map[string][]types.Diagnosis, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, analysis_type, suggested_reason, suggested_solution, confidence,
		        explanation, raw_evidence, rule_name, user_confirmed, created_at
		 FROM diagnoses `+where+` ORDER BY run_id, position`, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, component, "loadDiagnoses", "select diagnoses")
	}
	defer rows.Close()

	out := make(map[string][]types.Diagnosis)
	for rows.Next() {
		d, err := scanDiagnosis(rows)
		if err != nil {
			return nil, err
		}
		out[d.RunID] = append(out[d.RunID], *d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, component, "loadDiagnoses", "iterate diagnoses")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDiagnosis(sc scanner) (*types.Diagnosis, error) {
	var d types.Diagnosis
	var explanation, evidence sql.NullString
	var confirmed sql.NullBool
	var created string
	err := sc.Scan(&d.ID, &d.RunID, &d.AnalysisType, &d.SuggestedReason, &d.SuggestedSolution,
		&d.Confidence, &explanation, &evidence, &d.RuleName, &confirmed, &created)
	if err != nil {
		return nil, err
	}
	if explanation.Valid && explanation.String != "" && explanation.String != "null" {
		if err := json.Unmarshal([]byte(explanation.String), &d.Explanation); err != nil {
			return nil, errors.WrapFatal(err, component, "scanDiagnosis", "decode explanation")
		}
	}
	d.RawEvidence = evidence.String
	if confirmed.Valid {
		v := confirmed.Bool
		d.UserConfirmed = &v
	}
	d.CreatedAt = parseTime(created)
	return &d, nil
}

// GetDiagnosis implements storage.FeedbackStore.
func (s *Store) GetDiagnosis(ctx context.Context, diagnosisID string) (*types.Diagnosis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, analysis_type, suggested_reason, suggested_solution, confidence,
		        explanation, raw_evidence, rule_name, user_confirmed, created_at
		 FROM diagnoses WHERE id = ?`, diagnosisID)
	d, err := scanDiagnosis(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, component, "GetDiagnosis", "select diagnosis")
	}
	return d, nil
}

// AddFeedback implements storage.FeedbackStore.
func (s *Store) AddFeedback(ctx context.Context, fb *types.Feedback) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, component, "AddFeedback", "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE diagnoses SET user_confirmed = ? WHERE id = ?`, fb.Correct, fb.DiagnosisID)
	if err != nil {
		return errors.WrapTransient(err, component, "AddFeedback", "update diagnosis")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrKeyNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO feedback(id, diagnosis_id, correct, reason, solution, comment, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		fb.ID, fb.DiagnosisID, fb.Correct, fb.Reason, fb.Solution, fb.Comment, formatTime(fb.CreatedAt))
	if err != nil {
		return errors.WrapTransient(err, component, "AddFeedback", "insert feedback")
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, component, "AddFeedback", "commit")
	}
	return nil
}

// ListFeedback implements storage.FeedbackStore.
func (s *Store) ListFeedback(ctx context.Context, diagnosisID string) ([]types.Feedback, error) {
	if _, err := s.GetDiagnosis(ctx, diagnosisID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, diagnosis_id, correct, reason, solution, comment, created_at
		 FROM feedback WHERE diagnosis_id = ? ORDER BY seq`, diagnosisID)
	if err != nil {
		return nil, errors.WrapTransient(err, component, "ListFeedback", "select feedback")
	}
	defer rows.Close()

	var out []types.Feedback
	for rows.Next() {
		var fb types.Feedback
		var reason, solution, comment sql.NullString
		var created string
		if err := rows.Scan(&fb.ID, &fb.DiagnosisID, &fb.Correct, &reason, &solution, &comment, &created); err != nil {
			return nil, errors.WrapTransient(err, component, "ListFeedback", "scan feedback")
		}
		fb.Reason, fb.Solution, fb.Comment = reason.String, solution.String, comment.String
		fb.CreatedAt = parseTime(created)
		out = append(out, fb)
	}
	return out, rows.Err()
}
