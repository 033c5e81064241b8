package sqlstore

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_configurations (
	id               TEXT PRIMARY KEY,
	natural_key      TEXT NOT NULL UNIQUE,
	app_version      TEXT NOT NULL,
	test_suite       TEXT NOT NULL,
	environment_name TEXT NOT NULL,
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id           TEXT NOT NULL UNIQUE,
	configuration_id TEXT NOT NULL REFERENCES run_configurations(id),
	test_class       TEXT NOT NULL,
	test_method      TEXT NOT NULL,
	status           TEXT NOT NULL,
	duration_ms      INTEGER NOT NULL,
	end_time         TEXT,
	completed_at     TEXT NOT NULL,
	event_json       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_completed ON runs(completed_at);

CREATE TABLE IF NOT EXISTS diagnoses (
	id                 TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL REFERENCES runs(run_id),
	position           INTEGER NOT NULL,
	analysis_type      TEXT NOT NULL,
	suggested_reason   TEXT NOT NULL,
	suggested_solution TEXT NOT NULL,
	confidence         REAL NOT NULL,
	explanation        TEXT,
	raw_evidence       TEXT,
	rule_name          TEXT NOT NULL,
	user_confirmed     INTEGER,
	created_at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_diagnoses_run ON diagnoses(run_id, position);

CREATE TABLE IF NOT EXISTS feedback (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	diagnosis_id TEXT NOT NULL REFERENCES diagnoses(id),
	correct      INTEGER NOT NULL,
	reason       TEXT,
	solution     TEXT,
	comment      TEXT,
	created_at   TEXT NOT NULL
);
`
