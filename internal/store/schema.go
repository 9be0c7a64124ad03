package store

// schemaVersion1 is the current schema.
const schemaVersion1 = 1

var schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS writer_lease (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	owner       TEXT NOT NULL,
	acquired_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS parameter_changes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	parameter  TEXT NOT NULL,
	old_value  REAL NOT NULL,
	new_value  REAL NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	origin     TEXT NOT NULL DEFAULT 'rule',
	applied_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_changes_param ON parameter_changes(parameter, applied_at);

CREATE TABLE IF NOT EXISTS ab_results (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	change_id         INTEGER NOT NULL UNIQUE REFERENCES parameter_changes(id),
	status            TEXT NOT NULL,
	before_json       BLOB NOT NULL,
	after_json        BLOB NOT NULL,
	efficiency_score  REAL NOT NULL DEFAULT 0,
	delta_t_score     REAL NOT NULL DEFAULT 0,
	comfort_score     REAL NOT NULL DEFAULT 0,
	cycling_score     REAL NOT NULL DEFAULT 0,
	cost_score        REAL NOT NULL DEFAULT 0,
	total_score       REAL NOT NULL DEFAULT 0,
	weather_divergent INTEGER NOT NULL DEFAULT 0,
	recommendation    TEXT NOT NULL DEFAULT '',
	summary           TEXT NOT NULL DEFAULT '',
	evaluated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS planned_tests (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	parameter       TEXT NOT NULL,
	current_value   REAL NOT NULL,
	proposed_value  REAL NOT NULL,
	hypothesis      TEXT NOT NULL DEFAULT '',
	expected_gain   REAL NOT NULL DEFAULT 0,
	confidence      REAL NOT NULL DEFAULT 0,
	priority        REAL NOT NULL DEFAULT 0,
	execution_order INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'proposed',
	origin          TEXT NOT NULL DEFAULT 'rule',
	change_id       INTEGER REFERENCES parameter_changes(id),
	result_id       INTEGER REFERENCES ab_results(id),
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tests_status ON planned_tests(status, execution_order);

CREATE TABLE IF NOT EXISTS decision_log (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id        TEXT NOT NULL DEFAULT '',
	action          TEXT NOT NULL,
	parameter       TEXT NOT NULL DEFAULT '',
	old_value       REAL NOT NULL DEFAULT 0,
	suggested_value REAL NOT NULL DEFAULT 0,
	confidence      REAL NOT NULL DEFAULT 0,
	reasoning       TEXT NOT NULL DEFAULT '',
	origin          TEXT NOT NULL DEFAULT 'rule',
	applied         INTEGER NOT NULL DEFAULT 0,
	reject_reason   TEXT NOT NULL DEFAULT '',
	change_id       INTEGER,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_created ON decision_log(created_at);

CREATE TABLE IF NOT EXISTS telemetry_samples (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	time          TEXT NOT NULL,
	heat_output   REAL NOT NULL DEFAULT 0,
	power_input   REAL NOT NULL DEFAULT 0,
	supply_temp   REAL NOT NULL DEFAULT 0,
	return_temp   REAL NOT NULL DEFAULT 0,
	indoor_temp   REAL NOT NULL DEFAULT 0,
	outdoor_temp  REAL NOT NULL DEFAULT 0,
	compressor_on INTEGER NOT NULL DEFAULT 0,
	price_kwh     REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_samples_time ON telemetry_samples(time);
`
