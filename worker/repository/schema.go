package repository

const postgresSchema = `
CREATE TABLE IF NOT EXISTS batch_queues (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	name             TEXT NOT NULL,
	prompt           TEXT NOT NULL DEFAULT '',
	model            TEXT NOT NULL DEFAULT '',
	queue_type       TEXT NOT NULL,
	folder_path      TEXT NOT NULL DEFAULT '',
	total_images     INTEGER NOT NULL,
	completed_images INTEGER NOT NULL DEFAULT 0,
	failed_images    INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	CHECK (completed_images >= 0 AND failed_images >= 0),
	CHECK (completed_images + failed_images <= total_images)
);
CREATE INDEX IF NOT EXISTS idx_batch_queues_owner ON batch_queues (owner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS batch_tasks (
	id                TEXT PRIMARY KEY,
	queue_id          TEXT NOT NULL REFERENCES batch_queues (id),
	owner_id          TEXT NOT NULL,
	source_ref        TEXT NOT NULL,
	original_filename TEXT NOT NULL DEFAULT '',
	folder_path       TEXT NOT NULL DEFAULT '',
	prompt            TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	output_ref        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_batch_tasks_status_created ON batch_tasks (status, created_at, id);
CREATE INDEX IF NOT EXISTS idx_batch_tasks_queue ON batch_tasks (queue_id);

CREATE TABLE IF NOT EXISTS artifacts (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	image_ref   TEXT NOT NULL,
	prompt      TEXT NOT NULL DEFAULT '',
	model       TEXT NOT NULL DEFAULT '',
	folder_path TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_owner ON artifacts (owner_id);

CREATE TABLE IF NOT EXISTS system_config (
	config_key   TEXT PRIMARY KEY,
	config_value TEXT NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS batch_queues (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	name             TEXT NOT NULL,
	prompt           TEXT NOT NULL DEFAULT '',
	model            TEXT NOT NULL DEFAULT '',
	queue_type       TEXT NOT NULL,
	folder_path      TEXT NOT NULL DEFAULT '',
	total_images     INTEGER NOT NULL,
	completed_images INTEGER NOT NULL DEFAULT 0,
	failed_images    INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	completed_at     TEXT,
	CHECK (completed_images >= 0 AND failed_images >= 0),
	CHECK (completed_images + failed_images <= total_images)
);
CREATE INDEX IF NOT EXISTS idx_batch_queues_owner ON batch_queues (owner_id, created_at);

CREATE TABLE IF NOT EXISTS batch_tasks (
	id                TEXT PRIMARY KEY,
	queue_id          TEXT NOT NULL REFERENCES batch_queues (id),
	owner_id          TEXT NOT NULL,
	source_ref        TEXT NOT NULL,
	original_filename TEXT NOT NULL DEFAULT '',
	folder_path       TEXT NOT NULL DEFAULT '',
	prompt            TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	output_ref        TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	started_at        TEXT,
	completed_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_batch_tasks_status_created ON batch_tasks (status, created_at, id);
CREATE INDEX IF NOT EXISTS idx_batch_tasks_queue ON batch_tasks (queue_id);

CREATE TABLE IF NOT EXISTS artifacts (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	image_ref   TEXT NOT NULL,
	prompt      TEXT NOT NULL DEFAULT '',
	model       TEXT NOT NULL DEFAULT '',
	folder_path TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_owner ON artifacts (owner_id);

CREATE TABLE IF NOT EXISTS system_config (
	config_key   TEXT PRIMARY KEY,
	config_value TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
`
