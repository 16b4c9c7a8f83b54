package jobstore

// Schema v1. Timestamps on jobs are stored as integer unix nanoseconds so
// ordering and staleness comparisons happen in SQL without format parsing.
//
// analysis_jobs deliberately has no unique index on (sample_id, job_type):
// historical failed/done rows are retained for auditing, and the
// at-most-one-active invariant is enforced by the enqueue existence check.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS samples (
  sample_id TEXT PRIMARY KEY,
  source_id TEXT NOT NULL,
  rel_path TEXT NOT NULL,
  content_hash TEXT NOT NULL,
  size_bytes INTEGER NOT NULL,
  mtime_ns INTEGER NOT NULL,
  analysis_version TEXT,
  analyzed_hash TEXT,
  duration_seconds REAL,
  sr_used INTEGER,
  first_seen_ns INTEGER NOT NULL,
  last_update_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_samples_source ON samples(source_id);

CREATE TABLE IF NOT EXISTS analysis_jobs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  sample_id TEXT NOT NULL,
  job_type TEXT NOT NULL,
  content_hash TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  source_id TEXT NOT NULL,
  created_ns INTEGER NOT NULL,
  last_heartbeat_ns INTEGER,
  claimed_by TEXT,
  error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON analysis_jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_sample_type ON analysis_jobs(sample_id, job_type);
CREATE INDEX IF NOT EXISTS idx_jobs_source ON analysis_jobs(source_id);

CREATE TABLE IF NOT EXISTS features (
  sample_id TEXT PRIMARY KEY,
  vector BLOB NOT NULL,
  extracted_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS embeddings (
  sample_id TEXT PRIMARY KEY,
  embedding BLOB NOT NULL,
  extracted_ns INTEGER NOT NULL
);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`
