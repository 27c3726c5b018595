package database

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
const initialSchema = `
-- photos table: published gallery photos, enriched stage by stage
CREATE TABLE IF NOT EXISTS photos (
    id TEXT PRIMARY KEY,
    title TEXT,
    description TEXT,
    width INTEGER,
    height INTEGER,
    aspect_ratio REAL,
    date_taken DATETIME,
    storage_key TEXT NOT NULL UNIQUE,
    thumbnail_key TEXT,
    file_size INTEGER,
    original_url TEXT,
    thumbnail_url TEXT,
    thumbnail_hash TEXT,
    tags TEXT,
    exif TEXT,
    latitude REAL,
    longitude REAL,
    country TEXT,
    city TEXT,
    location_name TEXT,
    is_live_photo BOOLEAN NOT NULL DEFAULT 0,
    live_photo_video_url TEXT,
    live_photo_video_key TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    CHECK (width IS NULL OR width > 0),
    CHECK (height IS NULL OR height > 0),
    CHECK (is_live_photo IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_photos_storage_key ON photos(storage_key);
CREATE INDEX IF NOT EXISTS idx_photos_created_at ON photos(created_at);
CREATE INDEX IF NOT EXISTS idx_photos_date_taken ON photos(date_taken);

-- submissions table: guest uploads awaiting moderation
CREATE TABLE IF NOT EXISTS submissions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    storage_key TEXT NOT NULL UNIQUE,
    original_url TEXT,
    thumbnail_url TEXT,
    thumbnail_hash TEXT,
    submitter_name TEXT,
    submitter_email TEXT,
    submitter_message TEXT,
    file_name TEXT NOT NULL,
    file_size INTEGER,
    width INTEGER,
    height INTEGER,
    status TEXT NOT NULL DEFAULT 'pending',
    reviewed_by INTEGER,
    reviewed_at DATETIME,
    photo_id TEXT REFERENCES photos(id) ON DELETE SET NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    CHECK (status IN ('pending', 'approved', 'rejected')),
    CHECK (file_size IS NULL OR file_size >= 0)
);

CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status);
CREATE INDEX IF NOT EXISTS idx_submissions_created_at ON submissions(created_at);
CREATE INDEX IF NOT EXISTS idx_submissions_photo_id ON submissions(photo_id);

-- pipeline_queue table: durable jobs consumed by pipeline workers
CREATE TABLE IF NOT EXISTS pipeline_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    payload TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    status TEXT NOT NULL DEFAULT 'pending',
    status_stage TEXT,
    error_message TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME,

    CHECK (status IN ('pending', 'in-stages', 'completed', 'failed')),
    CHECK (status_stage IS NULL OR status_stage IN
        ('preprocessing', 'metadata', 'thumbnail', 'exif',
         'motion-photo', 'reverse-geocoding', 'live-photo')),
    CHECK (attempts >= 0),
    CHECK (max_attempts > 0)
);

CREATE INDEX IF NOT EXISTS idx_pipeline_queue_status ON pipeline_queue(status);
CREATE INDEX IF NOT EXISTS idx_pipeline_queue_claim ON pipeline_queue(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_pipeline_queue_created_at ON pipeline_queue(created_at);
`

// workerLeaseSchema adds worker lease and trace correlation columns to the
// pipeline queue (version 2). Leases let a surviving worker detect jobs
// whose claimant died mid-flight and take them over once the heartbeat goes
// stale.
const workerLeaseSchema = `
ALTER TABLE pipeline_queue ADD COLUMN lease_owner TEXT;
ALTER TABLE pipeline_queue ADD COLUMN heartbeat_at DATETIME;
ALTER TABLE pipeline_queue ADD COLUMN trace_id TEXT;

CREATE INDEX IF NOT EXISTS idx_pipeline_queue_heartbeat_at ON pipeline_queue(heartbeat_at);
CREATE INDEX IF NOT EXISTS idx_pipeline_queue_trace_id ON pipeline_queue(trace_id);
`

// photoLocksSchema adds the photo_locks table for per-photo concurrency
// control (version 3). Two jobs touching the same photo concurrently could
// interleave their enrichment writes; the lock serializes them across
// processes.
const photoLocksSchema = `
-- photo_locks table: tracks exclusive locks for photos being processed
CREATE TABLE IF NOT EXISTS photo_locks (
    photo_key TEXT PRIMARY KEY,
    locked_at INTEGER NOT NULL,
    locked_by TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_photo_locks_locked_at ON photo_locks(locked_at);
`
