package database

type migration struct {
	version     int
	description string
	sql         string
}

// migrations contains all database migrations in order. New migrations are
// appended; existing entries must never be edited once deployed.
var migrations = []migration{
	{
		version:     1,
		description: "Initial schema with photos, submissions, and pipeline_queue tables",
		sql:         initialSchema,
	},
	{
		version:     2,
		description: "Add worker lease and trace_id columns to pipeline_queue",
		sql:         workerLeaseSchema,
	},
	{
		version:     3,
		description: "Add photo_locks table for per-photo concurrency control",
		sql:         photoLocksSchema,
	},
}
