// Package manifest provides the job catalog: which jobs exist, how many
// shards each expects, which shard records have landed and whether the job
// has been reduced.
package manifest

// Schema contains the SQL schema definitions for the job catalog (manifest.db).
// Object storage holds the records themselves; the catalog holds their
// registrations and digests.

// CreateJobsTableSQL creates the jobs table.
const CreateJobsTableSQL = `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    expected_shards INTEGER NOT NULL,
    entry_point TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    reduced_at INTEGER,
    aggregate_path TEXT
)`

// CreateShardsTableSQL creates the shard registrations table. The primary
// key makes (job_id, shard_index) unique: a shard is registered once.
const CreateShardsTableSQL = `
CREATE TABLE IF NOT EXISTS shards (
    job_id TEXT NOT NULL,
    shard_index INTEGER NOT NULL,
    object_path TEXT NOT NULL,
    digest TEXT NOT NULL,
    walkers INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (job_id, shard_index),
    FOREIGN KEY (job_id) REFERENCES jobs(job_id)
)`

// CreateIndexesSQL creates indexes for the pending-job and TTL scans.
var CreateIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_jobs_pending ON jobs(created_at) WHERE reduced_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_reduced ON jobs(reduced_at) WHERE reduced_at IS NOT NULL`,
}

// AllSchemaSQL returns all SQL statements needed to initialize the catalog.
func AllSchemaSQL() []string {
	statements := []string{
		CreateJobsTableSQL,
		CreateShardsTableSQL,
	}
	return append(statements, CreateIndexesSQL...)
}
