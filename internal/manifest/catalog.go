package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
)

// Catalog tracks jobs and their shard registrations.
type Catalog interface {
	// RegisterJob records a job and its expected shard count. Registering
	// the same job again with the same count is a no-op.
	RegisterJob(ctx context.Context, job *JobRecord) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)

	// RegisterShard records a landed shard. A repeat registration with the
	// same digest is a no-op; a different digest is a DuplicateShard error.
	RegisterShard(ctx context.Context, reg *ShardRegistration) error

	// ListShards returns the registrations of a job ordered by index.
	ListShards(ctx context.Context, jobID string) ([]*ShardRegistration, error)

	// MarkReduced records that the job's aggregate was written.
	MarkReduced(ctx context.Context, jobID, aggregatePath string) error

	// ListPendingJobs returns jobs not yet reduced, oldest first.
	ListPendingJobs(ctx context.Context) ([]*JobRecord, error)

	// DeleteExpired removes reduced jobs older than ttl with their shards.
	DeleteExpired(ctx context.Context, ttl time.Duration) ([]string, error)

	// Close closes the catalog database connection.
	Close() error
}

// JobRecord represents a job in the catalog.
type JobRecord struct {
	JobID          string
	ExpectedShards int
	EntryPoint     string
	CreatedAt      time.Time
	ReducedAt      *time.Time
	AggregatePath  *string
}

// Reduced reports whether the job has been reduced.
func (j *JobRecord) Reduced() bool {
	return j.ReducedAt != nil
}

// ShardRegistration represents one landed shard record.
type ShardRegistration struct {
	JobID      string
	ShardIndex int
	ObjectPath string
	Digest     string
	Walkers    int
	CreatedAt  time.Time
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)
}

// NewCatalog creates a new SQLite-based catalog.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	catalog := &SQLiteCatalog{db: db, dbPath: dbPath}

	// Schema must exist before the read-only pool opens the file.
	if err := catalog.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: failed to initialize schema: %w", err)
	}

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	catalog.readDB = readDB

	return catalog, nil
}

// initSchema creates all required tables and indexes.
func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// RegisterJob adds a job to the catalog.
func (c *SQLiteCatalog) RegisterJob(ctx context.Context, job *JobRecord) error {
	if job.ExpectedShards <= 0 {
		return qerrors.NewValidationError(qerrors.CodeShapeMismatch,
			fmt.Sprintf("job %s: expected shard count must be positive, got %d", job.JobID, job.ExpectedShards)).
			WithDetails(map[string]interface{}{"job_id": job.JobID})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var expected int
	err = tx.QueryRowContext(ctx, "SELECT expected_shards FROM jobs WHERE job_id = ?", job.JobID).Scan(&expected)
	switch {
	case err == nil:
		if expected != job.ExpectedShards {
			return qerrors.NewValidationError(qerrors.CodeShapeMismatch,
				fmt.Sprintf("job %s already registered with %d shards, not %d", job.JobID, expected, job.ExpectedShards)).
				WithDetails(map[string]interface{}{"job_id": job.JobID})
		}
		return nil
	case err != sql.ErrNoRows:
		return fmt.Errorf("manifest: failed to look up job %s: %w", job.JobID, err)
	}

	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO jobs (job_id, expected_shards, entry_point, created_at) VALUES (?, ?, ?, ?)",
		job.JobID, job.ExpectedShards, job.EntryPoint, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("manifest: failed to insert job %s: %w", job.JobID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("manifest: failed to commit job %s: %w", job.JobID, err)
	}
	return nil
}

// GetJob retrieves a single job by ID.
func (c *SQLiteCatalog) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	row := c.readDB.QueryRowContext(ctx, `
		SELECT job_id, expected_shards, entry_point, created_at, reduced_at, aggregate_path
		FROM jobs WHERE job_id = ?`, jobID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, qerrors.NewManifestError(qerrors.CodeJobNotFound, fmt.Sprintf("job %s not found", jobID), nil).
			WithDetails(map[string]interface{}{"job_id": jobID})
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to scan job: %w", err)
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	var job JobRecord
	var createdAtUnix int64
	var reducedAtUnix sql.NullInt64
	var aggregatePath sql.NullString

	if err := row.Scan(&job.JobID, &job.ExpectedShards, &job.EntryPoint,
		&createdAtUnix, &reducedAtUnix, &aggregatePath); err != nil {
		return nil, err
	}

	job.CreatedAt = time.Unix(createdAtUnix, 0)
	if reducedAtUnix.Valid {
		t := time.Unix(reducedAtUnix.Int64, 0)
		job.ReducedAt = &t
	}
	if aggregatePath.Valid {
		job.AggregatePath = &aggregatePath.String
	}
	return &job, nil
}

// RegisterShard adds a shard registration to the catalog.
func (c *SQLiteCatalog) RegisterShard(ctx context.Context, reg *ShardRegistration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var expected int
	err = tx.QueryRowContext(ctx, "SELECT expected_shards FROM jobs WHERE job_id = ?", reg.JobID).Scan(&expected)
	if err == sql.ErrNoRows {
		return qerrors.NewManifestError(qerrors.CodeJobNotFound, fmt.Sprintf("job %s not found", reg.JobID), nil).
			WithDetails(map[string]interface{}{"job_id": reg.JobID, "shard_index": reg.ShardIndex})
	}
	if err != nil {
		return fmt.Errorf("manifest: failed to look up job %s: %w", reg.JobID, err)
	}
	if reg.ShardIndex < 0 || reg.ShardIndex >= expected {
		return qerrors.NewValidationError(qerrors.CodeIndexMismatch,
			fmt.Sprintf("job %s: shard index %d outside [0, %d)", reg.JobID, reg.ShardIndex, expected)).
			WithDetails(map[string]interface{}{"job_id": reg.JobID, "shard_index": reg.ShardIndex})
	}

	var existing string
	err = tx.QueryRowContext(ctx,
		"SELECT digest FROM shards WHERE job_id = ? AND shard_index = ?",
		reg.JobID, reg.ShardIndex,
	).Scan(&existing)
	if err == nil {
		if existing == reg.Digest {
			return nil
		}
		log.Printf("manifest: job %s shard %d: digest %s conflicts with registered %s",
			reg.JobID, reg.ShardIndex, reg.Digest, existing)
		return qerrors.NewDuplicateShard(reg.JobID, reg.ShardIndex)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("manifest: failed to check shard registration: %w", err)
	}

	createdAt := reg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO shards (job_id, shard_index, object_path, digest, walkers, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		reg.JobID, reg.ShardIndex, reg.ObjectPath, reg.Digest, reg.Walkers, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("manifest: failed to insert shard %d of job %s: %w", reg.ShardIndex, reg.JobID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("manifest: failed to commit shard registration: %w", err)
	}
	return nil
}

// ListShards returns the shard registrations of a job.
func (c *SQLiteCatalog) ListShards(ctx context.Context, jobID string) ([]*ShardRegistration, error) {
	rows, err := c.readDB.QueryContext(ctx, `
		SELECT job_id, shard_index, object_path, digest, walkers, created_at
		FROM shards WHERE job_id = ? ORDER BY shard_index ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to query shards: %w", err)
	}
	defer rows.Close()

	var regs []*ShardRegistration
	for rows.Next() {
		var reg ShardRegistration
		var createdAtUnix int64
		if err := rows.Scan(&reg.JobID, &reg.ShardIndex, &reg.ObjectPath, &reg.Digest,
			&reg.Walkers, &createdAtUnix); err != nil {
			return nil, fmt.Errorf("manifest: failed to scan shard: %w", err)
		}
		reg.CreatedAt = time.Unix(createdAtUnix, 0)
		regs = append(regs, &reg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("manifest: error iterating shards: %w", err)
	}
	return regs, nil
}

// MarkReduced records the aggregate path of a job. A job is reduced once.
func (c *SQLiteCatalog) MarkReduced(ctx context.Context, jobID, aggregatePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.db.ExecContext(ctx,
		"UPDATE jobs SET reduced_at = ?, aggregate_path = ? WHERE job_id = ? AND reduced_at IS NULL",
		time.Now().Unix(), aggregatePath, jobID,
	)
	if err != nil {
		return fmt.Errorf("manifest: failed to mark job %s reduced: %w", jobID, err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return qerrors.NewManifestError(qerrors.CodeJobNotFound,
			fmt.Sprintf("job %s not found or already reduced", jobID), nil).
			WithDetails(map[string]interface{}{"job_id": jobID})
	}
	return nil
}

// ListPendingJobs returns jobs that have not been reduced yet.
func (c *SQLiteCatalog) ListPendingJobs(ctx context.Context) ([]*JobRecord, error) {
	rows, err := c.readDB.QueryContext(ctx, `
		SELECT job_id, expected_shards, entry_point, created_at, reduced_at, aggregate_path
		FROM jobs WHERE reduced_at IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to query pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("manifest: failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("manifest: error iterating pending jobs: %w", err)
	}
	return jobs, nil
}

// DeleteExpired removes reduced jobs whose reduction is older than ttl.
func (c *SQLiteCatalog) DeleteExpired(ctx context.Context, ttl time.Duration) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-ttl).Unix()

	rows, err := c.db.QueryContext(ctx,
		"SELECT job_id FROM jobs WHERE reduced_at IS NOT NULL AND reduced_at < ?", cutoff)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to query expired jobs: %w", err)
	}

	var expiredIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("manifest: failed to scan job ID: %w", err)
		}
		expiredIDs = append(expiredIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("manifest: error iterating expired jobs: %w", err)
	}

	for _, id := range expiredIDs {
		// Shards first, they reference the job
		if _, err := c.db.ExecContext(ctx, "DELETE FROM shards WHERE job_id = ?", id); err != nil {
			return nil, fmt.Errorf("manifest: failed to delete shards of job %s: %w", id, err)
		}
		if _, err := c.db.ExecContext(ctx, "DELETE FROM jobs WHERE job_id = ?", id); err != nil {
			return nil, fmt.Errorf("manifest: failed to delete job %s: %w", id, err)
		}
	}

	if len(expiredIDs) > 0 {
		log.Printf("manifest: deleted %d expired jobs", len(expiredIDs))
	}
	return expiredIDs, nil
}

// Close closes the catalog database connections.
func (c *SQLiteCatalog) Close() error {
	// Close read connection first, then write connection
	if err := c.readDB.Close(); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}
