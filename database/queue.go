package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lumaframe/lumaframe"
)

// Queue reservation errors used by workers to reason about concurrent access
// to the same resources.
var (
	// ErrPhotoLocked indicates that another worker currently holds the
	// per-photo advisory lock. Callers should back off rather than start
	// competing enrichment writes for the same photo.
	ErrPhotoLocked = errors.New("photo is locked by another worker")
)

// DefaultMaxAttempts is applied when a job is enqueued without an explicit
// attempt budget.
const DefaultMaxAttempts = 3

// claimRetries bounds how many candidate rows a single ClaimNext call will
// race for before reporting an empty queue. Losing the compare-and-set to
// another worker is normal under contention; retrying against the next
// candidate keeps both workers busy.
const claimRetries = 5

// Enqueue inserts a new pending job. The payload is validated before it is
// serialized so a malformed job can never reach a worker. maxAttempts <= 0
// selects DefaultMaxAttempts. Returns the new job ID.
func (d *DB) Enqueue(ctx context.Context, payload lumaframe.JobPayload, priority, maxAttempts int) (int64, error) {
	data, err := payload.Marshal()
	if err != nil {
		return 0, err
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	query := `
		INSERT INTO pipeline_queue (payload, priority, max_attempts, status)
		VALUES (?, ?, ?, ?)
	`
	res, err := d.db.ExecContext(ctx, query, string(data), priority, maxAttempts, JobStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get enqueued job ID: %w", err)
	}
	return id, nil
}

// ClaimNext atomically claims the next eligible job for the given worker.
//
// Eligibility: status 'pending', or status 'in-stages' whose lease heartbeat
// is older than leaseTimeout (the claimant is presumed dead), in both cases
// with attempts remaining. Candidates are ordered by priority descending,
// then enqueue time ascending.
//
// The claim itself is a compare-and-set: the UPDATE only fires if the row
// still has the status and attempt count observed in the candidate SELECT.
// If another worker won the race, the next candidate is tried. A successful
// claim transitions the row to 'in-stages', increments attempts, stamps the
// kind's first stage, and records this worker as lease owner.
//
// Returns (nil, nil) when the queue has no eligible work.
func (d *DB) ClaimNext(ctx context.Context, owner string, leaseTimeout time.Duration) (*PipelineJob, error) {
	// Lease timestamps are stored as UTC DATETIME strings and compared
	// lexically, so the threshold must be UTC too.
	staleBefore := time.Now().UTC().Add(-leaseTimeout)

	if err := d.parkExpiredLeases(ctx, staleBefore); err != nil {
		return nil, err
	}

	for i := 0; i < claimRetries; i++ {
		candidate, err := d.nextCandidate(ctx, staleBefore)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, nil // Queue is empty
		}

		// heartbeat_at is always bound from Go time so that lease
		// comparisons use one consistent timestamp format.
		now := time.Now().UTC()
		query := `
			UPDATE pipeline_queue
			SET status = ?,
			    attempts = attempts + 1,
			    status_stage = ?,
			    lease_owner = ?,
			    heartbeat_at = ?
			WHERE id = ? AND status = ? AND attempts = ?
		`
		firstStage := lumaframe.FirstStageFor(candidate.Payload.Kind)
		res, err := d.db.ExecContext(ctx, query,
			JobStatusInStages, string(firstStage), owner, now,
			candidate.ID, candidate.Status, candidate.Attempts)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %d: %w", candidate.ID, err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim job: failed to get rows affected: %w", err)
		}
		if rows == 0 {
			// Another worker changed the row between our read and our
			// conditional write. Try the next candidate.
			continue
		}

		candidate.Status = JobStatusInStages
		candidate.Attempts++
		candidate.Stage = &firstStage
		candidate.LeaseOwner = &owner
		candidate.HeartbeatAt = &now
		return candidate, nil
	}

	// Heavily contended queue; let the caller poll again.
	return nil, nil
}

// parkExpiredLeases fails in-flight jobs whose lease expired on their final
// attempt. Jobs with attempts remaining are left for claim-time takeover.
func (d *DB) parkExpiredLeases(ctx context.Context, staleBefore time.Time) error {
	query := `
		UPDATE pipeline_queue
		SET status = ?, status_stage = NULL, lease_owner = NULL,
		    error_message = COALESCE(error_message, 'lease expired with no attempts remaining')
		WHERE status = ?
		  AND attempts >= max_attempts
		  AND (heartbeat_at IS NULL OR heartbeat_at < ?)
	`
	if _, err := d.db.ExecContext(ctx, query, JobStatusFailed, JobStatusInStages, staleBefore); err != nil {
		return fmt.Errorf("failed to park expired leases: %w", err)
	}
	return nil
}

// nextCandidate selects the highest-priority eligible row without claiming
// it. Rows whose payload no longer decodes are parked as failed so they
// cannot wedge the queue.
func (d *DB) nextCandidate(ctx context.Context, staleBefore time.Time) (*PipelineJob, error) {
	query := selectJobColumns + `
		FROM pipeline_queue
		WHERE (status = 'pending'
		       OR (status = 'in-stages'
		           AND (heartbeat_at IS NULL OR heartbeat_at < ?)))
		  AND attempts < max_attempts
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1
	`

	job, err := d.scanJob(d.db.QueryRowContext(ctx, query, staleBefore))
	if err == nil || !errors.As(err, new(*lumaframe.ValidationError)) {
		return job, err
	}

	// Corrupt payload: park the row instead of retrying it forever.
	if job != nil {
		parkErr := d.parkCorruptJob(ctx, job.ID, err.Error())
		if parkErr != nil {
			return nil, parkErr
		}
		return d.nextCandidate(ctx, staleBefore)
	}
	return nil, err
}

func (d *DB) parkCorruptJob(ctx context.Context, jobID int64, message string) error {
	query := `
		UPDATE pipeline_queue
		SET status = ?, attempts = max_attempts, status_stage = NULL,
		    lease_owner = NULL, error_message = ?
		WHERE id = ?
	`
	if _, err := d.db.ExecContext(ctx, query, JobStatusFailed, message, jobID); err != nil {
		return fmt.Errorf("failed to park corrupt job %d: %w", jobID, err)
	}
	return nil
}

// AdvanceStage records that the job has moved to the given stage. The write
// doubles as a lease heartbeat, so a job that keeps making stage progress is
// never mistaken for abandoned. The job must still be leased to owner; a
// worker whose lease was taken over gets a conflict and must abandon the job.
func (d *DB) AdvanceStage(ctx context.Context, jobID int64, owner string, stage lumaframe.Stage) error {
	if !lumaframe.ValidStage(stage) {
		return lumaframe.Validationf("unknown pipeline stage %q", stage)
	}

	query := `
		UPDATE pipeline_queue
		SET status_stage = ?, heartbeat_at = ?
		WHERE id = ? AND status = ? AND lease_owner = ?
	`
	res, err := d.db.ExecContext(ctx, query, string(stage), time.Now().UTC(), jobID, JobStatusInStages, owner)
	if err != nil {
		return fmt.Errorf("failed to advance job %d to stage %s: %w", jobID, stage, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance stage: failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return lumaframe.Conflictf("job %d is no longer leased to %s", jobID, owner)
	}
	return nil
}

// Heartbeat refreshes the lease on an in-flight job without changing its
// stage. Long-running stages call this periodically so their claim is not
// taken over.
func (d *DB) Heartbeat(ctx context.Context, jobID int64, owner string) error {
	query := `
		UPDATE pipeline_queue
		SET heartbeat_at = ?
		WHERE id = ? AND status = ? AND lease_owner = ?
	`
	res, err := d.db.ExecContext(ctx, query, time.Now().UTC(), jobID, JobStatusInStages, owner)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job %d: %w", jobID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat: failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return lumaframe.Conflictf("job %d is no longer leased to %s", jobID, owner)
	}
	return nil
}

// SetJobTraceID records the trace that processed this job so operators can
// jump from a queue row to the corresponding trace.
func (d *DB) SetJobTraceID(ctx context.Context, jobID int64, traceID string) error {
	query := `UPDATE pipeline_queue SET trace_id = ? WHERE id = ?`
	if _, err := d.db.ExecContext(ctx, query, traceID, jobID); err != nil {
		return fmt.Errorf("failed to set trace ID on job %d: %w", jobID, err)
	}
	return nil
}

// Complete marks an in-flight job as successfully finished: status
// 'completed', completion timestamp set, stage, lease and error cleared.
// The write is fenced on the lease owner so a worker that lost a stale-lease
// takeover cannot finish the new claimant's job.
func (d *DB) Complete(ctx context.Context, jobID int64, owner string) error {
	query := `
		UPDATE pipeline_queue
		SET status = ?, status_stage = NULL, error_message = NULL,
		    lease_owner = NULL, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ? AND lease_owner = ?
	`
	res, err := d.db.ExecContext(ctx, query, JobStatusCompleted, jobID, JobStatusInStages, owner)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", jobID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete job: failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return lumaframe.Conflictf("job %d is no longer leased to %s", jobID, owner)
	}
	return nil
}

// Fail records a stage failure for an in-flight job. The attempt was already
// consumed at claim time, so the row either returns to 'pending' for a
// future retry or, once the attempt budget is exhausted, parks as 'failed'.
// Failed jobs are terminal and only leave that state via RequeueFailed.
// Like Complete, the write is fenced on the lease owner: a late failure
// report from a displaced worker must not knock out the current claimant.
func (d *DB) Fail(ctx context.Context, jobID int64, owner, message string) error {
	query := `
		UPDATE pipeline_queue
		SET status = CASE WHEN attempts >= max_attempts THEN ? ELSE ? END,
		    status_stage = NULL,
		    lease_owner = NULL,
		    error_message = ?
		WHERE id = ? AND status = ? AND lease_owner = ?
	`
	res, err := d.db.ExecContext(ctx, query, JobStatusFailed, JobStatusPending, message, jobID, JobStatusInStages, owner)
	if err != nil {
		return fmt.Errorf("failed to record failure for job %d: %w", jobID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail job: failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return lumaframe.Conflictf("job %d is no longer leased to %s", jobID, owner)
	}
	return nil
}

// RequeueFailed resets a terminally failed job for a fresh round of
// attempts. This is the only path out of the 'failed' state and is an
// operator action, never automatic.
func (d *DB) RequeueFailed(ctx context.Context, jobID int64) error {
	query := `
		UPDATE pipeline_queue
		SET status = ?, attempts = 0, status_stage = NULL,
		    lease_owner = NULL, heartbeat_at = NULL, error_message = NULL
		WHERE id = ? AND status = ?
	`
	res, err := d.db.ExecContext(ctx, query, JobStatusPending, jobID, JobStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue job %d: %w", jobID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue job: failed to get rows affected: %w", err)
	}
	if rows == 0 {
		job, getErr := d.GetJob(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		if job == nil {
			return &lumaframe.NotFoundError{Resource: "job", ID: fmt.Sprintf("%d", jobID)}
		}
		return lumaframe.Conflictf("job %d is %s, only failed jobs can be requeued", jobID, job.Status)
	}
	return nil
}

// GetJob retrieves a single queue row by ID. Returns nil if not found.
func (d *DB) GetJob(ctx context.Context, jobID int64) (*PipelineJob, error) {
	query := selectJobColumns + ` FROM pipeline_queue WHERE id = ?`
	job, err := d.scanJob(d.db.QueryRowContext(ctx, query, jobID))
	if err != nil && errors.As(err, new(*lumaframe.ValidationError)) {
		// Surface the row even though its payload is corrupt; listings and
		// operator tooling still need to see it.
		return job, nil
	}
	return job, err
}

// ListJobs lists queue rows, newest first, optionally filtered by status.
func (d *DB) ListJobs(ctx context.Context, status string, limit int) ([]*PipelineJob, error) {
	if status != "" && !ValidJobStatus(status) {
		return nil, lumaframe.Validationf("unknown job status %q", status)
	}
	if limit <= 0 {
		limit = 100
	}

	query := selectJobColumns + ` FROM pipeline_queue`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*PipelineJob
	for rows.Next() {
		job, err := d.scanJob(rows)
		if err != nil && !errors.As(err, new(*lumaframe.ValidationError)) {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// CountJobsByStatus returns the number of queue rows per status.
func (d *DB) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pipeline_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job counts: %w", err)
	}
	return counts, nil
}

// AcquirePhotoLock attempts to acquire an exclusive advisory lock for the
// given photo key. This prevents two workers from interleaving enrichment
// writes for the same photo across processes.
//
// The lock is implemented using SQLite's PRIMARY KEY constraint on
// photo_key. A lock older than staleAfter is presumed orphaned by a crashed
// worker and is taken over.
func (d *DB) AcquirePhotoLock(ctx context.Context, photoKey, owner string, staleAfter time.Duration) error {
	now := time.Now()

	// Clear an orphaned lock first so the insert below can succeed.
	reap := `DELETE FROM photo_locks WHERE photo_key = ? AND locked_at < ?`
	if _, err := d.db.ExecContext(ctx, reap, photoKey, now.Add(-staleAfter).Unix()); err != nil {
		return fmt.Errorf("failed to reap stale photo lock: %w", err)
	}

	query := `INSERT INTO photo_locks (photo_key, locked_at, locked_by) VALUES (?, ?, ?)`
	_, err := d.db.ExecContext(ctx, query, photoKey, now.Unix(), owner)
	if err != nil {
		if isConstraintErr(err) {
			return ErrPhotoLocked
		}
		return fmt.Errorf("failed to acquire photo lock: %w", err)
	}
	return nil
}

// ReleasePhotoLock releases the advisory lock for the given photo key.
// Idempotent: releasing a lock that does not exist is not an error.
func (d *DB) ReleasePhotoLock(ctx context.Context, photoKey string) error {
	query := `DELETE FROM photo_locks WHERE photo_key = ?`
	if _, err := d.db.ExecContext(ctx, query, photoKey); err != nil {
		return fmt.Errorf("failed to release photo lock: %w", err)
	}
	return nil
}

// selectJobColumns is shared by every queue read so scans stay in sync with
// the column list.
const selectJobColumns = `
	SELECT id, payload, priority, attempts, max_attempts, status,
	       status_stage, error_message, lease_owner, heartbeat_at,
	       trace_id, created_at, completed_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans one queue row. A payload that fails validation returns the
// partially populated job along with the validation error so callers can
// decide whether to park or surface the row.
func (d *DB) scanJob(row rowScanner) (*PipelineJob, error) {
	var job PipelineJob
	var payload string
	var stage, errMsg, leaseOwner, traceID sql.NullString
	var heartbeatAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &payload, &job.Priority, &job.Attempts, &job.MaxAttempts,
		&job.Status, &stage, &errMsg, &leaseOwner, &heartbeatAt,
		&traceID, &job.CreatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	if stage.Valid {
		s := lumaframe.Stage(stage.String)
		job.Stage = &s
	}
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	if leaseOwner.Valid {
		job.LeaseOwner = &leaseOwner.String
	}
	if heartbeatAt.Valid {
		job.HeartbeatAt = &heartbeatAt.Time
	}
	if traceID.Valid {
		job.TraceID = &traceID.String
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}

	if err := job.Payload.Unmarshal([]byte(payload)); err != nil {
		return &job, lumaframe.Validationf("job %d has corrupt payload: %v", job.ID, err)
	}
	return &job, nil
}
