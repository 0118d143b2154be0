package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"settleplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// pqUniqueViolation is the Postgres error code for unique constraint violations.
const pqUniqueViolation = "23505"

// preMutationStages are the stages from which a stalled job may be
// safely requeued: no ledger mutation has happened yet (associate is
// idempotent on the ledger). Past these stages a re-run could
// double-transfer or double-burn, so stalled jobs are failed instead.
var preMutationStages = []string{
	"",
	string(store.StageEnumeratingHolders),
	string(store.StageValidating),
	string(store.StageAssociating),
}

const jobColumns = `id, kind, subject_token_id, user_id, params, state, stage,
	progress_percent, attempts, result, error_kind, error_message,
	lease_expires_at, created_at, updated_at`

// Submit inserts a new queued job, enforcing per-token exclusivity.
func (s *Store) Submit(ctx context.Context, job *store.Job) error {
	query := `
		INSERT INTO settlement_jobs (id, kind, subject_token_id, user_id, params, state)
		SELECT $1, $2, $3, $4, $5, 'queued'
		WHERE NOT EXISTS (
			SELECT 1 FROM settlement_jobs
			WHERE subject_token_id = $3 AND state IN ('queued', 'active')
		)
		RETURNING created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		job.ID, job.Kind, job.SubjectTokenID, job.UserID, job.Params,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrConflict
		}
		// Two concurrent submitters can both pass the NOT EXISTS check;
		// the partial unique index turns the loser into a conflict.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to submit job for token %s: %w", job.SubjectTokenID, err)
	}

	job.State = store.JobStateQueued
	return nil
}

// ClaimNext atomically claims the oldest queued job using
// SELECT ... FOR UPDATE SKIP LOCKED, so concurrent workers never claim the
// same job. Returns (nil, nil) when the queue is empty.
func (s *Store) ClaimNext(ctx context.Context, lease time.Duration) (*store.Job, error) {
	query := fmt.Sprintf(`
		UPDATE settlement_jobs
		SET state = 'active',
		    attempts = attempts + 1,
		    lease_expires_at = NOW() + ($1 * INTERVAL '1 second'),
		    updated_at = NOW()
		WHERE id = (
			SELECT id FROM settlement_jobs
			WHERE state = 'queued'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING %s
	`, jobColumns)

	job, err := scanJob(s.db.QueryRowContext(ctx, query, lease.Seconds()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim next job: %w", err)
	}
	return job, nil
}

// Heartbeat extends the lease of an active job.
func (s *Store) Heartbeat(ctx context.Context, jobID uuid.UUID, lease time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlement_jobs
		SET lease_expires_at = NOW() + ($1 * INTERVAL '1 second')
		WHERE id = $2 AND state = 'active'
	`, lease.Seconds(), jobID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job %s: %w", jobID, err)
	}
	return nil
}

// UpdateProgress records stage and percent for an active job.
// GREATEST keeps progress monotonically non-decreasing; non-active jobs
// are untouched.
func (s *Store) UpdateProgress(ctx context.Context, jobID uuid.UUID, stage store.Stage, percent int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlement_jobs
		SET stage = $2,
		    progress_percent = GREATEST(progress_percent, $3),
		    updated_at = NOW()
		WHERE id = $1 AND state = 'active'
	`, jobID, stage, percent)
	if err != nil {
		return fmt.Errorf("failed to update progress for job %s: %w", jobID, err)
	}
	return nil
}

// Complete finalizes an active job with its settlement result.
// The state guard makes finalization idempotent: a second Complete or a
// Complete after Fail affects zero rows and is a no-op.
func (s *Store) Complete(ctx context.Context, jobID uuid.UUID, result *store.SettlementResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result for job %s: %w", jobID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE settlement_jobs
		SET state = 'completed',
		    stage = 'finalizing',
		    progress_percent = 100,
		    result = $2,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND state = 'active'
	`, jobID, payload)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	return nil
}

// Fail finalizes an active job with an error. Idempotent like Complete.
func (s *Store) Fail(ctx context.Context, jobID uuid.UUID, errorKind, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlement_jobs
		SET state = 'failed',
		    error_kind = $2,
		    error_message = $3,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND state = 'active'
	`, jobID, errorKind, message)
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", jobID, err)
	}
	return nil
}

// Cancel transitions a queued job to cancelled. Returns false once the
// job is active or terminal; in-flight ledger operations cannot be
// rolled back, so active jobs are not cancellable.
func (s *Store) Cancel(ctx context.Context, jobID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE settlement_jobs
		SET state = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND state = 'queued'
	`, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, jobID uuid.UUID) (*store.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM settlement_jobs WHERE id = $1`, jobColumns)

	job, err := scanJob(s.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

// ReclaimStalled sweeps active jobs whose lease expired more than maxAge
// ago. Jobs still in a pre-mutation stage are requeued up to maxAttempts;
// everything else is failed with an infrastructure error, never re-run.
func (s *Store) ReclaimStalled(ctx context.Context, maxAge time.Duration, maxAttempts int) (*store.ReclaimSummary, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	summary := &store.ReclaimSummary{}

	requeued, err := collectIDs(tx.QueryContext(ctx, `
		UPDATE settlement_jobs
		SET state = 'queued',
		    stage = '',
		    progress_percent = 0,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE state = 'active'
		  AND lease_expires_at < NOW() - ($1 * INTERVAL '1 second')
		  AND attempts < $2
		  AND stage = ANY($3)
		RETURNING id
	`, maxAge.Seconds(), maxAttempts, pq.Array(preMutationStages)))
	if err != nil {
		return nil, fmt.Errorf("failed to requeue stalled jobs: %w", err)
	}
	summary.Requeued = requeued

	failed, err := collectIDs(tx.QueryContext(ctx, `
		UPDATE settlement_jobs
		SET state = 'failed',
		    error_kind = 'infrastructure',
		    error_message = 'worker stalled past lease; job is past a ledger mutation point or out of attempts',
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE state = 'active'
		  AND lease_expires_at < NOW() - ($1 * INTERVAL '1 second')
		RETURNING id
	`, maxAge.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to fail stalled jobs: %w", err)
	}
	summary.Failed = failed

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return summary, nil
}

// CountByState returns the number of jobs in the given state.
func (s *Store) CountByState(ctx context.Context, state store.JobState) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM settlement_jobs WHERE state = $1`, state,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs in state %s: %w", state, err)
	}
	return count, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*store.Job, error) {
	var (
		job       store.Job
		params    []byte
		result    sql.NullString
		errKind   sql.NullString
		errMsg    sql.NullString
		lease     sql.NullTime
		updatedAt time.Time
	)

	err := row.Scan(
		&job.ID, &job.Kind, &job.SubjectTokenID, &job.UserID, &params,
		&job.State, &job.Stage, &job.ProgressPercent, &job.Attempts,
		&result, &errKind, &errMsg, &lease, &job.CreatedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Params = params
	job.UpdatedAt = updatedAt
	if result.Valid {
		var r store.SettlementResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job result: %w", err)
		}
		job.Result = &r
	}
	if errKind.Valid {
		job.ErrorKind = &errKind.String
	}
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	if lease.Valid {
		job.LeaseExpiresAt = &lease.Time
	}
	return &job, nil
}

func collectIDs(rows *sql.Rows, err error) ([]uuid.UUID, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
