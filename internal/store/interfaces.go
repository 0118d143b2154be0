package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by JobStore implementations.
var (
	// ErrConflict is returned by Submit when an active or queued job
	// already exists for the subject token.
	ErrConflict = errors.New("a settlement job is already in flight for this token")

	// ErrNotFound is returned when no job exists for the given id.
	ErrNotFound = errors.New("job not found")
)

// JobStore is the durable record of settlement jobs and the claim queue.
// It is the only shared mutable state in the engine; workers never do
// ad-hoc read-modify-write, every mutation goes through these operations.
type JobStore interface {
	// Submit persists a new queued job. It fails with ErrConflict if a
	// queued or active job already exists for job.SubjectTokenID.
	Submit(ctx context.Context, job *Job) error

	// ClaimNext atomically transitions one queued job to active,
	// increments its attempt counter and stamps a lease. It returns
	// (nil, nil) when the queue is empty. Exactly one worker claims a
	// given job.
	ClaimNext(ctx context.Context, lease time.Duration) (*Job, error)

	// Heartbeat extends the lease of an active job.
	Heartbeat(ctx context.Context, jobID uuid.UUID, lease time.Duration) error

	// UpdateProgress records the current stage and percent. It is a
	// no-op unless the job is active; percent never decreases.
	UpdateProgress(ctx context.Context, jobID uuid.UUID, stage Stage, percent int) error

	// Complete transitions an active job to completed with its result.
	// Finalization is idempotent: subsequent calls are no-ops.
	Complete(ctx context.Context, jobID uuid.UUID, result *SettlementResult) error

	// Fail transitions an active job to failed. Idempotent like Complete.
	Fail(ctx context.Context, jobID uuid.UUID, errorKind, message string) error

	// Cancel transitions a queued job to cancelled and reports whether
	// it did. Active jobs are not cancellable: in-flight ledger
	// operations cannot be rolled back, so Cancel returns false.
	Cancel(ctx context.Context, jobID uuid.UUID) (bool, error)

	// Get returns a job by id, or ErrNotFound.
	Get(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// ReclaimStalled sweeps active jobs whose lease expired longer than
	// maxAge ago. Jobs still in a pre-mutation stage are requeued (up to
	// maxAttempts); jobs that already issued ledger mutations are failed
	// instead, since re-running them could double-transfer or double-burn.
	ReclaimStalled(ctx context.Context, maxAge time.Duration, maxAttempts int) (*ReclaimSummary, error)

	// CountByState returns the number of jobs currently in the given state.
	CountByState(ctx context.Context, state JobState) (int64, error)
}
