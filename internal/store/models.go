// Package store contains the database layer for settleplane.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobKind identifies the settlement workflow a job runs.
type JobKind string

const (
	JobKindRepayment JobKind = "repayment"
	JobKindPurchase  JobKind = "purchase"
)

// JobState represents the lifecycle state of a settlement job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Stage is the human-readable step a job is currently executing.
type Stage string

const (
	StageEnumeratingHolders Stage = "enumerating-holders"
	StageUnfreezing         Stage = "unfreezing"
	StageTransferring       Stage = "transferring"
	StageBurning            Stage = "burning"
	StageValidating         Stage = "validating"
	StageAssociating        Stage = "associating"
	StageFreezing           Stage = "freezing"
	StageFinalizing         Stage = "finalizing"
)

// Job is one unit of settlement work against a single token.
// A job is exclusively owned by the worker that claimed it until it
// reaches a terminal state.
type Job struct {
	ID              uuid.UUID
	Kind            JobKind
	SubjectTokenID  string
	UserID          string
	Params          json.RawMessage
	State           JobState
	Stage           Stage
	ProgressPercent int
	Attempts        int
	Result          *SettlementResult
	ErrorKind       *string
	ErrorMessage    *string
	LeaseExpiresAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	switch j.State {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// RepaymentParams is the kind-specific payload for repayment jobs.
type RepaymentParams struct {
	PawnshopAccountID string `json:"pawnshop_account_id"`
	ReferenceID       string `json:"reference_id,omitempty"`
}

// PurchaseParams is the kind-specific payload for purchase jobs.
type PurchaseParams struct {
	BuyerAccountID string `json:"buyer_account_id"`
	UnitCount      int    `json:"unit_count"`
	TotalValue     int64  `json:"total_value"` // smallest currency unit
}

// TransactionRecord is an immutable log entry of one ledger call.
// Records are never mutated after creation; they are owned by the job
// result once the job is terminal.
type TransactionRecord struct {
	OperationType string `json:"operation_type"` // unfreeze/transfer/burn/associate/freeze
	AccountID     string `json:"account_id,omitempty"`
	TransactionID string `json:"transaction_id"`
	Receipt       string `json:"receipt"`
}

// BatchResult is the outcome of one chunked ledger transaction.
// A failed batch does not undo earlier batches; their effects are final
// on the ledger and the failure surfaces as a job-level warning.
type BatchResult struct {
	BatchNumber   int     `json:"batch_number"`
	AccountID     string  `json:"account_id,omitempty"`
	Serials       []int64 `json:"serials,omitempty"`
	Units         int     `json:"units"`
	TransactionID string  `json:"transaction_id,omitempty"`
	Receipt       string  `json:"receipt,omitempty"`
	Success       bool    `json:"success"`
	Error         string  `json:"error,omitempty"`
}

// SettlementResult is the terminal payload of a completed job.
type SettlementResult struct {
	Batches          []BatchResult       `json:"batches,omitempty"`
	Records          []TransactionRecord `json:"records,omitempty"`
	TransferredUnits int                 `json:"transferred_units"`
	BurnedUnits      int                 `json:"burned_units,omitempty"`
	Serials          []int64             `json:"serials,omitempty"`
	SkippedHolders   []string            `json:"skipped_holders,omitempty"`
	Warning          string              `json:"warning,omitempty"`
}

// ReclaimSummary reports the outcome of a stalled-job sweep.
type ReclaimSummary struct {
	Requeued []uuid.UUID `json:"requeued"`
	Failed   []uuid.UUID `json:"failed"`
}
