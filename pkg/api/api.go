// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import (
	"encoding/json"
	"time"
)

// RepaymentRequest is the request body for starting a repayment settlement.
type RepaymentRequest struct {
	TokenID           string `json:"token_id"`
	PawnshopAccountID string `json:"pawnshop_account_id"`
	ReferenceID       string `json:"reference_id,omitempty"`
}

// PurchaseRequest is the request body for starting a token purchase settlement.
type PurchaseRequest struct {
	TokenID        string `json:"token_id"`
	BuyerAccountID string `json:"buyer_account_id"`
	UnitCount      int    `json:"unit_count"`
	// TotalValue is in the smallest currency unit.
	TotalValue int64 `json:"total_value"`
}

// SubmitResponse is the response body after a settlement job is accepted.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// JobStatusResponse is the response body for settlement status queries.
type JobStatusResponse struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	TokenID         string          `json:"token_id"`
	State           string          `json:"state"`
	Stage           string          `json:"stage,omitempty"`
	ProgressPercent int             `json:"progress_percent"`
	Attempts        int             `json:"attempts"`
	ErrorKind       *string         `json:"error_kind,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       *time.Time      `json:"updated_at,omitempty"`
}

// HolderResponse represents a single token holder.
type HolderResponse struct {
	AccountID string  `json:"account_id"`
	Serials   []int64 `json:"serials"`
	Units     int     `json:"units"`
}

// HoldersResponse is the response body for holder enumeration.
type HoldersResponse struct {
	TokenID    string           `json:"token_id"`
	Holders    []HolderResponse `json:"holders"`
	TotalUnits int              `json:"total_units"`
}

// CancelResponse is the response body after cancelling a queued job.
type CancelResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

// ReclaimResponse is the response body for the stalled-job cleanup endpoint.
type ReclaimResponse struct {
	Requeued []string `json:"requeued"`
	Failed   []string `json:"failed"`
}

// HealthResponse is the response body for health probes.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Purchase limits enforced before any ledger call.
const (
	UnitCountMin = 1
	UnitCountMax = 100
)
