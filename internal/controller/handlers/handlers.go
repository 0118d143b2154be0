// Package handlers contains HTTP handlers for the settlement controller API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"settleplane/internal/ledger"
	"settleplane/internal/pubsub"
	"settleplane/internal/store"
	"settleplane/internal/valuation"
	"settleplane/pkg/api"
)

// Store combines the persistence interfaces the controller needs.
type Store interface {
	store.JobStore
	Ping(ctx context.Context) error
}

// Quoter is the slice of the valuation client the purchase handler uses
// for the pre-submit price sanity check.
type Quoter interface {
	GetQuote(ctx context.Context, tokenID string) (*valuation.Quote, error)
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store  Store
	ledger ledger.Ledger
	stream pubsub.Subscriber
	quoter Quoter
	logger *slog.Logger

	// priceTolerancePct bounds how far a purchase's total value may
	// deviate from the current quote before submission is rejected.
	// Zero disables the check.
	priceTolerancePct float64

	// stalledAfter and maxJobAttempts parameterize the admin sweep of
	// jobs whose worker died mid-flight.
	stalledAfter   time.Duration
	maxJobAttempts int
}

// Deps are the collaborators wired into Handlers.
type Deps struct {
	Store             Store
	Ledger            ledger.Ledger
	Stream            pubsub.Subscriber
	Quoter            Quoter
	Logger            *slog.Logger
	PriceTolerancePct float64
	StalledAfter      time.Duration
	MaxJobAttempts    int
}

// New creates a new Handlers instance.
func New(d Deps) *Handlers {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.StalledAfter <= 0 {
		d.StalledAfter = 5 * time.Minute
	}
	if d.MaxJobAttempts <= 0 {
		d.MaxJobAttempts = 3
	}
	return &Handlers{
		store:             d.Store,
		ledger:            d.Ledger,
		stream:            d.Stream,
		quoter:            d.Quoter,
		logger:            d.Logger,
		priceTolerancePct: d.PriceTolerancePct,
		stalledAfter:      d.StalledAfter,
		maxJobAttempts:    d.MaxJobAttempts,
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// jobStatusResponse converts a stored job into its API representation.
func jobStatusResponse(job *store.Job) api.JobStatusResponse {
	resp := api.JobStatusResponse{
		ID:              job.ID.String(),
		Kind:            string(job.Kind),
		TokenID:         job.SubjectTokenID,
		State:           string(job.State),
		Stage:           string(job.Stage),
		ProgressPercent: job.ProgressPercent,
		Attempts:        job.Attempts,
		ErrorKind:       job.ErrorKind,
		ErrorMessage:    job.ErrorMessage,
		CreatedAt:       job.CreatedAt,
	}
	if !job.UpdatedAt.IsZero() {
		updated := job.UpdatedAt
		resp.UpdatedAt = &updated
	}
	if job.Result != nil {
		if raw, err := json.Marshal(job.Result); err == nil {
			resp.Result = raw
		}
	}
	return resp
}
