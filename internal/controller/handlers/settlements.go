package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"github.com/google/uuid"

	"settleplane/internal/controller/middleware"
	"settleplane/internal/store"
	"settleplane/pkg/api"
)

// SubmitRepayment handles POST /repayment.
// It enqueues a repayment settlement for the given token. The heavy
// lifting happens asynchronously in the worker; this handler only
// validates the request and persists the job.
func (h *Handlers) SubmitRepayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.RepaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.TokenID == "" || req.PawnshopAccountID == "" {
		h.httpError(w, "token_id and pawnshop_account_id are required", http.StatusBadRequest)
		return
	}

	callerID, ok := middleware.CallerIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	params, _ := json.Marshal(store.RepaymentParams{
		PawnshopAccountID: req.PawnshopAccountID,
		ReferenceID:       req.ReferenceID,
	})

	job := &store.Job{
		ID:             uuid.New(),
		Kind:           store.JobKindRepayment,
		SubjectTokenID: req.TokenID,
		UserID:         callerID,
		Params:         params,
	}

	if err := h.store.Submit(ctx, job); err != nil {
		if errors.Is(err, store.ErrConflict) {
			h.httpError(w, "A settlement is already in flight for this token", http.StatusConflict)
			return
		}
		h.logger.Error("failed to submit repayment job", "token_id", req.TokenID, "error", err)
		h.httpError(w, "Failed to submit job", http.StatusInternalServerError)
		return
	}

	h.logger.Info("repayment job accepted",
		"job_id", job.ID, "token_id", req.TokenID, "caller_id", callerID)
	h.respondJson(w, http.StatusAccepted, api.SubmitResponse{JobID: job.ID.String()})
}

// SubmitPurchase handles POST /purchase-token.
// Structural validation happens here; the worker re-validates before
// touching the ledger so a stale queue entry can never slip through.
func (h *Handlers) SubmitPurchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.TokenID == "" || req.BuyerAccountID == "" {
		h.httpError(w, "token_id and buyer_account_id are required", http.StatusBadRequest)
		return
	}
	if req.UnitCount < api.UnitCountMin || req.UnitCount > api.UnitCountMax {
		h.httpError(w, "unit_count must be between 1 and 100", http.StatusBadRequest)
		return
	}
	if req.TotalValue <= 0 {
		h.httpError(w, "total_value must be positive", http.StatusBadRequest)
		return
	}

	callerID, ok := middleware.CallerIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.checkPrice(r, req); err != nil {
		h.httpError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	params, _ := json.Marshal(store.PurchaseParams{
		BuyerAccountID: req.BuyerAccountID,
		UnitCount:      req.UnitCount,
		TotalValue:     req.TotalValue,
	})

	job := &store.Job{
		ID:             uuid.New(),
		Kind:           store.JobKindPurchase,
		SubjectTokenID: req.TokenID,
		UserID:         callerID,
		Params:         params,
	}

	if err := h.store.Submit(ctx, job); err != nil {
		if errors.Is(err, store.ErrConflict) {
			h.httpError(w, "A settlement is already in flight for this token", http.StatusConflict)
			return
		}
		h.logger.Error("failed to submit purchase job", "token_id", req.TokenID, "error", err)
		h.httpError(w, "Failed to submit job", http.StatusInternalServerError)
		return
	}

	h.logger.Info("purchase job accepted",
		"job_id", job.ID, "token_id", req.TokenID, "unit_count", req.UnitCount, "caller_id", callerID)
	h.respondJson(w, http.StatusAccepted, api.SubmitResponse{JobID: job.ID.String()})
}

// checkPrice compares the requested total against the current market
// quote. A quote outage does not block purchases; the check is a
// submission-time guard, not a settlement condition.
func (h *Handlers) checkPrice(r *http.Request, req api.PurchaseRequest) error {
	if h.quoter == nil || h.priceTolerancePct <= 0 {
		return nil
	}

	quote, err := h.quoter.GetQuote(r.Context(), req.TokenID)
	if err != nil {
		h.logger.Warn("quote unavailable, skipping price check",
			"token_id", req.TokenID, "error", err)
		return nil
	}

	expected := quote.PricePerUnit * int64(req.UnitCount)
	if expected <= 0 {
		return nil
	}

	deviation := math.Abs(float64(req.TotalValue-expected)) / float64(expected) * 100
	if deviation > h.priceTolerancePct {
		return errors.New("total_value deviates too far from the current quote")
	}
	return nil
}
