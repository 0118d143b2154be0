package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"settleplane/internal/controller/middleware"
	"settleplane/internal/store"
	"settleplane/pkg/api"
)

// GetStatus handles GET /repayment/status/{id} and GET /purchase/status/{id}.
// Both routes share one handler; the job record carries its kind.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	h.respondJson(w, http.StatusOK, jobStatusResponse(job))
}

// CancelJob handles DELETE /job/{id}.
// Only queued jobs can be cancelled. Once a worker claims a job its
// ledger calls cannot be rolled back, so active jobs run to a terminal
// state and the request is rejected with 409.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}

	cancelled, err := h.store.Cancel(r.Context(), job.ID)
	if err != nil {
		h.logger.Error("failed to cancel job", "job_id", job.ID, "error", err)
		h.httpError(w, "Failed to cancel job", http.StatusInternalServerError)
		return
	}
	if !cancelled {
		h.httpError(w, "Job is no longer queued and cannot be cancelled", http.StatusConflict)
		return
	}

	h.logger.Info("job cancelled", "job_id", job.ID)
	h.respondJson(w, http.StatusOK, api.CancelResponse{JobID: job.ID.String(), Cancelled: true})
}

// CleanupStalled handles POST /admin/cleanup-stalled.
// It sweeps active jobs with long-expired leases; see JobStore.ReclaimStalled
// for the requeue-or-fail rules.
func (h *Handlers) CleanupStalled(w http.ResponseWriter, r *http.Request) {
	summary, err := h.store.ReclaimStalled(r.Context(), h.stalledAfter, h.maxJobAttempts)
	if err != nil {
		h.logger.Error("stalled sweep failed", "error", err)
		h.httpError(w, "Failed to reclaim stalled jobs", http.StatusInternalServerError)
		return
	}

	resp := api.ReclaimResponse{
		Requeued: make([]string, 0, len(summary.Requeued)),
		Failed:   make([]string, 0, len(summary.Failed)),
	}
	for _, id := range summary.Requeued {
		resp.Requeued = append(resp.Requeued, id.String())
	}
	for _, id := range summary.Failed {
		resp.Failed = append(resp.Failed, id.String())
	}

	h.logger.Info("stalled sweep finished",
		"requeued", len(resp.Requeued), "failed", len(resp.Failed))
	h.respondJson(w, http.StatusOK, resp)
}

// ownedJob loads the job from the {id} path segment and checks it
// belongs to the authenticated caller. On failure it writes the error
// response and returns ok=false.
func (h *Handlers) ownedJob(w http.ResponseWriter, r *http.Request) (*store.Job, bool) {
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return nil, false
	}

	callerID, ok := middleware.CallerIDFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Job not found", http.StatusNotFound)
			return nil, false
		}
		h.logger.Error("failed to load job", "job_id", jobID, "error", err)
		h.httpError(w, "Failed to load job", http.StatusInternalServerError)
		return nil, false
	}
	// Hide other callers' jobs rather than admitting they exist.
	if job.UserID != callerID {
		h.httpError(w, "Job not found", http.StatusNotFound)
		return nil, false
	}
	return job, true
}
