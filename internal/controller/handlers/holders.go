package handlers

import (
	"net/http"

	"settleplane/internal/ledger"
	"settleplane/pkg/api"
)

// GetHolders handles GET /repayment/holders/{token_id}.
// It enumerates the current holder set straight from the ledger; holder
// sets are never cached because they change between settlements.
func (h *Handlers) GetHolders(w http.ResponseWriter, r *http.Request) {
	tokenID := r.PathValue("token_id")
	if tokenID == "" {
		h.httpError(w, "token_id is required", http.StatusBadRequest)
		return
	}

	holders, err := h.ledger.QueryHolders(r.Context(), tokenID)
	if err != nil {
		if ledger.IsRetryable(err) {
			h.httpError(w, "Ledger temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("holder query failed", "token_id", tokenID, "error", err)
		h.httpError(w, "Failed to query holders", http.StatusBadGateway)
		return
	}

	resp := api.HoldersResponse{
		TokenID: tokenID,
		Holders: make([]api.HolderResponse, 0, len(holders)),
	}
	for _, holder := range holders {
		resp.Holders = append(resp.Holders, api.HolderResponse{
			AccountID: holder.AccountID,
			Serials:   holder.Serials,
			Units:     holder.Units(),
		})
		resp.TotalUnits += holder.Units()
	}

	h.respondJson(w, http.StatusOK, resp)
}
