package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"settleplane/internal/controller/middleware"
)

// StreamEvents handles GET /events.
// It streams the caller's settlement events as server-sent events until
// the client disconnects. Delivery is best-effort; clients reconcile
// missed events through the status endpoints.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	callerID, ok := middleware.CallerIDFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.httpError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, stop, err := h.stream.Subscribe(r.Context(), callerID)
	if err != nil {
		h.logger.Error("event subscription failed", "caller_id", callerID, "error", err)
		h.httpError(w, "Failed to subscribe", http.StatusInternalServerError)
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
