// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"net/http"
	"time"

	"settleplane/internal/controller/handlers"
	"settleplane/internal/controller/middleware"
)

// Options configure the controller server.
type Options struct {
	Addr string

	// APIKey guards the settlement and admin surface.
	APIKey string

	// RateLimit is requests/second per caller, 0 = unlimited.
	RateLimit int

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(opts Options, h *handlers.Handlers) *Server {
	authMW := middleware.Auth(opts.APIKey)
	rateMW := middleware.RateLimit(opts.RateLimit)
	protected := func(hf http.HandlerFunc) http.Handler {
		return authMW(rateMW(hf))
	}

	mux := http.NewServeMux()

	// Settlement submission and control
	mux.Handle("POST /repayment", protected(h.SubmitRepayment))
	mux.Handle("POST /purchase-token", protected(h.SubmitPurchase))
	mux.Handle("GET /repayment/status/{id}", protected(h.GetStatus))
	mux.Handle("GET /purchase/status/{id}", protected(h.GetStatus))
	mux.Handle("GET /repayment/holders/{token_id}", protected(h.GetHolders))
	mux.Handle("DELETE /job/{id}", protected(h.CancelJob))

	// Progress event stream. The SSE connection is long-lived, so it is
	// authenticated but not rate limited.
	mux.Handle("GET /events", authMW(http.HandlerFunc(h.StreamEvents)))

	// Admin
	mux.Handle("POST /admin/cleanup-stalled", protected(h.CleanupStalled))

	// Probes and metrics run unauthenticated.
	mux.HandleFunc("GET /health", h.Healthz)
	mux.HandleFunc("GET /ready", h.Readyz)
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:        opts.Addr,
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
			// No WriteTimeout: /events holds the response open
			// indefinitely and a server-wide write deadline would
			// sever every stream.
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
