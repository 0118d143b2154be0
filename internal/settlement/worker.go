package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"settleplane/internal/ledger"
	"settleplane/internal/pubsub"
	"settleplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config holds configuration for the settlement worker.
type Config struct {
	ID                  string
	Concurrency         int
	PollInterval        time.Duration
	MaxBackoff          time.Duration // Maximum backoff when queue is empty (default: 30s)
	LeaseDuration       time.Duration // How long a claim is held before the job counts as stalled (default: 5m)
	HeartbeatInterval   time.Duration // Interval between lease extensions (default: 1m)
	CallTimeout         time.Duration // Per-ledger-call timeout (default: 30s)
	CallRetries         int           // In-place retries for retryable ledger errors (default: 3)
	RetryBackoff        time.Duration // Base backoff between in-place retries (default: 2s)
	MaxBatchSize        int           // Ledger ceiling per transfer-class operation (default: 100)
	MaxUnitsPerPurchase int           // Per-request purchase ceiling (default: 100)
	TreasuryAccountID   string        // Account holding unsold collateral units
}

// Worker drives settlement jobs from the store through the ledger.
// The ledger capability is injected at construction so tests can
// substitute a fake.
type Worker struct {
	store  store.JobStore
	ledger ledger.Ledger
	events pubsub.Publisher
	config Config
	logger *slog.Logger
	done   chan struct{}
}

// job-level failure classification, mirrored into the store's error_kind.
const (
	failureValidation     = "validation"
	failureLedger         = "ledger"
	failureInfrastructure = "infrastructure"
)

// heartbeatFailureLimit is the number of consecutive failed lease
// extensions after which the lease is presumed lost.
const heartbeatFailureLimit = 3

// errLeaseLost aborts a job whose lease could not be kept alive. The
// job may already belong to another worker, so nothing is finalized;
// the stalled sweep decides its fate.
var errLeaseLost = errors.New("job lease presumed lost")

// jobFailure wraps a job-terminating error with its taxonomy kind.
type jobFailure struct {
	Kind string
	Err  error
}

func (f *jobFailure) Error() string { return f.Err.Error() }

func (f *jobFailure) Unwrap() error { return f.Err }

// New creates a settlement worker.
func New(s store.JobStore, l ledger.Ledger, events pubsub.Publisher, config Config, logger *slog.Logger) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = 5 * time.Minute
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 1 * time.Minute
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 30 * time.Second
	}
	if config.CallRetries <= 0 {
		config.CallRetries = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 2 * time.Second
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 100
	}
	if config.MaxUnitsPerPurchase <= 0 {
		config.MaxUnitsPerPurchase = 100
	}

	return &Worker{
		store:  s,
		ledger: l,
		events: events,
		config: config,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run starts the main claim loop. It blocks until the context is
// cancelled. On shutdown it stops claiming new work and lets in-flight
// jobs finish.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("settlement worker starting", "worker_id", w.config.ID, "concurrency", w.config.Concurrency)

	sem := make(chan struct{}, w.config.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)
	currentBackoff := w.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("context cancelled, waiting for in-flight jobs to finish")
			wg.Wait()
			close(w.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := w.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			claimed := 0
			for i := 0; i < availableSlots; i++ {
				job, err := w.store.ClaimNext(ctx, w.config.LeaseDuration)
				if err != nil {
					w.logger.Error("claim failed", "error", err)
					break
				}
				if job == nil {
					break
				}
				claimed++

				sem <- struct{}{}
				wg.Add(1)
				go func(job *store.Job) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					w.processJob(ctx, job)
				}(job)
			}

			if claimed == 0 {
				// Empty queue - increase backoff (exponential, capped)
				currentBackoff = currentBackoff * 2
				if currentBackoff > w.config.MaxBackoff {
					currentBackoff = w.config.MaxBackoff
				}
				continue
			}

			currentBackoff = w.config.PollInterval
			if claimed == availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the worker has fully stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// processJob runs one claimed job through its state machine.
func (w *Worker) processJob(ctx context.Context, job *store.Job) {
	// The claim loop's context only gates new claims. A claimed job runs
	// under its own detached context so a draining worker finishes its
	// in-flight settlements instead of failing them mid-ledger-call.
	// The one thing that ends the job context early is a presumed-lost
	// lease.
	jobCtx, abort := context.WithCancelCause(context.WithoutCancel(ctx))
	defer abort(nil)

	tracer := otel.Tracer("settlement-worker")
	spanCtx, span := tracer.Start(jobCtx, "settle_job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("job.kind", string(job.Kind)),
			attribute.String("token.id", job.SubjectTokenID),
			attribute.Int("job.attempt", job.Attempts),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	logger := w.logger.With("job_id", job.ID, "kind", job.Kind, "token_id", job.SubjectTokenID)
	logger.Info("processing settlement job", "attempt", job.Attempts)

	// Keep the lease alive while the job runs. The heartbeat context is
	// detached from the poll context so a draining worker keeps its
	// claims until they finish.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID, abort)

	var (
		result *store.SettlementResult
		err    error
	)
	switch job.Kind {
	case store.JobKindRepayment:
		result, err = w.runRepayment(spanCtx, job)
	case store.JobKindPurchase:
		result, err = w.runPurchase(spanCtx, job)
	default:
		err = &jobFailure{Kind: failureValidation, Err: fmt.Errorf("unknown job kind %q", job.Kind)}
	}

	// Finalization must not be lost to a cancelled poll context.
	finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		span.RecordError(err)

		// A lost lease means another worker may already own this job;
		// writing failed here could stomp its run. Walk away and leave
		// the row to the stalled sweep.
		if errors.Is(context.Cause(jobCtx), errLeaseLost) {
			logger.Error("abandoning job, lease presumed lost", "error", err)
			return
		}

		kind := failureInfrastructure
		var jf *jobFailure
		if errors.As(err, &jf) {
			kind = jf.Kind
		}

		logger.Error("settlement job failed", "error_kind", kind, "error", err)
		if ferr := w.store.Fail(finalCtx, job.ID, kind, err.Error()); ferr != nil {
			logger.Error("failed to record job failure", "error", ferr)
		}
		w.publish(finalCtx, job, pubsub.Event{
			Type:    pubsub.EventError,
			Message: err.Error(),
		})
		return
	}

	span.SetAttributes(
		attribute.Int("settlement.transferred_units", result.TransferredUnits),
		attribute.Int("settlement.burned_units", result.BurnedUnits),
		attribute.Bool("settlement.partial", result.Warning != ""),
	)

	if result.Warning != "" {
		logger.Warn("settlement completed partially", "warning", result.Warning)
	} else {
		logger.Info("settlement completed", "transferred_units", result.TransferredUnits)
	}

	if cerr := w.store.Complete(finalCtx, job.ID, result); cerr != nil {
		logger.Error("failed to record job completion", "error", cerr)
	}

	payload, _ := json.Marshal(result)
	w.publish(finalCtx, job, pubsub.Event{
		Type:   pubsub.EventComplete,
		Result: payload,
	})
}

// runHeartbeat extends the store lease periodically while a job is
// executing, so a live job is never swept as stalled. Once
// heartbeatFailureLimit extensions fail in a row the lease may have
// expired and the job been reclaimed, so the job is aborted before it
// can issue another mutation under a lease it no longer holds.
func (w *Worker) runHeartbeat(ctx context.Context, jobID uuid.UUID, abort context.CancelCauseFunc) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(context.Background(), jobID, w.config.LeaseDuration); err != nil {
				misses++
				w.logger.Error("heartbeat failed", "job_id", jobID, "misses", misses, "error", err)
				if misses >= heartbeatFailureLimit {
					abort(errLeaseLost)
					return
				}
				continue
			}
			misses = 0
		}
	}
}

// advance records a stage transition in the store and mirrors it onto
// the user's event topic.
func (w *Worker) advance(ctx context.Context, job *store.Job, stage store.Stage, percent int) {
	if err := w.store.UpdateProgress(ctx, job.ID, stage, percent); err != nil {
		w.logger.Error("failed to update progress", "job_id", job.ID, "stage", stage, "error", err)
	}
	w.publish(ctx, job, pubsub.Event{
		Type:    pubsub.EventProgress,
		Stage:   string(stage),
		Percent: percent,
	})
}

// publish fills in the job identity and pushes the event. Push delivery
// is best-effort; failures are logged, never propagated.
func (w *Worker) publish(ctx context.Context, job *store.Job, ev pubsub.Event) {
	ev.JobID = job.ID.String()
	ev.TokenID = job.SubjectTokenID
	ev.At = time.Now().UTC()
	if err := w.events.Publish(ctx, job.UserID, ev); err != nil {
		w.logger.Warn("failed to publish event", "job_id", job.ID, "error", err)
	}
}

// callLedger runs one ledger call under the per-call timeout, retrying
// retryable failures in place up to the configured bound. Fatal errors
// are returned immediately.
func (w *Worker) callLedger(ctx context.Context, op string, fn func(context.Context) (ledger.Receipt, error)) (ledger.Receipt, error) {
	var lastErr error
	for attempt := 0; attempt <= w.config.CallRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, w.config.CallTimeout)
		receipt, err := fn(callCtx)
		cancel()

		if err == nil {
			return receipt, nil
		}
		lastErr = err

		if !ledger.IsRetryable(err) {
			return ledger.Receipt{}, err
		}
		if attempt == w.config.CallRetries {
			break
		}

		w.logger.Warn("retrying ledger call", "op", op, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ledger.Receipt{}, ctx.Err()
		case <-time.After(w.config.RetryBackoff * time.Duration(attempt+1)):
		}
	}
	return ledger.Receipt{}, fmt.Errorf("%s exhausted %d retries: %w", op, w.config.CallRetries, lastErr)
}

// queryHolders enumerates the token's holder set with the same retry
// policy as mutating calls.
func (w *Worker) queryHolders(ctx context.Context, tokenID string) ([]ledger.Holder, error) {
	var lastErr error
	for attempt := 0; attempt <= w.config.CallRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, w.config.CallTimeout)
		holders, err := w.ledger.QueryHolders(callCtx, tokenID)
		cancel()

		if err == nil {
			return holders, nil
		}
		lastErr = err

		if !ledger.IsRetryable(err) {
			return nil, err
		}
		if attempt == w.config.CallRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.config.RetryBackoff * time.Duration(attempt+1)):
		}
	}
	return nil, fmt.Errorf("query-holders exhausted %d retries: %w", w.config.CallRetries, lastErr)
}
