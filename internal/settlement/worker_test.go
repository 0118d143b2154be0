package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"settleplane/internal/ledger"
	"settleplane/internal/pubsub"
	"settleplane/internal/store"

	"github.com/google/uuid"
)

// fakeLedger is a scriptable in-memory ledger capability.
type fakeLedger struct {
	mu      sync.Mutex
	holders []ledger.Holder

	unfreezeErr map[string]error // accountID -> error
	transferErr map[int]error    // call index (1-based) -> error
	burnErr     error
	associateErr error
	freezeErr    error

	transferCalls int
	burned        [][]int64
	transfers     []fakeTransfer
	calls         []string
}

type fakeTransfer struct {
	From    string
	To      string
	Serials []int64
}

func (f *fakeLedger) record(op string) {
	f.calls = append(f.calls, op)
}

func (f *fakeLedger) QueryHolders(_ context.Context, _ string) ([]ledger.Holder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("query-holders")
	return f.holders, nil
}

func (f *fakeLedger) Unfreeze(_ context.Context, accountID, _ string) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unfreeze")
	if err := f.unfreezeErr[accountID]; err != nil {
		return ledger.Receipt{}, err
	}
	return ledger.Receipt{TransactionID: "tx-unfreeze-" + accountID, Status: "SUCCESS"}, nil
}

func (f *fakeLedger) Freeze(_ context.Context, accountID, _ string) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("freeze")
	if f.freezeErr != nil {
		return ledger.Receipt{}, f.freezeErr
	}
	return ledger.Receipt{TransactionID: "tx-freeze-" + accountID, Status: "SUCCESS"}, nil
}

func (f *fakeLedger) Transfer(_ context.Context, from, to, _ string, serials []int64) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("transfer")
	f.transferCalls++
	if err := f.transferErr[f.transferCalls]; err != nil {
		return ledger.Receipt{}, err
	}
	f.transfers = append(f.transfers, fakeTransfer{From: from, To: to, Serials: serials})
	return ledger.Receipt{TransactionID: fmt.Sprintf("tx-transfer-%d", f.transferCalls), Status: "SUCCESS"}, nil
}

func (f *fakeLedger) Burn(_ context.Context, _ string, serials []int64) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("burn")
	if f.burnErr != nil {
		return ledger.Receipt{}, f.burnErr
	}
	f.burned = append(f.burned, serials)
	return ledger.Receipt{TransactionID: "tx-burn-1", Status: "SUCCESS"}, nil
}

func (f *fakeLedger) Associate(_ context.Context, accountID, _ string) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("associate")
	if f.associateErr != nil {
		return ledger.Receipt{}, f.associateErr
	}
	return ledger.Receipt{TransactionID: "tx-assoc-" + accountID, Status: "SUCCESS"}, nil
}

// fakeJobStore tracks state transitions and progress in memory.
type fakeJobStore struct {
	mu           sync.Mutex
	jobs         map[uuid.UUID]*store.Job
	progress     []int
	completed    map[uuid.UUID]*store.SettlementResult
	failed       map[uuid.UUID]string // errorKind
	claimable    []*store.Job
	heartbeatErr error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:      make(map[uuid.UUID]*store.Job),
		completed: make(map[uuid.UUID]*store.SettlementResult),
		failed:    make(map[uuid.UUID]string),
	}
}

func (f *fakeJobStore) Submit(_ context.Context, job *store.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobStore) ClaimNext(_ context.Context, _ time.Duration) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.claimable) == 0 {
		return nil, nil
	}
	job := f.claimable[0]
	f.claimable = f.claimable[1:]
	job.State = store.JobStateActive
	job.Attempts++
	return job, nil
}

func (f *fakeJobStore) Heartbeat(_ context.Context, _ uuid.UUID, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeatErr
}

func (f *fakeJobStore) UpdateProgress(_ context.Context, _ uuid.UUID, _ store.Stage, percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, percent)
	return nil
}

func (f *fakeJobStore) Complete(_ context.Context, jobID uuid.UUID, result *store.SettlementResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, done := f.completed[jobID]; done {
		return nil
	}
	f.completed[jobID] = result
	return nil
}

func (f *fakeJobStore) Fail(_ context.Context, jobID uuid.UUID, errorKind, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[jobID] = errorKind
	return nil
}

func (f *fakeJobStore) Cancel(_ context.Context, _ uuid.UUID) (bool, error) { return false, nil }

func (f *fakeJobStore) Get(_ context.Context, jobID uuid.UUID) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobStore) ReclaimStalled(_ context.Context, _ time.Duration, _ int) (*store.ReclaimSummary, error) {
	return &store.ReclaimSummary{}, nil
}

func (f *fakeJobStore) CountByState(_ context.Context, _ store.JobState) (int64, error) {
	return 0, nil
}

func testWorker(s store.JobStore, l ledger.Ledger) *Worker {
	return New(s, l, pubsub.NewBroker(), Config{
		ID:                  "test-worker",
		Concurrency:         2,
		PollInterval:        5 * time.Millisecond,
		MaxBackoff:          20 * time.Millisecond,
		CallTimeout:         time.Second,
		CallRetries:         2,
		RetryBackoff:        time.Millisecond,
		MaxBatchSize:        100,
		MaxUnitsPerPurchase: 100,
		TreasuryAccountID:   "0.0.2",
	}, slog.New(slog.NewTextHandler(discardWriter{}, nil)))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func repaymentJob(t *testing.T) *store.Job {
	t.Helper()
	params, _ := json.Marshal(store.RepaymentParams{PawnshopAccountID: "0.0.900", ReferenceID: "loan-42"})
	return &store.Job{
		ID:             uuid.New(),
		Kind:           store.JobKindRepayment,
		SubjectTokenID: "0.0.4001",
		UserID:         "user-1",
		Params:         params,
		State:          store.JobStateActive,
		Attempts:       1,
	}
}

func TestRepayment_HappyPath(t *testing.T) {
	l := &fakeLedger{holders: []ledger.Holder{
		{AccountID: "0.0.100", Serials: []int64{1, 2, 3}},
		{AccountID: "0.0.101", Serials: []int64{4, 5}},
	}}
	s := newFakeJobStore()
	w := testWorker(s, l)

	result, err := w.runRepayment(context.Background(), repaymentJob(t))
	if err != nil {
		t.Fatalf("runRepayment failed: %v", err)
	}

	if result.TransferredUnits != 5 {
		t.Errorf("got %d transferred units, want 5", result.TransferredUnits)
	}
	if result.BurnedUnits != 5 {
		t.Errorf("got %d burned units, want 5", result.BurnedUnits)
	}
	if result.Warning != "" {
		t.Errorf("unexpected warning: %q", result.Warning)
	}
	if len(l.burned) != 1 || len(l.burned[0]) != 5 {
		t.Errorf("burn call covered %v, want all 5 serials in one call", l.burned)
	}
	for _, tr := range l.transfers {
		if tr.To != "0.0.900" {
			t.Errorf("transfer went to %s, want pawnshop 0.0.900", tr.To)
		}
	}
}

func TestRepayment_OneHolderFailsUnfreeze(t *testing.T) {
	// Three holders, one cannot be unfrozen: the job still completes,
	// with a warning, and the burn covers only the other two's units.
	l := &fakeLedger{
		holders: []ledger.Holder{
			{AccountID: "0.0.100", Serials: []int64{1, 2, 3}},
			{AccountID: "0.0.101", Serials: []int64{4, 5}},
			{AccountID: "0.0.102", Serials: []int64{6}},
		},
		unfreezeErr: map[string]error{
			"0.0.101": &ledger.FatalError{Op: "unfreeze", Err: errors.New("account deleted")},
		},
	}
	s := newFakeJobStore()
	w := testWorker(s, l)

	result, err := w.runRepayment(context.Background(), repaymentJob(t))
	if err != nil {
		t.Fatalf("runRepayment failed: %v", err)
	}

	if result.Warning == "" {
		t.Error("expected a partial-failure warning")
	}
	if len(result.SkippedHolders) != 1 || result.SkippedHolders[0] != "0.0.101" {
		t.Errorf("got skipped holders %v, want [0.0.101]", result.SkippedHolders)
	}
	if result.BurnedUnits != 4 {
		t.Errorf("got %d burned units, want 4 (the two reachable holders)", result.BurnedUnits)
	}
	if result.TransferredUnits != result.BurnedUnits {
		t.Errorf("burned %d != transferred %d; burn must equal collected units",
			result.BurnedUnits, result.TransferredUnits)
	}
}

func TestRepayment_NoHoldersIsTrivialSuccess(t *testing.T) {
	l := &fakeLedger{}
	s := newFakeJobStore()
	w := testWorker(s, l)

	result, err := w.runRepayment(context.Background(), repaymentJob(t))
	if err != nil {
		t.Fatalf("expected trivial success for already-settled token, got %v", err)
	}
	if result.TransferredUnits != 0 || result.BurnedUnits != 0 {
		t.Errorf("expected zero transfers/burns, got %+v", result)
	}
	for _, op := range l.calls {
		if op != "query-holders" {
			t.Errorf("unexpected ledger call %s on empty holder set", op)
		}
	}
}

func TestRepayment_FailedTransferBatchExcludedFromBurn(t *testing.T) {
	l := &fakeLedger{
		holders: []ledger.Holder{
			{AccountID: "0.0.100", Serials: []int64{1, 2}},
			{AccountID: "0.0.101", Serials: []int64{3, 4}},
		},
		transferErr: map[int]error{
			2: &ledger.FatalError{Op: "transfer", Err: errors.New("insufficient balance")},
		},
	}
	s := newFakeJobStore()
	w := testWorker(s, l)

	result, err := w.runRepayment(context.Background(), repaymentJob(t))
	if err != nil {
		t.Fatalf("runRepayment failed: %v", err)
	}

	if result.BurnedUnits != 2 {
		t.Errorf("got %d burned units, want 2 (only the successful batch)", result.BurnedUnits)
	}
	if result.Warning == "" {
		t.Error("expected warning about the failed batch")
	}

	successes := 0
	for _, b := range result.Batches {
		if b.Success {
			successes++
		}
	}
	if successes != 1 {
		t.Errorf("got %d successful batches, want 1", successes)
	}
}

func TestRepayment_BurnFailureFailsJob(t *testing.T) {
	l := &fakeLedger{
		holders: []ledger.Holder{{AccountID: "0.0.100", Serials: []int64{1}}},
		burnErr: &ledger.FatalError{Op: "burn", Err: errors.New("treasury signature invalid")},
	}
	s := newFakeJobStore()
	w := testWorker(s, l)

	_, err := w.runRepayment(context.Background(), repaymentJob(t))
	if err == nil {
		t.Fatal("expected burn failure to fail the job")
	}
	var jf *jobFailure
	if !errors.As(err, &jf) || jf.Kind != failureLedger {
		t.Errorf("got %v, want ledger job failure", err)
	}
}

func TestRepayment_RetryableErrorIsRetriedInPlace(t *testing.T) {
	attempts := 0
	l := &retryOnceLedger{
		fakeLedger: fakeLedger{holders: []ledger.Holder{{AccountID: "0.0.100", Serials: []int64{1}}}},
		attempts:   &attempts,
	}
	s := newFakeJobStore()
	w := testWorker(s, l)

	result, err := w.runRepayment(context.Background(), repaymentJob(t))
	if err != nil {
		t.Fatalf("runRepayment failed: %v", err)
	}
	if attempts != 2 {
		t.Errorf("got %d unfreeze attempts, want 2 (one retry)", attempts)
	}
	if result.BurnedUnits != 1 {
		t.Errorf("got %d burned units, want 1", result.BurnedUnits)
	}
}

// retryOnceLedger fails the first unfreeze with a retryable error.
type retryOnceLedger struct {
	fakeLedger
	attempts *int
}

func (l *retryOnceLedger) Unfreeze(ctx context.Context, accountID, tokenID string) (ledger.Receipt, error) {
	*l.attempts++
	if *l.attempts == 1 {
		return ledger.Receipt{}, &ledger.RetryableError{Op: "unfreeze", Err: errors.New("timeout")}
	}
	return l.fakeLedger.Unfreeze(ctx, accountID, tokenID)
}

func TestWorker_RunClaimsAndCompletesJob(t *testing.T) {
	l := &fakeLedger{holders: []ledger.Holder{{AccountID: "0.0.100", Serials: []int64{1, 2}}}}
	s := newFakeJobStore()

	job := repaymentJob(t)
	job.State = store.JobStateQueued
	s.jobs[job.ID] = job
	s.claimable = []*store.Job{job}

	w := testWorker(s, l)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		_, done := s.completed[job.ID]
		s.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the worker to complete the job")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not drain after cancel")
	}

	s.mu.Lock()
	result := s.completed[job.ID]
	progress := append([]int(nil), s.progress...)
	s.mu.Unlock()

	if result.BurnedUnits != 2 {
		t.Errorf("got %d burned units, want 2", result.BurnedUnits)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Errorf("progress decreased: %v", progress)
			break
		}
	}
}

func TestWorker_ValidationFailureRecordsKind(t *testing.T) {
	s := newFakeJobStore()
	l := &fakeLedger{}
	w := testWorker(s, l)

	job := &store.Job{
		ID:             uuid.New(),
		Kind:           store.JobKindPurchase,
		SubjectTokenID: "0.0.4001",
		UserID:         "user-1",
		Params:         json.RawMessage(`{"buyer_account_id":"0.0.500","unit_count":150,"total_value":100}`),
		State:          store.JobStateActive,
	}
	s.jobs[job.ID] = job

	w.processJob(context.Background(), job)

	s.mu.Lock()
	kind := s.failed[job.ID]
	s.mu.Unlock()
	if kind != failureValidation {
		t.Errorf("got error kind %q, want validation", kind)
	}
}

// gatedLedger blocks holder enumeration until released, so tests can
// cancel the claim loop while a job is mid-flight.
type gatedLedger struct {
	fakeLedger
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (l *gatedLedger) QueryHolders(ctx context.Context, tokenID string) ([]ledger.Holder, error) {
	l.once.Do(func() { close(l.started) })
	<-l.release
	return l.fakeLedger.QueryHolders(ctx, tokenID)
}

func TestWorker_DrainFinishesInFlightJob(t *testing.T) {
	// Shutting the claim loop down must not bleed into a claimed job:
	// the settlement finishes and is recorded completed, never failed.
	l := &gatedLedger{
		fakeLedger: fakeLedger{holders: []ledger.Holder{{AccountID: "0.0.100", Serials: []int64{1, 2, 3}}}},
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	s := newFakeJobStore()

	job := repaymentJob(t)
	job.State = store.JobStateQueued
	s.jobs[job.ID] = job
	s.claimable = []*store.Job{job}

	w := testWorker(s, l)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	select {
	case <-l.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the job to start")
	}

	// Shut down while the job is blocked inside a ledger call.
	cancel()
	close(l.release)

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain after cancel")
	}

	s.mu.Lock()
	result := s.completed[job.ID]
	kind, failed := s.failed[job.ID]
	s.mu.Unlock()

	if failed {
		t.Fatalf("job recorded failed (%s) during drain", kind)
	}
	if result == nil {
		t.Fatal("job was not completed during drain")
	}
	if result.BurnedUnits != 3 {
		t.Errorf("got %d burned units, want 3", result.BurnedUnits)
	}
}

// stallingLedger holds every call open until its context dies.
type stallingLedger struct {
	fakeLedger
}

func (l *stallingLedger) QueryHolders(ctx context.Context, _ string) ([]ledger.Holder, error) {
	<-ctx.Done()
	return nil, &ledger.RetryableError{Op: "query-holders", Err: ctx.Err()}
}

func TestWorker_LostLeaseAbandonsJobWithoutFinalizing(t *testing.T) {
	// A worker that cannot extend its lease must stop without writing a
	// terminal state: the job may already be claimed elsewhere, and the
	// stalled sweep owns its fate.
	s := newFakeJobStore()
	s.heartbeatErr = errors.New("store unreachable")
	l := &stallingLedger{}

	w := New(s, l, pubsub.NewBroker(), Config{
		ID:                "test-worker",
		Concurrency:       1,
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		CallTimeout:       5 * time.Second,
		CallRetries:       2,
		RetryBackoff:      time.Millisecond,
		TreasuryAccountID: "0.0.2",
	}, slog.New(slog.NewTextHandler(discardWriter{}, nil)))

	job := repaymentJob(t)
	s.jobs[job.ID] = job

	done := make(chan struct{})
	go func() {
		w.processJob(context.Background(), job)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not abort after repeated heartbeat failures")
	}

	s.mu.Lock()
	_, completed := s.completed[job.ID]
	kind, failed := s.failed[job.ID]
	s.mu.Unlock()

	if completed {
		t.Error("abandoned job was recorded completed")
	}
	if failed {
		t.Errorf("abandoned job was recorded failed (%s); it must be left to the stalled sweep", kind)
	}
}
