// Package ledger defines the capability interface the settlement engine
// uses to mutate and query the token ledger. The concrete SDK lives
// behind a gateway; the engine only sees this interface, so tests can
// substitute a fake.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Holder is a ledger account currently owning units of a token.
// Holder sets are enumerated fresh at job start and never cached across
// jobs; they can change between submissions.
type Holder struct {
	AccountID string  `json:"account_id"`
	Serials   []int64 `json:"serials"`
}

// Units returns the number of units the holder owns.
func (h Holder) Units() int {
	return len(h.Serials)
}

// Receipt is the confirmation of one ledger call. Each ledger operation
// is individually atomic; operations do not compose into a single
// cross-operation transaction.
type Receipt struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// Ledger is the capability consumed by the settlement worker.
// Each call returns a receipt or a retryable/fatal error.
type Ledger interface {
	// QueryHolders returns the current full holder set of a token.
	QueryHolders(ctx context.Context, tokenID string) ([]Holder, error)

	// Unfreeze lifts the compliance freeze on an account for a token.
	Unfreeze(ctx context.Context, accountID, tokenID string) (Receipt, error)

	// Freeze re-applies the compliance freeze on an account for a token.
	Freeze(ctx context.Context, accountID, tokenID string) (Receipt, error)

	// Transfer moves the given serials of a token between accounts.
	Transfer(ctx context.Context, from, to, tokenID string, serials []int64) (Receipt, error)

	// Burn destroys the given serials of a token from the treasury.
	Burn(ctx context.Context, tokenID string, serials []int64) (Receipt, error)

	// Associate links an account with a token. Idempotent: associating
	// an already-associated account succeeds.
	Associate(ctx context.Context, accountID, tokenID string) (Receipt, error)
}

// RetryableError marks a ledger failure worth retrying in place:
// timeouts and transient network errors.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("ledger %s failed (retryable): %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a ledger failure that retrying cannot fix: invalid
// account, insufficient balance, rejected transaction.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried in place.
func IsRetryable(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
