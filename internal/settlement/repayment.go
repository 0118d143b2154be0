package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"settleplane/internal/ledger"
	"settleplane/internal/store"
)

// runRepayment settles a loan: collect every holder's units back to the
// pawnshop, then burn exactly what was collected.
//
// Stages: enumerating-holders, unfreezing, transferring, burning,
// finalizing. No stage is re-entered once passed; retries happen per
// call, never per stage.
func (w *Worker) runRepayment(ctx context.Context, job *store.Job) (*store.SettlementResult, error) {
	var params store.RepaymentParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, &jobFailure{Kind: failureValidation, Err: fmt.Errorf("invalid repayment params: %w", err)}
	}
	if params.PawnshopAccountID == "" {
		return nil, &jobFailure{Kind: failureValidation, Err: fmt.Errorf("pawnshop account id is required")}
	}

	w.advance(ctx, job, store.StageEnumeratingHolders, 5)

	holders, err := w.queryHolders(ctx, job.SubjectTokenID)
	if err != nil {
		return nil, &jobFailure{Kind: failureLedger, Err: err}
	}

	// An already-settled token has no holders. That is a trivial
	// success with zero transfers, not a fault.
	if len(holders) == 0 {
		w.advance(ctx, job, store.StageFinalizing, 95)
		return &store.SettlementResult{}, nil
	}

	result := &store.SettlementResult{}

	// Unfreeze every holder, best-effort. A holder that cannot be
	// unfrozen simply cannot be repaid this round and is flagged.
	w.advance(ctx, job, store.StageUnfreezing, 10)

	var unfrozen []ledger.Holder
	for i, holder := range holders {
		receipt, err := w.callLedger(ctx, "unfreeze", func(callCtx context.Context) (ledger.Receipt, error) {
			return w.ledger.Unfreeze(callCtx, holder.AccountID, job.SubjectTokenID)
		})
		if err != nil {
			w.logger.Warn("skipping holder: unfreeze failed",
				"job_id", job.ID, "account_id", holder.AccountID, "error", err)
			result.SkippedHolders = append(result.SkippedHolders, holder.AccountID)
			continue
		}

		unfrozen = append(unfrozen, holder)
		result.Records = append(result.Records, store.TransactionRecord{
			OperationType: "unfreeze",
			AccountID:     holder.AccountID,
			TransactionID: receipt.TransactionID,
			Receipt:       receipt.Status,
		})
		w.advance(ctx, job, store.StageUnfreezing, 10+30*(i+1)/len(holders))
	}

	// Transfer each unfrozen holder's units to the pawnshop, chunked to
	// the ledger's per-transaction ceiling. Batch numbers increment
	// across holder-chunk pairs; batches execute strictly in order.
	w.advance(ctx, job, store.StageTransferring, 40)

	var collected []int64
	batchNumber := 0
	for i, holder := range unfrozen {
		for _, batch := range PlanBatches(holder.Serials, w.config.MaxBatchSize) {
			batchNumber++
			br := store.BatchResult{
				BatchNumber: batchNumber,
				AccountID:   holder.AccountID,
				Serials:     batch.Serials,
				Units:       len(batch.Serials),
			}

			receipt, err := w.callLedger(ctx, "transfer", func(callCtx context.Context) (ledger.Receipt, error) {
				return w.ledger.Transfer(callCtx, holder.AccountID, params.PawnshopAccountID, job.SubjectTokenID, batch.Serials)
			})
			if err != nil {
				// Earlier batches are final on the ledger; record the
				// failure and carry on with the remaining items.
				br.Error = err.Error()
				result.Batches = append(result.Batches, br)
				w.logger.Warn("transfer batch failed",
					"job_id", job.ID, "batch", batchNumber, "account_id", holder.AccountID, "error", err)
				continue
			}

			br.Success = true
			br.TransactionID = receipt.TransactionID
			br.Receipt = receipt.Status
			result.Batches = append(result.Batches, br)
			result.Records = append(result.Records, store.TransactionRecord{
				OperationType: "transfer",
				AccountID:     holder.AccountID,
				TransactionID: receipt.TransactionID,
				Receipt:       receipt.Status,
			})
			collected = append(collected, batch.Serials...)
		}
		w.advance(ctx, job, store.StageTransferring, 40+35*(i+1)/len(unfrozen))
	}
	result.TransferredUnits = len(collected)

	// Burn exactly the units that landed in the pawnshop account, never
	// the originally enumerated total.
	if len(collected) > 0 {
		w.advance(ctx, job, store.StageBurning, 80)

		receipt, err := w.callLedger(ctx, "burn", func(callCtx context.Context) (ledger.Receipt, error) {
			return w.ledger.Burn(callCtx, job.SubjectTokenID, collected)
		})
		if err != nil {
			// Transfers landed but the collateral was not retired; this
			// settlement did not conclude and must not read as success.
			return nil, &jobFailure{Kind: failureLedger, Err: fmt.Errorf("burn of %d collected units failed: %w", len(collected), err)}
		}

		result.BurnedUnits = len(collected)
		result.Records = append(result.Records, store.TransactionRecord{
			OperationType: "burn",
			TransactionID: receipt.TransactionID,
			Receipt:       receipt.Status,
		})
	}

	w.advance(ctx, job, store.StageFinalizing, 95)
	result.Warning = repaymentWarning(result)
	return result, nil
}

// repaymentWarning summarizes partial failures. Partial settlement is a
// valid terminal state: the burn only ever covered collected units.
func repaymentWarning(result *store.SettlementResult) string {
	var parts []string
	if len(result.SkippedHolders) > 0 {
		parts = append(parts, fmt.Sprintf("%d holder(s) skipped (unfreeze failed): %s",
			len(result.SkippedHolders), strings.Join(result.SkippedHolders, ", ")))
	}

	failedBatches := 0
	for _, b := range result.Batches {
		if !b.Success {
			failedBatches++
		}
	}
	if failedBatches > 0 {
		parts = append(parts, fmt.Sprintf("%d transfer batch(es) failed", failedBatches))
	}

	return strings.Join(parts, "; ")
}
