package settlement

import (
	"context"
	"encoding/json"
	"fmt"

	"settleplane/internal/ledger"
	"settleplane/internal/store"
)

// runPurchase delivers fractional collateral units from the treasury to
// a buyer and re-freezes them per the token's compliance policy.
//
// Stages: validating, associating, transferring, freezing, finalizing.
func (w *Worker) runPurchase(ctx context.Context, job *store.Job) (*store.SettlementResult, error) {
	var params store.PurchaseParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, &jobFailure{Kind: failureValidation, Err: fmt.Errorf("invalid purchase params: %w", err)}
	}

	w.advance(ctx, job, store.StageValidating, 5)

	// All validation happens before any ledger call.
	if params.BuyerAccountID == "" {
		return nil, &jobFailure{Kind: failureValidation, Err: fmt.Errorf("buyer account id is required")}
	}
	if params.UnitCount < 1 || params.UnitCount > w.config.MaxUnitsPerPurchase {
		return nil, &jobFailure{Kind: failureValidation, Err: fmt.Errorf(
			"unit count %d outside allowed range 1..%d", params.UnitCount, w.config.MaxUnitsPerPurchase)}
	}
	if params.TotalValue <= 0 {
		return nil, &jobFailure{Kind: failureValidation, Err: fmt.Errorf("total value must be positive")}
	}

	// Associate the buyer with the token. Idempotent on the ledger:
	// an already-associated buyer succeeds without a new transaction.
	w.advance(ctx, job, store.StageAssociating, 15)

	result := &store.SettlementResult{}
	receipt, err := w.callLedger(ctx, "associate", func(callCtx context.Context) (ledger.Receipt, error) {
		return w.ledger.Associate(callCtx, params.BuyerAccountID, job.SubjectTokenID)
	})
	if err != nil {
		return nil, &jobFailure{Kind: failureLedger, Err: fmt.Errorf("associate buyer: %w", err)}
	}
	if receipt.TransactionID != "" {
		result.Records = append(result.Records, store.TransactionRecord{
			OperationType: "associate",
			AccountID:     params.BuyerAccountID,
			TransactionID: receipt.TransactionID,
			Receipt:       receipt.Status,
		})
	}

	// Pick the units to deliver from the treasury's current serials.
	w.advance(ctx, job, store.StageTransferring, 25)

	holders, err := w.queryHolders(ctx, job.SubjectTokenID)
	if err != nil {
		return nil, &jobFailure{Kind: failureLedger, Err: err}
	}

	var treasury *ledger.Holder
	for i := range holders {
		if holders[i].AccountID == w.config.TreasuryAccountID {
			treasury = &holders[i]
			break
		}
	}
	if treasury == nil || treasury.Units() < params.UnitCount {
		available := 0
		if treasury != nil {
			available = treasury.Units()
		}
		return nil, &jobFailure{Kind: failureLedger, Err: fmt.Errorf(
			"treasury holds %d unit(s), %d requested", available, params.UnitCount)}
	}

	serials := treasury.Serials[:params.UnitCount]
	batches := PlanBatches(serials, w.config.MaxBatchSize)

	var received []int64
	for i, batch := range batches {
		br := store.BatchResult{
			BatchNumber: batch.Number,
			AccountID:   params.BuyerAccountID,
			Serials:     batch.Serials,
			Units:       len(batch.Serials),
		}

		receipt, err := w.callLedger(ctx, "transfer", func(callCtx context.Context) (ledger.Receipt, error) {
			return w.ledger.Transfer(callCtx, w.config.TreasuryAccountID, params.BuyerAccountID, job.SubjectTokenID, batch.Serials)
		})
		if err != nil {
			br.Error = err.Error()
			result.Batches = append(result.Batches, br)
			w.logger.Warn("purchase transfer batch failed",
				"job_id", job.ID, "batch", batch.Number, "error", err)
			continue
		}

		br.Success = true
		br.TransactionID = receipt.TransactionID
		br.Receipt = receipt.Status
		result.Batches = append(result.Batches, br)
		result.Records = append(result.Records, store.TransactionRecord{
			OperationType: "transfer",
			AccountID:     params.BuyerAccountID,
			TransactionID: receipt.TransactionID,
			Receipt:       receipt.Status,
		})
		received = append(received, batch.Serials...)
		w.advance(ctx, job, store.StageTransferring, 25+45*(i+1)/len(batches))
	}
	result.TransferredUnits = len(received)
	result.Serials = received

	// Collateral units stay frozen to the buyer until the loan settles.
	if len(received) > 0 {
		w.advance(ctx, job, store.StageFreezing, 80)

		receipt, err := w.callLedger(ctx, "freeze", func(callCtx context.Context) (ledger.Receipt, error) {
			return w.ledger.Freeze(callCtx, params.BuyerAccountID, job.SubjectTokenID)
		})
		if err != nil {
			// The units are delivered; a failed re-freeze is a
			// compliance followup, not an undeliverable purchase.
			result.Warning = fmt.Sprintf("freeze of buyer %s failed: %v", params.BuyerAccountID, err)
			w.logger.Warn("freeze after purchase failed", "job_id", job.ID, "error", err)
		} else {
			result.Records = append(result.Records, store.TransactionRecord{
				OperationType: "freeze",
				AccountID:     params.BuyerAccountID,
				TransactionID: receipt.TransactionID,
				Receipt:       receipt.Status,
			})
		}
	}

	w.advance(ctx, job, store.StageFinalizing, 95)

	failedBatches := 0
	for _, b := range result.Batches {
		if !b.Success {
			failedBatches++
		}
	}
	if failedBatches > 0 {
		warning := fmt.Sprintf("%d of %d transfer batch(es) failed; %d unit(s) delivered", failedBatches, len(batches), len(received))
		if result.Warning != "" {
			warning = result.Warning + "; " + warning
		}
		result.Warning = warning
	}

	return result, nil
}
