// Package settlement contains the worker pool and the repayment and
// purchase state machines.
package settlement

// Batch is a bounded chunk of serials sized to a ledger transaction
// limit. Batches are numbered from 1 and executed in order.
type Batch struct {
	Number  int
	Serials []int64
}

// PlanBatches splits serials into consecutive chunks of at most
// maxPerBatch, preserving input order. Pure function: the ledger-imposed
// ceiling comes from configuration, not from call sites.
func PlanBatches(serials []int64, maxPerBatch int) []Batch {
	if maxPerBatch <= 0 {
		maxPerBatch = 1
	}
	if len(serials) == 0 {
		return nil
	}

	batches := make([]Batch, 0, (len(serials)+maxPerBatch-1)/maxPerBatch)
	for start := 0; start < len(serials); start += maxPerBatch {
		end := start + maxPerBatch
		if end > len(serials) {
			end = len(serials)
		}
		batches = append(batches, Batch{
			Number:  len(batches) + 1,
			Serials: serials[start:end],
		})
	}
	return batches
}
