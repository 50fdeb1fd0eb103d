package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/umbra-cash/umbra/internal/batch"
	"github.com/umbra-cash/umbra/internal/events"
	"github.com/umbra-cash/umbra/internal/exchange"
)

// Settle converts the open batch's pending input into the payout asset and
// freezes the exchange rate for every deposit the batch owns. Output is
// measured as the engine's payout balance delta around the swap; the
// adapter's own reporting is never trusted.
//
// Restricted to the operator so two settlements can never race on the same
// pending total with different exchange instructions.
func (e *Engine) Settle(ctx context.Context, caller common.Address, minOutput uint64, route []byte) (batch.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.operator {
		return batch.Result{}, fmt.Errorf("%w: %s", ErrNotOperator, caller.Hex())
	}

	pending, err := e.batches.Pending(ctx)
	if err != nil {
		return batch.Result{}, err
	}
	if pending.TotalIn == 0 {
		return batch.Result{}, batch.ErrEmptyBatch
	}

	before, err := e.payouts.BalanceOf(ctx, e.account)
	if err != nil {
		return batch.Result{}, err
	}

	if err := e.adapter.Execute(ctx, exchange.Swap{
		InputToken:  e.inputToken,
		OutputToken: e.outputToken,
		InputAmount: pending.TotalIn,
		MinOutput:   minOutput,
		Recipient:   e.account,
		Route:       route,
	}); err != nil {
		return batch.Result{}, err
	}

	after, err := e.payouts.BalanceOf(ctx, e.account)
	if err != nil {
		return batch.Result{}, err
	}
	if after < before {
		return batch.Result{}, fmt.Errorf("%w: payout balance decreased", exchange.ErrSwapFailed)
	}
	totalOut := after - before
	if totalOut < minOutput {
		return batch.Result{}, fmt.Errorf("%w: measured output %d below min %d", exchange.ErrSwapFailed, totalOut, minOutput)
	}

	result, err := e.batches.FinalizeCurrent(ctx, totalOut, e.now().UTC())
	if err != nil {
		return batch.Result{}, err
	}

	if e.archive != nil {
		if err := e.archive.Write(ctx, result, pending.Deposits, string(route)); err != nil {
			// The ledger record is authoritative; a lost receipt is an
			// operational problem, not a settlement failure.
			e.log.Warn("settlement receipt archive failed", "batch", result.ID, "err", err)
		}
	}

	e.emit(ctx, events.TypeBatchExecuted, events.BatchExecutedV1{
		BatchID:  result.ID,
		TotalIn:  result.TotalIn,
		TotalOut: result.TotalOut,
	})
	return result, nil
}
