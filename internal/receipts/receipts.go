// Package receipts archives one immutable JSON document per settled batch.
// The archive is an audit trail, not a source of truth: the ledger stores the
// authoritative settlement record, the receipt mirrors it for operators and
// downstream accounting.
package receipts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/umbra-cash/umbra/internal/batch"
)

const ReceiptVersionV1 = "receipt.batch.v1"

// Receipt is the archived settlement document for one batch.
type Receipt struct {
	Version   string    `json:"version"`
	BatchID   uint64    `json:"batchId"`
	TotalIn   uint64    `json:"totalIn"`
	TotalOut  uint64    `json:"totalOut"`
	Deposits  uint64    `json:"deposits"`
	Route     string    `json:"route,omitempty"`
	SettledAt time.Time `json:"settledAt"`
}

// Archive writes and reads receipts keyed batches/<id>.json.
type Archive struct {
	store Blobstore
}

func NewArchive(store Blobstore) (*Archive, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil blobstore", ErrInvalidConfig)
	}
	return &Archive{store: store}, nil
}

// Key is the blob key for a batch receipt.
func Key(batchID uint64) string {
	return fmt.Sprintf("batches/%d.json", batchID)
}

// Write archives the receipt for a finalized settlement.
func (a *Archive) Write(ctx context.Context, result batch.Result, deposits uint64, route string) error {
	if !result.Finalized {
		return fmt.Errorf("%w: batch %d not finalized", ErrInvalidConfig, result.ID)
	}

	raw, err := json.Marshal(Receipt{
		Version:   ReceiptVersionV1,
		BatchID:   result.ID,
		TotalIn:   result.TotalIn,
		TotalOut:  result.TotalOut,
		Deposits:  deposits,
		Route:     route,
		SettledAt: result.SettledAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("receipts: marshal batch %d: %w", result.ID, err)
	}
	if err := a.store.Put(ctx, Key(result.ID), raw); err != nil {
		return fmt.Errorf("receipts: archive batch %d: %w", result.ID, err)
	}
	return nil
}

// Read returns the archived receipt for batchID.
func (a *Archive) Read(ctx context.Context, batchID uint64) (Receipt, error) {
	raw, err := a.store.Get(ctx, Key(batchID))
	if err != nil {
		return Receipt{}, err
	}

	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, fmt.Errorf("receipts: decode batch %d: %w", batchID, err)
	}
	if r.Version != ReceiptVersionV1 {
		return Receipt{}, fmt.Errorf("receipts: unexpected version %q for batch %d", r.Version, batchID)
	}
	return r, nil
}
