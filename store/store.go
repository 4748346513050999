// Package store keeps the local invoice cache. The cache only records what
// this process has observed; the ledger decides whether an invoice is paid.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/sage-x-project/sage-paywall/types"
)

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("invoice not found in store")

// Store is an invoice cache with atomic compare-and-swap updates.
type Store interface {
	Get(ctx context.Context, id string) (*types.Invoice, error)
	// Create inserts inv when no record exists for inv.ID. It returns the
	// stored record and whether this call created it.
	Create(ctx context.Context, inv *types.Invoice) (*types.Invoice, bool, error)
	// CompareAndSwap replaces the record only when its version still equals
	// expectedVersion. A lost race yields types.ErrStoreConflict.
	CompareAndSwap(ctx context.Context, expectedVersion int64, next *types.Invoice) (*types.Invoice, error)
	List(ctx context.Context) ([]*types.Invoice, error)
	Close(ctx context.Context) error
}

// Update reads id, applies mutate to a copy and swaps it in, retrying when
// another writer got there first.
func Update(ctx context.Context, s Store, id string, mutate func(inv *types.Invoice) error) (*types.Invoice, error) {
	const attempts = 5
	var lastErr error
	for i := 0; i < attempts; i++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		out, err := s.CompareAndSwap(ctx, cur.Version, next)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, types.ErrStoreConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func conflict(id string, expected, actual int64) error {
	e := types.NewPaymentError(types.ErrorCodeStoreConflict,
		fmt.Sprintf("expected version %d, found %d", expected, actual), nil)
	e.InvoiceID = id
	return e
}

// checkTransition rejects updates that would move an invoice backwards.
func checkTransition(cur, next *types.Invoice) error {
	if cur.ID != next.ID {
		return types.ValidationError("invoice id changed from %s to %s", cur.ID, next.ID)
	}
	if next.State.Rank() < cur.State.Rank() {
		return types.ValidationError("invoice %s cannot move from %s to %s", cur.ID, cur.State, next.State)
	}
	if cur.Paid && !next.Paid {
		return types.ValidationError("invoice %s is paid and cannot become unpaid", cur.ID)
	}
	if cur.NFT != nil && (next.NFT == nil || next.NFT.TxHash != cur.NFT.TxHash) {
		return types.ValidationError("invoice %s already holds certificate tx %s", cur.ID, cur.NFT.TxHash)
	}
	return nil
}

func validateNew(inv *types.Invoice) error {
	if inv == nil {
		return types.ValidationError("invoice is nil")
	}
	return types.ValidateInvoiceID(inv.ID)
}
