package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sage-x-project/sage-paywall/store"
	"github.com/sage-x-project/sage-paywall/types"
)

// WithdrawReport summarizes a WithdrawEarnings pass.
type WithdrawReport struct {
	Withdrawn []string          `json:"withdrawn"`
	Skipped   map[string]string `json:"skipped"`
	Failed    map[string]string `json:"failed"`
	Total     decimal.Decimal   `json:"total"`
}

// WithdrawEarnings releases the funds of every paid invoice that has not been
// withdrawn yet. Invoices the ledger reports as unpaid, owned by another
// seller or already emptied are skipped.
func (g *Gateway) WithdrawEarnings(ctx context.Context) (*WithdrawReport, error) {
	invoices, err := g.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	report := &WithdrawReport{Skipped: map[string]string{}, Failed: map[string]string{}}
	for _, inv := range invoices {
		if inv.WithdrawnAt != nil {
			continue
		}
		if !inv.Paid {
			report.Skipped[inv.ID] = "not paid"
			continue
		}
		amount, err := g.withdrawOne(ctx, inv)
		switch {
		case err != nil:
			report.Failed[inv.ID] = err.Error()
		case amount.IsZero():
			report.Skipped[inv.ID] = "nothing to withdraw"
		default:
			report.Withdrawn = append(report.Withdrawn, inv.ID)
			report.Total = report.Total.Add(amount)
		}
	}
	g.log.WithField("count", len(report.Withdrawn)).Infof("withdrew %s %s", report.Total, g.tokenSymbol)
	return report, nil
}

// WithdrawInvoice withdraws a single stored invoice.
func (g *Gateway) WithdrawInvoice(ctx context.Context, id string) (decimal.Decimal, error) {
	if err := types.ValidateInvoiceID(id); err != nil {
		return decimal.Zero, err
	}
	inv, err := g.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, types.UnknownInvoice(id)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return g.withdrawOne(ctx, inv)
}

// withdrawOne withdraws a single paid invoice and records it locally. It
// returns the amount released, zero when there was nothing to release.
func (g *Gateway) withdrawOne(ctx context.Context, inv *types.Invoice) (decimal.Decimal, error) {
	lctx, cancel := context.WithTimeout(ctx, g.ledgerTimeout)
	defer cancel()

	rec, err := g.ledger.GetInvoice(lctx, inv.ID)
	if err != nil {
		return decimal.Zero, err
	}
	if !rec.Paid {
		return decimal.Zero, types.ValidationError("invoice %s is not paid on ledger", inv.ID)
	}
	if !strings.EqualFold(rec.Seller, g.signer.Hex()) {
		return decimal.Zero, types.ValidationError("invoice %s belongs to seller %s", inv.ID, rec.Seller)
	}

	var txHash string
	amount := rec.Amount
	if !rec.Withdrawn() {
		txHash, err = g.ledger.Withdraw(lctx, g.signer, inv.ID)
		if err != nil {
			return decimal.Zero, err
		}
	}

	_, err = store.Update(ctx, g.store, inv.ID, func(cur *types.Invoice) error {
		if cur.WithdrawnAt == nil {
			at := g.now().UTC()
			cur.WithdrawnAt = &at
		}
		return nil
	})
	if err != nil {
		return amount, fmt.Errorf("record withdrawal for %s: %w", inv.ID, err)
	}
	if txHash != "" {
		g.emit(types.EventWithdrawal, inv.ID, fmt.Sprintf("Withdrew %s %s", amount, g.tokenSymbol),
			map[string]interface{}{"txHash": txHash, "amount": amount.String()})
	}
	return amount, nil
}
