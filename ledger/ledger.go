// Package ledger talks to the invoice registry contract. The registry is the
// only authority on whether an invoice exists and has been paid.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Ledger is the capability set the gateway and buyer agent depend on.
type Ledger interface {
	// Reference identifies the settlement contract (its address).
	Reference() string
	CreateInvoice(ctx context.Context, signer *Signer, id, token string, amount decimal.Decimal) (string, error)
	GetInvoice(ctx context.Context, id string) (*InvoiceRecord, error)
	PayInvoice(ctx context.Context, req PayRequest, signer *Signer) (*PayResult, error)
	Withdraw(ctx context.Context, signer *Signer, id string) (string, error)
	TokenBalance(ctx context.Context, token, owner string) (decimal.Decimal, error)
}

// InvoiceRecord is the registry's view of one invoice.
type InvoiceRecord struct {
	ID     string
	Seller string
	Token  string
	Amount decimal.Decimal
	Paid   bool
}

// Withdrawn reports a paid invoice whose balance was already released.
func (r *InvoiceRecord) Withdrawn() bool {
	return r.Paid && r.Amount.IsZero()
}

// PayRequest is what a buyer knows from a payment-required response.
type PayRequest struct {
	InvoiceID string
	Token     string
	Amount    decimal.Decimal
}

// PayResult reports a confirmed payment.
type PayResult struct {
	Success       bool   `json:"success"`
	TxHash        string `json:"txHash,omitempty"`
	ApproveTxHash string `json:"approveTxHash,omitempty"`
	// AlreadyPaid is set when the registry already held the payment and no
	// transfer was made by this call.
	AlreadyPaid bool `json:"alreadyPaid,omitempty"`
}

// OnchainInvoice is the raw tuple returned by invoices(bytes32).
type OnchainInvoice struct {
	Seller string
	Token  string
	Amount *big.Int
	Paid   bool
}

// Exists reports whether the invoice was ever registered.
func (o OnchainInvoice) Exists() bool {
	return o.Seller != "" && !strings.EqualFold(o.Seller, zeroAddress)
}

// TxResult identifies a mined transaction.
type TxResult struct {
	Hash        string
	BlockNumber uint64
}

// Registry is the raw contract surface. Write methods return only after the
// transaction is final or has failed; reverts surface as *RevertError.
type Registry interface {
	Address() string
	CreateInvoice(ctx context.Context, signer *Signer, id [32]byte, token string, amount *big.Int) (TxResult, error)
	Invoice(ctx context.Context, id [32]byte) (OnchainInvoice, error)
	PayInvoice(ctx context.Context, signer *Signer, id [32]byte) (TxResult, error)
	Withdraw(ctx context.Context, signer *Signer, id [32]byte) (TxResult, error)
	Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	Approve(ctx context.Context, signer *Signer, token, spender string, amount *big.Int) (TxResult, error)
	BalanceOf(ctx context.Context, token, owner string) (*big.Int, error)
}

const zeroAddress = "0x0000000000000000000000000000000000000000"

// RevertError is a contract-level rejection of a call or transaction.
type RevertError struct {
	Method string
	Reason string
	TxHash string
}

func (e *RevertError) Error() string {
	msg := fmt.Sprintf("%s reverted", e.Method)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.TxHash != "" {
		msg += " (tx " + e.TxHash + ")"
	}
	return msg
}

// revertKind buckets a revert reason.
type revertKind int

const (
	revertOther revertKind = iota
	revertAlreadyPaid
	revertInsufficient
	revertUnknownInvoice
)

func classifyRevert(reason string) revertKind {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "already paid"), strings.Contains(r, "paid already"):
		return revertAlreadyPaid
	case strings.Contains(r, "insufficient"), strings.Contains(r, "exceeds balance"), strings.Contains(r, "exceeds allowance"):
		return revertInsufficient
	case strings.Contains(r, "not found"), strings.Contains(r, "unknown invoice"), strings.Contains(r, "no invoice"), strings.Contains(r, "does not exist"):
		return revertUnknownInvoice
	default:
		return revertOther
	}
}
