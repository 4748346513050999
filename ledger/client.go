package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/resilience"
	"github.com/sage-x-project/sage-paywall/types"
)

// Client implements Ledger on top of a Registry. Reads are retried on
// transient failures; writes are never retried blindly.
type Client struct {
	reg     Registry
	retry   *resilience.RetryConfig
	breaker *resilience.Breaker
	log     *logger.Logger
}

var _ Ledger = (*Client)(nil)

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithRetry replaces the read retry configuration.
func WithRetry(cfg *resilience.RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// WithReadBreaker fails registry reads fast with LedgerUnavailable once b
// opens. Pair it with LedgerFailure so reverts do not count against the
// endpoint.
func WithReadBreaker(b *resilience.Breaker) ClientOption {
	return func(c *Client) { c.breaker = b }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *logger.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient wraps a registry.
func NewClient(reg Registry, opts ...ClientOption) *Client {
	c := &Client{reg: reg, retry: resilience.DefaultRetryConfig()}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.Or(c.log).WithField("component", "ledger")
	return c
}

// Registry exposes the underlying registry.
func (c *Client) Registry() Registry { return c.reg }

func (c *Client) Reference() string { return c.reg.Address() }

// CreateInvoice registers id on the registry with signer as seller.
func (c *Client) CreateInvoice(ctx context.Context, signer *Signer, id, token string, amount decimal.Decimal) (string, error) {
	key, err := types.EncodeInvoiceID(id)
	if err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", types.ValidationError("invoice amount must be positive, got %s", amount)
	}
	tx, err := c.reg.CreateInvoice(ctx, signer, key, token, ToBaseUnits(amount))
	if err != nil {
		return tx.Hash, c.translate(id, err)
	}
	c.log.WithFields(map[string]interface{}{"invoice_id": id, "tx_hash": tx.Hash, "amount": amount.String()}).Info("invoice registered")
	return tx.Hash, nil
}

// GetInvoice reads the registry record. Unregistered ids yield UnknownInvoice.
func (c *Client) GetInvoice(ctx context.Context, id string) (*InvoiceRecord, error) {
	key, err := types.EncodeInvoiceID(id)
	if err != nil {
		return nil, err
	}
	var raw OnchainInvoice
	err = c.read(ctx, "read invoice "+id, func(ctx context.Context) error {
		var rerr error
		raw, rerr = c.reg.Invoice(ctx, key)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	if !raw.Exists() {
		return nil, types.UnknownInvoice(id)
	}
	return &InvoiceRecord{
		ID:     id,
		Seller: raw.Seller,
		Token:  raw.Token,
		Amount: FromBaseUnits(raw.Amount),
		Paid:   raw.Paid,
	}, nil
}

// PayInvoice approves the registry when the allowance is short, pays the
// invoice and waits for both transactions. A payment the registry already
// holds is reported as success with AlreadyPaid set.
func (c *Client) PayInvoice(ctx context.Context, req PayRequest, signer *Signer) (*PayResult, error) {
	log := c.log.WithFields(map[string]interface{}{"invoice_id": req.InvoiceID, "payer": signer.Hex()})

	rec, err := c.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if rec.Paid {
		log.Info("invoice already paid on ledger; nothing to transfer")
		return &PayResult{Success: true, AlreadyPaid: true}, nil
	}
	if req.Amount.IsPositive() && !req.Amount.Equal(rec.Amount) {
		return nil, types.ValidationError("quoted amount %s does not match ledger amount %s", req.Amount, rec.Amount).
			WithDetail("invoice_id", req.InvoiceID)
	}
	if req.Token != "" && !strings.EqualFold(req.Token, rec.Token) {
		return nil, types.ValidationError("quoted token %s does not match ledger token %s", req.Token, rec.Token)
	}
	units := ToBaseUnits(rec.Amount)

	balance, err := c.readBig(ctx, func(ctx context.Context) (*big.Int, error) {
		return c.reg.BalanceOf(ctx, rec.Token, signer.Hex())
	})
	if err != nil {
		return nil, err
	}
	if balance.Cmp(units) < 0 {
		return nil, types.InsufficientFunds(fmt.Sprintf("balance %s below invoice amount %s", FromBaseUnits(balance), rec.Amount)).
			WithDetail("invoice_id", req.InvoiceID)
	}

	result := &PayResult{}
	allowance, err := c.readBig(ctx, func(ctx context.Context) (*big.Int, error) {
		return c.reg.Allowance(ctx, rec.Token, signer.Hex(), c.reg.Address())
	})
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(units) < 0 {
		tx, err := c.reg.Approve(ctx, signer, rec.Token, c.reg.Address(), units)
		if err != nil {
			return nil, c.translate(req.InvoiceID, err)
		}
		result.ApproveTxHash = tx.Hash
		log.WithField("tx_hash", tx.Hash).Info("allowance approved")
	}

	tx, err := c.reg.PayInvoice(ctx, signer, mustKey(req.InvoiceID))
	if err != nil {
		return c.recoverPayment(ctx, req.InvoiceID, result, tx, err)
	}
	result.Success = true
	result.TxHash = tx.Hash
	log.WithField("tx_hash", tx.Hash).Info("invoice paid")
	return result, nil
}

// recoverPayment decides what a failed pay attempt means. The registry
// allows one payment per invoice, so "already paid" and lost confirmations
// are settled by reading state again instead of paying again.
func (c *Client) recoverPayment(ctx context.Context, id string, result *PayResult, tx TxResult, payErr error) (*PayResult, error) {
	var revert *RevertError
	alreadyPaid := errors.As(payErr, &revert) && classifyRevert(revert.Reason) == revertAlreadyPaid
	unconfirmed := errors.Is(payErr, types.ErrLedgerUnavailable)
	if !alreadyPaid && !unconfirmed {
		return nil, c.translate(id, payErr)
	}

	readCtx := ctx
	if ctx.Err() != nil {
		// the caller stopped waiting; the read still has to happen before
		// anything is concluded about the payment
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), c.readTimeout())
		defer cancel()
	}
	rec, err := c.GetInvoice(readCtx, id)
	if err != nil {
		return nil, fmt.Errorf("payment outcome unknown, re-read failed: %w", err)
	}
	if !rec.Paid {
		return nil, c.translate(id, payErr)
	}
	result.Success = true
	result.TxHash = tx.Hash
	result.AlreadyPaid = alreadyPaid
	c.log.WithFields(map[string]interface{}{"invoice_id": id, "tx_hash": tx.Hash, "already_paid": alreadyPaid}).
		Info("payment confirmed by re-reading ledger")
	return result, nil
}

// Withdraw releases a paid invoice's funds to its seller.
func (c *Client) Withdraw(ctx context.Context, signer *Signer, id string) (string, error) {
	key, err := types.EncodeInvoiceID(id)
	if err != nil {
		return "", err
	}
	tx, err := c.reg.Withdraw(ctx, signer, key)
	if err != nil {
		return tx.Hash, c.translate(id, err)
	}
	c.log.WithFields(map[string]interface{}{"invoice_id": id, "tx_hash": tx.Hash}).Info("earnings withdrawn")
	return tx.Hash, nil
}

// TokenBalance returns owner's balance of token.
func (c *Client) TokenBalance(ctx context.Context, token, owner string) (decimal.Decimal, error) {
	bal, err := c.readBig(ctx, func(ctx context.Context) (*big.Int, error) {
		return c.reg.BalanceOf(ctx, token, owner)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return FromBaseUnits(bal), nil
}

func (c *Client) readBig(ctx context.Context, read func(ctx context.Context) (*big.Int, error)) (*big.Int, error) {
	var out *big.Int
	err := c.read(ctx, "read balance", func(ctx context.Context) error {
		v, err := read(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// read runs fn under the retry policy and, when set, the read breaker. The
// breaker sees one outcome per retried read, not one per attempt.
func (c *Client) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	retried := func(ctx context.Context) error {
		return unwrapRetry(resilience.RetryWithConfig(ctx, c.readRetry(), fn))
	}
	if c.breaker == nil {
		return retried(ctx)
	}
	err := c.breaker.Do(ctx, retried)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return types.LedgerUnavailable(op, err)
	}
	return err
}

func (c *Client) readRetry() *resilience.RetryConfig {
	cfg := *c.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			c.log.WithField("attempt", attempt).Warnf("ledger read failed, retrying in %s: %v", delay, err)
		}
	}
	return &cfg
}

func (c *Client) readTimeout() time.Duration {
	if c.retry != nil && c.retry.MaxDelay > 0 {
		return c.retry.MaxDelay * time.Duration(max(c.retry.MaxAttempts, 1)+1)
	}
	return 15 * time.Second
}

// LedgerFailure reports whether err means the registry endpoint could not
// answer. It is the breaker failure predicate for ledger reads.
func LedgerFailure(err error) bool {
	return errors.Is(err, types.ErrLedgerUnavailable)
}

// translate maps registry errors onto the payment error taxonomy.
func (c *Client) translate(id string, err error) error {
	var revert *RevertError
	if errors.As(err, &revert) {
		switch classifyRevert(revert.Reason) {
		case revertAlreadyPaid:
			e := types.NewPaymentError(types.ErrorCodeAlreadyPaid, revert.Error(), err)
			e.InvoiceID = id
			return e
		case revertInsufficient:
			return types.NewPaymentError(types.ErrorCodeInsufficientFunds, revert.Error(), err).WithDetail("invoice_id", id)
		case revertUnknownInvoice:
			return types.UnknownInvoice(id)
		}
		return fmt.Errorf("invoice %s: %w", id, err)
	}
	var pe *types.PaymentError
	if errors.As(err, &pe) {
		if pe.InvoiceID == "" {
			pe.InvoiceID = id
		}
		return pe
	}
	return types.LedgerUnavailable("registry call for invoice "+id, err)
}

func unwrapRetry(err error) error {
	var exceeded resilience.ErrMaxRetriesExceeded
	if errors.As(err, &exceeded) && exceeded.LastErr != nil {
		return exceeded.LastErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.LedgerUnavailable("ledger read", err)
	}
	return err
}

func mustKey(id string) [32]byte {
	key, _ := types.EncodeInvoiceID(id)
	return key
}
