// Package buyer implements the purchasing side of the pay-gated flow:
// negotiate a price, request the resource, pay the invoice the seller
// answers with, and retry the request once the ledger holds the payment.
package buyer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sage-x-project/sage-paywall/events"
	"github.com/sage-x-project/sage-paywall/ledger"
	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/negotiation"
	"github.com/sage-x-project/sage-paywall/types"
)

// Seller is the buyer's view of one resource gateway.
type Seller interface {
	Quote(ctx context.Context) (*types.Quote, error)
	Negotiate(ctx context.Context, req types.NegotiateRequest) (*types.NegotiationResult, error)
	Generate(ctx context.Context, req types.GenerateRequest) (*GenerateReply, error)
}

// GenerateReply carries exactly one of PaymentRequired or Success.
type GenerateReply struct {
	PaymentRequired *types.PaymentRequired
	Success         *types.GenerateSuccess
}

// PurchaseRequest describes one purchase.
type PurchaseRequest struct {
	// ListingID names the seller listing; empty means the seller's only listing.
	ListingID string
	// Budget caps the price. Zero skips negotiation and accepts the list price.
	Budget       decimal.Decimal
	Requirements string
	Payload      map[string]interface{}
	// InvoiceID resumes a purchase. When the seller already answers with the
	// asset, nothing is negotiated or paid.
	InvoiceID string
}

// PurchaseResult is the delivered asset plus what it took to get it.
type PurchaseResult struct {
	InvoiceID   string                   `json:"invoiceId"`
	AssetURL    string                   `json:"assetUrl"`
	Receipt     *types.Receipt           `json:"receipt"`
	Negotiation *types.NegotiationResult `json:"negotiation,omitempty"`
	Payment     *ledger.PayResult        `json:"payment,omitempty"`
	// Resumed is set when the first request already returned the asset.
	Resumed bool `json:"resumed,omitempty"`
}

// Agent buys from sellers on behalf of one ledger account.
type Agent struct {
	name   string
	ledger ledger.Ledger
	signer *ledger.Signer
	sink   events.Sink
	log    *logger.Logger
}

// Option customizes an Agent.
type Option func(*Agent)

func WithSink(s events.Sink) Option      { return func(a *Agent) { a.sink = s } }
func WithLogger(l *logger.Logger) Option { return func(a *Agent) { a.log = l } }
func WithName(name string) Option        { return func(a *Agent) { a.name = name } }

// NewAgent creates a buyer paying from signer's account.
func NewAgent(l ledger.Ledger, signer *ledger.Signer, opts ...Option) *Agent {
	a := &Agent{name: "buyer", ledger: l, signer: signer}
	for _, opt := range opts {
		opt(a)
	}
	a.sink = events.OrNop(a.sink)
	a.log = logger.Or(a.log).WithField("component", "buyer")
	return a
}

// Address is the paying account.
func (a *Agent) Address() string { return a.signer.Hex() }

// Purchase runs negotiate -> request -> pay -> request against seller.
// A payment-required answer after a completed payment is reported as
// PaymentNotRecognized; the agent pays at most once per purchase.
func (a *Agent) Purchase(ctx context.Context, seller Seller, req PurchaseRequest) (*PurchaseResult, error) {
	out := &PurchaseResult{InvoiceID: req.InvoiceID}
	log := a.log

	var agreed decimal.NullDecimal
	if req.InvoiceID != "" {
		log = log.WithField("invoice_id", req.InvoiceID)
		reply, err := seller.Generate(ctx, types.GenerateRequest{InvoiceID: req.InvoiceID, Payload: req.Payload, BuyerAddress: a.Address()})
		if err != nil {
			return nil, err
		}
		if reply.Success != nil {
			log.Info("seller already holds payment; asset returned without paying")
			return a.deliver(out, reply.Success, true), nil
		}
		return a.payAndRetry(ctx, seller, req, out, reply.PaymentRequired, agreed, log)
	}

	if !req.Budget.IsPositive() {
		budget, err := a.defaultBudget(ctx, seller, req.Requirements)
		if err != nil {
			return nil, err
		}
		req.Budget = budget
	}
	result, err := seller.Negotiate(ctx, types.NegotiateRequest{
		ListingID:    req.ListingID,
		BuyerBudget:  req.Budget,
		Requirements: req.Requirements,
	})
	if err != nil {
		return nil, err
	}
	out.Negotiation = result
	agreed = decimal.NewNullDecimal(result.AgreedPrice)
	log.WithField("rounds", result.Rounds).Infof("negotiated %s (list %s)", result.AgreedPrice, result.OriginalPrice)

	// The invoice id is chosen here so a lost response can be retried
	// against the same invoice.
	out.InvoiceID = types.NewInvoiceID()
	log = log.WithField("invoice_id", out.InvoiceID)
	reply, err := seller.Generate(ctx, types.GenerateRequest{
		InvoiceID:       out.InvoiceID,
		Payload:         req.Payload,
		NegotiatedPrice: agreed,
		BuyerAddress:    a.Address(),
	})
	if err != nil {
		return nil, err
	}
	if reply.Success != nil {
		return a.deliver(out, reply.Success, true), nil
	}
	return a.payAndRetry(ctx, seller, req, out, reply.PaymentRequired, agreed, log)
}

// defaultBudget is the budget stated in the requirements, else the seller's
// quoted price.
func (a *Agent) defaultBudget(ctx context.Context, seller Seller, requirements string) (decimal.Decimal, error) {
	if b, ok := negotiation.ParseBudget(requirements); ok {
		return b, nil
	}
	q, err := seller.Quote(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote for default budget: %w", err)
	}
	a.log.Infof("no budget given; negotiating against the quoted price %s", q.Price)
	return q.Price, nil
}

func (a *Agent) payAndRetry(ctx context.Context, seller Seller, req PurchaseRequest, out *PurchaseResult,
	pr *types.PaymentRequired, agreed decimal.NullDecimal, log *logger.Logger) (*PurchaseResult, error) {
	if pr == nil {
		return nil, fmt.Errorf("seller returned neither an asset nor an invoice")
	}
	if err := a.checkInvoice(pr, req.Budget, agreed); err != nil {
		return nil, err
	}
	out.InvoiceID = pr.InvoiceID

	a.emit(types.EventPaymentRequired, pr.InvoiceID, fmt.Sprintf("Seller requires %s for invoice %s", pr.Amount, pr.InvoiceID), nil)
	payment, err := a.ledger.PayInvoice(ctx, ledger.PayRequest{InvoiceID: pr.InvoiceID, Token: pr.Token, Amount: pr.Amount}, a.signer)
	if err != nil {
		return nil, err
	}
	out.Payment = payment
	a.emit(types.EventPaymentSent, pr.InvoiceID, fmt.Sprintf("Paid %s for invoice %s", pr.Amount, pr.InvoiceID),
		map[string]interface{}{"txHash": payment.TxHash, "alreadyPaid": payment.AlreadyPaid})
	log.WithField("tx_hash", payment.TxHash).Info("invoice paid")

	reply, err := seller.Generate(ctx, types.GenerateRequest{InvoiceID: pr.InvoiceID, Payload: req.Payload, BuyerAddress: a.Address()})
	if err != nil {
		return nil, err
	}
	if reply.PaymentRequired != nil || reply.Success == nil {
		log.Error("seller still requires payment after a confirmed transfer", nil)
		return nil, types.PaymentNotRecognized(pr.InvoiceID).WithDetail("tx_hash", payment.TxHash)
	}
	return a.deliver(out, reply.Success, false), nil
}

// checkInvoice refuses invoices the buyer never agreed to: a higher amount
// than negotiated or budgeted, or a registry other than the buyer's.
func (a *Agent) checkInvoice(pr *types.PaymentRequired, budget decimal.Decimal, agreed decimal.NullDecimal) error {
	if err := types.ValidateInvoiceID(pr.InvoiceID); err != nil {
		return err
	}
	if !pr.Amount.IsPositive() {
		return types.ValidationError("invoice %s has no positive amount", pr.InvoiceID)
	}
	if agreed.Valid && pr.Amount.GreaterThan(agreed.Decimal) {
		return types.ValidationError("invoice %s asks %s, agreed price was %s", pr.InvoiceID, pr.Amount, agreed.Decimal)
	}
	if budget.IsPositive() && pr.Amount.GreaterThan(budget) {
		return types.ValidationError("invoice %s asks %s, budget is %s", pr.InvoiceID, pr.Amount, budget)
	}
	if pr.LedgerReference != "" && !strings.EqualFold(pr.LedgerReference, a.ledger.Reference()) {
		return types.ValidationError("invoice %s is held by registry %s, not %s", pr.InvoiceID, pr.LedgerReference, a.ledger.Reference())
	}
	return nil
}

func (a *Agent) deliver(out *PurchaseResult, s *types.GenerateSuccess, resumed bool) *PurchaseResult {
	if s.InvoiceID != "" {
		out.InvoiceID = s.InvoiceID
	}
	out.AssetURL = s.AssetURL
	out.Receipt = s.Receipt
	out.Resumed = resumed
	a.emit(types.EventAssetDelivered, out.InvoiceID, "Asset received", map[string]interface{}{"assetUrl": s.AssetURL})
	if s.Receipt != nil && s.Receipt.NFT != nil {
		a.log.WithField("invoice_id", out.InvoiceID).Infof("NFT certificate %s received from %s", s.Receipt.NFT.TokenID, s.Receipt.NFT.Contract)
	}
	return out
}

func (a *Agent) emit(eventType, invoiceID, msg string, data map[string]interface{}) {
	ev := types.NewActivityEvent(eventType, a.name, msg)
	ev.InvoiceID = invoiceID
	ev.Data = data
	a.sink.Emit(ev)
}

// IsPaymentNotRecognized reports whether err means the seller ignored a
// completed payment.
func IsPaymentNotRecognized(err error) bool {
	return errors.Is(err, types.ErrPaymentNotRecognized)
}
