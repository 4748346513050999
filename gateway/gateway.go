// Package gateway is the seller-side pay-gated resource surface. Each invoice
// moves UNKNOWN -> CREATED -> PAID -> FULFILLED; the ledger is consulted on
// every request and the content generator runs only after payment.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sage-x-project/sage-paywall/events"
	"github.com/sage-x-project/sage-paywall/ledger"
	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/negotiation"
	"github.com/sage-x-project/sage-paywall/store"
	"github.com/sage-x-project/sage-paywall/types"
)

// ContentGenerator produces the paid asset. It is only called for invoices
// the ledger reports as paid, and at most once per successful fulfillment.
type ContentGenerator interface {
	Generate(ctx context.Context, inv *types.Invoice, payload map[string]interface{}) (assetURL string, err error)
}

// GeneratorFunc adapts a function to ContentGenerator.
type GeneratorFunc func(ctx context.Context, inv *types.Invoice, payload map[string]interface{}) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, inv *types.Invoice, payload map[string]interface{}) (string, error) {
	return f(ctx, inv, payload)
}

// Gateway serves one seller listing.
type Gateway struct {
	listing   types.SellerListing
	ledger    ledger.Ledger
	store     store.Store
	signer    *ledger.Signer
	generator ContentGenerator
	engine    *negotiation.Engine
	minter    ledger.Minter
	nftOwner  *ledger.Signer
	sink      events.Sink
	log       *logger.Logger
	locks     *keyedMutex

	tokenSymbol     string
	autoWithdraw    bool
	ledgerTimeout   time.Duration
	generateTimeout time.Duration
	newID           func() string
	now             func() time.Time
}

// Option customizes a Gateway.
type Option func(*Gateway)

func WithEngine(e *negotiation.Engine) Option { return func(g *Gateway) { g.engine = e } }
func WithSink(s events.Sink) Option           { return func(g *Gateway) { g.sink = s } }
func WithLogger(l *logger.Logger) Option      { return func(g *Gateway) { g.log = l } }
func WithAutoWithdraw(on bool) Option         { return func(g *Gateway) { g.autoWithdraw = on } }
func WithTokenSymbol(sym string) Option       { return func(g *Gateway) { g.tokenSymbol = sym } }

// WithTimeouts bounds ledger calls and content generation. Zero keeps the default.
func WithTimeouts(ledgerCall, generate time.Duration) Option {
	return func(g *Gateway) {
		if ledgerCall > 0 {
			g.ledgerTimeout = ledgerCall
		}
		if generate > 0 {
			g.generateTimeout = generate
		}
	}
}

// WithMinter mints an NFT certificate to the buyer after each delivery. The
// owner signs the mint; nil uses the seller signer.
func WithMinter(m ledger.Minter, owner *ledger.Signer) Option {
	return func(g *Gateway) {
		g.minter = m
		g.nftOwner = owner
	}
}

// WithIDGenerator replaces the invoice id source.
func WithIDGenerator(f func() string) Option { return func(g *Gateway) { g.newID = f } }

// WithClock replaces time.Now.
func WithClock(f func() time.Time) Option { return func(g *Gateway) { g.now = f } }

// New builds a gateway for listing. The signer is the seller account that
// registers invoices and receives withdrawals.
func New(listing types.SellerListing, l ledger.Ledger, s store.Store, signer *ledger.Signer, gen ContentGenerator, opts ...Option) (*Gateway, error) {
	if l == nil || s == nil || gen == nil {
		return nil, fmt.Errorf("gateway requires a ledger, a store and a content generator")
	}
	if signer == nil {
		return nil, fmt.Errorf("gateway requires a seller signer")
	}
	if !listing.ListingPrice.IsPositive() {
		return nil, fmt.Errorf("listing %s has no positive price", listing.ID)
	}
	g := &Gateway{
		listing:         listing,
		ledger:          l,
		store:           s,
		signer:          signer,
		generator:       gen,
		locks:           newKeyedMutex(),
		tokenSymbol:     "tokens",
		ledgerTimeout:   2 * time.Minute,
		generateTimeout: 3 * time.Minute,
		newID:           types.NewInvoiceID,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.engine == nil {
		g.engine = negotiation.NewEngine()
	}
	if g.nftOwner == nil {
		g.nftOwner = signer
	}
	g.sink = events.OrNop(g.sink)
	g.log = logger.Or(g.log).WithFields(map[string]interface{}{"component": "gateway", "listing_id": listing.ID})
	return g, nil
}

// Listing returns the listing served by the gateway, floor included.
func (g *Gateway) Listing() types.SellerListing { return g.listing }

// Quote returns the public listing view.
func (g *Gateway) Quote(ctx context.Context) types.Quote {
	g.emit(types.EventQuoteRequest, "", fmt.Sprintf("Quote requested for %s", g.listing.ID), nil)
	return g.listing.Quote(g.ledger.Reference(), g.signer.Hex())
}

// GenerateResult carries exactly one of PaymentRequired or Success.
type GenerateResult struct {
	PaymentRequired *types.PaymentRequired
	Success         *types.GenerateSuccess
}

// Generate runs the pay-gated flow for one request.
func (g *Gateway) Generate(ctx context.Context, req types.GenerateRequest) (*GenerateResult, error) {
	id := req.InvoiceID
	if id == "" {
		id = g.newID()
	}
	if err := types.ValidateInvoiceID(id); err != nil {
		return nil, err
	}
	if req.BuyerAddress != "" && !ledger.IsAddress(req.BuyerAddress) {
		return nil, types.ValidationError("buyer address %q is not an account address", req.BuyerAddress)
	}
	log := g.log.WithField("invoice_id", id)

	unlock, err := g.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inv, err := g.store.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		amount, err := g.price(req.NegotiatedPrice)
		if err != nil {
			return nil, err
		}
		g.emit(types.EventOrderReceived, id, fmt.Sprintf("Order received for %s at %s %s", g.listing.ID, amount, g.tokenSymbol), nil)
		inv, err = g.register(ctx, id, amount, req.BuyerAddress, log)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("load invoice %s: %w", id, err)
	}

	paid, err := g.ledgerPaid(ctx, id)
	if err != nil {
		// unverifiable payment is never treated as paid
		log.Warnf("ledger read failed, answering payment required: %v", err)
		return g.paymentRequired(inv, "Payment could not be verified yet. "), nil
	}
	if !paid {
		return g.paymentRequired(inv, ""), nil
	}

	if !inv.Paid {
		inv, err = store.Update(ctx, g.store, id, func(cur *types.Invoice) error {
			cur.MarkPaid(g.now().UTC())
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("record payment for %s: %w", id, err)
		}
		g.emit(types.EventPaymentReceived, id, fmt.Sprintf("Payment of %s %s confirmed on ledger", inv.Amount, g.tokenSymbol), nil)
		log.Info("payment confirmed on ledger")
	}

	if inv.State != types.InvoiceStateFulfilled {
		inv, err = g.fulfill(ctx, inv, req.Payload, log)
		if err != nil {
			return nil, err
		}
	}
	if g.minter != nil && inv.NFT == nil {
		inv = g.certify(ctx, inv, req.BuyerAddress, log)
	}
	return &GenerateResult{Success: g.success(inv)}, nil
}

// price picks the invoice amount: the negotiated price when given, else the
// listing price. A negotiated price must lie within [floor, listing price].
func (g *Gateway) price(negotiated decimal.NullDecimal) (decimal.Decimal, error) {
	if !negotiated.Valid {
		return g.listing.ListingPrice, nil
	}
	p := negotiated.Decimal
	if !p.IsPositive() {
		return decimal.Zero, types.ValidationError("negotiated price must be positive, got %s", p)
	}
	if p.LessThan(g.listing.FloorPrice) || p.GreaterThan(g.listing.ListingPrice) {
		return decimal.Zero, types.ValidationError("negotiated price %s is outside the listing's price range", p)
	}
	return p, nil
}

// register makes sure the ledger knows id and records it locally. An id the
// ledger already holds for this seller is adopted instead of registered again.
func (g *Gateway) register(ctx context.Context, id string, amount decimal.Decimal, buyer string, log *logger.Logger) (*types.Invoice, error) {
	inv := &types.Invoice{
		ID:              id,
		ListingID:       g.listing.ID,
		Amount:          amount,
		Token:           g.listing.Token,
		SellerAddress:   g.signer.Hex(),
		LedgerReference: g.ledger.Reference(),
		BuyerAddress:    buyer,
		State:           types.InvoiceStateCreated,
		CreatedAt:       g.now().UTC(),
	}

	lctx, cancel := context.WithTimeout(ctx, g.ledgerTimeout)
	defer cancel()

	rec, err := g.ledger.GetInvoice(lctx, id)
	switch {
	case err == nil:
		if !strings.EqualFold(rec.Seller, g.signer.Hex()) {
			return nil, types.ValidationError("invoice id %s is registered to another seller", id)
		}
		inv.Token = rec.Token
		if rec.Withdrawn() {
			// the ledger zeroes the amount on withdrawal; keep the requested one
			at := g.now().UTC()
			inv.WithdrawnAt = &at
		} else {
			inv.Amount = rec.Amount
		}
		log.Info("invoice already registered on ledger; adopting it")
	case errors.Is(err, types.ErrUnknownInvoice):
		txHash, err := g.ledger.CreateInvoice(lctx, g.signer, id, g.listing.Token, amount)
		if err != nil {
			return nil, err
		}
		g.emit(types.EventInvoiceCreated, id, fmt.Sprintf("Invoice registered on ledger for %s %s", amount, g.tokenSymbol),
			map[string]interface{}{"txHash": txHash, "amount": amount.String()})
	default:
		return nil, err
	}

	stored, created, err := g.store.Create(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("store invoice %s: %w", id, err)
	}
	if !created {
		log.Debug("invoice record created concurrently by another process")
	}
	return stored, nil
}

func (g *Gateway) ledgerPaid(ctx context.Context, id string) (bool, error) {
	lctx, cancel := context.WithTimeout(ctx, g.ledgerTimeout)
	defer cancel()
	rec, err := g.ledger.GetInvoice(lctx, id)
	if err != nil {
		return false, err
	}
	return rec.Paid, nil
}

// fulfill runs the generator for a paid invoice. On failure the invoice
// stays PAID so the buyer can retry without paying again.
func (g *Gateway) fulfill(ctx context.Context, inv *types.Invoice, payload map[string]interface{}, log *logger.Logger) (*types.Invoice, error) {
	gctx, cancel := context.WithTimeout(ctx, g.generateTimeout)
	defer cancel()

	assetURL, err := g.generator.Generate(gctx, inv.Clone(), payload)
	if err == nil && assetURL == "" {
		err = errors.New("generator returned no asset")
	}
	if err != nil {
		log.Error("content generation failed", err)
		g.emitLevel(types.EventGenerationFailed, inv.ID, types.LevelError, "Content generation failed; the invoice stays paid and can be retried", nil)
		return nil, types.GenerationFailed(inv.ID, err)
	}

	out, err := store.Update(ctx, g.store, inv.ID, func(cur *types.Invoice) error {
		if cur.State == types.InvoiceStateFulfilled {
			return nil
		}
		cur.MarkFulfilled(assetURL, g.now().UTC())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record fulfillment for %s: %w", inv.ID, err)
	}
	g.emit(types.EventAssetDelivered, inv.ID, "Asset delivered", map[string]interface{}{"assetUrl": out.AssetURL})
	log.WithField("asset_url", out.AssetURL).Info("invoice fulfilled")

	if g.autoWithdraw {
		if _, err := g.withdrawOne(ctx, out); err != nil {
			log.Warnf("auto-withdraw failed: %v", err)
		}
	}
	return out, nil
}

// certify mints the NFT certificate for a fulfilled invoice. Without a buyer
// address, or when the mint fails, the sale stands and the invoice is
// returned unchanged; a later request for the same invoice tries again.
func (g *Gateway) certify(ctx context.Context, inv *types.Invoice, buyer string, log *logger.Logger) *types.Invoice {
	if inv.BuyerAddress != "" {
		buyer = inv.BuyerAddress
	}
	if buyer == "" {
		log.Info("no buyer address given; skipping NFT certificate")
		return inv
	}

	mctx, cancel := context.WithTimeout(ctx, g.ledgerTimeout)
	defer cancel()
	artist := g.listing.Name
	if artist == "" {
		artist = g.listing.ID
	}
	res, err := g.minter.MintPortrait(mctx, g.nftOwner, ledger.MintRequest{
		To:          buyer,
		Artist:      artist,
		Style:       g.listing.Style,
		MetadataURI: inv.AssetURL,
	})
	if err != nil {
		log.Warnf("NFT minting failed: %v", err)
		g.emitLevel(types.EventNFTMintFailed, inv.ID, types.LevelWarning, "NFT certificate could not be minted; the artwork was delivered", nil)
		return inv
	}

	cert := &types.NFTCertificate{
		TokenID:  res.TokenID,
		Contract: g.minter.Contract(),
		TxHash:   res.TxHash,
		Owner:    buyer,
		MintedAt: g.now().UTC(),
	}
	out, err := store.Update(ctx, g.store, inv.ID, func(cur *types.Invoice) error {
		if cur.NFT == nil {
			cur.NFT = cert
		}
		if cur.BuyerAddress == "" {
			cur.BuyerAddress = buyer
		}
		return nil
	})
	if err != nil {
		log.Error("recording NFT certificate failed", err)
		withCert := inv.Clone()
		withCert.NFT = cert
		return withCert
	}
	g.emit(types.EventNFTMinted, inv.ID, fmt.Sprintf("NFT certificate %s minted to %s", cert.TokenID, buyer),
		map[string]interface{}{"tokenId": cert.TokenID, "contractAddress": cert.Contract, "txHash": cert.TxHash})
	log.WithFields(map[string]interface{}{"token_id": cert.TokenID, "tx_hash": cert.TxHash}).Info("NFT certificate minted")
	return out
}

func (g *Gateway) paymentRequired(inv *types.Invoice, prefix string) *GenerateResult {
	g.emit(types.EventPaymentRequired, inv.ID, fmt.Sprintf("Payment of %s %s required", inv.Amount, g.tokenSymbol), nil)
	return &GenerateResult{PaymentRequired: &types.PaymentRequired{
		InvoiceID:       inv.ID,
		Amount:          inv.Amount,
		Token:           inv.Token,
		LedgerReference: inv.LedgerReference,
		SellerAddress:   inv.SellerAddress,
		Message: fmt.Sprintf("%sPayment required. Pay %s %s to receive your %s artwork.",
			prefix, inv.Amount, g.tokenSymbol, g.listing.Style),
	}}
}

func (g *Gateway) success(inv *types.Invoice) *types.GenerateSuccess {
	return &types.GenerateSuccess{
		OK:        true,
		InvoiceID: inv.ID,
		AssetURL:  inv.AssetURL,
		Receipt: &types.Receipt{
			InvoiceID: inv.ID,
			Amount:    inv.Amount,
			Token:     inv.Token,
			PaidAt:    inv.PaidAt,
			NFT:       inv.NFT,
		},
	}
}

// Negotiate runs a negotiation for this seller's listing.
func (g *Gateway) Negotiate(ctx context.Context, req types.NegotiateRequest) (*types.NegotiationResult, error) {
	if id := req.ResolveListingID(); id != "" && id != g.listing.ID {
		return nil, types.ValidationError("listing %s is not sold here", id)
	}
	budget := req.BuyerBudget
	if !budget.IsPositive() && req.Requirements != "" {
		if parsed, ok := negotiation.ParseBudget(req.Requirements); ok {
			budget = parsed
		}
	}
	return g.engine.Negotiate(ctx, g.listing, budget, g.sink)
}

// InvoiceStatus is the local record plus a fresh ledger reading.
type InvoiceStatus struct {
	Invoice    *types.Invoice `json:"invoice"`
	LedgerPaid bool           `json:"ledgerPaid"`
	Verified   bool           `json:"verified"`
	LedgerErr  string         `json:"ledgerError,omitempty"`
}

// InvoiceStatus reports a stored invoice. A failed ledger read reports unpaid.
func (g *Gateway) InvoiceStatus(ctx context.Context, id string) (*InvoiceStatus, error) {
	if err := types.ValidateInvoiceID(id); err != nil {
		return nil, err
	}
	inv, err := g.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.UnknownInvoice(id)
	}
	if err != nil {
		return nil, err
	}
	status := &InvoiceStatus{Invoice: inv}
	paid, err := g.ledgerPaid(ctx, id)
	if err != nil {
		status.LedgerErr = err.Error()
		return status, nil
	}
	status.LedgerPaid = paid
	status.Verified = true
	return status, nil
}

func (g *Gateway) emit(eventType, invoiceID, msg string, data map[string]interface{}) {
	g.emitLevel(eventType, invoiceID, types.LevelInfo, msg, data)
}

func (g *Gateway) emitLevel(eventType, invoiceID, level, msg string, data map[string]interface{}) {
	ev := types.NewActivityEvent(eventType, g.listing.ID, msg)
	ev.InvoiceID = invoiceID
	ev.ListingID = g.listing.ID
	ev.Level = level
	ev.Data = data
	g.sink.Emit(ev)
}
