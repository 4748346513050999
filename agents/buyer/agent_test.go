package buyer

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sage-x-project/sage-paywall/events"
	"github.com/sage-x-project/sage-paywall/gateway"
	"github.com/sage-x-project/sage-paywall/ledger"
	"github.com/sage-x-project/sage-paywall/resilience"
	"github.com/sage-x-project/sage-paywall/store"
	"github.com/sage-x-project/sage-paywall/types"
)

const (
	testToken  = "0x00000000000000000000000000000000000000e1"
	sellerAddr = "0x0000000000000000000000000000000000000051"
	buyerAddr  = "0x00000000000000000000000000000000000000b1"
)

type env struct {
	reg      *ledger.MemoryRegistry
	ledger   *ledger.Client
	gw       *gateway.Gateway
	agent    *Agent
	events   *events.Recorder
	genCalls atomic.Int32
}

func newEnv(t *testing.T, funds int64) *env {
	t.Helper()
	e := &env{reg: ledger.NewMemoryRegistry(""), events: events.NewRecorder(0)}
	e.ledger = ledger.NewClient(e.reg, ledger.WithRetry(&resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}))
	if funds > 0 {
		e.reg.Mint(testToken, buyerAddr, decimal.NewFromInt(funds))
	}
	listing := types.SellerListing{
		ID:           "petpainter",
		Style:        "watercolor",
		ListingPrice: decimal.NewFromInt(10),
		FloorPrice:   decimal.NewFromInt(5),
		Token:        testToken,
	}
	gen := gateway.GeneratorFunc(func(ctx context.Context, inv *types.Invoice, payload map[string]interface{}) (string, error) {
		e.genCalls.Add(1)
		return "http://seller/assets/artwork_" + inv.ID + ".svg", nil
	})
	gw, err := gateway.New(listing, e.ledger, store.NewMemoryStore(), ledger.AddressSigner(sellerAddr), gen, gateway.WithSink(e.events))
	if err != nil {
		t.Fatalf("Expected no error creating gateway, got: %v", err)
	}
	e.gw = gw
	e.agent = NewAgent(e.ledger, ledger.AddressSigner(buyerAddr), WithSink(e.events))
	return e
}

func TestPurchase_NegotiatePayDeliver(t *testing.T) {
	e := newEnv(t, 50)
	res, err := e.agent.Purchase(context.Background(), LocalSeller{Gateway: e.gw}, PurchaseRequest{
		Budget:  decimal.NewFromInt(7),
		Payload: map[string]interface{}{"description": "my corgi"},
	})
	if err != nil {
		t.Fatalf("Expected purchase to succeed, got: %v", err)
	}
	if res.Negotiation == nil || !res.Negotiation.AgreedPrice.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("Expected agreed price 7, got %+v", res.Negotiation)
	}
	if res.Receipt == nil || !res.Receipt.Amount.Equal(decimal.NewFromInt(7)) {
		t.Errorf("Expected receipt for 7, got %+v", res.Receipt)
	}
	if !strings.HasSuffix(res.AssetURL, "artwork_"+res.InvoiceID+".svg") {
		t.Errorf("Expected asset for %s, got %s", res.InvoiceID, res.AssetURL)
	}
	if res.Resumed {
		t.Error("Expected a fresh purchase, not a resumed one")
	}
	if got := e.reg.Calls("payInvoice"); got != 1 {
		t.Errorf("Expected 1 payment, got %d", got)
	}

	bal, _ := e.ledger.TokenBalance(context.Background(), testToken, buyerAddr)
	if !bal.Equal(decimal.NewFromInt(43)) {
		t.Errorf("Expected buyer balance 43, got %s", bal)
	}
	if len(e.events.OfType(types.EventPaymentSent)) != 1 {
		t.Error("Expected a payment_sent event")
	}
}

func TestPurchase_ResumesPaidInvoice(t *testing.T) {
	e := newEnv(t, 50)
	ctx := context.Background()
	first, err := e.agent.Purchase(ctx, LocalSeller{Gateway: e.gw}, PurchaseRequest{Budget: decimal.NewFromInt(8)})
	if err != nil {
		t.Fatalf("Expected purchase to succeed, got: %v", err)
	}
	negotiations := len(e.events.OfType(types.EventNegotiationComplete))

	again, err := e.agent.Purchase(ctx, LocalSeller{Gateway: e.gw}, PurchaseRequest{InvoiceID: first.InvoiceID, Budget: decimal.NewFromInt(8)})
	if err != nil {
		t.Fatalf("Expected resume to succeed, got: %v", err)
	}
	if !again.Resumed || again.AssetURL != first.AssetURL {
		t.Errorf("Expected resumed delivery of %s, got %+v", first.AssetURL, again)
	}
	if got := e.reg.Calls("payInvoice"); got != 1 {
		t.Errorf("Expected no second payment, got %d payments", got)
	}
	if len(e.events.OfType(types.EventNegotiationComplete)) != negotiations {
		t.Error("Expected no second negotiation")
	}
	if got := e.genCalls.Load(); got != 1 {
		t.Errorf("Expected one generation, got %d", got)
	}
}

func TestPurchase_ResumeUnpaidInvoicePays(t *testing.T) {
	e := newEnv(t, 50)
	ctx := context.Background()
	if _, err := e.gw.Generate(ctx, types.GenerateRequest{InvoiceID: "resume-1"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	res, err := e.agent.Purchase(ctx, LocalSeller{Gateway: e.gw}, PurchaseRequest{InvoiceID: "resume-1", Budget: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("Expected purchase to succeed, got: %v", err)
	}
	if res.Resumed || res.Payment == nil || res.InvoiceID != "resume-1" {
		t.Errorf("Expected a paid resume-1, got %+v", res)
	}
}

func TestPurchase_NoBudgetNegotiatesFromQuote(t *testing.T) {
	e := newEnv(t, 50)
	res, err := e.agent.Purchase(context.Background(), LocalSeller{Gateway: e.gw}, PurchaseRequest{})
	if err != nil {
		t.Fatalf("Expected purchase to succeed, got: %v", err)
	}
	if res.Negotiation == nil {
		t.Fatal("Expected a negotiation against the quoted price")
	}
	if res.Receipt.Amount.GreaterThan(decimal.NewFromInt(10)) || res.Receipt.Amount.LessThan(decimal.NewFromInt(5)) {
		t.Errorf("Expected amount in [5,10], got %s", res.Receipt.Amount)
	}
	if !res.Receipt.Amount.Equal(res.Negotiation.AgreedPrice) {
		t.Errorf("Expected receipt %s to match agreed price %s", res.Receipt.Amount, res.Negotiation.AgreedPrice)
	}
}

func TestPurchase_BudgetFromRequirements(t *testing.T) {
	e := newEnv(t, 50)
	res, err := e.agent.Purchase(context.Background(), LocalSeller{Gateway: e.gw}, PurchaseRequest{Requirements: "a corgi, budget 7"})
	if err != nil {
		t.Fatalf("Expected purchase to succeed, got: %v", err)
	}
	if res.Receipt.Amount.GreaterThan(decimal.NewFromInt(7)) {
		t.Errorf("Expected amount within budget 7, got %s", res.Receipt.Amount)
	}
}

func TestPurchase_NegotiationFailed(t *testing.T) {
	e := newEnv(t, 50)
	_, err := e.agent.Purchase(context.Background(), LocalSeller{Gateway: e.gw}, PurchaseRequest{Budget: decimal.NewFromInt(3)})
	if !errors.Is(err, types.ErrNegotiationFailed) {
		t.Fatalf("Expected NegotiationFailed, got %v", err)
	}
	if n := e.reg.Calls("createInvoice") + e.reg.Calls("payInvoice"); n != 0 {
		t.Errorf("Expected no invoice or payment, got %d ledger writes", n)
	}
}

func TestPurchase_InsufficientFunds(t *testing.T) {
	e := newEnv(t, 2)
	_, err := e.agent.Purchase(context.Background(), LocalSeller{Gateway: e.gw}, PurchaseRequest{Budget: decimal.NewFromInt(7)})
	if !errors.Is(err, types.ErrInsufficientFunds) {
		t.Fatalf("Expected InsufficientFunds, got %v", err)
	}
	if got := e.reg.Calls("payInvoice"); got != 0 {
		t.Errorf("Expected no payment attempt, got %d", got)
	}
}

// stubbornSeller keeps asking for payment even after the ledger holds it.
type stubbornSeller struct {
	reg      *ledger.MemoryRegistry
	client   *ledger.Client
	amount   decimal.Decimal
	calls    int
	ledgerID string
}

func (s *stubbornSeller) Quote(ctx context.Context) (*types.Quote, error) {
	return &types.Quote{SellerID: "stubborn", Price: s.amount, Token: testToken}, nil
}

func (s *stubbornSeller) Negotiate(ctx context.Context, req types.NegotiateRequest) (*types.NegotiationResult, error) {
	return &types.NegotiationResult{AgreedPrice: s.amount, OriginalPrice: s.amount}, nil
}

func (s *stubbornSeller) Generate(ctx context.Context, req types.GenerateRequest) (*GenerateReply, error) {
	s.calls++
	if s.calls == 1 {
		if _, err := s.client.CreateInvoice(ctx, ledger.AddressSigner(sellerAddr), req.InvoiceID, testToken, s.amount); err != nil {
			return nil, err
		}
	}
	return &GenerateReply{PaymentRequired: &types.PaymentRequired{
		InvoiceID:       req.InvoiceID,
		Amount:          s.amount,
		Token:           testToken,
		LedgerReference: s.ledgerID,
	}}, nil
}

func TestPurchase_PaymentNotRecognized(t *testing.T) {
	e := newEnv(t, 50)
	seller := &stubbornSeller{reg: e.reg, client: e.ledger, amount: decimal.NewFromInt(4), ledgerID: e.ledger.Reference()}

	_, err := e.agent.Purchase(context.Background(), seller, PurchaseRequest{Budget: decimal.NewFromInt(6)})
	if !IsPaymentNotRecognized(err) {
		t.Fatalf("Expected PaymentNotRecognized, got %v", err)
	}
	if seller.calls != 2 {
		t.Errorf("Expected exactly 2 generate calls, got %d", seller.calls)
	}
	if got := e.reg.Calls("payInvoice"); got != 1 {
		t.Errorf("Expected exactly 1 payment, got %d", got)
	}
}

// greedySeller agrees on one price and invoices another.
type greedySeller struct {
	stubbornSeller
	invoiced decimal.Decimal
}

func (s *greedySeller) Generate(ctx context.Context, req types.GenerateRequest) (*GenerateReply, error) {
	return &GenerateReply{PaymentRequired: &types.PaymentRequired{
		InvoiceID:       req.InvoiceID,
		Amount:          s.invoiced,
		Token:           testToken,
		LedgerReference: s.ledgerID,
	}}, nil
}

func TestPurchase_RefusesInvoiceAboveAgreedPrice(t *testing.T) {
	e := newEnv(t, 50)
	seller := &greedySeller{
		stubbornSeller: stubbornSeller{amount: decimal.NewFromInt(4), ledgerID: e.ledger.Reference()},
		invoiced:       decimal.NewFromInt(5),
	}
	_, err := e.agent.Purchase(context.Background(), seller, PurchaseRequest{Budget: decimal.NewFromInt(6)})
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if got := e.reg.Calls("payInvoice") + e.reg.Calls("approve"); got != 0 {
		t.Errorf("Expected no payment, got %d ledger writes", got)
	}

	seller.invoiced = decimal.NewFromInt(4)
	seller.ledgerID = "0x00000000000000000000000000000000000000ff"
	if _, err := e.agent.Purchase(context.Background(), seller, PurchaseRequest{Budget: decimal.NewFromInt(6)}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Expected ValidationError for a foreign registry, got %v", err)
	}
}

func TestPurchase_OverHTTP(t *testing.T) {
	e := newEnv(t, 50)
	srv := httptest.NewServer(gateway.NewServer(e.gw, nil, "").Routes())
	defer srv.Close()

	client := NewSellerClient(srv.URL, srv.Client())
	q, err := client.Quote(context.Background())
	if err != nil {
		t.Fatalf("Expected quote, got: %v", err)
	}
	if q.SellerID != "petpainter" {
		t.Errorf("Expected petpainter, got %s", q.SellerID)
	}

	res, err := e.agent.Purchase(context.Background(), client, PurchaseRequest{
		ListingID: q.SellerID,
		Budget:    decimal.NewFromInt(7),
		Payload:   map[string]interface{}{"description": "my corgi"},
	})
	if err != nil {
		t.Fatalf("Expected purchase to succeed, got: %v", err)
	}
	if !res.Receipt.Amount.Equal(decimal.NewFromInt(7)) {
		t.Errorf("Expected receipt for 7, got %s", res.Receipt.Amount)
	}

	_, err = client.Negotiate(context.Background(), types.NegotiateRequest{ListingID: "petpainter", BuyerBudget: decimal.NewFromInt(1)})
	if !errors.Is(err, types.ErrNegotiationFailed) {
		t.Errorf("Expected NegotiationFailed over HTTP, got %v", err)
	}
	_, err = client.Generate(context.Background(), types.GenerateRequest{InvoiceID: strings.Repeat("z", 40)})
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("Expected ValidationError over HTTP, got %v", err)
	}
}

func TestPurchase_ReceivesCertificate(t *testing.T) {
	e := newEnv(t, 50)
	listing := e.gw.Listing()
	listing.NFT = true
	gen := gateway.GeneratorFunc(func(ctx context.Context, inv *types.Invoice, payload map[string]interface{}) (string, error) {
		return "http://seller/assets/portrait_" + inv.ID + ".png", nil
	})
	gw, err := gateway.New(listing, e.ledger, store.NewMemoryStore(), ledger.AddressSigner(sellerAddr), gen,
		gateway.WithMinter(e.reg, nil))
	if err != nil {
		t.Fatalf("Expected no error creating gateway, got: %v", err)
	}

	res, err := e.agent.Purchase(context.Background(), LocalSeller{Gateway: gw}, PurchaseRequest{Budget: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("Expected purchase to succeed, got: %v", err)
	}
	if res.Receipt == nil || res.Receipt.NFT == nil {
		t.Fatalf("Expected a certificate on the receipt, got %+v", res.Receipt)
	}
	if owner := e.reg.PortraitOwner(res.Receipt.NFT.TokenID); !strings.EqualFold(owner, buyerAddr) {
		t.Errorf("Expected the certificate minted to the buyer, got %q", owner)
	}
}
