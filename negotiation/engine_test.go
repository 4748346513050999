package negotiation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/sage-x-project/sage-paywall/events"
	"github.com/sage-x-project/sage-paywall/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func listing(price, floor string) types.SellerListing {
	return types.SellerListing{
		ID:           "petpainter",
		Style:        "watercolor",
		ListingPrice: d(price),
		FloorPrice:   d(floor),
		Token:        "ENC",
	}
}

func TestNegotiate_DeterministicExample(t *testing.T) {
	rec := events.NewRecorder(0)
	res, err := NewEngine().Negotiate(context.Background(), listing("10", "5"), d("7"), rec)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.AgreedPrice.LessThan(d("5")) || res.AgreedPrice.GreaterThan(d("7")) {
		t.Fatalf("Expected agreed price in [5,7], got %s", res.AgreedPrice)
	}
	if !res.AgreedPrice.Equal(d("7")) {
		t.Errorf("Expected schedule to settle at 7, got %s", res.AgreedPrice)
	}
	if res.Settlement != "seller_accepted" {
		t.Errorf("Expected seller_accepted, got %s", res.Settlement)
	}
	if res.Rounds != 3 {
		t.Errorf("Expected 3 rounds, got %d", res.Rounds)
	}
	if len(res.History) != 6 {
		t.Fatalf("Expected 6 transcript entries, got %d", len(res.History))
	}

	wantBuyer := []string{"6.5", "7", "7"}
	for i, o := range []types.Offer{res.History[0], res.History[2], res.History[4]} {
		if o.Actor != types.ActorBuyer || !o.Price.Equal(d(wantBuyer[i])) {
			t.Errorf("Expected buyer offer %s in round %d, got %s %s", wantBuyer[i], i+1, o.Actor, o.Price)
		}
	}
	if !res.History[5].Accepted {
		t.Error("Expected final seller entry to be an acceptance")
	}
	if !res.Savings.Equal(d("3")) {
		t.Errorf("Expected savings 3, got %s", res.Savings)
	}

	if got := len(rec.OfType(types.EventNegotiationOffer)); got != len(res.History) {
		t.Errorf("Expected %d offer events, got %d", len(res.History), got)
	}
	if got := len(rec.OfType(types.EventNegotiationComplete)); got != 1 {
		t.Errorf("Expected 1 completion event, got %d", got)
	}
}

func TestNegotiate_BudgetBelowFloor(t *testing.T) {
	rec := events.NewRecorder(0)
	res, err := NewEngine().Negotiate(context.Background(), listing("10", "5"), d("4.99"), rec)
	if !errors.Is(err, types.ErrNegotiationFailed) {
		t.Fatalf("Expected NegotiationFailed, got: %v", err)
	}
	if res != nil {
		t.Error("Expected no result")
	}
	if len(rec.OfType(types.EventNegotiationOffer)) != 0 {
		t.Error("Expected no offers to be made")
	}
	if len(rec.OfType(types.EventNegotiationFailed)) != 1 {
		t.Error("Expected a negotiation_failed event")
	}
}

func TestNegotiate_ForcedMidpoint(t *testing.T) {
	res, err := NewEngine().Negotiate(context.Background(), listing("10", "9.5"), d("9.6"), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !res.Forced {
		t.Error("Expected forced settlement")
	}
	if res.Settlement != (ForcedMidpoint{}).Name() {
		t.Errorf("Expected settlement %s, got %s", ForcedMidpoint{}.Name(), res.Settlement)
	}
	// midpoint of 9 and 9.5 is 9.25, clamped up to the floor
	if !res.AgreedPrice.Equal(d("9.5")) {
		t.Errorf("Expected 9.5, got %s", res.AgreedPrice)
	}
	if len(res.History) != 8 {
		t.Fatalf("Expected 8 transcript entries, got %d", len(res.History))
	}
	for _, o := range res.History[6:] {
		if !o.Accepted || o.Tactic != "forced_midpoint" {
			t.Errorf("Expected final agreement entry, got %+v", o)
		}
	}
}

func TestNegotiate_PriceAlwaysWithinBounds(t *testing.T) {
	engine := NewEngine()
	prices := []string{"1", "3.33", "10", "12.5", "100"}
	for _, p := range prices {
		price := d(p)
		for _, floorPct := range []string{"0", "0.3", "0.5", "0.88", "0.95", "1"} {
			floor := price.Mul(d(floorPct))
			for _, budgetPct := range []string{"0.5", "0.7", "0.9", "0.93", "1", "1.5"} {
				budget := price.Mul(d(budgetPct))
				if !budget.IsPositive() {
					continue
				}
				l := types.SellerListing{ID: "l", ListingPrice: price, FloorPrice: floor}
				name := fmt.Sprintf("price=%s floor=%s budget=%s", price, floor, budget)

				res, err := engine.Negotiate(context.Background(), l, budget, nil)
				if budget.LessThan(floor) {
					if !errors.Is(err, types.ErrNegotiationFailed) {
						t.Errorf("%s: expected NegotiationFailed, got %v", name, err)
					}
					continue
				}
				if err != nil {
					t.Errorf("%s: expected no error, got %v", name, err)
					continue
				}
				if res.AgreedPrice.LessThan(floor) || res.AgreedPrice.GreaterThan(budget) {
					t.Errorf("%s: agreed price %s outside [floor, budget]", name, res.AgreedPrice)
				}
				if res.Rounds > DefaultMaxRounds {
					t.Errorf("%s: expected at most %d rounds, got %d", name, DefaultMaxRounds, res.Rounds)
				}
			}
		}
	}
}

func TestNegotiate_RoundingNeverLeavesBudget(t *testing.T) {
	res, err := NewEngine().Negotiate(context.Background(), listing("10", "5"), d("7.777"), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.AgreedPrice.GreaterThan(d("7.777")) {
		t.Errorf("Expected price within budget after rounding, got %s", res.AgreedPrice)
	}
}

func TestNegotiate_BuyerAcceptsAffordableAsk(t *testing.T) {
	// a listing already at or below the first planned offer is accepted outright
	l := listing("10", "5")
	engine := NewEngine()
	engine.Buyer = &ScheduleBuyer{Fractions: []decimal.Decimal{d("1")}}

	res, err := engine.Negotiate(context.Background(), l, d("20"), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.Settlement != "buyer_accepted" || !res.AgreedPrice.Equal(d("10")) {
		t.Errorf("Expected buyer to accept 10, got %s via %s", res.AgreedPrice, res.Settlement)
	}
	if res.Rounds != 1 || len(res.History) != 1 {
		t.Errorf("Expected a single entry, got rounds=%d history=%d", res.Rounds, len(res.History))
	}
}

type greedyBuyer struct{}

func (greedyBuyer) Offer(_ context.Context, v BuyerView) (BuyerMove, error) {
	return BuyerMove{Price: v.Budget.Mul(d("3")), Tactic: "overpay"}, nil
}

type reckless struct{}

func (reckless) Respond(_ context.Context, v SellerView) (SellerMove, error) {
	return SellerMove{Accept: true, Tactic: "anything_goes"}, nil
}

type lowballBuyer struct{}

func (lowballBuyer) Offer(context.Context, BuyerView) (BuyerMove, error) {
	return BuyerMove{Price: d("0.01"), Tactic: "lowball"}, nil
}

func TestNegotiate_PolicyMovesAreClamped(t *testing.T) {
	engine := NewEngine()
	engine.Buyer = greedyBuyer{}
	res, err := engine.Negotiate(context.Background(), listing("10", "5"), d("8"), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !res.History[0].Price.Equal(d("8")) {
		t.Errorf("Expected offer above budget to be capped at 8, got %s", res.History[0].Price)
	}

	engine = NewEngine()
	engine.Buyer = lowballBuyer{}
	engine.Seller = reckless{}
	res, err = engine.Negotiate(context.Background(), listing("10", "5"), d("8"), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.AgreedPrice.LessThan(d("5")) {
		t.Errorf("Expected acceptance below floor to be refused, got %s", res.AgreedPrice)
	}
}

type overAskingBuyer struct{}

func (overAskingBuyer) Offer(context.Context, BuyerView) (BuyerMove, error) {
	return BuyerMove{Price: d("15"), Tactic: "overask"}, nil
}

func TestNegotiate_OfferAboveAskTakesAsk(t *testing.T) {
	engine := NewEngine()
	engine.Buyer = overAskingBuyer{}
	res, err := engine.Negotiate(context.Background(), listing("10", "2"), d("20"), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !res.AgreedPrice.Equal(d("10")) {
		t.Errorf("Expected agreement at the listing price 10, got %s", res.AgreedPrice)
	}
	if res.Settlement != "buyer_accepted" {
		t.Errorf("Expected buyer_accepted, got %s", res.Settlement)
	}
	if res.Savings.IsNegative() {
		t.Errorf("Expected non-negative savings, got %s", res.Savings)
	}
	for _, o := range res.History {
		if o.Price.GreaterThan(d("10")) {
			t.Errorf("Expected no recorded price above the listing, got %s in round %d", o.Price, o.Round)
		}
	}
}

type fixedTermination struct{}

func (fixedTermination) Name() string { return "seller_floor" }
func (fixedTermination) Settle(s *Session) (decimal.Decimal, error) {
	return s.Listing.FloorPrice, nil
}

func TestNegotiate_TerminationPolicyIsReplaceable(t *testing.T) {
	engine := NewEngine()
	engine.Buyer = lowballBuyer{}
	engine.Termination = fixedTermination{}

	res, err := engine.Negotiate(context.Background(), listing("10", "5"), d("8"), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.Settlement != "seller_floor" || !res.AgreedPrice.Equal(d("5")) {
		t.Errorf("Expected seller_floor at 5, got %s at %s", res.Settlement, res.AgreedPrice)
	}
}

func TestNegotiate_MaxRoundsRespected(t *testing.T) {
	engine := NewEngine()
	engine.MaxRounds = 1
	engine.Buyer = lowballBuyer{}
	res, err := engine.Negotiate(context.Background(), listing("10", "5"), d("8"), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.Rounds != 1 || !res.Forced {
		t.Errorf("Expected forced settlement after 1 round, got rounds=%d forced=%v", res.Rounds, res.Forced)
	}
}

func TestNegotiate_Validation(t *testing.T) {
	tests := []struct {
		name    string
		listing types.SellerListing
		budget  string
	}{
		{"zero price", listing("0", "0"), "5"},
		{"floor above price", listing("10", "11"), "20"},
		{"zero budget", listing("10", "5"), "0"},
	}
	for _, tt := range tests {
		_, err := NewEngine().Negotiate(context.Background(), tt.listing, d(tt.budget), nil)
		if !errors.Is(err, types.ErrValidation) {
			t.Errorf("%s: expected ValidationError, got %v", tt.name, err)
		}
	}
}

func TestNegotiate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewEngine().Negotiate(ctx, listing("10", "5"), d("7"), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
