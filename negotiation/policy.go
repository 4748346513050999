package negotiation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// BuyerView is what the buyer side may see. It never carries the floor.
type BuyerView struct {
	ListingID    string
	Style        string
	ListingPrice decimal.Decimal
	Ask          decimal.Decimal // seller's current price
	Budget       decimal.Decimal
	Round        int
	MaxRounds    int
	LastOffer    decimal.Decimal // zero before the first offer
}

// SellerView is what the seller side sees when answering an offer.
type SellerView struct {
	ListingID    string
	Style        string
	ListingPrice decimal.Decimal
	Floor        decimal.Decimal
	Ask          decimal.Decimal
	Offer        decimal.Decimal
	Round        int
	MaxRounds    int
}

// FinalRound reports whether the view is for the last round.
func (v SellerView) FinalRound() bool { return v.Round >= v.MaxRounds }

// BuyerMove is a buyer decision: accept the current ask, or offer Price.
type BuyerMove struct {
	Price     decimal.Decimal
	Accept    bool
	Rationale string
	Tactic    string
}

// SellerMove is a seller decision: accept the offer, or counter at Counter.
type SellerMove struct {
	Counter   decimal.Decimal
	Accept    bool
	Rationale string
	Tactic    string
}

type BuyerPolicy interface {
	Offer(ctx context.Context, v BuyerView) (BuyerMove, error)
}

type SellerPolicy interface {
	Respond(ctx context.Context, v SellerView) (SellerMove, error)
}

// ScheduleBuyer concedes along fixed fractions of the listing price,
// never above budget and never below its previous offer.
type ScheduleBuyer struct {
	// Fractions[i] applies to round i+1; later rounds reuse the last one.
	Fractions []decimal.Decimal
}

// ScheduleSeller counters along fixed fractions of the listing price and
// falls back to the floor in the final round.
type ScheduleSeller struct {
	Fractions []decimal.Decimal
}

var (
	defaultBuyerFractions  = []decimal.Decimal{decimal.RequireFromString("0.65"), decimal.RequireFromString("0.80"), decimal.RequireFromString("0.90")}
	defaultSellerFractions = []decimal.Decimal{decimal.RequireFromString("0.90"), decimal.RequireFromString("0.85")}
)

func NewScheduleBuyer() *ScheduleBuyer   { return &ScheduleBuyer{Fractions: defaultBuyerFractions} }
func NewScheduleSeller() *ScheduleSeller { return &ScheduleSeller{Fractions: defaultSellerFractions} }

func fraction(fs []decimal.Decimal, round int) decimal.Decimal {
	if len(fs) == 0 {
		return decimal.NewFromInt(1)
	}
	if round < 1 {
		round = 1
	}
	if round > len(fs) {
		return fs[len(fs)-1]
	}
	return fs[round-1]
}

var buyerTactics = []string{"anchor_low", "strategic_concession", "best_and_final"}

func (p *ScheduleBuyer) Offer(_ context.Context, v BuyerView) (BuyerMove, error) {
	planned := decimal.Min(v.ListingPrice.Mul(fraction(p.Fractions, v.Round)), v.Budget)
	planned = decimal.Max(planned, v.LastOffer)
	tactic := buyerTactics[min(v.Round, len(buyerTactics))-1]

	if v.Ask.LessThanOrEqual(planned) && v.Ask.LessThanOrEqual(v.Budget) {
		return BuyerMove{
			Price:     v.Ask,
			Accept:    true,
			Rationale: fmt.Sprintf("The asking price of %s is within what I planned to offer.", v.Ask),
			Tactic:    "accept",
		}, nil
	}
	return BuyerMove{
		Price:     planned,
		Rationale: fmt.Sprintf("Round %d/%d: offering %s against an ask of %s.", v.Round, v.MaxRounds, planned, v.Ask),
		Tactic:    tactic,
	}, nil
}

func (p *ScheduleSeller) Respond(_ context.Context, v SellerView) (SellerMove, error) {
	if v.FinalRound() {
		if v.Offer.GreaterThanOrEqual(v.Floor) {
			return SellerMove{Accept: true, Rationale: fmt.Sprintf("An offer of %s is acceptable.", v.Offer), Tactic: "accept"}, nil
		}
		return SellerMove{Counter: v.Floor, Rationale: fmt.Sprintf("%s is my best price.", v.Floor), Tactic: "final_stand"}, nil
	}

	counter := decimal.Max(v.ListingPrice.Mul(fraction(p.Fractions, v.Round)), v.Floor)
	counter = decimal.Min(counter, v.Ask)
	if v.Offer.GreaterThanOrEqual(counter) {
		return SellerMove{Accept: true, Rationale: fmt.Sprintf("An offer of %s meets my price.", v.Offer), Tactic: "accept"}, nil
	}
	tactic := "value_justification"
	if v.Round > 1 {
		tactic = "calculated_concession"
	}
	return SellerMove{
		Counter:   counter,
		Rationale: fmt.Sprintf("Round %d/%d: the work is worth %s.", v.Round, v.MaxRounds, counter),
		Tactic:    tactic,
	}, nil
}
