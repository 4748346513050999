package negotiation

import (
	"github.com/shopspring/decimal"

	"github.com/sage-x-project/sage-paywall/types"
)

// TerminationPolicy settles a negotiation that ran out of rounds.
type TerminationPolicy interface {
	Name() string
	Settle(s *Session) (decimal.Decimal, error)
}

// ForcedMidpoint settles at the midpoint of the last buyer offer and the last
// seller counter, clamped to [floor, budget]. The clamp is the only guarantee.
type ForcedMidpoint struct{}

func (ForcedMidpoint) Name() string { return "forced_midpoint" }

func (ForcedMidpoint) Settle(s *Session) (decimal.Decimal, error) {
	if s.Budget.LessThan(s.Listing.FloorPrice) {
		return decimal.Zero, types.NegotiationFailed("budget is below the seller's minimum")
	}
	mid := s.LastBuyerOffer.Add(s.Ask).Div(decimal.NewFromInt(2))
	return clamp(mid, s.Listing.FloorPrice, s.Budget), nil
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	return decimal.Min(decimal.Max(v, lo), hi)
}
