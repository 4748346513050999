package types

import "github.com/shopspring/decimal"

// Actor is one side of a negotiation.
type Actor string

const (
	ActorBuyer  Actor = "buyer"
	ActorSeller Actor = "seller"
)

// Offer is one transcript entry.
type Offer struct {
	Round     int             `json:"round"`
	Actor     Actor           `json:"actor"`
	Price     decimal.Decimal `json:"price"`
	Rationale string          `json:"rationale"`
	Accepted  bool            `json:"accepted"`
	// Tactic names the policy step that produced the offer (anchor, counter, floor, forced_midpoint...).
	Tactic string `json:"tactic,omitempty"`
}

// NegotiationResult is returned by a completed negotiation.
type NegotiationResult struct {
	ListingID     string          `json:"listingId,omitempty"`
	AgreedPrice   decimal.Decimal `json:"agreedPrice"`
	OriginalPrice decimal.Decimal `json:"originalPrice"`
	Savings       decimal.Decimal `json:"savings"`
	Rounds        int             `json:"rounds"`
	Forced        bool            `json:"forced"`
	// Settlement says how the price was reached: buyer_accepted,
	// seller_accepted or the name of the termination policy.
	Settlement    string          `json:"settlement"`
	History       []Offer         `json:"history"`
}
