// Package negotiation runs the bounded offer/counter-offer protocol that
// fixes the price of an invoice before it is created.
package negotiation

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/sage-x-project/sage-paywall/events"
	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/types"
)

// DefaultMaxRounds bounds a negotiation when the engine is not configured.
const DefaultMaxRounds = 3

// DefaultPrecision is the number of decimals an agreed price is rounded to.
const DefaultPrecision int32 = 2

type phase int

const (
	phaseBuyerOffer phase = iota
	phaseSellerResponse
	phaseTerminal
)

// Session is the state of one negotiation. It is owned by a single Negotiate
// call and never shared.
type Session struct {
	Listing        types.SellerListing
	Budget         decimal.Decimal
	Round          int
	MaxRounds      int
	Ask            decimal.Decimal
	LastBuyerOffer decimal.Decimal
	History        []types.Offer

	phase      phase
	agreed     decimal.Decimal
	settlement string
	forced     bool
}

// Engine holds the policies; it keeps no per-session state and is safe for
// concurrent use.
type Engine struct {
	Buyer       BuyerPolicy
	Seller      SellerPolicy
	Termination TerminationPolicy
	MaxRounds   int
	Precision   int32
	Log         *logger.Logger
}

// NewEngine returns an engine with deterministic schedules and ForcedMidpoint.
func NewEngine() *Engine {
	return &Engine{
		Buyer:       NewScheduleBuyer(),
		Seller:      NewScheduleSeller(),
		Termination: ForcedMidpoint{},
		MaxRounds:   DefaultMaxRounds,
		Precision:   DefaultPrecision,
	}
}

// Negotiate runs at most MaxRounds rounds and returns a price inside
// [listing.FloorPrice, budget]. A budget below the floor fails with
// NegotiationFailed before any round is played.
func (e *Engine) Negotiate(ctx context.Context, listing types.SellerListing, budget decimal.Decimal, sink events.Sink) (*types.NegotiationResult, error) {
	sink = events.OrNop(sink)
	log := logger.Or(e.Log).WithFields(map[string]interface{}{"component": "negotiation", "listing_id": listing.ID})

	if err := validate(listing, budget); err != nil {
		return nil, err
	}
	if budget.LessThan(listing.FloorPrice) {
		err := types.NegotiationFailed(fmt.Sprintf("budget %s is below the seller's minimum", budget))
		ev := types.NewActivityEvent(types.EventNegotiationFailed, "negotiation", err.Message)
		ev.ListingID = listing.ID
		ev.Level = types.LevelWarning
		sink.Emit(ev)
		log.Warnf("negotiation refused: budget %s below floor", budget)
		return nil, err
	}

	maxRounds := e.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	s := &Session{
		Listing:   listing,
		Budget:    budget,
		Round:     1,
		MaxRounds: maxRounds,
		Ask:       listing.ListingPrice,
	}

	var offer BuyerMove
	for s.phase != phaseTerminal {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch s.phase {
		case phaseBuyerOffer:
			offer = e.buyerTurn(ctx, s, log)
			e.record(s, sink, types.Offer{Round: s.Round, Actor: types.ActorBuyer, Price: offer.Price, Rationale: offer.Rationale, Accepted: offer.Accept, Tactic: offer.Tactic})
			if offer.Accept {
				s.finish(s.Ask, "buyer_accepted")
				continue
			}
			s.LastBuyerOffer = offer.Price
			s.phase = phaseSellerResponse

		case phaseSellerResponse:
			resp := e.sellerTurn(ctx, s, log)
			price := resp.Counter
			if resp.Accept {
				price = s.LastBuyerOffer
			}
			e.record(s, sink, types.Offer{Round: s.Round, Actor: types.ActorSeller, Price: price, Rationale: resp.Rationale, Accepted: resp.Accept, Tactic: resp.Tactic})
			if resp.Accept {
				s.finish(s.LastBuyerOffer, "seller_accepted")
				continue
			}
			s.Ask = resp.Counter
			if s.Round >= s.MaxRounds {
				if err := e.terminate(s, sink); err != nil {
					return nil, err
				}
				continue
			}
			s.Round++
			s.phase = phaseBuyerOffer
		}
	}

	agreed := e.round(s.agreed, s)
	result := &types.NegotiationResult{
		ListingID:     listing.ID,
		AgreedPrice:   agreed,
		OriginalPrice: listing.ListingPrice,
		Savings:       listing.ListingPrice.Sub(agreed),
		Rounds:        s.Round,
		Forced:        s.forced,
		Settlement:    s.settlement,
		History:       s.History,
	}

	ev := types.NewActivityEvent(types.EventNegotiationComplete, "negotiation",
		fmt.Sprintf("Agreed on %s %s after %d round(s) (%s)", agreed, listing.Token, s.Round, s.settlement))
	ev.ListingID = listing.ID
	ev.Data = map[string]interface{}{
		"agreedPrice":   agreed.String(),
		"originalPrice": listing.ListingPrice.String(),
		"savings":       result.Savings.String(),
		"rounds":        s.Round,
		"settlement":    s.settlement,
	}
	sink.Emit(ev)
	log.WithField("round", s.Round).Infof("negotiation settled at %s (%s)", agreed, s.settlement)
	return result, nil
}

// buyerTurn asks the buyer policy and keeps its move inside the rules:
// offers never exceed the budget or the ask nor fall below the previous
// offer, and an acceptance only counts when the ask is affordable.
func (e *Engine) buyerTurn(ctx context.Context, s *Session, log *logger.Logger) BuyerMove {
	v := BuyerView{
		ListingID:    s.Listing.ID,
		Style:        s.Listing.Style,
		ListingPrice: s.Listing.ListingPrice,
		Ask:          s.Ask,
		Budget:       s.Budget,
		Round:        s.Round,
		MaxRounds:    s.MaxRounds,
		LastOffer:    s.LastBuyerOffer,
	}
	move, err := e.Buyer.Offer(ctx, v)
	if err != nil {
		log.Warnf("buyer policy failed in round %d, using schedule: %v", s.Round, err)
		move, _ = NewScheduleBuyer().Offer(ctx, v)
	}
	if move.Accept {
		if s.Ask.LessThanOrEqual(s.Budget) {
			move.Price = s.Ask
			return move
		}
		move.Accept = false
		move.Price = s.Budget
	}
	if !move.Price.IsPositive() {
		move, _ = NewScheduleBuyer().Offer(ctx, v)
		if move.Accept {
			return move
		}
	}
	if move.Price.GreaterThanOrEqual(s.Ask) && s.Ask.LessThanOrEqual(s.Budget) {
		// offering the ask or more is taking the ask
		move.Accept = true
		move.Price = s.Ask
		return move
	}
	move.Price = clamp(move.Price, s.LastBuyerOffer, decimal.Min(s.Budget, s.Ask))
	return move
}

// sellerTurn asks the seller policy. Acceptance below the floor is refused
// and counters stay within [floor, ask].
func (e *Engine) sellerTurn(ctx context.Context, s *Session, log *logger.Logger) SellerMove {
	v := SellerView{
		ListingID:    s.Listing.ID,
		Style:        s.Listing.Style,
		ListingPrice: s.Listing.ListingPrice,
		Floor:        s.Listing.FloorPrice,
		Ask:          s.Ask,
		Offer:        s.LastBuyerOffer,
		Round:        s.Round,
		MaxRounds:    s.MaxRounds,
	}
	move, err := e.Seller.Respond(ctx, v)
	if err != nil {
		log.Warnf("seller policy failed in round %d, using schedule: %v", s.Round, err)
		move, _ = NewScheduleSeller().Respond(ctx, v)
	}
	if move.Accept && s.LastBuyerOffer.LessThan(s.Listing.FloorPrice) {
		move.Accept = false
		move.Counter = s.Listing.FloorPrice
	}
	if move.Accept {
		return move
	}
	if !move.Counter.IsPositive() {
		move, _ = NewScheduleSeller().Respond(ctx, v)
		if move.Accept {
			return move
		}
	}
	move.Counter = clamp(move.Counter, s.Listing.FloorPrice, s.Ask)
	if move.Counter.LessThanOrEqual(s.LastBuyerOffer) {
		// a counter at or under the offer is an acceptance of the offer
		move.Accept = true
		move.Counter = decimal.Zero
	}
	return move
}

func (e *Engine) terminate(s *Session, sink events.Sink) error {
	policy := e.Termination
	if policy == nil {
		policy = ForcedMidpoint{}
	}
	price, err := policy.Settle(s)
	if err != nil {
		return err
	}
	price = e.round(price, s)
	note := fmt.Sprintf("Final round reached; settling at %s.", price)
	e.record(s, sink, types.Offer{Round: s.Round, Actor: types.ActorBuyer, Price: price, Rationale: "I accept " + price.String() + ". " + note, Accepted: true, Tactic: policy.Name()})
	e.record(s, sink, types.Offer{Round: s.Round, Actor: types.ActorSeller, Price: price, Rationale: "Agreed at " + price.String() + ". " + note, Accepted: true, Tactic: policy.Name()})
	s.forced = true
	s.finish(price, policy.Name())
	return nil
}

// round applies the display precision and re-clamps, so rounding can never
// move the price outside [floor, budget].
func (e *Engine) round(p decimal.Decimal, s *Session) decimal.Decimal {
	prec := e.Precision
	if prec <= 0 {
		prec = DefaultPrecision
	}
	return clamp(p.Round(prec), s.Listing.FloorPrice, s.Budget)
}

func (e *Engine) record(s *Session, sink events.Sink, o types.Offer) {
	s.History = append(s.History, o)
	ev := types.NewActivityEvent(types.EventNegotiationOffer, "negotiation",
		fmt.Sprintf("%s round %d: %s (%s)", o.Actor, o.Round, o.Price, o.Tactic))
	ev.ListingID = s.Listing.ID
	ev.Data = map[string]interface{}{
		"round":    strconv.Itoa(o.Round),
		"actor":    string(o.Actor),
		"price":    o.Price.String(),
		"accepted": o.Accepted,
		"message":  o.Rationale,
	}
	sink.Emit(ev)
}

func (s *Session) finish(price decimal.Decimal, how string) {
	s.agreed = price
	s.settlement = how
	s.phase = phaseTerminal
}

func validate(listing types.SellerListing, budget decimal.Decimal) error {
	if !listing.ListingPrice.IsPositive() {
		return types.ValidationError("listing %s has no positive price", listing.ID)
	}
	if listing.FloorPrice.IsNegative() || listing.FloorPrice.GreaterThan(listing.ListingPrice) {
		return types.ValidationError("listing %s floor %s must be within [0, %s]", listing.ID, listing.FloorPrice, listing.ListingPrice)
	}
	if !budget.IsPositive() {
		return types.ValidationError("buyer budget must be positive, got %s", budget)
	}
	return nil
}
