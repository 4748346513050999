package negotiation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sage-x-project/sage-paywall/llm"
	"github.com/sage-x-project/sage-paywall/logger"
)

// LLMBuyer asks a language model for each buyer move and falls back to the
// schedule when the model is unavailable or answers nonsense.
type LLMBuyer struct {
	Client   llm.Client
	Fallback BuyerPolicy
	Log      *logger.Logger
}

// LLMSeller is the seller-side counterpart of LLMBuyer.
type LLMSeller struct {
	Client   llm.Client
	Fallback SellerPolicy
	Log      *logger.Logger
}

type buyerReply struct {
	Offer   decimal.NullDecimal `json:"offer"`
	Accept  bool                `json:"accept"`
	Message string              `json:"message"`
	Tactic  string              `json:"tactic"`
}

type sellerReply struct {
	CounterOffer decimal.NullDecimal `json:"counterOffer"`
	Accept       bool                `json:"accept"`
	Message      string              `json:"message"`
	Tactic       string              `json:"tactic"`
}

const buyerSystemPrompt = `You negotiate on behalf of a buyer purchasing a digital artwork.
Tactics by round: round 1 anchor low (60-70% of the asking price), round 2 concede (75-85%),
final round offer 85-95% or accept if the ask fits the budget. Never offer above the budget.
Reply with JSON only: {"offer": <number>, "accept": <bool>, "message": "<one sentence>", "tactic": "<name>"}`

const sellerSystemPrompt = `You negotiate on behalf of an artist selling a digital artwork.
Tactics by round: round 1 counter at 85-95%% of the asking price, round 2 counter at 80-90%%,
final round accept any offer at or above %s, otherwise counter at %s. Never counter below %s.
Reply with JSON only: {"counterOffer": <number or null>, "accept": <bool>, "message": "<one sentence>", "tactic": "<name>"}`

func (p *LLMBuyer) Offer(ctx context.Context, v BuyerView) (BuyerMove, error) {
	fallback := p.Fallback
	if fallback == nil {
		fallback = NewScheduleBuyer()
	}
	if p.Client == nil {
		return fallback.Offer(ctx, v)
	}

	user := fmt.Sprintf("Style: %s. Listing price: %s. Current ask: %s. Your budget: %s. Your previous offer: %s. Round %d of %d.",
		v.Style, v.ListingPrice, v.Ask, v.Budget, v.LastOffer, v.Round, v.MaxRounds)
	var reply buyerReply
	if err := llm.ChatJSON(ctx, p.Client, buyerSystemPrompt, user, &reply); err != nil {
		logger.Or(p.Log).Debugf("llm buyer unavailable, using schedule: %v", err)
		return fallback.Offer(ctx, v)
	}
	if reply.Accept {
		return BuyerMove{Price: v.Ask, Accept: true, Rationale: reply.Message, Tactic: nz(reply.Tactic, "accept")}, nil
	}
	if !reply.Offer.Valid || !reply.Offer.Decimal.IsPositive() {
		return fallback.Offer(ctx, v)
	}
	return BuyerMove{Price: reply.Offer.Decimal, Rationale: reply.Message, Tactic: nz(reply.Tactic, "llm_offer")}, nil
}

func (p *LLMSeller) Respond(ctx context.Context, v SellerView) (SellerMove, error) {
	fallback := p.Fallback
	if fallback == nil {
		fallback = NewScheduleSeller()
	}
	if p.Client == nil {
		return fallback.Respond(ctx, v)
	}

	system := fmt.Sprintf(sellerSystemPrompt, v.Floor, v.Floor, v.Floor)
	user := fmt.Sprintf("Style: %s. Your asking price: %s. Buyer offers %s. Round %d of %d.",
		v.Style, v.Ask, v.Offer, v.Round, v.MaxRounds)
	var reply sellerReply
	if err := llm.ChatJSON(ctx, p.Client, system, user, &reply); err != nil {
		logger.Or(p.Log).Debugf("llm seller unavailable, using schedule: %v", err)
		return fallback.Respond(ctx, v)
	}
	if reply.Accept {
		return SellerMove{Accept: true, Rationale: reply.Message, Tactic: nz(reply.Tactic, "accept")}, nil
	}
	if !reply.CounterOffer.Valid || !reply.CounterOffer.Decimal.IsPositive() {
		return fallback.Respond(ctx, v)
	}
	return SellerMove{Counter: reply.CounterOffer.Decimal, Rationale: reply.Message, Tactic: nz(reply.Tactic, "llm_counter")}, nil
}

func nz(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
