package buyer

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sage-x-project/sage-paywall/llm"
	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/types"
)

const selectPrompt = `You help a buyer choose an art seller.
Return a single JSON object: {"sellerId": "<id of the chosen seller>", "reason": "<short reason>"}.
Prefer sellers whose style matches the request and whose price fits the budget.`

// SelectSeller picks one of quotes for the request. The model chooses when
// available; otherwise, or when it names no known seller, the cheapest quote
// within budget wins, else the first quote.
func SelectSeller(ctx context.Context, model llm.Client, quotes []types.Quote, budget decimal.Decimal, requirements string, log *logger.Logger) (types.Quote, error) {
	if len(quotes) == 0 {
		return types.Quote{}, types.ValidationError("no sellers to choose from")
	}
	if model != nil {
		if q, ok := selectWithModel(ctx, model, quotes, budget, requirements); ok {
			return q, nil
		}
		logger.Or(log).Debug("seller selection model gave no usable answer; using cheapest listing")
	}
	return cheapestWithin(quotes, budget), nil
}

func selectWithModel(ctx context.Context, model llm.Client, quotes []types.Quote, budget decimal.Decimal, requirements string) (types.Quote, bool) {
	in := map[string]interface{}{
		"request": requirements,
		"budget":  budget.String(),
		"sellers": quotes,
	}
	user, _ := json.Marshal(in)

	var out struct {
		SellerID string `json:"sellerId"`
	}
	if err := llm.ChatJSON(ctx, model, selectPrompt, string(user), &out); err != nil {
		return types.Quote{}, false
	}
	id := strings.TrimSpace(out.SellerID)
	for _, q := range quotes {
		if strings.EqualFold(q.SellerID, id) {
			return q, true
		}
	}
	return types.Quote{}, false
}

func cheapestWithin(quotes []types.Quote, budget decimal.Decimal) types.Quote {
	best := -1
	for i, q := range quotes {
		if budget.IsPositive() && q.Price.GreaterThan(budget) {
			continue
		}
		if best < 0 || q.Price.LessThan(quotes[best].Price) {
			best = i
		}
	}
	if best < 0 {
		return quotes[0]
	}
	return quotes[best]
}
