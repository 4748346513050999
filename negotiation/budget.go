package negotiation

import (
	"regexp"

	"github.com/shopspring/decimal"
)

var budgetPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)budget[^0-9]{0,20}?(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)pay[^0-9]{0,20}?(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`\$\s*(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:usdc|usd|enc|tokens?)\b`),
}

// ParseBudget extracts a budget from free-form requirements text such as
// "my budget is 12 USDC" or "happy to pay up to $15".
func ParseBudget(text string) (decimal.Decimal, bool) {
	for _, re := range budgetPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		d, err := decimal.NewFromString(m[1])
		if err == nil && d.IsPositive() {
			return d, true
		}
	}
	return decimal.Zero, false
}
