package ledger

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// TokenDecimals is the fixed precision of every supported token.
const TokenDecimals = 18

// ToBaseUnits converts a token amount into its integer base units.
// Digits past TokenDecimals are truncated.
func ToBaseUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(TokenDecimals).Truncate(0).BigInt()
}

// FromBaseUnits converts integer base units back into a token amount.
func FromBaseUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -TokenDecimals)
}
