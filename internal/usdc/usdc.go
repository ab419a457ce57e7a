// Package usdc converts between USD decimal amounts and USDC base units.
//
// USDC uses 6 decimal places. On-chain amounts are big.Int in the smallest
// unit (1 USDC = 1,000,000 units); ledger amounts are decimal.Decimal dollars.
package usdc

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const Decimals = 6

// Format renders base units with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	return ToDecimal(amount).StringFixed(Decimals)
}

// ToDecimal converts base units to a dollar amount.
func ToDecimal(amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -Decimals)
}

// FromDecimal converts a dollar amount to base units. When roundUp is set a
// fractional base unit is charged as a whole one so authorizations never
// undershoot the metered cost.
func FromDecimal(d decimal.Decimal, roundUp bool) *big.Int {
	shifted := d.Shift(Decimals)
	if roundUp {
		shifted = shifted.Ceil()
	} else {
		shifted = shifted.Truncate(0)
	}
	return shifted.BigInt()
}
