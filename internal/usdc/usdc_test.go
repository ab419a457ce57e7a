package usdc

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFormat(t *testing.T) {
	assert.Equal(t, "0.000000", Format(nil))
	assert.Equal(t, "1.500000", Format(big.NewInt(1_500_000)))
	assert.Equal(t, "0.000001", Format(big.NewInt(1)))
	assert.Equal(t, "-2.000000", Format(big.NewInt(-2_000_000)))
}

func TestFromDecimal_Rounding(t *testing.T) {
	d := decimal.RequireFromString("0.0000015")
	assert.Equal(t, int64(1), FromDecimal(d, false).Int64())
	assert.Equal(t, int64(2), FromDecimal(d, true).Int64())
	assert.Equal(t, int64(100_000), FromDecimal(decimal.RequireFromString("0.10"), true).Int64())
}

func TestToDecimal_RoundTrip(t *testing.T) {
	amt := big.NewInt(49_950_000)
	assert.True(t, ToDecimal(amt).Equal(decimal.RequireFromString("49.95")))
	assert.Equal(t, amt, FromDecimal(ToDecimal(amt), false))
}
