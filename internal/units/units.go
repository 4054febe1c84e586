package units

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// On-chain fixed-point scales.
const (
	USDC   = 6
	Price  = 10
	Fee    = 12
	Native = 18
)

// FromBlockchain converts an on-chain integer into its display value.
func FromBlockchain(v *big.Int, decimals int) float64 {
	return FromBlockchainDecimal(v, decimals).InexactFloat64()
}

func FromBlockchainDecimal(v *big.Int, decimals int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -int32(decimals))
}

// ToBlockchain encodes a display value as floor(v * 10^decimals).
// Digits beyond the scale are truncated, never rounded up.
func ToBlockchain(v float64, decimals int) *big.Int {
	return ToBlockchainDecimal(decimal.NewFromFloat(v), decimals)
}

func ToBlockchainDecimal(d decimal.Decimal, decimals int) *big.Int {
	return d.Shift(int32(decimals)).Floor().BigInt()
}

// Truncate drops digits of v beyond the given scale. It floors like
// ToBlockchain, so negative values move away from zero.
func Truncate(v float64, decimals int) float64 {
	return decimal.NewFromFloat(v).Shift(int32(decimals)).Floor().Shift(-int32(decimals)).InexactFloat64()
}
