package income

import (
	"fmt"
	"math/big"
	"strings"
)

// DefaultDecimals is the number of decimals of the ledger's native token.
const DefaultDecimals = 12

// ScaleUnits converts a human-readable amount such as "1.5" into the
// ledger's smallest unit. Amounts finer than the smallest unit are rejected.
func ScaleUnits(human string, decimals int) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(human))
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", human)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", human)
	}
	r.Mul(r, new(big.Rat).SetInt(pow10(decimals)))
	if !r.IsInt() {
		return nil, fmt.Errorf("amount %q has more than %d decimals", human, decimals)
	}
	return new(big.Int).Set(r.Num()), nil
}

// FormatUnits renders an amount in the smallest unit as a human-readable
// value rounded to two decimals.
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0.00"
	}
	return new(big.Rat).SetFrac(amount, pow10(decimals)).FloatString(2)
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
