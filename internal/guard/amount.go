package guard

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Decimals is the token precision; counters hold amounts in these units.
const Decimals = 6

// Currency is the only token the kernel accounts for.
const Currency = "USDC"

// Units converts a token amount into atomic units.
func Units(amount decimal.Decimal) (int64, error) {
	shifted := amount.Shift(Decimals)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount.String(), Decimals)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s is out of range", amount.String())
	}
	return shifted.IntPart(), nil
}

// FromUnits converts atomic units back into a token amount.
func FromUnits(units int64) decimal.Decimal {
	return decimal.New(units, -Decimals)
}
