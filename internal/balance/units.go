package balance

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditmeter/internal/pricing"
)

// Balances are held as integer counts of 1e-8 credit so that the store can
// use exact integer arithmetic.

// ToUnits converts an amount to store units, truncating beyond eight decimals.
func ToUnits(amount decimal.Decimal) (int64, error) {
	units := amount.Truncate(pricing.Precision).Shift(pricing.Precision)
	if !units.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountOutOfRange, amount)
	}
	return units.IntPart(), nil
}

// FromUnits converts store units back to a decimal amount.
func FromUnits(units int64) decimal.Decimal {
	return decimal.New(units, -pricing.Precision)
}

func parseUnits(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	units, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance units %q: %w", raw, err)
	}
	return FromUnits(units), nil
}
