package schema

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// parseCost parses the wire-format decimal cost string and rejects negative
// values.
func parseCost(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid cost %q: %w", raw, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("cost %q must be >= 0", raw)
	}
	return d, nil
}

// ParseCost is the exported form of parseCost, used by projectors that have
// already passed validation and need the decimal value.
func ParseCost(raw string) (decimal.Decimal, error) {
	return parseCost(raw)
}
