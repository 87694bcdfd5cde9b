package trading

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// quantityPlaces is the precision derived quantities are truncated to, so a
// percent-sized buy never costs more than the requested share of the balance.
const quantityPlaces = 8

// ParseAmount parses user-typed text made only of digits and at most one
// decimal point. Empty text is zero. Signs, exponents, spaces and a second
// point are rejected.
func ParseAmount(text string) (decimal.Decimal, error) {
	if text == "" {
		return decimal.Zero, nil
	}

	digits, points := 0, 0
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.':
			points++
			if points > 1 {
				return decimal.Zero, fmt.Errorf("%w: %q has more than one decimal point", ErrInvalidQuantity, text)
			}
		default:
			return decimal.Zero, fmt.Errorf("%w: %q contains %q", ErrInvalidQuantity, text, r)
		}
	}
	if digits == 0 {
		return decimal.Zero, fmt.Errorf("%w: %q has no digits", ErrInvalidQuantity, text)
	}

	// "5." and ".5" are accepted while the user is still typing
	normalized := strings.TrimSuffix(text, ".")
	if strings.HasPrefix(normalized, ".") {
		normalized = "0" + normalized
	}

	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidQuantity, err)
	}
	return d, nil
}
