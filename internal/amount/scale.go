package amount

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrMagnitude is returned when the numeric part of a candidate does not
// parse to a finite number.
var ErrMagnitude = errors.New("amount: invalid magnitude")

var scaleMultipliers = map[string]decimal.Decimal{
	"k":        decimal.New(1, 3),
	"thousand": decimal.New(1, 3),
	"m":        decimal.New(1, 6),
	"million":  decimal.New(1, 6),
	"b":        decimal.New(1, 9),
	"billion":  decimal.New(1, 9),
	"t":        decimal.New(1, 12),
	"trillion": decimal.New(1, 12),
}

// ScaleMultiplier returns the multiplier for a scale token. Tokens are matched
// case-insensitively; unknown or empty tokens report false.
func ScaleMultiplier(token string) (decimal.Decimal, bool) {
	m, ok := scaleMultipliers[strings.ToLower(strings.TrimSpace(token))]
	return m, ok
}

// IsScaleWord reports whether token is exactly one of the full scale words.
func IsScaleWord(token string) bool {
	switch strings.ToLower(token) {
	case "thousand", "million", "billion", "trillion":
		return true
	}
	return false
}

// ExpandScale parses a comma-grouped number and applies an optional scale
// token. An empty or unknown scale leaves the magnitude unscaled.
func ExpandScale(number, scale string) (decimal.Decimal, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(number), ",", "")
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMagnitude, number)
	}
	if m, ok := ScaleMultiplier(scale); ok {
		d = d.Mul(m)
	}
	return d, nil
}
