// Package amount recognizes monetary amounts in free text.
//
// Each supported currency owns one compiled pattern that accepts six notations
// (symbol or code, optional scale word or letter). Parse merges the matches of
// every currency into a single left-to-right, non-overlapping sequence.
package amount

import (
	"fmt"

	"github.com/dlclark/regexp2"
)

// Code is an ISO-4217 currency code understood by the parser.
type Code string

const (
	USD Code = "USD"
	EUR Code = "EUR"
	GBP Code = "GBP"
	JPY Code = "JPY"
)

// CurrencySpec describes one supported currency. Specs are immutable and built
// once at package initialization.
type CurrencySpec struct {
	Code    Code
	Symbols []string
	pattern *regexp2.Regexp
}

// Pattern returns the source of the compiled matcher.
func (c CurrencySpec) Pattern() string {
	return c.pattern.String()
}

// Notation identifies which of the six accepted layouts produced a match.
// Values are ordered by matching priority.
type Notation int

const (
	NotationSymbolWord   Notation = iota + 1 // $160 billion
	NotationSymbolLetter                     // $150k
	NotationCodeWord                         // 160 billion USD
	NotationCodeLetter                       // 150k USD
	NotationSymbol                           // $12.99
	NotationCode                             // 12.99 USD
)

func (n Notation) String() string {
	switch n {
	case NotationSymbolWord:
		return "symbol_word"
	case NotationSymbolLetter:
		return "symbol_letter"
	case NotationCodeWord:
		return "code_word"
	case NotationCodeLetter:
		return "code_letter"
	case NotationSymbol:
		return "symbol"
	case NotationCode:
		return "code"
	default:
		return "unknown"
	}
}

const (
	wordChar     = `A-Za-z0-9_`
	notWordAfter = `(?![` + wordChar + `])`
	notWordBefor = `(?<![` + wordChar + `])`
	scaleWords   = `(thousand|million|billion|trillion)`
	scaleLetters = `([kmbt])`

	// Numbers are atomic so "$12.99x" cannot backtrack into "$12".
	decimalNumber  = `((?>[0-9]+(?:,[0-9]{3})*(?:\.[0-9]+)?))`
	integralNumber = `((?>[0-9]+(?:,[0-9]{3})*))`
)

// buildPattern assembles the six-way alternation for one currency. Group pairs
// (1,2) (3,4) (5,6) (7,8) carry number+scale; groups 9 and 10 carry bare numbers.
func buildPattern(symbol string, code Code, number string) string {
	word := `\s?` + notWordBefor + scaleWords + notWordAfter
	letter := `\s?` + scaleLetters
	suffix := `\s?` + string(code) + notWordAfter
	return symbol + `\s?` + number + word +
		`|` + symbol + `\s?` + number + letter + notWordAfter +
		`|` + number + word + suffix +
		`|` + number + letter + suffix +
		`|` + symbol + `\s?` + number + notWordAfter +
		`|` + notWordBefor + number + suffix
}

func mustSpec(code Code, symbol, escaped string, number string) CurrencySpec {
	src := buildPattern(escaped, code, number)
	re, err := regexp2.Compile(src, regexp2.IgnoreCase)
	if err != nil {
		panic(fmt.Sprintf("amount: compile %s pattern: %v", code, err))
	}
	return CurrencySpec{
		Code:    code,
		Symbols: []string{symbol, string(code)},
		pattern: re,
	}
}

var specs = []CurrencySpec{
	mustSpec(USD, "$", `\$`, decimalNumber),
	mustSpec(EUR, "€", `€`, decimalNumber),
	mustSpec(GBP, "£", `£`, decimalNumber),
	mustSpec(JPY, "¥", `¥`, integralNumber),
}

// Specs returns the supported currencies in matching priority order.
func Specs() []CurrencySpec {
	out := make([]CurrencySpec, len(specs))
	copy(out, specs)
	return out
}

var symbolCodes = map[string]Code{
	"$": USD,
	"€": EUR,
	"£": GBP,
	"¥": JPY,
}

// CodeForSymbol maps a currency symbol to its code by exact match.
// Unrecognized symbols default to USD.
func CodeForSymbol(symbol string) Code {
	if c, ok := symbolCodes[symbol]; ok {
		return c
	}
	return USD
}
