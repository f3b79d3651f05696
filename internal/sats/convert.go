// Package sats converts fiat amounts into satoshis and renders them for display.
package sats

import (
	"math"

	"github.com/PaperCranium/BrowserSats/internal/amount"

	"github.com/shopspring/decimal"
)

// PerBitcoin is the number of satoshis in one bitcoin.
const PerBitcoin = 100_000_000

var perBitcoin = decimal.NewFromInt(PerBitcoin)

// RateTable maps a currency to its multiplier relative to USD.
// The table is static and approximate; it is never refreshed from a live source.
type RateTable map[amount.Code]decimal.Decimal

// DefaultRates returns the built-in approximate exchange table.
func DefaultRates() RateTable {
	return RateTable{
		amount.USD: decimal.NewFromInt(1),
		amount.EUR: decimal.RequireFromString("1.1"),
		amount.GBP: decimal.RequireFromString("1.27"),
		amount.JPY: decimal.RequireFromString("0.0067"),
	}
}

// Multiplier returns the rate for code, defaulting to 1 for unknown codes.
func (r RateTable) Multiplier(code amount.Code) decimal.Decimal {
	if m, ok := r[code]; ok {
		return m
	}
	return decimal.NewFromInt(1)
}

// PriceSource exposes the current reference price: the USD price of one
// bitcoin. Reporting false means no price is available.
type PriceSource interface {
	ReferencePrice() (decimal.Decimal, bool)
}

// FixedPrice is a constant PriceSource. The zero value has no price.
type FixedPrice float64

// ReferencePrice implements PriceSource.
func (p FixedPrice) ReferencePrice() (decimal.Decimal, bool) {
	if p <= 0 || math.IsNaN(float64(p)) || math.IsInf(float64(p), 0) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(float64(p)), true
}

// Converter turns fiat magnitudes into satoshi counts.
type Converter struct {
	rates  RateTable
	prices PriceSource
}

// NewConverter builds a converter. A nil table selects DefaultRates.
func NewConverter(rates RateTable, prices PriceSource) *Converter {
	if rates == nil {
		rates = DefaultRates()
	}
	return &Converter{rates: rates, prices: prices}
}

// Convert returns round(magnitude × rate / price × 1e8), rounding half away
// from zero. It reports false when no reference price is set or the result
// does not fit in an int64.
func (c *Converter) Convert(magnitude decimal.Decimal, code amount.Code) (int64, bool) {
	if c == nil || c.prices == nil {
		return 0, false
	}
	price, ok := c.prices.ReferencePrice()
	if !ok || !price.IsPositive() {
		return 0, false
	}
	num := magnitude.Mul(c.rates.Multiplier(code)).Mul(perBitcoin)
	units, rem := num.QuoRem(price, 0)
	if rem.Abs().Mul(decimal.NewFromInt(2)).Cmp(price) >= 0 {
		units = units.Add(decimal.NewFromInt(int64(num.Sign())))
	}
	if !units.BigInt().IsInt64() {
		return 0, false
	}
	return units.IntPart(), true
}
