package sats

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Unit tells which display form a fragment uses.
type Unit int

const (
	// UnitSats renders grouped satoshis behind an icon or glyph.
	UnitSats Unit = iota
	// UnitBitcoin renders ₿ with three decimals.
	UnitBitcoin
)

func (u Unit) String() string {
	if u == UnitBitcoin {
		return "btc"
	}
	return "sats"
}

// BitcoinSymbol prefixes whole-unit fragments.
const BitcoinSymbol = "₿"

// AnnotationClass marks every element produced by the formatter.
const AnnotationClass = "sats-converted"

const (
	annotationStyle = "color: #f7931a; font-weight: bold; white-space: nowrap;"
	iconStyle       = "height: %dpx; width: %dpx; vertical-align: middle; margin-right: 2px;"
)

// Fragment is a rendered conversion.
type Fragment struct {
	Unit  Unit
	Sats  int64
	Text  string
	style Style
}

// Style controls how small-unit fragments are decorated.
type Style struct {
	// IconURL is the image shown before satoshi amounts. Empty selects Glyph.
	IconURL string
	// IconSize is the icon edge in pixels.
	IconSize int
	// Glyph is a text prefix used when IconURL is empty.
	Glyph string
}

// DefaultStyle returns the text-only decoration.
func DefaultStyle() Style {
	return Style{IconSize: 15, Glyph: "丰"}
}

// Formatter renders satoshi counts.
type Formatter struct {
	style Style
}

// NewFormatter creates a formatter with the given decoration.
func NewFormatter(style Style) *Formatter {
	if style.IconSize <= 0 {
		style.IconSize = 15
	}
	return &Formatter{style: style}
}

// WithIconSize returns a copy of the formatter using a different icon size.
func (f *Formatter) WithIconSize(px int) *Formatter {
	s := f.style
	s.IconSize = px
	return NewFormatter(s)
}

// Format picks the display form. Amounts below one bitcoin render as grouped
// satoshis, everything else as bitcoin with three decimals.
func (f *Formatter) Format(units int64) Fragment {
	if units < PerBitcoin {
		return Fragment{Unit: UnitSats, Sats: units, Text: humanize.Comma(units), style: f.style}
	}
	return Fragment{Unit: UnitBitcoin, Sats: units, Text: BitcoinSymbol + FormatBitcoin(units), style: f.style}
}

// FormatBitcoin renders units/1e8 with three decimals and a grouped integer part.
func FormatBitcoin(units int64) string {
	fixed := decimal.NewFromInt(units).Div(perBitcoin).StringFixed(3)
	neg := strings.HasPrefix(fixed, "-")
	fixed = strings.TrimPrefix(fixed, "-")
	whole, frac, _ := strings.Cut(fixed, ".")
	out := groupDigits(whole) + "." + frac
	if neg {
		out = "-" + out
	}
	return out
}

func groupDigits(digits string) string {
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// String returns the plain-text form, including the glyph when no icon is used.
func (fr Fragment) String() string {
	if fr.Unit == UnitSats && fr.style.IconURL == "" {
		return fr.style.Glyph + fr.Text
	}
	return fr.Text
}

// Node builds the annotation element for the fragment.
func (fr Fragment) Node() *html.Node {
	span := &html.Node{
		Type:     html.ElementNode,
		Data:     atom.Span.String(),
		DataAtom: atom.Span,
		Attr: []html.Attribute{
			{Key: "class", Val: AnnotationClass},
			{Key: "style", Val: annotationStyle},
			{Key: "data-sats", Val: strconv.FormatInt(fr.Sats, 10)},
		},
	}
	if fr.Unit == UnitSats && fr.style.IconURL != "" {
		span.AppendChild(&html.Node{
			Type:     html.ElementNode,
			Data:     atom.Img.String(),
			DataAtom: atom.Img,
			Attr: []html.Attribute{
				{Key: "src", Val: fr.style.IconURL},
				{Key: "alt", Val: "sats"},
				{Key: "style", Val: iconCSS(fr.style.IconSize)},
			},
		})
	}
	span.AppendChild(&html.Node{Type: html.TextNode, Data: fr.String()})
	return span
}

func iconCSS(px int) string {
	return fmt.Sprintf(iconStyle, px, px)
}
