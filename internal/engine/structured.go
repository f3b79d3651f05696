package engine

import (
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/PaperCranium/BrowserSats/internal/amount"
	"github.com/PaperCranium/BrowserSats/internal/dom"
)

// StructuredIconSize is the icon edge used for structured-amount annotations.
const StructuredIconSize = 18

// StructuredLayout describes a price split across sibling nodes: a container
// element carrying ContainerAttr=ContainerValue, holding descendants with
// the symbol, whole and fraction classes.
type StructuredLayout struct {
	Tag            atom.Atom `yaml:"-"`
	ContainerAttr  string    `yaml:"container_attr"`
	ContainerValue string    `yaml:"container_value"`
	SymbolClass    string    `yaml:"symbol_class"`
	WholeClass     string    `yaml:"whole_class"`
	FractionClass  string    `yaml:"fraction_class"`
}

// DefaultStructuredLayout matches span[aria-hidden="true"] price blocks.
func DefaultStructuredLayout() StructuredLayout {
	return StructuredLayout{
		Tag:            atom.Span,
		ContainerAttr:  "aria-hidden",
		ContainerValue: "true",
		SymbolClass:    "a-price-symbol",
		WholeClass:     "a-price-whole",
		FractionClass:  "a-price-fraction",
	}
}

// IsContainer reports whether n has the container shape.
func (l StructuredLayout) IsContainer(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode || l.ContainerAttr == "" {
		return false
	}
	if l.Tag != 0 && n.DataAtom != l.Tag {
		return false
	}
	return dom.HasAttr(n, l.ContainerAttr) && dom.Attr(n, l.ContainerAttr) == l.ContainerValue
}

// parts returns the symbol, whole and fraction nodes of a container, or
// ok=false if any is missing.
func (l StructuredLayout) parts(c *html.Node) (sym, whole, frac *html.Node, ok bool) {
	sym = dom.Find(c, dom.ByClass(l.SymbolClass))
	whole = dom.Find(c, dom.ByClass(l.WholeClass))
	frac = dom.Find(c, dom.ByClass(l.FractionClass))
	return sym, whole, frac, sym != nil && whole != nil && frac != nil
}

var (
	suffixScale   = regexp2.MustCompile(`^([0-9]+)([kmbt])$`, regexp2.IgnoreCase)
	leadingNumber = regexp2.MustCompile(`^\s*([0-9]+(?:\.[0-9]*)?|\.[0-9]+)`, regexp2.None)
)

// RecognizeStructured turns the text of the three price roles into a
// magnitude and currency. A fraction that is a full scale word or a
// digits-plus-letter suffix scales the whole part; anything else is read as
// the decimal fraction of the whole part.
func RecognizeStructured(symbol, whole, fraction string) (decimal.Decimal, amount.Code, error) {
	code := amount.CodeForSymbol(strings.TrimSpace(symbol))
	whole = strings.NewReplacer(".", "", ",", "").Replace(whole)
	fraction = strings.TrimSpace(fraction)

	if amount.IsScaleWord(fraction) {
		mag, err := scaled(whole, fraction)
		return mag, code, err
	}
	if m, _ := suffixScale.FindStringMatch(fraction); m != nil {
		mag, err := scaled(whole, m.GroupByNumber(2).String())
		return mag, code, err
	}
	mag, err := leadingDecimal(whole + "." + fraction)
	return mag, code, err
}

func scaled(number, scale string) (decimal.Decimal, error) {
	base, err := leadingDecimal(number)
	if err != nil {
		return decimal.Zero, err
	}
	mult, ok := amount.ScaleMultiplier(scale)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: unknown scale %q", amount.ErrMagnitude, scale)
	}
	return base.Mul(mult), nil
}

// leadingDecimal reads the longest numeric prefix of s.
func leadingDecimal(s string) (decimal.Decimal, error) {
	m, _ := leadingNumber.FindStringMatch(s)
	if m == nil {
		return decimal.Zero, fmt.Errorf("%w: %q", amount.ErrMagnitude, s)
	}
	num := m.GroupByNumber(1).String()
	num = strings.TrimSuffix(num, ".")
	if strings.HasPrefix(num, ".") {
		num = "0" + num
	}
	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", amount.ErrMagnitude, err)
	}
	return d, nil
}
