package amount

import (
	"sort"

	"github.com/dlclark/regexp2"
	"github.com/shopspring/decimal"
)

// Match is one recognized amount. Start and End are rune offsets into the
// parsed text. A match whose Err is set is a parse failure: callers must leave
// its span untouched.
type Match struct {
	Start     int
	End       int
	Text      string
	Code      Code
	Notation  Notation
	Magnitude decimal.Decimal
	Err       error
}

// OK reports whether the match carries a usable magnitude.
func (m Match) OK() bool {
	return m.Err == nil
}

// Parse returns every amount found in text, ordered left to right and
// non-overlapping. When candidates from different currencies overlap, the
// earliest start wins and ties go to the currency listed first in Specs.
func Parse(text string) []Match {
	if text == "" {
		return nil
	}
	var candidates []Match
	for i := range specs {
		candidates = append(candidates, specs[i].find(text)...)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].Start < candidates[b].Start
	})

	out := candidates[:0:0]
	end := -1
	for _, c := range candidates {
		if c.Start < end {
			continue
		}
		out = append(out, c)
		end = c.End
	}
	return out
}

func (c CurrencySpec) find(text string) []Match {
	var out []Match
	m, err := c.pattern.FindStringMatch(text)
	for err == nil && m != nil {
		out = append(out, c.toMatch(m))
		m, err = c.pattern.FindNextMatch(m)
	}
	return out
}

// groupPairs lists (number, scale) group indices in notation priority order.
var groupPairs = [...]struct {
	number, scale int
	notation      Notation
}{
	{1, 2, NotationSymbolWord},
	{3, 4, NotationSymbolLetter},
	{5, 6, NotationCodeWord},
	{7, 8, NotationCodeLetter},
	{9, 0, NotationSymbol},
	{10, 0, NotationCode},
}

func (c CurrencySpec) toMatch(m *regexp2.Match) Match {
	out := Match{
		Start: m.Index,
		End:   m.Index + m.Length,
		Text:  m.String(),
		Code:  c.Code,
	}
	for _, p := range groupPairs {
		num := m.GroupByNumber(p.number)
		if !captured(num) {
			continue
		}
		scale := ""
		if p.scale > 0 {
			sg := m.GroupByNumber(p.scale)
			if !captured(sg) {
				continue
			}
			scale = sg.String()
		}
		out.Notation = p.notation
		out.Magnitude, out.Err = ExpandScale(num.String(), scale)
		return out
	}
	out.Err = ErrMagnitude
	return out
}

func captured(g *regexp2.Group) bool {
	return g != nil && len(g.Captures) > 0
}
