package engine

import (
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/PaperCranium/BrowserSats/internal/amount"
	"github.com/PaperCranium/BrowserSats/internal/dom"
	"github.com/PaperCranium/BrowserSats/internal/logging"
	"github.com/PaperCranium/BrowserSats/internal/sats"
)

// slowScan is the duration above which a scan is reported to the
// performance log.
const slowScan = 50 * time.Millisecond

// ScanStats summarizes one Scan call.
type ScanStats struct {
	// Skipped is set when the root itself was ineligible.
	Skipped bool `json:"skipped"`
	// TextNodes is the number of eligible text leaves collected.
	TextNodes int `json:"textNodes"`
	// Rewritten is the number of text leaves replaced by a wrapper.
	Rewritten int `json:"rewritten"`
	// Converted is the number of amounts replaced inside text leaves.
	Converted int `json:"converted"`
	// Structured is the number of structured containers replaced.
	Structured int `json:"structured"`
	// ParseFailures counts candidates left untouched because their number
	// did not parse.
	ParseFailures int `json:"parseFailures"`
}

// Mutations returns the number of tree mutations the scan performed.
func (s ScanStats) Mutations() int {
	return s.Rewritten + s.Structured
}

// Add accumulates o into s.
func (s *ScanStats) Add(o ScanStats) {
	s.TextNodes += o.TextNodes
	s.Rewritten += o.Rewritten
	s.Converted += o.Converted
	s.Structured += o.Structured
	s.ParseFailures += o.ParseFailures
}

// ScannerConfig configures a Scanner. Zero fields take defaults.
type ScannerConfig struct {
	Converter   *sats.Converter
	Style       sats.Style
	Processed   *ProcessedSet
	Guard       *Guard
	Exclusion   ExclusionPolicy
	Layout      *StructuredLayout
	SkipClasses []string
	Recorder    Recorder
}

// DefaultSkipClasses are classes whose text is screen-reader only.
func DefaultSkipClasses() []string {
	return []string{"a-offscreen"}
}

// Scanner rewrites amounts under a root node. It must only be used from the
// goroutine that owns the document.
type Scanner struct {
	doc        *dom.Document
	conv       *sats.Converter
	text       *sats.Formatter
	structured *sats.Formatter
	processed  *ProcessedSet
	guard      *Guard
	exclusion  ExclusionPolicy
	layout     StructuredLayout
	skip       []string
	rec        Recorder
}

// NewScanner creates a scanner over doc.
func NewScanner(doc *dom.Document, cfg ScannerConfig) *Scanner {
	s := &Scanner{
		doc:       doc,
		conv:      cfg.Converter,
		processed: cfg.Processed,
		guard:     cfg.Guard,
		exclusion: cfg.Exclusion,
		skip:      cfg.SkipClasses,
		rec:       cfg.Recorder,
	}
	if s.conv == nil {
		s.conv = sats.NewConverter(nil, nil)
	}
	if s.processed == nil {
		s.processed = NewProcessedSet()
	}
	if s.guard == nil {
		s.guard = &Guard{}
	}
	if s.exclusion == nil {
		s.exclusion = NoExclusion
	}
	if s.skip == nil {
		s.skip = DefaultSkipClasses()
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	if cfg.Layout != nil {
		s.layout = *cfg.Layout
	} else {
		s.layout = DefaultStructuredLayout()
	}
	style := cfg.Style
	if style == (sats.Style{}) {
		style = sats.DefaultStyle()
	}
	s.text = sats.NewFormatter(style)
	s.structured = s.text.WithIconSize(StructuredIconSize)
	return s
}

// Processed exposes the set of handled nodes.
func (s *Scanner) Processed() *ProcessedSet {
	return s.processed
}

// Scan converts every eligible amount under root. Structured containers are
// handled first, then the remaining text leaves. Leaves are collected before
// any mutation.
func (s *Scanner) Scan(root *html.Node) ScanStats {
	var st ScanStats
	if !s.eligibleRoot(root) {
		st.Skipped = true
		return st
	}
	start := time.Now()
	timer := logging.StartTimer(logging.CategoryEngine, "scan")

	s.rewriteStructured(root, &st)
	leaves := s.collectText(root)
	st.TextNodes = len(leaves)
	for _, leaf := range leaves {
		s.rewriteText(leaf, &st)
	}

	timer.StopWithThreshold(slowScan)
	s.rec.ScanCompleted(st, time.Since(start))
	if st.Mutations() > 0 {
		logging.EngineDebug("scan <%s>: %d leaves, %d rewritten, %d amounts, %d structured, %d parse failures",
			root.Data, st.TextNodes, st.Rewritten, st.Converted, st.Structured, st.ParseFailures)
	}
	return st
}

func (s *Scanner) eligibleRoot(n *html.Node) bool {
	if n == nil || s.processed.Has(n) || isAnnotation(n) || s.hasSkipClass(n) {
		return false
	}
	if dom.Find(n, isAnnotation) != nil {
		return false
	}
	return !s.exclusion.Excluded(n)
}

func isAnnotation(n *html.Node) bool {
	return n.Type == html.ElementNode && dom.HasClass(n, sats.AnnotationClass)
}

func (s *Scanner) hasSkipClass(n *html.Node) bool {
	for _, c := range s.skip {
		if dom.HasClass(n, c) {
			return true
		}
	}
	return false
}

func isRawText(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Textarea, atom.Template:
		return true
	}
	return false
}

// collectText returns the eligible text leaves under root in document order.
func (s *Scanner) collectText(root *html.Node) []*html.Node {
	var leaves []*html.Node
	dom.Walk(root, func(n *html.Node) bool {
		switch n.Type {
		case html.ElementNode:
			if n != root && (isRawText(n) || isAnnotation(n) || s.processed.Has(n)) {
				return false
			}
		case html.TextNode:
			if s.acceptText(n) {
				leaves = append(leaves, n)
			}
		}
		return true
	})
	return leaves
}

func (s *Scanner) acceptText(n *html.Node) bool {
	parent := n.Parent
	if parent == nil || parent.Type != html.ElementNode || isRawText(parent) {
		return false
	}
	if s.hasSkipClass(parent) || s.processed.Has(parent) {
		return false
	}
	if dom.Closest(parent, isAnnotation) != nil {
		return false
	}
	return !s.exclusion.Excluded(parent)
}

// rewriteText replaces one text leaf with a wrapper holding the converted
// fragments. Leaves without a converted match are left untouched.
func (s *Scanner) rewriteText(leaf *html.Node, st *ScanStats) {
	parent := leaf.Parent
	if parent == nil || s.processed.Has(leaf) || s.exclusion.Excluded(parent) {
		return
	}
	matches := amount.Parse(leaf.Data)
	if len(matches) == 0 {
		return
	}

	runes := []rune(leaf.Data)
	var parts []*html.Node
	cursor, converted := 0, 0
	for _, m := range matches {
		if !m.OK() {
			st.ParseFailures++
			s.rec.ParseFailed(m.Code)
			logging.EngineDebug("leaving %q untouched: %v", m.Text, m.Err)
			continue
		}
		units, ok := s.conv.Convert(m.Magnitude, m.Code)
		if !ok {
			continue
		}
		if m.Start > cursor {
			parts = append(parts, dom.NewText(string(runes[cursor:m.Start])))
		}
		frag := s.text.Format(units)
		parts = append(parts, frag.Node())
		s.rec.AmountConverted(m.Code, frag.Unit)
		cursor = m.End
		converted++
	}
	if converted == 0 {
		return
	}
	if cursor < len(runes) {
		parts = append(parts, dom.NewText(string(runes[cursor:])))
	}

	wrapper := dom.NewElement(atom.Span)
	for _, p := range parts {
		wrapper.AppendChild(p)
	}
	s.guard.Do(func() {
		s.doc.ReplaceChild(parent, wrapper, leaf)
	})
	s.processed.Add(wrapper)
	st.Rewritten++
	st.Converted += converted
}

// rewriteStructured replaces the content of every recognized structured
// container under root, root included.
func (s *Scanner) rewriteStructured(root *html.Node, st *ScanStats) {
	var containers []*html.Node
	if s.layout.IsContainer(root) {
		containers = append(containers, root)
	}
	containers = append(containers, dom.FindAll(root, s.layout.IsContainer)...)

	for _, c := range containers {
		if s.processed.Has(c) || isAnnotation(c) || s.hasSkipClass(c) || s.exclusion.Excluded(c) {
			continue
		}
		// An earlier container may have replaced this one's ancestor.
		if !s.doc.Contains(c) {
			continue
		}
		sym, whole, frac, ok := s.layout.parts(c)
		if !ok {
			continue
		}
		mag, code, err := RecognizeStructured(dom.TextContent(sym), dom.TextContent(whole), dom.TextContent(frac))
		if err != nil {
			st.ParseFailures++
			s.rec.ParseFailed(code)
			logging.EngineDebug("structured price left untouched: %v", err)
			continue
		}
		if units, ok := s.conv.Convert(mag, code); ok {
			frag := s.structured.Format(units)
			node := frag.Node()
			s.guard.Do(func() {
				s.doc.ReplaceChildren(c, node)
			})
			s.processed.Add(node)
			s.rec.AmountConverted(code, frag.Unit)
			st.Structured++
		}
		s.processed.Add(c)
		s.processed.Add(sym)
		s.processed.Add(whole)
		s.processed.Add(frac)
	}
}
