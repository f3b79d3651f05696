package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/net/html"

	"github.com/PaperCranium/BrowserSats/internal/dom"
	"github.com/PaperCranium/BrowserSats/internal/sats"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newDoc(t *testing.T, body string) *dom.Document {
	t.Helper()
	doc, err := dom.ParseString("<html><head><title>t</title></head><body>" + body + "</body></html>")
	require.NoError(t, err)
	return doc
}

func fixedScanner(doc *dom.Document, price float64, cfg ScannerConfig) *Scanner {
	cfg.Converter = sats.NewConverter(nil, sats.FixedPrice(price))
	return NewScanner(doc, cfg)
}

// annotations returns the text of every annotation in document order.
func annotations(doc *dom.Document) []string {
	var out []string
	for _, n := range dom.FindAll(doc.Root(), dom.ByClass(sats.AnnotationClass)) {
		out = append(out, dom.TextContent(n))
	}
	return out
}

func byID(doc *dom.Document, id string) *html.Node {
	return dom.Find(doc.Root(), func(n *html.Node) bool { return dom.ID(n) == id })
}
