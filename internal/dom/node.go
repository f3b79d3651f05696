package dom

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Attr returns the value of attribute key, or "".
func Attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// HasAttr reports whether n carries attribute key.
func HasAttr(n *html.Node, key string) bool {
	if n == nil {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// ID returns the id attribute.
func ID(n *html.Node) string {
	return Attr(n, "id")
}

// ClassName returns the raw class attribute.
func ClassName(n *html.Node) string {
	return Attr(n, "class")
}

// HasClass reports whether cls appears in the class list of an element.
func HasClass(n *html.Node, cls string) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	for _, c := range strings.Fields(ClassName(n)) {
		if c == cls {
			return true
		}
	}
	return false
}

// IsElement reports whether n is an element with the given tag.
func IsElement(n *html.Node, a atom.Atom) bool {
	return n != nil && n.Type == html.ElementNode && n.DataAtom == a
}

// TextContent concatenates every text node under n.
func TextContent(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	Walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

// Walk visits n and its descendants depth-first in document order. Returning
// false from fn skips the children of the visited node.
func Walk(n *html.Node, fn func(*html.Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		Walk(c, fn)
		c = next
	}
}

// Find returns the first descendant of root (root excluded) matching pred.
func Find(root *html.Node, pred func(*html.Node) bool) *html.Node {
	var found *html.Node
	for c := root.FirstChild; c != nil && found == nil; c = c.NextSibling {
		Walk(c, func(n *html.Node) bool {
			if found != nil {
				return false
			}
			if pred(n) {
				found = n
				return false
			}
			return true
		})
	}
	return found
}

// FindAll returns every descendant of root (root excluded) matching pred, in
// document order.
func FindAll(root *html.Node, pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		Walk(c, func(n *html.Node) bool {
			if pred(n) {
				out = append(out, n)
			}
			return true
		})
	}
	return out
}

// Closest returns n or its nearest ancestor matching pred.
func Closest(n *html.Node, pred func(*html.Node) bool) *html.Node {
	for p := n; p != nil; p = p.Parent {
		if pred(p) {
			return p
		}
	}
	return nil
}

// ByClass is a predicate matching elements with class cls.
func ByClass(cls string) func(*html.Node) bool {
	return func(n *html.Node) bool { return HasClass(n, cls) }
}

// NewElement builds a detached element.
func NewElement(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     a.String(),
		DataAtom: a,
		Attr:     attrs,
	}
}

// NewText builds a detached text node.
func NewText(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}
