package engine

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/PaperCranium/BrowserSats/internal/dom"
)

// ExclusionPolicy decides whether a node lies in a region that must never be
// converted.
type ExclusionPolicy interface {
	Excluded(n *html.Node) bool
}

// ExclusionFunc adapts a function to ExclusionPolicy.
type ExclusionFunc func(n *html.Node) bool

// Excluded implements ExclusionPolicy.
func (f ExclusionFunc) Excluded(n *html.Node) bool { return f(n) }

type noExclusion struct{}

func (noExclusion) Excluded(*html.Node) bool { return false }

// NoExclusion excludes nothing.
var NoExclusion ExclusionPolicy = noExclusion{}

// MarkerPolicy excludes a node when it, or any ancestor below <body>, has an
// id or class attribute containing one of Markers as a substring.
type MarkerPolicy struct {
	Markers []string
}

// Excluded implements ExclusionPolicy.
func (m MarkerPolicy) Excluded(n *html.Node) bool {
	if len(m.Markers) == 0 {
		return false
	}
	for cur := n; cur != nil && !dom.IsElement(cur, atom.Body); cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		id, class := dom.ID(cur), dom.ClassName(cur)
		for _, marker := range m.Markers {
			if strings.Contains(id, marker) || strings.Contains(class, marker) {
				return true
			}
		}
	}
	return false
}

// ExclusionRule binds markers to hosts whose name contains Host, so
// "amazon.com" also covers "smile.amazon.com" and "amazon.com.au".
type ExclusionRule struct {
	Host    string   `yaml:"host" json:"host"`
	Markers []string `yaml:"markers" json:"markers"`
}

// DefaultExclusionRules returns the built-in rules.
func DefaultExclusionRules() []ExclusionRule {
	return []ExclusionRule{
		{Host: "amazon.com", Markers: []string{"comparison-table"}},
	}
}

// PolicyForHost collects the markers of every rule matching host.
func PolicyForHost(host string, rules []ExclusionRule) ExclusionPolicy {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	var markers []string
	for _, r := range rules {
		if r.Host != "" && strings.Contains(host, strings.ToLower(r.Host)) {
			markers = append(markers, r.Markers...)
		}
	}
	if len(markers) == 0 {
		return NoExclusion
	}
	return MarkerPolicy{Markers: markers}
}
