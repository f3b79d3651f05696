package engine

import (
	"runtime"
	"sync"
	"weak"

	"golang.org/x/net/html"
)

// ProcessedSet remembers nodes the engine has already handled without
// keeping them alive. Entries vanish once their node is collected.
type ProcessedSet struct {
	mu    sync.Mutex
	nodes map[weak.Pointer[html.Node]]struct{}
}

// NewProcessedSet returns an empty set.
func NewProcessedSet() *ProcessedSet {
	return &ProcessedSet{nodes: make(map[weak.Pointer[html.Node]]struct{})}
}

// Add records n. Adding twice is a no-op.
func (p *ProcessedSet) Add(n *html.Node) {
	if n == nil {
		return
	}
	key := weak.Make(n)
	p.mu.Lock()
	_, seen := p.nodes[key]
	p.nodes[key] = struct{}{}
	p.mu.Unlock()
	if !seen {
		runtime.AddCleanup(n, p.forget, key)
	}
}

// Has reports whether n was added.
func (p *ProcessedSet) Has(n *html.Node) bool {
	if n == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.nodes[weak.Make(n)]
	return ok
}

// Len returns the number of live entries.
func (p *ProcessedSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nodes)
}

func (p *ProcessedSet) forget(key weak.Pointer[html.Node]) {
	p.mu.Lock()
	delete(p.nodes, key)
	p.mu.Unlock()
}
