// Package dom holds a mutable HTML content tree and reports structural
// mutations to observers in batches, the way a browser MutationObserver does.
//
// A Document is not safe for concurrent use. Hosts confine it to one
// goroutine (see engine.Controller).
package dom

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// maxFlushRounds bounds how many times Flush re-delivers records produced by
// observers themselves.
const maxFlushRounds = 32

// MutationRecord describes one childList change.
type MutationRecord struct {
	Target  *html.Node
	Added   []*html.Node
	Removed []*html.Node
	// Generation is the value of the document's generation source at the
	// moment the mutation happened.
	Generation uint64
}

// Observer receives mutation batches.
type Observer func(batch []MutationRecord)

// Document is a parsed page plus the source it came from.
type Document struct {
	root      *html.Node
	source    []byte
	stamp     func() uint64
	pending   []MutationRecord
	observers map[int]Observer
	nextObs   int
	reloads   int
}

// Parse reads a full HTML document.
func Parse(r io.Reader) (*Document, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	root, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &Document{
		root:      root,
		source:    src,
		observers: make(map[int]Observer),
	}, nil
}

// ParseString is Parse for in-memory markup.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

// Root returns the document node.
func (d *Document) Root() *html.Node {
	return d.root
}

// Body returns the <body> element, or the document node if there is none.
func (d *Document) Body() *html.Node {
	if body := Find(d.root, func(n *html.Node) bool { return IsElement(n, atom.Body) }); body != nil {
		return body
	}
	return d.root
}

// Source returns the original markup.
func (d *Document) Source() []byte {
	return d.source
}

// Reloads counts how many times the document was reloaded from source.
func (d *Document) Reloads() int {
	return d.reloads
}

// SetGenerationSource installs the function used to stamp mutation records.
func (d *Document) SetGenerationSource(fn func() uint64) {
	d.stamp = fn
}

// Observe registers an observer for mutation batches. The returned function
// removes it.
func (d *Document) Observe(o Observer) func() {
	id := d.nextObs
	d.nextObs++
	d.observers[id] = o
	return func() { delete(d.observers, id) }
}

func (d *Document) record(target *html.Node, added, removed []*html.Node) {
	var gen uint64
	if d.stamp != nil {
		gen = d.stamp()
	}
	d.pending = append(d.pending, MutationRecord{
		Target:     target,
		Added:      added,
		Removed:    removed,
		Generation: gen,
	})
}

// AppendChild appends child to parent and records the insertion.
func (d *Document) AppendChild(parent, child *html.Node) {
	detach(child)
	parent.AppendChild(child)
	d.record(parent, []*html.Node{child}, nil)
}

// InsertBefore inserts child before ref (ref nil appends).
func (d *Document) InsertBefore(parent, child, ref *html.Node) {
	detach(child)
	parent.InsertBefore(child, ref)
	d.record(parent, []*html.Node{child}, nil)
}

// RemoveChild detaches child from parent.
func (d *Document) RemoveChild(parent, child *html.Node) {
	parent.RemoveChild(child)
	d.record(parent, nil, []*html.Node{child})
}

// ReplaceChild swaps old for replacement in place.
func (d *Document) ReplaceChild(parent, replacement, old *html.Node) {
	detach(replacement)
	parent.InsertBefore(replacement, old)
	parent.RemoveChild(old)
	d.record(parent, []*html.Node{replacement}, []*html.Node{old})
}

// ReplaceChildren removes every child of parent and appends children.
func (d *Document) ReplaceChildren(parent *html.Node, children ...*html.Node) {
	var removed []*html.Node
	for c := parent.FirstChild; c != nil; {
		next := c.NextSibling
		parent.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	for _, c := range children {
		detach(c)
		parent.AppendChild(c)
	}
	d.record(parent, children, removed)
}

// SetInnerHTML parses markup in the context of parent and replaces its children.
func (d *Document) SetInnerHTML(parent *html.Node, markup string) error {
	nodes, err := html.ParseFragment(strings.NewReader(markup), parent)
	if err != nil {
		return fmt.Errorf("parse fragment: %w", err)
	}
	d.ReplaceChildren(parent, nodes...)
	return nil
}

// Pending reports how many records await delivery.
func (d *Document) Pending() int {
	return len(d.pending)
}

// TakeRecords empties and returns the pending queue without notifying observers.
func (d *Document) TakeRecords() []MutationRecord {
	out := d.pending
	d.pending = nil
	return out
}

// Flush delivers pending records to every observer as one batch. Records
// produced while observers run are delivered in a following round.
func (d *Document) Flush() int {
	delivered := 0
	for round := 0; round < maxFlushRounds && len(d.pending) > 0; round++ {
		batch := d.TakeRecords()
		delivered += len(batch)
		for _, o := range d.snapshotObservers() {
			o(batch)
		}
	}
	return delivered
}

func (d *Document) snapshotObservers() []Observer {
	out := make([]Observer, 0, len(d.observers))
	for i := 0; i < d.nextObs; i++ {
		if o, ok := d.observers[i]; ok {
			out = append(out, o)
		}
	}
	return out
}

// Reload discards every change and reparses the original source. Pending
// records are dropped; observers stay registered.
func (d *Document) Reload() error {
	root, err := html.Parse(bytes.NewReader(d.source))
	if err != nil {
		return fmt.Errorf("reload document: %w", err)
	}
	d.root = root
	d.pending = nil
	d.reloads++
	return nil
}

// ResetSource replaces the document's source with src and reparses it, as a
// navigation would. It counts as a reload.
func (d *Document) ResetSource(src string) error {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("reset document: %w", err)
	}
	d.source = []byte(src)
	d.root = root
	d.pending = nil
	d.reloads++
	return nil
}

// Contains reports whether n is attached to this document.
func (d *Document) Contains(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

// Render writes the current tree as HTML.
func (d *Document) Render(w io.Writer) error {
	return html.Render(w, d.root)
}

// String renders the current tree.
func (d *Document) String() string {
	var b strings.Builder
	if err := d.Render(&b); err != nil {
		return ""
	}
	return b.String()
}

func detach(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}
