package engine

import "sync/atomic"

// Guard marks spans of engine-owned mutations. The generation is odd while
// the engine is mutating and even otherwise, so a mutation record stamped
// with an odd generation was produced by the engine itself.
type Guard struct {
	gen atomic.Uint64
}

// Generation returns the current generation.
func (g *Guard) Generation() uint64 {
	return g.gen.Load()
}

// Do runs fn with the generation held odd.
func (g *Guard) Do(fn func()) {
	g.gen.Add(1)
	defer g.gen.Add(1)
	fn()
}

// Owned reports whether a record stamped with gen came from inside Do.
func Owned(gen uint64) bool {
	return gen%2 == 1
}
