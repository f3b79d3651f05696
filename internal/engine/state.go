// Package engine finds fiat amounts in a content tree and replaces them with
// bitcoin-denominated annotations. A Controller owns the tree and drives the
// Scanner and ChangeWatcher from price and setting events.
package engine

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"
)

// Phase is the controller's lifecycle position.
type Phase int32

const (
	PhaseAwaitingPrice Phase = iota
	PhaseEnabled
	PhaseDisabled
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingPrice:
		return "awaiting-price"
	case PhaseEnabled:
		return "enabled"
	case PhaseDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// State holds the engine-wide reference price and enabled flag.
// Readers may be on any goroutine; only the controller writes.
type State struct {
	mu       sync.RWMutex
	price    decimal.Decimal
	hasPrice bool
	enabled  bool
}

// NewState returns a state with no price.
func NewState(enabled bool) *State {
	return &State{enabled: enabled}
}

// ReferencePrice implements sats.PriceSource.
func (s *State) ReferencePrice() (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.price, s.hasPrice
}

// Enabled reports the current enabled flag.
func (s *State) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Active reports whether conversions should happen right now.
func (s *State) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled && s.hasPrice
}

// Snapshot is a copy of the state for display.
type Snapshot struct {
	Enabled  bool    `json:"enabled"`
	Price    float64 `json:"price,omitempty"`
	HasPrice bool    `json:"hasPrice"`
}

// Snapshot copies the current values.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Enabled: s.enabled, Price: s.price.InexactFloat64(), HasPrice: s.hasPrice}
}

// setPrice stores a positive finite price and reports whether it was accepted.
func (s *State) setPrice(p float64) bool {
	if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
		return false
	}
	s.mu.Lock()
	s.price = decimal.NewFromFloat(p)
	s.hasPrice = true
	s.mu.Unlock()
	return true
}

func (s *State) setEnabled(on bool) {
	s.mu.Lock()
	s.enabled = on
	s.mu.Unlock()
}
