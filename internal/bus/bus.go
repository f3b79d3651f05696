package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/PaperCranium/BrowserSats/internal/logging"
	"github.com/PaperCranium/BrowserSats/internal/oracle"
)

// PriceService answers price requests. *oracle.Oracle implements it.
type PriceService interface {
	Rate(ctx context.Context) (float64, error)
	Refresh(ctx context.Context) (oracle.Quote, error)
}

// SettingsWriter persists the enabled flag. *settings.Store implements it.
type SettingsWriter interface {
	SetEnabled(ctx context.Context, enabled bool) error
}

// Observer is told about bus traffic. *metrics.Metrics implements it.
type Observer interface {
	Message(action string)
	ClientsConnected(n int)
}

type nopObserver struct{}

func (nopObserver) Message(string)       {}
func (nopObserver) ClientsConnected(int) {}

// Bus fans notifications out to subscribers and serves requests.
// Subscribers run synchronously on the publishing goroutine and must not
// block.
type Bus struct {
	prices   PriceService
	settings SettingsWriter
	obs      Observer

	mu     sync.RWMutex
	subs   map[int]func(Message)
	nextID int

	stateMu sync.Mutex
	enabled *bool
	price   float64
}

// New creates a bus. prices and settings may be nil, in which case the
// requests that need them fail.
func New(prices PriceService, settings SettingsWriter, obs Observer) *Bus {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Bus{
		prices:   prices,
		settings: settings,
		obs:      obs,
		subs:     make(map[int]func(Message)),
	}
}

// Subscribe registers fn for every published message.
func (b *Bus) Subscribe(fn func(Message)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers msg to every subscriber.
func (b *Bus) Publish(msg Message) {
	b.obs.Message(string(msg.Action))
	b.mu.RLock()
	fns := make([]func(Message), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	logging.BusDebug("publish %s to %d subscribers", msg.Action, len(fns))
	for _, fn := range fns {
		fn(msg)
	}
}

// PriceUpdated publishes an updatePrice notification. It is the hook handed
// to oracle.Subscribe.
func (b *Bus) PriceUpdated(price float64) {
	b.stateMu.Lock()
	b.price = price
	b.stateMu.Unlock()
	b.Publish(PriceMessage(price))
}

// EnabledChanged publishes a toggleEnabled notification when the flag moved.
// Both explicit toggles and settings file changes land here, so a toggle
// written by this bus and then observed on disk is published once.
func (b *Bus) EnabledChanged(enabled bool) {
	b.stateMu.Lock()
	if b.enabled != nil && *b.enabled == enabled {
		b.stateMu.Unlock()
		return
	}
	b.enabled = &enabled
	b.stateMu.Unlock()
	logging.Bus("enabled -> %v", enabled)
	b.Publish(ToggleMessage(enabled))
}

// SeedEnabled records the flag's current value without publishing.
func (b *Bus) SeedEnabled(enabled bool) {
	b.stateMu.Lock()
	b.enabled = &enabled
	b.stateMu.Unlock()
}

// LastPrice returns the most recently published price, or 0.
func (b *Bus) LastPrice() float64 {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.price
}

// Request serves one request. Price lookups that fail produce a Reply with a
// null price and the error text rather than an error; an error is returned
// only for malformed requests.
func (b *Bus) Request(ctx context.Context, msg Message) (Reply, error) {
	if err := msg.Validate(); err != nil {
		return Reply{Error: err.Error()}, err
	}
	b.obs.Message(string(msg.Action))

	switch msg.Action {
	case ActionGetPrice:
		if b.prices == nil {
			return unavailable(errors.New("no price service")), nil
		}
		price, err := b.prices.Rate(ctx)
		if err != nil {
			logging.BusWarn("getBitcoinPrice: %v", err)
			return unavailable(err), nil
		}
		return Reply{Price: &price}, nil

	case ActionRefreshPrice:
		if b.prices == nil {
			return unavailable(errors.New("no price service")), nil
		}
		q, err := b.prices.Refresh(ctx)
		if err != nil {
			logging.BusWarn("refreshPrice: %v", err)
			return unavailable(err), nil
		}
		return Reply{Price: &q.Price}, nil

	case ActionUpdatePrice:
		b.PriceUpdated(*msg.Price)
		return Reply{Price: msg.Price}, nil

	case ActionToggle:
		if b.settings != nil {
			if err := b.settings.SetEnabled(ctx, *msg.Enabled); err != nil {
				logging.BusError("persist enabled=%v: %v", *msg.Enabled, err)
				return Reply{Enabled: msg.Enabled, Error: err.Error()}, nil
			}
		}
		b.EnabledChanged(*msg.Enabled)
		return Reply{Enabled: msg.Enabled}, nil
	}
	return Reply{}, ErrUnknownAction
}

func unavailable(err error) Reply {
	return Reply{Error: err.Error()}
}
