package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaperCranium/BrowserSats/internal/dom"
	"github.com/PaperCranium/BrowserSats/internal/engine"
)

type fixedOracle float64

func (f fixedOracle) Rate(context.Context) (float64, error) { return float64(f), nil }

func TestInnerHTML(t *testing.T) {
	doc, err := dom.ParseString(`<html><body><p class="x">a &amp; b</p><!--c--><br></body></html>`)
	require.NoError(t, err)

	got, err := innerHTML(doc.Body())
	require.NoError(t, err)
	assert.Equal(t, `<p class="x">a &amp; b</p><!--c--><br/>`, got)

	_, err = innerHTML(nil)
	assert.ErrorIs(t, err, errNoBody)
}

func TestWaitSettledReturnsOncePriced(t *testing.T) {
	doc, err := dom.ParseString(`<html><body><p>$12.99</p></body></html>`)
	require.NoError(t, err)
	ctrl := engine.NewController(doc, engine.ControllerConfig{Oracle: fixedOracle(50000)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	st, err := waitSettled(context.Background(), ctrl, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseEnabled.String(), st.Phase)
	assert.Equal(t, 1, st.Totals.Rewritten)
}

func TestWaitSettledGivesUp(t *testing.T) {
	doc, err := dom.ParseString(`<html><body><p>$12.99</p></body></html>`)
	require.NoError(t, err)
	block := make(chan struct{})
	defer close(block)
	ctrl := engine.NewController(doc, engine.ControllerConfig{Oracle: blockingOracle(block)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	st, err := waitSettled(context.Background(), ctrl, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseAwaitingPrice.String(), st.Phase)
}

type blockingOracle chan struct{}

func (b blockingOracle) Rate(ctx context.Context) (float64, error) {
	select {
	case <-b:
	case <-ctx.Done():
	}
	return 0, context.Canceled
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	assert.Equal(t, 1280, c.GetViewportWidth())
	assert.Equal(t, 800, c.GetViewportHeight())
	assert.Equal(t, 30*time.Second, c.NavigationTimeout())

	c = Config{ViewportWidth: 390, ViewportHeight: 844, NavigationTimeoutMs: 500}
	assert.Equal(t, 390, c.GetViewportWidth())
	assert.Equal(t, 844, c.GetViewportHeight())
	assert.Equal(t, 500*time.Millisecond, c.NavigationTimeout())
	assert.True(t, DefaultConfig().Headless)
}

func TestUnknownSession(t *testing.T) {
	m := NewSessionManager(DefaultConfig())
	assert.ErrorIs(t, m.CloseSession("nope"), ErrUnknownSession)
	_, ok := m.GetSession("nope")
	assert.False(t, ok)
	assert.Empty(t, m.List())
	assert.False(t, m.IsConnected())
}
