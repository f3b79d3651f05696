package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/PaperCranium/BrowserSats/internal/oracle"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePrices struct {
	rate      float64
	err       error
	refreshes int
	onRefresh func(float64)
}

func (f *fakePrices) Rate(context.Context) (float64, error) {
	return f.rate, f.err
}

func (f *fakePrices) Refresh(context.Context) (oracle.Quote, error) {
	f.refreshes++
	if f.err != nil {
		return oracle.Quote{}, f.err
	}
	if f.onRefresh != nil {
		f.onRefresh(f.rate)
	}
	return oracle.Quote{Price: f.rate, Source: oracle.SourceLive}, nil
}

type fakeSettings struct {
	mu     sync.Mutex
	values []bool
	err    error
}

func (f *fakeSettings) SetEnabled(_ context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.values = append(f.values, enabled)
	return nil
}

type countingObserver struct {
	mu       sync.Mutex
	messages map[string]int
	clients  int
}

func (o *countingObserver) Message(action string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.messages == nil {
		o.messages = map[string]int{}
	}
	o.messages[action]++
}

func (o *countingObserver) ClientsConnected(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clients = n
}

func (o *countingObserver) count(action string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.messages[action]
}

func collect(b *Bus) (*[]Message, func()) {
	var mu sync.Mutex
	var got []Message
	cancel := b.Subscribe(func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	return &got, cancel
}

func ptr[T any](v T) *T { return &v }

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Message
		wantErr error
	}{
		{"get", `{"action":"getBitcoinPrice"}`, Message{Action: ActionGetPrice}, nil},
		{"update", `{"action":"updatePrice","price":64000}`, Message{Action: ActionUpdatePrice, Price: ptr(64000.0)}, nil},
		{"toggle", `{"action":"toggleEnabled","enabled":false,"id":"r1"}`, Message{Action: ActionToggle, Enabled: ptr(false), ID: "r1"}, nil},
		{"update without price", `{"action":"updatePrice"}`, Message{Action: ActionUpdatePrice}, ErrBadPayload},
		{"negative price", `{"action":"updatePrice","price":-1}`, Message{Action: ActionUpdatePrice, Price: ptr(-1.0)}, ErrBadPayload},
		{"toggle without flag", `{"action":"toggleEnabled"}`, Message{Action: ActionToggle}, ErrBadPayload},
		{"unknown", `{"action":"explode"}`, Message{Action: "explode"}, ErrUnknownAction},
		{"garbage", `{`, Message{}, ErrBadPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGetPrice(t *testing.T) {
	b := New(&fakePrices{rate: 50000}, nil, nil)
	reply, err := b.Request(context.Background(), Message{Action: ActionGetPrice})
	require.NoError(t, err)
	require.NotNil(t, reply.Price)
	assert.Equal(t, 50000.0, *reply.Price)
}

func TestGetPriceUnavailableRepliesNull(t *testing.T) {
	b := New(&fakePrices{err: oracle.ErrUnavailable}, nil, nil)
	reply, err := b.Request(context.Background(), Message{Action: ActionGetPrice})
	require.NoError(t, err)
	assert.Nil(t, reply.Price)
	assert.Contains(t, reply.Error, "unavailable")

	b = New(nil, nil, nil)
	reply, err = b.Request(context.Background(), Message{Action: ActionRefreshPrice})
	require.NoError(t, err)
	assert.Nil(t, reply.Price)
}

func TestRefreshPublishesThroughOracleHook(t *testing.T) {
	prices := &fakePrices{rate: 61000}
	b := New(prices, nil, nil)
	prices.onRefresh = b.PriceUpdated
	got, cancel := collect(b)
	defer cancel()

	reply, err := b.Request(context.Background(), Message{Action: ActionRefreshPrice})
	require.NoError(t, err)
	assert.Equal(t, 61000.0, *reply.Price)
	assert.Equal(t, 1, prices.refreshes)
	require.Len(t, *got, 1)
	assert.Equal(t, PriceMessage(61000), (*got)[0])
	assert.Equal(t, 61000.0, b.LastPrice())
}

func TestTogglePersistsAndPublishesOnce(t *testing.T) {
	settings := &fakeSettings{}
	obs := &countingObserver{}
	b := New(nil, settings, obs)
	b.SeedEnabled(true)
	got, cancel := collect(b)
	defer cancel()

	_, err := b.Request(context.Background(), ToggleMessage(false))
	require.NoError(t, err)
	// The settings watcher observing the same write must not republish.
	b.EnabledChanged(false)

	assert.Equal(t, []bool{false}, settings.values)
	require.Len(t, *got, 1)
	assert.Equal(t, ToggleMessage(false), (*got)[0])
	assert.Equal(t, 2, obs.count(string(ActionToggle)))
}

func TestTogglePersistFailure(t *testing.T) {
	b := New(nil, &fakeSettings{err: errors.New("read-only")}, nil)
	got, cancel := collect(b)
	defer cancel()

	reply, err := b.Request(context.Background(), ToggleMessage(false))
	require.NoError(t, err)
	assert.Equal(t, "read-only", reply.Error)
	assert.Empty(t, *got)
}

func TestUpdatePriceRequest(t *testing.T) {
	b := New(nil, nil, nil)
	got, cancel := collect(b)
	defer cancel()

	_, err := b.Request(context.Background(), Message{Action: ActionUpdatePrice})
	assert.ErrorIs(t, err, ErrBadPayload)

	_, err = b.Request(context.Background(), PriceMessage(70000))
	require.NoError(t, err)
	require.Len(t, *got, 1)
	assert.Equal(t, 70000.0, *(*got)[0].Price)
}

func TestSubscribeCancel(t *testing.T) {
	b := New(nil, nil, nil)
	_, cancel := collect(b)
	assert.Equal(t, 1, b.Subscribers())
	cancel()
	assert.Equal(t, 0, b.Subscribers())
}

type recordingTarget struct {
	enabled []bool
	prices  []float64
}

func (r *recordingTarget) SetEnabled(v bool)     { r.enabled = append(r.enabled, v) }
func (r *recordingTarget) UpdatePrice(p float64) { r.prices = append(r.prices, p) }

func TestBridge(t *testing.T) {
	b := New(nil, nil, nil)
	target := &recordingTarget{}
	cancel := Bridge(b, target)

	b.PriceUpdated(42000)
	b.EnabledChanged(false)
	b.Publish(Message{Action: ActionGetPrice})
	cancel()
	b.PriceUpdated(43000)

	assert.Equal(t, []float64{42000}, target.prices)
	assert.Equal(t, []bool{false}, target.enabled)
}
