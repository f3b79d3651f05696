package bus

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hubFixture struct {
	bus    *Bus
	hub    *Hub
	srv    *httptest.Server
	obs    *countingObserver
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startHub(t *testing.T, prices PriceService, settings SettingsWriter) *hubFixture {
	t.Helper()
	obs := &countingObserver{}
	b := New(prices, settings, obs)
	h := NewHub(b, HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	f := &hubFixture{bus: b, hub: h, obs: obs, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		_ = h.Run(ctx)
	}()
	f.srv = httptest.NewServer(h)
	t.Cleanup(f.stop)
	return f
}

func (f *hubFixture) stop() {
	f.once.Do(func() {
		f.cancel()
		<-f.done
		f.srv.Close()
	})
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	welcome := readFrame(t, conn)
	require.Equal(t, FrameWelcome, welcome.Type)
	require.NotEmpty(t, welcome.Client)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHubRepliesToRequests(t *testing.T) {
	f := startHub(t, &fakePrices{rate: 50000}, nil)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Message{Action: ActionGetPrice, ID: "q1"}))
	reply := readFrame(t, conn)
	assert.Equal(t, FrameReply, reply.Type)
	assert.Equal(t, "q1", reply.ID)
	require.NotNil(t, reply.Reply)
	require.NotNil(t, reply.Reply.Price)
	assert.Equal(t, 50000.0, *reply.Reply.Price)
}

func TestHubRejectsMalformedMessages(t *testing.T) {
	f := startHub(t, nil, nil)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"toggleEnabled","id":"x"}`)))
	frame := readFrame(t, conn)
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, "x", frame.ID)
	assert.Contains(t, frame.Error, "enabled")
}

func TestHubBroadcastsToggleToEveryClient(t *testing.T) {
	settings := &fakeSettings{}
	f := startHub(t, nil, settings)
	a := f.dial(t)
	b := f.dial(t)
	require.Eventually(t, func() bool { return f.hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteJSON(Message{Action: ActionToggle, Enabled: ptr(false), ID: "t1"}))

	// a sees the event and its reply in either order.
	var sawEvent, sawReply bool
	for i := 0; i < 2; i++ {
		fr := readFrame(t, a)
		switch fr.Type {
		case FrameEvent:
			sawEvent = true
			assert.Equal(t, ActionToggle, fr.Message.Action)
		case FrameReply:
			sawReply = true
			assert.Equal(t, "t1", fr.ID)
		}
	}
	assert.True(t, sawEvent)
	assert.True(t, sawReply)

	ev := readFrame(t, b)
	require.Equal(t, FrameEvent, ev.Type)
	require.NotNil(t, ev.Message.Enabled)
	assert.False(t, *ev.Message.Enabled)
	assert.Equal(t, []bool{false}, settings.values)
}

func TestHubBroadcastsOraclePrices(t *testing.T) {
	f := startHub(t, nil, nil)
	conn := f.dial(t)

	f.bus.PriceUpdated(65000)
	ev := readFrame(t, conn)
	require.Equal(t, FrameEvent, ev.Type)
	assert.Equal(t, PriceMessage(65000), *ev.Message)
}

func TestHubTracksDisconnects(t *testing.T) {
	f := startHub(t, nil, nil)
	conn := f.dial(t)
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
	f.obs.mu.Lock()
	assert.Equal(t, 0, f.obs.clients)
	f.obs.mu.Unlock()
}

func TestHubStopClosesClients(t *testing.T) {
	f := startHub(t, nil, nil)
	conn := f.dial(t)

	f.stop()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 0, f.bus.Subscribers())
}
