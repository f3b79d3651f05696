package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/PaperCranium/BrowserSats/internal/logging"
)

// HubConfig tunes websocket connections.
type HubConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	// PingPeriod must be less than PongTimeout.
	PingPeriod time.Duration
	// RequestTimeout bounds each request a client makes.
	RequestTimeout time.Duration
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

// DefaultHubConfig returns the default websocket settings.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second,
		RequestTimeout:  15 * time.Second,
	}
}

// Hub bridges the bus to websocket clients. Every published message is
// broadcast as an event frame; inbound messages are served as requests.
type Hub struct {
	bus      *Bus
	cfg      HubConfig
	upgrader websocket.Upgrader

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	count      atomic.Int32

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
	pumps   sync.WaitGroup
}

type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}
}

// NewHub creates a hub for b. Start it with Run.
func NewHub(b *Bus, cfg HubConfig) *Hub {
	def := DefaultHubConfig()
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = def.WriteBufferSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongTimeout {
		cfg.PingPeriod = cfg.PongTimeout * 9 / 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		bus: b,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
		clients:    make(map[*client]struct{}),
		register:   make(chan *client, 16),
		unregister: make(chan *client, 16),
		broadcast:  make(chan []byte, 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Run serves the hub until ctx is done, then disconnects every client and
// waits for their goroutines.
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return nil
	}
	unsub := h.bus.Subscribe(func(m Message) {
		msg := m
		data, err := json.Marshal(Frame{Type: FrameEvent, Message: &msg, Timestamp: time.Now().UnixMilli()})
		if err != nil {
			return
		}
		select {
		case h.broadcast <- data:
		case <-h.done:
		}
	})
	logging.Bus("websocket hub started")

	defer func() {
		unsub()
		h.cancel()
		close(h.done)
		for c := range h.clients {
			close(c.quit)
			delete(h.clients, c)
		}
		h.count.Store(0)
		h.pumps.Wait()
		logging.Bus("websocket hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case c := <-h.register:
			h.clients[c] = struct{}{}
			n := h.count.Add(1)
			h.bus.obs.ClientsConnected(int(n))
			h.pumps.Add(2)
			go c.writePump()
			go c.readPump()
			c.frame(Frame{Type: FrameWelcome, Client: c.id, Timestamp: time.Now().UnixMilli()})
			logging.BusDebug("client %s connected (%d total)", c.id, n)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.quit)
				n := h.count.Add(-1)
				h.bus.obs.ClientsConnected(int(n))
				logging.BusDebug("client %s disconnected (%d total)", c.id, n)
			}

		case data := <-h.broadcast:
			for c := range h.clients {
				c.enqueue(data)
			}
		}
	}
}

// ServeHTTP upgrades the request and hands the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.BusWarn("websocket upgrade failed: %v", err)
		return
	}
	c := &client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
		quit: make(chan struct{}),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
	}
}

func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.quit:
	default:
		logging.BusWarn("client %s is slow, dropping frame", c.id)
	}
}

func (c *client) frame(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *client) readPump() {
	defer c.hub.pumps.Done()
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.BusWarn("client %s read: %v", c.id, err)
			}
			return
		}
		c.handle(data)
	}
}

func (c *client) handle(data []byte) {
	now := time.Now().UnixMilli()
	msg, err := Decode(data)
	if err != nil {
		c.frame(Frame{Type: FrameError, ID: msg.ID, Error: err.Error(), Timestamp: now})
		return
	}
	ctx, cancel := context.WithTimeout(c.hub.ctx, c.hub.cfg.RequestTimeout)
	defer cancel()
	reply, err := c.hub.bus.Request(ctx, msg)
	if err != nil {
		c.frame(Frame{Type: FrameError, ID: msg.ID, Error: err.Error(), Timestamp: now})
		return
	}
	c.frame(Frame{Type: FrameReply, ID: msg.ID, Reply: &reply, Timestamp: time.Now().UnixMilli()})
}

func (c *client) writePump() {
	defer c.hub.pumps.Done()
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
