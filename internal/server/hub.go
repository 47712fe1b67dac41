package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/iksnae/mindmap/internal/control"
	"github.com/iksnae/mindmap/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
	// Pause before subscribing again after the bus dropped the hub.
	resubscribeDelay = 100 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the server binds to loopback by default and carries no credentials
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is a middleman between one websocket connection and the hub
type wsClient struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	limiter *rate.Limiter
	// Buffered channel of outbound messages.
	send chan []byte
}

// Hub broadcasts core events to every connected websocket client and
// forwards client envelopes to the controller
type Hub struct {
	ctrl      Controller
	readLimit int64
	perSecond float64
	logger    *zap.Logger

	register   chan *wsClient
	unregister chan *wsClient

	mu      sync.RWMutex
	clients map[*wsClient]bool
	// ctx is the Run context; client envelopes are submitted under it.
	ctx context.Context
	wg  sync.WaitGroup
	// quit is closed when Run starts shutting down
	quit chan struct{}
}

// NewHub creates a Hub. Run must be called before clients connect.
func NewHub(ctrl Controller, readLimit int64, perSecond float64, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		ctrl:       ctrl,
		readLimit:  readLimit,
		perSecond:  perSecond,
		logger:     logger.Named("ws_hub"),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]bool),
		ctx:        context.Background(),
		quit:       make(chan struct{}),
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run subscribes to src and relays its events to clients until ctx is done,
// then disconnects them and waits for their goroutines. If the bus drops the
// hub's subscription the hub subscribes again, so observers keep receiving
// events after a burst.
func (h *Hub) Run(ctx context.Context, src Subscriber) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	events, unsubscribe := src.Subscribe(0)
	defer func() { unsubscribe() }()

	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			// ServeWS checks quit under mu before adding to wg
			close(h.quit)
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.wg.Wait()
			return

		case <-retry:
			retry = nil
			unsubscribe()
			events, unsubscribe = src.Subscribe(0)
			h.logger.Info("Resubscribed to event stream")

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected", zap.String("client_id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client disconnected", zap.String("client_id", client.id))
			}
			h.mu.Unlock()

		case env, ok := <-events:
			if !ok {
				h.logger.Warn("Event stream closed, resubscribing", zap.Duration("delay", resubscribeDelay))
				events = nil
				retry = time.After(resubscribeDelay)
				continue
			}
			h.broadcast(env)
		}
	}
}

func (h *Hub) broadcast(env protocol.Envelope) {
	msg, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.String("event_type", env.EventType), zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			h.logger.Warn("Dropping slow websocket client", zap.String("client_id", client.id))
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// ServeWS upgrades the request and attaches the connection to the hub
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket", zap.Error(err))
		return
	}
	client := &wsClient{
		id:      uuid.NewString(),
		hub:     h,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(h.perSecond), int(h.perSecond)+1),
		send:    make(chan []byte, sendBuffer),
	}
	h.mu.Lock()
	select {
	case <-h.quit:
		h.mu.Unlock()
		conn.Close()
		return
	default:
	}
	h.wg.Add(2)
	h.mu.Unlock()

	select {
	case h.register <- client:
	case <-h.quit:
		h.wg.Add(-2)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) context() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctx
}

// readPump forwards envelopes from the connection to the controller
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
		c.hub.wg.Done()
	}()
	c.conn.SetReadLimit(c.hub.readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	ctx := c.hub.context()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("WebSocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		// throttle instead of dropping so a burst is delayed, not lost
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		err = c.hub.ctrl.Submit(ctx, message)
		var verr *protocol.ValidationError
		switch {
		case err == nil, errors.As(err, &verr):
			// validation failures are answered on the bus
		case errors.Is(err, control.ErrDuplicate):
			c.hub.logger.Debug("Duplicate envelope from websocket client", zap.String("client_id", c.id))
		default:
			c.hub.logger.Warn("Failed to submit envelope", zap.String("client_id", c.id), zap.Error(err))
		}
	}
}

// writePump writes hub messages and pings to the connection
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.wg.Done()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			// one envelope per frame; clients decode frames individually
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
