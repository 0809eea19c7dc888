package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flamingrickpat/kektrade/pkg/exchange"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is handled by the router.
		return true
	},
}

// Hub maintains active WebSocket connections and broadcasts snapshots.
// It implements exchange.Sink so a run can stream wallets and positions
// through the storage fan-out while it persists them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *zap.SugaredLogger
}

var _ exchange.Sink = (*Hub)(nil)

func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run serves registrations until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debugw("ws_client_connected", "client", client.id, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debugw("ws_client_disconnected", "client", client.id, "total", n)

		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.clients {
		if client.IsSubscribed(channel) {
			n++
		}
	}
	return n
}

// BroadcastToChannel sends a message to all clients subscribed to a channel.
// Slow clients whose buffer is full miss the message.
func (h *Hub) BroadcastToChannel(channel string, data interface{}) {
	if h.subscribers(channel) == 0 {
		return
	}
	message, err := json.Marshal(data)
	if err != nil {
		h.logger.Warnw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.IsSubscribed(channel) {
			continue
		}
		select {
		case client.send <- message:
		default:
		}
	}
}

func (h *Hub) AppendWallet(subaccount string, ts time.Time, w exchange.Wallet) error {
	h.BroadcastToChannel("wallet:"+subaccount, WalletUpdate{
		Type:       "wallet",
		Subaccount: subaccount,
		Wallet:     toWalletInfo(ts, w),
	})
	return nil
}

func (h *Hub) AppendPosition(subaccount string, ts time.Time, p exchange.Position) error {
	h.BroadcastToChannel("position:"+subaccount, PositionUpdate{
		Type:       "position",
		Subaccount: subaccount,
		Position:   toPositionInfo(ts, p),
	})
	return nil
}

func (h *Hub) AppendOrder(string, time.Time, exchange.Order, bool) error { return nil }
func (h *Hub) AppendExecution(string, exchange.Execution) error          { return nil }

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

// channelSet is the set of channels one connection listens to.
type channelSet struct {
	mu       sync.RWMutex
	channels map[string]struct{}
}

func (cs *channelSet) has(channel string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.channels[channel]
	return ok
}

func (cs *channelSet) apply(op string, channels []string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	switch op {
	case "subscribe":
		for _, ch := range channels {
			cs.channels[ch] = struct{}{}
		}
	case "unsubscribe":
		for _, ch := range channels {
			delete(cs.channels, ch)
		}
	default:
		return false
	}
	return true
}

// Client is one websocket connection registered with the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
	subs channelSet
}

func (c *Client) IsSubscribed(channel string) bool { return c.subs.has(channel) }

// readPump applies subscribe/unsubscribe requests until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req WSSubscribeRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.hub.logger.Debugw("ws_invalid_message", "client", c.id, "err", err)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}
		if !c.subs.apply(req.Op, req.Channels) {
			c.hub.logger.Debugw("ws_unknown_op", "client", c.id, "op", req.Op)
			continue
		}
		c.hub.logger.Debugw("ws_"+req.Op, "client", c.id, "channels", req.Channels)
	}
}

// writePump drains send and keeps the connection alive with pings. A closed
// send channel means the hub dropped the client.
func (c *Client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		var (
			kind    = websocket.PingMessage
			payload []byte
		)
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			kind, payload = websocket.TextMessage, msg
		case <-ping.C:
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, payload); err != nil {
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("ws_upgrade_failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   conn.RemoteAddr().String(),
		subs: channelSet{channels: make(map[string]struct{})},
	}
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
