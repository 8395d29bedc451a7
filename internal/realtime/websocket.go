package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/serversentinel/sentinel/internal/clock"
	"github.com/serversentinel/sentinel/internal/models"
)

// Authenticator resolves the user behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (*models.User, error)
}

type WSConfig struct {
	SendBuffer     int
	PingInterval   time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

func DefaultWSConfig() WSConfig {
	return WSConfig{
		SendBuffer:     64,
		PingInterval:   25 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 4096,
	}
}

// WSHandler upgrades dashboard requests and attaches them to the hub.
type WSHandler struct {
	hub      *Hub
	auth     Authenticator
	cfg      WSConfig
	clock    clock.Clock
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[string]*wsConn
	closed bool
}

func NewWSHandler(hub *Hub, auth Authenticator, cfg WSConfig, clk clock.Clock, logger *slog.Logger) *WSHandler {
	def := DefaultWSConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if clk == nil {
		clk = clock.Real{}
	}
	h := &WSHandler{hub: hub, auth: auth, cfg: cfg, clock: clk, logger: logger, conns: make(map[string]*wsConn)}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Close sends a close frame to every attached dashboard and refuses new
// upgrades. Hijacked connections are not tracked by http.Server.Shutdown.
func (h *WSHandler) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.goingAway.Store(true)
		c.close()
	}
	if len(conns) > 0 {
		h.logger.Info("closed dashboard connections", "count", len(conns))
	}
}

func (h *WSHandler) track(c *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	return true
}

func (h *WSHandler) untrack(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, `{"error":"shutting down"}`, http.StatusServiceUnavailable)
		return
	}

	user, err := h.auth.Authenticate(r)
	if err != nil || user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", user.ID, "err", err)
		return
	}

	c := &wsConn{
		id:     uuid.NewString(),
		userID: user.ID,
		ws:     ws,
		send:   make(chan []byte, h.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	if !h.track(c) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.cfg.WriteWait))
		ws.Close()
		return
	}
	h.hub.Register(c)
	h.logger.Info("dashboard connected", "conn_id", c.id, "user_id", c.userID)

	h.sendTo(c, models.EventConnected, map[string]any{
		"socketId":  c.id,
		"userId":    c.userID,
		"timestamp": h.clock.Now(),
	})

	go h.writePump(c)
	h.readPump(c)
}

func (h *WSHandler) sendTo(c *wsConn, event string, data any) {
	frame, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		h.logger.Error("failed to encode message", "event", event, "err", err)
		return
	}
	c.Enqueue(frame)
}

type controlMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// readPump handles control messages until the peer goes away.
func (h *WSHandler) readPump(c *wsConn) {
	defer func() {
		h.hub.Unregister(c.id)
		h.untrack(c.id)
		c.close()
		h.logger.Info("dashboard disconnected", "conn_id", c.id, "user_id", c.userID)
	}()

	pongWait := h.cfg.PingInterval * 2
	c.ws.SetReadLimit(h.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "conn_id", c.id, "err", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("ignoring malformed control message", "conn_id", c.id, "err", err)
			continue
		}
		h.handleControl(c, msg)
	}
}

func (h *WSHandler) handleControl(c *wsConn, msg controlMessage) {
	switch msg.Event {
	case models.ControlSubscribeClient, models.ControlUnsubscribeClient:
		var clientID string
		if err := json.Unmarshal(msg.Data, &clientID); err != nil || clientID == "" {
			h.logger.Debug("control message without client id", "conn_id", c.id, "event", msg.Event)
			return
		}
		topic := models.ClientTopic(clientID)
		if msg.Event == models.ControlUnsubscribeClient {
			h.hub.Unsubscribe(c.id, topic)
			return
		}
		if err := h.hub.Subscribe(c.id, topic); err != nil {
			h.logger.Warn("subscribe failed", "conn_id", c.id, "topic", topic, "err", err)
		}
	case models.ControlPing:
		h.sendTo(c, models.EventPong, map[string]any{"timestamp": h.clock.Now()})
	default:
		h.logger.Debug("unknown control message", "conn_id", c.id, "event", msg.Event)
	}
}

func (h *WSHandler) writePump(c *wsConn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("websocket write failed", "conn_id", c.id, "err", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if c.goingAway.Load() {
				msg = websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			}
			c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			c.ws.WriteMessage(websocket.CloseMessage, msg)
			return
		}
	}
}

// wsConn is one upgraded connection. send is never closed; done signals shutdown.
type wsConn struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	// set when the server, not the peer, ends the connection
	goingAway atomic.Bool
}

func (c *wsConn) ID() string     { return c.id }
func (c *wsConn) UserID() string { return c.userID }

func (c *wsConn) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}
