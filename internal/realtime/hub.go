// Package realtime pushes alert and metric events to connected dashboards.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/serversentinel/sentinel/internal/clock"
	"github.com/serversentinel/sentinel/internal/models"
)

// Broadcaster fans events out to subscribers. No method blocks on a slow
// subscriber or reports failure to the caller.
type Broadcaster interface {
	Broadcast(ctx context.Context, alert models.Alert)
	SendUpdate(ctx context.Context, alertID int64, update any, userIDs []string)
	SendMetricUpdate(ctx context.Context, clientID string, sample models.MetricSample)
}

// Message is the frame written to a connection.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Conn is the hub's view of a connection.
type Conn interface {
	ID() string
	UserID() string
	// Enqueue hands a frame to the connection without blocking. It reports
	// false when the frame was dropped.
	Enqueue(frame []byte) bool
}

type HubMetrics interface {
	SetConnections(n int)
	MessageDropped()
}

type HubStats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Topics      int `json:"topics"`
}

// Hub tracks connections and their topic memberships in this process.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]Conn
	topics  map[string]map[string]struct{} // topic -> conn IDs
	joined  map[string]map[string]struct{} // conn ID -> topics
	clock   clock.Clock
	metrics HubMetrics
	logger  *slog.Logger
}

func NewHub(clk clock.Clock, logger *slog.Logger) *Hub {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Hub{
		conns:  make(map[string]Conn),
		topics: make(map[string]map[string]struct{}),
		joined: make(map[string]map[string]struct{}),
		clock:  clk,
		logger: logger,
	}
}

func (h *Hub) SetMetrics(m HubMetrics) {
	h.metrics = m
}

// Register adds c and joins it to its user topic.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.joined[c.ID()] = make(map[string]struct{})
	if c.UserID() != "" {
		h.join(c.ID(), models.UserTopic(c.UserID()))
	}
	n := len(h.conns)
	h.mu.Unlock()

	h.logger.Debug("realtime connection registered", "conn_id", c.ID(), "user_id", c.UserID())
	if h.metrics != nil {
		h.metrics.SetConnections(n)
	}
}

// Unregister drops the connection and every subscription it held.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	for topic := range h.joined[connID] {
		h.leave(connID, topic)
	}
	delete(h.joined, connID)
	delete(h.conns, connID)
	n := len(h.conns)
	h.mu.Unlock()

	h.logger.Debug("realtime connection removed", "conn_id", connID)
	if h.metrics != nil {
		h.metrics.SetConnections(n)
	}
}

// Subscribe joins a connection to topic.
func (h *Hub) Subscribe(connID, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return fmt.Errorf("subscribe %s: unknown connection %s", topic, connID)
	}
	h.join(connID, topic)
	return nil
}

// Unsubscribe removes a connection from topic.
func (h *Hub) Unsubscribe(connID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(connID, topic)
}

func (h *Hub) join(connID, topic string) {
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[string]struct{})
		h.topics[topic] = members
	}
	members[connID] = struct{}{}
	h.joined[connID][topic] = struct{}{}
}

func (h *Hub) leave(connID, topic string) {
	if members, ok := h.topics[topic]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
	if topics, ok := h.joined[connID]; ok {
		delete(topics, topic)
	}
}

// Members lists connection IDs subscribed to topic.
func (h *Hub) Members(topic string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.topics[topic]))
	for id := range h.topics[topic] {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make(map[string]struct{})
	for _, c := range h.conns {
		if c.UserID() != "" {
			users[c.UserID()] = struct{}{}
		}
	}
	return HubStats{Connections: len(h.conns), Users: len(users), Topics: len(h.topics)}
}

func (h *Hub) encode(msg Message) ([]byte, bool) {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode realtime message", "event", msg.Event, "err", err)
		return nil, false
	}
	return frame, true
}

func (h *Hub) deliver(frame []byte, targets []Conn, event string) int {
	sent := 0
	for _, c := range targets {
		if c.Enqueue(frame) {
			sent++
			continue
		}
		h.logger.Warn("realtime buffer full, message dropped", "conn_id", c.ID(), "event", event)
		if h.metrics != nil {
			h.metrics.MessageDropped()
		}
	}
	return sent
}

// PublishTopic sends msg to every member of topic and returns how many accepted it.
func (h *Hub) PublishTopic(topic string, msg Message) int {
	frame, ok := h.encode(msg)
	if !ok {
		return 0
	}
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.topics[topic]))
	for id := range h.topics[topic] {
		targets = append(targets, h.conns[id])
	}
	h.mu.RUnlock()
	return h.deliver(frame, targets, msg.Event)
}

// PublishAll sends msg to every connection.
func (h *Hub) PublishAll(msg Message) int {
	frame, ok := h.encode(msg)
	if !ok {
		return 0
	}
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	return h.deliver(frame, targets, msg.Event)
}

// Broadcast sends ALERT_CREATED to every connection and again to the
// alert's client topic.
func (h *Hub) Broadcast(_ context.Context, alert models.Alert) {
	msg := Message{Event: models.EventAlert, Data: models.NewAlertCreatedEvent(alert)}
	h.PublishAll(msg)
	h.PublishTopic(models.ClientTopic(alert.ClientID), msg)
}

// SendUpdate sends ALERT_UPDATED to the listed users, or to everyone when
// userIDs is empty.
func (h *Hub) SendUpdate(_ context.Context, alertID int64, update any, userIDs []string) {
	msg := Message{Event: models.EventAlertUpdate, Data: models.AlertUpdatedEvent{
		Type:      models.TypeAlertUpdated,
		AlertID:   alertID,
		Update:    update,
		Timestamp: h.clock.Now(),
	}}
	if len(userIDs) == 0 {
		h.PublishAll(msg)
		return
	}
	for _, id := range userIDs {
		h.PublishTopic(models.UserTopic(id), msg)
	}
}

// SendMetricUpdate sends METRIC_UPDATE to the client's subscribers.
func (h *Hub) SendMetricUpdate(_ context.Context, clientID string, sample models.MetricSample) {
	h.PublishTopic(models.ClientTopic(clientID), Message{Event: models.EventMetric, Data: models.MetricUpdateEvent{
		Type:      models.TypeMetricUpdate,
		ClientID:  clientID,
		Metric:    sample,
		Timestamp: h.clock.Now(),
	}})
}
