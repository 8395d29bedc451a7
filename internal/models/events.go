package models

import "time"

// Realtime event names as seen by dashboard connections.
const (
	EventAlert       = "alert"
	EventAlertUpdate = "alert:update"
	EventMetric      = "metric"
	EventConnected   = "connected"
	EventPong        = "pong"
)

// Control messages accepted from dashboard connections.
const (
	ControlSubscribeClient   = "subscribe:client"
	ControlUnsubscribeClient = "unsubscribe:client"
	ControlPing              = "ping"
)

// Wire event types.
const (
	TypeAlertCreated = "ALERT_CREATED"
	TypeAlertUpdated = "ALERT_UPDATED"
	TypeMetricUpdate = "METRIC_UPDATE"
)

// AlertSummary is the alert shape embedded in ALERT_CREATED events.
type AlertSummary struct {
	ID        int64     `json:"id"`
	ClientID  string    `json:"clientId"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

type AlertCreatedEvent struct {
	Type  string       `json:"type"`
	Alert AlertSummary `json:"alert"`
}

type AlertUpdatedEvent struct {
	Type      string    `json:"type"`
	AlertID   int64     `json:"alertId"`
	Update    any       `json:"update"`
	Timestamp time.Time `json:"timestamp"`
}

type MetricUpdateEvent struct {
	Type      string       `json:"type"`
	ClientID  string       `json:"clientId"`
	Metric    MetricSample `json:"metric"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewAlertCreatedEvent builds the ALERT_CREATED payload for a.
func NewAlertCreatedEvent(a Alert) AlertCreatedEvent {
	return AlertCreatedEvent{
		Type: TypeAlertCreated,
		Alert: AlertSummary{
			ID:        a.ID,
			ClientID:  a.ClientID,
			Metric:    a.Metric,
			Value:     a.Value,
			Severity:  a.Severity,
			Timestamp: a.CreatedAt,
		},
	}
}

// AlertUpdate is the update body sent with ALERT_UPDATED.
type AlertUpdate struct {
	Status         string     `json:"status"`
	AcknowledgedBy *string    `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// UpdateOf extracts the mutable part of a.
func UpdateOf(a Alert) AlertUpdate {
	return AlertUpdate{
		Status:         a.Status,
		AcknowledgedBy: a.AcknowledgedBy,
		AcknowledgedAt: a.AcknowledgedAt,
		ResolvedAt:     a.ResolvedAt,
	}
}
