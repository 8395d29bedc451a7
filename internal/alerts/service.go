// Package alerts owns the alert lifecycle: creation, acknowledgement,
// closing, and read-side queries.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/serversentinel/sentinel/internal/apperr"
	"github.com/serversentinel/sentinel/internal/clock"
	"github.com/serversentinel/sentinel/internal/keylock"
	"github.com/serversentinel/sentinel/internal/models"
	"github.com/serversentinel/sentinel/internal/store"
)

// EventKind names a lifecycle transition.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventAcknowledged EventKind = "acknowledged"
	EventClosed       EventKind = "closed"
)

// Event is emitted after every state change that reached the store.
type Event struct {
	Kind   EventKind
	Alert  models.Alert
	UserID string
}

// Listener receives lifecycle events. Implementations must not block.
type Listener interface {
	OnAlertEvent(ctx context.Context, ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev Event)

func (f ListenerFunc) OnAlertEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Metrics is the subset of telemetry the service reports to.
type Metrics interface {
	AlertCreated(severity, metric string)
	AlertTransition(status string)
}

// NewAlert is the input to Create.
type NewAlert struct {
	ClientID  string
	Metric    string
	Value     float64
	Threshold float64
	Severity  string
	Title     string
	Message   string
}

const DefaultStatsWindowHours = 24

type Service struct {
	store     store.Store
	clock     clock.Clock
	locks     *keylock.Locker
	listeners []Listener
	metrics   Metrics
	logger    *slog.Logger
}

func NewService(st store.Store, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		store:  st,
		clock:  clk,
		locks:  keylock.New(),
		logger: logger,
	}
}

// AddListener registers l. Call before the service is used.
func (s *Service) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

// SetMetrics attaches telemetry.
func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
}

func (s *Service) emit(ctx context.Context, ev Event) {
	for _, l := range s.listeners {
		s.notifyListener(ctx, l, ev)
	}
}

func (s *Service) notifyListener(ctx context.Context, l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("alert listener panicked", "alert_id", ev.Alert.ID, "event", ev.Kind, "panic", r)
		}
	}()
	l.OnAlertEvent(ctx, ev)
}

func lockKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Create stores a new OPEN alert and emits EventCreated.
func (s *Service) Create(ctx context.Context, in NewAlert) (*models.Alert, error) {
	if !models.ValidSeverity(in.Severity) {
		return nil, apperr.Invalid("severity", "unknown severity %q", in.Severity)
	}
	a := &models.Alert{
		ClientID:  in.ClientID,
		Metric:    in.Metric,
		Value:     in.Value,
		Threshold: in.Threshold,
		Severity:  in.Severity,
		Status:    models.StatusOpen,
		Title:     in.Title,
		Message:   in.Message,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.InsertAlert(a); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}

	s.logger.Info("alert created",
		"alert_id", a.ID,
		"client_id", a.ClientID,
		"metric", a.Metric,
		"value", a.Value,
		"threshold", a.Threshold,
		"severity", a.Severity)
	if s.metrics != nil {
		s.metrics.AlertCreated(a.Severity, a.Metric)
	}
	s.emit(ctx, Event{Kind: EventCreated, Alert: *a})
	return a, nil
}

// Get returns the alert or apperr.ErrAlertNotFound.
func (s *Service) Get(ctx context.Context, id int64) (*models.Alert, error) {
	a, err := s.store.GetAlert(id)
	if err != nil {
		return nil, fmt.Errorf("get alert %d: %w", id, err)
	}
	if a == nil {
		return nil, fmt.Errorf("get alert %d: %w", id, apperr.ErrAlertNotFound)
	}
	return a, nil
}

// Acknowledge moves an OPEN alert to ACKNOWLEDGED. Acknowledging an already
// acknowledged alert returns it unchanged; a CLOSED alert cannot be acknowledged.
func (s *Service) Acknowledge(ctx context.Context, id int64, userID string) (*models.Alert, error) {
	unlock := s.locks.Lock(lockKey(id))
	defer unlock()

	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case models.StatusAcknowledged:
		return a, nil
	case models.StatusClosed:
		return nil, fmt.Errorf("acknowledge alert %d: %w: alert is closed", id, apperr.ErrInvalidTransition)
	}

	now := s.clock.Now()
	by := userID
	a.Status = models.StatusAcknowledged
	a.AcknowledgedBy = &by
	a.AcknowledgedAt = &now
	if err := s.store.UpdateAlert(a); err != nil {
		return nil, fmt.Errorf("acknowledge alert %d: %w", id, err)
	}

	s.logger.Info("alert acknowledged", "alert_id", id, "user_id", userID)
	if s.metrics != nil {
		s.metrics.AlertTransition(a.Status)
	}
	s.emit(ctx, Event{Kind: EventAcknowledged, Alert: *a, UserID: userID})
	return a, nil
}

// Close moves an alert to CLOSED from any non-terminal state. Closing an OPEN
// alert also records the closer as acknowledger. Closing a CLOSED alert is a no-op.
func (s *Service) Close(ctx context.Context, id int64, userID string) (*models.Alert, error) {
	unlock := s.locks.Lock(lockKey(id))
	defer unlock()

	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == models.StatusClosed {
		return a, nil
	}

	now := s.clock.Now()
	if a.Status == models.StatusOpen {
		by := userID
		a.AcknowledgedBy = &by
		a.AcknowledgedAt = &now
	}
	a.Status = models.StatusClosed
	a.ResolvedAt = &now
	if err := s.store.UpdateAlert(a); err != nil {
		return nil, fmt.Errorf("close alert %d: %w", id, err)
	}

	s.logger.Info("alert closed", "alert_id", id, "user_id", userID)
	if s.metrics != nil {
		s.metrics.AlertTransition(a.Status)
	}
	s.emit(ctx, Event{Kind: EventClosed, Alert: *a, UserID: userID})
	return a, nil
}

// Query returns one page of alerts, newest first.
func (s *Service) Query(ctx context.Context, q models.AlertQuery) (*models.AlertPage, error) {
	if q.Status != "" && !models.ValidStatus(q.Status) {
		return nil, apperr.Invalid("status", "unknown status %q", q.Status)
	}
	if q.Severity != "" && !models.ValidSeverity(q.Severity) {
		return nil, apperr.Invalid("severity", "unknown severity %q", q.Severity)
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return nil, apperr.Invalid("from", "must not be after to")
	}
	q = q.Normalize()

	alerts, total, err := s.store.QueryAlerts(q)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	return &models.AlertPage{
		Alerts: alerts,
		Total:  total,
		Page:   q.Page,
		Limit:  q.Limit,
		Pages:  (total + q.Limit - 1) / q.Limit,
	}, nil
}

// Stats counts alerts created in the last windowHours (default 24).
func (s *Service) Stats(ctx context.Context, clientID string, windowHours int) (*models.AlertStats, error) {
	if windowHours <= 0 {
		windowHours = DefaultStatsWindowHours
	}
	since := s.clock.Now().Add(-time.Duration(windowHours) * time.Hour)
	st, err := s.store.AlertStats(clientID, since)
	if err != nil {
		return nil, fmt.Errorf("alert stats: %w", err)
	}
	return st, nil
}

// Deliveries returns the notification audit trail of an alert.
func (s *Service) Deliveries(ctx context.Context, id int64) ([]models.DeliveryRecord, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	records, err := s.store.ListDeliveries(id)
	if err != nil {
		return nil, fmt.Errorf("list deliveries for alert %d: %w", id, err)
	}
	return records, nil
}
