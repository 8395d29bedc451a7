package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/serversentinel/sentinel/internal/alerts"
	"github.com/serversentinel/sentinel/internal/clock"
	"github.com/serversentinel/sentinel/internal/keylock"
	"github.com/serversentinel/sentinel/internal/models"
	"github.com/serversentinel/sentinel/internal/store"
)

// DefaultSuppressionWindow is how long an OPEN alert silences repeat breaches.
const DefaultSuppressionWindow = 10 * time.Minute

// Settings keys that override the configured window and band at runtime.
const (
	SettingSuppressionWindow = "suppression_window_seconds"
	SettingCriticalBand      = "critical_band"
)

// Creator persists a new alert.
type Creator interface {
	Create(ctx context.Context, in alerts.NewAlert) (*models.Alert, error)
}

// Metrics receives suppression counts.
type Metrics interface {
	AlertSuppressed(metric string)
}

type Config struct {
	SuppressionWindow time.Duration
	CriticalBand      float64
	Metrics           []string // monitored metric names
}

func DefaultConfig() Config {
	return Config{
		SuppressionWindow: DefaultSuppressionWindow,
		CriticalBand:      DefaultCriticalBand,
		Metrics:           []string{models.MetricCPU, models.MetricMemory, models.MetricDisk},
	}
}

type OutcomeKind string

const (
	OutcomeCreated    OutcomeKind = "created"
	OutcomeSuppressed OutcomeKind = "suppressed"
)

// Outcome describes what happened to one breached metric.
type Outcome struct {
	Metric       string        `json:"metric"`
	Value        float64       `json:"value"`
	Threshold    float64       `json:"threshold"`
	Kind         OutcomeKind   `json:"outcome"`
	Alert        *models.Alert `json:"alert,omitempty"`
	SuppressedBy int64         `json:"suppressedBy,omitempty"`
}

// Evaluator turns samples into alerts. The suppression check and the create
// run under one lock per (client, metric).
type Evaluator struct {
	store   store.Store
	creator Creator
	clock   clock.Clock
	locks   *keylock.Locker
	cfg     Config
	metrics Metrics
	logger  *slog.Logger
}

func NewEvaluator(st store.Store, creator Creator, clk clock.Clock, cfg Config, logger *slog.Logger) *Evaluator {
	if clk == nil {
		clk = clock.Real{}
	}
	def := DefaultConfig()
	if cfg.SuppressionWindow <= 0 {
		cfg.SuppressionWindow = def.SuppressionWindow
	}
	if cfg.CriticalBand <= 0 {
		cfg.CriticalBand = def.CriticalBand
	}
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = def.Metrics
	}
	return &Evaluator{
		store:   st,
		creator: creator,
		clock:   clk,
		locks:   keylock.New(),
		cfg:     cfg,
		logger:  logger,
	}
}

func (e *Evaluator) SetMetrics(m Metrics) {
	e.metrics = m
}

// Evaluate checks every monitored metric in sample against the client's
// thresholds. A failure on one metric does not stop the others; all failures
// are returned joined.
func (e *Evaluator) Evaluate(ctx context.Context, client *models.Client, sample models.MetricSample) ([]Outcome, error) {
	window := e.resolveWindow()
	band := e.resolveBand()

	var outcomes []Outcome
	var errs []error
	for _, metric := range e.cfg.Metrics {
		value, ok := sample.Value(metric)
		if !ok {
			continue
		}
		threshold, ok := client.Thresholds.For(metric)
		if !ok || value <= threshold {
			continue
		}
		out, err := e.checkThreshold(ctx, client, metric, value, threshold, window, band)
		if err != nil {
			errs = append(errs, fmt.Errorf("metric %s: %w", metric, err))
			continue
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, errors.Join(errs...)
}

func (e *Evaluator) checkThreshold(ctx context.Context, client *models.Client, metric string, value, threshold float64, window time.Duration, band float64) (Outcome, error) {
	out := Outcome{Metric: metric, Value: value, Threshold: threshold}

	unlock := e.locks.Lock(client.ID + "|" + metric)
	defer unlock()

	since := e.clock.Now().Add(-window)
	existing, err := e.store.FindOpenAlert(client.ID, metric, since)
	if err != nil {
		return out, fmt.Errorf("find open alert: %w", err)
	}
	if existing != nil {
		e.logger.Debug("breach suppressed by open alert",
			"client_id", client.ID,
			"metric", metric,
			"value", value,
			"alert_id", existing.ID)
		if e.metrics != nil {
			e.metrics.AlertSuppressed(metric)
		}
		out.Kind = OutcomeSuppressed
		out.SuppressedBy = existing.ID
		return out, nil
	}

	a, err := e.creator.Create(ctx, alerts.NewAlert{
		ClientID:  client.ID,
		Metric:    metric,
		Value:     value,
		Threshold: threshold,
		Severity:  Severity(value, threshold, band),
		Title:     Title(metric, client.DisplayName()),
		Message:   Message(metric, value, threshold),
	})
	if err != nil {
		return out, err
	}
	out.Kind = OutcomeCreated
	out.Alert = a
	return out, nil
}

func (e *Evaluator) resolveWindow() time.Duration {
	if raw, _ := e.store.GetSetting(SettingSuppressionWindow); raw != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return e.cfg.SuppressionWindow
}

func (e *Evaluator) resolveBand() float64 {
	if raw, _ := e.store.GetSetting(SettingCriticalBand); raw != "" {
		if band, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && band >= 0 {
			return band
		}
	}
	return e.cfg.CriticalBand
}
