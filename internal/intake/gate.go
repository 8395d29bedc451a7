// Package intake validates agent samples and hands them to the evaluator.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/serversentinel/sentinel/internal/alerting"
	"github.com/serversentinel/sentinel/internal/apperr"
	"github.com/serversentinel/sentinel/internal/clock"
	"github.com/serversentinel/sentinel/internal/models"
	"github.com/serversentinel/sentinel/internal/realtime"
	"github.com/serversentinel/sentinel/internal/store"
)

// Rejection reasons reported to metrics.
const (
	RejectInvalid  = "invalid"
	RejectUnknown  = "unknown_client"
	RejectInactive = "inactive_client"
	RejectInternal = "internal"
)

var percentageMetrics = []string{models.MetricCPU, models.MetricMemory, models.MetricDisk, models.MetricGPU}

type Evaluator interface {
	Evaluate(ctx context.Context, client *models.Client, sample models.MetricSample) ([]alerting.Outcome, error)
}

type Metrics interface {
	SampleIngested(clientID string)
	SampleRejected(reason string)
}

type Config struct {
	MaxSampleAge   time.Duration
	MaxFutureSkew  time.Duration
	PersistSamples bool
}

func DefaultConfig() Config {
	return Config{
		MaxSampleAge:   10 * time.Minute,
		MaxFutureSkew:  2 * time.Minute,
		PersistSamples: true,
	}
}

// Result is returned for an accepted sample.
type Result struct {
	Accepted bool               `json:"accepted"`
	ClientID string             `json:"clientId"`
	Outcomes []alerting.Outcome `json:"outcomes"`
}

// Gate is the entry point for agent samples.
type Gate struct {
	store       store.Store
	evaluator   Evaluator
	broadcaster realtime.Broadcaster
	clock       clock.Clock
	cfg         Config
	metrics     Metrics
	logger      *slog.Logger
}

func NewGate(st store.Store, ev Evaluator, b realtime.Broadcaster, clk clock.Clock, cfg Config, logger *slog.Logger) *Gate {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Gate{store: st, evaluator: ev, broadcaster: b, clock: clk, cfg: cfg, logger: logger}
}

func (g *Gate) SetMetrics(m Metrics) {
	g.metrics = m
}

// Ingest validates req, records the client as seen and evaluates the
// sample. Evaluation failures are logged; they never reject the sample.
func (g *Gate) Ingest(ctx context.Context, req models.IngestRequest) (*Result, error) {
	sample, err := g.Validate(req)
	if err != nil {
		g.reject(RejectInvalid, req.ClientID, err)
		return nil, err
	}

	client, err := g.store.GetClient(sample.ClientID)
	if err != nil {
		g.reject(RejectInternal, sample.ClientID, err)
		return nil, fmt.Errorf("load client %s: %w", sample.ClientID, err)
	}
	if client == nil {
		g.reject(RejectUnknown, sample.ClientID, apperr.ErrClientNotFound)
		return nil, fmt.Errorf("%s: %w", sample.ClientID, apperr.ErrClientNotFound)
	}
	if !client.IsActive {
		g.reject(RejectInactive, sample.ClientID, apperr.ErrClientInactive)
		return nil, fmt.Errorf("%s: %w", sample.ClientID, apperr.ErrClientInactive)
	}

	if err := g.store.TouchClient(client.ID, g.clock.Now()); err != nil {
		g.reject(RejectInternal, client.ID, err)
		return nil, fmt.Errorf("touch client %s: %w", client.ID, err)
	}

	if g.cfg.PersistSamples {
		if err := g.store.InsertSample(sample); err != nil {
			g.logger.Warn("failed to persist sample", "client_id", client.ID, "err", err)
		}
	}

	if g.broadcaster != nil {
		g.broadcaster.SendMetricUpdate(ctx, client.ID, sample)
	}

	outcomes, err := g.evaluator.Evaluate(ctx, client, sample)
	if err != nil {
		g.logger.Error("threshold evaluation failed", "client_id", client.ID, "err", err)
	}

	if g.metrics != nil {
		g.metrics.SampleIngested(client.ID)
	}
	if outcomes == nil {
		outcomes = []alerting.Outcome{}
	}
	return &Result{Accepted: true, ClientID: client.ID, Outcomes: outcomes}, nil
}

func (g *Gate) reject(reason, clientID string, err error) {
	level := slog.LevelWarn
	if reason == RejectInternal {
		level = slog.LevelError
	}
	g.logger.Log(context.Background(), level, "sample rejected", "client_id", clientID, "reason", reason, "err", err)
	if g.metrics != nil {
		g.metrics.SampleRejected(reason)
	}
}

// Validate checks req and converts it to a MetricSample.
func (g *Gate) Validate(req models.IngestRequest) (models.MetricSample, error) {
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		return models.MetricSample{}, apperr.Invalid("clientId", "is required")
	}
	if req.Timestamp.IsZero() {
		return models.MetricSample{}, apperr.Invalid("timestamp", "is required")
	}
	if err := g.checkFreshness(req.Timestamp.UTC()); err != nil {
		return models.MetricSample{}, err
	}

	sample := models.MetricSample{
		ClientID:    clientID,
		SampleTime:  req.Timestamp.UTC(),
		Percentages: make(map[string]float64),
		Counters:    make(map[string]float64),
	}

	pcts := req.Metrics.Percentages()
	for _, name := range percentageMetrics {
		v := pcts[name]
		if v == nil {
			continue
		}
		if !finite(*v) || *v < 0 || *v > 100 {
			return models.MetricSample{}, apperr.Invalid(name, "must be between 0 and 100, got %v", *v)
		}
		sample.Percentages[name] = *v
	}
	if len(sample.Percentages) == 0 {
		return models.MetricSample{}, apperr.Invalid("metrics", "must include at least one of cpu, memory, disk or gpu")
	}

	counters := req.Metrics.Counters()
	for _, name := range slices.Sorted(maps.Keys(counters)) {
		v := counters[name]
		if v == nil {
			continue
		}
		if !finite(*v) || *v < 0 {
			return models.MetricSample{}, apperr.Invalid(name, "must be a non-negative number, got %v", *v)
		}
		sample.Counters[name] = *v
	}

	for i, v := range req.Metrics.LoadAverage {
		if !finite(v) || v < 0 {
			return models.MetricSample{}, apperr.Invalid(fmt.Sprintf("loadAverage[%d]", i), "must be a non-negative number, got %v", v)
		}
	}
	sample.LoadAverage = req.Metrics.LoadAverage
	return sample, nil
}

func (g *Gate) checkFreshness(ts time.Time) error {
	now := g.clock.Now()
	if age := now.Sub(ts); g.cfg.MaxSampleAge > 0 && age > g.cfg.MaxSampleAge {
		return apperr.Invalid("timestamp", "is %s old, limit is %s", age.Round(time.Second), g.cfg.MaxSampleAge)
	}
	if ahead := ts.Sub(now); g.cfg.MaxFutureSkew > 0 && ahead > g.cfg.MaxFutureSkew {
		return apperr.Invalid("timestamp", "is %s in the future, limit is %s", ahead.Round(time.Second), g.cfg.MaxFutureSkew)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// IsRejection reports whether err is one of the errors Ingest returns for a
// sample the caller must not resend unchanged.
func IsRejection(err error) bool {
	return apperr.IsValidation(err) ||
		errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrClientInactive)
}
