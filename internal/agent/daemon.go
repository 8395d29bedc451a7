package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/serversentinel/sentinel/internal/models"
)

// CollectFunc takes one host reading.
type CollectFunc func(ctx context.Context) (*Snapshot, error)

type Daemon struct {
	cfg      *Config
	reporter *Reporter
	collect  CollectFunc
	now      func() time.Time
	logger   *slog.Logger
}

func NewDaemon(cfg *Config, logger *slog.Logger) *Daemon {
	sessionID := agentSessionID(cfg.ClientID)
	d := &Daemon{
		cfg:      cfg,
		reporter: NewReporter(cfg.ServerURL, cfg.Password, sessionID, cfg.InsecureSkipTLS),
		now:      time.Now,
		logger:   logger.With("session_id", sessionID),
	}
	d.collect = func(ctx context.Context) (*Snapshot, error) {
		return Collect(ctx, cfg.DiskPath)
	}
	return d
}

// Tick collects and reports once.
func (d *Daemon) Tick(ctx context.Context) error {
	snap, err := d.collect(ctx)
	if err != nil {
		d.logger.Error("failed to collect metrics", "err", err)
		return err
	}

	req := models.IngestRequest{
		ClientID:  d.cfg.ClientID,
		Timestamp: d.now().UTC(),
		Metrics:   snap.Payload(),
	}
	d.logger.Debug("sending sample",
		"cpu", snap.CPUPercent,
		"mem", snap.MemPercent,
		"disk", snap.DiskPercent)

	ack, err := d.reporter.Report(ctx, req)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			d.logger.Warn("server rejected sample", "err", err)
		} else {
			d.logger.Error("report failed", "err", err)
		}
		return err
	}
	for _, o := range ack.Outcomes {
		attrs := []any{"metric", o.Metric, "value", o.Value, "outcome", o.Outcome}
		if o.Alert != nil {
			attrs = append(attrs, "alert_id", o.Alert.ID, "severity", o.Alert.Severity)
		}
		d.logger.Info("threshold breached", attrs...)
	}
	return nil
}

// Run reports immediately and then every interval until ctx is done.
func (d *Daemon) Run(ctx context.Context) {
	interval := time.Duration(d.cfg.IntervalSeconds) * time.Second
	d.logger.Info("starting agent",
		"server", d.cfg.ServerURL,
		"client_id", d.cfg.ClientID,
		"interval", interval)

	d.Tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.Tick(ctx)
		case <-ctx.Done():
			d.logger.Info("agent stopped")
			return
		}
	}
}
