package alerting

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/serversentinel/sentinel/internal/clock"
	"github.com/serversentinel/sentinel/internal/store"
)

const (
	DefaultSampleRetentionDays = 14
	SettingSampleRetentionDays = "metrics_retention_days"
)

// Retention prunes stored samples once at start and then every interval.
// Alerts and delivery records are never pruned.
type Retention struct {
	store    store.Store
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

func NewRetention(st store.Store, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Retention {
	if clk == nil {
		clk = clock.Real{}
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Retention{store: st, clock: clk, interval: interval, logger: logger}
}

func (r *Retention) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("retention loop started", "interval", r.interval)
	r.Prune()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("retention loop stopped")
			return
		case <-ticker.C:
			r.Prune()
		}
	}
}

// Prune deletes samples older than the retention period and returns the count.
func (r *Retention) Prune() int64 {
	days := DefaultSampleRetentionDays
	if v, _ := r.store.GetSetting(SettingSampleRetentionDays); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			days = parsed
		}
	}
	cutoff := r.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)

	deleted, err := r.store.PruneSamples(cutoff)
	if err != nil {
		r.logger.Error("failed to prune samples", "err", err)
		return 0
	}
	if deleted > 0 {
		r.logger.Info("pruned old samples", "rows_deleted", deleted, "retention_days", days)
	}
	return deleted
}
