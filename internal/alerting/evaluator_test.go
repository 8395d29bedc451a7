package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/serversentinel/sentinel/internal/alerts"
	"github.com/serversentinel/sentinel/internal/clock"
	"github.com/serversentinel/sentinel/internal/logging"
	"github.com/serversentinel/sentinel/internal/models"
	"github.com/serversentinel/sentinel/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *store.MemoryStore
	clock  *clock.Manual
	svc    *alerts.Service
	eval   *Evaluator
	client *models.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	client := &models.Client{ID: "c1", Name: "web-1", IsActive: true, Thresholds: models.Thresholds{CPU: 80, Memory: 85, Disk: 90}}
	if err := st.UpsertClient(client); err != nil {
		t.Fatalf("UpsertClient: %v", err)
	}
	clk := clock.NewManual(t0)
	logger := logging.Discard()
	svc := alerts.NewService(st, clk, logger)
	return &fixture{
		store:  st,
		clock:  clk,
		svc:    svc,
		eval:   NewEvaluator(st, svc, clk, DefaultConfig(), logger),
		client: client,
	}
}

func sample(metric string, value float64) models.MetricSample {
	return models.MetricSample{
		ClientID:    "c1",
		SampleTime:  t0,
		Percentages: map[string]float64{metric: value},
	}
}

func (f *fixture) countAlerts(t *testing.T) int {
	t.Helper()
	_, total, err := f.store.QueryAlerts(models.AlertQuery{})
	if err != nil {
		t.Fatalf("QueryAlerts: %v", err)
	}
	return total
}

func TestSeverityBoundary(t *testing.T) {
	cases := []struct {
		value float64
		want  string
	}{
		{80.5, models.SeverityHigh},
		{90, models.SeverityHigh},
		{90.01, models.SeverityCritical},
		{100, models.SeverityCritical},
	}
	for _, c := range cases {
		if got := Severity(c.value, 80, DefaultCriticalBand); got != c.want {
			t.Fatalf("Severity(%v, 80): expected %s, got %s", c.value, c.want, got)
		}
	}
}

func TestMessageFormat(t *testing.T) {
	if got := Title(models.MetricCPU, "web-1"); got != "High CPU Usage on web-1" {
		t.Fatalf("unexpected title %q", got)
	}
	want := "Memory usage is at 92.5%, exceeding threshold of 85%"
	if got := Message(models.MetricMemory, 92.46, 85); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if got := Message(models.MetricDisk, 95, 87.5); got != "Disk usage is at 95.0%, exceeding threshold of 87.5%" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestNoBreachNoAlert(t *testing.T) {
	f := newFixture(t)
	outcomes, err := f.eval.Evaluate(context.Background(), f.client, sample(models.MetricCPU, 80))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(outcomes) != 0 || f.countAlerts(t) != 0 {
		t.Fatalf("value equal to threshold must not alert, got %d outcomes", len(outcomes))
	}
}

func TestBreachCreatesHighAlert(t *testing.T) {
	f := newFixture(t)
	outcomes, err := f.eval.Evaluate(context.Background(), f.client, sample(models.MetricCPU, 85))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Kind != OutcomeCreated {
		t.Fatalf("expected one created outcome, got %+v", outcomes)
	}
	a := outcomes[0].Alert
	if a.Severity != models.SeverityHigh || a.Status != models.StatusOpen || a.Threshold != 80 {
		t.Fatalf("unexpected alert: %+v", a)
	}
	if a.Title != "High CPU Usage on web-1" {
		t.Fatalf("unexpected title %q", a.Title)
	}
}

func TestSuppressionWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _ := f.eval.Evaluate(ctx, f.client, sample(models.MetricCPU, 95))
	f.clock.Advance(time.Minute)
	second, err := f.eval.Evaluate(ctx, f.client, sample(models.MetricCPU, 97))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(second) != 1 || second[0].Kind != OutcomeSuppressed || second[0].SuppressedBy != first[0].Alert.ID {
		t.Fatalf("expected suppression by %d, got %+v", first[0].Alert.ID, second)
	}
	if f.countAlerts(t) != 1 {
		t.Fatalf("expected 1 alert, got %d", f.countAlerts(t))
	}

	// a different metric has its own key
	other, _ := f.eval.Evaluate(ctx, f.client, sample(models.MetricDisk, 95))
	if len(other) != 1 || other[0].Kind != OutcomeCreated {
		t.Fatalf("expected disk alert to be created, got %+v", other)
	}
}

func TestAcknowledgedAlertDoesNotSuppress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _ := f.eval.Evaluate(ctx, f.client, sample(models.MetricCPU, 95))
	if _, err := f.svc.Acknowledge(ctx, first[0].Alert.ID, "u1"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	f.clock.Advance(time.Minute)
	second, _ := f.eval.Evaluate(ctx, f.client, sample(models.MetricCPU, 95))
	if len(second) != 1 || second[0].Kind != OutcomeCreated {
		t.Fatalf("expected a new alert after acknowledge, got %+v", second)
	}
}

func TestOpenAlertOlderThanWindowDoesNotSuppress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.eval.Evaluate(ctx, f.client, sample(models.MetricCPU, 95))
	f.clock.Advance(10 * time.Minute)
	out, _ := f.eval.Evaluate(ctx, f.client, sample(models.MetricCPU, 95))
	if len(out) != 1 || out[0].Kind != OutcomeCreated {
		t.Fatalf("alert exactly one window old should not suppress, got %+v", out)
	}
	if f.countAlerts(t) != 2 {
		t.Fatalf("expected 2 alerts, got %d", f.countAlerts(t))
	}
}

func TestSettingsOverrideWindowAndBand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetSetting(SettingSuppressionWindow, "60")
	f.store.SetSetting(SettingCriticalBand, "2")

	out, _ := f.eval.Evaluate(ctx, f.client, sample(models.MetricCPU, 83))
	if out[0].Alert.Severity != models.SeverityCritical {
		t.Fatalf("expected CRITICAL with band 2, got %s", out[0].Alert.Severity)
	}
	f.clock.Advance(61 * time.Second)
	out, _ = f.eval.Evaluate(ctx, f.client, sample(models.MetricCPU, 83))
	if out[0].Kind != OutcomeCreated {
		t.Fatalf("expected new alert after the shortened window, got %s", out[0].Kind)
	}
}

func TestUnmonitoredMetricIgnored(t *testing.T) {
	f := newFixture(t)
	out, _ := f.eval.Evaluate(context.Background(), f.client, sample(models.MetricGPU, 99))
	if len(out) != 0 {
		t.Fatalf("gpu has no threshold and must not alert, got %+v", out)
	}
}

func TestConcurrentBreachesCreateOneAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, suppressed := 0, 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.eval.Evaluate(ctx, f.client, sample(models.MetricCPU, 95))
			if err != nil {
				t.Errorf("Evaluate: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, o := range out {
				switch o.Kind {
				case OutcomeCreated:
					created++
				case OutcomeSuppressed:
					suppressed++
				}
			}
		}()
	}
	wg.Wait()

	if created != 1 || suppressed != 99 {
		t.Fatalf("expected 1 created and 99 suppressed, got %d and %d", created, suppressed)
	}
	if f.countAlerts(t) != 1 {
		t.Fatalf("expected exactly one alert, got %d", f.countAlerts(t))
	}
}

func TestRetentionPrunesOldSamples(t *testing.T) {
	f := newFixture(t)
	old := sample(models.MetricCPU, 10)
	old.SampleTime = t0.Add(-30 * 24 * time.Hour)
	f.store.InsertSample(old)
	f.store.InsertSample(sample(models.MetricCPU, 20))

	r := NewRetention(f.store, f.clock, time.Hour, logging.Discard())
	if n := r.Prune(); n != 1 {
		t.Fatalf("expected 1 pruned sample, got %d", n)
	}
}
