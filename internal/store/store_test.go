package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/serversentinel/sentinel/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sentinel.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(func() { st.Close() })
		fn(t, st)
	})
}

func seedClient(t *testing.T, st Store, id string) {
	t.Helper()
	if err := st.UpsertClient(&models.Client{ID: id, Name: "web-" + id, IsActive: true, CreatedAt: t0}); err != nil {
		t.Fatalf("UpsertClient: %v", err)
	}
}

func newAlert(clientID, metric, severity string, at time.Time) *models.Alert {
	return &models.Alert{
		ClientID:  clientID,
		Metric:    metric,
		Value:     92,
		Threshold: 85,
		Severity:  severity,
		Status:    models.StatusOpen,
		Title:     "High CPU Usage on web",
		Message:   "CPU usage is at 92.0%, exceeding threshold of 85%",
		CreatedAt: at,
	}
}

func TestClientDefaultsAndTouch(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		seedClient(t, st, "c1")

		c, err := st.GetClient("c1")
		if err != nil || c == nil {
			t.Fatalf("GetClient: %v %v", c, err)
		}
		if c.Thresholds != models.DefaultThresholds() {
			t.Fatalf("expected default thresholds, got %+v", c.Thresholds)
		}
		if c.LastSeenAt != nil {
			t.Fatalf("expected nil last seen, got %v", c.LastSeenAt)
		}

		if err := st.TouchClient("c1", t0.Add(time.Minute)); err != nil {
			t.Fatalf("TouchClient: %v", err)
		}
		if err := st.TouchClient("c1", t0); err != nil {
			t.Fatalf("TouchClient: %v", err)
		}
		c, _ = st.GetClient("c1")
		if c.LastSeenAt == nil || !c.LastSeenAt.Equal(t0.Add(time.Minute)) {
			t.Fatalf("last seen moved backwards: %v", c.LastSeenAt)
		}

		missing, err := st.GetClient("nope")
		if err != nil || missing != nil {
			t.Fatalf("expected nil, nil for missing client, got %v %v", missing, err)
		}
	})
}

func TestAlertIDsAreMonotonic(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		seedClient(t, st, "c1")
		var last int64
		for i := 0; i < 5; i++ {
			a := newAlert("c1", models.MetricCPU, models.SeverityHigh, t0.Add(time.Duration(i)*time.Second))
			if err := st.InsertAlert(a); err != nil {
				t.Fatalf("InsertAlert: %v", err)
			}
			if a.ID <= last {
				t.Fatalf("expected id > %d, got %d", last, a.ID)
			}
			last = a.ID
		}
	})
}

func TestFindOpenAlertRespectsWindowAndStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		seedClient(t, st, "c1")
		a := newAlert("c1", models.MetricCPU, models.SeverityHigh, t0)
		if err := st.InsertAlert(a); err != nil {
			t.Fatalf("InsertAlert: %v", err)
		}

		got, err := st.FindOpenAlert("c1", models.MetricCPU, t0.Add(-10*time.Minute))
		if err != nil || got == nil || got.ID != a.ID {
			t.Fatalf("expected alert %d, got %v %v", a.ID, got, err)
		}

		got, _ = st.FindOpenAlert("c1", models.MetricCPU, t0)
		if got != nil {
			t.Fatal("alert created exactly at the window edge should not match")
		}

		got, _ = st.FindOpenAlert("c1", models.MetricMemory, t0.Add(-10*time.Minute))
		if got != nil {
			t.Fatal("different metric should not match")
		}

		now := t0.Add(time.Minute)
		a.Status = models.StatusClosed
		a.ResolvedAt = &now
		if err := st.UpdateAlert(a); err != nil {
			t.Fatalf("UpdateAlert: %v", err)
		}
		got, _ = st.FindOpenAlert("c1", models.MetricCPU, t0.Add(-10*time.Minute))
		if got != nil {
			t.Fatal("closed alert should not match")
		}
	})
}

func TestUpdateAlertRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		seedClient(t, st, "c1")
		a := newAlert("c1", models.MetricDisk, models.SeverityCritical, t0)
		if err := st.InsertAlert(a); err != nil {
			t.Fatalf("InsertAlert: %v", err)
		}
		by := "u1"
		at := t0.Add(2 * time.Minute)
		a.Status = models.StatusAcknowledged
		a.AcknowledgedBy = &by
		a.AcknowledgedAt = &at
		if err := st.UpdateAlert(a); err != nil {
			t.Fatalf("UpdateAlert: %v", err)
		}

		got, err := st.GetAlert(a.ID)
		if err != nil {
			t.Fatalf("GetAlert: %v", err)
		}
		if got.Status != models.StatusAcknowledged || got.AcknowledgedBy == nil || *got.AcknowledgedBy != "u1" {
			t.Fatalf("unexpected alert after update: %+v", got)
		}
		if !got.AcknowledgedAt.Equal(at) || got.ResolvedAt != nil {
			t.Fatalf("unexpected timestamps: ack=%v resolved=%v", got.AcknowledgedAt, got.ResolvedAt)
		}

		if err := st.UpdateAlert(&models.Alert{ID: 999, Status: models.StatusClosed}); err == nil {
			t.Fatal("expected error updating a missing alert")
		}
	})
}

func TestQueryAlertsFiltersAndPaging(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		seedClient(t, st, "c1")
		seedClient(t, st, "c2")
		for i := 0; i < 120; i++ {
			client := "c1"
			if i%4 == 0 {
				client = "c2"
			}
			sev := models.SeverityHigh
			if i%3 == 0 {
				sev = models.SeverityCritical
			}
			if err := st.InsertAlert(newAlert(client, models.MetricCPU, sev, t0.Add(time.Duration(i)*time.Minute))); err != nil {
				t.Fatalf("InsertAlert: %v", err)
			}
		}

		page, total, err := st.QueryAlerts(models.AlertQuery{Limit: 500})
		if err != nil {
			t.Fatalf("QueryAlerts: %v", err)
		}
		if total != 120 || len(page) != models.MaxPageLimit {
			t.Fatalf("expected total 120 and page of %d, got %d and %d", models.MaxPageLimit, total, len(page))
		}
		for i := 1; i < len(page); i++ {
			if page[i].CreatedAt.After(page[i-1].CreatedAt) {
				t.Fatalf("results not ordered newest first at %d", i)
			}
		}

		page, total, _ = st.QueryAlerts(models.AlertQuery{ClientID: "c2", Severity: models.SeverityCritical})
		if total != 10 || len(page) != 10 {
			t.Fatalf("expected 10 critical alerts for c2, got total=%d len=%d", total, len(page))
		}

		from := t0.Add(100 * time.Minute)
		page, total, _ = st.QueryAlerts(models.AlertQuery{From: &from, Page: 2, Limit: 15})
		if total != 20 || len(page) != 5 {
			t.Fatalf("expected second page of 5 out of 20, got total=%d len=%d", total, len(page))
		}

		page, _, _ = st.QueryAlerts(models.AlertQuery{Page: 50})
		if len(page) != 0 {
			t.Fatalf("expected empty page past the end, got %d", len(page))
		}
	})
}

func TestAlertStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		seedClient(t, st, "c1")
		old := newAlert("c1", models.MetricCPU, models.SeverityHigh, t0.Add(-48*time.Hour))
		st.InsertAlert(old)
		st.InsertAlert(newAlert("c1", models.MetricCPU, models.SeverityHigh, t0))
		crit := newAlert("c1", models.MetricDisk, models.SeverityCritical, t0)
		st.InsertAlert(crit)
		crit.Status = models.StatusClosed
		st.UpdateAlert(crit)

		stats, err := st.AlertStats("", t0.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("AlertStats: %v", err)
		}
		if stats.Total != 2 {
			t.Fatalf("expected 2 alerts in window, got %d", stats.Total)
		}
		if stats.ByStatus[models.StatusOpen] != 1 || stats.ByStatus[models.StatusClosed] != 1 || stats.ByStatus[models.StatusAcknowledged] != 0 {
			t.Fatalf("unexpected status counts: %v", stats.ByStatus)
		}
		if stats.BySeverity[models.SeverityCritical] != 1 || stats.BySeverity[models.SeverityLow] != 0 {
			t.Fatalf("unexpected severity counts: %v", stats.BySeverity)
		}
	})
}

func TestUsersByRole(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		users := []models.User{
			{ID: "u1", Email: "root@example.com", Role: models.RoleSuperAdmin, IsActive: true},
			{ID: "u2", Email: "ops@example.com", Role: models.RoleOperator, IsActive: true},
			{ID: "u3", Email: "gone@example.com", Role: models.RoleAdmin, IsActive: false},
			{ID: "u4", Email: "view@example.com", Role: models.RoleViewer, IsActive: true},
		}
		for i := range users {
			if err := st.UpsertUser(&users[i]); err != nil {
				t.Fatalf("UpsertUser: %v", err)
			}
		}
		got, err := st.ListActiveUsersByRoles(models.RoleSuperAdmin, models.RoleAdmin)
		if err != nil {
			t.Fatalf("ListActiveUsersByRoles: %v", err)
		}
		if len(got) != 1 || got[0].ID != "u1" {
			t.Fatalf("expected only u1, got %+v", got)
		}
		u, _ := st.GetUserByEmail("OPS@example.com")
		if u == nil || u.ID != "u2" {
			t.Fatalf("expected case-insensitive email lookup to find u2, got %+v", u)
		}
	})
}

func TestDeliveriesAndFailedJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		seedClient(t, st, "c1")
		a := newAlert("c1", models.MetricCPU, models.SeverityHigh, t0)
		st.InsertAlert(a)

		for attempt := 1; attempt <= 3; attempt++ {
			d := &models.DeliveryRecord{JobID: "j1", AlertID: a.ID, UserID: "u1", Channel: models.ChannelEmail,
				Status: models.DeliveryFailed, Attempt: attempt, SentAt: t0.Add(time.Duration(attempt) * time.Second), Error: "timeout"}
			if attempt == 3 {
				at := d.SentAt
				d.Status = models.DeliveryDelivered
				d.DeliveredAt = &at
				d.Error = ""
			}
			if err := st.InsertDelivery(d); err != nil {
				t.Fatalf("InsertDelivery: %v", err)
			}
		}
		records, err := st.ListDeliveries(a.ID)
		if err != nil {
			t.Fatalf("ListDeliveries: %v", err)
		}
		if len(records) != 3 || records[2].Status != models.DeliveryDelivered || records[0].Attempt != 1 {
			t.Fatalf("unexpected records: %+v", records)
		}

		f := &models.FailedJob{Job: models.NotificationJob{ID: "j2", AlertID: a.ID, Channels: []models.Channel{models.ChannelPush}, Attempt: 3},
			Reason: "max attempts", Error: "boom", FailedAt: t0}
		if err := st.InsertFailedJob(f); err != nil {
			t.Fatalf("InsertFailedJob: %v", err)
		}
		jobs, _ := st.ListFailedJobs(10)
		if len(jobs) != 1 || jobs[0].Job.ID != "j2" || jobs[0].Job.Channels[0] != models.ChannelPush {
			t.Fatalf("unexpected failed jobs: %+v", jobs)
		}
	})
}

func TestSamplesAndPrune(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		seedClient(t, st, "c1")
		for i := 0; i < 4; i++ {
			s := models.MetricSample{
				ClientID:    "c1",
				SampleTime:  t0.Add(time.Duration(i) * time.Hour),
				Percentages: map[string]float64{models.MetricCPU: float64(10 * i)},
			}
			if err := st.InsertSample(s); err != nil {
				t.Fatalf("InsertSample: %v", err)
			}
		}
		samples, err := st.ListSamples("c1", t0, t0.Add(24*time.Hour), 0)
		if err != nil || len(samples) != 4 {
			t.Fatalf("expected 4 samples, got %d (%v)", len(samples), err)
		}
		if v, _ := samples[0].Value(models.MetricCPU); v != 30 {
			t.Fatalf("expected newest sample first, got cpu=%v", v)
		}
		n, err := st.PruneSamples(t0.Add(2 * time.Hour))
		if err != nil || n != 2 {
			t.Fatalf("expected 2 pruned, got %d (%v)", n, err)
		}
	})
}

func TestAggregateSamples(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		seedClient(t, st, "c1")
		readings := []map[string]float64{
			{models.MetricCPU: 10, models.MetricMemory: 40},
			{models.MetricCPU: 30, models.MetricMemory: 60},
			{models.MetricCPU: 80},
		}
		for i, pct := range readings {
			s := models.MetricSample{ClientID: "c1", SampleTime: t0.Add(time.Duration(i) * time.Minute), Percentages: pct}
			if err := st.InsertSample(s); err != nil {
				t.Fatalf("InsertSample: %v", err)
			}
		}
		st.InsertSample(models.MetricSample{ClientID: "c2", SampleTime: t0, Percentages: map[string]float64{models.MetricCPU: 99}})
		st.InsertSample(models.MetricSample{ClientID: "c1", SampleTime: t0.Add(-time.Hour), Percentages: map[string]float64{models.MetricCPU: 99}})

		agg, err := st.AggregateSamples("c1", t0, t0.Add(time.Hour))
		if err != nil {
			t.Fatalf("AggregateSamples: %v", err)
		}
		if agg.Samples != 3 {
			t.Fatalf("samples = %d, want 3", agg.Samples)
		}
		if cpu := agg.Metrics[models.MetricCPU]; cpu.Avg != 40 || cpu.Max != 80 {
			t.Fatalf("cpu = %+v, want avg 40 max 80", cpu)
		}
		if mem := agg.Metrics[models.MetricMemory]; mem.Avg != 50 || mem.Max != 60 {
			t.Fatalf("memory = %+v, want avg 50 max 60", mem)
		}
		if _, ok := agg.Metrics[models.MetricGPU]; ok {
			t.Fatalf("gpu was never reported, got %+v", agg.Metrics)
		}

		empty, err := st.AggregateSamples("ghost", t0, t0.Add(time.Hour))
		if err != nil || empty.Samples != 0 || len(empty.Metrics) != 0 {
			t.Fatalf("expected empty aggregate, got %+v (%v)", empty, err)
		}
	})
}

func TestSettings(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		if v, _ := st.GetSetting("suppression_window_seconds"); v != "" {
			t.Fatalf("expected empty setting, got %q", v)
		}
		st.SetSetting("suppression_window_seconds", "300")
		st.SetSetting("suppression_window_seconds", "600")
		all, _ := st.GetAllSettings()
		if all["suppression_window_seconds"] != "600" {
			t.Fatalf("expected 600, got %q", all["suppression_window_seconds"])
		}
	})
}

func TestMemoryStoreConcurrentInserts(t *testing.T) {
	st := NewMemoryStore()
	seedClient(t, st, "c1")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st.InsertAlert(newAlert("c1", fmt.Sprintf("m%d", i%5), models.SeverityHigh, t0))
		}(i)
	}
	wg.Wait()
	_, total, _ := st.QueryAlerts(models.AlertQuery{})
	if total != 50 {
		t.Fatalf("expected 50 alerts, got %d", total)
	}
}
