package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serversentinel/sentinel/internal/apperr"
	"github.com/serversentinel/sentinel/internal/clock"
	"github.com/serversentinel/sentinel/internal/logging"
	"github.com/serversentinel/sentinel/internal/models"
	"github.com/serversentinel/sentinel/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnAlertEvent(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func newService(t *testing.T) (*Service, *recorder, *clock.Manual) {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertClient(&models.Client{ID: "c1", Name: "web-1", IsActive: true}))
	clk := clock.NewManual(t0)
	svc := NewService(st, clk, logging.Discard())
	rec := &recorder{}
	svc.AddListener(rec)
	return svc, rec, clk
}

func createAlert(t *testing.T, svc *Service) *models.Alert {
	t.Helper()
	a, err := svc.Create(context.Background(), NewAlert{
		ClientID: "c1", Metric: models.MetricCPU, Value: 92, Threshold: 85,
		Severity: models.SeverityHigh, Title: "High CPU Usage on web-1",
		Message: "CPU usage is at 92.0%, exceeding threshold of 85%",
	})
	require.NoError(t, err)
	return a
}

func TestCreateEmitsEvent(t *testing.T) {
	svc, rec, _ := newService(t)
	a := createAlert(t, svc)

	assert.Equal(t, models.StatusOpen, a.Status)
	assert.Equal(t, t0, a.CreatedAt)
	assert.Nil(t, a.AcknowledgedBy)
	assert.Equal(t, []EventKind{EventCreated}, rec.kinds())
}

func TestCreateRejectsUnknownSeverity(t *testing.T) {
	svc, rec, _ := newService(t)
	_, err := svc.Create(context.Background(), NewAlert{ClientID: "c1", Metric: "cpu", Severity: "URGENT"})
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.Empty(t, rec.kinds())
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	svc, rec, clk := newService(t)
	a := createAlert(t, svc)
	ctx := context.Background()

	clk.Advance(time.Minute)
	acked, err := svc.Acknowledge(ctx, a.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAcknowledged, acked.Status)
	require.NotNil(t, acked.AcknowledgedBy)
	assert.Equal(t, "u1", *acked.AcknowledgedBy)
	assert.Equal(t, t0.Add(time.Minute), *acked.AcknowledgedAt)

	clk.Advance(time.Minute)
	again, err := svc.Acknowledge(ctx, a.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, "u1", *again.AcknowledgedBy)
	assert.Equal(t, t0.Add(time.Minute), *again.AcknowledgedAt)
	assert.Equal(t, []EventKind{EventCreated, EventAcknowledged}, rec.kinds())
}

func TestAcknowledgeClosedAlertFails(t *testing.T) {
	svc, _, _ := newService(t)
	a := createAlert(t, svc)
	ctx := context.Background()

	_, err := svc.Close(ctx, a.ID, "u1")
	require.NoError(t, err)

	_, err = svc.Acknowledge(ctx, a.ID, "u2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
}

func TestCloseFromOpenStampsAcknowledger(t *testing.T) {
	svc, rec, clk := newService(t)
	a := createAlert(t, svc)

	clk.Advance(5 * time.Minute)
	closed, err := svc.Close(context.Background(), a.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, closed.Status)
	require.NotNil(t, closed.AcknowledgedBy)
	assert.Equal(t, "u2", *closed.AcknowledgedBy)
	assert.Equal(t, t0.Add(5*time.Minute), *closed.ResolvedAt)
	assert.Equal(t, t0.Add(5*time.Minute), *closed.AcknowledgedAt)
	assert.Equal(t, []EventKind{EventCreated, EventClosed}, rec.kinds())
}

func TestCloseAfterAcknowledgeKeepsAcknowledger(t *testing.T) {
	svc, _, clk := newService(t)
	a := createAlert(t, svc)
	ctx := context.Background()

	_, err := svc.Acknowledge(ctx, a.ID, "u1")
	require.NoError(t, err)
	clk.Advance(time.Minute)
	closed, err := svc.Close(ctx, a.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, "u1", *closed.AcknowledgedBy)
	assert.Equal(t, t0, *closed.AcknowledgedAt)

	again, err := svc.Close(ctx, a.ID, "u3")
	require.NoError(t, err)
	assert.Equal(t, *closed.ResolvedAt, *again.ResolvedAt)
}

func TestMissingAlert(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Acknowledge(ctx, 42, "u1")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = svc.Close(ctx, 42, "u1")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = svc.Get(ctx, 42)
	assert.True(t, errors.Is(err, apperr.ErrAlertNotFound))
}

func TestConcurrentAcknowledgeAndCloseEndClosed(t *testing.T) {
	for i := 0; i < 50; i++ {
		svc, _, _ := newService(t)
		a := createAlert(t, svc)
		ctx := context.Background()

		var wg sync.WaitGroup
		var ackErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, ackErr = svc.Acknowledge(ctx, a.ID, "u1")
		}()
		go func() {
			defer wg.Done()
			_, err := svc.Close(ctx, a.ID, "u2")
			assert.NoError(t, err)
		}()
		wg.Wait()

		final, err := svc.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusClosed, final.Status)
		if ackErr != nil {
			assert.True(t, errors.Is(ackErr, apperr.ErrInvalidTransition))
			assert.Equal(t, "u2", *final.AcknowledgedBy)
		} else {
			assert.Equal(t, "u1", *final.AcknowledgedBy)
		}
	}
}

func TestQueryValidatesFilters(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Query(context.Background(), models.AlertQuery{Status: "PENDING"})
	assert.True(t, apperr.IsValidation(err))

	from := t0
	to := t0.Add(-time.Hour)
	_, err = svc.Query(context.Background(), models.AlertQuery{From: &from, To: &to})
	assert.True(t, apperr.IsValidation(err))
}

func TestQueryPaging(t *testing.T) {
	svc, _, clk := newService(t)
	for i := 0; i < 7; i++ {
		createAlert(t, svc)
		clk.Advance(time.Second)
	}
	page, err := svc.Query(context.Background(), models.AlertQuery{Page: 2, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	assert.Equal(t, 3, page.Pages)
	require.Len(t, page.Alerts, 3)
	assert.Equal(t, int64(4), page.Alerts[0].ID)
}

func TestStatsWindow(t *testing.T) {
	svc, _, clk := newService(t)
	createAlert(t, svc)
	clk.Advance(30 * time.Hour)
	a := createAlert(t, svc)
	_, err := svc.Acknowledge(context.Background(), a.ID, "u1")
	require.NoError(t, err)

	st, err := svc.Stats(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.ByStatus[models.StatusAcknowledged])
	assert.Equal(t, 0, st.ByStatus[models.StatusOpen])

	st, err = svc.Stats(context.Background(), "c1", 48)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
}

func TestListenerPanicDoesNotFailMutation(t *testing.T) {
	svc, _, _ := newService(t)
	svc.AddListener(ListenerFunc(func(context.Context, Event) { panic("boom") }))
	a := createAlert(t, svc)
	_, err := svc.Close(context.Background(), a.ID, "u1")
	require.NoError(t, err)
}
