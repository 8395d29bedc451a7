package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serversentinel/sentinel/internal/alerts"
	"github.com/serversentinel/sentinel/internal/apperr"
	"github.com/serversentinel/sentinel/internal/clock"
	"github.com/serversentinel/sentinel/internal/logging"
	"github.com/serversentinel/sentinel/internal/models"
	"github.com/serversentinel/sentinel/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedSender fails with the queued errors in order, then succeeds.
type scriptedSender struct {
	channel models.Channel
	mu      sync.Mutex
	script  []error
	calls   []string
	panics  int
}

func (s *scriptedSender) Channel() models.Channel { return s.channel }

func (s *scriptedSender) Send(_ context.Context, to models.User, _ Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, to.ID)
	if s.panics > 0 {
		s.panics--
		panic("sender exploded")
	}
	if len(s.script) == 0 {
		return nil
	}
	err := s.script[0]
	if len(s.script) > 1 {
		s.script = s.script[1:]
	}
	if errors.Is(err, errStop) {
		s.script = nil
		return nil
	}
	return err
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

var errStop = errors.New("stop")

func failTimes(n int, err error) []error {
	script := make([]error, 0, n+1)
	for i := 0; i < n; i++ {
		script = append(script, err)
	}
	return append(script, errStop)
}

type fixture struct {
	store *store.MemoryStore
	alert *models.Alert
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertClient(&models.Client{ID: "c1", Name: "web-1", IsActive: true}))
	require.NoError(t, st.UpsertUser(&models.User{ID: "admin", Email: "admin@example.com", Role: models.RoleAdmin, IsActive: true, PushKey: "pk-admin"}))
	require.NoError(t, st.UpsertUser(&models.User{ID: "ops", Email: "ops@example.com", Role: models.RoleOperator, IsActive: true}))
	require.NoError(t, st.UpsertUser(&models.User{ID: "gone", Email: "gone@example.com", Role: models.RoleAdmin, IsActive: false}))
	a := &models.Alert{
		ClientID: "c1", Metric: models.MetricCPU, Value: 92, Threshold: 85,
		Severity: models.SeverityHigh, Status: models.StatusOpen,
		Title: "High CPU Usage on web-1", Message: "CPU usage is at 92.0%, exceeding threshold of 85%",
		CreatedAt: t0,
	}
	require.NoError(t, st.InsertAlert(a))
	return &fixture{store: st, alert: a}
}

func fastConfig() Config {
	return Config{
		Workers:     2,
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		SendTimeout: time.Second,
	}
}

func (f *fixture) dispatcher(cfg Config, senders ...Sender) *Dispatcher {
	d := NewDispatcher(f.store, NewRegistry(senders...), NewRoleResolver(f.store), clock.NewManual(t0), cfg, logging.Discard())
	d.Start()
	return d
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
}

func statuses(records []models.DeliveryRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Status
	}
	return out
}

func TestBackoffNonDecreasingAndCapped(t *testing.T) {
	base, max := 5*time.Second, 60*time.Second
	assert.Equal(t, 5*time.Second, Backoff(1, base, max))
	assert.Equal(t, 10*time.Second, Backoff(2, base, max))
	assert.Equal(t, 20*time.Second, Backoff(3, base, max))
	assert.Equal(t, max, Backoff(10, base, max))
	assert.Equal(t, max, Backoff(1000, base, max))
	assert.Equal(t, base, Backoff(0, base, max))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 64; attempt++ {
		d := Backoff(attempt, base, max)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, max, "attempt %d", attempt)
		prev = d
	}
}

func TestQueuePopsByPriorityThenArrival(t *testing.T) {
	q := newJobQueue()
	q.Push(models.NotificationJob{ID: "low", Priority: models.PriorityLow})
	q.Push(models.NotificationJob{ID: "normal-1", Priority: models.PriorityNormal})
	q.Push(models.NotificationJob{ID: "critical", Priority: models.PriorityCritical})
	q.Push(models.NotificationJob{ID: "normal-2", Priority: models.PriorityNormal})

	var order []string
	for i := 0; i < 4; i++ {
		job, ok := q.Pop(context.Background())
		require.True(t, ok)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"critical", "normal-1", "normal-2", "low"}, order)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := q.Pop(ctx)
	assert.False(t, ok)

	q.Close()
	assert.False(t, q.Push(models.NotificationJob{ID: "late"}))
}

// retryRecorder keeps the backoff scheduled before each retry.
type retryRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *retryRecorder) NotificationSent(string, string, time.Duration) {}
func (r *retryRecorder) JobFailed(string)                               {}
func (r *retryRecorder) SetQueueDepth(int)                              {}

func (r *retryRecorder) NotificationRetried(delay time.Duration) {
	r.mu.Lock()
	r.delays = append(r.delays, delay)
	r.mu.Unlock()
}

func (r *retryRecorder) scheduled() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func TestFlakySenderRetriesUntilDelivered(t *testing.T) {
	f := newFixture(t)
	push := &scriptedSender{channel: models.ChannelPush, script: failTimes(2, errors.New("gateway timeout"))}
	retries := &retryRecorder{}
	d := NewDispatcher(f.store, NewRegistry(push), NewRoleResolver(f.store), clock.NewManual(t0), fastConfig(), logging.Discard())
	d.SetMetrics(retries)
	d.Start()

	require.NoError(t, d.Enqueue(models.NotificationJob{AlertID: f.alert.ID, Kind: models.JobAlertCreated, UserID: "admin", Channels: []models.Channel{models.ChannelPush}}))
	drain(t, d)

	records, err := f.store.ListDeliveries(f.alert.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{models.DeliveryFailed, models.DeliveryFailed, models.DeliveryDelivered}, statuses(records))
	for i, r := range records {
		assert.Equal(t, i+1, r.Attempt)
		assert.Equal(t, "admin", r.UserID)
	}
	assert.Contains(t, records[0].Error, "gateway timeout")
	assert.NotNil(t, records[2].DeliveredAt)

	delays := retries.scheduled()
	require.Len(t, delays, 2)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}, delays)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}

	failed, err := f.store.ListFailedJobs(10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestRetryOnlyRepeatsFailedSends(t *testing.T) {
	f := newFixture(t)
	rt := &scriptedSender{channel: models.ChannelRealtime}
	push := &scriptedSender{channel: models.ChannelPush, script: failTimes(1, errors.New("unavailable"))}
	d := f.dispatcher(fastConfig(), rt, push)

	require.NoError(t, d.Enqueue(models.NotificationJob{
		AlertID: f.alert.ID, Kind: models.JobAlertCreated, UserID: "admin",
		Channels: []models.Channel{models.ChannelRealtime, models.ChannelPush},
	}))
	drain(t, d)

	assert.Equal(t, 1, rt.callCount())
	assert.Equal(t, 2, push.callCount())
}

func TestExhaustedJobIsRecorded(t *testing.T) {
	f := newFixture(t)
	push := &scriptedSender{channel: models.ChannelPush, script: []error{errors.New("down")}}
	d := f.dispatcher(fastConfig(), push)

	var hooked []models.FailedJob
	var mu sync.Mutex
	d.OnFailure(func(fj models.FailedJob) {
		mu.Lock()
		hooked = append(hooked, fj)
		mu.Unlock()
	})

	require.NoError(t, d.Enqueue(models.NotificationJob{AlertID: f.alert.ID, Kind: models.JobAlertCreated, UserID: "admin", Channels: []models.Channel{models.ChannelPush}}))
	drain(t, d)

	records, err := f.store.ListDeliveries(f.alert.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{models.DeliveryFailed, models.DeliveryFailed, models.DeliveryFailed}, statuses(records))

	failed, err := f.store.ListFailedJobs(10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonExhausted, failed[0].Reason)
	assert.Equal(t, 3, failed[0].Job.Attempt)
	assert.Contains(t, failed[0].Error, "down")

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, hooked, 1)
}

func TestPermanentErrorSkipsRetry(t *testing.T) {
	f := newFixture(t)
	push := &scriptedSender{channel: models.ChannelPush, script: []error{apperr.MarkPermanent(errors.New("bad token"))}}
	d := f.dispatcher(fastConfig(), push)

	require.NoError(t, d.Enqueue(models.NotificationJob{AlertID: f.alert.ID, Kind: models.JobAlertCreated, UserID: "admin", Channels: []models.Channel{models.ChannelPush}}))
	drain(t, d)

	assert.Equal(t, 1, push.callCount())
	failed, err := f.store.ListFailedJobs(10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonPermanent, failed[0].Reason)
}

func TestMissingAlertFailsPermanently(t *testing.T) {
	f := newFixture(t)
	push := &scriptedSender{channel: models.ChannelPush}
	d := f.dispatcher(fastConfig(), push)

	require.NoError(t, d.Enqueue(models.NotificationJob{AlertID: 999, Kind: models.JobAlertCreated, Channels: []models.Channel{models.ChannelPush}}))
	drain(t, d)

	assert.Zero(t, push.callCount())
	failed, err := f.store.ListFailedJobs(10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonPermanent, failed[0].Reason)
	assert.Contains(t, failed[0].Error, "not found")
}

func TestRecipientWithoutAddressIsSkipped(t *testing.T) {
	f := newFixture(t)
	pushover := NewPushoverSender("app")
	pushover.APIURL = "http://127.0.0.1:1/unused"
	d := f.dispatcher(fastConfig(), pushover)

	require.NoError(t, d.Enqueue(models.NotificationJob{AlertID: f.alert.ID, Kind: models.JobAlertCreated, UserID: "ops", Channels: []models.Channel{models.ChannelPush}}))
	drain(t, d)

	records, err := f.store.ListDeliveries(f.alert.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
	failed, err := f.store.ListFailedJobs(10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestPanickingSenderCountsAsFailedAttempt(t *testing.T) {
	f := newFixture(t)
	push := &scriptedSender{channel: models.ChannelPush, panics: 1}
	d := f.dispatcher(fastConfig(), push)

	require.NoError(t, d.Enqueue(models.NotificationJob{AlertID: f.alert.ID, Kind: models.JobAlertCreated, UserID: "admin", Channels: []models.Channel{models.ChannelPush}}))
	drain(t, d)

	assert.Equal(t, 2, push.callCount())
	records, err := f.store.ListDeliveries(f.alert.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{models.DeliveryDelivered}, statuses(records))
}

func TestOnAlertEventExpandsChannelsAndRecipients(t *testing.T) {
	f := newFixture(t)
	rt := &scriptedSender{channel: models.ChannelRealtime}
	push := &scriptedSender{channel: models.ChannelPush}
	email := &scriptedSender{channel: models.ChannelEmail}
	d := f.dispatcher(fastConfig(), rt, push, email)

	ctx := context.Background()
	d.OnAlertEvent(ctx, alerts.Event{Kind: alerts.EventCreated, Alert: *f.alert})
	closed := *f.alert
	closed.Status = models.StatusClosed
	d.OnAlertEvent(ctx, alerts.Event{Kind: alerts.EventClosed, Alert: closed, UserID: "admin"})
	drain(t, d)

	// HIGH goes to admins only; the inactive admin is skipped.
	assert.Equal(t, 2, rt.callCount())
	assert.Equal(t, 1, push.callCount())
	assert.Equal(t, 1, email.callCount())

	records, err := f.store.ListDeliveries(f.alert.ID)
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

func TestEnqueueAfterShutdownIsRejected(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(fastConfig())
	drain(t, d)

	err := d.Enqueue(models.NotificationJob{AlertID: f.alert.ID})
	assert.ErrorIs(t, err, ErrClosed)

	d.OnAlertEvent(context.Background(), alerts.Event{Kind: alerts.EventCreated, Alert: *f.alert})
	failed, err := f.store.ListFailedJobs(10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonRejected, failed[0].Reason)
}

func TestShutdownPersistsScheduledRetries(t *testing.T) {
	f := newFixture(t)
	push := &scriptedSender{channel: models.ChannelPush, script: []error{errors.New("down")}}
	cfg := fastConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	d := f.dispatcher(cfg, push)

	require.NoError(t, d.Enqueue(models.NotificationJob{AlertID: f.alert.ID, Kind: models.JobAlertCreated, UserID: "admin", Channels: []models.Channel{models.ChannelPush}}))
	require.Eventually(t, func() bool { return d.ScheduledRetries() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, d.ScheduledRetries())

	failed, err := f.store.ListFailedJobs(10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonShutdown, failed[0].Reason)
	assert.Equal(t, 2, failed[0].Job.Attempt)
	assert.Equal(t, []models.DeliveryTarget{{Channel: models.ChannelPush, UserID: "admin"}}, failed[0].Job.Pending)
}

// stuckSender ignores cancellation until release is closed.
type stuckSender struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stuckSender) Channel() models.Channel { return models.ChannelEmail }

func (s *stuckSender) Send(context.Context, models.User, Notice) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return nil
}

func TestShutdownDoesNotWaitOnStuckSend(t *testing.T) {
	f := newFixture(t)
	email := &stuckSender{started: make(chan struct{}), release: make(chan struct{})}
	defer close(email.release)
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.AbortGrace = 50 * time.Millisecond
	d := f.dispatcher(cfg, email)

	require.NoError(t, d.Enqueue(models.NotificationJob{AlertID: f.alert.ID, Kind: models.JobAlertCreated, UserID: "admin", Channels: []models.Channel{models.ChannelEmail}}))
	<-email.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := d.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	failed, err := f.store.ListFailedJobs(10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonShutdown, failed[0].Reason)
}

func TestRoleResolverBySeverity(t *testing.T) {
	f := newFixture(t)
	r := NewRoleResolver(f.store)

	users, err := r.Recipients(context.Background(), models.Alert{Severity: models.SeverityCritical})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"admin", "ops"}, userIDs(users))

	users, err = r.Recipients(context.Background(), models.Alert{Severity: models.SeverityHigh})
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, userIDs(users))

	r.SetRoles(models.SeverityHigh, []string{models.RoleOperator})
	users, err = r.Recipients(context.Background(), models.Alert{Severity: models.SeverityHigh})
	require.NoError(t, err)
	assert.Equal(t, []string{"ops"}, userIDs(users))
}

func userIDs(users []models.User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.ID
	}
	return out
}

type updateRecorder struct {
	alertID int64
	update  any
	users   []string
}

func (u *updateRecorder) Broadcast(context.Context, models.Alert) {}
func (u *updateRecorder) SendMetricUpdate(context.Context, string, models.MetricSample) {}
func (u *updateRecorder) SendUpdate(_ context.Context, alertID int64, update any, userIDs []string) {
	u.alertID, u.update, u.users = alertID, update, userIDs
}

func TestRealtimeSenderTargetsRecipient(t *testing.T) {
	rec := &updateRecorder{}
	s := NewRealtimeSender(rec)
	by := "admin"
	a := models.Alert{ID: 3, Status: models.StatusAcknowledged, AcknowledgedBy: &by}

	require.NoError(t, s.Send(context.Background(), models.User{ID: "u1"}, Notice{Kind: models.JobAlertUpdated, Alert: a}))
	assert.Equal(t, int64(3), rec.alertID)
	assert.Equal(t, []string{"u1"}, rec.users)
	assert.Equal(t, models.UpdateOf(a), rec.update)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &scriptedSender{channel: models.ChannelEmail, script: []error{errors.New("smtp down")}}
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 2
	s := WithBreaker(inner, cfg, logging.Discard())
	assert.Equal(t, models.ChannelEmail, s.Channel())

	ctx := context.Background()
	to := models.User{ID: "u1", Email: "u1@example.com"}
	assert.Error(t, s.Send(ctx, to, Notice{}))
	assert.Error(t, s.Send(ctx, to, Notice{}))
	err := s.Send(ctx, to, Notice{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, inner.callCount())
}

func TestBreakerIgnoresMissingAddress(t *testing.T) {
	inner := &scriptedSender{channel: models.ChannelSMS, script: []error{ErrNoAddress}}
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	s := WithBreaker(inner, cfg, logging.Discard())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, s.Send(context.Background(), models.User{ID: "u1"}, Notice{}), ErrNoAddress)
	}
	assert.Equal(t, 3, inner.callCount())
}

func TestPushoverSenderPostsForm(t *testing.T) {
	var (
		mu  sync.Mutex
		got url.Values
	)
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		mu.Lock()
		got = r.PostForm
		mu.Unlock()
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewPushoverSender("app-token")
	p.APIURL = srv.URL
	a := models.Alert{ID: 1, Severity: models.SeverityCritical, Title: "High CPU Usage on web-1", Message: "CPU usage is at 99.0%", CreatedAt: t0}
	to := models.User{ID: "u1", PushKey: "user-key"}

	require.NoError(t, p.Send(context.Background(), to, Notice{Kind: models.JobAlertCreated, Alert: a}))
	mu.Lock()
	form := got
	mu.Unlock()
	assert.Equal(t, "app-token", form.Get("token"))
	assert.Equal(t, "user-key", form.Get("user"))
	assert.Equal(t, "1", form.Get("priority"))
	assert.Equal(t, "[Sentinel CRITICAL] High CPU Usage on web-1", form.Get("title"))

	status.Store(http.StatusBadRequest)
	err := p.Send(context.Background(), to, Notice{Kind: models.JobAlertCreated, Alert: a})
	assert.True(t, apperr.IsPermanent(err))

	status.Store(http.StatusServiceUnavailable)
	err = p.Send(context.Background(), to, Notice{Kind: models.JobAlertCreated, Alert: a})
	require.Error(t, err)
	assert.False(t, apperr.IsPermanent(err))

	assert.ErrorIs(t, p.Send(context.Background(), models.User{ID: "u2"}, Notice{Alert: a}), ErrNoAddress)
}

func TestTwilioSenderUsesBasicAuth(t *testing.T) {
	var (
		mu             sync.Mutex
		user, pass, to string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		mu.Lock()
		user, pass, _ = r.BasicAuth()
		to = r.PostForm.Get("To")
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewTwilioSender("AC123", "secret", "+15550000")
	s.BaseURL = srv.URL
	require.NoError(t, s.Validate())
	require.NoError(t, s.Send(context.Background(), models.User{ID: "u1", Phone: "+15551234"}, Notice{Kind: models.JobAlertCreated, Alert: models.Alert{ID: 1}}))
	mu.Lock()
	assert.Equal(t, "AC123", user)
	assert.Equal(t, "secret", pass)
	assert.Equal(t, "+15551234", to)
	mu.Unlock()

	assert.ErrorIs(t, s.Send(context.Background(), models.User{ID: "u2"}, Notice{}), ErrNoAddress)
}
