package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/serversentinel/sentinel/internal/alerts"
	"github.com/serversentinel/sentinel/internal/apperr"
	"github.com/serversentinel/sentinel/internal/clock"
	"github.com/serversentinel/sentinel/internal/models"
)

// Failure reasons recorded on FailedJob.
const (
	ReasonExhausted = "exhausted"
	ReasonPermanent = "permanent"
	ReasonShutdown  = "shutdown"
	ReasonRejected  = "rejected"
)

// ErrClosed is returned by Enqueue once Shutdown has started.
var ErrClosed = errors.New("notification dispatcher is shut down")

// JobStore is the persistence the dispatcher needs.
type JobStore interface {
	GetAlert(id int64) (*models.Alert, error)
	GetUser(id string) (*models.User, error)
	InsertDelivery(d *models.DeliveryRecord) error
	InsertFailedJob(f *models.FailedJob) error
}

type Metrics interface {
	NotificationSent(channel, status string, took time.Duration)
	NotificationRetried(delay time.Duration)
	JobFailed(reason string)
	SetQueueDepth(n int)
}

type Config struct {
	Workers         int
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	SendTimeout     time.Duration
	AbortGrace      time.Duration // wait for in-flight sends once a shutdown deadline has passed
	CreatedChannels []models.Channel
	UpdatedChannels []models.Channel
}

func DefaultConfig() Config {
	return Config{
		Workers:         5,
		MaxAttempts:     3,
		BaseDelay:       5 * time.Second,
		MaxDelay:        60 * time.Second,
		SendTimeout:     30 * time.Second,
		AbortGrace:      2 * time.Second,
		CreatedChannels: []models.Channel{models.ChannelRealtime, models.ChannelPush, models.ChannelEmail},
		UpdatedChannels: []models.Channel{models.ChannelRealtime},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.AbortGrace <= 0 {
		c.AbortGrace = def.AbortGrace
	}
	if c.CreatedChannels == nil {
		c.CreatedChannels = def.CreatedChannels
	}
	if c.UpdatedChannels == nil {
		c.UpdatedChannels = def.UpdatedChannels
	}
	return c
}

// Backoff is the delay before the retry that follows the given attempt:
// base·2^(attempt-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

type scheduledRetry struct {
	job   models.NotificationJob
	timer *time.Timer
}

// Dispatcher runs notification jobs on a bounded worker pool. Failed jobs
// are retried from timers so a backoff never holds a worker.
type Dispatcher struct {
	cfg       Config
	store     JobStore
	senders   Registry
	resolver  RecipientResolver
	clock     clock.Clock
	metrics   Metrics
	onFailure func(models.FailedJob)
	logger    *slog.Logger

	queue   *jobQueue
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	// jobs counts every accepted job until it is delivered or recorded as failed.
	jobs sync.WaitGroup

	mu       sync.Mutex
	started  bool
	closing  bool
	aborted  bool
	retries  map[string]*scheduledRetry
	inflight map[string]models.NotificationJob
}

func NewDispatcher(st JobStore, senders Registry, resolver RecipientResolver, clk clock.Clock, cfg Config, logger *slog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		store:    st,
		senders:  senders,
		resolver: resolver,
		clock:    clk,
		logger:   logger,
		queue:    newJobQueue(),
		ctx:      ctx,
		cancel:   cancel,
		retries:  make(map[string]*scheduledRetry),
		inflight: make(map[string]models.NotificationJob),
	}
}

func (d *Dispatcher) SetMetrics(m Metrics) {
	d.metrics = m
}

// OnFailure registers a hook called for every job recorded as failed.
func (d *Dispatcher) OnFailure(fn func(models.FailedJob)) {
	d.onFailure = fn
}

// Start launches the workers. It is a no-op after the first call.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.workers.Add(1)
		go d.worker(i)
	}
	d.logger.Info("notification dispatcher started", "workers", d.cfg.Workers, "max_attempts", d.cfg.MaxAttempts)
}

func (d *Dispatcher) worker(n int) {
	defer d.workers.Done()
	for {
		job, ok := d.queue.Pop(d.ctx)
		if !ok {
			d.logger.Debug("notification worker stopped", "worker", n)
			return
		}
		d.reportDepth()
		d.run(job)
	}
}

// OnAlertEvent turns an alert lifecycle event into a notification job.
func (d *Dispatcher) OnAlertEvent(_ context.Context, ev alerts.Event) {
	kind, channels := models.JobAlertCreated, d.cfg.CreatedChannels
	if ev.Kind != alerts.EventCreated {
		kind, channels = models.JobAlertUpdated, d.cfg.UpdatedChannels
	}
	if len(channels) == 0 {
		return
	}
	job := models.NotificationJob{
		ID:         uuid.NewString(),
		AlertID:    ev.Alert.ID,
		Kind:       kind,
		Channels:   channels,
		Priority:   models.PriorityFor(ev.Alert.Severity),
		Attempt:    1,
		EnqueuedAt: d.clock.Now(),
	}
	if err := d.Enqueue(job); err != nil {
		d.record(job, ReasonRejected, err)
	}
}

// Enqueue accepts job for delivery without blocking.
func (d *Dispatcher) Enqueue(job models.NotificationJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = d.clock.Now()
	}

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return ErrClosed
	}
	d.jobs.Add(1)
	d.mu.Unlock()

	if !d.queue.Push(job) {
		d.fail(job, ReasonShutdown, ErrClosed)
		return nil
	}
	d.logger.Debug("notification job queued", "job_id", job.ID, "alert_id", job.AlertID, "kind", job.Kind, "priority", job.Priority)
	d.reportDepth()
	return nil
}

// QueueDepth is the number of jobs waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return d.queue.Len()
}

// ScheduledRetries is the number of jobs waiting on a backoff timer.
func (d *Dispatcher) ScheduledRetries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.retries)
}

type attemptResult struct {
	err       error
	retryable bool
	// retry narrows the next attempt; nil repeats every send.
	retry []models.DeliveryTarget
}

func (d *Dispatcher) run(job models.NotificationJob) {
	d.mu.Lock()
	d.inflight[job.ID] = job
	d.mu.Unlock()

	res := d.attempt(job)

	d.mu.Lock()
	_, owned := d.inflight[job.ID]
	delete(d.inflight, job.ID)
	d.mu.Unlock()
	if !owned {
		// Shutdown already recorded this job as failed.
		d.logger.Warn("notification attempt finished after shutdown gave up on it", "job_id", job.ID, "alert_id", job.AlertID, "err", res.err)
		return
	}

	if res.err == nil {
		d.logger.Debug("notification job completed", "job_id", job.ID, "alert_id", job.AlertID, "attempt", job.Attempt)
		d.jobs.Done()
		return
	}

	switch {
	case d.isAborted():
		d.fail(job, ReasonShutdown, res.err)
	case !res.retryable:
		d.fail(job, ReasonPermanent, res.err)
	case job.Attempt >= d.cfg.MaxAttempts:
		d.fail(job, ReasonExhausted, res.err)
	default:
		d.scheduleRetry(job, res)
	}
}

func (d *Dispatcher) attempt(job models.NotificationJob) (res attemptResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification job panicked", "job_id", job.ID, "alert_id", job.AlertID, "panic", r, "stack", string(debug.Stack()))
			res = attemptResult{err: fmt.Errorf("job panicked: %v", r), retryable: true, retry: job.Pending}
		}
	}()

	alert, err := d.store.GetAlert(job.AlertID)
	if err != nil {
		return attemptResult{err: fmt.Errorf("load alert %d: %w", job.AlertID, err), retryable: true, retry: job.Pending}
	}
	if alert == nil {
		return attemptResult{err: apperr.MarkPermanent(apperr.ErrAlertNotFound)}
	}

	targets, users, err := d.targets(job, *alert)
	if err != nil {
		return attemptResult{err: err, retryable: !apperr.IsPermanent(err), retry: job.Pending}
	}

	notice := Notice{Kind: job.Kind, Alert: *alert}
	var errs []error
	for _, t := range targets {
		sender, ok := d.senders.Lookup(t.Channel)
		if !ok {
			errs = append(errs, apperr.MarkPermanent(fmt.Errorf("no sender for channel %s", t.Channel)))
			continue
		}
		if err := d.send(job, sender, users[t.UserID], notice); err != nil {
			errs = append(errs, err)
			if !apperr.IsPermanent(err) {
				res.retry = append(res.retry, t)
			}
		}
	}
	res.err = errors.Join(errs...)
	res.retryable = len(res.retry) > 0
	return res
}

// targets expands the job into (channel, recipient) pairs.
func (d *Dispatcher) targets(job models.NotificationJob, alert models.Alert) ([]models.DeliveryTarget, map[string]models.User, error) {
	users := make(map[string]models.User)

	if len(job.Pending) > 0 {
		targets := make([]models.DeliveryTarget, 0, len(job.Pending))
		for _, t := range job.Pending {
			if _, ok := users[t.UserID]; !ok {
				u, err := d.store.GetUser(t.UserID)
				if err != nil {
					return nil, nil, fmt.Errorf("load recipient %s: %w", t.UserID, err)
				}
				if u == nil || !u.IsActive {
					d.logger.Info("dropping retry for missing or inactive recipient", "job_id", job.ID, "user_id", t.UserID)
					continue
				}
				users[u.ID] = *u
			}
			targets = append(targets, t)
		}
		return targets, users, nil
	}

	var recipients []models.User
	if job.UserID != "" {
		u, err := d.store.GetUser(job.UserID)
		if err != nil {
			return nil, nil, fmt.Errorf("load recipient %s: %w", job.UserID, err)
		}
		if u == nil || !u.IsActive {
			return nil, nil, apperr.MarkPermanent(fmt.Errorf("recipient %s: %w", job.UserID, apperr.ErrNotFound))
		}
		recipients = []models.User{*u}
	} else {
		var err error
		recipients, err = d.resolver.Recipients(d.ctx, alert)
		if err != nil {
			return nil, nil, err
		}
	}

	if len(recipients) == 0 {
		d.logger.Warn("no recipients for notification", "job_id", job.ID, "alert_id", job.AlertID, "severity", alert.Severity)
	}
	targets := make([]models.DeliveryTarget, 0, len(recipients)*len(job.Channels))
	for _, ch := range job.Channels {
		for _, u := range recipients {
			users[u.ID] = u
			targets = append(targets, models.DeliveryTarget{Channel: ch, UserID: u.ID})
		}
	}
	return targets, users, nil
}

// send makes one delivery and records its outcome.
func (d *Dispatcher) send(job models.NotificationJob, sender Sender, to models.User, n Notice) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.SendTimeout)
	defer cancel()

	ch := sender.Channel()
	rec := &models.DeliveryRecord{
		JobID:   job.ID,
		AlertID: job.AlertID,
		UserID:  to.ID,
		Channel: ch,
		Attempt: job.Attempt,
		SentAt:  d.clock.Now(),
	}
	start := time.Now()
	err := sender.Send(ctx, to, n)
	took := time.Since(start)

	if errors.Is(err, ErrNoAddress) {
		d.logger.Debug("recipient has no address, skipping", "channel", ch, "user_id", to.ID, "alert_id", job.AlertID)
		return nil
	}

	if err != nil {
		rec.Status = models.DeliveryFailed
		rec.Error = err.Error()
		err = &apperr.DeliveryError{Channel: string(ch), UserID: to.ID, Err: err}
		d.logger.Warn("notification delivery failed", "channel", ch, "user_id", to.ID, "alert_id", job.AlertID, "attempt", job.Attempt, "err", err)
	} else {
		rec.Status = models.DeliveryDelivered
		now := d.clock.Now()
		rec.DeliveredAt = &now
	}

	if serr := d.store.InsertDelivery(rec); serr != nil {
		d.logger.Error("failed to record delivery", "job_id", job.ID, "channel", ch, "user_id", to.ID, "err", serr)
	}
	if d.metrics != nil {
		d.metrics.NotificationSent(string(ch), rec.Status, took)
	}
	return err
}

func (d *Dispatcher) scheduleRetry(job models.NotificationJob, res attemptResult) {
	next := job
	next.Attempt++
	next.Pending = res.retry
	delay := Backoff(job.Attempt, d.cfg.BaseDelay, d.cfg.MaxDelay)

	d.mu.Lock()
	if d.aborted {
		d.mu.Unlock()
		d.fail(next, ReasonShutdown, res.err)
		return
	}
	sr := &scheduledRetry{job: next}
	sr.timer = time.AfterFunc(delay, func() { d.fireRetry(next.ID) })
	d.retries[next.ID] = sr
	d.mu.Unlock()

	d.logger.Warn("notification job failed, retrying",
		"job_id", job.ID, "alert_id", job.AlertID, "attempt", job.Attempt, "retry_in", delay, "err", res.err)
	if d.metrics != nil {
		d.metrics.NotificationRetried(delay)
	}
}

func (d *Dispatcher) fireRetry(id string) {
	d.mu.Lock()
	sr, ok := d.retries[id]
	delete(d.retries, id)
	d.mu.Unlock()
	if !ok {
		return
	}
	if !d.queue.Push(sr.job) {
		d.fail(sr.job, ReasonShutdown, ErrClosed)
		return
	}
	d.reportDepth()
}

// fail records job as failed and releases it.
func (d *Dispatcher) fail(job models.NotificationJob, reason string, cause error) {
	defer d.jobs.Done()
	d.record(job, reason, cause)
}

func (d *Dispatcher) record(job models.NotificationJob, reason string, cause error) {
	f := &models.FailedJob{Job: job, Reason: reason, FailedAt: d.clock.Now()}
	if cause != nil {
		f.Error = cause.Error()
	}
	if err := d.store.InsertFailedJob(f); err != nil {
		d.logger.Error("failed to persist failed job", "job_id", job.ID, "err", err)
	}
	d.logger.Error("notification job failed",
		"job_id", job.ID, "alert_id", job.AlertID, "kind", job.Kind, "reason", reason, "attempts", job.Attempt, "err", cause)
	if d.metrics != nil {
		d.metrics.JobFailed(reason)
	}
	if d.onFailure != nil {
		d.onFailure(*f)
	}
}

func (d *Dispatcher) isAborted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborted
}

func (d *Dispatcher) reportDepth() {
	if d.metrics != nil {
		d.metrics.SetQueueDepth(d.queue.Len())
	}
}

// Shutdown stops accepting jobs and waits for queued, running and scheduled
// work to finish. When ctx ends first, in-flight sends are cancelled and every
// unfinished job is recorded as failed with reason "shutdown".
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	started := d.started
	d.mu.Unlock()

	if !started {
		d.Start()
	}

	drained := make(chan struct{})
	go func() {
		d.jobs.Wait()
		close(drained)
	}()

	var (
		err       error
		abandoned bool
	)
	select {
	case <-drained:
		d.logger.Info("notification dispatcher drained")
	case <-ctx.Done():
		err = ctx.Err()
		d.abort(err)
		select {
		case <-drained:
		case <-time.After(d.cfg.AbortGrace):
			d.abandonInflight(err)
			abandoned = true
			<-drained
		}
		d.logger.Warn("notification dispatcher stopped before draining", "err", err)
	}

	d.queue.Close()
	d.cancel()
	if abandoned {
		// stuck workers exit on their own once their send returns
		return err
	}
	d.workers.Wait()
	return err
}

func (d *Dispatcher) abort(cause error) {
	d.mu.Lock()
	d.aborted = true
	retries := d.retries
	d.retries = make(map[string]*scheduledRetry)
	d.mu.Unlock()

	d.queue.Close()
	d.cancel()

	for _, sr := range retries {
		sr.timer.Stop()
		d.fail(sr.job, ReasonShutdown, cause)
	}
	for _, job := range d.queue.Drain() {
		d.fail(job, ReasonShutdown, cause)
	}
}

// abandonInflight records sends that ignored cancellation as failed so
// Shutdown can return; their late results are discarded.
func (d *Dispatcher) abandonInflight(cause error) {
	d.mu.Lock()
	jobs := make([]models.NotificationJob, 0, len(d.inflight))
	for _, job := range d.inflight {
		jobs = append(jobs, job)
	}
	d.inflight = make(map[string]models.NotificationJob)
	d.mu.Unlock()

	for _, job := range jobs {
		d.fail(job, ReasonShutdown, cause)
	}
}
