// Package app assembles the alert pipeline from a server config and owns
// its startup and shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/serversentinel/sentinel/internal/alerting"
	"github.com/serversentinel/sentinel/internal/alerts"
	"github.com/serversentinel/sentinel/internal/bus"
	"github.com/serversentinel/sentinel/internal/clock"
	"github.com/serversentinel/sentinel/internal/intake"
	"github.com/serversentinel/sentinel/internal/models"
	"github.com/serversentinel/sentinel/internal/notify"
	"github.com/serversentinel/sentinel/internal/realtime"
	"github.com/serversentinel/sentinel/internal/server"
	"github.com/serversentinel/sentinel/internal/store"
	"github.com/serversentinel/sentinel/internal/telemetry"
)

// ShutdownGrace is added to the drain timeout to bound a full shutdown.
const ShutdownGrace = 10 * time.Second

// Options override parts of the pipeline, mostly for tests.
type Options struct {
	Clock clock.Clock
	// Store replaces the configured store. The app does not close it.
	Store store.Store
	// Senders replace the configured sender for their channel.
	Senders []notify.Sender
}

type App struct {
	cfg       *server.Config
	clock     clock.Clock
	store     store.Store
	ownsStore bool
	bus       bus.Bus
	hub       *realtime.Hub
	relay     *realtime.Relay
	ws        *realtime.WSHandler
	telemetry *telemetry.Metrics

	alerts     *alerts.Service
	evaluator  *alerting.Evaluator
	intake     *intake.Gate
	dispatcher *notify.Dispatcher
	retention  *alerting.Retention
	server     *server.Server

	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every component. Nothing runs until Start.
func New(cfg *server.Config, opts Options, logger *slog.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, clock: opts.Clock, logger: logger}
	if a.clock == nil {
		a.clock = clock.Real{}
	}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	if opts.Store != nil {
		a.store = opts.Store
	} else {
		if cfg.StoreDriver != "memory" {
			if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		if a.store, err = store.Open(cfg.StoreDriver, cfg.DatabasePath); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.ownsStore = true
		logger.Info("store ready", "driver", cfg.StoreDriver, "path", cfg.DatabasePath)
	}

	if err := a.seed(); err != nil {
		return nil, err
	}

	if a.bus, err = bus.Open(cfg.Bus, logger); err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}
	a.telemetry = telemetry.New()

	a.hub = realtime.NewHub(a.clock, logger)
	a.hub.SetMetrics(a.telemetry)
	if a.relay, err = realtime.NewRelay(a.bus, bus.Topic(cfg.Bus.Prefix, cfg.Realtime.Topic), a.hub, logger, cfg.RelayOptions()...); err != nil {
		return nil, err
	}

	a.alerts = alerts.NewService(a.store, a.clock, logger)
	a.alerts.SetMetrics(a.telemetry)

	a.evaluator = alerting.NewEvaluator(a.store, a.alerts, a.clock, cfg.EvaluatorConfig(), logger)
	a.evaluator.SetMetrics(a.telemetry)

	a.intake = intake.NewGate(a.store, a.evaluator, a.relay, a.clock, cfg.IntakeConfig(), logger)
	a.intake.SetMetrics(a.telemetry)

	senders, err := a.buildSenders(opts.Senders)
	if err != nil {
		return nil, err
	}
	resolver := notify.NewRoleResolver(a.store)
	for sev, roles := range cfg.Notify.Roles {
		resolver.SetRoles(sev, roles)
	}
	a.dispatcher = notify.NewDispatcher(a.store, senders, resolver, a.clock, cfg.DispatcherConfig(), logger)
	a.dispatcher.SetMetrics(a.telemetry)

	a.alerts.AddListener(announcer{b: a.relay})
	a.alerts.AddListener(a.dispatcher)

	a.retention = alerting.NewRetention(a.store, a.clock, cfg.RetentionInterval(), logger)

	auth := server.NewUserAuth(a.store)
	a.ws = realtime.NewWSHandler(a.hub, auth, cfg.WSConfig(), a.clock, logger)
	a.server = server.New(cfg, server.Deps{
		Store:    a.store,
		Alerts:   a.alerts,
		Intake:   a.intake,
		Auth:     auth,
		Realtime: a.ws,
		Metrics:  a.telemetry.Handler(),
		Health:   a.health,
	}, logger)

	return a, nil
}

// seed upserts the configured clients and users.
func (a *App) seed() error {
	for _, c := range a.cfg.SeedClients() {
		existing, err := a.store.GetClient(c.ID)
		if err != nil {
			return fmt.Errorf("seed client %s: %w", c.ID, err)
		}
		if existing != nil {
			c.CreatedAt = existing.CreatedAt
			c.LastSeenAt = existing.LastSeenAt
		} else {
			c.CreatedAt = a.clock.Now()
		}
		if err := a.store.UpsertClient(&c); err != nil {
			return fmt.Errorf("seed client %s: %w", c.ID, err)
		}
	}
	for _, u := range a.cfg.SeedUsers() {
		if err := a.store.UpsertUser(&u); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	return nil
}

func (a *App) buildSenders(overrides []notify.Sender) (notify.Registry, error) {
	reg := notify.NewRegistry(notify.NewRealtimeSender(a.relay))
	n := a.cfg.Notify
	breaker := a.cfg.BreakerConfig()

	if n.Pushover != nil {
		p := notify.NewPushoverSender(n.Pushover.AppToken)
		if n.Pushover.APIURL != "" {
			p.APIURL = n.Pushover.APIURL
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("pushover: %w", err)
		}
		reg.Register(notify.WithBreaker(p, breaker, a.logger))
	}
	if n.SMTP != nil {
		s := &notify.SMTPSender{
			Host:     n.SMTP.Host,
			Port:     n.SMTP.Port,
			Username: n.SMTP.Username,
			Password: n.SMTP.Password,
			From:     n.SMTP.From,
			UseTLS:   n.SMTP.UseTLS,
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("smtp: %w", err)
		}
		reg.Register(notify.WithBreaker(s, breaker, a.logger))
	}
	if n.Twilio != nil {
		t := notify.NewTwilioSender(n.Twilio.AccountSID, n.Twilio.AuthToken, n.Twilio.FromNumber)
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("twilio: %w", err)
		}
		reg.Register(notify.WithBreaker(t, breaker, a.logger))
	}
	for _, s := range overrides {
		reg.Register(s)
	}

	dc := a.cfg.DispatcherConfig()
	for _, ch := range append(append([]models.Channel{}, dc.CreatedChannels...), dc.UpdatedChannels...) {
		if _, ok := reg.Lookup(ch); !ok {
			a.logger.Warn("no sender configured for channel, sends will fail", "channel", ch)
		}
	}
	return reg, nil
}

func (a *App) health() map[string]any {
	return map[string]any{
		"realtime":         a.hub.Stats(),
		"realtimePending":  a.relay.Pending(),
		"realtimeDropped":  a.relay.Dropped(),
		"queueDepth":       a.dispatcher.QueueDepth(),
		"scheduledRetries": a.dispatcher.ScheduledRetries(),
	}
}

// Start launches the dispatcher workers and the retention loop.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.dispatcher.Start()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.retention.Run(ctx)
	}()
}

// Run starts the pipeline and serves HTTP until ctx is cancelled or the
// listener fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	a.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.ListenAndServeTLS()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			a.logger.Error("server error", "err", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.DrainTimeout()+ShutdownGrace)
	defer cancel()
	return errors.Join(serveErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops HTTP intake, detaches dashboards, drains the dispatcher,
// then releases the bus and store. Jobs still unfinished at the drain deadline are persisted as
// failed.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop http: %w", err))
	}
	a.ws.Close()

	drainCtx, cancel := context.WithTimeout(ctx, a.cfg.DrainTimeout())
	if err := a.dispatcher.Shutdown(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain notifications: %w", err))
	}
	cancel()

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("pipeline stopped")
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay: %w", err))
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
	}
	if a.ownsStore && a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Handler() http.Handler          { return a.server }
func (a *App) Store() store.Store             { return a.store }
func (a *App) Alerts() *alerts.Service        { return a.alerts }
func (a *App) Intake() *intake.Gate           { return a.intake }
func (a *App) Dispatcher() *notify.Dispatcher { return a.dispatcher }
func (a *App) Hub() *realtime.Hub             { return a.hub }
func (a *App) Telemetry() *telemetry.Metrics  { return a.telemetry }

// announcer pushes every new alert to all dashboards.
type announcer struct {
	b realtime.Broadcaster
}

func (an announcer) OnAlertEvent(ctx context.Context, ev alerts.Event) {
	if ev.Kind == alerts.EventCreated {
		an.b.Broadcast(ctx, ev.Alert)
	}
}
