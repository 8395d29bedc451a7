package server

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/serversentinel/sentinel/internal/alerting"
	"github.com/serversentinel/sentinel/internal/bus"
	"github.com/serversentinel/sentinel/internal/intake"
	"github.com/serversentinel/sentinel/internal/logging"
	"github.com/serversentinel/sentinel/internal/models"
	"github.com/serversentinel/sentinel/internal/notify"
	"github.com/serversentinel/sentinel/internal/realtime"
)

type Config struct {
	ListenAddr   string `toml:"listen_addr"`
	StoreDriver  string `toml:"store_driver"` // "sqlite" or "memory"
	DatabasePath string `toml:"database_path"`

	// TLS
	TLSMode      string `toml:"tls_mode"` // "autocert", "selfsigned", "manual", "none"
	Domain       string `toml:"domain"`    // for autocert
	CertFile     string `toml:"cert_file"` // for manual
	KeyFile      string `toml:"key_file"`  // for manual
	CertCacheDir string `toml:"cert_cache_dir"`

	// Auth
	ClientPasswordHash string `toml:"client_password_hash"`

	// Agent ingest rate limit per remote address
	IngestBurst       int `toml:"ingest_burst"`
	IngestRefillMilli int `toml:"ingest_refill_ms"`

	Log      logging.Config `toml:"log"`
	Alerting AlertingConfig `toml:"alerting"`
	Intake   IntakeConfig   `toml:"intake"`
	Notify   NotifyConfig   `toml:"notify"`
	Bus      bus.Config     `toml:"bus"`
	Realtime RealtimeConfig `toml:"realtime"`

	Clients []ClientConfig `toml:"clients"`
	Users   []UserConfig   `toml:"users"`
}

type AlertingConfig struct {
	SuppressionWindowSeconds int      `toml:"suppression_window_seconds"`
	CriticalBand             float64  `toml:"critical_band"`
	Metrics                  []string `toml:"metrics"`
	RetentionIntervalHours   int      `toml:"retention_interval_hours"`
}

type IntakeConfig struct {
	MaxSampleAgeSeconds  int  `toml:"max_sample_age_seconds"`
	MaxFutureSkewSeconds int  `toml:"max_future_skew_seconds"`
	PersistSamples       bool `toml:"persist_samples"`
}

type NotifyConfig struct {
	Workers             int      `toml:"workers"`
	MaxAttempts         int      `toml:"max_attempts"`
	BackoffBaseSeconds  int      `toml:"backoff_base_seconds"`
	BackoffMaxSeconds   int      `toml:"backoff_max_seconds"`
	SendTimeoutSeconds  int      `toml:"send_timeout_seconds"`
	DrainTimeoutSeconds int      `toml:"drain_timeout_seconds"`
	CreatedChannels     []string `toml:"created_channels"`
	UpdatedChannels     []string `toml:"updated_channels"`

	// Roles notified per severity; severities not listed use the defaults.
	Roles map[string][]string `toml:"roles"`

	Breaker  BreakerConfig   `toml:"breaker"`
	Pushover *PushoverConfig `toml:"pushover"`
	SMTP     *SMTPConfig     `toml:"smtp"`
	Twilio   *TwilioConfig   `toml:"twilio"`
}

type BreakerConfig struct {
	FailureThreshold int `toml:"failure_threshold"`
	OpenSeconds      int `toml:"open_seconds"`
}

type PushoverConfig struct {
	AppToken string `toml:"app_token"`
	APIURL   string `toml:"api_url"`
}

type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
	UseTLS   bool   `toml:"use_tls"`
}

type TwilioConfig struct {
	AccountSID string `toml:"account_sid"`
	AuthToken  string `toml:"auth_token"`
	FromNumber string `toml:"from_number"`
}

type RealtimeConfig struct {
	Topic               string   `toml:"topic"`
	SendBuffer          int      `toml:"send_buffer"`
	PingIntervalSeconds int      `toml:"ping_interval_seconds"`
	AllowedOrigins      []string `toml:"allowed_origins"`
	// events waiting for the bus before new ones are dropped
	OutboxSize            int `toml:"outbox_size"`
	PublishTimeoutSeconds int `toml:"publish_timeout_seconds"`
}

// ClientConfig seeds a monitored host. Registration lives outside this
// service, so the config is the source of truth for known clients.
type ClientConfig struct {
	ID         string            `toml:"id"`
	Name       string            `toml:"name"`
	Hostname   string            `toml:"hostname"`
	Disabled   bool              `toml:"disabled"`
	Thresholds models.Thresholds `toml:"thresholds"`
}

type UserConfig struct {
	ID           string `toml:"id"`
	Email        string `toml:"email"`
	Name         string `toml:"name"`
	Role         string `toml:"role"`
	PasswordHash string `toml:"password_hash"`
	PushKey      string `toml:"push_key"`
	Phone        string `toml:"phone"`
	Disabled     bool   `toml:"disabled"`
}

func DefaultServerConfig() *Config {
	return &Config{
		ListenAddr:        ":8080",
		StoreDriver:       "sqlite",
		DatabasePath:      defaultDatabasePath(),
		TLSMode:           "none",
		CertCacheDir:      defaultCertCacheDir(),
		IngestBurst:       30,
		IngestRefillMilli: 2000,
		Log:               logging.DefaultConfig(),
		Alerting: AlertingConfig{
			SuppressionWindowSeconds: int(alerting.DefaultSuppressionWindow / time.Second),
			CriticalBand:             alerting.DefaultCriticalBand,
			Metrics:                  []string{models.MetricCPU, models.MetricMemory, models.MetricDisk},
			RetentionIntervalHours:   24,
		},
		Intake: IntakeConfig{
			MaxSampleAgeSeconds:  600,
			MaxFutureSkewSeconds: 120,
			PersistSamples:       true,
		},
		Notify: NotifyConfig{
			Workers:             5,
			MaxAttempts:         3,
			BackoffBaseSeconds:  5,
			BackoffMaxSeconds:   60,
			SendTimeoutSeconds:  30,
			DrainTimeoutSeconds: 30,
			CreatedChannels:     []string{string(models.ChannelRealtime), string(models.ChannelPush), string(models.ChannelEmail)},
			UpdatedChannels:     []string{string(models.ChannelRealtime)},
			Breaker:             BreakerConfig{FailureThreshold: 5, OpenSeconds: 30},
		},
		Bus: bus.DefaultConfig(),
		Realtime: RealtimeConfig{
			Topic:               "realtime",
			SendBuffer:          64,
			PingIntervalSeconds: 25,
		},
	}
}

func LoadServerConfig(path string) (*Config, error) {
	cfg := DefaultServerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read server config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveServerConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open config for writing: %w", err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	for _, ch := range append(append([]string{}, c.Notify.CreatedChannels...), c.Notify.UpdatedChannels...) {
		switch models.Channel(ch) {
		case models.ChannelRealtime, models.ChannelPush, models.ChannelEmail, models.ChannelSMS:
		default:
			return fmt.Errorf("notify: unknown channel %q", ch)
		}
	}
	for sev := range c.Notify.Roles {
		if !models.ValidSeverity(sev) {
			return fmt.Errorf("notify.roles: unknown severity %q", sev)
		}
	}
	seen := make(map[string]bool)
	for i, cl := range c.Clients {
		if cl.ID == "" {
			return fmt.Errorf("clients[%d]: id is required", i)
		}
		if seen[cl.ID] {
			return fmt.Errorf("clients[%d]: duplicate id %q", i, cl.ID)
		}
		seen[cl.ID] = true
	}
	for i, u := range c.Users {
		if u.ID == "" || u.Email == "" {
			return fmt.Errorf("users[%d]: id and email are required", i)
		}
		switch u.Role {
		case models.RoleSuperAdmin, models.RoleAdmin, models.RoleOperator, models.RoleViewer:
		default:
			return fmt.Errorf("users[%d]: unknown role %q", i, u.Role)
		}
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func channels(names []string) []models.Channel {
	out := make([]models.Channel, 0, len(names))
	for _, n := range names {
		out = append(out, models.Channel(n))
	}
	return out
}

func (c *Config) EvaluatorConfig() alerting.Config {
	return alerting.Config{
		SuppressionWindow: seconds(c.Alerting.SuppressionWindowSeconds),
		CriticalBand:      c.Alerting.CriticalBand,
		Metrics:           c.Alerting.Metrics,
	}
}

func (c *Config) RetentionInterval() time.Duration {
	return time.Duration(c.Alerting.RetentionIntervalHours) * time.Hour
}

func (c *Config) IntakeConfig() intake.Config {
	return intake.Config{
		MaxSampleAge:   seconds(c.Intake.MaxSampleAgeSeconds),
		MaxFutureSkew:  seconds(c.Intake.MaxFutureSkewSeconds),
		PersistSamples: c.Intake.PersistSamples,
	}
}

func (c *Config) DispatcherConfig() notify.Config {
	return notify.Config{
		Workers:         c.Notify.Workers,
		MaxAttempts:     c.Notify.MaxAttempts,
		BaseDelay:       seconds(c.Notify.BackoffBaseSeconds),
		MaxDelay:        seconds(c.Notify.BackoffMaxSeconds),
		SendTimeout:     seconds(c.Notify.SendTimeoutSeconds),
		CreatedChannels: channels(c.Notify.CreatedChannels),
		UpdatedChannels: channels(c.Notify.UpdatedChannels),
	}
}

func (c *Config) DrainTimeout() time.Duration {
	if c.Notify.DrainTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return seconds(c.Notify.DrainTimeoutSeconds)
}

func (c *Config) BreakerConfig() notify.BreakerConfig {
	b := notify.DefaultBreakerConfig()
	if c.Notify.Breaker.FailureThreshold > 0 {
		b.FailureThreshold = uint32(c.Notify.Breaker.FailureThreshold)
	}
	if c.Notify.Breaker.OpenSeconds > 0 {
		b.Timeout = seconds(c.Notify.Breaker.OpenSeconds)
	}
	return b
}

func (c *Config) WSConfig() realtime.WSConfig {
	ws := realtime.DefaultWSConfig()
	if c.Realtime.SendBuffer > 0 {
		ws.SendBuffer = c.Realtime.SendBuffer
	}
	if c.Realtime.PingIntervalSeconds > 0 {
		ws.PingInterval = seconds(c.Realtime.PingIntervalSeconds)
	}
	ws.AllowedOrigins = c.Realtime.AllowedOrigins
	return ws
}

// RelayOptions tunes the bus publisher behind realtime fan-out.
func (c *Config) RelayOptions() []realtime.RelayOption {
	return []realtime.RelayOption{
		realtime.WithOutbox(c.Realtime.OutboxSize),
		realtime.WithPublishTimeout(seconds(c.Realtime.PublishTimeoutSeconds)),
	}
}

// SeedClients converts the configured clients, filling unset thresholds
// with the defaults.
func (c *Config) SeedClients() []models.Client {
	out := make([]models.Client, 0, len(c.Clients))
	for _, cl := range c.Clients {
		out = append(out, models.Client{
			ID:         cl.ID,
			Name:       cl.Name,
			Hostname:   cl.Hostname,
			IsActive:   !cl.Disabled,
			Thresholds: cl.Thresholds.WithDefaults(),
		})
	}
	return out
}

func (c *Config) SeedUsers() []models.User {
	out := make([]models.User, 0, len(c.Users))
	for _, u := range c.Users {
		out = append(out, models.User{
			ID:           u.ID,
			Email:        u.Email,
			Name:         u.Name,
			Role:         u.Role,
			IsActive:     !u.Disabled,
			PasswordHash: u.PasswordHash,
			PushKey:      u.PushKey,
			Phone:        u.Phone,
		})
	}
	return out
}

func DefaultServerConfigPath() string {
	switch runtime.GOOS {
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "Sentinel", "server.toml")
		}
	default:
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".config", "sentinel", "server.toml")
		}
	}
	return "/etc/sentinel/server.toml"
}

func defaultDatabasePath() string {
	switch runtime.GOOS {
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "Sentinel", "sentinel.db")
		}
	default:
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "share", "sentinel", "sentinel.db")
		}
	}
	return "/var/lib/sentinel/sentinel.db"
}

func defaultCertCacheDir() string {
	switch runtime.GOOS {
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "Sentinel", "certs")
		}
	default:
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "share", "sentinel", "certs")
		}
	}
	return "/var/lib/sentinel/certs"
}
