// Package bus carries pipeline events between server instances.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Handler receives one published payload.
type Handler func(ctx context.Context, data []byte)

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a plain topic pub/sub. Delivery is at-most-once.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, h Handler) (Subscription, error)
	Close() error
}

type Config struct {
	Driver         string `toml:"driver"` // memory, nats, redis
	URL            string `toml:"url"`
	Password       string `toml:"password"` // redis only
	DB             int    `toml:"db"`       // redis only
	Prefix         string `toml:"prefix"`
	ConnectTimeout int    `toml:"connect_timeout_seconds"`
}

func DefaultConfig() Config {
	return Config{Driver: "memory", Prefix: "sentinel", ConnectTimeout: 5}
}

// Open connects the configured driver.
func Open(cfg Config, logger *slog.Logger) (Bus, error) {
	timeout := time.Duration(cfg.ConnectTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "nats":
		return NewNATS(cfg.URL, timeout, logger)
	case "redis":
		return NewRedis(cfg.URL, cfg.Password, cfg.DB, timeout, logger)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

// Topic joins prefix and name with a dot.
func Topic(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
