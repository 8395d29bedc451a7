package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis publishes on Redis pub/sub channels.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis accepts either a redis:// URL or a bare host:port.
func NewRedis(url, password string, db int, timeout time.Duration, logger *slog.Logger) (*Redis, error) {
	opts := &redis.Options{Addr: "127.0.0.1:6379", Password: password, DB: db, DialTimeout: timeout}
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
		opts.DialTimeout = timeout
	} else if url != "" {
		opts.Addr = url
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &Redis{client: client, logger: logger}, nil
}

func (r *Redis) Publish(ctx context.Context, topic string, data []byte) error {
	if err := r.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Subscribe(topic string, h Handler) (Subscription, error) {
	ctx := context.Background()
	ps := r.client.Subscribe(ctx, topic)
	// wait for the subscription to be confirmed before returning
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	go func() {
		for msg := range ps.Channel() {
			h(ctx, []byte(msg.Payload))
		}
		r.logger.Debug("redis subscription closed", "topic", topic)
	}()
	return redisSub{ps: ps}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	ps *redis.PubSub
}

func (s redisSub) Unsubscribe() error {
	return s.ps.Close()
}
