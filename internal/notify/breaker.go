package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/serversentinel/sentinel/internal/apperr"
	"github.com/serversentinel/sentinel/internal/models"
)

// BreakerConfig tunes the circuit breaker placed in front of external senders.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

type breakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker guards s with a circuit breaker. While open, sends fail fast
// with gobreaker.ErrOpenState and the dispatcher retries them later.
// Missing addresses and permanent errors do not count against the provider.
func WithBreaker(s Sender, cfg BreakerConfig, logger *slog.Logger) Sender {
	ch := s.Channel()
	settings := gobreaker.Settings{
		Name:        string(ch),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notification channel breaker changed state", "channel", name, "from", from.String(), "to", to.String())
		},
	}
	return &breakerSender{next: s, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerSender) Channel() models.Channel { return b.next.Channel() }

func (b *breakerSender) Send(ctx context.Context, to models.User, n Notice) error {
	var passthrough error
	_, err := b.cb.Execute(func() (interface{}, error) {
		err := b.next.Send(ctx, to, n)
		if errors.Is(err, ErrNoAddress) || apperr.IsPermanent(err) {
			passthrough = err
			return nil, nil
		}
		return nil, err
	})
	if passthrough != nil {
		return passthrough
	}
	return err
}
