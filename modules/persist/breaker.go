package persist

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig configures the circuit breaker in front of a durable backend.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// trip once at least MinRequests were seen and the failure ratio reaches FailureThreshold
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns the settings used when none are configured.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.5,
		MinRequests:      5,
	}
}

// BreakerStore stops calling a failing backend for a while. When the breaker
// is open, Load returns ErrUnavailable and writes are dropped with the same error.
type BreakerStore struct {
	next   Store
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewBreakerStore wraps next with a circuit breaker.
func NewBreakerStore(next Store, cfg BreakerConfig, logger *zap.Logger) *BreakerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "durable"
	}
	b := &BreakerStore{next: next, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("durable store breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// misses and unsupported operations are answers, not backend failures
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnsupported)
		},
	})
	return b
}

// State reports the breaker state ("closed", "half-open" or "open").
func (b *BreakerStore) State() string { return b.cb.State().String() }

func (b *BreakerStore) execute(fn func() (interface{}, error)) (interface{}, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrUnavailable
	}
	return v, err
}

func (b *BreakerStore) Load(ctx context.Context, key string) ([]byte, error) {
	v, err := b.execute(func() (interface{}, error) {
		return b.next.Load(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (b *BreakerStore) Save(ctx context.Context, key string, value []byte) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.next.Save(ctx, key, value)
	})
	return err
}

func (b *BreakerStore) Remove(ctx context.Context, key string) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.next.Remove(ctx, key)
	})
	return err
}

func (b *BreakerStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	v, err := b.execute(func() (interface{}, error) {
		return b.next.Keys(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	keys, _ := v.([]string)
	return keys, nil
}

func (b *BreakerStore) Close() error { return b.next.Close() }
