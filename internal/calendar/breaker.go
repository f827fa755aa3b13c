package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookingd/internal/metrics"
	"bookingd/internal/model"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned while the provider breaker rejects calls.
var ErrCircuitOpen = errors.New("calendar provider circuit open")

// BreakerConfig tunes the provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      2 * time.Minute,
		HalfOpenRequests: 1,
	}
}

// BreakerProvider wraps a Provider with a circuit breaker. Only transient
// failures count against the breaker; a 404 or a rejected payload does not
// mean the provider is down.
type BreakerProvider struct {
	next    Provider
	breaker *gobreaker.CircuitBreaker[any]
}

func NewBreakerProvider(next Provider, cfg BreakerConfig, logger zerolog.Logger) *BreakerProvider {
	if cfg.FailureThreshold == 0 {
		cfg = DefaultBreakerConfig()
	}
	name := next.Name()
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !model.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("calendar circuit breaker state changed")
			metrics.SetBreakerState(name, breakerStateValue(to))
		},
	}
	metrics.SetBreakerState(name, 0)
	return &BreakerProvider{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

func breakerStateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func (b *BreakerProvider) Name() string { return b.next.Name() }

// State returns the current breaker state.
func (b *BreakerProvider) State() gobreaker.State { return b.breaker.State() }

func (b *BreakerProvider) execute(fn func() (any, error)) (any, error) {
	res, err := b.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, b.next.Name())
	}
	return res, err
}

func (b *BreakerProvider) ListEvents(ctx context.Context, from, to time.Time) ([]Event, error) {
	res, err := b.execute(func() (any, error) {
		return b.next.ListEvents(ctx, from, to)
	})
	if err != nil {
		return nil, err
	}
	return res.([]Event), nil
}

func (b *BreakerProvider) UpsertEvent(ctx context.Context, ev Event) (Event, error) {
	res, err := b.execute(func() (any, error) {
		return b.next.UpsertEvent(ctx, ev)
	})
	if err != nil {
		return Event{}, err
	}
	return res.(Event), nil
}

func (b *BreakerProvider) DeleteEvent(ctx context.Context, id string) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.next.DeleteEvent(ctx, id)
	})
	return err
}
