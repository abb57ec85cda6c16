package broker

import (
	"context"
	"errors"
	"time"

	"github.com/oipulse/oipulse/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker wraps a Broker so a flapping vendor API fails fast
// instead of stalling the trading loops on every tick.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// CircuitBreakerSettings configures trip behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker wraps broker with defaults tuned for a loop that
// ticks once a minute: trip on a 60% failure rate over at least 5 calls,
// stay open for 30 seconds.
func NewCircuitBreakerBroker(broker Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings wraps broker with explicit settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *logrus.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        broker.Name() + "-breaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state change")
		},
	}
	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker funnels a typed call through the breaker.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

func (c *CircuitBreakerBroker) Connect(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.broker.Connect(ctx)
	})
	return err
}

func (c *CircuitBreakerBroker) GetSpotPrice(ctx context.Context) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.GetSpotPrice(ctx)
	})
}

func (c *CircuitBreakerBroker) GetLTP(ctx context.Context, key models.OptionKey) (models.LTP, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (models.LTP, error) {
		return b.GetLTP(ctx, key)
	})
}

func (c *CircuitBreakerBroker) GetFiveMinuteBar(ctx context.Context, key models.OptionKey, end time.Time) (models.OptionBar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (models.OptionBar, error) {
		return b.GetFiveMinuteBar(ctx, key, end)
	})
}

func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, expiry string, strikes []int) ([]models.ChainBar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.ChainBar, error) {
		return b.GetOptionChain(ctx, expiry, strikes)
	})
}

func (c *CircuitBreakerBroker) GetNextExpiry(ctx context.Context) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.GetNextExpiry(ctx)
	})
}

func (c *CircuitBreakerBroker) IsMarketOpen(ctx context.Context) (bool, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (bool, error) {
		return b.IsMarketOpen(ctx)
	})
}

// Logout bypasses the breaker: teardown should always reach the vendor.
func (c *CircuitBreakerBroker) Logout(ctx context.Context) error {
	return c.broker.Logout(ctx)
}

func (c *CircuitBreakerBroker) Name() string { return c.broker.Name() }

// State exposes the breaker state for the health endpoint.
func (c *CircuitBreakerBroker) State() gobreaker.State { return c.breaker.State() }
