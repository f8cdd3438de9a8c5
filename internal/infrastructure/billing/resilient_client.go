package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pagemagic/meter/internal/domain/metering"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ResilienceConfig configures the provider call guard
type ResilienceConfig struct {
	Name               string
	RateLimit          float64       // Calls per second; 0 disables limiting
	RateBurst          int           // Burst size for the limiter
	BreakerMaxFailures uint32        // Consecutive failures that open the breaker
	BreakerTimeout     time.Duration // Open state duration before a probe is allowed
}

// DefaultResilienceConfig returns the limits used in production
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Name:               "stripe-meter-events",
		RateLimit:          25,
		RateBurst:          5,
		BreakerMaxFailures: 5,
		BreakerTimeout:     30 * time.Second,
	}
}

// ResilientBillingClient decorates a billing client with a rate limiter and a
// circuit breaker. Every failure it returns wraps metering.ErrProvider, so the
// sync dispatcher treats a tripped breaker like any other failed delivery.
type ResilientBillingClient struct {
	next    metering.BillingClient
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewResilientBillingClient wraps next
func NewResilientBillingClient(next metering.BillingClient, cfg ResilienceConfig, logger *zap.Logger) *ResilientBillingClient {
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Billing circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &ResilientBillingClient{
		next:    next,
		breaker: breaker,
		limiter: limiter,
		logger:  logger,
	}
}

// ReportUsage waits for a rate limiter token and calls the wrapped client
// through the circuit breaker.
func (c *ResilientBillingClient) ReportUsage(ctx context.Context, report metering.UsageReport) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", metering.ErrProvider, err)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.next.ReportUsage(ctx, report)
	})
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: circuit breaker %s: %v", metering.ErrProvider, c.breaker.Name(), err)
	case errors.Is(err, metering.ErrProvider):
		return err
	default:
		return fmt.Errorf("%w: %v", metering.ErrProvider, err)
	}
}

// State returns the circuit breaker state, for health reporting
func (c *ResilientBillingClient) State() gobreaker.State {
	return c.breaker.State()
}

// Ensure interface compliance
var _ metering.BillingClient = (*ResilientBillingClient)(nil)
