package billing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pagemagic/meter/internal/domain/metering"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubBillingClient struct {
	calls atomic.Int32
	err   error
}

func (s *stubBillingClient) ReportUsage(ctx context.Context, report metering.UsageReport) error {
	s.calls.Add(1)
	return s.err
}

func TestResilientBillingClient_PassesThrough(t *testing.T) {
	next := &stubBillingClient{}
	client := NewResilientBillingClient(next, DefaultResilienceConfig(), zap.NewNop())

	require.NoError(t, client.ReportUsage(context.Background(), testReport()))
	assert.Equal(t, int32(1), next.calls.Load())
	assert.Equal(t, gobreaker.StateClosed, client.State())
}

func TestResilientBillingClient_WrapsFailures(t *testing.T) {
	next := &stubBillingClient{err: errUpstream}
	client := NewResilientBillingClient(next, DefaultResilienceConfig(), zap.NewNop())

	err := client.ReportUsage(context.Background(), testReport())
	assert.ErrorIs(t, err, metering.ErrProvider)
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestResilientBillingClient_OpensBreaker(t *testing.T) {
	next := &stubBillingClient{err: errUpstream}
	cfg := ResilienceConfig{Name: "test", BreakerMaxFailures: 3, BreakerTimeout: time.Minute}
	client := NewResilientBillingClient(next, cfg, zap.NewNop())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, client.ReportUsage(context.Background(), testReport()), metering.ErrProvider)
	}
	assert.Equal(t, gobreaker.StateOpen, client.State())

	err := client.ReportUsage(context.Background(), testReport())
	assert.ErrorIs(t, err, metering.ErrProvider)
	assert.Contains(t, err.Error(), "circuit breaker")
	assert.Equal(t, int32(3), next.calls.Load(), "open breaker must not call the provider")
}

func TestResilientBillingClient_RateLimiterHonorsContext(t *testing.T) {
	next := &stubBillingClient{}
	cfg := ResilienceConfig{Name: "test", RateLimit: 0.001, RateBurst: 1}
	client := NewResilientBillingClient(next, cfg, zap.NewNop())

	require.NoError(t, client.ReportUsage(context.Background(), testReport()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := client.ReportUsage(ctx, testReport())
	assert.ErrorIs(t, err, metering.ErrProvider)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestUnconfiguredClient(t *testing.T) {
	err := UnconfiguredClient{}.ReportUsage(context.Background(), metering.UsageReport{ExternalMeterID: "mtr_1"})
	assert.ErrorIs(t, err, metering.ErrProvider)
}
