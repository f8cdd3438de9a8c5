package billing

import (
	"context"
	"fmt"
	"math"

	"github.com/pagemagic/meter/internal/domain/metering"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/billing/meterevent"
	"go.uber.org/zap"
)

// StripeMeterClient reports closed buckets as Stripe billing meter events.
// The bucket idempotency key is sent both as the event identifier and as the
// request Idempotency-Key, so a retried bucket is never billed twice.
type StripeMeterClient struct {
	events meterevent.Client
	config *StripeConfig
	logger *zap.Logger
}

// NewStripeMeterClient creates a client using the global Stripe API backend,
// or a dedicated backend when APIURL is set.
func NewStripeMeterClient(config *StripeConfig, logger *zap.Logger) (*StripeMeterClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	backendConfig := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(config.MaxNetworkRetries),
	}
	if config.APIURL != "" {
		backendConfig.URL = stripe.String(config.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig)

	return NewStripeMeterClientWithBackend(config, backend, logger)
}

// NewStripeMeterClientWithBackend creates a client over an explicit backend
func NewStripeMeterClientWithBackend(config *StripeConfig, backend stripe.Backend, logger *zap.Logger) (*StripeMeterClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &StripeMeterClient{
		events: meterevent.Client{B: backend, Key: config.SecretKey},
		config: config,
		logger: logger,
	}, nil
}

// ReportUsage sends one meter event for the bucket described by report
func (c *StripeMeterClient) ReportUsage(ctx context.Context, report metering.UsageReport) error {
	if report.ExternalMeterID == "" {
		return fmt.Errorf("%w: external meter id is required", metering.ErrProvider)
	}
	value, err := FormatMeterValue(report.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", metering.ErrProvider, err)
	}

	params := &stripe.BillingMeterEventParams{
		EventName:  stripe.String(report.ExternalMeterID),
		Identifier: stripe.String(report.IdempotencyKey),
		Payload: map[string]string{
			"value":                       value,
			c.config.customerPayloadKey(): report.SubjectID,
		},
		Timestamp: stripe.Int64(report.PeriodStart.Unix()),
	}
	params.Context = ctx
	params.SetIdempotencyKey(report.IdempotencyKey)

	event, err := c.events.New(params)
	if err != nil {
		c.logger.Error("Failed to report meter event to Stripe",
			zap.String("event_name", report.ExternalMeterID),
			zap.String("subject_id", report.SubjectID),
			zap.String("identifier", report.IdempotencyKey),
			zap.Error(err))
		return fmt.Errorf("%w: stripe meter event %s: %v", metering.ErrProvider, report.ExternalMeterID, err)
	}

	c.logger.Debug("Reported meter event to Stripe",
		zap.String("event_name", event.EventName),
		zap.String("identifier", event.Identifier),
		zap.String("subject_id", report.SubjectID))
	return nil
}

// FormatMeterValue renders a bucket value without float noise: 4000 becomes
// "4000" and 0.1+0.2 becomes "0.3". NaN and infinities are rejected.
func FormatMeterValue(v float64) (string, error) {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return "", fmt.Errorf("meter value %v is not a finite number", v)
	}
	return decimal.NewFromFloat(v).Round(6).String(), nil
}

// Ensure interface compliance
var _ metering.BillingClient = (*StripeMeterClient)(nil)
