package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pagemagic/meter/internal/domain/metering"
	"github.com/pagemagic/meter/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// AggregatorConfig contains configuration for the aggregator
type AggregatorConfig struct {
	// Granularity is the width of an aggregation period
	Granularity time.Duration

	// StorageTimeout bounds each event store write and bucket upsert
	StorageTimeout time.Duration
}

// DefaultAggregatorConfig returns default configuration
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Granularity:    metering.DefaultGranularity,
		StorageTimeout: 5 * time.Second,
	}
}

// Aggregator records usage events and merges them into the buckets of every matching meter.
type Aggregator struct {
	registry   *metering.Registry
	eventRepo  metering.UsageEventRepository
	bucketRepo metering.MeterBucketRepository
	logger     *zap.Logger
	config     AggregatorConfig
	metrics    *telemetry.MeteringMetrics
}

// NewAggregator creates a new aggregator
func NewAggregator(
	registry *metering.Registry,
	eventRepo metering.UsageEventRepository,
	bucketRepo metering.MeterBucketRepository,
	logger *zap.Logger,
	config AggregatorConfig,
) *Aggregator {
	if config.Granularity <= 0 {
		config.Granularity = metering.DefaultGranularity
	}
	return &Aggregator{
		registry:   registry,
		eventRepo:  eventRepo,
		bucketRepo: bucketRepo,
		logger:     logger,
		config:     config,
	}
}

// SetMetrics sets the metrics recorder (optional)
func (a *Aggregator) SetMetrics(m *telemetry.MeteringMetrics) {
	a.metrics = m
}

// Ingest persists the event for audit and merges it into the bucket of every matching meter.
//
// A failed event store write aborts the ingest. Otherwise every matching meter is
// attempted; if any bucket upsert fails the returned IngestError joins those failures.
// Filter evaluation errors skip only the affected meter. Redelivering an event after a
// partial failure only fills in the meters it missed, and buckets of billed periods are
// never changed.
func (a *Aggregator) Ingest(ctx context.Context, event *metering.UsageEvent) error {
	ctx, span := telemetry.StartServiceSpan(ctx, "Aggregator", "Ingest",
		telemetry.WithAttribute(telemetry.SpanAttrEventType, event.EventType),
		telemetry.WithAttribute(telemetry.SpanAttrEventID, event.ID.String()))
	defer span.End()

	if err := a.appendEvent(ctx, event); err != nil {
		a.logger.Error("Failed to store usage event",
			zap.String("event_id", event.ID.String()),
			zap.String("event_type", event.EventType),
			zap.Error(err))
		telemetry.RecordError(span, err)
		a.metrics.RecordIngestFailed(ctx, event.EventType)
		return metering.NewIngestError(event.ID, err)
	}

	var errs []error
	matched := 0
	for _, meter := range a.registry.Meters() {
		ok, err := meter.Filter.Matches(event)
		if err != nil {
			a.logger.Warn("Skipping meter, filter could not be evaluated",
				zap.String("meter", meter.Name),
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
			a.metrics.RecordFilterError(ctx, meter.Name)
			continue
		}
		if !ok {
			continue
		}
		matched++

		contribution := metering.NewBucketContribution(meter, event, a.config.Granularity)
		outcome, err := a.upsert(ctx, contribution)
		if err != nil {
			a.logger.Error("Failed to update meter bucket",
				zap.String("meter", meter.Name),
				zap.String("bucket", contribution.Key.String()),
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("meter %s: %w", meter.Name, err))
			continue
		}

		switch outcome {
		case metering.UpsertDuplicate:
			a.logger.Debug("Event already counted for meter",
				zap.String("meter", meter.Name),
				zap.String("event_id", event.ID.String()))
			a.metrics.RecordContributionSkipped(ctx, meter.Name, outcome.String())
		case metering.UpsertPeriodBilled:
			a.logger.Warn("Dropping late event for an already billed period",
				zap.String("meter", meter.Name),
				zap.String("bucket", contribution.Key.String()),
				zap.String("event_id", event.ID.String()))
			a.metrics.RecordContributionSkipped(ctx, meter.Name, outcome.String())
		}
	}

	telemetry.SetAttribute(span, "meters.matched", matched)

	if len(errs) > 0 {
		err := errors.Join(errs...)
		telemetry.RecordError(span, err)
		a.metrics.RecordIngestFailed(ctx, event.EventType)
		return metering.NewIngestError(event.ID, err)
	}

	a.logger.Debug("Usage event ingested",
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", event.EventType),
		zap.String("user_id", event.SubjectID),
		zap.Int("meters_matched", matched))
	a.metrics.RecordIngested(ctx, event.EventType, matched)
	telemetry.SetOK(span)
	return nil
}

func (a *Aggregator) appendEvent(ctx context.Context, event *metering.UsageEvent) error {
	ctx, cancel := withTimeout(ctx, a.config.StorageTimeout)
	defer cancel()
	return a.eventRepo.Append(ctx, event)
}

func (a *Aggregator) upsert(ctx context.Context, c metering.BucketContribution) (metering.UpsertOutcome, error) {
	ctx, cancel := withTimeout(ctx, a.config.StorageTimeout)
	defer cancel()
	return a.bucketRepo.Upsert(ctx, c)
}

// withTimeout bounds ctx by d; a non-positive d leaves the parent deadline in place.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
