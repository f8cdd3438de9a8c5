package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrMeterNil is returned by NewMeteringMetrics when meter is nil.
var ErrMeterNil = errors.New("telemetry: meter cannot be nil")

// MeteringMetrics records ingestion and billing sync activity.
// All methods are safe to call on a nil receiver, which records nothing.
type MeteringMetrics struct {
	logger *zap.Logger

	eventsIngested   *Counter
	eventsFailed     *Counter
	bucketUpdates    *Counter
	skipped          *Counter
	filterErrors     *Counter
	bucketsSynced    *Counter
	syncFailures     *Counter
	bucketsDead      *Counter
	syncPassDuration *Histogram
	syncBacklog      *Gauge
}

// NewMeteringMetrics creates the metering instruments on meter.
func NewMeteringMetrics(meter metric.Meter, logger *zap.Logger) (*MeteringMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &MeteringMetrics{logger: logger}

	counters := []struct {
		target      **Counter
		name        string
		description string
		unit        string
	}{
		{&m.eventsIngested, "meter_events_ingested_total", "Usage events ingested", "{events}"},
		{&m.eventsFailed, "meter_events_failed_total", "Usage events that failed to ingest", "{events}"},
		{&m.bucketUpdates, "meter_bucket_updates_total", "Bucket merges applied by ingestion", "{updates}"},
		{&m.skipped, "meter_contributions_skipped_total", "Contributions not merged because they were duplicates or arrived after billing", "{contributions}"},
		{&m.filterErrors, "meter_filter_errors_total", "Meter filters that could not be evaluated", "{errors}"},
		{&m.bucketsSynced, "meter_buckets_synced_total", "Buckets delivered to the billing provider", "{buckets}"},
		{&m.syncFailures, "meter_sync_failures_total", "Failed bucket deliveries", "{failures}"},
		{&m.bucketsDead, "meter_buckets_dead_lettered_total", "Buckets that exhausted their delivery attempts", "{buckets}"},
	}
	for _, c := range counters {
		counter, err := NewCounter(meter, c.name, c.description, c.unit)
		if err != nil {
			return nil, err
		}
		*c.target = counter
	}

	var err error
	m.syncPassDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "meter_sync_pass_duration_seconds",
		Description: "Duration of a sync dispatcher pass",
		Unit:        "s",
		Boundaries:  SyncDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	m.syncBacklog, err = NewGauge(meter, "meter_sync_backlog", "Unsynced buckets in storage after the last pass", "{buckets}")
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordIngested records a successfully ingested event and how many meters it updated.
func (m *MeteringMetrics) RecordIngested(ctx context.Context, eventType string, metersMatched int) {
	if m == nil {
		return
	}
	m.eventsIngested.Inc(ctx, AttrEventType.String(eventType))
	if metersMatched > 0 {
		m.bucketUpdates.Add(ctx, int64(metersMatched), AttrEventType.String(eventType))
	}
}

// RecordIngestFailed records an event that failed to ingest.
func (m *MeteringMetrics) RecordIngestFailed(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsFailed.Inc(ctx, AttrEventType.String(eventType))
}

// RecordFilterError records a meter skipped because its filter could not be evaluated.
func (m *MeteringMetrics) RecordFilterError(ctx context.Context, meterName string) {
	if m == nil {
		return
	}
	m.filterErrors.Inc(ctx, AttrMeterName.String(meterName))
}

// RecordContributionSkipped records a contribution that was not merged, by reason.
func (m *MeteringMetrics) RecordContributionSkipped(ctx context.Context, meterName, reason string) {
	if m == nil {
		return
	}
	m.skipped.Inc(ctx, AttrMeterName.String(meterName), AttrSkipReason.String(reason))
}

// RecordSynced records a bucket delivered and marked synced.
func (m *MeteringMetrics) RecordSynced(ctx context.Context, meterName string) {
	if m == nil {
		return
	}
	m.bucketsSynced.Inc(ctx, AttrMeterName.String(meterName))
}

// RecordSyncFailed records a failed delivery.
func (m *MeteringMetrics) RecordSyncFailed(ctx context.Context, meterName string) {
	if m == nil {
		return
	}
	m.syncFailures.Inc(ctx, AttrMeterName.String(meterName))
}

// RecordDeadLettered records a bucket moved to the dead-letter state.
func (m *MeteringMetrics) RecordDeadLettered(ctx context.Context, meterName string) {
	if m == nil {
		return
	}
	m.bucketsDead.Inc(ctx, AttrMeterName.String(meterName))
}

// RecordSyncPass records the duration of a pass and the unsynced buckets left in storage.
func (m *MeteringMetrics) RecordSyncPass(ctx context.Context, d time.Duration, synced int, backlog int64) {
	if m == nil {
		return
	}
	m.syncPassDuration.RecordDuration(ctx, d)
	m.syncBacklog.Record(ctx, backlog)
	m.logger.Debug("Recorded sync pass metrics",
		zap.Int("synced", synced),
		zap.Int64("backlog", backlog))
}
