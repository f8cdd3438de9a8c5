package metering

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pagemagic/meter/internal/domain/metering"
	"github.com/pagemagic/meter/internal/domain/shared"
	"github.com/pagemagic/meter/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

const maxSyncErrorLength = 1000

// SyncConfig contains configuration for the sync dispatcher
type SyncConfig struct {
	// GraceWindow is how long after a period ends its bucket stays open for late events
	GraceWindow time.Duration

	// BatchLimit is the maximum number of buckets delivered in one pass
	BatchLimit int

	// StorageTimeout bounds each bucket query and update
	StorageTimeout time.Duration

	// BillingTimeout bounds each billing client call
	BillingTimeout time.Duration

	// MaxAttempts dead-letters a bucket after this many failed deliveries (0 retries forever)
	MaxAttempts int

	// RetryBaseDelay is the base delay between failed deliveries (0 retries every pass)
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the exponential backoff
	RetryMaxDelay time.Duration

	// LeaseName and LeaseTTL configure the cross-instance pass lease
	LeaseName string
	LeaseTTL  time.Duration
}

// DefaultSyncConfig returns default configuration
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		GraceWindow:    time.Hour,
		BatchLimit:     500,
		StorageTimeout: 5 * time.Second,
		BillingTimeout: 10 * time.Second,
		RetryMaxDelay:  time.Hour,
		LeaseName:      "meter:sync-dispatcher",
		LeaseTTL:       5 * time.Minute,
	}
}

// SyncOption configures a SyncDispatcher
type SyncOption func(*SyncDispatcher)

// WithLeaseStore makes passes exclusive across instances sharing the store
func WithLeaseStore(store shared.LeaseStore) SyncOption {
	return func(d *SyncDispatcher) {
		d.leases = store
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) SyncOption {
	return func(d *SyncDispatcher) {
		d.now = now
	}
}

// SyncDispatcher delivers closed, unsynced buckets to the billing provider and marks them synced.
// It keeps no state between passes: what remains to be delivered is derived from storage.
type SyncDispatcher struct {
	registry   *metering.Registry
	bucketRepo metering.MeterBucketRepository
	billing    metering.BillingClient
	leases     shared.LeaseStore
	logger     *zap.Logger
	config     SyncConfig
	metrics    *telemetry.MeteringMetrics
	now        func() time.Time
	owner      string
	mu         sync.Mutex
}

// NewSyncDispatcher creates a new sync dispatcher
func NewSyncDispatcher(
	registry *metering.Registry,
	bucketRepo metering.MeterBucketRepository,
	billing metering.BillingClient,
	logger *zap.Logger,
	config SyncConfig,
	opts ...SyncOption,
) *SyncDispatcher {
	if config.BatchLimit <= 0 {
		config.BatchLimit = DefaultSyncConfig().BatchLimit
	}
	if config.LeaseName == "" {
		config.LeaseName = DefaultSyncConfig().LeaseName
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = DefaultSyncConfig().LeaseTTL
	}
	d := &SyncDispatcher{
		registry:   registry,
		bucketRepo: bucketRepo,
		billing:    billing,
		logger:     logger,
		config:     config,
		now:        time.Now,
		owner:      uuid.NewString(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetMetrics sets the metrics recorder (optional)
func (d *SyncDispatcher) SetMetrics(m *telemetry.MeteringMetrics) {
	d.metrics = m
}

// RunOnce performs one pass over the syncable buckets and returns how many were delivered.
// Per-bucket failures are logged and left for a later pass; only failing to select
// buckets or to take the pass lease is returned as an error. A pass never runs longer
// than LeaseTTL, so it stops before another instance can take the lease over.
func (d *SyncDispatcher) RunOnce(ctx context.Context) (int, error) {
	if !d.mu.TryLock() {
		return 0, metering.ErrSyncInProgress
	}
	defer d.mu.Unlock()

	ctx, cancelPass := context.WithTimeout(ctx, d.config.LeaseTTL)
	defer cancelPass()

	ctx, span := telemetry.StartServiceSpan(ctx, "SyncDispatcher", "RunOnce")
	defer span.End()

	if d.leases != nil {
		acquired, err := d.leases.TryAcquire(ctx, d.config.LeaseName, d.owner, d.config.LeaseTTL)
		if err != nil {
			telemetry.RecordError(span, err)
			return 0, fmt.Errorf("failed to acquire sync lease: %w", err)
		}
		if !acquired {
			d.logger.Debug("Sync lease held by another instance, skipping pass")
			return 0, metering.ErrSyncInProgress
		}
		defer d.releaseLease(ctx)
	}

	started := d.now()
	closedBefore := started.Add(-d.config.GraceWindow)

	findCtx, cancel := withTimeout(ctx, d.config.StorageTimeout)
	buckets, err := d.bucketRepo.FindSyncable(findCtx, closedBefore, started, d.config.BatchLimit)
	cancel()
	if err != nil {
		d.logger.Error("Failed to select buckets for sync", zap.Error(err))
		telemetry.RecordError(span, err)
		return 0, fmt.Errorf("failed to select buckets for sync: %w", err)
	}

	synced := 0
	for _, bucket := range buckets {
		if ctx.Err() != nil {
			d.logger.Warn("Sync pass interrupted", zap.Error(ctx.Err()))
			break
		}
		if d.syncBucket(ctx, bucket) {
			synced++
		}
	}

	telemetry.SetAttributes(span, "buckets.selected", len(buckets), "buckets.synced", synced)
	d.recordPass(ctx, d.now().Sub(started), synced)

	if len(buckets) > 0 {
		d.logger.Info("Sync pass completed",
			zap.Int("selected", len(buckets)),
			zap.Int("synced", synced),
			zap.Duration("duration", d.now().Sub(started)))
	}
	return synced, nil
}

// ForceSync runs an out-of-cycle pass and returns the number of buckets delivered.
// Like any pass it is cut off at LeaseTTL, whatever deadline ctx carries.
func (d *SyncDispatcher) ForceSync(ctx context.Context) (int, error) {
	d.logger.Info("Forced sync requested")
	return d.RunOnce(ctx)
}

// ListDeadLettered returns buckets that exhausted their delivery attempts.
func (d *SyncDispatcher) ListDeadLettered(ctx context.Context, limit int) ([]*metering.AggregationBucket, error) {
	if limit <= 0 || limit > d.config.BatchLimit {
		limit = d.config.BatchLimit
	}
	ctx, cancel := withTimeout(ctx, d.config.StorageTimeout)
	defer cancel()
	return d.bucketRepo.FindDeadLettered(ctx, limit)
}

// recordPass reports the pass to metrics, with the backlog counted in storage
// rather than from the pass's own batch.
func (d *SyncDispatcher) recordPass(ctx context.Context, elapsed time.Duration, synced int) {
	if d.metrics == nil {
		return
	}
	countCtx, cancel := withTimeout(context.WithoutCancel(ctx), d.config.StorageTimeout)
	defer cancel()
	backlog, err := d.bucketRepo.CountUnsynced(countCtx)
	if err != nil {
		d.logger.Warn("Failed to count sync backlog", zap.Error(err))
		return
	}
	d.metrics.RecordSyncPass(ctx, elapsed, synced, backlog)
}

// syncBucket delivers one bucket and reports whether it was newly marked synced.
func (d *SyncDispatcher) syncBucket(ctx context.Context, bucket *metering.AggregationBucket) bool {
	key := bucket.Key()
	meter, ok := d.registry.Lookup(bucket.MeterName)
	if !ok {
		d.logger.Warn("Skipping bucket for unknown meter",
			zap.String("bucket", key.String()))
		return false
	}

	if !bucket.HasFiniteValue() {
		err := fmt.Errorf("%w: bucket value %v cannot be reported", metering.ErrProvider, bucket.Value)
		d.logger.Error("Dead-lettering bucket with a non-finite value",
			zap.String("bucket", key.String()),
			zap.Error(err))
		d.metrics.RecordSyncFailed(ctx, meter.Name)
		d.recordFailure(ctx, bucket, err, true)
		return false
	}

	report := metering.NewUsageReport(meter, bucket)

	callCtx, cancel := withTimeout(ctx, d.config.BillingTimeout)
	err := d.billing.ReportUsage(callCtx, report)
	cancel()
	if err != nil {
		d.logger.Error("Failed to deliver bucket to billing provider",
			zap.String("bucket", key.String()),
			zap.String("idempotency_key", report.IdempotencyKey),
			zap.Int("attempt", bucket.SyncAttempts+1),
			zap.Error(err))
		d.metrics.RecordSyncFailed(ctx, meter.Name)
		d.recordFailure(ctx, bucket, err, false)
		return false
	}

	// The provider already accepted the report; record it even if the pass deadline passed.
	markCtx, cancel := withTimeout(context.WithoutCancel(ctx), d.config.StorageTimeout)
	marked, err := d.bucketRepo.MarkSynced(markCtx, key, d.now().UTC())
	cancel()
	if err != nil {
		// Redelivery on a later pass reuses the idempotency key.
		d.logger.Error("Delivered bucket could not be marked synced",
			zap.String("bucket", key.String()),
			zap.Error(err))
		return false
	}
	if !marked {
		d.logger.Info("Bucket already marked synced by another dispatcher",
			zap.String("bucket", key.String()))
		return false
	}

	d.logger.Debug("Bucket synced",
		zap.String("bucket", key.String()),
		zap.String("external_meter_id", report.ExternalMeterID),
		zap.Float64("value", report.Value))
	d.metrics.RecordSynced(ctx, meter.Name)
	return true
}

// recordFailure stores a failed attempt. permanent dead-letters the bucket at once.
func (d *SyncDispatcher) recordFailure(ctx context.Context, bucket *metering.AggregationBucket, cause error, permanent bool) {
	attempts := bucket.SyncAttempts + 1
	now := d.now().UTC()

	msg := cause.Error()
	if len(msg) > maxSyncErrorLength {
		msg = msg[:maxSyncErrorLength]
	}
	failure := metering.SyncFailure{Error: msg, FailedAt: now}

	switch {
	case permanent, d.config.MaxAttempts > 0 && attempts >= d.config.MaxAttempts:
		failure.DeadLettered = true
		d.logger.Warn("Bucket dead-lettered after repeated sync failures",
			zap.String("bucket", bucket.Key().String()),
			zap.Int("attempts", attempts))
		d.metrics.RecordDeadLettered(ctx, bucket.MeterName)
	case d.config.RetryBaseDelay > 0:
		next := now.Add(d.calculateBackoff(attempts))
		failure.NextSyncAt = &next
	}

	storeCtx, cancel := withTimeout(context.WithoutCancel(ctx), d.config.StorageTimeout)
	defer cancel()
	if err := d.bucketRepo.RecordSyncFailure(storeCtx, bucket.Key(), failure); err != nil {
		d.logger.Error("Failed to record sync failure",
			zap.String("bucket", bucket.Key().String()),
			zap.Error(err))
	}
}

// calculateBackoff returns base * 2^(attempts-1), capped at RetryMaxDelay.
// Doubling stops at the cap, so large bases never overflow.
func (d *SyncDispatcher) calculateBackoff(attempts int) time.Duration {
	limit := d.config.RetryMaxDelay
	if limit <= 0 {
		limit = time.Duration(math.MaxInt64)
	}

	delay := d.config.RetryBaseDelay
	if delay > limit {
		return limit
	}
	for i := 1; i < attempts; i++ {
		if delay > limit/2 {
			return limit
		}
		delay *= 2
	}
	return delay
}

func (d *SyncDispatcher) releaseLease(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.leases.Release(ctx, d.config.LeaseName, d.owner); err != nil {
		d.logger.Warn("Failed to release sync lease", zap.Error(err))
	}
}
