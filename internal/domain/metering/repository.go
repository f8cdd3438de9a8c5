package metering

import (
	"context"
	"time"
)

// UsageEventRepository is the append-only event store.
// It is written on every ingest and never read by the aggregation path.
type UsageEventRepository interface {
	// Append persists an event. Appending an id that already exists is a no-op.
	Append(ctx context.Context, event *UsageEvent) error

	// CountBySubject returns the number of stored events for a subject
	CountBySubject(ctx context.Context, subjectID string) (int64, error)
}

// UpsertOutcome reports what Upsert did with a contribution.
type UpsertOutcome int

const (
	// UpsertApplied means the contribution was merged into the bucket.
	UpsertApplied UpsertOutcome = iota
	// UpsertDuplicate means the event was already merged into this meter's bucket.
	UpsertDuplicate
	// UpsertPeriodBilled means the bucket was already synced and the contribution was dropped.
	UpsertPeriodBilled
)

func (o UpsertOutcome) String() string {
	switch o {
	case UpsertApplied:
		return "applied"
	case UpsertDuplicate:
		return "duplicate"
	case UpsertPeriodBilled:
		return "period_billed"
	default:
		return "unknown"
	}
}

// MeterBucketRepository persists aggregation buckets.
// Each mutation touches one bucket atomically; there are no multi-bucket transactions.
type MeterBucketRepository interface {
	// Upsert inserts the bucket if absent or merges the contribution into it
	// using the contribution's aggregation kind. A synced bucket is never changed,
	// and an (event, meter) pair already recorded is not merged again.
	Upsert(ctx context.Context, c BucketContribution) (UpsertOutcome, error)

	// FindBySubject returns the subject's buckets, most recent period first
	FindBySubject(ctx context.Context, subjectID string, limit int) ([]*AggregationBucket, error)

	// FindSyncable returns unsynced, non dead-lettered buckets whose period ended
	// at or before closedBefore and whose next attempt is due at now, oldest first
	FindSyncable(ctx context.Context, closedBefore, now time.Time, limit int) ([]*AggregationBucket, error)

	// MarkSynced sets synced=true and synced_at only if the bucket is still unsynced.
	// Returns false when another writer already marked it.
	MarkSynced(ctx context.Context, key BucketKey, syncedAt time.Time) (bool, error)

	// RecordSyncFailure increments the attempt counter and stores the failure details
	RecordSyncFailure(ctx context.Context, key BucketKey, failure SyncFailure) error

	// FindDeadLettered returns buckets that exhausted their sync attempts
	FindDeadLettered(ctx context.Context, limit int) ([]*AggregationBucket, error)

	// CountUnsynced returns the number of buckets still waiting for delivery
	CountUnsynced(ctx context.Context) (int64, error)
}
