package metering

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DefaultGranularity is the width of an aggregation period
const DefaultGranularity = time.Hour

// PeriodFor returns the period containing ts, aligned to granularity in UTC.
func PeriodFor(ts time.Time, granularity time.Duration) (start, end time.Time) {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	start = ts.UTC().Truncate(granularity)
	return start, start.Add(granularity)
}

// BucketKey identifies a bucket. At most one bucket exists per key.
type BucketKey struct {
	MeterName   string
	SubjectID   string
	PeriodStart time.Time
}

// String returns a readable form of the key for logs
func (k BucketKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.MeterName, k.SubjectID, k.PeriodStart.UTC().Format(time.RFC3339))
}

// IdempotencyKey derives the provider idempotency key for the bucket.
// It depends only on the key, so every retry of the same bucket reuses it.
func (k BucketKey) IdempotencyKey() string {
	h := sha256.New()
	h.Write([]byte(k.MeterName))
	h.Write([]byte{'|'})
	h.Write([]byte(k.SubjectID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(k.PeriodStart.UTC().Unix(), 10)))
	return "mtr_" + hex.EncodeToString(h.Sum(nil))[:40]
}

// BucketContribution is one atomic merge into a bucket.
// A contribution with a non-nil EventID is applied at most once per meter.
type BucketContribution struct {
	EventID   uuid.UUID
	Key       BucketKey
	PeriodEnd time.Time
	Kind      AggregationKind
	State     BucketState
}

// NewBucketContribution builds the contribution of an event to a meter's bucket.
func NewBucketContribution(meter MeterDefinition, event *UsageEvent, granularity time.Duration) BucketContribution {
	start, end := PeriodFor(event.Timestamp, granularity)
	return BucketContribution{
		EventID: event.ID,
		Key: BucketKey{
			MeterName:   meter.Name,
			SubjectID:   event.SubjectID,
			PeriodStart: start,
		},
		PeriodEnd: end,
		Kind:      meter.Kind,
		State:     meter.Contribution(event),
	}
}

// AggregationBucket is the accumulated value of one meter for one subject over one period.
// Buckets are never deleted; after sync they serve as the audit trail of what was billed.
type AggregationBucket struct {
	ID          uuid.UUID
	MeterName   string
	SubjectID   string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Value       float64 // Accumulated value; running sum for average
	SampleCount int64
	Synced      bool
	SyncedAt    *time.Time

	SyncAttempts  int
	LastSyncError string
	NextSyncAt    *time.Time
	DeadLettered  bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the bucket identity
func (b *AggregationBucket) Key() BucketKey {
	return BucketKey{MeterName: b.MeterName, SubjectID: b.SubjectID, PeriodStart: b.PeriodStart}
}

// State returns the mergeable state of the bucket
func (b *AggregationBucket) State() BucketState {
	return BucketState{Value: b.Value, Count: b.SampleCount}
}

// DisplayValue returns the value reported to users and the billing provider.
func (b *AggregationBucket) DisplayValue(kind AggregationKind) float64 {
	return kind.Display(b.State())
}

// HasFiniteValue reports whether the stored value can be reported.
// Overflowed sums are stored as infinities by some backends.
func (b *AggregationBucket) HasFiniteValue() bool {
	return !math.IsInf(b.Value, 0) && !math.IsNaN(b.Value)
}

// IsClosed reports whether the grace window after the period has elapsed at now.
// Only closed buckets may be synced.
func (b *AggregationBucket) IsClosed(now time.Time, grace time.Duration) bool {
	return !now.Before(b.PeriodEnd.Add(grace))
}

// IsSyncable reports whether the bucket is closed, unsynced and due for an attempt.
func (b *AggregationBucket) IsSyncable(now time.Time, grace time.Duration) bool {
	if b.Synced || b.DeadLettered || !b.IsClosed(now, grace) {
		return false
	}
	return b.NextSyncAt == nil || !now.Before(*b.NextSyncAt)
}

// SyncFailure records a failed delivery attempt.
type SyncFailure struct {
	Error        string
	FailedAt     time.Time
	NextSyncAt   *time.Time // nil retries on the next pass
	DeadLettered bool       // true stops further attempts
}
