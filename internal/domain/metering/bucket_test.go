package metering

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodFor(t *testing.T) {
	t.Run("adjacent hours split at the boundary", func(t *testing.T) {
		before := time.Date(2024, 5, 1, 13, 59, 59, 999_000_000, time.UTC)
		after := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

		s1, e1 := PeriodFor(before, time.Hour)
		s2, e2 := PeriodFor(after, time.Hour)

		assert.Equal(t, time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC), s1)
		assert.Equal(t, time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC), e1)
		assert.Equal(t, e1, s2)
		assert.Equal(t, time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC), e2)
	})

	t.Run("non UTC input is aligned in UTC", func(t *testing.T) {
		loc := time.FixedZone("UTC+5:30", 5*3600+1800)
		ts := time.Date(2024, 5, 1, 19, 45, 0, 0, loc) // 14:15 UTC
		start, _ := PeriodFor(ts, time.Hour)
		assert.Equal(t, time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC), start)
		assert.Equal(t, time.UTC, start.Location())
	})

	t.Run("non positive granularity falls back to an hour", func(t *testing.T) {
		ts := time.Date(2024, 5, 1, 14, 15, 0, 0, time.UTC)
		start, end := PeriodFor(ts, 0)
		assert.Equal(t, time.Hour, end.Sub(start))
	})
}

func TestBucketKey_IdempotencyKey(t *testing.T) {
	start := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	k := BucketKey{MeterName: "ai_token", SubjectID: "u1", PeriodStart: start}

	assert.Equal(t, k.IdempotencyKey(), k.IdempotencyKey())
	assert.Len(t, k.IdempotencyKey(), 44)
	assert.Equal(t, k.IdempotencyKey(), BucketKey{MeterName: "ai_token", SubjectID: "u1", PeriodStart: start.In(time.FixedZone("x", 3600))}.IdempotencyKey())

	assert.NotEqual(t, k.IdempotencyKey(), BucketKey{MeterName: "ai_token", SubjectID: "u2", PeriodStart: start}.IdempotencyKey())
	assert.NotEqual(t, k.IdempotencyKey(), BucketKey{MeterName: "ai_token", SubjectID: "u1", PeriodStart: start.Add(time.Hour)}.IdempotencyKey())
	assert.NotEqual(t, k.IdempotencyKey(), BucketKey{MeterName: "storage_gb", SubjectID: "u1", PeriodStart: start}.IdempotencyKey())
}

func TestAggregationBucket_IsClosed(t *testing.T) {
	periodEnd := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	b := &AggregationBucket{PeriodStart: periodEnd.Add(-time.Hour), PeriodEnd: periodEnd}
	grace := 10 * time.Minute

	assert.False(t, b.IsClosed(periodEnd.Add(5*time.Minute), grace))
	assert.True(t, b.IsClosed(periodEnd.Add(10*time.Minute), grace))
	assert.True(t, b.IsClosed(periodEnd.Add(11*time.Minute), grace))
}

func TestAggregationBucket_IsSyncable(t *testing.T) {
	periodEnd := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	now := periodEnd.Add(time.Hour)
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	tests := []struct {
		name   string
		bucket AggregationBucket
		want   bool
	}{
		{"closed and unsynced", AggregationBucket{PeriodEnd: periodEnd}, true},
		{"already synced", AggregationBucket{PeriodEnd: periodEnd, Synced: true}, false},
		{"dead lettered", AggregationBucket{PeriodEnd: periodEnd, DeadLettered: true}, false},
		{"retry not yet due", AggregationBucket{PeriodEnd: periodEnd, NextSyncAt: &later}, false},
		{"retry due", AggregationBucket{PeriodEnd: periodEnd, NextSyncAt: &earlier}, true},
		{"inside grace window", AggregationBucket{PeriodEnd: now.Add(-time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.bucket.IsSyncable(now, 10*time.Minute))
		})
	}
}

func TestNewBucketContribution(t *testing.T) {
	meter := DefaultMeters()[1] // ai_token, sum
	e, err := NewUsageEvent(uuid.New(), "ai_token_usage", "u1", time.Date(2024, 5, 1, 13, 30, 0, 0, time.UTC), Metadata{"value": 100})
	require.NoError(t, err)

	c := NewBucketContribution(meter, e, time.Hour)
	assert.Equal(t, e.ID, c.EventID)
	assert.Equal(t, "ai_token", c.Key.MeterName)
	assert.Equal(t, "u1", c.Key.SubjectID)
	assert.Equal(t, time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC), c.Key.PeriodStart)
	assert.Equal(t, time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC), c.PeriodEnd)
	assert.Equal(t, AggregationSum, c.Kind)
	assert.Equal(t, BucketState{Value: 100, Count: 1}, c.State)
}

func TestAggregationBucket_HasFiniteValue(t *testing.T) {
	assert.True(t, (&AggregationBucket{Value: 1e308}).HasFiniteValue())
	assert.False(t, (&AggregationBucket{Value: math.Inf(1)}).HasFiniteValue())
	assert.False(t, (&AggregationBucket{Value: math.Inf(-1)}).HasFiniteValue())
	assert.False(t, (&AggregationBucket{Value: math.NaN()}).HasFiniteValue())
}

func TestNewUsageReport(t *testing.T) {
	meter := MeterDefinition{Name: "latency", ExternalID: "mtr_latency", Kind: AggregationAverage}
	b := &AggregationBucket{
		MeterName:   "latency",
		SubjectID:   "u1",
		PeriodStart: time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC),
		Value:       90,
		SampleCount: 4,
	}

	r := NewUsageReport(meter, b)
	assert.Equal(t, "mtr_latency", r.ExternalMeterID)
	assert.Equal(t, "u1", r.SubjectID)
	assert.Equal(t, 22.5, r.Value)
	assert.Equal(t, b.Key().IdempotencyKey(), r.IdempotencyKey)
	assert.Equal(t, b.PeriodStart, r.PeriodStart)
}
