package metering

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pagemagic/meter/internal/domain/metering"
	"github.com/stretchr/testify/mock"
)

// memoryEventRepo is an in-memory event store with per-event failure injection
type memoryEventRepo struct {
	mu     sync.Mutex
	events map[uuid.UUID]*metering.UsageEvent
	failOn map[uuid.UUID]bool
}

func newMemoryEventRepo() *memoryEventRepo {
	return &memoryEventRepo{
		events: make(map[uuid.UUID]*metering.UsageEvent),
		failOn: make(map[uuid.UUID]bool),
	}
}

func (r *memoryEventRepo) Append(ctx context.Context, event *metering.UsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn[event.ID] {
		return fmt.Errorf("%w: connection refused", metering.ErrStorageUnavailable)
	}
	r.events[event.ID] = event
	return nil
}

func (r *memoryEventRepo) CountBySubject(ctx context.Context, subjectID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.events {
		if e.SubjectID == subjectID {
			n++
		}
	}
	return n, nil
}

func (r *memoryEventRepo) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// memoryBucketRepo merges contributions in memory using the same merge functions as storage
type memoryBucketRepo struct {
	mu          sync.Mutex
	buckets     map[metering.BucketKey]*metering.AggregationBucket
	applied     map[appliedKey]bool
	failMeters  map[string]bool
	markedCalls int
}

type appliedKey struct {
	eventID uuid.UUID
	meter   string
}

func newMemoryBucketRepo() *memoryBucketRepo {
	return &memoryBucketRepo{
		buckets:    make(map[metering.BucketKey]*metering.AggregationBucket),
		applied:    make(map[appliedKey]bool),
		failMeters: make(map[string]bool),
	}
}

func (r *memoryBucketRepo) Upsert(ctx context.Context, c metering.BucketContribution) (metering.UpsertOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failMeters[c.Key.MeterName] {
		return metering.UpsertApplied, fmt.Errorf("%w: timeout", metering.ErrStorageUnavailable)
	}
	ak := appliedKey{eventID: c.EventID, meter: c.Key.MeterName}
	if c.EventID != uuid.Nil && r.applied[ak] {
		return metering.UpsertDuplicate, nil
	}
	b, ok := r.buckets[c.Key]
	if ok && b.Synced {
		return metering.UpsertPeriodBilled, nil
	}
	if c.EventID != uuid.Nil {
		r.applied[ak] = true
	}
	if !ok {
		b = &metering.AggregationBucket{
			ID:          uuid.New(),
			MeterName:   c.Key.MeterName,
			SubjectID:   c.Key.SubjectID,
			PeriodStart: c.Key.PeriodStart,
			PeriodEnd:   c.PeriodEnd,
		}
		state := c.Kind.Merge(c.Kind.Identity(), c.State)
		b.Value, b.SampleCount = state.Value, state.Count
		r.buckets[c.Key] = b
		return metering.UpsertApplied, nil
	}
	state := c.Kind.Merge(b.State(), c.State)
	b.Value, b.SampleCount = state.Value, state.Count
	return metering.UpsertApplied, nil
}

func (r *memoryBucketRepo) CountUnsynced(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, b := range r.buckets {
		if !b.Synced && !b.DeadLettered {
			n++
		}
	}
	return n, nil
}

func (r *memoryBucketRepo) FindBySubject(ctx context.Context, subjectID string, limit int) ([]*metering.AggregationBucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*metering.AggregationBucket
	for _, b := range r.buckets {
		if b.SubjectID == subjectID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.After(out[j].PeriodStart) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryBucketRepo) FindSyncable(ctx context.Context, closedBefore, now time.Time, limit int) ([]*metering.AggregationBucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*metering.AggregationBucket
	for _, b := range r.buckets {
		if b.Synced || b.DeadLettered || b.PeriodEnd.After(closedBefore) {
			continue
		}
		if b.NextSyncAt != nil && b.NextSyncAt.After(now) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryBucketRepo) MarkSynced(ctx context.Context, key metering.BucketKey, syncedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markedCalls++
	b, ok := r.buckets[key]
	if !ok || b.Synced {
		return false, nil
	}
	b.Synced = true
	b.SyncedAt = &syncedAt
	return true, nil
}

func (r *memoryBucketRepo) RecordSyncFailure(ctx context.Context, key metering.BucketKey, failure metering.SyncFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[key]
	if !ok || b.Synced {
		return nil
	}
	b.SyncAttempts++
	b.LastSyncError = failure.Error
	b.NextSyncAt = failure.NextSyncAt
	b.DeadLettered = failure.DeadLettered
	return nil
}

func (r *memoryBucketRepo) FindDeadLettered(ctx context.Context, limit int) ([]*metering.AggregationBucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*metering.AggregationBucket
	for _, b := range r.buckets {
		if b.DeadLettered && !b.Synced {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memoryBucketRepo) get(meter, subject string, periodStart time.Time) *metering.AggregationBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[metering.BucketKey{MeterName: meter, SubjectID: subject, PeriodStart: periodStart}]
	if !ok {
		return nil
	}
	cp := *b
	return &cp
}

func (r *memoryBucketRepo) put(b *metering.AggregationBucket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets[b.Key()] = b
}

func (r *memoryBucketRepo) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// mockBucketRepo is a mock implementation of metering.MeterBucketRepository
type mockBucketRepo struct {
	mock.Mock
}

func (m *mockBucketRepo) Upsert(ctx context.Context, c metering.BucketContribution) (metering.UpsertOutcome, error) {
	args := m.Called(ctx, c)
	return args.Get(0).(metering.UpsertOutcome), args.Error(1)
}

func (m *mockBucketRepo) CountUnsynced(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockBucketRepo) FindBySubject(ctx context.Context, subjectID string, limit int) ([]*metering.AggregationBucket, error) {
	args := m.Called(ctx, subjectID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*metering.AggregationBucket), args.Error(1)
}

func (m *mockBucketRepo) FindSyncable(ctx context.Context, closedBefore, now time.Time, limit int) ([]*metering.AggregationBucket, error) {
	args := m.Called(ctx, closedBefore, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*metering.AggregationBucket), args.Error(1)
}

func (m *mockBucketRepo) MarkSynced(ctx context.Context, key metering.BucketKey, syncedAt time.Time) (bool, error) {
	args := m.Called(ctx, key, syncedAt)
	return args.Bool(0), args.Error(1)
}

func (m *mockBucketRepo) RecordSyncFailure(ctx context.Context, key metering.BucketKey, failure metering.SyncFailure) error {
	args := m.Called(ctx, key, failure)
	return args.Error(0)
}

func (m *mockBucketRepo) FindDeadLettered(ctx context.Context, limit int) ([]*metering.AggregationBucket, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*metering.AggregationBucket), args.Error(1)
}

// mockBillingClient is a mock implementation of metering.BillingClient
type mockBillingClient struct {
	mock.Mock
}

func (m *mockBillingClient) ReportUsage(ctx context.Context, report metering.UsageReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

// mockLeaseStore is a mock implementation of shared.LeaseStore
type mockLeaseStore struct {
	mock.Mock
}

func (m *mockLeaseStore) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, name, owner, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockLeaseStore) Release(ctx context.Context, name, owner string) error {
	args := m.Called(ctx, name, owner)
	return args.Error(0)
}

func (m *mockLeaseStore) Close() error {
	return nil
}
