package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pagemagic/meter/internal/domain/metering"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MeterBucketModel is the GORM model for aggregation buckets.
// (meter_name, subject_id, period_start) is unique; upserts rely on it.
type MeterBucketModel struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	MeterName     string     `gorm:"type:varchar(100);not null;uniqueIndex:idx_meter_buckets_key,priority:1"`
	SubjectID     string     `gorm:"type:varchar(255);not null;uniqueIndex:idx_meter_buckets_key,priority:2"`
	PeriodStart   time.Time  `gorm:"not null;uniqueIndex:idx_meter_buckets_key,priority:3"`
	PeriodEnd     time.Time  `gorm:"not null"`
	Value         float64    `gorm:"type:double precision;not null"`
	SampleCount   int64      `gorm:"not null"`
	Synced        bool       `gorm:"not null"`
	SyncedAt      *time.Time `gorm:""`
	SyncAttempts  int        `gorm:"not null"`
	LastSyncError string     `gorm:"type:text"`
	NextSyncAt    *time.Time `gorm:""`
	DeadLettered  bool       `gorm:"not null"`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

// TableName returns the table name for the model
func (MeterBucketModel) TableName() string {
	return "meter_buckets"
}

// ToEntity converts the model to a domain bucket
func (m *MeterBucketModel) ToEntity() *metering.AggregationBucket {
	return &metering.AggregationBucket{
		ID:            m.ID,
		MeterName:     m.MeterName,
		SubjectID:     m.SubjectID,
		PeriodStart:   m.PeriodStart.UTC(),
		PeriodEnd:     m.PeriodEnd.UTC(),
		Value:         m.Value,
		SampleCount:   m.SampleCount,
		Synced:        m.Synced,
		SyncedAt:      utcPtr(m.SyncedAt),
		SyncAttempts:  m.SyncAttempts,
		LastSyncError: m.LastSyncError,
		NextSyncAt:    utcPtr(m.NextSyncAt),
		DeadLettered:  m.DeadLettered,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// AppliedContributionModel records that an event was merged into a meter's bucket.
type AppliedContributionModel struct {
	EventID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	MeterName   string    `gorm:"type:varchar(100);primaryKey"`
	SubjectID   string    `gorm:"type:varchar(255);not null"`
	PeriodStart time.Time `gorm:"not null"`
	AppliedAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for the model
func (AppliedContributionModel) TableName() string {
	return "applied_contributions"
}

// GormMeterBucketRepository implements metering.MeterBucketRepository.
// Bucket merges are single statements so concurrent ingests never lose updates.
type GormMeterBucketRepository struct {
	db *gorm.DB
}

// NewGormMeterBucketRepository creates a new bucket repository
func NewGormMeterBucketRepository(db *gorm.DB) *GormMeterBucketRepository {
	return &GormMeterBucketRepository{db: db}
}

// mergeExpression returns the SQL merging an incoming value into the stored one.
// Average stores a running sum, so it merges like sum.
func mergeExpression(kind metering.AggregationKind) clause.Expr {
	switch kind {
	case metering.AggregationMax:
		return gorm.Expr("CASE WHEN excluded.value > meter_buckets.value THEN excluded.value ELSE meter_buckets.value END")
	case metering.AggregationMin:
		return gorm.Expr("CASE WHEN excluded.value < meter_buckets.value THEN excluded.value ELSE meter_buckets.value END")
	default:
		return gorm.Expr("meter_buckets.value + excluded.value")
	}
}

// errPeriodBilled rolls back the contribution ledger row when the bucket is already synced.
var errPeriodBilled = errors.New("bucket already synced")

// Upsert inserts the bucket or merges the contribution into the existing row.
// A synced row is left as billed. When the contribution names its event, the
// (event, meter) ledger row and the merge commit together, so a redelivered
// event is merged at most once per meter.
func (r *GormMeterBucketRepository) Upsert(ctx context.Context, c metering.BucketContribution) (metering.UpsertOutcome, error) {
	now := time.Now().UTC()
	db := r.db.WithContext(ctx)

	if c.EventID == uuid.Nil {
		merged, err := r.merge(db, c, now)
		if err != nil {
			return metering.UpsertApplied, storageError(err)
		}
		if !merged {
			return metering.UpsertPeriodBilled, nil
		}
		return metering.UpsertApplied, nil
	}

	outcome := metering.UpsertApplied
	err := db.Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}, {Name: "meter_name"}},
			DoNothing: true,
		}).Create(&AppliedContributionModel{
			EventID:     c.EventID,
			MeterName:   c.Key.MeterName,
			SubjectID:   c.Key.SubjectID,
			PeriodStart: c.Key.PeriodStart.UTC(),
			AppliedAt:   now,
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			outcome = metering.UpsertDuplicate
			return nil
		}

		merged, err := r.merge(tx, c, now)
		if err != nil {
			return err
		}
		if !merged {
			outcome = metering.UpsertPeriodBilled
			return errPeriodBilled
		}
		return nil
	})
	switch {
	case errors.Is(err, errPeriodBilled):
		return metering.UpsertPeriodBilled, nil
	case err != nil:
		return metering.UpsertApplied, storageError(err)
	}
	return outcome, nil
}

// merge runs the bucket upsert and reports whether a row was inserted or updated.
// The conflict update only applies to unsynced rows.
func (r *GormMeterBucketRepository) merge(db *gorm.DB, c metering.BucketContribution, now time.Time) (bool, error) {
	model := &MeterBucketModel{
		ID:          uuid.New(),
		MeterName:   c.Key.MeterName,
		SubjectID:   c.Key.SubjectID,
		PeriodStart: c.Key.PeriodStart.UTC(),
		PeriodEnd:   c.PeriodEnd.UTC(),
		Value:       c.State.Value,
		SampleCount: c.State.Count,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	result := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "meter_name"},
			{Name: "subject_id"},
			{Name: "period_start"},
		},
		DoUpdates: clause.Assignments(map[string]any{
			"value":        mergeExpression(c.Kind),
			"sample_count": gorm.Expr("meter_buckets.sample_count + excluded.sample_count"),
			"updated_at":   now,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("meter_buckets.synced = ?", false),
		}},
	}).Create(model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FindBySubject returns the subject's buckets, most recent period first
func (r *GormMeterBucketRepository) FindBySubject(ctx context.Context, subjectID string, limit int) ([]*metering.AggregationBucket, error) {
	var models []MeterBucketModel
	err := r.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("period_start DESC").
		Order("meter_name ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, storageError(err)
	}
	return toBuckets(models), nil
}

// FindSyncable returns closed, unsynced buckets that are due, oldest first
func (r *GormMeterBucketRepository) FindSyncable(ctx context.Context, closedBefore, now time.Time, limit int) ([]*metering.AggregationBucket, error) {
	var models []MeterBucketModel
	err := r.db.WithContext(ctx).
		Where("synced = ? AND dead_lettered = ?", false, false).
		Where("period_end <= ?", closedBefore.UTC()).
		Where("next_sync_at IS NULL OR next_sync_at <= ?", now.UTC()).
		Order("period_start ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, storageError(err)
	}
	return toBuckets(models), nil
}

// MarkSynced flips the synced flag only if it is still false.
func (r *GormMeterBucketRepository) MarkSynced(ctx context.Context, key metering.BucketKey, syncedAt time.Time) (bool, error) {
	syncedAt = syncedAt.UTC()
	result := r.byKey(ctx, key).
		Where("synced = ?", false).
		Updates(map[string]any{
			"synced":     true,
			"synced_at":  syncedAt,
			"updated_at": syncedAt,
		})
	if result.Error != nil {
		return false, storageError(result.Error)
	}
	return result.RowsAffected == 1, nil
}

// RecordSyncFailure increments the attempt counter and stores the failure.
// A bucket that was synced in the meantime is left untouched.
func (r *GormMeterBucketRepository) RecordSyncFailure(ctx context.Context, key metering.BucketKey, failure metering.SyncFailure) error {
	err := r.byKey(ctx, key).
		Where("synced = ?", false).
		Updates(map[string]any{
			"sync_attempts":   gorm.Expr("sync_attempts + 1"),
			"last_sync_error": failure.Error,
			"next_sync_at":    utcPtr(failure.NextSyncAt),
			"dead_lettered":   failure.DeadLettered,
			"updated_at":      failure.FailedAt.UTC(),
		}).Error
	if err != nil {
		return storageError(err)
	}
	return nil
}

// FindDeadLettered returns buckets that stopped retrying, oldest first
func (r *GormMeterBucketRepository) FindDeadLettered(ctx context.Context, limit int) ([]*metering.AggregationBucket, error) {
	var models []MeterBucketModel
	err := r.db.WithContext(ctx).
		Where("dead_lettered = ? AND synced = ?", true, false).
		Order("period_start ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, storageError(err)
	}
	return toBuckets(models), nil
}

// CountUnsynced returns the sync backlog size
func (r *GormMeterBucketRepository) CountUnsynced(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&MeterBucketModel{}).
		Where("synced = ? AND dead_lettered = ?", false, false).
		Count(&count).Error
	if err != nil {
		return 0, storageError(err)
	}
	return count, nil
}

func (r *GormMeterBucketRepository) byKey(ctx context.Context, key metering.BucketKey) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&MeterBucketModel{}).
		Where("meter_name = ? AND subject_id = ? AND period_start = ?",
			key.MeterName, key.SubjectID, key.PeriodStart.UTC())
}

func toBuckets(models []MeterBucketModel) []*metering.AggregationBucket {
	buckets := make([]*metering.AggregationBucket, len(models))
	for i := range models {
		buckets[i] = models[i].ToEntity()
	}
	return buckets
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// Ensure interface compliance
var _ metering.MeterBucketRepository = (*GormMeterBucketRepository)(nil)
