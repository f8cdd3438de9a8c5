package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pagemagic/meter/internal/domain/metering"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsageEventModel is the GORM model for the append-only event log
type UsageEventModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	EventType  string    `gorm:"type:varchar(100);not null"`
	SubjectID  string    `gorm:"type:varchar(255);index;not null"`
	ProjectID  *string   `gorm:"type:varchar(255)"`
	SiteID     *string   `gorm:"type:varchar(255)"`
	Timestamp  time.Time `gorm:"not null"`
	Metadata   []byte    `gorm:"type:jsonb"`
	ReceivedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for the model
func (UsageEventModel) TableName() string {
	return "usage_events"
}

// UsageEventModelFromEntity creates a model from a domain event
func UsageEventModelFromEntity(e *metering.UsageEvent) (*UsageEventModel, error) {
	metadata := []byte("{}")
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata is not serializable: %v", metering.ErrInvalidEvent, err)
		}
		metadata = b
	}

	return &UsageEventModel{
		ID:         e.ID,
		EventType:  e.EventType,
		SubjectID:  e.SubjectID,
		ProjectID:  e.ProjectID,
		SiteID:     e.SiteID,
		Timestamp:  e.Timestamp.UTC(),
		Metadata:   metadata,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// GormUsageEventRepository implements metering.UsageEventRepository
type GormUsageEventRepository struct {
	db *gorm.DB
}

// NewGormUsageEventRepository creates a new event store
func NewGormUsageEventRepository(db *gorm.DB) *GormUsageEventRepository {
	return &GormUsageEventRepository{db: db}
}

// Append inserts the event. A duplicate id is ignored.
func (r *GormUsageEventRepository) Append(ctx context.Context, event *metering.UsageEvent) error {
	model, err := UsageEventModelFromEntity(event)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(model).Error
	if err != nil {
		return storageError(err)
	}
	return nil
}

// CountBySubject returns the number of stored events for a subject
func (r *GormUsageEventRepository) CountBySubject(ctx context.Context, subjectID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&UsageEventModel{}).
		Where("subject_id = ?", subjectID).
		Count(&count).Error
	if err != nil {
		return 0, storageError(err)
	}
	return count, nil
}

func storageError(err error) error {
	return fmt.Errorf("%w: %v", metering.ErrStorageUnavailable, err)
}

// Ensure interface compliance
var _ metering.UsageEventRepository = (*GormUsageEventRepository)(nil)
