package dto

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pagemagic/meter/internal/domain/metering"
)

// UsageEventRequest is the wire shape of one usage event
type UsageEventRequest struct {
	ID        string         `json:"id" binding:"omitempty,uuid"`
	EventType string         `json:"event_type" binding:"required,max=128"`
	UserID    string         `json:"user_id" binding:"required,max=255"`
	ProjectID string         `json:"project_id" binding:"omitempty,max=255"`
	SiteID    string         `json:"site_id" binding:"omitempty,max=255"`
	Timestamp time.Time      `json:"timestamp" binding:"required"`
	Metadata  map[string]any `json:"metadata" binding:"omitempty,dive,keys,metadata_key,endkeys"`
}

// ToDomain converts the request into a usage event
func (r UsageEventRequest) ToDomain() (*metering.UsageEvent, error) {
	id := uuid.Nil
	if r.ID != "" {
		parsed, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, metering.ErrInvalidEvent
		}
		id = parsed
	}

	event, err := metering.NewUsageEvent(id, r.EventType, r.UserID, r.Timestamp, r.Metadata)
	if err != nil {
		return nil, err
	}
	return event.WithProject(r.ProjectID).WithSite(r.SiteID), nil
}

// UsageEventBatchRequest carries several events in one call
type UsageEventBatchRequest struct {
	Events []UsageEventRequest `json:"events" binding:"required,min=1,dive"`
}

// IngestResponse is returned for an accepted event
type IngestResponse struct {
	EventID string `json:"event_id"`
}

// BatchIngestResponse reports how many events of a batch were ingested
type BatchIngestResponse struct {
	ProcessedCount int   `json:"processed_count"`
	FailedCount    int   `json:"failed_count"`
	FailedIndices  []int `json:"failed_indices,omitempty"`
}

// MeterResponse describes one configured meter
type MeterResponse struct {
	Name        string   `json:"name"`
	ExternalID  string   `json:"external_id"`
	Aggregation string   `json:"aggregation"`
	EventTypes  []string `json:"event_types"`
	ValueField  string   `json:"value_field,omitempty"`
}

// NewMeterResponse converts a meter definition
func NewMeterResponse(m metering.MeterDefinition) MeterResponse {
	return MeterResponse{
		Name:        m.Name,
		ExternalID:  m.ExternalID,
		Aggregation: string(m.Kind),
		EventTypes:  m.Filter.EventTypes,
		ValueField:  m.ValueField,
	}
}

// UsageQuery holds usage listing parameters
type UsageQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=1000"`
}

// MeterValue is a bucket value in a response. NaN and infinities, which JSON
// cannot carry, are written as null.
type MeterValue float64

func (v MeterValue) MarshalJSON() ([]byte, error) {
	f := float64(v)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

// UsageRecordResponse is one aggregation bucket as seen by users
type UsageRecordResponse struct {
	MeterName   string     `json:"meter_name"`
	UserID      string     `json:"user_id"`
	Value       MeterValue `json:"value"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`
}

// SyncResponse reports the outcome of a forced sync
type SyncResponse struct {
	SyncedRecords int `json:"synced_records"`
}

// DeadLetterResponse describes a bucket that exhausted its sync attempts
type DeadLetterResponse struct {
	MeterName     string     `json:"meter_name"`
	UserID        string     `json:"user_id"`
	Value         MeterValue `json:"value"`
	PeriodStart   time.Time  `json:"period_start"`
	SyncAttempts  int        `json:"sync_attempts"`
	LastSyncError string     `json:"last_sync_error"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewDeadLetterResponse converts a dead-lettered bucket, reporting its display value
func NewDeadLetterResponse(b *metering.AggregationBucket, registry *metering.Registry) DeadLetterResponse {
	return DeadLetterResponse{
		MeterName:     b.MeterName,
		UserID:        b.SubjectID,
		Value:         MeterValue(registry.DisplayValue(b)),
		PeriodStart:   b.PeriodStart,
		SyncAttempts:  b.SyncAttempts,
		LastSyncError: b.LastSyncError,
		UpdatedAt:     b.UpdatedAt,
	}
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version,omitempty"`
}
