package metering

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Metadata holds the string-keyed payload of a usage event.
// Values are the decoded JSON scalars used for numeric payloads and filter predicates.
type Metadata map[string]any

// UsageEvent represents one observed customer action.
// Events are immutable once created: they are written once to the event store
// and never mutated or deleted.
type UsageEvent struct {
	ID        uuid.UUID
	EventType string
	SubjectID string  // Customer/user the usage is billed to
	ProjectID *string // Optional project the usage belongs to
	SiteID    *string // Optional site the usage belongs to
	Timestamp time.Time
	Metadata  Metadata
}

// NewUsageEvent creates a validated usage event.
// A zero id is replaced with a generated one and the timestamp is normalized to UTC.
func NewUsageEvent(
	id uuid.UUID,
	eventType string,
	subjectID string,
	timestamp time.Time,
	metadata Metadata,
) (*UsageEvent, error) {
	eventType = strings.TrimSpace(eventType)
	subjectID = strings.TrimSpace(subjectID)

	if eventType == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	}
	if subjectID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidEvent)
	}
	if timestamp.IsZero() {
		return nil, fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	if id == uuid.Nil {
		id = uuid.New()
	}

	md := make(Metadata, len(metadata))
	maps.Copy(md, metadata)

	return &UsageEvent{
		ID:        id,
		EventType: eventType,
		SubjectID: subjectID,
		Timestamp: timestamp.UTC(),
		Metadata:  md,
	}, nil
}

// WithProject sets the project identifier
func (e *UsageEvent) WithProject(projectID string) *UsageEvent {
	if projectID != "" {
		e.ProjectID = &projectID
	}
	return e
}

// WithSite sets the site identifier
func (e *UsageEvent) WithSite(siteID string) *UsageEvent {
	if siteID != "" {
		e.SiteID = &siteID
	}
	return e
}

// Value returns the metadata value for key and whether it was present.
func (e *UsageEvent) Value(key string) (any, bool) {
	if e.Metadata == nil {
		return nil, false
	}
	v, ok := e.Metadata[key]
	return v, ok
}
