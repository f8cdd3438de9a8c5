package metering

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pagemagic/meter/internal/domain/shared"
)

// Metering error codes
const (
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeFilterEvaluation   = "FILTER_EVALUATION_ERROR"
	CodeProviderError      = "PROVIDER_ERROR"
	CodeInvalidEvent       = "INVALID_EVENT"
	CodeInvalidMeter       = "INVALID_METER"
	CodeSyncInProgress     = "SYNC_IN_PROGRESS"
)

var (
	// ErrStorageUnavailable is returned when an event or bucket read/write cannot complete.
	ErrStorageUnavailable = shared.NewDomainError(CodeStorageUnavailable, "Usage storage is unavailable")

	// ErrFilterEvaluation is returned when event metadata cannot be compared against a filter.
	ErrFilterEvaluation = shared.NewDomainError(CodeFilterEvaluation, "Meter filter could not be evaluated")

	// ErrProvider is returned when the billing provider call fails.
	ErrProvider = shared.NewDomainError(CodeProviderError, "Billing provider call failed")

	// ErrInvalidEvent is returned for usage events missing required attributes.
	ErrInvalidEvent = shared.NewDomainError(CodeInvalidEvent, "Invalid usage event")

	// ErrInvalidMeter is returned for malformed meter definitions.
	ErrInvalidMeter = shared.NewDomainError(CodeInvalidMeter, "Invalid meter definition")

	// ErrSyncInProgress is returned when another sync pass holds the dispatcher lease.
	ErrSyncInProgress = shared.NewDomainError(CodeSyncInProgress, "A sync pass is already in progress")
)

// IngestError reports a failed ingest of a single event.
type IngestError struct {
	EventID uuid.UUID
	Err     error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest event %s: %v", e.EventID, e.Err)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// NewIngestError wraps err for the given event.
func NewIngestError(eventID uuid.UUID, err error) *IngestError {
	return &IngestError{EventID: eventID, Err: err}
}
