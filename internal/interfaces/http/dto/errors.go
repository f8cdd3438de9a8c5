package dto

import (
	"net/http"

	"github.com/pagemagic/meter/internal/domain/metering"
)

// API error codes returned in the error envelope.
const (
	ErrCodeInternal        = "ERR_INTERNAL"
	ErrCodeValidation      = "ERR_VALIDATION"
	ErrCodeBadRequest      = "ERR_BAD_REQUEST"
	ErrCodeInvalidJSON     = "ERR_INVALID_JSON"
	ErrCodeRequestTooLarge = "ERR_REQUEST_TOO_LARGE"

	ErrCodeInvalidEvent       = "ERR_INVALID_EVENT"
	ErrCodeInvalidMeter       = "ERR_INVALID_METER"
	ErrCodeStorageUnavailable = "ERR_STORAGE_UNAVAILABLE"
	ErrCodeSyncInProgress     = "ERR_SYNC_IN_PROGRESS"
	ErrCodeProvider           = "ERR_PROVIDER"
	// ErrCodeFilterEvaluation means a configured meter filter is broken, not the request.
	ErrCodeFilterEvaluation = "ERR_FILTER_EVALUATION"
)

var statusByCode = map[string]int{
	ErrCodeInternal:           http.StatusInternalServerError,
	ErrCodeValidation:         http.StatusBadRequest,
	ErrCodeBadRequest:         http.StatusBadRequest,
	ErrCodeInvalidJSON:        http.StatusBadRequest,
	ErrCodeRequestTooLarge:    http.StatusRequestEntityTooLarge,
	ErrCodeInvalidEvent:       http.StatusBadRequest,
	ErrCodeInvalidMeter:       http.StatusBadRequest,
	ErrCodeStorageUnavailable: http.StatusServiceUnavailable,
	ErrCodeSyncInProgress:     http.StatusConflict,
	ErrCodeProvider:           http.StatusBadGateway,
	ErrCodeFilterEvaluation:   http.StatusInternalServerError,
}

var apiCodeByDomainCode = map[string]string{
	metering.CodeInvalidEvent:       ErrCodeInvalidEvent,
	metering.CodeInvalidMeter:       ErrCodeInvalidMeter,
	metering.CodeStorageUnavailable: ErrCodeStorageUnavailable,
	metering.CodeSyncInProgress:     ErrCodeSyncInProgress,
	metering.CodeProviderError:      ErrCodeProvider,
	metering.CodeFilterEvaluation:   ErrCodeFilterEvaluation,
}

// GetHTTPStatus returns the status for an API error code, 500 when unknown.
func GetHTTPStatus(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// NormalizeErrorCode translates a metering domain code to its API code.
// Anything else is returned unchanged.
func NormalizeErrorCode(code string) string {
	if apiCode, ok := apiCodeByDomainCode[code]; ok {
		return apiCode
	}
	return code
}
