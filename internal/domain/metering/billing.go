package metering

import (
	"context"
	"time"
)

// UsageReport is a single delivery of a closed bucket to the billing provider.
type UsageReport struct {
	ExternalMeterID string
	SubjectID       string
	Value           float64
	IdempotencyKey  string
	PeriodStart     time.Time
}

// BillingClient delivers usage to the billing provider.
// The provider deduplicates on IdempotencyKey, so repeated calls for the same
// report do not double count. Failures wrap ErrProvider.
type BillingClient interface {
	ReportUsage(ctx context.Context, report UsageReport) error
}

// NewUsageReport builds the report for a bucket of the given meter
func NewUsageReport(meter MeterDefinition, bucket *AggregationBucket) UsageReport {
	key := bucket.Key()
	return UsageReport{
		ExternalMeterID: meter.ExternalID,
		SubjectID:       bucket.SubjectID,
		Value:           bucket.DisplayValue(meter.Kind),
		IdempotencyKey:  key.IdempotencyKey(),
		PeriodStart:     bucket.PeriodStart,
	}
}
