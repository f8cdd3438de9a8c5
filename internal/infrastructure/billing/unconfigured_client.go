package billing

import (
	"context"
	"fmt"

	"github.com/pagemagic/meter/internal/domain/metering"
)

// UnconfiguredClient stands in for the provider when no API key is set.
// Every report fails with ErrProvider, so buckets stay unsynced until a key is configured.
type UnconfiguredClient struct{}

// ReportUsage implements metering.BillingClient
func (UnconfiguredClient) ReportUsage(ctx context.Context, report metering.UsageReport) error {
	return fmt.Errorf("%w: billing provider is not configured", metering.ErrProvider)
}
