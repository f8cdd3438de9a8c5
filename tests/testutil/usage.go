// Package testutil holds helpers shared by the metering tests: usage event
// builders, a recording billing client and HTTP helpers for gin engines.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pagemagic/meter/internal/domain/metering"
	"github.com/stretchr/testify/require"
)

// NewTestUsageEvent builds a valid event or fails the test.
func NewTestUsageEvent(t *testing.T, eventType, subjectID string, ts time.Time, md metering.Metadata) *metering.UsageEvent {
	t.Helper()
	event, err := metering.NewUsageEvent(uuid.New(), eventType, subjectID, ts, md)
	require.NoError(t, err)
	return event
}

// RecordingBillingClient captures delivered reports. While failing is set,
// every call returns an ErrProvider error instead.
type RecordingBillingClient struct {
	mu      sync.Mutex
	reports []metering.UsageReport
	calls   int
	failing bool
}

// ReportUsage implements metering.BillingClient
func (c *RecordingBillingClient) ReportUsage(_ context.Context, report metering.UsageReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failing {
		return fmt.Errorf("%w: stripe returned 500", metering.ErrProvider)
	}
	c.reports = append(c.reports, report)
	return nil
}

// SetFailing toggles provider failures
func (c *RecordingBillingClient) SetFailing(failing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing = failing
}

// Reports returns a copy of the delivered reports
func (c *RecordingBillingClient) Reports() []metering.UsageReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]metering.UsageReport(nil), c.reports...)
}

// Calls returns the number of delivery attempts, failed ones included
func (c *RecordingBillingClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// ReportsByMeter indexes the delivered reports by external meter id
func (c *RecordingBillingClient) ReportsByMeter() map[string]metering.UsageReport {
	out := make(map[string]metering.UsageReport)
	for _, r := range c.Reports() {
		out[r.ExternalMeterID] = r
	}
	return out
}

var _ metering.BillingClient = (*RecordingBillingClient)(nil)
