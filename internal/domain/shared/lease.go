package shared

import (
	"context"
	"time"
)

// LeaseStore grants short-lived named leases so that only one process
// instance runs a given background task at a time.
type LeaseStore interface {
	// TryAcquire takes the lease for owner if it is free or expired.
	// Returns false if another owner currently holds it.
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)

	// Release frees the lease if owner still holds it
	Release(ctx context.Context, name, owner string) error

	// Close releases resources held by the store
	Close() error
}
