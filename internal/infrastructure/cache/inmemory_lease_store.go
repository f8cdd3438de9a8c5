package cache

import (
	"context"
	"sync"
	"time"

	"github.com/pagemagic/meter/internal/domain/shared"
)

type lease struct {
	owner     string
	expiresAt time.Time
}

// InMemoryLeaseStore implements LeaseStore for single-instance deployments and tests
type InMemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewInMemoryLeaseStore creates an empty lease store
func NewInMemoryLeaseStore() *InMemoryLeaseStore {
	return &InMemoryLeaseStore{
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

// TryAcquire takes the lease if it is free, expired, or already held by owner
func (s *InMemoryLeaseStore) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.leases[name]; ok && l.owner != owner && now.Before(l.expiresAt) {
		return false, nil
	}
	s.leases[name] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release frees the lease if owner still holds it
func (s *InMemoryLeaseStore) Release(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[name]; ok && l.owner == owner {
		delete(s.leases, name)
	}
	return nil
}

// Close is a no-op
func (s *InMemoryLeaseStore) Close() error {
	return nil
}

var _ shared.LeaseStore = (*InMemoryLeaseStore)(nil)
