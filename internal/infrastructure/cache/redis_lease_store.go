package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/pagemagic/meter/internal/domain/shared"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease key only if it still holds the caller's owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisLeaseStore implements LeaseStore with SET NX PX, so every meter service
// instance sharing the Redis server competes for the same lease.
type RedisLeaseStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisLeaseStore connects to Redis and verifies the connection
func NewRedisLeaseStore(cfg RedisConfig) (*RedisLeaseStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisLeaseStoreWithClient(client, ""), nil
}

// NewRedisLeaseStoreWithClient creates a store with an existing Redis client
func NewRedisLeaseStoreWithClient(client *redis.Client, keyPrefix string) *RedisLeaseStore {
	if keyPrefix == "" {
		keyPrefix = "lease:"
	}
	return &RedisLeaseStore{client: client, keyPrefix: keyPrefix}
}

// TryAcquire sets the lease key if absent. The key expires after ttl so a
// crashed holder never blocks other instances for longer than that.
func (s *RedisLeaseStore) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+name, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return ok, nil
}

// Release deletes the lease if owner still holds it
func (s *RedisLeaseStore) Release(ctx context.Context, name, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.keyPrefix + name}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

// Close closes the Redis client
func (s *RedisLeaseStore) Close() error {
	return s.client.Close()
}

var _ shared.LeaseStore = (*RedisLeaseStore)(nil)
