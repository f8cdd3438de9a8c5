package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLeaseStore(t *testing.T) {
	client := startRedis(t)
	store := NewRedisLeaseStoreWithClient(client, "test:lease:")
	ctx := context.Background()

	ok, err := store.TryAcquire(ctx, "sync", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TryAcquire(ctx, "sync", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Release(ctx, "sync", "b"))
	owner, err := client.Get(ctx, "test:lease:sync").Result()
	require.NoError(t, err)
	assert.Equal(t, "a", owner, "non-owner release leaves the lease")

	require.NoError(t, store.Release(ctx, "sync", "a"))
	ok, err = store.TryAcquire(ctx, "sync", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := client.PTTL(ctx, "test:lease:sync").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
