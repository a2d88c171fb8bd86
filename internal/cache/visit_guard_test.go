package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestVisitKey(t *testing.T) {
	a := visitKey(1, "10.0.0.1", "firefox")
	assert.Equal(t, a, visitKey(1, "10.0.0.1", "firefox"))
	assert.NotEqual(t, a, visitKey(2, "10.0.0.1", "firefox"))
	assert.NotEqual(t, a, visitKey(1, "10.0.0.2", "firefox"))
	assert.NotEqual(t, a, visitKey(1, "10.0.0.1", "chrome"))
	assert.Contains(t, a, "visit:1:")
}

func TestRedisVisitGuard(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
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
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, fmt.Sprintf("%s:%s", host, port.Port()), "")
	require.NoError(t, err)
	defer client.Close()

	guard := NewRedisVisitGuard(client)

	fresh, err := guard.Acquire(ctx, 1, "10.0.0.1", "firefox", time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = guard.Acquire(ctx, 1, "10.0.0.1", "firefox", time.Hour)
	require.NoError(t, err)
	assert.False(t, fresh, "second visit inside the window")

	fresh, err = guard.Acquire(ctx, 2, "10.0.0.1", "firefox", time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh, "other partner")

	require.NoError(t, guard.Release(ctx, 1, "10.0.0.1", "firefox"))
	fresh, err = guard.Acquire(ctx, 1, "10.0.0.1", "firefox", time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh, "released key")

	key := visitKey(1, "10.0.0.1", "firefox")
	require.NoError(t, guard.ExpireAt(ctx, 1, "10.0.0.1", "firefox", time.Now().Add(10*time.Minute)))
	ttl, err := client.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 10*time.Minute)
	assert.Greater(t, ttl, 9*time.Minute)

	require.NoError(t, guard.ExpireAt(ctx, 1, "10.0.0.1", "firefox", time.Now().Add(-time.Second)))
	fresh, err = guard.Acquire(ctx, 1, "10.0.0.1", "firefox", time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh, "a mark whose window already ended is gone")
}
