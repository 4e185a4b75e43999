//go:build integration

package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		t.Skip("Docker unavailable")
	}
	healthy := provider.Health(ctx) == nil
	_ = provider.Close()
	if !healthy {
		t.Skip("Docker unavailable")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func TestSnapshotNotifier_PublishesToStream(t *testing.T) {
	addr := startRedis(t)
	ctx := context.Background()

	client, err := NewClientWithOptions(ctx, zaptest.NewLogger(t), &goredis.Options{Addr: addr}, 2)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	require.NoError(t, client.Health(ctx))

	n := NewSnapshotNotifier(client, zaptest.NewLogger(t))
	n.VaultSnapshotCommitted(ctx, testSnapshot())

	entries, err := client.XRange(ctx, VaultSnapshotStream, "-", "+", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "3", entries[0].Values["vaultId"])
	assert.Equal(t, "4123456", entries[0].Values["blockNumber"])
	assert.Equal(t, "2", entries[0].Values["holders"])
}

func TestClient_XAddIsBestEffort(t *testing.T) {
	addr := startRedis(t)
	ctx := context.Background()

	client, err := NewClientWithOptions(ctx, zaptest.NewLogger(t), &goredis.Options{Addr: addr}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, client.XAdd(ctx, "otter:test", map[string]any{"k": "v"}))

	require.NoError(t, client.Close())
	assert.Empty(t, client.XAdd(ctx, "otter:test", map[string]any{"k": "v"}), "closed client only logs")
}
