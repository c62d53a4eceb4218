//go:build integration

package tracking

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) string {
	t.Helper()
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	url := startRedis(t)

	store, err := OpenRedisStore(ctx, url, RecordID("kb", "ds", "bucket", ""), nil)
	require.NoError(t, err)
	defer store.Close()

	set, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, set.Len())

	require.NoError(t, store.Save(ctx, NewSet("a", "b")))

	// A second writer adds its own keys without clobbering the first.
	other, err := OpenRedisStore(ctx, url, RecordID("kb", "ds", "bucket", ""), nil)
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Save(ctx, NewSet("c")))

	set, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, set.Keys())

	require.NoError(t, store.Reset(ctx))
	set, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, set.Len())
}
