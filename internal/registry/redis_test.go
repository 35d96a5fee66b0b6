//go:build integration

package registry

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_Integration(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}

	client, err := ConnectRedis(url)
	require.NoError(t, err)

	ctx := context.Background()
	store := NewRedisStore(client, "notary:test:"+t.Name())
	defer store.Close()
	defer client.Del(ctx, store.key)

	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Put(ctx, hashA, "1"))
	require.NoError(t, store.Put(ctx, hashB, "2"))
	require.NoError(t, store.Delete(ctx, hashB))

	entries, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{hashA: "1"}, entries)
}

func TestConnectRedis_BareAddress(t *testing.T) {
	client, err := ConnectRedis("localhost:6379")
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, "localhost:6379", client.Options().Addr)
}
