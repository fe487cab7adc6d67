package broadcast

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPublishSubscribe(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping redis broadcaster test")
	}
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	defer rdb.Close()

	b := NewRedis(rdb, "agentrun-test:")
	runID := uuid.New().String()

	s, err := b.Subscribe(ctx, runID)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, b.Publish(ctx, delta(runID, 1)))
	require.NoError(t, b.Publish(ctx, finished(runID, 2)))

	ev, ok := recv(t, s.C)
	require.True(t, ok)
	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, "x", ev.Payload["delta"])

	ev, _ = recv(t, s.C)
	assert.Equal(t, int64(2), ev.Seq)
	_, ok = recv(t, s.C)
	assert.False(t, ok)
}
