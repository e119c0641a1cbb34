package coord

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis requires a running Redis and skips otherwise.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("PROPOSALFLOW_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	r := NewRedis(RedisOptions{Addr: addr, KeyPrefix: fmt.Sprintf("pftest:%d:", time.Now().UnixNano()), AgingPerMinute: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		r.Close()
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedisCoordinator(t *testing.T) {
	r := newTestRedis(t)
	coordinatorSuite(t, r, "")
}

func TestRedisQueueOrdering(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()
	r.Now = func() time.Time { return now }

	require.NoError(t, r.Enqueue(ctx, Entry{ProjectID: "low", Priority: 10}))
	require.NoError(t, r.Enqueue(ctx, Entry{ProjectID: "high", Priority: 100}))
	require.NoError(t, r.Enqueue(ctx, Entry{ProjectID: "later", Priority: 500, NotBefore: now.Add(time.Hour)}))

	id, err := r.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "high", id)
	id, err = r.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "low", id)
	_, err = r.DequeueNext(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	now = now.Add(time.Hour)
	id, err = r.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", id)
}

func TestRedisLockExpires(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	ok, err := r.AcquireLock(ctx, "p1", "w1/0", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(120 * time.Millisecond)
	ok, err = r.AcquireLock(ctx, "p1", "w2/0", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
