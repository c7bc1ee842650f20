package sessioncache

import (
	"container/list"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cosilium-ai/cosilium/internal/models"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, zap.NewNop()), mr
}

func snapshot(id, status string) Snapshot {
	return Snapshot{
		Session: models.Session{ID: id, Status: status, TaskType: models.TaskTypeStrategy},
		Phase:   models.PhaseAnalyze,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Put(ctx, snapshot("s1", models.StatusRunning))
	got, ok := c.Get(ctx, "s1")
	require.True(t, ok)
	assert.Equal(t, "s1", got.Session.ID)
	assert.Equal(t, models.PhaseAnalyze, got.Phase)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestGetMiss(t *testing.T) {
	c, _ := newTestCache(t)
	_, ok := c.Get(context.Background(), "unknown")
	assert.False(t, ok)
}

func TestRedisSurvivesLocalEviction(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Put(ctx, snapshot("s1", models.StatusRunning))
	// Drop the local tier; the redis tier must still serve.
	c.mu.Lock()
	c.local = make(map[string]*list.Element)
	c.lru = list.New()
	c.mu.Unlock()

	got, ok := c.Get(ctx, "s1")
	require.True(t, ok)
	assert.Equal(t, "s1", got.Session.ID)
}

func TestTerminalSnapshotsGetShorterTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Put(ctx, snapshot("running", models.StatusRunning))
	c.Put(ctx, snapshot("done", models.StatusCompleted))

	runningTTL := mr.TTL(key("running"))
	doneTTL := mr.TTL(key("done"))
	assert.Greater(t, runningTTL, doneTTL)
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Put(ctx, snapshot("s1", models.StatusRunning))
	c.Delete(ctx, "s1")

	_, ok := c.Get(ctx, "s1")
	assert.False(t, ok)
	assert.False(t, mr.Exists(key("s1")))
}

func TestRedisDownDegradesToLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(rdb, zap.NewNop())
	ctx := context.Background()

	c.Put(ctx, snapshot("s1", models.StatusRunning))
	mr.Close()

	// Local tier still serves within its short TTL.
	got, ok := c.Get(ctx, "s1")
	require.True(t, ok)
	assert.Equal(t, "s1", got.Session.ID)
}

func TestNilRedisLocalOnly(t *testing.T) {
	c := New(nil, zap.NewNop())
	ctx := context.Background()

	c.Put(ctx, snapshot("s1", models.StatusRunning))
	got, ok := c.Get(ctx, "s1")
	require.True(t, ok)
	assert.Equal(t, "s1", got.Session.ID)

	assert.Error(t, c.Ping(ctx))
}

func TestLocalTTLExpiry(t *testing.T) {
	c := New(nil, zap.NewNop())
	ctx := context.Background()

	c.Put(ctx, snapshot("s1", models.StatusRunning))
	time.Sleep(localTTL + 50*time.Millisecond)
	_, ok := c.Get(ctx, "s1")
	assert.False(t, ok)
}
