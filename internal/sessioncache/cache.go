// Package sessioncache caches session snapshots in Redis so status polls
// do not hit the store on every request. A small local LRU absorbs bursts
// when Redis is slow or absent; the store remains the source of truth and
// the cache degrades to pass-through on any Redis failure.
package sessioncache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cosilium-ai/cosilium/internal/metrics"
	"github.com/cosilium-ai/cosilium/internal/models"
)

const (
	keyPrefix    = "cosilium:session:"
	defaultTTL   = 30 * time.Minute
	terminalTTL  = 10 * time.Minute
	localEntries = 512
	localTTL     = 2 * time.Second
)

// Snapshot is the cached view of a session's progress.
type Snapshot struct {
	Session   models.Session          `json:"session"`
	Iteration int                     `json:"iteration"`
	Phase     string                  `json:"phase,omitempty"`
	Consensus float64                 `json:"consensus,omitempty"`
	Stats     []models.IterationStats `json:"stats,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Cache is safe for concurrent use.
type Cache struct {
	rdb    *redis.Client
	logger *zap.Logger

	mu    sync.Mutex
	local map[string]*list.Element
	lru   *list.List
}

type localEntry struct {
	key      string
	snap     Snapshot
	cachedAt time.Time
}

// New builds a cache over an optional Redis client; pass nil to run with the
// local LRU only.
func New(rdb *redis.Client, logger *zap.Logger) *Cache {
	return &Cache{
		rdb:    rdb,
		logger: logger,
		local:  make(map[string]*list.Element),
		lru:    list.New(),
	}
}

func key(sessionID string) string { return keyPrefix + sessionID }

// Put stores a snapshot. Terminal sessions get a shorter TTL since their
// result lives in the store.
func (c *Cache) Put(ctx context.Context, snap Snapshot) {
	snap.UpdatedAt = time.Now().UTC()
	c.putLocal(snap)

	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn("marshal session snapshot", zap.Error(err))
		return
	}
	ttl := defaultTTL
	if models.IsTerminal(snap.Session.Status) {
		ttl = terminalTTL
	}
	if err := c.rdb.Set(ctx, key(snap.Session.ID), data, ttl).Err(); err != nil {
		c.logger.Warn("redis set failed",
			zap.String("session_id", snap.Session.ID),
			zap.Error(err))
	}
}

// Get returns a snapshot or (nil, false). Local hits within localTTL skip
// Redis entirely.
func (c *Cache) Get(ctx context.Context, sessionID string) (*Snapshot, bool) {
	if snap, ok := c.getLocal(sessionID); ok {
		metrics.SessionCacheHits.Inc()
		return snap, true
	}
	if c.rdb == nil {
		metrics.SessionCacheMisses.Inc()
		return nil, false
	}

	data, err := c.rdb.Get(ctx, key(sessionID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis get failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
		metrics.SessionCacheMisses.Inc()
		return nil, false
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warn("corrupt session snapshot", zap.String("session_id", sessionID), zap.Error(err))
		metrics.SessionCacheMisses.Inc()
		return nil, false
	}
	c.putLocal(snap)
	metrics.SessionCacheHits.Inc()
	return &snap, true
}

// Delete removes a session from both tiers.
func (c *Cache) Delete(ctx context.Context, sessionID string) {
	c.mu.Lock()
	if el, ok := c.local[sessionID]; ok {
		c.lru.Remove(el)
		delete(c.local, sessionID)
	}
	c.mu.Unlock()

	if c.rdb != nil {
		if err := c.rdb.Del(ctx, key(sessionID)).Err(); err != nil {
			c.logger.Warn("redis del failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

func (c *Cache) putLocal(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := snap.Session.ID
	if el, ok := c.local[id]; ok {
		el.Value.(*localEntry).snap = snap
		el.Value.(*localEntry).cachedAt = time.Now()
		c.lru.MoveToFront(el)
		return
	}
	el := c.lru.PushFront(&localEntry{key: id, snap: snap, cachedAt: time.Now()})
	c.local[id] = el
	for c.lru.Len() > localEntries {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.local, oldest.Value.(*localEntry).key)
	}
}

func (c *Cache) getLocal(sessionID string) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.local[sessionID]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*localEntry)
	if time.Since(entry.cachedAt) > localTTL {
		return nil, false
	}
	c.lru.MoveToFront(el)
	out := entry.snap
	return &out, true
}

// Ping verifies the Redis connection for health checks.
func (c *Cache) Ping(ctx context.Context) error {
	if c.rdb == nil {
		return fmt.Errorf("redis not configured")
	}
	return c.rdb.Ping(ctx).Err()
}
