// Package cache implements the semantic ResponseCache (C5): answers are
// looked up by embedding similarity against past queries rather than by
// exact key match, and entries are invalidated once a user's doc_set_version
// advances past the version they were cached under.
package cache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Klarline/academe/internal/models"
)

// ResponseCache answers "have we already answered something this close to
// this query for this user, against this document set?"
type ResponseCache struct {
	mu           sync.RWMutex
	entries      map[string][]models.ResponseCacheEntry // userID -> entries, newest last
	maxPerUser   int
	ttl          time.Duration
	simThreshold float64

	redis   *RedisClient
	enabled bool
	log     *logrus.Entry
}

// NewResponseCache builds an in-process semantic cache. If redis is
// non-nil, stored entries are also written there; lookups only consult the
// in-process entries and nothing is loaded back from Redis, so after a
// process restart the cache starts empty.
func NewResponseCache(maxPerUser int, ttl time.Duration, simThreshold float64, redisClient *RedisClient, log *logrus.Logger) *ResponseCache {
	if maxPerUser <= 0 {
		maxPerUser = 50
	}
	if simThreshold <= 0 {
		simThreshold = 0.95
	}
	if log == nil {
		log = logrus.New()
	}
	return &ResponseCache{
		entries:      make(map[string][]models.ResponseCacheEntry),
		maxPerUser:   maxPerUser,
		ttl:          ttl,
		simThreshold: simThreshold,
		redis:        redisClient,
		enabled:      redisClient != nil,
		log:          log.WithField("component", "cache"),
	}
}

// Lookup returns the cached entry whose query embedding is within the
// similarity threshold of queryEmbedding, scoped to userID and the caller's
// current docSetVersion (a stale entry — cached before a document was added
// or removed — is never returned).
func (c *ResponseCache) Lookup(ctx context.Context, userID string, queryEmbedding []float32, docSetVersion int64) (models.ResponseCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best models.ResponseCacheEntry
	bestSim := -1.0
	now := time.Now()

	for _, e := range c.entries[userID] {
		if e.DocSetVersion != docSetVersion {
			continue
		}
		if c.ttl > 0 && now.Sub(e.CreatedAt) > c.ttl {
			continue
		}
		sim := cosineSimilarity(queryEmbedding, e.QueryEmbedding)
		if sim > bestSim {
			bestSim = sim
			best = e
		}
	}

	if bestSim >= c.simThreshold {
		c.log.WithFields(logrus.Fields{"user_id": userID, "similarity": bestSim}).Debug("cache hit")
		return best, true
	}
	return models.ResponseCacheEntry{}, false
}

// Store inserts entry into userID's cache, evicting the oldest entry once
// the per-user capacity is exceeded.
func (c *ResponseCache) Store(ctx context.Context, entry models.ResponseCacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.entries[entry.UserID]
	list = append(list, entry)
	if len(list) > c.maxPerUser {
		list = list[len(list)-c.maxPerUser:]
	}
	c.entries[entry.UserID] = list

	if c.enabled {
		key := fmt.Sprintf("answercache:%s:%d", entry.UserID, len(list)-1)
		if err := c.redis.Set(ctx, key, entry, c.ttl); err != nil {
			c.log.WithError(err).Warn("redis cache persist failed")
		}
	}
}

// Invalidate drops every cached entry for userID, used when doc_set_version
// changes in a way callers want reflected immediately rather than waiting
// for version comparison at lookup time to naturally exclude stale entries.
func (c *ResponseCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
