package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"research/backend/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "research:search:"

type cachedSearcher struct {
	inner  Searcher
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// Cached stores successful search responses in Redis for ttl. Cache failures
// are logged and fall through to the wrapped searcher.
func Cached(inner Searcher, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) Searcher {
	if inner == nil || client == nil || ttl <= 0 {
		return inner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &cachedSearcher{inner: inner, client: client, ttl: ttl, logger: logger}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (c *cachedSearcher) Search(ctx context.Context, query string, count int) ([]Hit, error) {
	key := cacheKey(query, count)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var hits []Hit
		if decodeErr := json.Unmarshal(raw, &hits); decodeErr == nil {
			metrics.SearchCacheLookups.WithLabelValues("hit").Inc()
			return hits, nil
		}
		metrics.SearchCacheLookups.WithLabelValues("error").Inc()
	case errors.Is(err, redis.Nil):
		metrics.SearchCacheLookups.WithLabelValues("miss").Inc()
	default:
		metrics.SearchCacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn("search cache read failed", zap.String("key", key), zap.Error(err))
	}

	hits, err := c.inner.Search(ctx, query, count)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(hits)
	if err == nil {
		if setErr := c.client.Set(ctx, key, encoded, c.ttl).Err(); setErr != nil {
			c.logger.Warn("search cache write failed", zap.String("key", key), zap.Error(setErr))
		}
	}
	return hits, nil
}

func cacheKey(query string, count int) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", count, normalized)))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}
