package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type timedSearcher struct {
	mu        sync.Mutex
	callTimes []time.Time
	hits      []Hit
	err       error
}

func (s *timedSearcher) Search(_ context.Context, _ string, _ int) ([]Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callTimes = append(s.callTimes, time.Now())
	return s.hits, s.err
}

func (s *timedSearcher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callTimes)
}

func (s *timedSearcher) times() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.callTimes))
	copy(out, s.callTimes)
	return out
}

func TestSpacedAppliesMinimumSpacing(t *testing.T) {
	searcher := &timedSearcher{}
	limited := Spaced(searcher, 40*time.Millisecond)

	_, err := limited.Search(context.Background(), "one", 5)
	require.NoError(t, err)
	_, err = limited.Search(context.Background(), "two", 5)
	require.NoError(t, err)

	calls := searcher.times()
	require.Len(t, calls, 2)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), 35*time.Millisecond)
}

func TestSpacedHonorsContextCancel(t *testing.T) {
	searcher := &timedSearcher{}
	limited := Spaced(searcher, 200*time.Millisecond)

	_, err := limited.Search(context.Background(), "first", 5)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limited.Search(ctx, "second", 5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, searcher.calls())
}

func TestIntervalForRate(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, IntervalForRate(2))
	assert.Zero(t, IntervalForRate(0))
}

func TestCachedServesRepeatQueriesFromRedis(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	inner := &timedSearcher{hits: []Hit{{URL: "https://example.com/a", Title: "A", Snippet: "alpha"}}}
	cached := Cached(inner, client, time.Minute, zaptest.NewLogger(t))

	first, err := cached.Search(context.Background(), "Latest AI", 3)
	require.NoError(t, err)
	second, err := cached.Search(context.Background(), "  latest   ai ", 3)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls())
	assert.True(t, server.Exists(cacheKey("latest ai", 3)))
}

func TestCachedDoesNotStoreFailures(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	inner := &timedSearcher{err: errors.New("quota exceeded")}
	cached := Cached(inner, client, time.Minute, nil)

	_, err := cached.Search(context.Background(), "q", 3)
	require.Error(t, err)
	assert.Empty(t, server.Keys())
}

func TestCachedFallsThroughWhenRedisIsDown(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	defer client.Close()
	server.Close()

	inner := &timedSearcher{hits: []Hit{{URL: "https://example.com"}}}
	cached := Cached(inner, client, time.Minute, zaptest.NewLogger(t))

	hits, err := cached.Search(context.Background(), "q", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}
