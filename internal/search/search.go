// Package search holds the provider-neutral web search types used to ground
// web research workers, plus decorators shared by every provider.
package search

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

type Hit struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

type Searcher interface {
	Search(ctx context.Context, query string, count int) ([]Hit, error)
}

type spacedSearcher struct {
	inner   Searcher
	limiter *rate.Limiter
}

// Spaced serializes call starts so consecutive searches are at least
// minInterval apart. Providers with per-second quotas reject bursts from a
// parallel fan-out otherwise.
func Spaced(inner Searcher, minInterval time.Duration) Searcher {
	if inner == nil || minInterval <= 0 {
		return inner
	}
	return &spacedSearcher{inner: inner, limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

// IntervalForRate converts a requests-per-second budget into a spacing.
func IntervalForRate(perSecond float64) time.Duration {
	if perSecond <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / perSecond)
}

func (s *spacedSearcher) Search(ctx context.Context, query string, count int) ([]Hit, error) {
	reservation := s.limiter.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			reservation.Cancel()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return s.inner.Search(ctx, query, count)
}
