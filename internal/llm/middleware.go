package llm

import (
	"context"
	"errors"
	"time"

	"research/backend/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 8 * time.Second
)

type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type retrying struct {
	next    CompletionService
	policy  RetryPolicy
	backend string
	logger  *zap.Logger
}

// WithRetry retries retryable transport errors with exponential backoff.
// Decode errors and non-retryable transport errors are returned immediately.
func WithRetry(next CompletionService, backend string, policy RetryPolicy, logger *zap.Logger) CompletionService {
	if policy.MaxRetries <= 0 {
		return next
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaultRetryBaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaultRetryMaxDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return retrying{next: next, policy: policy, backend: backend, logger: logger}
}

func (r retrying) Complete(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt)
			metrics.CompletionRetries.WithLabelValues(r.backend).Inc()
			r.logger.Warn("retrying completion",
				zap.String("backend", r.backend),
				zap.String("model", req.Model),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := waitForRetry(ctx, delay); err != nil {
				return "", err
			}
		}

		out, err := r.next.Complete(ctx, req)
		if err == nil {
			return out, nil
		}
		if !IsRetryable(err) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (r retrying) backoff(attempt int) time.Duration {
	delay := r.policy.BaseDelay << (attempt - 1)
	if delay <= 0 || delay > r.policy.MaxDelay {
		return r.policy.MaxDelay
	}
	return delay
}

func waitForRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type rateLimited struct {
	next    CompletionService
	limiter *rate.Limiter
}

// WithRateLimit caps the request rate across every caller sharing the
// returned service. A non-positive rate disables limiting.
func WithRateLimit(next CompletionService, perSecond float64) CompletionService {
	if perSecond <= 0 {
		return next
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r rateLimited) Complete(ctx context.Context, req Request) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.next.Complete(ctx, req)
}

type timeLimited struct {
	next    CompletionService
	timeout time.Duration
}

// WithTimeout bounds every single completion call.
func WithTimeout(next CompletionService, timeout time.Duration) CompletionService {
	if timeout <= 0 {
		return next
	}
	return timeLimited{next: next, timeout: timeout}
}

func (t timeLimited) Complete(ctx context.Context, req Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Complete(callCtx, req)
}

type instrumented struct {
	next    CompletionService
	backend string
}

// Instrument records request counts and latency per backend and model.
func Instrument(next CompletionService, backend string) CompletionService {
	return instrumented{next: next, backend: backend}
}

func (i instrumented) Complete(ctx context.Context, req Request) (string, error) {
	started := time.Now()
	out, err := i.next.Complete(ctx, req)
	metrics.CompletionLatency.WithLabelValues(i.backend, req.Model).Observe(time.Since(started).Seconds())

	status := "success"
	var transportErr *TransportError
	switch {
	case err == nil:
	case errors.As(err, &transportErr):
		status = "transport_error"
	default:
		status = "error"
	}
	metrics.CompletionRequests.WithLabelValues(i.backend, req.Model, status).Inc()
	return out, err
}
