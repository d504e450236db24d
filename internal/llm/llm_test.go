package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verdict struct {
	IsSufficient bool     `json:"is_sufficient"`
	Queries      []string `json:"follow_up_queries"`
}

func TestDecodeJSONToleratesFencesAndProse(t *testing.T) {
	raw := "Sure, here you go:\n```json\n{\"is_sufficient\": false, \"follow_up_queries\": [\"a\"]}\n```"

	var out verdict
	require.NoError(t, DecodeJSON(raw, "reflection", &out))
	assert.False(t, out.IsSufficient)
	assert.Equal(t, []string{"a"}, out.Queries)
}

func TestDecodeJSONReturnsDecodeError(t *testing.T) {
	var out verdict
	err := DecodeJSON("no json here", "reflection", &out)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "reflection", decodeErr.Target)
	assert.Equal(t, "no json here", decodeErr.Raw)

	err = DecodeJSON(`{"is_sufficient": "maybe"}`, "reflection", &out)
	require.ErrorAs(t, err, &decodeErr)
}

func TestStructuredKeepsTransportErrorsDistinct(t *testing.T) {
	transport := &TransportError{Backend: "openai", StatusCode: http.StatusBadGateway}
	svc := CompletionFunc(func(context.Context, Request) (string, error) { return "", transport })

	_, err := Structured[verdict](context.Background(), svc, Request{Schema: &Schema{Name: "reflection"}})

	var decodeErr *DecodeError
	assert.False(t, errors.As(err, &decodeErr))
	assert.ErrorIs(t, err, transport)
}

func TestStructuredDecodes(t *testing.T) {
	svc := CompletionFunc(func(context.Context, Request) (string, error) {
		return `{"is_sufficient": true, "follow_up_queries": []}`, nil
	})

	out, err := Structured[verdict](context.Background(), svc, Request{})
	require.NoError(t, err)
	assert.True(t, out.IsSufficient)
}

func TestTransportErrorRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  *TransportError
		want bool
	}{
		{name: "rate limited", err: &TransportError{StatusCode: http.StatusTooManyRequests}, want: true},
		{name: "server error", err: &TransportError{StatusCode: http.StatusServiceUnavailable}, want: true},
		{name: "bad request", err: &TransportError{StatusCode: http.StatusBadRequest}, want: false},
		{name: "network", err: &TransportError{Err: errors.New("connection reset")}, want: true},
		{name: "canceled", err: &TransportError{Err: context.Canceled}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.Retryable())
		})
	}
}

func TestWithRetryRetriesTransportErrorsOnly(t *testing.T) {
	calls := 0
	svc := CompletionFunc(func(context.Context, Request) (string, error) {
		calls++
		if calls < 3 {
			return "", &TransportError{Backend: "openai", StatusCode: http.StatusInternalServerError}
		}
		return "ok", nil
	})

	wrapped := WithRetry(svc, "openai", RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}, nil)
	out, err := wrapped.Complete(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, calls)

	calls = 0
	decodeFailure := CompletionFunc(func(context.Context, Request) (string, error) {
		calls++
		return "", &DecodeError{Err: errNoJSON}
	})
	_, err = WithRetry(decodeFailure, "openai", RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}, nil).
		Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	svc := CompletionFunc(func(context.Context, Request) (string, error) {
		calls++
		return "", &TransportError{Backend: "openai", StatusCode: http.StatusTooManyRequests}
	})

	_, err := WithRetry(svc, "openai", RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}, nil).
		Complete(context.Background(), Request{})
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc := CompletionFunc(func(context.Context, Request) (string, error) {
		cancel()
		return "", &TransportError{Backend: "openai", StatusCode: http.StatusBadGateway}
	})

	_, err := WithRetry(svc, "openai", RetryPolicy{MaxRetries: 5, BaseDelay: time.Second}, nil).
		Complete(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithTimeoutBoundsCall(t *testing.T) {
	svc := CompletionFunc(func(ctx context.Context, _ Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	_, err := WithTimeout(svc, 10*time.Millisecond).Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithRateLimitPassesThrough(t *testing.T) {
	svc := CompletionFunc(func(context.Context, Request) (string, error) { return "ok", nil })

	out, err := Instrument(WithRateLimit(svc, 100), "test").Complete(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestObjectSchemaRequiresEveryProperty(t *testing.T) {
	schema := ObjectSchema("task_type", map[string]any{
		"task_type": EnumProperty("kind", "web_research", "data_analysis"),
		"rationale": StringProperty("why"),
	})
	assert.Equal(t, []string{"rationale", "task_type"}, schema.Definition["required"])
}
