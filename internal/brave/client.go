// Package brave grounds web research sub-queries with the Brave Search API.
package brave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"research/backend/internal/config"
	"research/backend/internal/search"
)

const (
	maxErrorBodyBytes = 8 * 1024
	maxQueryWords     = 50
	defaultCount      = 5
	maxCount          = 20
)

var ErrMissingAPIKey = errors.New("brave api key is not configured")

// APIError is a non-2xx reply. RetryAfter is set when Brave sends the header.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e APIError) Error() string {
	return fmt.Sprintf("brave returned %d: %s", e.StatusCode, e.Body)
}

func IsRateLimited(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

type webResult struct {
	URL           string   `json:"url"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Snippet       string   `json:"snippet"`
	ExtraSnippets []string `json:"extra_snippets"`
}

// Older API versions put results at the top level.
type webSearchReply struct {
	Web struct {
		Results []webResult `json:"results"`
	} `json:"web"`
	Results []webResult `json:"results"`
}

func (r webSearchReply) results() []webResult {
	if len(r.Web.Results) > 0 {
		return r.Web.Results
	}
	return r.Results
}

func NewClient(cfg config.Config, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Client{
		apiKey:     strings.TrimSpace(cfg.BraveAPIKey),
		endpoint:   strings.TrimRight(strings.TrimSpace(cfg.BraveBaseURL), "/") + "/web/search",
		httpClient: httpClient,
	}
}

// Search returns at most count hits with distinct URLs, in Brave's ranking.
func (c Client) Search(ctx context.Context, query string, count int) ([]search.Hit, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	query = strings.Join(firstWords(query, maxQueryWords), " ")
	if query == "" {
		return nil, nil
	}
	count = clampCount(count)

	req, err := c.newRequest(ctx, query, count)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request brave: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, readAPIError(resp)
	}

	var reply webSearchReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode brave response: %w", err)
	}
	return hitsFrom(reply.results(), count), nil
}

func (c Client) newRequest(ctx context.Context, query string, count int) (*http.Request, error) {
	endpoint, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse brave endpoint: %w", err)
	}
	endpoint.RawQuery = url.Values{
		"q":                {query},
		"count":            {strconv.Itoa(count)},
		"spellcheck":       {"0"},
		"text_decorations": {"0"},
		"extra_snippets":   {"1"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build brave request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)
	return req, nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	apiErr := APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	if seconds, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && seconds > 0 {
		apiErr.RetryAfter = time.Duration(seconds) * time.Second
	}
	return apiErr
}

func clampCount(count int) int {
	switch {
	case count <= 0:
		return defaultCount
	case count > maxCount:
		return maxCount
	default:
		return count
	}
}

func hitsFrom(results []webResult, count int) []search.Hit {
	hits := make([]search.Hit, 0, min(len(results), count))
	seen := make(map[string]struct{}, len(results))
	for _, result := range results {
		if len(hits) == count {
			break
		}
		link := strings.TrimSpace(result.URL)
		if link == "" {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}

		hit := search.Hit{URL: link, Title: strings.TrimSpace(result.Title), Snippet: snippetOf(result)}
		if hit.Title == "" {
			hit.Title = link
		}
		hits = append(hits, hit)
	}
	return hits
}

func snippetOf(result webResult) string {
	candidates := append([]string{result.Description, result.Snippet}, result.ExtraSnippets...)
	for _, candidate := range candidates {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstWords(input string, limit int) []string {
	words := strings.Fields(input)
	if len(words) > limit {
		words = words[:limit]
	}
	return words
}
