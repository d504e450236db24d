// Package customsearch grounds web research with the Google Programmable
// Search (Custom Search JSON) API.
package customsearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"research/backend/internal/search"

	"google.golang.org/api/googleapi"
	cseapi "google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"
)

// The API rejects num outside 1..10.
const maxCount = 10

var ErrMissingEngineID = errors.New("google search engine id is not configured")

type Client struct {
	service  *cseapi.Service
	engineID string
}

func NewClient(ctx context.Context, apiKey, engineID string, opts ...option.ClientOption) (*Client, error) {
	if strings.TrimSpace(engineID) == "" {
		return nil, ErrMissingEngineID
	}
	opts = append([]option.ClientOption{option.WithAPIKey(strings.TrimSpace(apiKey))}, opts...)
	service, err := cseapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create custom search service: %w", err)
	}
	return &Client{service: service, engineID: strings.TrimSpace(engineID)}, nil
}

func (c *Client) Search(ctx context.Context, query string, count int) ([]search.Hit, error) {
	trimmedQuery := strings.Join(strings.Fields(query), " ")
	if trimmedQuery == "" {
		return nil, nil
	}
	switch {
	case count <= 0:
		count = 5
	case count > maxCount:
		count = maxCount
	}

	resp, err := c.service.Cse.List().Q(trimmedQuery).Cx(c.engineID).Num(int64(count)).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
			return nil, fmt.Errorf("custom search quota exhausted: %w", err)
		}
		return nil, fmt.Errorf("custom search %q: %w", trimmedQuery, err)
	}

	hits := make([]search.Hit, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item == nil || strings.TrimSpace(item.Link) == "" {
			continue
		}
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = item.Link
		}
		hits = append(hits, search.Hit{
			URL:     strings.TrimSpace(item.Link),
			Title:   title,
			Snippet: strings.TrimSpace(item.Snippet),
		})
	}
	return hits, nil
}
