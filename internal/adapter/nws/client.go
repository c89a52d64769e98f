// Package nws fetches the National Weather Service CAP/Atom alert feed.
package nws

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client issues one GET per ingestion cycle against the configured feed URL.
// There is no retry and no conditional-GET: a failed fetch abandons the cycle
// and the next scheduled cycle retries naturally.
type Client struct {
	feedURL    string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a feed client. The NWS requires an identifying
// User-Agent; userAgent is sent verbatim on every request.
func NewClient(feedURL, userAgent string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		feedURL:   feedURL,
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Fetch downloads the full feed document. Non-2xx statuses are errors.
func (c *Client) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create feed request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/atom+xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}
	c.logger.Debug("fetched feed", "bytes", len(body))
	return body, nil
}
