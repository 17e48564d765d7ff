package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"hrwatch/internal/model"
	"hrwatch/internal/normalize"
)

// HTTPClient talks to the readings backend REST API.
type HTTPClient struct {
	httpClient *resty.Client
	loc        *time.Location
	logger     *slog.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, loc *time.Location, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if loc == nil {
		loc = time.Local
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")
	return &HTTPClient{httpClient: client, loc: loc, logger: logger}
}

// Latest calls GET /heartrate/latest/{count}. The backend answers newest first.
func (c *HTTPClient) Latest(ctx context.Context, count int) ([]model.Reading, error) {
	if count <= 0 {
		return nil, fmt.Errorf("latest readings: count must be positive, got %d", count)
	}
	return c.readings(ctx, "/heartrate/latest/"+strconv.Itoa(count))
}

// All calls GET /heartrate, the full reading log.
func (c *HTTPClient) All(ctx context.Context) ([]model.Reading, error) {
	return c.readings(ctx, "/heartrate")
}

// Status calls GET /measurement/status and returns the decoded body.
func (c *HTTPClient) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	resp, err := c.httpClient.R().SetContext(ctx).SetResult(&out).Get("/measurement/status")
	if err != nil {
		return nil, fmt.Errorf("%w: measurement status: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: measurement status: HTTP %d", ErrUnavailable, resp.StatusCode())
	}
	return out, nil
}

// Toggle calls POST /measurement/toggle.
func (c *HTTPClient) Toggle(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetResult(&out).
		Post("/measurement/toggle")
	if err != nil {
		return nil, fmt.Errorf("%w: measurement toggle: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: measurement toggle: HTTP %d", ErrUnavailable, resp.StatusCode())
	}
	return out, nil
}

func (c *HTTPClient) readings(ctx context.Context, path string) ([]model.Reading, error) {
	resp, err := c.httpClient.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrUnavailable, path, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: GET %s: HTTP %d", ErrUnavailable, path, resp.StatusCode())
	}
	var records []map[string]any
	if err := json.Unmarshal(resp.Body(), &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	out := make([]model.Reading, 0, len(records))
	for i, rec := range records {
		r, ok := normalize.FromRecord(rec, c.loc)
		if !ok {
			if c.logger != nil {
				c.logger.Warn("history record skipped", "path", path, "index", i)
			}
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

var _ Source = (*HTTPClient)(nil)
