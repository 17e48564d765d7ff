package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"hrwatch/internal/config"
)

type SSETransport struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewSSE(cfg config.SSEConfig, logger *slog.Logger) *SSETransport {
	base := strings.TrimRight(cfg.BaseURL, "/")
	path := strings.TrimLeft(cfg.Path, "/")
	return &SSETransport{
		url:    base + "/" + path,
		client: &http.Client{},
		logger: logger,
	}
}

func (t *SSETransport) Name() string { return "sse" }


// Connect opens the stream in the background, like a browser EventSource:
// OnOpen fires once the response headers arrive.
func (t *SSETransport) Connect(ctx context.Context, h Handler) (Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				h.fail(fmt.Errorf("sse connect: %w", err))
			}
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			h.fail(fmt.Errorf("sse connect: unexpected status %d", resp.StatusCode))
			return
		}
		if t.logger != nil {
			t.logger.Info("sse stream open", "url", t.url)
		}
		h.open()
		if err := t.readEvents(ctx, resp.Body, h); err != nil {
			if ctx.Err() == nil {
				h.fail(fmt.Errorf("sse read: %w", err))
			}
			return
		}
		if ctx.Err() == nil {
			h.closed()
		}
	}()
	return newCloser(func() error {
		cancel()
		<-done
		return nil
	}), nil
}

func (t *SSETransport) readEvents(ctx context.Context, body io.Reader, h Handler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	var (
		name string
		data []string
	)
	dispatch := func() {
		defer func() {
			name = ""
			data = data[:0]
		}()
		if len(data) == 0 {
			return
		}
		kind, ok := EventKind(name)
		if !ok || name == "" {
			if t.logger != nil {
				t.logger.Debug("sse event ignored", "event", name)
			}
			return
		}
		h.event(kind, DecodePayload([]byte(strings.Join(data, "\n"))))
	}
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				name = value
			case "data":
				data = append(data, value)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
	// a trailing event without its blank line terminator is dropped
	return scanner.Err()
}

var _ Transport = (*SSETransport)(nil)
