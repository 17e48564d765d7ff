package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hrwatch/internal/config"
	"hrwatch/internal/model"
)

var ErrUnsupportedTransport = errors.New("unsupported stream transport")

// Handler receives the lifecycle of one connection. Callbacks may come from
// transport or client library goroutines and may block; events of one
// subscription are delivered in arrival order.
type Handler struct {
	OnOpen   func()
	OnEvent  func(model.StreamEvent)
	OnError  func(error)
	OnClosed func()
}

func (h Handler) open() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h Handler) event(kind model.EventKind, payload any) {
	if h.OnEvent != nil {
		h.OnEvent(model.StreamEvent{Kind: kind, Payload: payload, Received: time.Now()})
	}
}

func (h Handler) fail(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h Handler) closed() {
	if h.OnClosed != nil {
		h.OnClosed()
	}
}

// Conn is a live subscription. Close is idempotent and releases the
// underlying connection.
type Conn interface {
	Close() error
}

type Transport interface {
	Name() string
	Connect(ctx context.Context, h Handler) (Conn, error)
}

func New(cfg config.StreamConfig, logger *slog.Logger) (Transport, error) {
	switch strings.ToLower(cfg.Transport) {
	case "sse", "":
		return NewSSE(cfg.SSE, logger), nil
	case "kafka":
		return NewKafka(cfg.Kafka, logger), nil
	case "nats":
		return NewNATS(cfg.NATS, logger), nil
	case "mqtt":
		return NewMQTT(cfg.MQTT, logger), nil
	case "tcp":
		return NewTCPStream(cfg.TCP, logger), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, cfg.Transport)
}

// DecodePayload turns wire bytes into what the normalizer expects: an object
// when the bytes are a JSON object, the inner string when they are a JSON
// string (double-encoded producers), and the raw text otherwise.
func DecodePayload(data []byte) any {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return ""
	}
	switch trim[0] {
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(trim, &obj); err == nil {
			return obj
		}
	case '"':
		var s string
		if err := json.Unmarshal(trim, &s); err == nil {
			return s
		}
	}
	return string(trim)
}

// EventKind maps a transport-level event name onto a stream event kind.
func EventKind(name string) (model.EventKind, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", string(model.EventNewReading):
		return model.EventNewReading, true
	case string(model.EventInitialReading):
		return model.EventInitialReading, true
	}
	return "", false
}

type closerFunc struct {
	once sync.Once
	fn   func() error
	err  error
}

func newCloser(fn func() error) *closerFunc {
	return &closerFunc{fn: fn}
}

func (c *closerFunc) Close() error {
	c.once.Do(func() {
		c.err = c.fn()
	})
	return c.err
}
