package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"hrwatch/internal/config"
	"hrwatch/internal/model"
)

// TCPStreamTransport dials a producer that writes one JSON reading per line.
// A line may wrap the reading as {"event": "...", "data": {...}} to name the
// event kind; bare readings are new readings.
type TCPStreamTransport struct {
	cfg    config.TCPConfig
	logger *slog.Logger
}

func NewTCPStream(cfg config.TCPConfig, logger *slog.Logger) *TCPStreamTransport {
	return &TCPStreamTransport{cfg: cfg, logger: logger}
}

func (t *TCPStreamTransport) Name() string { return "tcp" }

func (t *TCPStreamTransport) Connect(ctx context.Context, h Handler) (Conn, error) {
	if t.cfg.Addr == "" {
		return nil, errors.New("tcp transport requires addr")
	}
	timeout := t.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", t.cfg.Addr, err)
	}
	if t.logger != nil {
		t.logger.Info("tcp stream connected", "addr", t.cfg.Addr)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(done)
		h.open()
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			kind, payload, ok := splitEnvelope(line)
			if !ok {
				if t.logger != nil {
					t.logger.Debug("tcp stream line ignored", "bytes", len(line))
				}
				continue
			}
			h.event(kind, payload)
			if ctx.Err() != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
			h.fail(fmt.Errorf("tcp stream read: %w", err))
			return
		}
		h.closed()
	}()
	return newCloser(func() error {
		cancel()
		<-done
		return nil
	}), nil
}

// splitEnvelope peels an {"event", "data"} wrapper off a line when one is
// present.
func splitEnvelope(line []byte) (model.EventKind, any, bool) {
	var env struct {
		Event *string         `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(line, &env); err != nil || env.Event == nil || len(env.Data) == 0 {
		return model.EventNewReading, DecodePayload(line), true
	}
	kind, ok := EventKind(*env.Event)
	if !ok {
		return "", nil, false
	}
	return kind, DecodePayload(env.Data), true
}

var _ Transport = (*TCPStreamTransport)(nil)
