package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"hrwatch/internal/config"
)

type NATSTransport struct {
	cfg    config.NATSConfig
	logger *slog.Logger
}

func NewNATS(cfg config.NATSConfig, logger *slog.Logger) *NATSTransport {
	return &NATSTransport{cfg: cfg, logger: logger}
}

func (t *NATSTransport) Name() string { return "nats" }

func (t *NATSTransport) Connect(ctx context.Context, h Handler) (Conn, error) {
	nc, err := nats.Connect(t.cfg.URL, natsOptions(h)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", t.cfg.URL, err)
	}
	sub, err := nc.Subscribe(t.cfg.Subject, natsMessageHandler(h))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", t.cfg.Subject, err)
	}
	if t.logger != nil {
		t.logger.Info("nats stream open", "url", t.cfg.URL, "subject", t.cfg.Subject)
	}
	h.open()

	stop := context.AfterFunc(ctx, func() {
		_ = sub.Unsubscribe()
		nc.Close()
	})
	return newCloser(func() error {
		if !stop() {
			return nil
		}
		_ = sub.Unsubscribe()
		return nc.Drain()
	}), nil
}

// natsOptions never reconnects: a lost connection is reported once and the
// session stays errored until it is remounted.
func natsOptions(h Handler) []nats.Option {
	return []nats.Option{
		nats.Name("hrwatch"),
		nats.Timeout(3 * time.Second),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				h.fail(fmt.Errorf("nats disconnected: %w", err))
			}
		}),
	}
}

func natsMessageHandler(h Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		name := ""
		if msg.Header != nil {
			name = msg.Header.Get(eventHeader)
		}
		kind, ok := EventKind(name)
		if !ok {
			return
		}
		h.event(kind, DecodePayload(msg.Data))
	}
}

var _ Transport = (*NATSTransport)(nil)
