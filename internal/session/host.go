package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"hrwatch/internal/alerts"
	"hrwatch/internal/config"
	"hrwatch/internal/history"
	"hrwatch/internal/ingest"
	"hrwatch/internal/metrics"
	"hrwatch/internal/model"
)

var ErrNotRunning = errors.New("host not running")

// TransportFactory builds the transport for a new mount.
type TransportFactory func(cfg config.StreamConfig, logger *slog.Logger) (ingest.Transport, error)

type HostOptions struct {
	Logger       *slog.Logger
	Metrics      *metrics.Collector
	Clock        alerts.Clock
	NewTransport TransportFactory
	Recorder     history.Recorder
}

// Host keeps exactly one session mounted. Remount replaces it with a fresh
// one built from the current configuration, which is how a caller reconnects
// after a stream error.
type Host struct {
	cfg          *config.Manager
	logger       *slog.Logger
	metrics      *metrics.Collector
	clock        alerts.Clock
	newTransport TransportFactory
	recorder     history.Recorder

	mu      sync.Mutex
	ctx     context.Context
	current *Session
	wg      sync.WaitGroup

	currentID atomic.Value
	lmu       sync.Mutex
	listeners map[int]func(model.Snapshot)
	nextID    int
}

func NewHost(cfg *config.Manager, opts HostOptions) *Host {
	factory := opts.NewTransport
	if factory == nil {
		factory = ingest.New
	}
	h := &Host{
		cfg:          cfg,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		newTransport: factory,
		recorder:     opts.Recorder,
		listeners:    make(map[int]func(model.Snapshot)),
	}
	h.currentID.Store("")
	return h
}

// Run mounts the first session and blocks until ctx is done, then unmounts.
func (h *Host) Run(ctx context.Context) error {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	if err := h.Remount(); err != nil {
		return err
	}
	<-ctx.Done()

	h.mu.Lock()
	h.unmountLocked()
	h.ctx = nil
	h.mu.Unlock()
	h.wg.Wait()
	return nil
}

// Remount closes the mounted session, if any, and mounts a new one.
func (h *Host) Remount() error {
	s, err := h.remount()
	if err != nil {
		return err
	}
	h.forward(s.Snapshot())
	return nil
}

func (h *Host) remount() (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx == nil {
		return nil, ErrNotRunning
	}
	if err := h.ctx.Err(); err != nil {
		return nil, err
	}
	h.unmountLocked()

	cfg := h.cfg.Get()
	transport, err := h.newTransport(cfg.Stream, h.logger)
	if err != nil {
		return nil, err
	}
	s := New(cfg, Options{
		Transport: transport,
		Logger:    h.logger,
		Metrics:   h.metrics,
		Clock:     h.clock,
		Recorder:  h.recorder,
	})
	h.current = s
	h.currentID.Store(s.ID())
	s.Subscribe(h.forward)

	ctx := h.ctx
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := s.Run(ctx); err != nil && h.logger != nil {
			h.logger.Error("session ended", "session_id", s.ID(), "error", err)
		}
	}()
	if h.logger != nil {
		h.logger.Info("session mounted", "session_id", s.ID(), "transport", transport.Name())
	}
	return s, nil
}

func (h *Host) unmountLocked() {
	if h.current == nil {
		return
	}
	if err := h.current.Close(); err != nil && h.logger != nil {
		h.logger.Warn("close stream connection", "session_id", h.current.ID(), "error", err)
	}
	h.current = nil
	h.currentID.Store("")
}

// Current returns the mounted session, or nil.
func (h *Host) Current() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Snapshot is the mounted session's view, or a closed empty view when
// nothing is mounted.
func (h *Host) Snapshot() model.Snapshot {
	if s := h.Current(); s != nil {
		return s.Snapshot()
	}
	return model.Snapshot{State: model.ConnClosed}
}

// UpdateConfig pushes reloaded detection thresholds into the mounted session.
// Transport and window changes take effect on the next Remount.
func (h *Host) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if s := h.Current(); s != nil {
		s.UpdateDetection(cfg.Detection)
	}
}

// Subscribe receives snapshots of whichever session is mounted.
func (h *Host) Subscribe(fn func(model.Snapshot)) func() {
	h.lmu.Lock()
	defer h.lmu.Unlock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	return func() {
		h.lmu.Lock()
		delete(h.listeners, id)
		h.lmu.Unlock()
	}
}

func (h *Host) forward(snap model.Snapshot) {
	if cur, _ := h.currentID.Load().(string); cur != snap.SessionID {
		return
	}
	h.lmu.Lock()
	fns := make([]func(model.Snapshot), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.lmu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
