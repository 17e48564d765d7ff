package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hrwatch/internal/alerts"
	"hrwatch/internal/config"
	"hrwatch/internal/engine"
	"hrwatch/internal/history"
	"hrwatch/internal/ingest"
	"hrwatch/internal/metrics"
	"hrwatch/internal/model"
	"hrwatch/internal/normalize"
)

const (
	// StreamErrorMessage is shown when an open stream fails.
	StreamErrorMessage = "Connection to the server failed. Try reconnecting."
	// ConnectErrorMessage is shown when the stream could not be opened at all.
	ConnectErrorMessage = "Could not connect to the server. Try reconnecting."
)

var ErrClosed = errors.New("session closed")

type Options struct {
	Transport ingest.Transport
	Logger    *slog.Logger
	Metrics   *metrics.Collector
	// Clock schedules alert expiry; tests pass a fake one.
	Clock alerts.Clock
	Now   func() time.Time
	// Recorder, when set, receives every reading that entered the window.
	Recorder history.Recorder
}

const recordTimeout = 2 * time.Second

// Session is one mounted view of the stream. It owns its window, stats,
// active alert and connection; nothing is shared with other sessions.
type Session struct {
	id        string
	logger    *slog.Logger
	metrics   *metrics.Collector
	transport ingest.Transport
	recorder  history.Recorder
	engine    *engine.Engine
	alerts    *alerts.Manager
	loc       *time.Location
	now       func() time.Time

	events    chan model.StreamEvent
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	state     *engine.State
	conn      ingest.Conn
	connState model.ConnState
	loading   bool
	errMsg    string
	closed    bool
	running   bool
	seq       uint64
	listeners map[int]func(model.Snapshot)
	nextID    int
}

func New(cfg *config.Config, opts Options) *Session {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	buffer := cfg.Stream.ChannelBuffer
	if buffer <= 0 {
		// Some transports report open from inside Connect, before Run reads.
		buffer = 64
	}
	s := &Session{
		id:        uuid.NewString(),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		transport: opts.Transport,
		recorder:  opts.Recorder,
		engine:    engine.NewEngine(cfg.Detection, opts.Logger, opts.Metrics),
		alerts:    alerts.NewManager(cfg.Detection.AlertTTL, opts.Clock, opts.Logger),
		loc:       cfg.Location(),
		now:       now,
		events:    make(chan model.StreamEvent, buffer),
		done:      make(chan struct{}),
		state:     engine.NewState(cfg.Window.Capacity),
		connState: model.ConnConnecting,
		loading:   true,
		listeners: make(map[int]func(model.Snapshot)),
	}
	s.alerts.OnChange(func(*model.Alert) { s.notify() })
	s.metrics.SessionMounted()
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Run opens the stream and processes its events one at a time until ctx is
// done or the session is closed, then closes the session. A stream error
// leaves the session mounted in the errored state; it is not retried. When
// the stream cannot be opened at all Run returns the error right away and
// the session stays in the errored state until the caller closes it.
func (s *Session) Run(ctx context.Context) error {
	if s.transport == nil {
		return errors.New("session has no transport")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("session already running")
	}
	s.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.logger != nil {
		s.logger.Info("stream connecting", "session_id", s.id, "transport", s.transport.Name())
	}
	conn, err := s.transport.Connect(ctx, ingest.Handler{
		OnOpen: func() {
			s.enqueue(ctx, model.StreamEvent{Kind: model.EventOpen, Received: s.now()})
		},
		OnEvent: func(ev model.StreamEvent) {
			s.enqueue(ctx, ev)
		},
		OnError: func(err error) {
			s.enqueue(ctx, model.StreamEvent{Kind: model.EventError, Err: err, Received: s.now()})
		},
		OnClosed: func() {
			s.enqueue(ctx, model.StreamEvent{Kind: model.EventClosed, Received: s.now()})
		},
	})
	if err != nil {
		s.setErrored(ConnectErrorMessage)
		if s.logger != nil {
			s.logger.Error("stream connect failed", "session_id", s.id, "error", err)
		}
		return fmt.Errorf("connect %s stream: %w", s.transport.Name(), err)
	}
	defer s.Close()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()

	for {
		select {
		case ev := <-s.events:
			s.HandleEvent(ev)
		case <-s.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) enqueue(ctx context.Context, ev model.StreamEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	case <-s.done:
	}
}

// HandleEvent runs one event through the pipeline. Run calls it from its
// loop; it is exported so callers that drive events themselves can use it.
func (s *Session) HandleEvent(ev model.StreamEvent) {
	switch ev.Kind {
	case model.EventOpen:
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.connState = model.ConnOpen
		s.loading = false
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Info("stream open", "session_id", s.id)
		}
		s.notify()
	case model.EventError:
		if s.logger != nil {
			s.logger.Error("stream error", "session_id", s.id, "error", ev.Err)
		}
		s.setErrored(StreamErrorMessage)
	case model.EventClosed:
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if s.connState != model.ConnErrored {
			s.connState = model.ConnClosed
		}
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Info("stream closed by server", "session_id", s.id)
		}
		s.notify()
	default:
		s.handleReading(ev)
	}
}

func (s *Session) handleReading(ev model.StreamEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	res, err := normalize.Normalize(ev, s.state.FirstMount, s.now(), s.loc)
	if err != nil {
		s.mu.Unlock()
		s.metrics.EventProcessed("decode_error")
		if s.logger != nil {
			s.logger.Warn("reading dropped", "session_id", s.id, "kind", ev.Kind, "error", err)
		}
		return
	}
	s.state.FirstMount = false
	s.metrics.EventProcessed(res.Outcome.String())
	if res.Outcome == normalize.Discarded {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Debug("initial snapshot discarded", "session_id", s.id)
		}
		return
	}
	if res.Outcome == normalize.Fallback && s.logger != nil {
		s.logger.Debug("unrecognized payload mapped to fallback reading", "session_id", s.id, "time", res.Reading.Time)
	}
	step := s.engine.Apply(s.state, res.Reading)
	s.mu.Unlock()

	if step.Duplicate {
		return
	}
	s.record(res.Reading)
	if step.Alert != nil {
		// Publish notifies listeners through OnChange.
		s.alerts.Publish(*step.Alert)
		return
	}
	s.notify()
}

func (s *Session) record(r model.Reading) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.recorder.Record(ctx, r); err != nil && s.logger != nil {
		s.logger.Warn("record reading failed", "session_id", s.id, "time", r.Time, "error", err)
	}
}

func (s *Session) setErrored(msg string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connState = model.ConnErrored
	s.errMsg = msg
	s.mu.Unlock()
	s.notify()
}

// UpdateDetection applies new thresholds to readings processed from now on.
func (s *Session) UpdateDetection(cfg config.DetectionConfig) {
	s.engine.UpdateConfig(cfg)
}

func (s *Session) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() model.Snapshot {
	snap := model.Snapshot{
		SessionID: s.id,
		Seq:       s.seq,
		State:     s.connState,
		Loading:   s.loading,
		Error:     s.errMsg,
	}
	if s.state != nil {
		snap.Window = s.state.Window.Readings()
		snap.Stats = s.state.Stats
		snap.HasData = s.state.HasRealData
	}
	if a, ok := s.alerts.Active(); ok {
		snap.Alert = &a
	}
	return snap
}

// Subscribe registers fn for every view change and returns a function that
// removes it. fn runs on the goroutine that made the change.
func (s *Session) Subscribe(fn func(model.Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	if s.closed || len(s.listeners) == 0 {
		s.mu.Unlock()
		return
	}
	s.seq++
	snap := s.snapshotLocked()
	fns := make([]func(model.Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Close unmounts the session: the connection is closed, the alert timer is
// cancelled and all state is dropped. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.conn = nil
		s.state = nil
		s.connState = model.ConnClosed
		s.listeners = make(map[int]func(model.Snapshot))
		s.mu.Unlock()

		s.alerts.Stop()
		close(s.done)
		if conn != nil {
			err = conn.Close()
		}
		s.metrics.SessionUnmounted()
		if s.logger != nil {
			s.logger.Info("session unmounted", "session_id", s.id)
		}
	})
	return err
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
