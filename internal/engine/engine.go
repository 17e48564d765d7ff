package engine

import (
	"log/slog"
	"sync/atomic"
	"time"

	"hrwatch/internal/config"
	"hrwatch/internal/metrics"
	"hrwatch/internal/model"
)

// State is everything one mounted session knows about the stream. It is
// passed explicitly through every step instead of living in the engine.
type State struct {
	FirstMount  bool
	HasRealData bool
	Window      *Window
	Stats       model.Stats
}

func NewState(capacity int) *State {
	return &State{
		FirstMount: true,
		Window:     NewWindow(capacity),
	}
}

// SeedState builds the non-streaming view from history delivered newest
// first. The readings are reversed so the window reads oldest to newest.
func SeedState(capacity int, newestFirst []model.Reading) *State {
	st := NewState(capacity)
	st.FirstMount = false
	if len(newestFirst) == 0 {
		return st
	}
	ordered := make([]model.Reading, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		ordered = append(ordered, newestFirst[i])
	}
	st.Window.Seed(ordered)
	st.HasRealData = true
	st.Stats = ComputeStats(st.Window.Readings(), 0)
	return st
}

type Step struct {
	Alert     *model.Alert
	First     bool
	Duplicate bool
}

type Engine struct {
	logger  *slog.Logger
	metrics *metrics.Collector
	cfg     atomic.Value
	replays *replayFilter
	now     func() time.Time
}

func NewEngine(cfg config.DetectionConfig, logger *slog.Logger, collector *metrics.Collector) *Engine {
	e := &Engine{
		logger:  logger,
		metrics: collector,
		replays: newReplayFilter(),
		now:     time.Now,
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg config.DetectionConfig) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() config.DetectionConfig {
	if v := e.cfg.Load(); v != nil {
		return v.(config.DetectionConfig)
	}
	return config.DefaultConfig().Detection
}

// Apply runs one accepted reading through window, detector and stats.
func (e *Engine) Apply(st *State, r model.Reading) Step {
	cfg := e.config()
	if e.isDuplicate(r, cfg.DedupeWindow) {
		if e.logger != nil {
			e.logger.Debug("duplicate reading dropped", "time", r.Time)
		}
		return Step{Duplicate: true}
	}

	if !st.HasRealData {
		st.Window.Replace(r)
		st.HasRealData = true
		st.Stats = ComputeStats(st.Window.Readings(), st.Stats.AlertCount)
		e.observe(st, r)
		return Step{First: true}
	}

	var step Step
	if alert, ok := Detect(r, st.Window.Readings(), cfg); ok {
		st.Stats.AlertCount++
		step.Alert = &alert
		if e.logger != nil {
			e.logger.Warn("alert triggered",
				"kind", alert.Kind,
				"time", alert.Time,
				"message", alert.Message,
				"alert_count", st.Stats.AlertCount,
			)
		}
		e.metrics.AlertRaised(string(alert.Kind))
	}
	st.Window.Append(r)
	st.Stats = ComputeStats(st.Window.Readings(), st.Stats.AlertCount)
	e.observe(st, r)
	return step
}

func (e *Engine) observe(st *State, r model.Reading) {
	bpm, _ := r.Value()
	e.metrics.ObserveWindow(bpm, st.Window.Len(), st.Stats)
}

func (e *Engine) isDuplicate(r model.Reading, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return e.replays.Duplicate(r, e.now(), window)
}
