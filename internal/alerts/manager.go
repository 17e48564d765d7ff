package alerts

import (
	"log/slog"
	"sync"
	"time"

	"hrwatch/internal/model"
)

const DefaultTTL = 3 * time.Second

type Timer interface {
	Stop() bool
}

type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock schedules on the runtime timer heap.
func RealClock() Clock {
	return realClock{}
}

// Manager holds at most one active alert and clears it after ttl. A newer
// alert replaces the active one and restarts the countdown; each expiry is
// tagged with the generation it was scheduled for and only clears that one.
type Manager struct {
	mu       sync.Mutex
	clock    Clock
	ttl      time.Duration
	logger   *slog.Logger
	active   *model.Alert
	gen      uint64
	timer    Timer
	stopped  bool
	onChange func(*model.Alert)
}

func NewManager(ttl time.Duration, clock Clock, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Manager{ttl: ttl, clock: clock, logger: logger}
}

// OnChange registers a callback fired after every publish and clear. It runs
// outside the manager lock.
func (m *Manager) OnChange(fn func(*model.Alert)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Publish makes alert the active one and returns its generation.
func (m *Manager) Publish(alert model.Alert) uint64 {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return 0
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.gen++
	gen := m.gen
	a := alert
	m.active = &a
	m.timer = m.clock.AfterFunc(m.ttl, func() { m.expire(gen) })
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(&a)
	}
	return gen
}

func (m *Manager) expire(gen uint64) {
	m.mu.Lock()
	if m.stopped || gen != m.gen || m.active == nil {
		m.mu.Unlock()
		if m.logger != nil {
			m.logger.Debug("stale alert expiry ignored", "generation", gen)
		}
		return
	}
	kind := m.active.Kind
	m.active = nil
	m.timer = nil
	cb := m.onChange
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Debug("alert cleared", "kind", kind, "generation", gen)
	}
	if cb != nil {
		cb(nil)
	}
}

func (m *Manager) Active() (model.Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return model.Alert{}, false
	}
	return *m.active, true
}

// Stop cancels any pending expiry and drops the active alert. Publish and
// late timer callbacks are no-ops afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.active = nil
	m.stopped = true
	m.onChange = nil
}
