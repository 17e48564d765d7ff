package alerts

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hrwatch/internal/model"
)

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeClock fires timers only when Advance moves past their deadline.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	due := make([]*fakeTimer, 0)
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.fn()
	}
}

func alertOf(kind model.AlertKind, msg string) model.Alert {
	return model.Alert{Kind: kind, Message: msg, Time: "10:00:00"}
}

func TestAlertClearsAfterTTL(t *testing.T) {
	clock := &fakeClock{}
	m := NewManager(3*time.Second, clock, nil)

	m.Publish(alertOf(model.AlertTachycardia, "High heart rate detected: 120 BPM"))
	_, ok := m.Active()
	require.True(t, ok)

	clock.Advance(2999 * time.Millisecond)
	_, ok = m.Active()
	assert.True(t, ok, "still active just before the deadline")

	clock.Advance(time.Millisecond)
	_, ok = m.Active()
	assert.False(t, ok)
}

func TestSupersededAlertKeepsNewerDeadline(t *testing.T) {
	clock := &fakeClock{}
	m := NewManager(3*time.Second, clock, nil)

	first := m.Publish(alertOf(model.AlertSuddenChange, "Sudden change: 42 → 78 (36 BPM)"))
	clock.Advance(time.Second)
	second := m.Publish(alertOf(model.AlertBradycardia, "Low heart rate detected: 35 BPM"))
	assert.Greater(t, second, first)

	active, ok := m.Active()
	require.True(t, ok)
	assert.Equal(t, model.AlertBradycardia, active.Kind)

	clock.Advance(2 * time.Second) // T+3s
	active, ok = m.Active()
	require.True(t, ok, "the first deadline must not clear the newer alert")
	assert.Equal(t, model.AlertBradycardia, active.Kind)

	clock.Advance(time.Second) // T+4s
	_, ok = m.Active()
	assert.False(t, ok)
}

func TestStaleExpiryIsIgnored(t *testing.T) {
	clock := &fakeClock{}
	m := NewManager(3*time.Second, clock, nil)
	gen := m.Publish(alertOf(model.AlertTachycardia, "a"))
	m.Publish(alertOf(model.AlertTachycardia, "b"))

	// A timer that lost the race with Stop still runs its callback.
	m.expire(gen)
	active, ok := m.Active()
	require.True(t, ok)
	assert.Equal(t, "b", active.Message)
}

func TestOnChangeSeesPublishAndClear(t *testing.T) {
	clock := &fakeClock{}
	m := NewManager(0, clock, nil)
	var seen []*model.Alert
	m.OnChange(func(a *model.Alert) { seen = append(seen, a) })

	m.Publish(alertOf(model.AlertTachycardia, "x"))
	clock.Advance(DefaultTTL)

	require.Len(t, seen, 2)
	require.NotNil(t, seen[0])
	assert.Equal(t, "x", seen[0].Message)
	assert.Nil(t, seen[1])
}

func TestStopCancelsPendingExpiry(t *testing.T) {
	clock := &fakeClock{}
	m := NewManager(3*time.Second, clock, nil)
	calls := 0
	m.OnChange(func(*model.Alert) { calls++ })
	m.Publish(alertOf(model.AlertTachycardia, "x"))
	require.Equal(t, 1, calls)

	m.Stop()
	clock.Advance(10 * time.Second)
	_, ok := m.Active()
	assert.False(t, ok)
	assert.Equal(t, 1, calls, "no callback after stop")

	assert.Zero(t, m.Publish(alertOf(model.AlertTachycardia, "y")))
	_, ok = m.Active()
	assert.False(t, ok)
}

func TestRealClockExpires(t *testing.T) {
	m := NewManager(20*time.Millisecond, RealClock(), nil)
	m.Publish(alertOf(model.AlertTachycardia, "x"))
	assert.Eventually(t, func() bool {
		_, ok := m.Active()
		return !ok
	}, time.Second, 5*time.Millisecond)
}
