package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hrwatch/internal/model"
)

// Collector owns a private registry so that tests and multiple hosts in one
// process do not collide on the default one. All methods are nil-safe.
type Collector struct {
	registry   *prometheus.Registry
	events     *prometheus.CounterVec
	alerts     *prometheus.CounterVec
	bpm        prometheus.Gauge
	windowLen  prometheus.Gauge
	avg        prometheus.Gauge
	alertCount prometheus.Gauge
	sessions   prometheus.Gauge
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hrwatch",
			Name:      "stream_events_total",
			Help:      "Stream events by processing outcome.",
		}, []string{"outcome"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hrwatch",
			Name:      "alerts_total",
			Help:      "Alerts raised by kind.",
		}, []string{"kind"}),
		bpm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hrwatch",
			Name:      "last_bpm",
			Help:      "Most recently accepted heart rate.",
		}),
		windowLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hrwatch",
			Name:      "window_readings",
			Help:      "Readings currently held in the sliding window.",
		}),
		avg: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hrwatch",
			Name:      "window_avg_bpm",
			Help:      "Rounded average bpm over the window.",
		}),
		alertCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hrwatch",
			Name:      "session_alerts",
			Help:      "Alerts raised in the current session.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hrwatch",
			Name:      "sessions_mounted",
			Help:      "Stream sessions currently mounted.",
		}),
	}
	c.registry.MustRegister(c.events, c.alerts, c.bpm, c.windowLen, c.avg, c.alertCount, c.sessions)
	return c
}

func (c *Collector) EventProcessed(outcome string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(outcome).Inc()
}

func (c *Collector) AlertRaised(kind string) {
	if c == nil {
		return
	}
	c.alerts.WithLabelValues(kind).Inc()
}

func (c *Collector) ObserveWindow(lastBPM float64, windowLen int, stats model.Stats) {
	if c == nil {
		return
	}
	c.bpm.Set(lastBPM)
	c.windowLen.Set(float64(windowLen))
	c.avg.Set(float64(stats.Avg))
	c.alertCount.Set(float64(stats.AlertCount))
}

func (c *Collector) SessionMounted() {
	if c == nil {
		return
	}
	c.sessions.Inc()
}

func (c *Collector) SessionUnmounted() {
	if c == nil {
		return
	}
	c.sessions.Dec()
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
