package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay directions for RelayBytes.
const (
	DirectionOutput = "output"
	DirectionInput  = "input"
)

// Metrics holds the panel server's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted prometheus.Counter
	SpawnFailures   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionExits    *prometheus.CounterVec
	ResizeMessages  prometheus.Counter
	ResizeFailures  prometheus.Counter
	RelayBytes      *prometheus.CounterVec
	PanelsOpen      prometheus.Gauge
}

// New registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "panelterm_sessions_started_total",
			Help: "Shell sessions successfully spawned",
		}),
		SpawnFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "panelterm_spawn_failures_total",
			Help: "PTY helper spawn attempts that failed",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "panelterm_sessions_active",
			Help: "Sessions whose helper process is still running",
		}),
		SessionExits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "panelterm_session_exits_total",
			Help: "Session terminations by final status",
		}, []string{"status"}),
		ResizeMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "panelterm_resize_messages_total",
			Help: "Resize lines written to helper control channels",
		}),
		ResizeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "panelterm_resize_failures_total",
			Help: "Resize lines that could not be written",
		}),
		RelayBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "panelterm_relay_bytes_total",
			Help: "Bytes relayed between panels and shells",
		}, []string{"direction"}),
		PanelsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "panelterm_panels_open",
			Help: "Terminal panels currently attached",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(status string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionExits.WithLabelValues(status).Inc()
}

func (m *Metrics) SpawnFailed() {
	if m == nil {
		return
	}
	m.SpawnFailures.Inc()
}

func (m *Metrics) Resized(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ResizeFailures.Inc()
		return
	}
	m.ResizeMessages.Inc()
}

func (m *Metrics) Relayed(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RelayBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) PanelOpened() {
	if m == nil {
		return
	}
	m.PanelsOpen.Inc()
}

func (m *Metrics) PanelClosed() {
	if m == nil {
		return
	}
	m.PanelsOpen.Dec()
}
