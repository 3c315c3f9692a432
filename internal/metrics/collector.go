package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
)

// Target is a live session helper whose resource usage is reported.
type Target struct {
	Panel string
	Pid   int
}

// SessionCollector samples the helper process of every live session when
// the registry is scraped.
type SessionCollector struct {
	source func() []Target

	rss      *prometheus.Desc
	cpu      *prometheus.Desc
	children *prometheus.Desc
}

// NewSessionCollector reports the targets returned by source on each scrape.
func NewSessionCollector(source func() []Target) *SessionCollector {
	labels := []string{"panel", "pid"}
	return &SessionCollector{
		source: source,
		rss: prometheus.NewDesc("panelterm_session_rss_bytes",
			"Resident memory of a session's PTY helper", labels, nil),
		cpu: prometheus.NewDesc("panelterm_session_cpu_percent",
			"CPU usage of a session's PTY helper", labels, nil),
		children: prometheus.NewDesc("panelterm_session_children",
			"Direct children of a session's PTY helper", labels, nil),
	}
}

func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rss
	ch <- c.cpu
	ch <- c.children
}

// Collect skips targets that exited between listing and sampling.
func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	for _, t := range c.source() {
		if t.Pid <= 0 {
			continue
		}
		p, err := process.NewProcess(int32(t.Pid))
		if err != nil {
			continue
		}
		pid := strconv.Itoa(t.Pid)

		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(mem.RSS), t.Panel, pid)
		}
		if pct, err := p.CPUPercent(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, pct, t.Panel, pid)
		}
		kids, _ := p.Children()
		ch <- prometheus.MustNewConstMetric(c.children, prometheus.GaugeValue, float64(len(kids)), t.Panel, pid)
	}
}

// WatchSessions registers a SessionCollector on the registry.
func (m *Metrics) WatchSessions(source func() []Target) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(NewSessionCollector(source))
}
