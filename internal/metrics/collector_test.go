package metrics

import (
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCollectorReportsLiveTargets(t *testing.T) {
	c := NewSessionCollector(func() []Target {
		return []Target{
			{Panel: "self", Pid: os.Getpid()},
			{Panel: "unset", Pid: 0},
		}
	})

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	n, err := testutil.GatherAndCount(reg, "panelterm_session_rss_bytes", "panelterm_session_children")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSessionCollectorEmptySource(t *testing.T) {
	c := NewSessionCollector(func() []Target { return nil })
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}

func TestWatchSessionsRegistersOnce(t *testing.T) {
	m := New()
	src := func() []Target { return nil }
	require.NoError(t, m.WatchSessions(src))
	assert.Error(t, m.WatchSessions(src))

	var nilMetrics *Metrics
	assert.NoError(t, nilMetrics.WatchSessions(src))
}
