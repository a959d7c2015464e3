package rediscache

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// clientMetrics counts the client's activity in a metrics.Set.
type clientMetrics struct {
	set *metrics.Set

	failovers   *metrics.Counter
	fallbacks   *metrics.Counter
	connections *metrics.Counter
}

func newClientMetrics(set *metrics.Set) *clientMetrics {
	if set == nil {
		set = metrics.NewSet()
	}
	return &clientMetrics{
		set:         set,
		failovers:   set.GetOrCreateCounter("rediscache_write_failovers_total"),
		fallbacks:   set.GetOrCreateCounter("rediscache_incr_fallbacks_total"),
		connections: set.GetOrCreateCounter("rediscache_connections_created_total"),
	}
}

func (m *clientMetrics) command(op string) {
	m.set.GetOrCreateCounter(`rediscache_commands_total{op="` + op + `"}`).Inc()
}

func (m *clientMetrics) failure(op string) {
	m.set.GetOrCreateCounter(`rediscache_errors_total{op="` + op + `"}`).Inc()
}

func (m *clientMetrics) failover()          { m.failovers.Inc() }
func (m *clientMetrics) incrFallback()      { m.fallbacks.Inc() }
func (m *clientMetrics) connectionCreated() { m.connections.Inc() }

// WriteMetrics writes the client's metrics to w in the Prometheus text
// format.
func (c *Client) WriteMetrics(w io.Writer) {
	c.stats.set.WritePrometheus(w)
}
