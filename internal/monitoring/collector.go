// Package monitoring exports session statistics as Prometheus metrics.
// The collector is optional: a nil *Collector is safe to call everywhere.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"streamkit/internal/domain"
)

// Collector mirrors each emitted ConnectionStats tick into Prometheus
// gauges labelled by stream and direction.
type Collector struct {
	sessionsActive *prometheus.GaugeVec
	sessionsTotal  *prometheus.CounterVec

	streamBitrate *prometheus.GaugeVec
	streamFPS     *prometheus.GaugeVec
	streamLatency *prometheus.GaugeVec
}

// NewCollector registers the streamkit metrics on the default registry.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith registers the streamkit metrics on the given registerer.
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamkit_sessions_active",
			Help: "Currently active sessions",
		}, []string{"direction"}),

		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamkit_sessions_started_total",
			Help: "Total sessions started",
		}, []string{"direction"}),

		streamBitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamkit_stream_bitrate_kbps",
			Help: "Current stream bitrate in kbps",
		}, []string{"stream_id", "direction"}),

		streamFPS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamkit_stream_fps",
			Help: "Current stream frame rate",
		}, []string{"stream_id", "direction"}),

		streamLatency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamkit_stream_latency_ms",
			Help: "Current transport round-trip latency in milliseconds",
		}, []string{"stream_id", "direction"}),
	}
}

// SessionStarted records a session entering the connected state.
func (c *Collector) SessionStarted(direction string) {
	if c == nil {
		return
	}
	c.sessionsActive.WithLabelValues(direction).Inc()
	c.sessionsTotal.WithLabelValues(direction).Inc()
}

// SessionEnded records a session leaving the connected state.
func (c *Collector) SessionEnded(direction string) {
	if c == nil {
		return
	}
	c.sessionsActive.WithLabelValues(direction).Dec()
}

// RecordStats mirrors one stats tick.
func (c *Collector) RecordStats(streamID, direction string, stats domain.ConnectionStats) {
	if c == nil {
		return
	}
	c.streamBitrate.WithLabelValues(streamID, direction).Set(float64(stats.BitrateKbps))
	c.streamFPS.WithLabelValues(streamID, direction).Set(float64(stats.FPS))
	c.streamLatency.WithLabelValues(streamID, direction).Set(float64(stats.LatencyMs))
}
