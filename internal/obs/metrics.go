package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions          = promauto.NewGauge(prometheus.GaugeOpts{Name: "blockgate_active_sessions", Help: "Currently authenticated client sessions"})
	ActiveStreams           = promauto.NewGauge(prometheus.GaugeOpts{Name: "blockgate_active_streams", Help: "Player streams currently relaying"})
	StreamsTotal            = promauto.NewCounter(prometheus.CounterOpts{Name: "blockgate_streams_total", Help: "Player streams opened"})
	SessionsSupersededTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "blockgate_sessions_superseded_total", Help: "Sessions closed because the same identity reconnected"})
	BytesRelayedTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "blockgate_bytes_relayed_total", Help: "Payload bytes relayed by direction"}, []string{"direction"})
	ErrorsTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "blockgate_errors_total", Help: "Errors by type"}, []string{"type"})
	StreamDurationSeconds   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "blockgate_stream_duration_seconds", Help: "Player stream lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
