package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveForwards         = promauto.NewGauge(prometheus.GaugeOpts{Name: "vncproxy_active_forwards", Help: "Forwards currently registered"})
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "vncproxy_active_sessions", Help: "Relay sessions currently running"})
	HandshakesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vncproxy_handshakes_total", Help: "Completed client handshakes by protocol variant"}, []string{"variant"})
	ForwardRequestsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vncproxy_forward_requests_total", Help: "Forward requests by result"}, []string{"result"})
	RelayBytesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vncproxy_relay_bytes_total", Help: "Payload bytes relayed by direction"}, []string{"direction"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vncproxy_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "vncproxy_session_duration_seconds", Help: "Relay session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
