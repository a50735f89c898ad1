package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections   = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_connections_active", Help: "Connections currently being relayed or set up"})
	AcceptedTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_connections_accepted_total", Help: "Client connections accepted"})
	RejectedTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_connections_rejected_total", Help: "Client connections rejected before handling"}, []string{"reason"})
	UpstreamDialsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_upstream_dials_total", Help: "Upstream dial attempts by result"}, []string{"result"})
	ErrorsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_errors_total", Help: "Errors by kind"}, []string{"kind"})
	BytesTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	ConnDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_connection_duration_seconds", Help: "Connection lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
