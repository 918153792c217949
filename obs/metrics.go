package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions       = promauto.NewGauge(prometheus.GaugeOpts{Name: "quicpool_active_sessions", Help: "Pooled endpoint sessions currently alive"})
	InflightJobs         = promauto.NewGauge(prometheus.GaugeOpts{Name: "quicpool_inflight_jobs", Help: "Tunnel jobs currently running"})
	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "quicpool_sessions_created_total", Help: "Endpoint sessions created through a proxy tunnel"})
	RequestsTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "quicpool_requests_total", Help: "Session requests received by the pool"})
	JobFailuresTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "quicpool_job_failures_total", Help: "Tunnel job failures by error"}, []string{"error"})
	JobDurationSeconds   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "quicpool_job_duration_seconds", Help: "Tunnel job duration seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})

	ActiveTunnels           = promauto.NewGauge(prometheus.GaugeOpts{Name: "quicproxy_active_tunnels", Help: "UDP tunnels currently open on the proxy"})
	TunnelsEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "quicproxy_tunnels_established_total", Help: "UDP tunnels accepted by the proxy"})
	TunnelsRejectedTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "quicproxy_tunnels_rejected_total", Help: "Tunnel requests rejected by the proxy, by reason"}, []string{"reason"})
	DatagramsRelayedTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "quicproxy_datagrams_relayed_total", Help: "Datagrams relayed by the proxy, by direction"}, []string{"direction"})
	RelayErrorsTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "quicproxy_relay_errors_total", Help: "Relay errors by type"}, []string{"type"})
)
