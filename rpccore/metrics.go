package rpccore

import "github.com/prometheus/client_golang/prometheus"

// metrics is the server's prometheus instrumentation, built the same way
// controller/telemetry/server.go builds its counters: collectors
// constructed once per Server and registered against whatever registry the
// caller passes to Server.Register. Every field here is updated by the
// server's own code paths (server.go, call.go, matcher.go, dispatch.go,
// shutdown.go) — nothing is wired for its own sake.
type metrics struct {
	channelsActive     prometheus.Gauge
	callsPending       prometheus.Gauge
	callsMatched       prometheus.Counter
	callsZombied       prometheus.Counter
	freelistExhausted  prometheus.Counter
	shutdownInProgress prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		channelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rpccore",
			Name:      "channels_active",
			Help:      "Number of channels currently in the server's ring.",
		}),
		callsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rpccore",
			Name:      "calls_pending",
			Help:      "Calls currently parked on a matcher's pending FIFO.",
		}),
		callsMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpccore",
			Name:      "calls_matched_total",
			Help:      "Calls successfully paired with a request ticket.",
		}),
		callsZombied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpccore",
			Name:      "calls_zombied_total",
			Help:      "Calls that reached the Zombied terminal state without ever pairing.",
		}),
		freelistExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpccore",
			Name:      "ticket_freelist_exhausted_total",
			Help:      "Request tickets rejected because max_requested_calls was reached.",
		}),
		shutdownInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rpccore",
			Name:      "shutdown_in_progress",
			Help:      "1 while ShutdownAndNotify is draining, 0 otherwise.",
		}),
	}
	return m
}

// Register registers every collector against reg, following the same
// explicit-registry idiom util.NewGrpcServer uses for grpc-prometheus
// (MustRegister against prometheus's default registry, here made explicit
// so a caller embedding rpccore alongside other collectors picks its own
// registry instead of fighting over the global one).
func (s *Server) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		s.metrics.channelsActive,
		s.metrics.callsPending,
		s.metrics.callsMatched,
		s.metrics.callsZombied,
		s.metrics.freelistExhausted,
		s.metrics.shutdownInProgress,
	)
}
