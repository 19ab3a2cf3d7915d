package obs

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	// RealtimeReceived counts inbound frames by action.
	RealtimeReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "madonna_realtime_messages_received_total",
			Help: "Inbound realtime frames delivered to listeners.",
		},
		[]string{"action"},
	)

	RealtimeSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "madonna_realtime_messages_sent_total",
		Help: "Outbound realtime frames written to the transport.",
	})

	RealtimeQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "madonna_realtime_outbound_queue_length",
		Help: "Outbound frames waiting for an open connection.",
	})

	RealtimeReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "madonna_realtime_reconnects_total",
		Help: "Connection attempts made after a close.",
	})

	RealtimeMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "madonna_realtime_malformed_frames_total",
		Help: "Inbound frames skipped because they could not be decoded.",
	})

	ListenerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "madonna_realtime_listener_failures_total",
		Help: "Listener invocations that returned an error or panicked.",
	})

	// KickoffRequests counts kickoff attempts by result (ok, error).
	KickoffRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "madonna_session_kickoff_requests_total",
			Help: "Kickoff requests issued to the backend.",
		},
		[]string{"result"},
	)

	SessionReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "madonna_session_ready",
		Help: "1 once the kickoff readiness gate is open.",
	})
)

// Init registers the metrics in the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RealtimeReceived,
			RealtimeSent,
			RealtimeQueued,
			RealtimeReconnects,
			RealtimeMalformed,
			ListenerFailures,
			KickoffRequests,
			SessionReady,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
