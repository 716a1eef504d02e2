package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcastqueue"

var (
	Registry = prometheus.NewRegistry()

	// ---- Transport ----
	FramesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "frames_sent_total",
			Help:      "Frames written to a downstream peer.",
		},
	)

	SendRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "retries_total",
			Help:      "Failed frame pushes that were scheduled for another attempt.",
		},
	)

	FramesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "frames_dropped_total",
			Help:      "Frames abandoned while draining a sender on shutdown.",
		},
	)

	PendingFrames = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "pending_frames",
			Help:      "Frames queued in senders and not yet written.",
		},
	)

	FramesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "frames_received_total",
			Help:      "Frames read and decoded by receivers.",
		},
	)

	DecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "decode_errors_total",
			Help:      "Frames discarded because they could not be read or decoded.",
		},
	)

	// ---- Ordering / membership ----
	DeliveryCandidates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_candidates",
			Help:      "Messages waiting in the ordering container.",
		},
		[]string{"guarantee"},
	)

	PayloadsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_delivered_total",
			Help:      "Payloads handed to Poll callers.",
		},
		[]string{"guarantee"},
	)

	MembershipEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_events_total",
			Help:      "Ring membership messages handled, by type.",
		},
		[]string{"event"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		FramesSent, SendRetries, FramesDropped, PendingFrames,
		FramesReceived, DecodeErrors,
		DeliveryCandidates, PayloadsDelivered, MembershipEvents,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}
