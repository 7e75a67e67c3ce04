// Package metrics exposes the process-wide Prometheus collectors. Collectors
// are registered on the default registry and served at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "reader",
		Name:      "frames_received_total",
		Help:      "Frames decoded from the upstream TCP stream.",
	})
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "reader",
		Name:      "protocol_errors_total",
		Help:      "Malformed records on the TCP stream that triggered a resync.",
	})
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "reader",
		Name:      "decode_errors_total",
		Help:      "Frames whose JPEG payload failed to decode.",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "reader",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts after a dropped upstream connection.",
	})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "packager",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped from the packager intake queue.",
	})
	ArtifactsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "packager",
		Name:      "artifacts_created_total",
		Help:      "Media artifacts produced, by kind.",
	}, []string{"kind"})
	BatchesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "packager",
		Name:      "batches_dropped_total",
		Help:      "Frame batches discarded after an encode failure.",
	})
	InferencesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "scheduler",
		Name:      "inferences_started_total",
		Help:      "Inference dispatches to the VLM.",
	})
	InferencesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "scheduler",
		Name:      "inferences_completed_total",
		Help:      "Inferences that returned a usable response.",
	})
	InferencesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "scheduler",
		Name:      "inferences_failed_total",
		Help:      "Inferences that ended in a transport error or timeout.",
	})
	SyncSkips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "scheduler",
		Name:      "skipped_in_sync_mode_total",
		Help:      "Artifacts displaced from the pending-latest slot.",
	})
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil",
		Subsystem: "ws",
		Name:      "connected_clients",
		Help:      "Currently connected WebSocket clients.",
	})
	WSFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "ws",
		Name:      "frames_dropped_total",
		Help:      "video_frame messages dropped on client backpressure.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
