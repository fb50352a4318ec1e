package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_jobs_started_total",
			Help: "Total number of job containers started",
		},
	)

	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_jobs_finished_total",
			Help: "Total number of jobs finished by result",
		},
		[]string{"result"},
	)

	JobsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_jobs_tracked",
			Help: "Number of jobs currently tracked by this worker",
		},
	)

	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_cycle_duration_seconds",
			Help:    "Duration of engine cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	DispatchDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_dispatch_dropped_total",
			Help: "Total number of dispatch notifications dropped while a cycle was running",
		},
	)

	HelperContainersReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_helper_containers_reaped_total",
			Help: "Total number of orphaned helper containers removed",
		},
	)

	ArtifactBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_artifact_bytes_total",
			Help: "Total number of archive bytes uploaded by kind",
		},
		[]string{"kind"},
	)

	// Network metrics
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_retry_attempts_total",
			Help: "Total number of retried attempts by operation",
		},
		[]string{"operation"},
	)

	SessionRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_session_renewals_total",
			Help: "Total number of credential renewals by kind",
		},
		[]string{"kind"},
	)

	ChannelReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_channel_reconnects_total",
			Help: "Total number of control channel reconnections",
		},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_events_dropped_total",
			Help: "Total number of internal events dropped because a subscriber was full",
		},
		[]string{"type"},
	)

	ChannelConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_channel_connected",
			Help: "Whether the control channel is connected (1 = connected, 0 = disconnected)",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsStartedTotal)
	prometheus.MustRegister(JobsFinishedTotal)
	prometheus.MustRegister(JobsTracked)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(DispatchDroppedTotal)
	prometheus.MustRegister(HelperContainersReapedTotal)
	prometheus.MustRegister(ArtifactBytesTotal)
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(SessionRenewalsTotal)
	prometheus.MustRegister(ChannelReconnectsTotal)
	prometheus.MustRegister(ChannelConnected)
	prometheus.MustRegister(EventsDroppedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a labelled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
