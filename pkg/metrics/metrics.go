package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job bus metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_jobs_total",
			Help: "Total number of jobs by queue and final state",
		},
		[]string{"queue", "state"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genesis_job_duration_seconds",
			Help:    "Job handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	DLQDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genesis_dlq_depth",
			Help: "Dead-letter queue depth per queue",
		},
		[]string{"queue"},
	)

	// Governor metrics
	GovernorDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_governor_denials_total",
			Help: "Acquire denials by queue and reason",
		},
		[]string{"queue", "reason"},
	)

	CircuitOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genesis_circuit_open",
			Help: "Whether a queue circuit is open (1) or closed (0)",
		},
		[]string{"queue"},
	)

	// Fleet metrics
	RolloutWavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_rollout_waves_total",
			Help: "Rollout waves by outcome",
		},
		[]string{"outcome"},
	)

	DropletsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genesis_droplets_by_state",
			Help: "Droplets per lifecycle state",
		},
		[]string{"state"},
	)

	ZombiesDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genesis_zombies_detected_total",
			Help: "Droplets marked ZOMBIE by the watchdog",
		},
	)

	HeartbeatsFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genesis_heartbeats_flushed_total",
			Help: "Heartbeat readings flushed to the store",
		},
	)

	HeartbeatFlushErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genesis_heartbeat_flush_errors_total",
			Help: "Failed heartbeat buffer flushes",
		},
	)

	ProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_provisions_total",
			Help: "Provisioning attempts by outcome",
		},
		[]string{"outcome"},
	)

	WakesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genesis_wakes_scheduled_total",
			Help: "Staggered wake jobs scheduled",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(DLQDepth)
	prometheus.MustRegister(GovernorDenials)
	prometheus.MustRegister(CircuitOpen)
	prometheus.MustRegister(RolloutWavesTotal)
	prometheus.MustRegister(DropletsByState)
	prometheus.MustRegister(ZombiesDetected)
	prometheus.MustRegister(HeartbeatsFlushed)
	prometheus.MustRegister(HeartbeatFlushErrors)
	prometheus.MustRegister(ProvisionsTotal)
	prometheus.MustRegister(WakesScheduled)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
