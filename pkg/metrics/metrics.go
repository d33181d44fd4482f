package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Loop metrics
	IterationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_iterations_total",
			Help: "Total number of scheduler loop iterations",
		},
	)

	IssuesByPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steward_issues_total",
			Help: "Number of tracked issues by engine phase",
		},
		[]string{"phase"},
	)

	SlotsBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_slots_busy",
			Help: "Number of worker slots currently busy",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "steward_dispatch_latency_seconds",
			Help:    "Time from an issue becoming ready to dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Pipeline metrics
	CompletionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_completions_total",
			Help: "Total number of issues merged and closed",
		},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_attempts_total",
			Help: "Total attempts finished, by outcome",
		},
		[]string{"outcome"},
	)

	MergeConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_merge_conflicts_total",
			Help: "Total squash-merge attempts that hit textual conflicts",
		},
	)

	AgentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steward_agent_duration_seconds",
			Help:    "Agent subprocess wall time in seconds, by role",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"role"},
	)

	// Tracker metrics
	TrackerParseErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_tracker_parse_errors_total",
			Help: "Tracker records skipped because they failed to parse",
		},
	)

	TrackerRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_tracker_refreshes_total",
			Help: "Total tracker mirror refreshes",
		},
	)

	// Event bus metrics
	SubscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_bus_subscribers_dropped_total",
			Help: "Subscribers dropped for exceeding their backlog",
		},
	)

	// Control plane metrics
	ControlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_control_requests_total",
			Help: "Control-plane requests by op and result",
		},
		[]string{"op", "result"},
	)
)

func init() {
	prometheus.MustRegister(IterationsTotal)
	prometheus.MustRegister(IssuesByPhase)
	prometheus.MustRegister(SlotsBusy)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(CompletionsTotal)
	prometheus.MustRegister(AttemptsTotal)
	prometheus.MustRegister(MergeConflictsTotal)
	prometheus.MustRegister(AgentDuration)
	prometheus.MustRegister(TrackerParseErrors)
	prometheus.MustRegister(TrackerRefreshes)
	prometheus.MustRegister(SubscribersDropped)
	prometheus.MustRegister(ControlRequests)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
