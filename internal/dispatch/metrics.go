package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Task lifecycle label values.
const (
	eventEnqueued   = "enqueued"
	eventDispatched = "dispatched"
	eventResolved   = "resolved"
	eventDropped    = "dropped"
	eventAbandoned  = "abandoned"
	eventOrphaned   = "orphaned"
	eventDuplicate  = "duplicate"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_tasks_total",
			Help: "Task lifecycle transitions observed by the dispatch server.",
		},
		[]string{"event"},
	)

	agentRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_agent_requests_total",
			Help: "Requests received from the execution agent, by action.",
		},
		[]string{"action"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Tasks waiting to be dispatched.",
		},
	)

	taskLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_task_roundtrip_seconds",
			Help:    "Time from submission to resolved result, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(agentRequestsTotal)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(taskLatency)

	for _, ev := range []string{eventEnqueued, eventDispatched, eventResolved, eventDropped, eventAbandoned, eventOrphaned, eventDuplicate} {
		tasksTotal.WithLabelValues(ev)
	}
	agentRequestsTotal.WithLabelValues("query")
	agentRequestsTotal.WithLabelValues("response")
}
