package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hpcagent_tasks_running",
			Help: "Number of task processes currently supervised",
		},
	)

	TasksStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hpcagent_tasks_started_total",
			Help: "Total number of task processes started",
		},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpcagent_tasks_completed_total",
			Help: "Total number of completed tasks by result",
		},
		[]string{"result"},
	)

	// Reporter metrics
	ReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpcagent_reports_total",
			Help: "Total number of report sends by reporter and status",
		},
		[]string{"reporter", "status"},
	)

	ReportDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hpcagent_report_duration_seconds",
			Help:    "Report send duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"reporter"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpcagent_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hpcagent_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Naming metrics
	NamingLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpcagent_naming_lookups_total",
			Help: "Total number of service location lookups by result",
		},
		[]string{"result"},
	)

	// Callback metrics
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpcagent_callbacks_total",
			Help: "Total number of task completion callbacks by status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(TasksStarted)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(ReportsTotal)
	prometheus.MustRegister(ReportDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(NamingLookupsTotal)
	prometheus.MustRegister(CallbacksTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
