package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts handled requests by method, path and status.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPRequestDuration observes request latency in seconds.
	HTTPRequestDuration *prometheus.HistogramVec

	// UserRegistrationsTotal counts successful registrations.
	UserRegistrationsTotal prometheus.Counter

	// LoginFailuresTotal counts rejected login attempts.
	LoginFailuresTotal prometheus.Counter

	// LoginThrottledTotal counts logins rejected by the rate limiter.
	LoginThrottledTotal prometheus.Counter

	// TodosCreatedTotal counts created todos.
	TodosCreatedTotal prometheus.Counter
)

var initOnce sync.Once

// InitMetrics registers all collectors with the default registry.
// Safe to call more than once; only the first call registers.
func InitMetrics() {
	initOnce.Do(func() {
		HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todohub_http_requests_total",
			Help: "Handled HTTP requests.",
		}, []string{"method", "path", "status"})

		HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "todohub_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"})

		UserRegistrationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "todohub_user_registrations_total",
			Help: "Successful user registrations.",
		})

		LoginFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "todohub_login_failures_total",
			Help: "Rejected login attempts.",
		})

		LoginThrottledTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "todohub_login_throttled_total",
			Help: "Logins rejected by the rate limiter.",
		})

		TodosCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "todohub_todos_created_total",
			Help: "Created todos.",
		})

		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			UserRegistrationsTotal,
			LoginFailuresTotal,
			LoginThrottledTotal,
			TodosCreatedTotal,
		)
	})
}
