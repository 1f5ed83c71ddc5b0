// Package metrics holds the daemon's prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	policyEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "twinguard_policy_entries",
		Help: "Number of identities in the active allow-list.",
	})

	policyRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinguard_policy_refreshes_total",
		Help: "Policy refresh attempts by result.",
	}, []string{"result"})

	aclChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinguard_acl_checks_total",
		Help: "Membership checks by decision.",
	}, []string{"decision"})

	auditWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinguard_audit_writes_total",
		Help: "Audit record writes by result.",
	}, []string{"result"})

	incomeTransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinguard_income_transfers_total",
		Help: "Incoming transfers observed by outcome.",
	}, []string{"outcome"})

	supervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinguard_supervisor_restarts_total",
		Help: "Background task restarts by task name.",
	}, []string{"task"})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinguard_health_checks_total",
		Help: "Dependency probes by target and result.",
	}, []string{"target", "result"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinguard_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "twinguard_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// SetPolicyEntries records the size of the active allow-list.
func SetPolicyEntries(n int) { policyEntries.Set(float64(n)) }

// RecordPolicyRefresh records a refresh outcome: "swapped" or "failed".
func RecordPolicyRefresh(result string) { policyRefreshesTotal.WithLabelValues(result).Inc() }

// RecordACLCheck records a membership decision.
func RecordACLCheck(allowed bool) {
	if allowed {
		aclChecksTotal.WithLabelValues("allow").Inc()
	} else {
		aclChecksTotal.WithLabelValues("deny").Inc()
	}
}

// RecordAuditWrite records an audit write outcome: "anchored",
// "store_failed" or "submit_failed".
func RecordAuditWrite(result string) { auditWritesTotal.WithLabelValues(result).Inc() }

// RecordIncome records a transfer to the device: "signalled",
// "below_threshold" or "malformed".
func RecordIncome(outcome string) { incomeTransfersTotal.WithLabelValues(outcome).Inc() }

// RecordRestart records a supervised task restart.
func RecordRestart(task string) { supervisorRestartsTotal.WithLabelValues(task).Inc() }

// RecordHealthCheck records a dependency probe result.
func RecordHealthCheck(target string, success bool) {
	if success {
		healthChecksTotal.WithLabelValues(target, "success").Inc()
	} else {
		healthChecksTotal.WithLabelValues(target, "failure").Inc()
	}
}
