package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/certledger/internal/ledger"
)

var (
	certAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certledger_appends_total",
		Help: "Append calls by outcome.",
	}, []string{"outcome"})

	certEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certledger_entries_committed_total",
		Help: "Ledger entries committed across all scopes.",
	})

	certAppendRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certledger_append_retries_total",
		Help: "Tip-mismatch retries performed by the append coordinator.",
	})

	certVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certledger_verifications_total",
		Help: "Completed chain verifications by status.",
	}, []string{"status"})

	certRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	certRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "certledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		certRequestsTotal.WithLabelValues(method, path, status).Inc()
		certRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend is a ledger.MetricsRecorder.
func RecordAppend(outcome string, entries, retries int) {
	certAppendsTotal.WithLabelValues(outcome).Inc()
	if outcome == ledger.OutcomeCommitted {
		certEntriesTotal.Add(float64(entries))
	}
	if retries > 0 {
		certAppendRetriesTotal.Add(float64(retries))
	}
}

// RecordVerification counts a completed verification report.
func RecordVerification(r *ledger.Report) {
	certVerificationsTotal.WithLabelValues(string(r.Status)).Inc()
}

var _ ledger.MetricsRecorder = RecordAppend
