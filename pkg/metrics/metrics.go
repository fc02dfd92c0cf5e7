// Package metrics exposes Prometheus instrumentation for the agent gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"
)

var (
	// AuthFailures counts agent authentication failures by internal reason.
	// The reason never reaches the client; it only feeds operators.
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_auth_failures_total",
		Help: "Agent authentication failures by reason.",
	}, []string{"reason"})

	// RateLimited counts requests rejected by the rate limiter
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rate_limited_total",
		Help: "Requests rejected by the rate limiter, by endpoint.",
	}, []string{"endpoint"})

	// Heartbeats counts accepted agent heartbeats
	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_heartbeats_total",
		Help: "Accepted agent heartbeats.",
	})

	// Enrollments counts successful agent enrollments
	Enrollments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_enrollments_total",
		Help: "Successful agent enrollments.",
	})

	// InstallersServed counts installer scripts served
	InstallersServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_installers_served_total",
		Help: "Installer scripts served, by platform.",
	}, []string{"os_type"})

	// JobsDelivered counts jobs handed to agents on poll
	JobsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_jobs_delivered_total",
		Help: "Jobs transitioned to delivered.",
	})

	// JobsCompleted counts acked jobs by terminal status
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_jobs_completed_total",
		Help: "Jobs acked into a terminal status.",
	}, []string{"status"})
)

// Handler returns a gin handler serving the Prometheus registry
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
