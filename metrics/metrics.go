// Package metrics collects Prometheus metrics for the authentication
// core: login and logout outcomes, recovery passes, and transport
// latency. It is the security/observability collaborator the recovery
// engine and orchestrator report into.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the interface the orchestrator and recovery engine use.
// NopRecorder keeps tests and minimal embeddings free of a registry.
type Recorder interface {
	RecordLogin(success bool, errorKind string)
	RecordLogout(serverSucceeded, localSucceeded bool)
	RecordRefresh(success bool)
	RecordRecovery(strategy string, success bool)
	RecordSessionState(state string)
	RecordRequestLatency(endpoint string, d time.Duration)
}

// Collector implements Recorder over a Prometheus registry.
type Collector struct {
	loginTotal     *prometheus.CounterVec
	logoutTotal    *prometheus.CounterVec
	refreshTotal   *prometheus.CounterVec
	recoveryTotal  *prometheus.CounterVec
	sessionState   *prometheus.GaugeVec
	requestLatency *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers its metrics.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bowpiauth_login_total",
			Help: "Login attempts by result and error kind.",
		}, []string{"result", "error_kind"}),
		logoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bowpiauth_logout_total",
			Help: "Logout attempts by server and local outcome.",
		}, []string{"server", "local"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bowpiauth_refresh_total",
			Help: "Token refresh attempts by result.",
		}, []string{"result"}),
		recoveryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bowpiauth_recovery_total",
			Help: "Session recovery passes by strategy and result.",
		}, []string{"strategy", "result"}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bowpiauth_session_state",
			Help: "Last derived session state (1 for the current state, 0 otherwise).",
		}, []string{"state"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bowpiauth_request_latency_seconds",
			Help:    "Identity backend request latency by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		c.loginTotal,
		c.logoutTotal,
		c.refreshTotal,
		c.recoveryTotal,
		c.sessionState,
		c.requestLatency,
	)

	return c
}

func boolResult(ok bool) string {
	if ok {
		return "success"
	}

	return "failure"
}

// RecordLogin counts a login attempt. errorKind is empty on success.
func (c *Collector) RecordLogin(success bool, errorKind string) {
	c.loginTotal.WithLabelValues(boolResult(success), errorKind).Inc()
}

// RecordLogout counts a logout attempt by its two outcomes.
func (c *Collector) RecordLogout(serverSucceeded, localSucceeded bool) {
	c.logoutTotal.WithLabelValues(boolResult(serverSucceeded), boolResult(localSucceeded)).Inc()
}

// RecordRefresh counts a token refresh attempt.
func (c *Collector) RecordRefresh(success bool) {
	c.refreshTotal.WithLabelValues(boolResult(success)).Inc()
}

// RecordRecovery counts a recovery pass.
func (c *Collector) RecordRecovery(strategy string, success bool) {
	c.recoveryTotal.WithLabelValues(strategy, boolResult(success)).Inc()
}

// RecordSessionState marks the last derived session state.
func (c *Collector) RecordSessionState(state string) {
	c.sessionState.Reset()
	c.sessionState.WithLabelValues(state).Set(1)
}

// RecordRequestLatency observes one backend round trip.
func (c *Collector) RecordRequestLatency(endpoint string, d time.Duration) {
	c.requestLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// NopRecorder discards all observations.
type NopRecorder struct{}

func (NopRecorder) RecordLogin(bool, string)                   {}
func (NopRecorder) RecordLogout(bool, bool)                    {}
func (NopRecorder) RecordRefresh(bool)                         {}
func (NopRecorder) RecordRecovery(string, bool)                {}
func (NopRecorder) RecordSessionState(string)                  {}
func (NopRecorder) RecordRequestLatency(string, time.Duration) {}
