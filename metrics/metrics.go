// Package metrics exposes auth client activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/jrsteele09/go-auth-client/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authclient"

// Collectors holds every metric of one application context.
type Collectors struct {
	registry *prometheus.Registry

	Renewals        *prometheus.CounterVec
	RenewalDuration prometheus.Histogram
	QueuedRequests  prometheus.Counter
	RetriedRequests prometheus.Counter
	SignalsSent     prometheus.Counter
	SignalsReceived prometheus.Counter
	SessionState    *prometheus.GaugeVec
}

var _ pipeline.Metrics = (*Collectors)(nil)

// New creates the collectors and registers them on a private registry.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		Renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewals_total",
			Help:      "Credential renewals by outcome.",
		}, []string{"outcome"}),
		RenewalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "renewal_duration_seconds",
			Help:      "Time spent waiting for the identity service to renew a credential.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		QueuedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queued_requests_total",
			Help:      "Requests that waited for an in-flight renewal.",
		}),
		RetriedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retried_requests_total",
			Help:      "Requests reissued after a renewal.",
		}),
		SignalsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logout_signals_sent_total",
			Help:      "Logout signals published to sibling contexts.",
		}),
		SignalsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logout_signals_received_total",
			Help:      "Logout signals received from sibling contexts.",
		}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 for the others.",
		}, []string{"state"}),
	}

	c.registry.MustRegister(
		c.Renewals,
		c.RenewalDuration,
		c.QueuedRequests,
		c.RetriedRequests,
		c.SignalsSent,
		c.SignalsReceived,
		c.SessionState,
	)
	return c
}

// Registry returns the registry the collectors live on.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) RenewalFinished(success bool, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.Renewals.WithLabelValues(outcome).Inc()
	c.RenewalDuration.Observe(elapsed.Seconds())
}

func (c *Collectors) RequestQueued() {
	c.QueuedRequests.Inc()
}

func (c *Collectors) RequestRetried() {
	c.RetriedRequests.Inc()
}

func (c *Collectors) LogoutPublished() {
	c.SignalsSent.Inc()
}

// SignalReceived counts a logout signal from another context.
func (c *Collectors) SignalReceived() {
	c.SignalsReceived.Inc()
}

// SetState marks state as the current one among all.
func (c *Collectors) SetState(state string, all ...string) {
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		c.SessionState.WithLabelValues(s).Set(value)
	}
}
