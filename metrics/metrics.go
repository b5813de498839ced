// Package metrics exposes fetch counters to Prometheus
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"form-automation/challenge"
	"form-automation/driver"
	"form-automation/fetch"
)

const namespace = "formfetch"

// Collector counts fetches, attempts and challenge outcomes
type Collector struct {
	registry *prometheus.Registry

	fetches          *prometheus.CounterVec
	attempts         *prometheus.CounterVec
	challenges       *prometheus.CounterVec
	transcriptions   prometheus.Histogram
	fetchDuration    prometheus.Histogram
	attemptsPerFetch prometheus.Histogram
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Page fetches by result.",
		}, []string{"result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Fetch attempts by failure reason.",
		}, []string{"reason"}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_total",
			Help:      "Challenge resolutions by final state.",
		}, []string{"state"}),
		transcriptions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_attempts",
			Help:      "Audio transcriptions used per challenge.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Wall time of a page fetch including retries.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		attemptsPerFetch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempts_per_fetch",
			Help:      "Attempts used per page fetch.",
			Buckets:   prometheus.LinearBuckets(1, 1, fetch.DefaultMaxRetry),
		}),
	}
	c.registry.MustRegister(c.fetches, c.attempts, c.challenges, c.transcriptions, c.fetchDuration, c.attemptsPerFetch)
	return c
}

func (c *Collector) ObserveAttempt(a fetch.Attempt) {
	c.attempts.WithLabelValues(reason(a.Err)).Inc()
	if a.Outcome != nil {
		c.challenges.WithLabelValues(a.Outcome.State.String()).Inc()
		if a.Outcome.Visited(challenge.Transcribing) {
			c.transcriptions.Observe(float64(a.Outcome.Attempts))
		}
	}
}

func (c *Collector) ObserveResult(r *fetch.Result) {
	result := "failure"
	if r.Success {
		result = "success"
	}
	c.fetches.WithLabelValues(result).Inc()
	c.fetchDuration.Observe(r.Duration.Seconds())
	c.attemptsPerFetch.Observe(float64(r.Attempts))
}

// Registry exposes the underlying registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collected metrics in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, driver.ErrDriverUnavailable):
		return "driver_unavailable"
	case errors.Is(err, driver.ErrElementNotFound):
		return "element_not_found"
	case errors.Is(err, challenge.ErrChallengeFailed):
		return "challenge_failed"
	case fetch.IsLimitExceeded(err):
		return "rate_limited"
	default:
		return "other"
	}
}
