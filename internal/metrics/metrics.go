// Package metrics exposes sync engine instruments to Prometheus.
package metrics

import (
	"time"

	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Item outcomes.
const (
	OutcomeSynced    = "synced"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeDeferred  = "deferred"
)

// Recorder receives engine events.
type Recorder interface {
	RunFinished(status models.RunStatus, d time.Duration)
	Item(dir models.Direction, outcome string)
	Publish(p models.Platform, d time.Duration)
	RateLimited(p models.Platform)
}

// Prometheus implements Recorder with Prometheus collectors.
type Prometheus struct {
	runs            *prometheus.CounterVec
	runDuration     prometheus.Histogram
	items           *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crosspost_runs_total",
			Help: "Finalized sync runs by status",
		}, []string{"status"}),

		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crosspost_run_duration_seconds",
			Help:    "Wall time of sync runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crosspost_items_total",
			Help: "Fetched items by direction and outcome",
		}, []string{"direction", "outcome"}),

		publishDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crosspost_publish_duration_seconds",
			Help:    "Publish call latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),

		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crosspost_rate_limited_total",
			Help: "Rate limit signals received or enforced, by platform",
		}, []string{"platform"}),
	}
}

func (m *Prometheus) RunFinished(status models.RunStatus, d time.Duration) {
	m.runs.WithLabelValues(string(status)).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Prometheus) Item(dir models.Direction, outcome string) {
	m.items.WithLabelValues(dir.String(), outcome).Inc()
}

func (m *Prometheus) Publish(p models.Platform, d time.Duration) {
	m.publishDuration.WithLabelValues(string(p)).Observe(d.Seconds())
}

func (m *Prometheus) RateLimited(p models.Platform) {
	m.rateLimited.WithLabelValues(string(p)).Inc()
}

type noop struct{}

// Noop returns a Recorder that drops everything.
func Noop() Recorder { return noop{} }

func (noop) RunFinished(models.RunStatus, time.Duration) {}
func (noop) Item(models.Direction, string)               {}
func (noop) Publish(models.Platform, time.Duration)      {}
func (noop) RateLimited(models.Platform)                 {}
