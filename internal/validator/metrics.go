package validator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tensorlink/validator/pkg/api"
)

const MetricPrefix = "tensorlink_validator_"

type Metrics struct {
	offers              *prometheus.CounterVec
	declines            prometheus.Counter
	jobs                *prometheus.CounterVec
	recruitmentDuration prometheus.Histogram
	messageErrors       *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		offers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "module_offers_total",
			Help: "Module offers sent to workers, by outcome",
		}, []string{"outcome"}),
		declines: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "module_declines_total",
			Help: "Module offers explicitly declined by workers",
		}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "jobs_total",
			Help: "Jobs by final assignment status",
		}, []string{"status"}),
		recruitmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricPrefix + "recruitment_duration_seconds",
			Help:    "Time from accepting a job to replying with its assignment",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		messageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "message_errors_total",
			Help: "Inbound messages whose handler failed, by tag",
		}, []string{"tag"}),
	}
}

func (m *Metrics) recordOffer(outcome OfferOutcome) {
	m.offers.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) recordDecline() {
	m.declines.Inc()
}

func (m *Metrics) recordJob(status api.AssignmentStatus, duration time.Duration) {
	m.jobs.WithLabelValues(string(status)).Inc()
	if status != api.AssignmentRejected {
		m.recruitmentDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) recordMessageError(tag api.Tag) {
	m.messageErrors.WithLabelValues(string(tag)).Inc()
}
