// Package metrics exposes Prometheus counters for the reconciliation jobs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the jobs, the email gateway and the broker report into.
type Recorder interface {
	RecordPayment(result string)
	RecordEmail(template, result string)
	RecordReminderSent()
	RecordBrokerEvent(eventType string)
	StreamOpened()
	StreamClosed()
	RecordCycle(job string, duration time.Duration, err error)
}

type Collector struct {
	payments      *prometheus.CounterVec
	emails        *prometheus.CounterVec
	reminders     prometheus.Counter
	brokerEvents  *prometheus.CounterVec
	openStreams   prometheus.Gauge
	cycleDuration *prometheus.HistogramVec
	cycleErrors   *prometheus.CounterVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_payments_processed_total",
			Help: "Payment notifications processed, by result",
		}, []string{"result"}),
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_emails_total",
			Help: "Outbound email attempts, by template and result",
		}, []string{"template", "result"}),
		reminders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_reminders_sent_total",
			Help: "Late payment reminders sent",
		}),
		brokerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_broker_events_total",
			Help: "Notification events published, by type",
		}, []string{"type"}),
		openStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconciler_sse_streams_open",
			Help: "Admin event streams currently connected",
		}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reconciler_cycle_duration_seconds",
			Help:    "Background job cycle duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		cycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_cycle_errors_total",
			Help: "Background job cycles that ended in error",
		}, []string{"job"}),
	}

	reg.MustRegister(
		c.payments,
		c.emails,
		c.reminders,
		c.brokerEvents,
		c.openStreams,
		c.cycleDuration,
		c.cycleErrors,
	)
	return c
}

func (c *Collector) RecordPayment(result string) {
	c.payments.WithLabelValues(result).Inc()
}

func (c *Collector) RecordEmail(template, result string) {
	c.emails.WithLabelValues(template, result).Inc()
}

func (c *Collector) RecordReminderSent() {
	c.reminders.Inc()
}

func (c *Collector) RecordBrokerEvent(eventType string) {
	c.brokerEvents.WithLabelValues(eventType).Inc()
}

func (c *Collector) StreamOpened() {
	c.openStreams.Inc()
}

func (c *Collector) StreamClosed() {
	c.openStreams.Dec()
}

func (c *Collector) RecordCycle(job string, duration time.Duration, err error) {
	c.cycleDuration.WithLabelValues(job).Observe(duration.Seconds())
	if err != nil {
		c.cycleErrors.WithLabelValues(job).Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything. Used by CLI tools and tests.
type Nop struct{}

func (Nop) RecordPayment(string)                     {}
func (Nop) RecordEmail(string, string)               {}
func (Nop) RecordReminderSent()                      {}
func (Nop) RecordBrokerEvent(string)                 {}
func (Nop) StreamOpened()                            {}
func (Nop) StreamClosed()                            {}
func (Nop) RecordCycle(string, time.Duration, error) {}
