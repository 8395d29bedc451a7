// Package telemetry exposes pipeline counters in Prometheus format.
package telemetry

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

type Metrics struct {
	registry *prometheus.Registry

	SamplesIngested     *prometheus.CounterVec
	SamplesRejected     *prometheus.CounterVec
	AlertsCreated       *prometheus.CounterVec
	AlertsSuppressed    *prometheus.CounterVec
	AlertTransitions    *prometheus.CounterVec
	NotificationsSent   *prometheus.CounterVec
	DeliveryDuration    *prometheus.HistogramVec
	NotificationRetries prometheus.Counter
	RetryDelay          prometheus.Histogram
	JobsFailed          *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	WSConnections       prometheus.Gauge
	RealtimeDropped     prometheus.Counter
}

// New registers every metric on a fresh registry along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SamplesIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_ingested_total",
			Help:      "Metric samples accepted by the intake gate",
		}, []string{"client_id"}),
		SamplesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_rejected_total",
			Help:      "Metric samples rejected by the intake gate",
		}, []string{"reason"}),
		AlertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts created",
		}, []string{"severity", "metric"}),
		AlertsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Threshold breaches absorbed by an open alert",
		}, []string{"metric"}),
		AlertTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_transitions_total",
			Help:      "Alert status transitions",
		}, []string{"status"}),
		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Notification send attempts by channel and result",
		}, []string{"channel", "status"}),
		DeliveryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_delivery_duration_seconds",
			Help:      "Time spent in one channel send",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"channel"}),
		NotificationRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_retries_total",
			Help:      "Notification jobs rescheduled after a failed attempt",
		}),
		RetryDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_retry_delay_seconds",
			Help:      "Backoff scheduled before a notification retry",
			Buckets:   []float64{1, 5, 10, 20, 40, 60, 120},
		}),
		JobsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_jobs_failed_total",
			Help:      "Notification jobs that failed permanently",
		}, []string{"reason"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_queue_depth",
			Help:      "Jobs waiting for a worker",
		}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open realtime connections",
		}),
		RealtimeDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_messages_dropped_total",
			Help:      "Realtime messages dropped because a connection buffer was full",
		}),
	}
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) SampleIngested(clientID string) {
	m.SamplesIngested.WithLabelValues(clientID).Inc()
}

func (m *Metrics) SampleRejected(reason string) {
	m.SamplesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) AlertCreated(severity, metric string) {
	m.AlertsCreated.WithLabelValues(severity, metric).Inc()
}

func (m *Metrics) AlertSuppressed(metric string) {
	m.AlertsSuppressed.WithLabelValues(metric).Inc()
}

func (m *Metrics) AlertTransition(status string) {
	m.AlertTransitions.WithLabelValues(strings.ToLower(status)).Inc()
}

func (m *Metrics) NotificationSent(channel, status string, took time.Duration) {
	m.NotificationsSent.WithLabelValues(channel, status).Inc()
	m.DeliveryDuration.WithLabelValues(channel).Observe(took.Seconds())
}

func (m *Metrics) NotificationRetried(delay time.Duration) {
	m.NotificationRetries.Inc()
	m.RetryDelay.Observe(delay.Seconds())
}

func (m *Metrics) JobFailed(reason string) {
	m.JobsFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) SetConnections(n int) {
	m.WSConnections.Set(float64(n))
}

func (m *Metrics) MessageDropped() {
	m.RealtimeDropped.Inc()
}
