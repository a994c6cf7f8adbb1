// Package metrics exposes Prometheus instrumentation for sync sessions,
// registrations, posted messages and the local status API.
//
// Labels stay bounded: outcome is one of the relay error kinds or "success",
// kind is one of the stream item kinds.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// OutcomeSuccess labels an operation that completed without error.
const OutcomeSuccess = "success"

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	syncSessions   *prometheus.CounterVec
	syncDuration   *prometheus.HistogramVec
	itemsUploaded  *prometheus.CounterVec
	itemsApplied   *prometheus.CounterVec
	watermark      prometheus.Gauge
	outboundQueue  prometheus.Gauge
	registrations  *prometheus.CounterVec
	messagesPosted prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		syncSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_sync_sessions_total",
				Help: "Sync sessions by outcome.",
			},
			[]string{"outcome"},
		),
		syncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatrelay_sync_duration_seconds",
				Help:    "Duration of sync sessions in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
			},
			[]string{"outcome"},
		),
		itemsUploaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_items_uploaded_total",
				Help: "Items sent on the upload half of sync streams.",
			},
			[]string{"kind"},
		),
		itemsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_items_applied_total",
				Help: "Downloaded items applied to the local store.",
			},
			[]string{"kind", "result"},
		),
		watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_watermark",
			Help: "Highest sequence number incorporated from the server.",
		}),
		outboundQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_outbound_queue_size",
			Help: "Locally authored messages not yet acknowledged by the server.",
		}),
		registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_registrations_total",
				Help: "Registration attempts by outcome.",
			},
			[]string{"outcome"},
		),
		messagesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_messages_posted_total",
			Help: "Messages appended to the outbound queue.",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_http_requests_total",
				Help: "Status API requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatrelay_http_request_duration_seconds",
				Help:    "Duration of status API requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
	collectors := []prometheus.Collector{
		metrics.syncSessions,
		metrics.syncDuration,
		metrics.itemsUploaded,
		metrics.itemsApplied,
		metrics.watermark,
		metrics.outboundQueue,
		metrics.registrations,
		metrics.messagesPosted,
		metrics.httpRequests,
		metrics.httpDuration,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

// ObserveSync records one finished sync session.
func (metrics *Metrics) ObserveSync(outcome string, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.syncSessions.WithLabelValues(outcome).Inc()
	metrics.syncDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// AddUploaded counts items sent to the server.
func (metrics *Metrics) AddUploaded(kind string, count int) {
	if metrics == nil || count <= 0 {
		return
	}
	metrics.itemsUploaded.WithLabelValues(kind).Add(float64(count))
}

// IncApplied counts one downloaded item applied with the given result.
func (metrics *Metrics) IncApplied(kind, result string) {
	if metrics == nil {
		return
	}
	metrics.itemsApplied.WithLabelValues(kind, result).Inc()
}

// SetWatermark publishes the current watermark.
func (metrics *Metrics) SetWatermark(value int64) {
	if metrics == nil {
		return
	}
	metrics.watermark.Set(float64(value))
}

// SetOutboundQueue publishes the number of unacknowledged messages.
func (metrics *Metrics) SetOutboundQueue(size int) {
	if metrics == nil {
		return
	}
	metrics.outboundQueue.Set(float64(size))
}

// ObserveRegistration records one registration attempt.
func (metrics *Metrics) ObserveRegistration(outcome string) {
	if metrics == nil {
		return
	}
	metrics.registrations.WithLabelValues(outcome).Inc()
}

// IncPosted counts one appended message.
func (metrics *Metrics) IncPosted() {
	if metrics == nil {
		return
	}
	metrics.messagesPosted.Inc()
}

// HTTPMiddleware instruments status API requests. The path label uses the
// registered route and falls back to the raw path when no route matched.
func (metrics *Metrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if metrics == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		metrics.httpRequests.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
