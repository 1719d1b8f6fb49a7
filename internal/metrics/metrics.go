package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_online_connections",
		Help: "Currently connected transport sessions.",
	})

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_messages_delivered_total",
		Help: "Messages pushed to a live transport session.",
	})

	MessagesBuffered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_messages_buffered_total",
		Help: "Messages appended to the durable delivery queue for an unreachable recipient.",
	})

	MessagesDrained = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_messages_drained_total",
		Help: "Buffered messages replayed to a reconnecting recipient.",
	})

	PushBackpressure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_push_backpressure_total",
		Help: "Pushes dropped because a session's outbound queue was full.",
	})

	DeliveryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_delivery_errors_total",
		Help: "Best-effort delivery path errors that were logged and swallowed.",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_http_request_duration_seconds",
		Help:    "HTTP request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// Register registers all collectors with the default registry. Call once
// from the composition root.
func Register() {
	prometheus.MustRegister(
		OnlineConns,
		MessagesDelivered,
		MessagesBuffered,
		MessagesDrained,
		PushBackpressure,
		DeliveryErrors,
		HTTPRequests,
		HTTPDuration,
	)
}
