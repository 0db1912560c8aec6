package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mandado", Name: "orders_created_total", Help: "Total orders created"})
	OrdersAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mandado", Name: "orders_accepted_total", Help: "Total successful order acceptances"})
	AcceptConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mandado", Name: "accept_conflicts_total", Help: "Accept attempts that lost the assignment race",
	})
	OrdersCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mandado", Name: "orders_completed_total", Help: "Total orders completed"})
	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mandado", Name: "orders_cancelled_total", Help: "Total orders cancelled"})

	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "mandado", Name: "ws_sessions_connected", Help: "Currently registered websocket sessions"})
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "mandado", Name: "events_published_total", Help: "Domain events pushed to live sessions"},
		[]string{"kind"},
	)
	EventSendErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mandado", Name: "event_send_errors_total", Help: "Failed websocket writes"})

	LocationUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mandado", Name: "location_updates_total", Help: "Courier location upserts"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "mandado", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mandado",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
