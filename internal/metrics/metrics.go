// README: Prometheus collectors shared by the order, dispatch, notify and HTTP layers.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierhub_order_transitions_total",
			Help: "Committed order status transitions by target status",
		},
		[]string{"to"},
	)

	OrderConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courierhub_order_conflicts_total",
			Help: "Conditional updates that lost to a concurrent writer",
		},
	)

	OffersIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courierhub_offers_issued_total",
			Help: "Offers broadcast to couriers",
		},
	)

	DispatchEmptyRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courierhub_dispatch_empty_rounds_total",
			Help: "Dispatch rounds that found no eligible courier",
		},
	)

	OfferAcceptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierhub_offer_accepts_total",
			Help: "Offer accept attempts by outcome",
		},
		[]string{"outcome"},
	)

	NotificationsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierhub_notifications_failed_total",
			Help: "Notification deliveries that failed per sink",
		},
		[]string{"sink"},
	)

	NotificationsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courierhub_notifications_dropped_total",
			Help: "Envelopes dropped because a subscriber buffer was full",
		},
	)

	ChatMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courierhub_chat_messages_total",
			Help: "Chat messages persisted",
		},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierhub_rate_limited_total",
			Help: "Requests rejected by the rate limiter per route",
		},
		[]string{"route"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courierhub_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(OrderTransitionsTotal)
	prometheus.MustRegister(OrderConflictsTotal)
	prometheus.MustRegister(OffersIssuedTotal)
	prometheus.MustRegister(DispatchEmptyRoundsTotal)
	prometheus.MustRegister(OfferAcceptsTotal)
	prometheus.MustRegister(NotificationsFailedTotal)
	prometheus.MustRegister(NotificationsDroppedTotal)
	prometheus.MustRegister(ChatMessagesTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}
