package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CartMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_mutations_total",
		Help: "Total number of cart mutations by operation and outcome",
	}, []string{"operation", "outcome"})

	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkouts_total",
		Help: "Total number of checkouts by capture mode",
	}, []string{"mode"})

	CheckoutsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkouts_rejected_total",
		Help: "Total number of rejected checkouts",
	}, []string{"reason"})

	OrdersPaidTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders moved to PAID",
	}, []string{"trigger"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of orders moved to FAILED",
	}, []string{"reason"})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	PaymentGatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_gateway_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Total number of payment webhook events by type and outcome",
	}, []string{"type", "outcome"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Total number of order confirmations by outcome",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
