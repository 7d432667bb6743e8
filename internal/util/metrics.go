package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_orders_created_total",
		Help: "Total number of orders created",
	}, []string{"source"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_orders_failed_total",
		Help: "Total number of checkouts that did not produce an order",
	}, []string{"reason"})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_order_transitions_total",
		Help: "Order status transitions",
	}, []string{"from", "to"})

	InventoryAdjustLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storefront_inventory_adjust_latency_seconds",
		Help:    "Latency of inventory adjustments",
		Buckets: prometheus.DefBuckets,
	})

	InventoryAdjustmentsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_inventory_adjustments_failed_total",
		Help: "Total number of rejected inventory adjustments",
	}, []string{"reason"})

	PaymentRedirectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_payment_redirects_total",
		Help: "Total number of gateway redirect URLs issued",
	})

	PaymentCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_payment_callbacks_total",
		Help: "Gateway callbacks by outcome",
	}, []string{"outcome"})

	OutboxPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_outbox_published_total",
		Help: "Outbox records relayed to the broker",
	})

	OutboxPublishFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_outbox_publish_failed_total",
		Help: "Outbox records that failed to publish",
	})

	OTPIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_otp_issued_total",
		Help: "One-time codes issued",
	})

	OTPVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_otp_verifications_total",
		Help: "One-time code verifications by result",
	}, []string{"result"})

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
