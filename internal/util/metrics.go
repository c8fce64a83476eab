package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StockReservationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reservations_total",
		Help: "Total number of successful stock reservations",
	})

	StockReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_reservations_failed_total",
		Help: "Total number of failed stock reservations",
	}, []string{"reason"})

	StockReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_releases_total",
		Help: "Total number of stock releases (compensations)",
	})

	StockReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_reserve_latency_seconds",
		Help:    "Latency of reserving all lines of an order",
		Buckets: prometheus.DefBuckets,
	})

	StockSyncTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_sync_total",
		Help: "Total number of inventory syncs to the fast store",
	})

	FlashDropsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_drops_created_total",
		Help: "Total number of flash drops created",
	})

	FlashDropFreezeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flash_drop_freeze_total",
		Help: "Total number of flash drop freeze attempts",
	}, []string{"outcome"})

	FlashDropsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_drops_expired_total",
		Help: "Total number of flash drops expired",
	})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersReservedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_reserved_total",
		Help: "Total number of orders with inventory reserved",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed orders",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

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
