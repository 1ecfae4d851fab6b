// Package metrics содержит метрики Prometheus сервиса shopcore.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// OrdersCreatedTotal — количество успешно созданных заказов.
	OrdersCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shopcore_orders_created_total",
			Help: "Total number of orders created",
		},
	)

	// CouponIssueDecisionsTotal — исходы попыток выдачи купонов.
	CouponIssueDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopcore_coupon_issue_decisions_total",
			Help: "Coupon issuance decisions by outcome",
		},
		[]string{"outcome"},
	)

	// OutboxDispatchTotal — исходы попыток доставки событий outbox.
	OutboxDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopcore_outbox_dispatch_total",
			Help: "Outbox dispatch attempts by event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// OutboxDispatchDuration — длительность обработки одного конверта.
	OutboxDispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shopcore_outbox_dispatch_duration_seconds",
			Help:    "Duration of a single outbox dispatch attempt",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Register регистрирует все метрики сервиса.
func Register() {
	prometheus.MustRegister(OrdersCreatedTotal)
	prometheus.MustRegister(CouponIssueDecisionsTotal)
	prometheus.MustRegister(OutboxDispatchTotal)
	prometheus.MustRegister(OutboxDispatchDuration)
}
