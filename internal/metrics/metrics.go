// Package metrics holds the Prometheus collectors for the engine. Collectors
// register on the default registry in init() and are served by the operations
// HTTP listener at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	positionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_positions_opened_total",
			Help: "Positions created from buy signals",
		},
		[]string{"symbol"},
	)

	positionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_positions_closed_total",
			Help: "Positions closed split by exit trigger",
		},
		[]string{"symbol", "trigger"},
	)

	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_placed_total",
			Help: "Exchange orders placed",
		},
		[]string{"side", "type"},
	)

	ordersSwept = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_swept_total",
			Help: "Stale unfilled orders cancelled by the sweeper",
		},
		[]string{"side"},
	)

	breakerTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_order_breaker_trips_total",
			Help: "Rate-limit breaker activations",
		},
	)

	handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_handler_failures_total",
			Help: "Bus handler invocations that returned an error",
		},
		[]string{"topic"},
	)

	busRedeliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_bus_redeliveries_total",
			Help: "Messages redelivered by the delayed-retry relay",
		},
	)
)

func init() {
	prometheus.MustRegister(positionsOpened, positionsClosed)
	prometheus.MustRegister(ordersPlaced, ordersSwept, breakerTrips)
	prometheus.MustRegister(handlerFailures, busRedeliveries)
}

func PositionOpened(symbol string) {
	positionsOpened.WithLabelValues(symbol).Inc()
}

func PositionClosed(symbol, trigger string) {
	positionsClosed.WithLabelValues(symbol, trigger).Inc()
}

func OrderPlaced(side, orderType string) {
	ordersPlaced.WithLabelValues(side, orderType).Inc()
}

func OrderSwept(side string) {
	ordersSwept.WithLabelValues(side).Inc()
}

func BreakerTripped() {
	breakerTrips.Inc()
}

func HandlerFailed(topic string) {
	handlerFailures.WithLabelValues(topic).Inc()
}

func MessageRedelivered() {
	busRedeliveries.Inc()
}
