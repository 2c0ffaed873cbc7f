// Package metrics collects and exposes chat-pipeline observability data
// through a Prometheus registry, scraped by external monitoring systems.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors for one process (edge,
// consumer, or load client). New registers every collector on one
// registry, so a single /metrics endpoint can expose them together; a
// process simply leaves the collectors it does not use at zero.
type Metrics struct {
	registry *prometheus.Registry

	// Edge
	messagesAccepted *prometheus.CounterVec // room
	messagesRejected *prometheus.CounterVec // error
	connectionsOpen  prometheus.Gauge
	brokerPublishes  *prometheus.CounterVec // room, result

	// Consumer
	busPublishes      *prometheus.CounterVec // room, result
	dbRowsWritten     prometheus.Counter
	dbRowsDropped     prometheus.Counter
	dbBatchDuration   prometheus.Histogram
	inFlightDeliveries *prometheus.GaugeVec // room

	// Load client
	circuitBreakerState      prometheus.Gauge
	circuitBreakerTripsTotal prometheus.Counter
	poolAcquisitions         *prometheus.CounterVec // room, result
	roundTripDuration        prometheus.Histogram
	retriesTotal             prometheus.Counter
}

var defaultBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// New creates a Metrics registry with every collector registered under
// namespace. Callers that only run a subset of the pipeline (e.g. the
// load client never touches dbRowsWritten) simply never call the
// corresponding Record* method.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		messagesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "edge_messages_accepted_total",
			Help: "Messages accepted and published to the broker, by room",
		}, []string{"room"}),

		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "edge_messages_rejected_total",
			Help: "Messages rejected at the edge, by error code",
		}, []string{"error"}),

		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "edge_connections_open",
			Help: "Currently open edge socket connections",
		}),

		brokerPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "broker_publishes_total",
			Help: "Broker publish attempts, by room and result",
		}, []string{"room", "result"}),

		busPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_publishes_total",
			Help: "Bus publish attempts, by room and result",
		}, []string{"room", "result"}),

		dbRowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "db_rows_written_total",
			Help: "Rows successfully written to storage",
		}),

		dbRowsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "db_rows_dropped_total",
			Help: "Messages dropped from the DB write queue under overload",
		}),

		dbBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "db_batch_duration_milliseconds",
			Help:    "Duration of a single batch insert",
			Buckets: defaultBuckets,
		}),

		inFlightDeliveries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "consumer_inflight_deliveries",
			Help: "Unacked broker deliveries currently held by a worker, by room",
		}, []string{"room"}),

		circuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state",
			Help: "Load client circuit breaker state (0=closed, 1=open, 2=half_open)",
		}),

		circuitBreakerTripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "circuit_breaker_trips_total",
			Help: "Number of times the circuit breaker tripped open",
		}),

		poolAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_acquisitions_total",
			Help: "Connection pool acquisitions, by room and result",
		}, []string{"room", "result"}),

		roundTripDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "roundtrip_duration_milliseconds",
			Help:    "Client-observed send-to-ack latency",
			Buckets: defaultBuckets,
		}),

		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_total",
			Help: "Total send retries issued by load client workers",
		}),
	}

	registry.MustRegister(
		m.messagesAccepted, m.messagesRejected, m.connectionsOpen, m.brokerPublishes,
		m.busPublishes, m.dbRowsWritten, m.dbRowsDropped, m.dbBatchDuration, m.inFlightDeliveries,
		m.circuitBreakerState, m.circuitBreakerTripsTotal, m.poolAcquisitions,
		m.roundTripDuration, m.retriesTotal,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) MessageAccepted(room string)            { m.messagesAccepted.WithLabelValues(room).Inc() }
func (m *Metrics) MessageRejected(errorCode string)        { m.messagesRejected.WithLabelValues(errorCode).Inc() }
func (m *Metrics) ConnectionOpened()                       { m.connectionsOpen.Inc() }
func (m *Metrics) ConnectionClosed()                       { m.connectionsOpen.Dec() }
func (m *Metrics) BrokerPublish(room string, ok bool)      { m.brokerPublishes.WithLabelValues(room, result(ok)).Inc() }
func (m *Metrics) BusPublish(room string, ok bool)         { m.busPublishes.WithLabelValues(room, result(ok)).Inc() }
func (m *Metrics) DBRowsWritten(n int)                     { m.dbRowsWritten.Add(float64(n)) }
func (m *Metrics) DBRowsDropped(n int)                     { m.dbRowsDropped.Add(float64(n)) }
func (m *Metrics) DBBatchDuration(ms float64)              { m.dbBatchDuration.Observe(ms) }
func (m *Metrics) SetInFlight(room string, n int)          { m.inFlightDeliveries.WithLabelValues(room).Set(float64(n)) }
func (m *Metrics) SetCircuitBreakerState(state int)        { m.circuitBreakerState.Set(float64(state)) }
func (m *Metrics) RecordCircuitBreakerTrip()                { m.circuitBreakerTripsTotal.Inc() }
func (m *Metrics) PoolAcquisition(room string, ok bool)    { m.poolAcquisitions.WithLabelValues(room, result(ok)).Inc() }
func (m *Metrics) RoundTripDuration(ms float64)            { m.roundTripDuration.Observe(ms) }
func (m *Metrics) RecordRetry()                             { m.retriesTotal.Inc() }

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
