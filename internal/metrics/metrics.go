// Package metrics exposes the forwarder's Prometheus collectors.
//
// Every method is safe to call on a nil *Metrics so components can run with
// metrics disabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "logforwarder"

// Metrics holds the forwarder's collectors
type Metrics struct {
	connectionState   prometheus.Gauge
	connectAttempts   *prometheus.CounterVec
	unexpectedCloses  *prometheus.CounterVec
	messagesTotal     *prometheus.CounterVec
	sinkWrites        *prometheus.CounterVec
	processingSeconds prometheus.Histogram
	consumerRunning   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors, which is handy in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Broker connection state (0=disconnected, 1=connecting, 2=connected)",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Broker dial attempts by result",
		}, []string{"result"}),
		unexpectedCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unexpected_closes_total",
			Help:      "Broker-initiated closes by handle kind",
		}, []string{"handle"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Consumed messages by outcome",
		}, []string{"result"}),
		sinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_writes_total",
			Help:      "Log sink writes by sink and result",
		}, []string{"sink", "result"}),
		processingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_seconds",
			Help:      "Time spent handling one delivery",
			Buckets:   prometheus.DefBuckets,
		}),
		consumerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_running",
			Help:      "Whether the queue consumer is running (1) or stopped (0)",
		}),
	}

	if reg != nil {
		collectors := []prometheus.Collector{
			m.connectionState,
			m.connectAttempts,
			m.unexpectedCloses,
			m.messagesTotal,
			m.sinkWrites,
			m.processingSeconds,
			m.consumerRunning,
		}
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// SetConnectionState records the numeric form of a lifecycle state name
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	switch state {
	case "connected":
		m.connectionState.Set(2)
	case "connecting":
		m.connectionState.Set(1)
	default:
		m.connectionState.Set(0)
	}
}

// IncConnectAttempts counts a dial attempt; result is "success" or "failure"
func (m *Metrics) IncConnectAttempts(result string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

// IncUnexpectedCloses counts a broker-initiated close of a connection or channel
func (m *Metrics) IncUnexpectedCloses(handle string) {
	if m == nil {
		return
	}
	m.unexpectedCloses.WithLabelValues(handle).Inc()
}

// IncMessagesTotal counts a delivery outcome ("acked", "nacked")
func (m *Metrics) IncMessagesTotal(result string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(result).Inc()
}

// IncSinkWrites counts a sink write
func (m *Metrics) IncSinkWrites(sink, result string) {
	if m == nil {
		return
	}
	m.sinkWrites.WithLabelValues(sink, result).Inc()
}

// ObserveProcessing records how long one delivery took
func (m *Metrics) ObserveProcessing(d time.Duration) {
	if m == nil {
		return
	}
	m.processingSeconds.Observe(d.Seconds())
}

// SetConsumerRunning records the consumer run state
func (m *Metrics) SetConsumerRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.consumerRunning.Set(1)
	} else {
		m.consumerRunning.Set(0)
	}
}
