package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Run("registers every collector", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := NewMetrics(reg)
		require.NoError(t, err)

		m.SetConnectionState("connected")
		m.IncConnectAttempts("success")
		m.IncUnexpectedCloses("channel")
		m.IncMessagesTotal("acked")
		m.IncSinkWrites("loki", "success")
		m.ObserveProcessing(10 * time.Millisecond)
		m.SetConsumerRunning(true)

		families, err := reg.Gather()
		require.NoError(t, err)

		names := make([]string, 0, len(families))
		for _, f := range families {
			names = append(names, f.GetName())
		}
		assert.ElementsMatch(t, []string{
			"logforwarder_connection_state",
			"logforwarder_connect_attempts_total",
			"logforwarder_unexpected_closes_total",
			"logforwarder_messages_total",
			"logforwarder_sink_writes_total",
			"logforwarder_processing_seconds",
			"logforwarder_consumer_running",
		}, names)
	})

	t.Run("fails on duplicate registration", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_, err := NewMetrics(reg)
		require.NoError(t, err)

		_, err = NewMetrics(reg)
		assert.Error(t, err)
	})

	t.Run("nil registerer leaves collectors unregistered", func(t *testing.T) {
		m, err := NewMetrics(nil)
		require.NoError(t, err)
		assert.NotNil(t, m)
	})
}

func TestMetricValues(t *testing.T) {
	t.Run("connection state maps to numbers", func(t *testing.T) {
		m, err := NewMetrics(nil)
		require.NoError(t, err)

		m.SetConnectionState("connecting")
		assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionState))
		m.SetConnectionState("connected")
		assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionState))
		m.SetConnectionState("disconnected")
		assert.Equal(t, 0.0, testutil.ToFloat64(m.connectionState))
	})

	t.Run("message outcomes are counted by result", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := NewMetrics(reg)
		require.NoError(t, err)

		m.IncMessagesTotal("acked")
		m.IncMessagesTotal("acked")
		m.IncMessagesTotal("nacked")

		expected := `
# HELP logforwarder_messages_total Consumed messages by outcome
# TYPE logforwarder_messages_total counter
logforwarder_messages_total{result="acked"} 2
logforwarder_messages_total{result="nacked"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "logforwarder_messages_total"))
	})

	t.Run("consumer running toggles", func(t *testing.T) {
		m, err := NewMetrics(nil)
		require.NoError(t, err)

		m.SetConsumerRunning(true)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.consumerRunning))
		m.SetConsumerRunning(false)
		assert.Equal(t, 0.0, testutil.ToFloat64(m.consumerRunning))
	})
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.SetConnectionState("connected")
		m.IncConnectAttempts("failure")
		m.IncUnexpectedCloses("connection")
		m.IncMessagesTotal("nacked")
		m.IncSinkWrites("nats", "failure")
		m.ObserveProcessing(time.Second)
		m.SetConsumerRunning(false)
	})
}
