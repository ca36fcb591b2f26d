package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.SetOnline(3)
	m.MessagePersisted()
	m.Emitted("new_message")
	m.Emitted("new_message")
	m.Dropped("user_typing")
	m.Evicted()

	require.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
	require.Equal(t, 3.0, testutil.ToFloat64(m.OnlineUsers))
	require.Equal(t, 1.0, testutil.ToFloat64(m.MessagesPersisted))
	require.Equal(t, 2.0, testutil.ToFloat64(m.EventsEmitted.WithLabelValues("new_message")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("user_typing")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Evictions))

	n, err := testutil.GatherAndCount(reg, "mobichat_connections", "mobichat_presence_evictions_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.ConnOpened()
		m.ConnClosed()
		m.SetOnline(1)
		m.MessagePersisted()
		m.Emitted("ack")
		m.Dropped("ack")
		m.Evicted()
	})
}
