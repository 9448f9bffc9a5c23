package telemetry_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/SeleniaProject/Nyx-sub000/telemetry"
)

func waitForCounter(t *testing.T, reg *prometheus.Registry, name string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		families, err := reg.Gather()
		require.NoError(t, err)
		for _, f := range families {
			if f.GetName() == name && len(f.GetMetric()) > 0 {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("metric %q never observed", name)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCollectorEmitIsNonBlockingAndObservable(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := telemetry.NewCollector(reg)
	defer c.Close()

	c.Emit("handshake.completed", nil)
	waitForCounter(t, reg, "nyx_session_events_total", 2*time.Second)

	c.Emit("frame.replay", nil)
	c.Emit("path.state_changed", map[string]interface{}{"path_id": uint8(2)})
	waitForCounter(t, reg, "nyx_session_path_events_total", 2*time.Second)

	c.Emit("rekey.applied", map[string]interface{}{"trigger": "bytes"})
	waitForCounter(t, reg, "nyx_session_rekey_applied_total", 2*time.Second)

	c.Emit("close.received", map[string]interface{}{"code": uint16(0x0007)})
	waitForCounter(t, reg, "nyx_session_close_received_total", 2*time.Second)
}

func TestCollectorKeepsObservingPastRingCapacity(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := telemetry.NewCollector(reg)
	defer c.Close()

	for i := 0; i < 5000; i++ {
		c.Emit("frame.decode_error", map[string]interface{}{"path_id": uint8(0)})
	}

	waitForCounter(t, reg, "nyx_session_events_total", 2*time.Second)
}
