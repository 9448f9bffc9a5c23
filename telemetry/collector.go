// Package telemetry is the default Telemetry collaborator: a Prometheus
// exporter that never blocks the caller. Every Emit call enqueues onto a
// lock-free ring buffer (see ring.go); a single background goroutine drains
// it into counters, so a slow or stalled Prometheus scrape can never back
// up onto the session's own goroutine.
package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "nyx"
	subsystem = "session"
)

// defaultRingCapacity bounds how many Emit calls can be in flight before
// the ring starts dropping the newest ones; sized generously relative to
// one connection's burst rate (frame errors, path events) since Prometheus
// scrapes are seconds apart, not packet-rate.
const defaultRingCapacity = 1024

// Collector is the Prometheus-backed Telemetry implementation. It
// implements the same Emit(event string, fields map[string]interface{})
// shape the session orchestrator and the root package both declare as
// their Telemetry collaborator interface.
type Collector struct {
	ring *ring
	stop chan struct{}
	done chan struct{}

	eventsTotal  *prometheus.CounterVec
	pathEvents   *prometheus.CounterVec
	droppedTotal prometheus.Counter
	rekeyTotal   *prometheus.CounterVec
	closeTotal   *prometheus.CounterVec
}

// NewCollector creates a Collector, registers its metrics against reg (or
// prometheus.DefaultRegisterer if nil), and starts the drain goroutine.
// Call Close to stop the goroutine once the process no longer needs it.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		ring: newRing(defaultRingCapacity),
		stop: make(chan struct{}),
		done: make(chan struct{}),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Total telemetry events emitted by the session orchestrator, by event name.",
		}, []string{"event"}),

		pathEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "path_events_total",
			Help:      "Total per-path telemetry events (frame errors, retransmit requests, state changes), by event name and path_id.",
		}, []string{"event", "path_id"}),

		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "telemetry_dropped_total",
			Help:      "Emit calls dropped because the telemetry ring buffer was full.",
		}),

		rekeyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rekey_applied_total",
			Help:      "Rekey events applied, by trigger (bytes, interval, pcr).",
		}, []string{"trigger"}),

		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "close_received_total",
			Help:      "Close (Management) frames received, by reason code.",
		}, []string{"code"}),
	}

	reg.MustRegister(c.eventsTotal, c.pathEvents, c.droppedTotal, c.rekeyTotal, c.closeTotal)

	go func() {
		defer close(c.done)
		c.ring.drain(c.stop, c.observe)
	}()

	return c
}

// Emit enqueues event onto the ring buffer without blocking. It is safe to
// call concurrently from any number of goroutines.
func (c *Collector) Emit(event string, fields map[string]interface{}) {
	c.ring.push(entry{event: event, fields: fields})
}

// Close stops the drain goroutine and waits for it to exit. Metrics
// observed up to this point remain registered and readable.
func (c *Collector) Close() {
	close(c.stop)
	<-c.done
}

func (c *Collector) observe(e entry) {
	c.eventsTotal.WithLabelValues(e.event).Inc()

	if c.droppedTotal != nil {
		if d := c.ring.dropped.Swap(0); d > 0 {
			c.droppedTotal.Add(float64(d))
		}
	}

	if pathID, ok := fieldUint8(e.fields, "path_id"); ok {
		c.pathEvents.WithLabelValues(e.event, pathIDLabel(pathID)).Inc()
		return
	}

	switch e.event {
	case "rekey.applied":
		trigger, _ := e.fields["trigger"].(string)
		if trigger == "" {
			trigger = "unknown"
		}
		c.rekeyTotal.WithLabelValues(trigger).Inc()
	case "close.received":
		c.closeTotal.WithLabelValues(closeCodeLabel(e.fields)).Inc()
	}
}

func fieldUint8(fields map[string]interface{}, key string) (uint8, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	u, ok := v.(uint8)
	return u, ok
}

func pathIDLabel(id uint8) string {
	return strconv.Itoa(int(id))
}

func closeCodeLabel(fields map[string]interface{}) string {
	code, ok := fields["code"]
	if !ok {
		return "unknown"
	}
	switch v := code.(type) {
	case uint16:
		return closeCodeName(v)
	default:
		return "unknown"
	}
}

func closeCodeName(code uint16) string {
	switch code {
	case 0x0001:
		return "generic"
	case 0x0007:
		return "unsupported_capability"
	default:
		return "other"
	}
}
