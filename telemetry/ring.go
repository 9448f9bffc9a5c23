package telemetry

import (
	"sync/atomic"
	"time"
)

// entry is one queued Emit call.
type entry struct {
	event  string
	fields map[string]interface{}
}

// slot is one ring-buffer cell. ready separates "claimed by a writer" from
// "visible to the reader": a writer claims a slot by winning the CAS on
// writeIdx, fills entry, then flips ready so the single drain goroutine
// knows not to read it before the write lands.
type slot struct {
	ready atomic.Bool
	entry entry
}

// ring is a bounded multi-producer/single-consumer queue: any number of
// Emit callers can push concurrently without blocking each other, and one
// background goroutine drains it into Prometheus collectors. Capacity must
// be a power of two. A full ring drops the newest event rather than
// blocking the caller (Telemetry.Emit must never stall the session's
// single cooperative goroutine).
type ring struct {
	slots    []slot
	mask     uint64
	writeIdx atomic.Uint64
	readIdx  atomic.Uint64
	dropped  atomic.Uint64
}

func newRing(capacity int) *ring {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("telemetry: ring capacity must be a power of two")
	}
	return &ring{
		slots: make([]slot, capacity),
		mask:  uint64(capacity - 1),
	}
}

// push attempts to enqueue e, returning false (and counting a drop) if the
// ring is full.
func (r *ring) push(e entry) bool {
	for {
		wi := r.writeIdx.Load()
		ri := r.readIdx.Load()
		if wi-ri >= uint64(len(r.slots)) {
			r.dropped.Add(1)
			return false
		}
		if r.writeIdx.CompareAndSwap(wi, wi+1) {
			s := &r.slots[wi&r.mask]
			s.entry = e
			s.ready.Store(true)
			return true
		}
	}
}

// drain runs on the single consumer goroutine, delivering every ready entry
// to fn in order until stop is closed. It backs off briefly when the ring
// is empty instead of busy-spinning.
func (r *ring) drain(stop <-chan struct{}, fn func(entry)) {
	idle := time.NewTicker(2 * time.Millisecond)
	defer idle.Stop()
	for {
		ri := r.readIdx.Load()
		s := &r.slots[ri&r.mask]
		if !s.ready.Load() {
			select {
			case <-stop:
				return
			case <-idle.C:
			}
			continue
		}
		e := s.entry
		s.ready.Store(false)
		r.readIdx.Store(ri + 1)
		fn(e)

		select {
		case <-stop:
			return
		default:
		}
	}
}
