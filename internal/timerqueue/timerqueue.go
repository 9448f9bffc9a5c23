// Package timerqueue implements a heap-backed deadline queue, the shape of
// client.TimerQueue that stream/stream.go and client2/arq.go push
// retransmission and expiry work onto (s.tq.Push(m), a.timerQueue.Push(priority, item)).
// It backs the stream manager's retransmit timers and its reorder-deadline
// gap skips.
package timerqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/SeleniaProject/Nyx-sub000/internal/worker"
)

// entry is one scheduled item, ordered by Priority (a caller-defined
// monotonic deadline, typically nanoseconds since epoch).
type entry struct {
	priority uint64
	value    interface{}
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].priority < h[j].priority }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Callback is invoked, from the queue's own worker goroutine, once an
// entry's priority deadline has passed.
type Callback func(value interface{})

// TimerQueue pops its lowest-priority (soonest-deadline) entry whenever the
// entry's deadline is reached, invoking Callback. Priorities are an
// application-defined uint64 timeline; the stream manager uses
// time.Now().UnixNano().
type TimerQueue struct {
	worker.Worker

	mu       sync.Mutex
	h        entryHeap
	wakeCh   chan struct{}
	callback Callback

	// nowFn allows tests to substitute a virtual clock.
	nowFn func() uint64
}

// New creates a TimerQueue that calls cb for each entry as its deadline
// elapses. Entries fire only once Start has launched the worker; Peek and
// Pop see pushed entries either way.
func New(cb Callback) *TimerQueue {
	return &TimerQueue{
		h:        make(entryHeap, 0),
		wakeCh:   make(chan struct{}, 1),
		callback: cb,
		nowFn:    func() uint64 { return uint64(time.Now().UnixNano()) },
	}
}

// Start launches the background worker that drains the queue.
func (q *TimerQueue) Start() {
	q.Go(q.worker)
}

// Stop halts the background worker; callers should then Wait.
func (q *TimerQueue) Stop() {
	q.Halt()
}

// Push schedules value to fire at the given priority (a point on the same
// timeline nowFn returns).
func (q *TimerQueue) Push(priority uint64, value interface{}) {
	q.mu.Lock()
	heap.Push(&q.h, &entry{priority: priority, value: value})
	q.mu.Unlock()
	q.wake()
}

// Peek returns the lowest-priority entry's value without removing it, or
// nil if the queue is empty.
func (q *TimerQueue) Peek() interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0].value
}

// Pop removes and returns the lowest-priority entry's value, or nil if the
// queue is empty.
func (q *TimerQueue) Pop() interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	e := heap.Pop(&q.h).(*entry)
	return e.value
}

// Remove deletes the first entry matching pred, returning true if one was
// found.
func (q *TimerQueue) Remove(pred func(value interface{}) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.h {
		if pred(e.value) {
			heap.Remove(&q.h, i)
			return true
		}
	}
	return false
}

func (q *TimerQueue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

func (q *TimerQueue) nextDeadline() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return 0, false
	}
	return q.h[0].priority, true
}

func (q *TimerQueue) worker() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		deadline, ok := q.nextDeadline()
		if !ok {
			select {
			case <-q.HaltCh():
				return
			case <-q.wakeCh:
				continue
			}
		}

		now := q.nowFn()
		if deadline <= now {
			q.mu.Lock()
			var e *entry
			if len(q.h) > 0 {
				e = heap.Pop(&q.h).(*entry)
			}
			q.mu.Unlock()
			if e != nil {
				q.callback(e.value)
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Duration(deadline-now) * time.Nanosecond)

		select {
		case <-q.HaltCh():
			return
		case <-q.wakeCh:
		case <-timer.C:
		}
	}
}
