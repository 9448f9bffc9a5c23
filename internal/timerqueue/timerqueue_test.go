package timerqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFiresInPriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int

	q := New(func(v interface{}) {
		mu.Lock()
		order = append(order, v.(int))
		mu.Unlock()
	})
	var now uint64 = 1000
	q.nowFn = func() uint64 { return now }
	q.Start()
	defer func() {
		q.Stop()
		q.Wait()
	}()

	q.Push(1002, 2)
	q.Push(1001, 1)
	q.Push(1003, 3)

	for i := 0; i < 3; i++ {
		now++
		q.wake()
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestRemoveCancelsEntry(t *testing.T) {
	fired := make(chan int, 1)
	q := New(func(v interface{}) { fired <- v.(int) })
	q.Start()
	defer func() {
		q.Stop()
		q.Wait()
	}()

	q.Push(uint64(time.Now().Add(time.Hour).UnixNano()), 42)
	ok := q.Remove(func(v interface{}) bool { return v.(int) == 42 })
	require.True(t, ok)

	select {
	case <-fired:
		t.Fatal("removed entry should not fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPeekAndPop(t *testing.T) {
	q := New(func(interface{}) {})
	require.Nil(t, q.Peek())
	q.Push(5, "a")
	q.Push(1, "b")
	require.Equal(t, "b", q.Peek())
	require.Equal(t, "b", q.Pop())
	require.Equal(t, "a", q.Pop())
	require.Nil(t, q.Pop())
}
