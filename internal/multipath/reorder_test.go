package multipath

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReorderBufferDeliversInOrderImmediately(t *testing.T) {
	now := time.Now()
	b := NewReorderBuffer(0, 50*time.Millisecond, 16, func() time.Time { return now })

	res := b.Push(Entry{Seq: 0, Payload: []byte("a")})
	require.Equal(t, []Entry{{Seq: 0, Payload: []byte("a")}}, res.Delivered)
}

func TestReorderBufferHoldsOutOfOrderThenDrains(t *testing.T) {
	now := time.Now()
	b := NewReorderBuffer(0, 50*time.Millisecond, 16, func() time.Time { return now })

	res := b.Push(Entry{Seq: 1, Payload: []byte("b")})
	require.True(t, res.empty())

	res = b.Push(Entry{Seq: 0, Payload: []byte("a")})
	require.Len(t, res.Delivered, 2)
	require.Equal(t, uint64(0), res.Delivered[0].Seq)
	require.Equal(t, uint64(1), res.Delivered[1].Seq)
}

func TestReorderBufferDropsDuplicate(t *testing.T) {
	now := time.Now()
	b := NewReorderBuffer(0, 50*time.Millisecond, 16, func() time.Time { return now })
	b.Push(Entry{Seq: 0, Payload: []byte("a")})
	res := b.Push(Entry{Seq: 0, Payload: []byte("dup")})
	require.True(t, res.empty())
}

func TestReorderBufferSkipsGapForUnreliableOnTimeout(t *testing.T) {
	now := time.Now()
	b := NewReorderBuffer(0, 20*time.Millisecond, 16, func() time.Time { return now })

	b.Push(Entry{Seq: 1, Payload: []byte("b"), Reliable: false})

	now = now.Add(30 * time.Millisecond)
	res := b.CheckTimeouts(now)
	require.Equal(t, []uint64{0}, res.Skipped)
	require.Len(t, res.Delivered, 1)
	require.Equal(t, uint64(1), res.Delivered[0].Seq)
}

func TestReorderBufferRequestsRetransmitForReliableOnTimeout(t *testing.T) {
	now := time.Now()
	b := NewReorderBuffer(0, 20*time.Millisecond, 16, func() time.Time { return now })

	b.Push(Entry{Seq: 1, Payload: []byte("b"), Reliable: true})

	now = now.Add(30 * time.Millisecond)
	res := b.CheckTimeouts(now)
	require.Equal(t, []uint64{0}, res.RetransmitRequests)
	require.Empty(t, res.Delivered)
	require.Empty(t, res.Skipped)
}

func TestReorderBufferNoTimeoutBeforeDeadline(t *testing.T) {
	now := time.Now()
	b := NewReorderBuffer(0, 100*time.Millisecond, 16, func() time.Time { return now })
	b.Push(Entry{Seq: 1, Payload: []byte("b")})

	res := b.CheckTimeouts(now.Add(10 * time.Millisecond))
	require.True(t, res.empty())
}

func TestReorderBufferCapacityEvictsOldestWhenFull(t *testing.T) {
	now := time.Now()
	b := NewReorderBuffer(0, 50*time.Millisecond, 2, func() time.Time { return now })

	b.Push(Entry{Seq: 5, Payload: []byte("e")})
	now = now.Add(time.Millisecond)
	b.Push(Entry{Seq: 6, Payload: []byte("f")})
	now = now.Add(time.Millisecond)
	// buffer at capacity 2; a third out-of-order arrival evicts seq 5 (oldest)
	b.Push(Entry{Seq: 7, Payload: []byte("g")})

	require.Len(t, b.pending, 2)
	_, stillThere := b.pending[5]
	require.False(t, stillThere)
}
