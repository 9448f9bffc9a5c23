package congestion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRTTEWMAConverges(t *testing.T) {
	now := time.Now()
	c := New(DefaultConfig(), now)

	for i := 0; i < 50; i++ {
		c.OnRTTSample(40*time.Millisecond, now)
	}

	c.mu.Lock()
	ewma := c.rttEWMA
	c.mu.Unlock()
	require.InDelta(t, float64(40*time.Millisecond), float64(ewma), float64(2*time.Millisecond))
}

func TestRTTMinTracksWindowAndExpires(t *testing.T) {
	now := time.Now()
	c := New(DefaultConfig(), now)

	c.OnRTTSample(100*time.Millisecond, now)
	c.OnRTTSample(20*time.Millisecond, now.Add(time.Second))
	c.mu.Lock()
	min := c.rttMin
	c.mu.Unlock()
	require.Equal(t, 20*time.Millisecond, min)

	// past the 10s window, the 20ms sample should have aged out, leaving
	// only the fresh 90ms sample as the minimum.
	c.OnRTTSample(90*time.Millisecond, now.Add(12*time.Second))
	c.mu.Lock()
	min = c.rttMin
	c.mu.Unlock()
	require.Equal(t, 90*time.Millisecond, min)
}

func TestGainCyclesThroughPhases(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.PhaseDuration = 10 * time.Millisecond
	c := New(cfg, now)
	require.Equal(t, PhaseProbe, c.Phase())

	c.OnRTTSample(10*time.Millisecond, now.Add(11*time.Millisecond))
	require.Equal(t, PhaseDrain, c.Phase())

	c.OnRTTSample(10*time.Millisecond, now.Add(22*time.Millisecond))
	require.Equal(t, PhaseSteady, c.Phase())

	c.OnRTTSample(10*time.Millisecond, now.Add(33*time.Millisecond))
	require.Equal(t, PhaseProbe, c.Phase())
}

func TestLossSignalShrinksGainNotWindowHalving(t *testing.T) {
	now := time.Now()
	c := New(DefaultConfig(), now)
	c.OnDeliverySample(1<<20, time.Second, now)
	before := c.CWND()

	c.OnLossSignal(now)
	after := c.CWND()

	require.Less(t, after, before)
	require.Greater(t, after, before/2) // never halves
}

func TestAdmitRespectsBurst(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.MinCWND = 100
	cfg.MaxCWND = 100
	c := New(cfg, now)

	require.True(t, c.Admit(50))
	require.True(t, c.Admit(50))
	require.False(t, c.Admit(50))
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.MinCWND = 1
	cfg.MaxCWND = 1
	c := New(cfg, now)
	c.Admit(1) // drain the single token

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.Wait(ctx, 1000)
	require.Error(t, err)
}
