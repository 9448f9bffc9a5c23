package fec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripNoLoss(t *testing.T) {
	c := NewCodec(rand.New(rand.NewSource(1)))
	data := []byte("the quick brown fox jumps over the lazy dog, repeated enough to span more than one symbol boundary for this test case to be meaningful")

	shards, dataShards, err := c.Encode(data, 0.3)
	require.NoError(t, err)

	parityShards := len(shards) - dataShards
	got, err := c.Decode(shards, dataShards, parityShards)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestDecodeRecoversFromLostShards(t *testing.T) {
	c := NewCodec(rand.New(rand.NewSource(2)))
	data := make([]byte, SymbolSize*3+17)
	rand.New(rand.NewSource(3)).Read(data)

	shards, dataShards, err := c.Encode(data, 0.5)
	require.NoError(t, err)
	parityShards := len(shards) - dataShards

	lossy := append([][]byte(nil), shards...)
	lossy[1] = nil
	lossy[dataShards] = nil

	got, err := c.Decode(lossy, dataShards, parityShards)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestDecodeFailsWhenUnrecoverable(t *testing.T) {
	c := NewCodec(rand.New(rand.NewSource(4)))
	data := []byte("short payload")

	shards, dataShards, err := c.Encode(data, 0.25)
	require.NoError(t, err)
	parityShards := len(shards) - dataShards

	lossy := append([][]byte(nil), shards...)
	// Drop more shards than parity can recover.
	for i := 0; i <= parityShards; i++ {
		lossy[i] = nil
	}

	_, err = c.Decode(lossy, dataShards, parityShards)
	require.ErrorIs(t, err, ErrUnrecoverable)
}

func TestSentinelCarriesOriginalLength(t *testing.T) {
	c := NewCodec(nil)
	data := make([]byte, SymbolSize+5)
	shards, dataShards, err := c.Encode(data, 0.1)
	require.NoError(t, err)
	require.Equal(t, 3, dataShards) // sentinel + 2 data shards (1285 bytes -> ceil(1285/1280)=2)

	parityShards := len(shards) - dataShards
	got, err := c.Decode(shards, dataShards, parityShards)
	require.NoError(t, err)
	require.Len(t, got, len(data))
}

func TestAdaptiveRedundancyStaysWithinBoundsAndClipsChange(t *testing.T) {
	cfg := Config{LossMin: 0.05, LossMax: 0.6, StabilityClip: 0.05}
	a := NewAdaptiveRedundancy(cfg)
	require.Equal(t, cfg.LossMin, a.Current())

	for i := 0; i < 100; i++ {
		a.RecordOutcome(true) // 100% loss window
	}
	r := a.Recompute()
	require.InDelta(t, cfg.LossMin+cfg.StabilityClip, r, 1e-9)

	// Repeated recomputes converge toward LossMax but never overshoot it,
	// and never move by more than StabilityClip per call.
	prev := r
	for i := 0; i < 50; i++ {
		next := a.Recompute()
		require.LessOrEqual(t, next, cfg.LossMax)
		require.LessOrEqual(t, next-prev, cfg.StabilityClip+1e-9)
		prev = next
	}
	require.InDelta(t, cfg.LossMax, prev, 1e-9)
}

func TestAdaptiveRedundancyDecreasesWhenLossDrops(t *testing.T) {
	cfg := DefaultConfig()
	a := NewAdaptiveRedundancy(cfg)
	for i := 0; i < 100; i++ {
		a.RecordOutcome(true)
	}
	for i := 0; i < 20; i++ {
		a.Recompute()
	}
	high := a.Current()

	for i := 0; i < 100; i++ {
		a.RecordOutcome(false)
	}
	for i := 0; i < 20; i++ {
		a.Recompute()
	}
	low := a.Current()

	require.Less(t, low, high)
}
