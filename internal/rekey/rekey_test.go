package rekey

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SeleniaProject/Nyx-sub000/internal/replay"
)

func newPair(t *testing.T, now time.Time) (*Manager, *Manager) {
	t.Helper()
	var aSendRekey, aRecvRekey, aSendData, aRecvData [32]byte
	_, err := rand.Read(aSendRekey[:])
	require.NoError(t, err)
	_, err = rand.Read(aSendData[:])
	require.NoError(t, err)
	_, err = rand.Read(aRecvData[:])
	require.NoError(t, err)
	_, err = rand.Read(aRecvRekey[:])
	require.NoError(t, err)

	var windowA, windowB replay.Window

	a := New(DefaultConfig(), rand.Reader, nil, aSendRekey, aRecvRekey, aSendData, aRecvData, &windowA, now)
	// b's send-rekey key must equal a's recv-rekey key, and b's recv-rekey
	// key must equal a's send-rekey key, mirroring the handshake's
	// directional key agreement.
	b := New(DefaultConfig(), rand.Reader, nil, aRecvRekey, aSendRekey, aRecvData, aSendData, &windowB, now)
	return a, b
}

func TestRotateSendMonotonicSequenceReset(t *testing.T) {
	now := time.Now()
	a, _ := newPair(t, now)

	a.SendKey().NextSequence()
	a.SendKey().NextSequence()
	require.Equal(t, uint64(2), a.SendKey().Sequence())

	payload, err := a.RotateSend(now.Add(1*time.Hour), TriggerInterval)
	require.NoError(t, err)
	require.NotEmpty(t, payload)
	require.Equal(t, uint64(0), a.SendKey().Sequence())
}

func TestCooldownBlocksRapidRotation(t *testing.T) {
	now := time.Now()
	a, _ := newPair(t, now)

	_, err := a.RotateSend(now.Add(1*time.Second), TriggerInterval)
	require.ErrorIs(t, err, ErrCooldownActive)
}

func TestPCRBypassesCooldown(t *testing.T) {
	now := time.Now()
	a, _ := newPair(t, now)

	_, err := a.RotateSend(now.Add(1*time.Second), TriggerPCR)
	require.NoError(t, err)
}

func TestPeerRekeyGraceDecryptFallback(t *testing.T) {
	now := time.Now()
	a, b := newPair(t, now)

	oldRecvKey := b.RecvKey()

	payload, err := a.RotateSend(now.Add(1*time.Hour), TriggerInterval)
	require.NoError(t, err)

	err = b.HandlePeerRekey(payload, now.Add(1*time.Hour))
	require.NoError(t, err)
	require.NotEqual(t, oldRecvKey, b.RecvKey())

	graceKey, ok := b.TryGrace(now.Add(1*time.Hour).Add(time.Second))
	require.True(t, ok)
	require.Equal(t, oldRecvKey, graceKey)
	b.ConsumeGracePacket()
	require.Equal(t, uint64(1), b.GraceUsedCount())
}

func TestGraceExpiresAfterDeadline(t *testing.T) {
	now := time.Now()
	a, b := newPair(t, now)

	payload, err := a.RotateSend(now.Add(1*time.Hour), TriggerInterval)
	require.NoError(t, err)
	require.NoError(t, b.HandlePeerRekey(payload, now.Add(1*time.Hour)))

	_, ok := b.TryGrace(now.Add(1 * time.Hour).Add(31 * time.Second))
	require.False(t, ok)
}

func TestGraceExpiresAfterPacketBudget(t *testing.T) {
	now := time.Now()
	a, b := newPair(t, now)

	b.mu.Lock()
	b.cfg.GracePackets = 2
	b.mu.Unlock()

	payload, err := a.RotateSend(now.Add(1*time.Hour), TriggerInterval)
	require.NoError(t, err)
	require.NoError(t, b.HandlePeerRekey(payload, now.Add(1*time.Hour)))

	at := now.Add(1 * time.Hour).Add(time.Millisecond)
	_, ok := b.TryGrace(at)
	require.True(t, ok)
	b.ConsumeGracePacket()
	_, ok = b.TryGrace(at)
	require.True(t, ok)
	b.ConsumeGracePacket()
	_, ok = b.TryGrace(at)
	require.False(t, ok)
}

func TestRejectsMalformedPeerRekeyPayload(t *testing.T) {
	now := time.Now()
	_, b := newPair(t, now)
	err := b.HandlePeerRekey([]byte{1, 2, 3}, now)
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDestroyIsSafe(t *testing.T) {
	now := time.Now()
	a, _ := newPair(t, now)
	require.NotPanics(t, func() { a.Destroy() })
}

func TestSkewAdjustedGraceWidensPastThreshold(t *testing.T) {
	base := 30 * time.Second

	require.Equal(t, base, SkewAdjustedGrace(base, 0))
	require.Equal(t, base, SkewAdjustedGrace(base, skewThreshold))

	skewed := SkewAdjustedGrace(base, skewThreshold+20*time.Millisecond)
	require.Equal(t, base+20*time.Millisecond, skewed)
}
