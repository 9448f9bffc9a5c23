package handshake

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHybridHandshakeSuccess(t *testing.T) {
	initCaps := DefaultLocalCapabilities(PQHybrid)
	respCaps := DefaultLocalCapabilities(PQHybrid)

	initiator, err := New(Initiator, rand.Reader, initCaps, PQHybrid)
	require.NoError(t, err)
	responder, err := New(Responder, rand.Reader, respCaps, PQHybrid)
	require.NoError(t, err)

	m1, err := initiator.Start()
	require.NoError(t, err)
	require.Equal(t, AwaitingResponse, initiator.State())

	m2, done, err := responder.HandleMessage(m1)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, AwaitingFinal, responder.State())

	m3, done, err := initiator.HandleMessage(m2)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, Established, initiator.State())

	_, done, err = responder.HandleMessage(m3)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, Established, responder.State())

	ik, rk := initiator.Keys(), responder.Keys()
	require.NotNil(t, ik)
	require.NotNil(t, rk)
	require.Equal(t, ik.SendData, rk.ReceiveData)
	require.Equal(t, ik.ReceiveData, rk.SendData)
	require.Equal(t, ik.SendRekey, rk.ReceiveRekey)
	require.Equal(t, ik.ReceiveRekey, rk.SendRekey)
	require.NotEqual(t, ik.SendData, ik.ReceiveData)
}

func TestHybridHandshakeClassicalOnly(t *testing.T) {
	initiator, err := New(Initiator, rand.Reader, DefaultLocalCapabilities(PQOff), PQOff)
	require.NoError(t, err)
	responder, err := New(Responder, rand.Reader, DefaultLocalCapabilities(PQOff), PQOff)
	require.NoError(t, err)

	m1, err := initiator.Start()
	require.NoError(t, err)
	m2, _, err := responder.HandleMessage(m1)
	require.NoError(t, err)
	m3, done, err := initiator.HandleMessage(m2)
	require.NoError(t, err)
	require.True(t, done)
	_, done, err = responder.HandleMessage(m3)
	require.NoError(t, err)
	require.True(t, done)

	require.Equal(t, initiator.Keys().SendData, responder.Keys().ReceiveData)
}

// TestUnsupportedRequiredCapability covers the capability-closure scenario:
// a peer advertising a Required capability id 0x1000 the local side does not
// implement must fail the handshake so the caller can close with reason
// code 0x0007 (UnsupportedCapability) followed by the 4-byte ID,
// giving the wire payload 00 07 00 00 10 00 for ID 0x00001000.
func TestUnsupportedRequiredCapability(t *testing.T) {
	const exoticCapID uint32 = 0x00001000

	initiator, err := New(Initiator, rand.Reader, CapabilitySet{
		{ID: CapCore, Flags: FlagRequired},
		{ID: exoticCapID, Flags: FlagRequired},
	}, PQOff)
	require.NoError(t, err)
	responder, err := New(Responder, rand.Reader, DefaultLocalCapabilities(PQOff), PQOff)
	require.NoError(t, err)

	m1, err := initiator.Start()
	require.NoError(t, err)

	_, done, err := responder.HandleMessage(m1)
	require.True(t, done)
	require.Error(t, err)

	var mismatch *CapabilityMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, exoticCapID, mismatch.ID)
	require.Equal(t, Failed, responder.State())
	require.Equal(t, FailCapabilityMismatch, responder.Failure())
}

func TestReplayedInitialMessageRejected(t *testing.T) {
	initiator, err := New(Initiator, rand.Reader, DefaultLocalCapabilities(PQOff), PQOff)
	require.NoError(t, err)
	responder, err := New(Responder, rand.Reader, DefaultLocalCapabilities(PQOff), PQOff)
	require.NoError(t, err)

	m1, err := initiator.Start()
	require.NoError(t, err)

	_, _, err = responder.HandleMessage(m1)
	require.NoError(t, err)

	_, done, err := responder.HandleMessage(m1)
	require.True(t, done)
	require.ErrorIs(t, err, ErrReplayedInitial)
	require.Equal(t, FailReplayedInitialMessage, responder.Failure())
}

func TestMessageTooShortRejected(t *testing.T) {
	responder, err := New(Responder, rand.Reader, DefaultLocalCapabilities(PQOff), PQOff)
	require.NoError(t, err)

	_, done, err := responder.HandleMessage([]byte{1, 2, 3})
	require.True(t, done)
	require.ErrorIs(t, err, ErrMessageTooShort)
	require.Equal(t, FailMessageTooShort, responder.Failure())
}

func TestPQOnlyRejectsClassicalPeer(t *testing.T) {
	initiator, err := New(Initiator, rand.Reader, DefaultLocalCapabilities(PQOff), PQOff)
	require.NoError(t, err)
	responder, err := New(Responder, rand.Reader, DefaultLocalCapabilities(PQOnly), PQOnly)
	require.NoError(t, err)

	m1, err := initiator.Start()
	require.NoError(t, err)

	_, done, err := responder.HandleMessage(m1)
	require.True(t, done)
	require.Error(t, err)
	require.Equal(t, FailCapabilityMismatch, responder.Failure())
}
