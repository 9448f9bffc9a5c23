package streammgr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingSender captures sent frames instead of touching a real socket,
// and can optionally loop them straight back into a peer Manager to
// simulate a connected pair.
type recordingSender struct {
	mu     sync.Mutex
	frames []sentFrame
	peer   *Manager
}

type sentFrame struct {
	id      StreamID
	offset  uint64
	payload []byte
	fin     bool
}

func (r *recordingSender) SendStreamFrame(id StreamID, offset uint64, payload []byte, fin bool) error {
	cp := append([]byte(nil), payload...)
	r.mu.Lock()
	r.frames = append(r.frames, sentFrame{id, offset, cp, fin})
	r.mu.Unlock()
	if r.peer != nil {
		return r.peer.HandleStreamFrame(id, offset, cp, fin)
	}
	return nil
}

func (r *recordingSender) SendAck(id StreamID, ackOffset, window uint64) error {
	if r.peer != nil {
		if s, ok := r.peer.Get(id); ok {
			s.HandleAck(ackOffset, window)
		}
	}
	return nil
}

func (r *recordingSender) SendReset(id StreamID, code uint32) error {
	if r.peer != nil {
		r.peer.HandleReset(id, code)
	}
	return nil
}

func connectedPair(t *testing.T) (*Manager, *Manager) {
	t.Helper()
	cfg := DefaultConfig()
	clientSender := &recordingSender{}
	serverSender := &recordingSender{}
	client := NewManager(true, clientSender, nil, cfg, nil)
	server := NewManager(false, serverSender, nil, cfg, nil)
	clientSender.peer = server
	serverSender.peer = client
	return client, server
}

func TestReliableOrderedDeliversInOffsetOrder(t *testing.T) {
	client, server := connectedPair(t)

	cs, err := client.Open(ReliableOrdered)
	require.NoError(t, err)

	_, err = cs.Write([]byte("hello "), true)
	require.NoError(t, err)
	_, err = cs.Write([]byte("world"), true)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	ss, ok := server.Get(cs.ID())
	require.True(t, ok)

	buf := make([]byte, 64)
	n, err := ss.Read(buf, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buf[:n]))
}

func TestUnreliableUnorderedDeliversAsReceived(t *testing.T) {
	client, server := connectedPair(t)
	cs, err := client.Open(UnreliableUnordered)
	require.NoError(t, err)
	// The mode is not carried in stream frames, so the peer is told it out
	// of band; a stream it created on first arrival would be ReliableOrdered.
	server.getOrCreatePeerInitiated(cs.ID(), UnreliableUnordered)

	_, err = cs.Write([]byte("a"), true)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = cs.Write([]byte("b"), true)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	ss, ok := server.Get(cs.ID())
	require.True(t, ok)

	buf := make([]byte, 8)
	n, err := ss.Read(buf, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "a", string(buf[:n]))
	n, err = ss.Read(buf, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "b", string(buf[:n]))
}

func TestBackPressureWouldBlock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendWatermark = 4
	cfg.InitialWindow = 0 // peer grants no window, so flush never drains the queue
	sender := &recordingSender{}
	m := NewManager(true, sender, nil, cfg, nil)
	s, err := m.Open(ReliableOrdered)
	require.NoError(t, err)

	_, err = s.Write([]byte("1234"), false)
	require.NoError(t, err)

	_, err = s.Write([]byte("5"), false)
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestCloseHalfClosesThenClosesOnPeerFin(t *testing.T) {
	client, server := connectedPair(t)
	cs, err := client.Open(ReliableOrdered)
	require.NoError(t, err)

	require.NoError(t, cs.Close())
	require.Equal(t, HalfClosedSend, cs.State())

	time.Sleep(10 * time.Millisecond)
	ss, ok := server.Get(cs.ID())
	require.True(t, ok)
	require.Equal(t, HalfClosedReceive, ss.State())

	require.NoError(t, ss.Close())
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, Closed, cs.State())
	require.Equal(t, Closed, ss.State())
}

func TestResetAbortsStreamImmediately(t *testing.T) {
	client, server := connectedPair(t)
	cs, err := client.Open(ReliableOrdered)
	require.NoError(t, err)
	// Open sends nothing; the peer creates its side on the first frame.
	_, err = cs.Write([]byte("hi"), true)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	ss, ok := server.Get(cs.ID())
	require.True(t, ok)

	cs.Reset(42, true)
	require.Equal(t, Closed, cs.State())

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, Closed, ss.State())

	_, err = cs.Write([]byte("x"), false)
	var resetErr *ResetError
	require.ErrorAs(t, err, &resetErr)
	require.Equal(t, uint32(42), resetErr.Code)
}

func TestFlowControlViolationRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialWindow = 4
	sender := &recordingSender{}
	m := NewManager(false, sender, nil, cfg, nil)
	s := m.getOrCreatePeerInitiated(1, ReliableOrdered)

	err := s.HandleStreamFrame(0, []byte("toolarge"), false)
	require.ErrorIs(t, err, ErrFlowControlViolation)
}

func TestStreamIDParity(t *testing.T) {
	require.True(t, StreamID(1).ClientInitiated())
	require.False(t, StreamID(2).ClientInitiated())
	require.True(t, StreamID(2).ServerInitiated())
}

func TestWrongParityStreamFrameRejected(t *testing.T) {
	cfg := DefaultConfig()
	sender := &recordingSender{}
	m := NewManager(true, sender, nil, cfg, nil)
	err := m.HandleStreamFrame(1, 0, []byte("x"), false)
	require.Error(t, err)
}
