package nyx

import (
	crand "crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memSocket struct {
	name   string
	peer   *memSocket
	recvCh chan memMsg
}

type memMsg struct {
	b      []byte
	remote []byte
}

func (m *memSocket) Send(b []byte, _ []byte) error {
	cp := append([]byte(nil), b...)
	m.peer.recvCh <- memMsg{b: cp, remote: []byte(m.name)}
	return nil
}

func (m *memSocket) Recv() ([]byte, []byte, error) {
	msg := <-m.recvCh
	return msg.b, msg.remote, nil
}

func (m *memSocket) Close() error { return nil }

func newSocketPair() (dialer, acceptor *memSocket) {
	a := &memSocket{name: "dialer", recvCh: make(chan memMsg, 64)}
	b := &memSocket{name: "acceptor", recvCh: make(chan memMsg, 64)}
	a.peer, b.peer = b, a
	return a, b
}

type cryptoRandom struct{}

func (cryptoRandom) Fill(buf []byte) error {
	_, err := crand.Read(buf)
	return err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RekeyBytes = 1 << 40
	cfg.RekeyInterval = time.Hour
	return cfg
}

func waitEstablished(t *testing.T, c *Connection, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !c.Established() {
		if time.Now().After(deadline) {
			t.Fatal("handshake did not complete in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitOnChannel(t *testing.T, events <-chan Event, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", kind)
		}
	}
}

func TestDialAcceptStreamRoundTrip(t *testing.T) {
	sockDialer, sockAcceptor := newSocketPair()
	cfg := testConfig()

	dialer, err := Dial(cfg, Deps{
		Socket:        sockDialer,
		Clock:         SystemClock(),
		Random:        cryptoRandom{},
		ControlRemote: []byte("acceptor"),
	})
	require.NoError(t, err)

	acceptor, err := Accept(cfg, Deps{
		Socket:        sockAcceptor,
		Clock:         SystemClock(),
		Random:        cryptoRandom{},
		ControlRemote: []byte("dialer"),
	})
	require.NoError(t, err)

	waitEstablished(t, dialer, 2*time.Second)
	waitEstablished(t, acceptor, 2*time.Second)

	id, err := dialer.OpenStream(ReliableOrdered)
	require.NoError(t, err)

	payload := []byte("hello from the dialer")
	require.NoError(t, dialer.Send(id, payload))

	gotID, err := acceptor.AcceptStream()
	require.NoError(t, err)
	require.Equal(t, id, gotID)

	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	for len(got) < len(payload) && time.Now().Before(deadline) {
		chunk, rerr := acceptor.Recv(gotID, 200*time.Millisecond)
		require.NoError(t, rerr)
		got = append(got, chunk...)
	}
	require.Equal(t, payload, got)

	acceptorEvents := acceptor.Subscribe()
	require.NoError(t, dialer.Close())
	waitOnChannel(t, acceptorEvents, EventClosed, 2*time.Second)
}
