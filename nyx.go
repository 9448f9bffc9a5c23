// Package nyx is the public entry point: a Connection wraps one
// internal/session.Session, translating between this package's
// collaborator interfaces (so callers never import internal packages)
// and the orchestrator's own mirrored copies.
package nyx

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/SeleniaProject/Nyx-sub000/internal/handshake"
	"github.com/SeleniaProject/Nyx-sub000/internal/multipath"
	"github.com/SeleniaProject/Nyx-sub000/internal/session"
	"github.com/SeleniaProject/Nyx-sub000/internal/streammgr"
)

// PathID identifies one active path within a Connection; PathID 0 is
// always the control path (spec §3).
type PathID = multipath.PathID

const ControlPathID PathID = 0

// StreamID identifies one bidirectional stream within a Connection.
type StreamID = streammgr.StreamID

// StreamMode selects a stream's reliability/ordering combination (spec
// §4.5's four modes).
type StreamMode = streammgr.Mode

var (
	ReliableOrdered     = streammgr.ReliableOrdered
	ReliableUnordered   = streammgr.ReliableUnordered
	UnreliableOrdered   = streammgr.UnreliableOrdered
	UnreliableUnordered = streammgr.UnreliableUnordered
)

// Deps bundles every collaborator a Connection needs. ControlRemote is
// the peer's transport address for the always-present control path
// (spec §3: "PathID 0 is the control path"); PathProvider is passed
// through to the session, which never calls it, so the connection runs on
// the control path alone.
type Deps struct {
	Socket        DatagramSocket
	Clock         Clock
	Random        RandomSource
	Telemetry     Telemetry
	PathProvider  PathProvider
	Logger        *log.Logger
	ControlRemote []byte
}

func (d Deps) toSession() session.Deps {
	return session.Deps{
		Socket:        d.Socket,
		Clock:         d.Clock,
		Random:        d.Random,
		Telemetry:     d.Telemetry,
		PathProvider:  sessionPathProvider{d.PathProvider},
		Logger:        d.Logger,
		ControlRemote: d.ControlRemote,
	}
}

// sessionPathProvider adapts this package's PathProvider/RelayChain/
// PathMetrics types to internal/session's structurally identical mirrors,
// since a concrete implementation of one doesn't automatically implement
// the other (the RelayChain/PathMetrics types themselves differ, only
// their shapes match).
type sessionPathProvider struct{ p PathProvider }

func (a sessionPathProvider) Acquire(count int) ([]session.RelayChain, error) {
	if a.p == nil {
		return nil, nil
	}
	chains, err := a.p.Acquire(count)
	if err != nil {
		return nil, err
	}
	out := make([]session.RelayChain, len(chains))
	for i, c := range chains {
		out[i] = session.RelayChain{
			ID:               c.ID,
			Hops:             c.Hops,
			InitialRTT:       c.InitialRTT,
			InitialBandwidth: c.InitialBandwidth,
		}
	}
	return out, nil
}

func (a sessionPathProvider) Report(chainID uint64, metrics session.PathMetrics) {
	if a.p == nil {
		return
	}
	a.p.Report(chainID, PathMetrics{
		RTT:       metrics.RTT,
		Jitter:    metrics.Jitter,
		LossRate:  metrics.LossRate,
		Bandwidth: metrics.Bandwidth,
	})
}

func (c Config) toSession() session.Config {
	return session.Config{
		MaxPaths:         c.MaxPaths,
		MaxFrameLenBytes: c.MaxFrameLenBytes,
		CoverLambdaBase:  c.CoverLambdaBase,
		LowPowerRatio:    c.LowPowerRatio,
		RekeyBytes:       c.RekeyBytes,
		RekeyInterval:    c.RekeyInterval,
		GracePackets:     c.GracePackets,
		GraceDuration:    c.GraceDuration,
		ReorderTargetP95: c.ReorderTargetP95,
		PQMode:           c.PQMode,
	}
}

// Connection is one end of a Nyx data-plane connection: a handshake, a
// set of multipath-scheduled paths, reliable/unreliable streams, adaptive
// cover traffic, and FEC-protected batch sends, all driven by a single
// cooperative goroutine underneath.
type Connection struct {
	s *session.Session
}

// Dial opens a Connection as the initiator: it sends the first handshake
// message on the control path and returns immediately, before the
// handshake completes. Wait on Subscribe for EventHandshakeCompleted, or
// poll Established.
func Dial(cfg Config, deps Deps) (*Connection, error) {
	return newConnection(handshake.Initiator, cfg, deps, true)
}

// Accept opens a Connection as the responder, waiting for the peer's
// first handshake message to arrive on the control path.
func Accept(cfg Config, deps Deps) (*Connection, error) {
	return newConnection(handshake.Responder, cfg, deps, false)
}

func newConnection(role handshake.Role, cfg Config, deps Deps, start bool) (*Connection, error) {
	caps := handshake.DefaultLocalCapabilities(cfg.PQMode)
	s, err := session.New(role, cfg.toSession(), caps, deps.toSession())
	if err != nil {
		return nil, err
	}
	c := &Connection{s: s}
	s.Run()
	if start {
		if err := s.Start(); err != nil {
			s.Halt()
			s.Wait()
			return nil, err
		}
	}
	return c, nil
}

// Established reports whether the handshake has completed.
func (c *Connection) Established() bool {
	return c.s.Established()
}

// OpenStream allocates a new locally-initiated stream, blocking until the
// handshake has completed.
func (c *Connection) OpenStream(mode StreamMode) (StreamID, error) {
	return c.s.OpenStream(mode)
}

// AcceptStream blocks until the peer opens a new stream.
func (c *Connection) AcceptStream() (StreamID, error) {
	return c.s.AcceptStream()
}

// Send writes p to the given stream, applying back-pressure per spec
// §4.5 (blocks once the send watermark is exceeded).
func (c *Connection) Send(id StreamID, p []byte) error {
	return c.s.Send(id, p)
}

// Recv reads whatever is available on the stream, waiting up to timeout
// for at least one byte.
func (c *Connection) Recv(id StreamID, timeout time.Duration) ([]byte, error) {
	return c.s.Recv(id, timeout)
}

// CloseStream half-closes the stream (sends Fin).
func (c *Connection) CloseStream(id StreamID) error {
	return c.s.CloseStream(id)
}

// SendFECProtected encodes data (typically several already-sized stream
// writes' worth of application data) into Reed-Solomon shards at the
// current adaptive redundancy level and transmits each as its own frame
// on the given path, recoverable by the peer even if some shards are
// lost (spec §4.9).
func (c *Connection) SendFECProtected(path PathID, data []byte) error {
	return c.s.SendFECProtected(path, data)
}

// Close begins graceful connection teardown (spec §7: Close frame
// broadcast on every active path, brief wait for the peer's own Close).
func (c *Connection) Close() error {
	return c.s.CloseConnection()
}

// Subscribe returns a channel of upward events.
func (c *Connection) Subscribe() <-chan Event {
	out := make(chan Event, 32)
	in := c.s.Subscribe()
	go func() {
		for ev := range in {
			out <- translateEvent(ev)
		}
	}()
	return out
}

func translateEvent(ev session.Event) Event {
	switch ev.Kind {
	case session.EventHandshakeCompleted:
		return Event{Kind: EventHandshakeCompleted}
	case session.EventPathChanged:
		return Event{Kind: EventPathChanged, Data: ev.Data}
	case session.EventClosed:
		return Event{Kind: EventClosed}
	default:
		return Event{Kind: EventError, Data: ev.Data}
	}
}
