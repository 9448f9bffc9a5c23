// Package session implements the §4.10 orchestrator: it owns one
// connection's handshake engine, rekey manager, stream manager, multipath
// scheduler, cover-traffic controller, and FEC codec, and drives them all
// from a single cooperative goroutine. The shape is a direct
// generalization of client2/connection.go's onWireConn: a central select
// loop fed by a command channel (upward API calls and inbound datagrams
// alike funnel through it) plus a maintenance ticker, so the connection's
// state is never touched from more than one goroutine at a time (spec §5:
// "single-threaded cooperative per connection").
package session

import (
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/SeleniaProject/Nyx-sub000/internal/congestion"
	"github.com/SeleniaProject/Nyx-sub000/internal/cover"
	"github.com/SeleniaProject/Nyx-sub000/internal/fec"
	"github.com/SeleniaProject/Nyx-sub000/internal/frame"
	"github.com/SeleniaProject/Nyx-sub000/internal/handshake"
	"github.com/SeleniaProject/Nyx-sub000/internal/multipath"
	"github.com/SeleniaProject/Nyx-sub000/internal/rekey"
	"github.com/SeleniaProject/Nyx-sub000/internal/replay"
	"github.com/SeleniaProject/Nyx-sub000/internal/streammgr"
	"github.com/SeleniaProject/Nyx-sub000/internal/wire"
	"github.com/SeleniaProject/Nyx-sub000/internal/worker"
)

// controlPathID is the always-present path a connection uses to carry the
// handshake before any PathProvider-acquired relay chain exists (spec
// §3: "PathID 0 is the control path").
const controlPathID multipath.PathID = 0

// Mirrors of the root package's collaborator interfaces. internal/session
// cannot import the root package (it would be imported back by nyx.go),
// so these are structurally identical copies the root package's
// Connection adapts its own collaborators to.

type DatagramSocket interface {
	Send(b []byte, remote []byte) error
	Recv() (b []byte, remote []byte, err error)
	Close() error
}

type Clock interface {
	Now() time.Time
	SleepUntil(deadline time.Time) <-chan time.Time
}

type RandomSource interface {
	Fill(buf []byte) error
}

type Telemetry interface {
	Emit(event string, fields map[string]interface{})
}

type RelayChain struct {
	ID               uint64
	Hops             [][]byte
	InitialRTT       time.Duration
	InitialBandwidth float64
}

type PathMetrics struct {
	RTT       time.Duration
	Jitter    time.Duration
	LossRate  float64
	Bandwidth float64
}

type PathProvider interface {
	Acquire(count int) ([]RelayChain, error)
	Report(chainID uint64, metrics PathMetrics)
}

// EventKind names the upward event-subscription categories (spec §6).
type EventKind string

const (
	EventHandshakeCompleted EventKind = "handshake_completed"
	EventPathChanged        EventKind = "path_changed"
	EventError              EventKind = "error"
	EventClosed             EventKind = "closed"
)

// Event is one upward notification delivered to Subscribe channels.
type Event struct {
	Kind EventKind
	Data interface{}
}

type nopTelemetry struct{}

func (nopTelemetry) Emit(string, map[string]interface{}) {}

// randReader adapts RandomSource to io.Reader for components (handshake,
// rekey) that want a stream of cryptographically strong bytes.
type randReader struct{ rs RandomSource }

func (r randReader) Read(p []byte) (int, error) {
	if err := r.rs.Fill(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Config mirrors the root package's Config (spec §6 table); kept as an
// independent copy for the same import-cycle reason as the collaborator
// interfaces above.
type Config struct {
	MaxPaths         int
	MaxFrameLenBytes int
	CoverLambdaBase  float64
	LowPowerRatio    float64
	RekeyBytes       uint64
	RekeyInterval    time.Duration
	GracePackets     int
	GraceDuration    time.Duration
	ReorderTargetP95 time.Duration
	PQMode           handshake.PQMode
}

// Deps bundles every collaborator a Session needs at construction.
type Deps struct {
	Socket        DatagramSocket
	Clock         Clock
	Random        RandomSource
	Telemetry     Telemetry
	PathProvider  PathProvider
	Logger        *log.Logger
	ControlRemote []byte
}

var (
	ErrNotInitiator    = errors.New("session: Start called on a non-initiator session")
	ErrNoControlPath    = errors.New("session: no control path configured")
	ErrNotEstablished  = errors.New("session: connection is not established")
	ErrAlreadyClosing  = errors.New("session: connection is closing")
	ErrUnknownStream   = errors.New("session: unknown stream")
	ErrMaxPathsReached = errors.New("session: max_paths reached")
)

// pathConn is everything the orchestrator tracks for one active path: its
// multipath.Path metrics/state, the remote address datagrams for it are
// sent to and demultiplexed from, its own congestion controller and
// reorder buffer, and FEC group assembly state for inbound protected
// batches sent on it.
type pathConn struct {
	id      multipath.PathID
	path    *multipath.Path
	remote  []byte
	cc      *congestion.Controller
	reorder *multipath.ReorderBuffer

	// localSeq is a per-path frame counter distinct from the AEAD wire
	// sequence (which is global to the send key, since the key itself is
	// shared connection-wide across paths per the rekey/multipath
	// interaction decision). The reorder buffer needs a contiguous
	// per-path counter to restore per-path ordering; the global wire
	// sequence has gaps on any one path whenever another path carried an
	// interleaved send, so it can't serve that role directly.
	localSeq uint32

	bytesSinceTick uint64

	fecGroupSeq uint32
	fecPending  map[uint32]*fecAssembly
}

type fecAssembly struct {
	shards       [][]byte
	have         int
	dataShards   int
	parityShards int
	deadline     time.Time
}

// Session owns one connection end-to-end.
type Session struct {
	worker.Worker

	role handshake.Role
	cid  [wire.CIDLen]byte
	cfg  Config

	clock        Clock
	rnd          io.Reader
	tel          Telemetry
	pathProvider PathProvider
	sock         DatagramSocket
	log          *log.Logger

	sendDirection byte
	recvDirection byte

	engine *handshake.Engine

	mu            sync.Mutex
	sched         *multipath.Scheduler
	paths         map[multipath.PathID]*pathConn
	pathsByRemote map[string]multipath.PathID
	nextPathID    multipath.PathID

	rekeyMgr   *rekey.Manager
	recvWindow *replay.Window

	streams *streammgr.Manager

	coverCtl      *cover.Controller
	fecCodec      *fec.Codec
	fecRedundancy *fec.AdaptiveRedundancy

	cmdCh       chan func()
	established chan struct{}
	establishOk sync.Once

	closing bool

	knownStreams map[streammgr.StreamID]bool
	acceptCh     chan streammgr.StreamID

	eventsMu  sync.Mutex
	eventSubs []chan Event
}

func roleDirection(role handshake.Role) byte {
	if role == handshake.Initiator {
		return 0
	}
	return 1
}

func otherRole(role handshake.Role) handshake.Role {
	if role == handshake.Initiator {
		return handshake.Responder
	}
	return handshake.Initiator
}

// New constructs a Session in the given role. The caller must call Start
// (initiator only) and then Run.
func New(role handshake.Role, cfg Config, localCaps handshake.CapabilitySet, deps Deps) (*Session, error) {
	if deps.Telemetry == nil {
		deps.Telemetry = nopTelemetry{}
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	rnd := randReader{deps.Random}

	engine, err := handshake.New(role, rnd, localCaps, cfg.PQMode)
	if err != nil {
		return nil, err
	}

	var cid [wire.CIDLen]byte
	if _, err := io.ReadFull(rnd, cid[:]); err != nil {
		return nil, err
	}

	s := &Session{
		role:          role,
		cid:           cid,
		cfg:           cfg,
		clock:         deps.Clock,
		rnd:           rnd,
		tel:           deps.Telemetry,
		pathProvider:  deps.PathProvider,
		sock:          deps.Socket,
		log:           deps.Logger.WithPrefix("session"),
		sendDirection: roleDirection(role),
		recvDirection: roleDirection(otherRole(role)),
		engine:        engine,
		sched:         multipath.NewScheduler(),
		paths:         make(map[multipath.PathID]*pathConn),
		pathsByRemote: make(map[string]multipath.PathID),
		nextPathID:    multipath.MinUserPathID,
		cmdCh:         make(chan func(), 64),
		established:   make(chan struct{}),
		knownStreams:  make(map[streammgr.StreamID]bool),
		acceptCh:      make(chan streammgr.StreamID, 16),
	}

	if deps.ControlRemote != nil {
		if _, err := s.addPath(controlPathID, deps.ControlRemote, 50*time.Millisecond); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// addPath registers a new path under id, talking to remote.
func (s *Session) addPath(id multipath.PathID, remote []byte, initialRTT time.Duration) (*pathConn, error) {
	p := multipath.NewPath(id)
	p.RecordRTT(initialRTT)
	if err := s.sched.AddPath(p); err != nil {
		return nil, err
	}
	now := s.now()
	pc := &pathConn{
		id:      id,
		path:    p,
		remote:  append([]byte(nil), remote...),
		cc:      congestion.New(congestion.DefaultConfig(), now),
		reorder: multipath.NewReorderBuffer(0, s.reorderTimeout(), 64, s.now),
		fecPending: make(map[uint32]*fecAssembly),
	}
	s.mu.Lock()
	s.paths[id] = pc
	s.pathsByRemote[string(pc.remote)] = id
	s.mu.Unlock()
	return pc, nil
}

func (s *Session) reorderTimeout() time.Duration {
	if s.cfg.ReorderTargetP95 > 0 {
		return s.cfg.ReorderTargetP95 * 2
	}
	return 200 * time.Millisecond
}

func (s *Session) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now()
}

// Start begins the handshake as the initiator, sending Message1 on the
// control path.
func (s *Session) Start() error {
	if s.role != handshake.Initiator {
		return ErrNotInitiator
	}
	msg1, err := s.engine.Start()
	if err != nil {
		return err
	}
	s.mu.Lock()
	pc := s.paths[controlPathID]
	s.mu.Unlock()
	if pc == nil {
		return ErrNoControlPath
	}
	return s.sendFrame(pc, &frame.Frame{Type: frame.Crypto, Payload: msg1})
}

// Run starts the receive loop and the main dispatch loop. Call Halt/Wait
// (embedded worker.Worker) to stop the connection.
func (s *Session) Run() {
	s.Go(s.recvLoop)
	s.Go(s.mainLoop)
}

func (s *Session) recvLoop() {
	for {
		select {
		case <-s.HaltCh():
			return
		default:
		}
		b, remote, err := s.sock.Recv()
		if err != nil {
			select {
			case <-s.HaltCh():
				return
			default:
			}
			s.log.Errorf("socket recv: %v", err)
			continue
		}
		pkt := append([]byte(nil), b...)
		from := append([]byte(nil), remote...)
		select {
		case s.cmdCh <- func() { s.onDatagram(from, pkt) }:
		case <-s.HaltCh():
			return
		}
	}
}

func (s *Session) mainLoop() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.HaltCh():
			s.teardown()
			return
		case fn := <-s.cmdCh:
			fn()
		case <-ticker.C:
			s.maintenance()
		}
	}
}

// maintenance runs the periodic housekeeping the orchestrator's timer
// suspension point covers: path state advancement, reorder-buffer
// timeouts, rekey triggers/expiry, and FEC group reaping.
func (s *Session) maintenance() {
	now := s.now()

	s.mu.Lock()
	paths := make([]*pathConn, 0, len(s.paths))
	for _, pc := range s.paths {
		paths = append(paths, pc)
	}
	s.mu.Unlock()

	changed := s.sched.AdvanceAll(multipath.DefaultStateThresholds())
	for _, id := range changed {
		s.tel.Emit("path.state_changed", map[string]interface{}{"path_id": uint8(id)})
	}

	for _, pc := range paths {
		res := pc.reorder.CheckTimeouts(now)
		for range res.RetransmitRequests {
			s.tel.Emit("path.retransmit_requested", map[string]interface{}{"path_id": uint8(pc.id)})
		}
		for range res.Skipped {
			s.tel.Emit("path.frame_skipped", map[string]interface{}{"path_id": uint8(pc.id)})
		}
		for _, e := range res.Delivered {
			s.decodeAndDispatch(pc, e.Payload)
		}
		s.reapFECGroups(pc, now)
	}

	if s.rekeyMgr != nil {
		s.rekeyMgr.ExpireIfDue(now)
		if trig, due := s.rekeyMgr.ShouldRotateSend(now); due {
			s.rotateSend(trig, now)
		}
		s.rekeyMgr.SetGraceDuration(rekey.SkewAdjustedGrace(s.cfg.GraceDuration, pathRTTSkew(paths)))
	}

	if s.coverCtl != nil {
		s.coverCtl.SetUtilization(s.estimateUtilization(paths))
	}
}

func (s *Session) estimateUtilization(paths []*pathConn) float64 {
	if len(paths) == 0 {
		return 0
	}
	var total float64
	for _, pc := range paths {
		cwnd := pc.cc.CWND()
		if cwnd == 0 {
			continue
		}
		u := float64(pc.bytesSinceTick) / float64(cwnd)
		pc.bytesSinceTick = 0
		if u > 1 {
			u = 1
		}
		total += u
	}
	return total / float64(len(paths))
}

// pathRTTSkew returns the spread between the fastest and slowest active
// path's current RTT estimate, the input rekey.SkewAdjustedGrace uses to
// decide whether the grace window needs widening.
func pathRTTSkew(paths []*pathConn) time.Duration {
	var min, max time.Duration
	seen := false
	for _, pc := range paths {
		rtt := pc.path.RTTP95()
		if rtt <= 0 {
			continue
		}
		if !seen || rtt < min {
			min = rtt
		}
		if !seen || rtt > max {
			max = rtt
		}
		seen = true
	}
	if !seen {
		return 0
	}
	return max - min
}

func (s *Session) reapFECGroups(pc *pathConn, now time.Time) {
	for id, asm := range pc.fecPending {
		if now.After(asm.deadline) {
			delete(pc.fecPending, id)
		}
	}
}

// rotateSend advances the send key and emits the sealed Rekey frame on
// every active path (best-effort broadcast, matching the Close-frame
// fan-out semantics described for the Management frame in spec §7).
func (s *Session) rotateSend(trig rekey.Trigger, now time.Time) {
	payload, err := s.rekeyMgr.RotateSend(now, trig)
	if err != nil {
		s.log.Warnf("rekey rotate: %v", err)
		return
	}
	s.mu.Lock()
	paths := make([]*pathConn, 0, len(s.paths))
	for _, pc := range s.paths {
		paths = append(paths, pc)
	}
	s.mu.Unlock()
	for _, pc := range paths {
		if err := s.sendFrame(pc, &frame.Frame{Type: frame.Rekey, Payload: payload}); err != nil {
			s.log.Warnf("rekey broadcast on path %d: %v", pc.id, err)
		}
	}
	s.tel.Emit("rekey.applied", map[string]interface{}{"trigger": trig.String()})
}

// newRandRand builds a *math/rand.Rand seeded from the connection's
// cryptographic RandomSource, for components (cover traffic, FEC padding)
// that need fast non-cryptographic sampling rather than a CSPRNG on every
// call.
func newRandRand(rnd io.Reader) *rand.Rand {
	var seed [8]byte
	_, _ = io.ReadFull(rnd, seed[:])
	return rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(seed[:]))))
}
