package streammgr

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Manager owns every Stream for one Connection: ID allocation (odd for
// the client-initiated side, even for the server-initiated side),
// implicit creation on first-frame arrival, and routing of incoming
// Stream/Ack/Reset frames to the right Stream.
type Manager struct {
	mu      sync.Mutex
	log     *log.Logger
	sender  Sender
	nowFn   func() time.Time
	cfg     Config
	isClient bool

	streams  map[StreamID]*Stream
	nextID   uint64
}

// NewManager constructs a Manager for one side of a connection. isClient
// selects whether locally opened streams get odd (client) or even
// (server) IDs (spec §3).
func NewManager(isClient bool, sender Sender, nowFn func() time.Time, cfg Config, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	start := uint64(0)
	if isClient {
		start = 1
	}
	return &Manager{
		log:      logger.WithPrefix("streammgr"),
		sender:   sender,
		nowFn:    nowFn,
		cfg:      cfg,
		isClient: isClient,
		streams:  make(map[StreamID]*Stream),
		nextID:   start,
	}
}

// Open allocates a new locally-initiated stream with the next ID on this
// side's parity.
func (m *Manager) Open(mode Mode) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextID > MaxStreamID {
		return nil, fmt.Errorf("streammgr: stream ID space exhausted")
	}
	id := StreamID(m.nextID)
	m.nextID += 2
	s := newStream(id, mode, m.sender, m.cfg, m.nowFn)
	m.streams[id] = s
	m.log.Debugf("stream opened id=%d mode=%s", id, mode)
	return s, nil
}

// Get returns the stream with the given ID, if it exists.
func (m *Manager) Get(id StreamID) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

// getOrCreatePeerInitiated returns the stream for id, implicitly creating
// it (as peer-initiated, defaulting to ReliableOrdered absent an
// out-of-band mode announcement) on first arrival of a new ID, per spec
// §3 ("Created by ... implicit arrival of the first frame with a new
// ID").
func (m *Manager) getOrCreatePeerInitiated(id StreamID, mode Mode) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[id]; ok {
		return s
	}
	s := newStream(id, mode, m.sender, m.cfg, m.nowFn)
	m.streams[id] = s
	m.log.Debugf("stream opened id=%d mode=%s (peer-initiated)", id, mode)
	return s
}

// HandleStreamFrame routes an incoming Stream frame to its stream,
// creating the stream implicitly if this is its first frame. An ID on
// this side's own parity (one we would allocate ourselves) can never be
// legitimately peer-initiated, so it is accepted only for a stream this
// side already opened.
func (m *Manager) HandleStreamFrame(id StreamID, offset uint64, payload []byte, fin bool) error {
	if s, ok := m.Get(id); ok {
		return s.HandleStreamFrame(offset, payload, fin)
	}
	if m.isClient == id.ClientInitiated() {
		return fmt.Errorf("streammgr: peer sent stream id %d on our own parity", id)
	}
	s := m.getOrCreatePeerInitiated(id, ReliableOrdered)
	return s.HandleStreamFrame(offset, payload, fin)
}

// HandleAck routes an incoming Ack to its stream; unknown stream IDs are
// ignored (the stream may have already fully closed and been reaped).
func (m *Manager) HandleAck(id StreamID, ackOffset, window uint64) {
	if s, ok := m.Get(id); ok {
		s.HandleAck(ackOffset, window)
	}
}

// HandleReset routes an incoming Reset frame to its stream.
func (m *Manager) HandleReset(id StreamID, code uint32) {
	if s, ok := m.Get(id); ok {
		s.Reset(code, false)
	}
}

// CloseStream closes and reaps the given stream.
func (m *Manager) CloseStream(id StreamID) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrStreamClosed
	}
	err := s.Close()
	m.reapIfClosed(id, s)
	return err
}

// reapIfClosed removes a fully-Closed stream from the table and stops its
// retransmit timer queue, so neither leaks past the stream's lifetime.
func (m *Manager) reapIfClosed(id StreamID, s *Stream) {
	if s.State() != Closed {
		return
	}
	s.Shutdown()
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

// CloseAll aborts every open stream, used on connection teardown.
func (m *Manager) CloseAll(code uint32) {
	m.mu.Lock()
	all := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Reset(code, false)
		s.Shutdown()
	}
	m.mu.Lock()
	m.streams = make(map[StreamID]*Stream)
	m.mu.Unlock()
}
