// Package streammgr implements the §4.5 stream manager: stream IDs, flow
// control windows, the four reliability/ordering modes, back-pressure, and
// the Fin/Reset close lifecycle. It generalizes the single hardcoded
// ReliableStream/ScrambleStream pair in stream/stream.go (offset-keyed
// writeBuf/readBuf, retransmit via a TimerQueue, RState/WState, onRead/
// onWrite/onStreamClose channels) to the spec's four independent
// reliability x ordering combinations and an explicit per-direction byte
// window instead of a frame-count window.
package streammgr

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/SeleniaProject/Nyx-sub000/internal/timerqueue"
	"github.com/SeleniaProject/Nyx-sub000/internal/worker"
)

// StreamID is the 62-bit stream identifier; bit 0 distinguishes the
// initiator (odd = client-initiated, even = server-initiated).
type StreamID uint64

const MaxStreamID = (uint64(1) << 62) - 1

func (id StreamID) ClientInitiated() bool { return id&1 == 1 }
func (id StreamID) ServerInitiated() bool { return id&1 == 0 }

// Reliability and Ordering compose into the four modes spec §4.5 names.
type Reliability uint8

const (
	Reliable Reliability = iota
	Unreliable
)

type Ordering uint8

const (
	Ordered Ordering = iota
	Unordered
)

type Mode struct {
	Reliability Reliability
	Ordering    Ordering
}

var (
	ReliableOrdered     = Mode{Reliable, Ordered}
	ReliableUnordered   = Mode{Reliable, Unordered}
	UnreliableOrdered   = Mode{Unreliable, Ordered}
	UnreliableUnordered = Mode{Unreliable, Unordered}
)

func (m Mode) String() string {
	r := "Reliable"
	if m.Reliability == Unreliable {
		r = "Unreliable"
	}
	o := "Ordered"
	if m.Ordering == Unordered {
		o = "Unordered"
	}
	return r + "/" + o
}

// State is the stream's half-close lifecycle (spec §3).
type State uint8

const (
	Open State = iota
	HalfClosedSend
	HalfClosedReceive
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "Open"
	case HalfClosedSend:
		return "HalfClosedSend"
	case HalfClosedReceive:
		return "HalfClosedReceive"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var (
	ErrStreamClosed         = errors.New("streammgr: stream closed")
	ErrWouldBlock           = errors.New("streammgr: would block")
	ErrFlowControlViolation = errors.New("streammgr: flow control violation")
)

// ResetError reports that the stream was aborted by a Reset frame, local
// or remote, carrying the reset reason code.
type ResetError struct {
	Code uint32
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("streammgr: stream reset (code %d)", e.Code)
}

// Sender transmits framed stream data; the session orchestrator wires this
// through the congestion controller and multipath scheduler.
type Sender interface {
	SendStreamFrame(id StreamID, offset uint64, payload []byte, fin bool) error
	SendAck(id StreamID, ackOffset uint64, window uint64) error
	SendReset(id StreamID, code uint32) error
}

// Config holds the flow-control and retransmission tunables (spec §6's
// `stream_window_size`-equivalent knobs, generalized to byte windows).
type Config struct {
	InitialWindow     uint64
	MaxWindow         uint64
	SendWatermark     uint64
	RetransmitTimeout time.Duration
	ReorderDeadline   time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialWindow:     1 << 20,
		MaxWindow:         1 << 24,
		SendWatermark:     1 << 22,
		RetransmitTimeout: 300 * time.Millisecond,
		ReorderDeadline:   50 * time.Millisecond,
	}
}

type pendingFrame struct {
	offset  uint64
	payload []byte
	fin     bool
	sentAt  time.Time
	acked   bool
}

// Stream is a single bidirectional byte channel. Exported methods take the
// internal mutex; HandleStreamFrame/HandleAck are invoked by the session
// orchestrator's receive path.
type Stream struct {
	worker.Worker

	mu     sync.Mutex
	id     StreamID
	mode   Mode
	state  State
	sender Sender
	tq     *timerqueue.TimerQueue
	cfg    Config
	nowFn  func() time.Time

	sendQueue      *bytes.Buffer
	nextSendOffset uint64
	unacked        map[uint64]*pendingFrame
	peerWindow     uint64
	queuedBytes    uint64

	recvBuf        *bytes.Buffer
	pendingSegs    map[uint64][]byte
	nextRecvOffset uint64
	arrivalQueue   [][]byte
	localWindow    uint64

	finSent, finRecv bool
	resetErr         error

	onReadable chan struct{}
	onWritable chan struct{}
	onClosed   chan struct{}
}

func newStream(id StreamID, mode Mode, sender Sender, cfg Config, nowFn func() time.Time) *Stream {
	s := &Stream{
		id:           id,
		mode:         mode,
		state:        Open,
		sender:       sender,
		cfg:          cfg,
		nowFn:        nowFn,
		sendQueue:    &bytes.Buffer{},
		unacked:      make(map[uint64]*pendingFrame),
		peerWindow:   cfg.InitialWindow,
		recvBuf:      &bytes.Buffer{},
		pendingSegs:  make(map[uint64][]byte),
		localWindow:  cfg.InitialWindow,
		onReadable:   make(chan struct{}, 1),
		onWritable:   make(chan struct{}, 1),
		onClosed:     make(chan struct{}),
	}
	s.tq = timerqueue.New(s.onTimer)
	s.tq.Start()
	return s
}

func (s *Stream) ID() StreamID  { return s.id }
func (s *Stream) Mode() Mode    { return s.mode }
func (s *Stream) State() State  { s.mu.Lock(); defer s.mu.Unlock(); return s.state }

func (s *Stream) notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Write enqueues p for transmission. If blocking is false, Write returns
// ErrWouldBlock as soon as the send watermark is exceeded instead of
// waiting (spec §4.5 back-pressure).
func (s *Stream) Write(p []byte, blocking bool) (int, error) {
	s.mu.Lock()
	if s.resetErr != nil {
		s.mu.Unlock()
		return 0, s.resetErr
	}
	if s.state == Closed || s.state == HalfClosedSend {
		s.mu.Unlock()
		return 0, ErrStreamClosed
	}
	if s.queuedBytes >= s.cfg.SendWatermark {
		s.mu.Unlock()
		if !blocking {
			return 0, ErrWouldBlock
		}
		select {
		case <-s.onWritable:
		case <-s.onClosed:
			return 0, ErrStreamClosed
		case <-s.HaltCh():
			return 0, ErrStreamClosed
		}
		s.mu.Lock()
	}
	n, _ := s.sendQueue.Write(p)
	s.queuedBytes += uint64(n)
	s.mu.Unlock()
	s.flush()
	return n, nil
}

// flush emits as many queued bytes as the peer's advertised window
// permits, reliable streams tracking each emitted frame for retransmit.
func (s *Stream) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.sendQueue.Len() > 0 && s.peerWindow > 0 {
		chunk := s.peerWindow
		if uint64(s.sendQueue.Len()) < chunk {
			chunk = uint64(s.sendQueue.Len())
		}
		const maxChunk = 16 * 1024
		if chunk > maxChunk {
			chunk = maxChunk
		}
		payload := make([]byte, chunk)
		n, _ := s.sendQueue.Read(payload)
		payload = payload[:n]

		offset := s.nextSendOffset
		s.nextSendOffset += uint64(n)
		s.peerWindow -= uint64(n)
		s.queuedBytes -= uint64(n)

		fin := s.finSent && s.sendQueue.Len() == 0

		if err := s.sender.SendStreamFrame(s.id, offset, payload, fin); err == nil && s.mode.Reliability == Reliable {
			pf := &pendingFrame{offset: offset, payload: payload, fin: fin, sentAt: s.nowFn()}
			s.unacked[offset] = pf
			s.tq.Push(uint64(s.nowFn().Add(s.cfg.RetransmitTimeout).UnixNano()), offset)
		}
	}
	if s.queuedBytes < s.cfg.SendWatermark {
		s.notify(s.onWritable)
	}
}

// onTimer dispatches the TimerQueue's two kinds of deadlines: a retransmit
// (value is the frame's offset, a Reliable-stream concern) or a reorder-
// buffer gap-skip (value is a gapSkipKey, an Unreliable/Ordered concern).
func (s *Stream) onTimer(value interface{}) {
	switch v := value.(type) {
	case uint64:
		s.retransmit(v)
	case gapSkipKey:
		s.SkipGap()
	}
}

// retransmit is the retransmit callback for Reliable streams: an offset
// still present in unacked (not yet acknowledged) is resent and
// rescheduled.
func (s *Stream) retransmit(offset uint64) {
	s.mu.Lock()
	pf, ok := s.unacked[offset]
	if !ok || pf.acked {
		s.mu.Unlock()
		return
	}
	sender := s.sender
	id := s.id
	s.mu.Unlock()

	if err := sender.SendStreamFrame(id, pf.offset, pf.payload, pf.fin); err == nil {
		s.mu.Lock()
		pf.sentAt = s.nowFn()
		s.tq.Push(uint64(s.nowFn().Add(s.cfg.RetransmitTimeout).UnixNano()), offset)
		s.mu.Unlock()
	}
}

// HandleAck applies a peer acknowledgement: offsets below ackOffset are
// marked acknowledged (removed from the retransmit set) and the peer's
// advertised receive window is updated.
func (s *Stream) HandleAck(ackOffset, window uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for off, pf := range s.unacked {
		if off+uint64(len(pf.payload)) <= ackOffset {
			delete(s.unacked, off)
		}
	}
	s.peerWindow = window
	if s.queuedBytes < s.cfg.SendWatermark {
		s.notify(s.onWritable)
	}
}

// HandleStreamFrame ingests one incoming Stream frame, reassembling and
// delivering according to the stream's mode.
func (s *Stream) HandleStreamFrame(offset uint64, payload []byte, fin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed || s.state == HalfClosedReceive {
		return nil
	}
	if uint64(len(payload)) > s.localWindow {
		return ErrFlowControlViolation
	}
	s.localWindow -= uint64(len(payload))

	switch s.mode.Ordering {
	case Unordered:
		if len(payload) > 0 {
			s.arrivalQueue = append(s.arrivalQueue, payload)
		}
	case Ordered:
		if offset < s.nextRecvOffset {
			// Already delivered; pure duplicate, drop.
		} else if offset == s.nextRecvOffset {
			s.recvBuf.Write(payload)
			s.nextRecvOffset += uint64(len(payload))
			s.drainPendingLocked()
		} else {
			s.pendingSegs[offset] = payload
			if s.mode.Reliability == Unreliable {
				deadline := s.nowFn().Add(s.cfg.ReorderDeadline)
				s.tq.Push(uint64(deadline.UnixNano()), gapSkipKey{streamID: s.id})
			}
		}
	}

	if fin {
		s.finRecv = true
		if s.mode.Ordering == Unordered || len(s.pendingSegs) == 0 {
			s.transitionOnFinLocked()
		}
	}

	s.notify(s.onReadable)
	return nil
}

type gapSkipKey struct{ streamID StreamID }

// drainPendingLocked appends any now-contiguous out-of-order segments.
// Caller holds s.mu.
func (s *Stream) drainPendingLocked() {
	for {
		offset := s.nextRecvOffset
		seg, ok := s.pendingSegs[offset]
		if !ok {
			break
		}
		s.recvBuf.Write(seg)
		s.nextRecvOffset += uint64(len(seg))
		delete(s.pendingSegs, offset)
	}
}

// SkipGap forces delivery of whatever has arrived so far for an
// Unreliable/Ordered stream once the reorder deadline elapses, skipping
// the missing prefix rather than waiting indefinitely (spec §4.5).
func (s *Stream) SkipGap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingSegs) == 0 {
		return
	}
	offsets := make([]uint64, 0, len(s.pendingSegs))
	for off := range s.pendingSegs {
		offsets = append(offsets, off)
	}
	min := offsets[0]
	for _, o := range offsets[1:] {
		if o < min {
			min = o
		}
	}
	s.nextRecvOffset = min
	s.drainPendingLocked()
	s.notify(s.onReadable)
}

// creditWindow grows the advertised window by n bytes consumed by the app
// (capped at MaxWindow) and, once the credit crosses half the window,
// tells the peer via an Ack frame carrying the new window and the highest
// contiguous offset delivered so far (spec §4.5: "Ack frames carrying both
// sequence acknowledgements and updated window sizes").
func (s *Stream) creditWindow(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	before := s.localWindow
	s.localWindow += uint64(n)
	if s.localWindow > s.cfg.MaxWindow {
		s.localWindow = s.cfg.MaxWindow
	}
	ackPoint := s.nextRecvOffset
	window := s.localWindow
	shouldAck := before < s.cfg.MaxWindow/2 && window >= s.cfg.MaxWindow/2
	s.mu.Unlock()

	if shouldAck {
		s.sender.SendAck(s.id, ackPoint, window)
	}
}

func (s *Stream) transitionOnFinLocked() {
	switch s.state {
	case Open:
		s.state = HalfClosedReceive
	case HalfClosedSend:
		s.state = Closed
		close(s.onClosed)
	}
}

// Read returns buffered bytes, blocking up to timeout if none are yet
// available. A zero timeout returns immediately (ErrWouldBlock-style
// callers should pass 0 and check the returned byte count).
func (s *Stream) Read(p []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	if s.mode.Ordering == Unordered {
		if len(s.arrivalQueue) == 0 {
			if s.finRecv || s.state == Closed {
				s.mu.Unlock()
				return 0, io.EOF
			}
			s.mu.Unlock()
			if timeout <= 0 {
				return 0, ErrWouldBlock
			}
			select {
			case <-s.onReadable:
			case <-s.onClosed:
				return 0, io.EOF
			case <-time.After(timeout):
				return 0, ErrWouldBlock
			case <-s.HaltCh():
				return 0, io.EOF
			}
			s.mu.Lock()
		}
		if len(s.arrivalQueue) == 0 {
			s.mu.Unlock()
			return 0, io.EOF
		}
		seg := s.arrivalQueue[0]
		n := copy(p, seg)
		if n == len(seg) {
			s.arrivalQueue = s.arrivalQueue[1:]
		} else {
			s.arrivalQueue[0] = seg[n:]
		}
		s.mu.Unlock()
		s.creditWindow(n)
		return n, nil
	}

	if s.recvBuf.Len() == 0 {
		if s.finRecv {
			s.mu.Unlock()
			return 0, io.EOF
		}
		s.mu.Unlock()
		if timeout <= 0 {
			return 0, ErrWouldBlock
		}
		select {
		case <-s.onReadable:
		case <-s.onClosed:
			return 0, io.EOF
		case <-time.After(timeout):
			return 0, ErrWouldBlock
		case <-s.HaltCh():
			return 0, io.EOF
		}
		s.mu.Lock()
	}
	n, err := s.recvBuf.Read(p)
	s.mu.Unlock()
	if err == io.EOF && n > 0 {
		err = nil
	}
	s.creditWindow(n)
	return n, err
}

// Close emits a Fin marker and transitions to HalfClosedSend, completing
// to Closed once the peer also Fins.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.state == Closed || s.state == HalfClosedSend {
		s.mu.Unlock()
		return nil
	}
	s.finSent = true
	switch s.state {
	case Open:
		s.state = HalfClosedSend
	case HalfClosedReceive:
		s.state = Closed
	}
	shouldClose := s.state == Closed
	s.mu.Unlock()

	s.flush()
	if s.sendQueue.Len() == 0 {
		s.sender.SendStreamFrame(s.id, s.nextSendOffset, nil, true)
	}
	if shouldClose {
		close(s.onClosed)
	}
	return nil
}

// Reset aborts the stream immediately with the given code, local or
// remote-driven.
func (s *Stream) Reset(code uint32, local bool) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.resetErr = &ResetError{Code: code}
	s.mu.Unlock()

	if local {
		s.sender.SendReset(s.id, code)
	}
	close(s.onClosed)
	s.notify(s.onReadable)
	s.notify(s.onWritable)
}

// Shutdown halts the retransmit timer queue; called once the stream is
// fully closed and drained.
func (s *Stream) Shutdown() {
	s.tq.Stop()
	s.tq.Wait()
}
