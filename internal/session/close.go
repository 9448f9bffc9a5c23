package session

import (
	"encoding/binary"
	"time"

	"github.com/SeleniaProject/Nyx-sub000/internal/frame"
	"github.com/SeleniaProject/Nyx-sub000/internal/streammgr"
)

// closeWaitWindow is how long teardown waits for the peer's own Close
// frame (or simply one round trip) before tearing down regardless, so a
// silent peer can't hold resources open indefinitely (spec §7: "closing
// side waits briefly for the peer's Close before tearing down").
const closeWaitWindow = 500 * time.Millisecond

// emitEvent fans an Event out to every Subscribe channel, dropping it for
// any subscriber whose channel is full rather than blocking the
// connection's single goroutine on a slow reader.
func (s *Session) emitEvent(ev Event) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	for _, ch := range s.eventSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of upward events (handshake completion,
// path changes, errors). The channel is buffered; a slow consumer misses
// events rather than stalling the connection. It is closed once the
// connection finishes tearing down.
func (s *Session) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	s.eventsMu.Lock()
	s.eventSubs = append(s.eventSubs, ch)
	s.eventsMu.Unlock()
	return ch
}

// Established reports whether the handshake has completed.
func (s *Session) Established() bool {
	select {
	case <-s.established:
		return true
	default:
		return false
	}
}

// OpenStream allocates a new locally-initiated stream once the handshake
// has completed.
func (s *Session) OpenStream(mode streammgr.Mode) (streammgr.StreamID, error) {
	select {
	case <-s.established:
	case <-s.HaltCh():
		return 0, ErrNotEstablished
	}
	if s.streams == nil {
		return 0, ErrNotEstablished
	}
	st, err := s.streams.Open(mode)
	if err != nil {
		return 0, err
	}
	return st.ID(), nil
}

// AcceptStream blocks until the peer opens a new stream (its first Stream
// frame arrives) or the connection halts.
func (s *Session) AcceptStream() (streammgr.StreamID, error) {
	select {
	case id := <-s.acceptCh:
		return id, nil
	case <-s.HaltCh():
		return 0, ErrNotEstablished
	}
}

// Send writes p to the stream, blocking until the send watermark admits
// it (spec §4.5 back-pressure).
func (s *Session) Send(id streammgr.StreamID, p []byte) error {
	if s.streams == nil {
		return ErrNotEstablished
	}
	st, ok := s.streams.Get(id)
	if !ok {
		return ErrUnknownStream
	}
	_, err := st.Write(p, true)
	return err
}

// Recv reads whatever is currently available on the stream, blocking up
// to timeout for at least one byte.
func (s *Session) Recv(id streammgr.StreamID, timeout time.Duration) ([]byte, error) {
	if s.streams == nil {
		return nil, ErrNotEstablished
	}
	st, ok := s.streams.Get(id)
	if !ok {
		return nil, ErrUnknownStream
	}
	buf := make([]byte, 16*1024)
	n, err := st.Read(buf, timeout)
	if n == 0 {
		return nil, err
	}
	return buf[:n], err
}

// CloseStream half-closes the given stream, sending Fin.
func (s *Session) CloseStream(id streammgr.StreamID) error {
	if s.streams == nil {
		return ErrNotEstablished
	}
	return s.streams.CloseStream(id)
}

// CloseConnection begins graceful teardown: every active path gets a
// Close(Management) frame, then the orchestrator waits closeWaitWindow for
// the peer's own Close (or simply that round trip) before halting for
// real (spec §7).
func (s *Session) CloseConnection() error {
	s.mu.Lock()
	already := s.closing
	s.closing = true
	s.mu.Unlock()
	if already {
		return ErrAlreadyClosing
	}
	s.sendCloseLocked(closeReasonGeneric, nil)
	go func() {
		time.Sleep(closeWaitWindow)
		s.Halt()
	}()
	return nil
}

// sendCloseLocked broadcasts a Close(Management) frame carrying code,
// followed by detail (if non-empty), on every active path — the same
// best-effort fan-out rotateSend uses for Rekey frames. For
// closeReasonUnsupportedCapability, detail is the offending capability's
// 4-byte big-endian ID (spec §4.2/§6, scenario 2: body `00 07 00 00 10 00`).
func (s *Session) sendCloseLocked(code uint16, detail []byte) {
	s.mu.Lock()
	paths := make([]*pathConn, 0, len(s.paths))
	for _, pc := range s.paths {
		paths = append(paths, pc)
	}
	s.mu.Unlock()

	body := make([]byte, 2, 2+len(detail))
	binary.BigEndian.PutUint16(body, code)
	body = append(body, detail...)
	for _, pc := range paths {
		if err := s.sendFrame(pc, &frame.Frame{Type: frame.Management, Payload: body}); err != nil {
			s.log.Debugf("close broadcast on path %d: %v", pc.id, err)
		}
	}
}

// teardown runs once, on the main loop goroutine, when Halt is observed:
// it stops every active stream, the cover-traffic controller, and
// destroys all key material so no session secret outlives the
// connection.
func (s *Session) teardown() {
	if s.streams != nil {
		s.streams.CloseAll(0)
	}
	if s.coverCtl != nil {
		s.coverCtl.Halt()
		s.coverCtl.Wait()
	}
	if s.rekeyMgr != nil {
		s.rekeyMgr.Destroy()
	}
	s.emitEvent(Event{Kind: EventClosed})

	s.eventsMu.Lock()
	subs := s.eventSubs
	s.eventSubs = nil
	s.eventsMu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}
