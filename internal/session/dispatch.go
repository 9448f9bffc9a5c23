package session

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"time"

	"github.com/SeleniaProject/Nyx-sub000/internal/cover"
	"github.com/SeleniaProject/Nyx-sub000/internal/fec"
	"github.com/SeleniaProject/Nyx-sub000/internal/frame"
	"github.com/SeleniaProject/Nyx-sub000/internal/handshake"
	"github.com/SeleniaProject/Nyx-sub000/internal/multipath"
	"github.com/SeleniaProject/Nyx-sub000/internal/rekey"
	"github.com/SeleniaProject/Nyx-sub000/internal/replay"
	"github.com/SeleniaProject/Nyx-sub000/internal/streammgr"
	"github.com/SeleniaProject/Nyx-sub000/internal/wire"
)

var (
	errShortStreamBody = errors.New("session: truncated stream frame body")
	errShortAckBody    = errors.New("session: truncated ack frame body")
	errShortFECHeader  = errors.New("session: truncated FEC shard header")
)

const (
	streamFlagFin   uint8 = 1 << 0
	streamFlagReset uint8 = 1 << 1

	// pluginFECShard identifies a Plugin frame carrying one shard of an
	// FEC-protected batch (spec §4.9 sentinel recovery, generalized here
	// to protect a batch of whole frames rather than a single payload).
	pluginFECShard uint8 = 0x50

	// admissionWaitCap bounds how long sendFrame will block on the
	// congestion controller's token bucket before sending anyway.
	admissionWaitCap = 100 * time.Millisecond
)

// sendFrame wire-seals f under the current send key and transmits it on
// pc. The plaintext handed to wire.Seal is prefixed with pc's per-path
// frame counter so the receiving pathConn's reorder buffer can restore
// per-path ordering independent of the AEAD wire sequence, which is
// global to the send key across every active path.
func (s *Session) sendFrame(pc *pathConn, f *frame.Frame) error {
	fb, err := frame.Encode(f)
	if err != nil {
		return err
	}
	plain := make([]byte, 4+len(fb))
	binary.BigEndian.PutUint32(plain[:4], pc.localSeq)
	pc.localSeq++
	copy(plain[4:], fb)

	if s.rekeyMgr == nil {
		// Pre-establishment: there is no session key yet, so the Crypto
		// frames carrying the handshake itself travel with the same
		// local-sequence prefix but no AEAD seal, matching
		// onHandshakeDatagram's receive side.
		pc.bytesSinceTick += uint64(len(plain))
		return s.sock.Send(plain, pc.remote)
	}
	key := s.rekeyMgr.SendKey()
	seq := key.NextSequence()
	s.rekeyMgr.AddSentBytes(uint64(len(plain)))

	pkt, err := wire.Seal(key, s.sendDirection, seq, s.cid, plain)
	if err != nil {
		return err
	}
	pc.bytesSinceTick += uint64(len(pkt))

	// Admission: block for real congestion-window backpressure, but only up
	// to admissionWaitCap. sendFrame runs both on callers' own goroutines
	// (stream writes) and inline during inbound dispatch on the
	// connection's single cooperative goroutine (Crypto/Rekey/Management
	// replies, Acks); an unbounded Wait there would stall every other path
	// and every other frame type on a congested link. A capped wait still
	// smooths bursts under the common case and degrades to best-effort
	// once the cap is hit instead of deadlocking the loop.
	ctx, cancel := context.WithTimeout(context.Background(), admissionWaitCap)
	_ = pc.cc.Wait(ctx, len(pkt))
	cancel()
	return s.sock.Send(pkt, pc.remote)
}

// onDatagram is invoked on the main loop for every inbound packet. It
// opens the AEAD envelope (trying the grace key on failure), checks the
// anti-replay window, then feeds the path-local reorder buffer before any
// frame reaches dispatch.
func (s *Session) onDatagram(remote, pkt []byte) {
	s.mu.Lock()
	id, ok := s.pathsByRemote[string(remote)]
	var pc *pathConn
	if ok {
		pc = s.paths[id]
	}
	s.mu.Unlock()
	if !ok || pc == nil {
		// Unknown remote before the handshake has assigned any path:
		// only the control path exists, and it owns a fixed remote set
		// at construction, so an unrecognized sender is dropped.
		s.log.Debugf("dropping datagram from unrecognized remote")
		return
	}

	if s.rekeyMgr == nil {
		// Pre-handshake-completion: Crypto frames are exchanged using
		// the handshake's own message framing directly, not the
		// session-wide AEAD envelope (there is no session key yet).
		s.onHandshakeDatagram(pc, pkt)
		return
	}

	cid, seq, plain, err := wire.Open(s.rekeyMgr.RecvKey(), s.recvDirection, pkt)
	if err != nil {
		if grace, ok := s.rekeyMgr.TryGrace(s.now()); ok {
			var gerr error
			cid, seq, plain, gerr = wire.Open(grace, s.recvDirection, pkt)
			if gerr == nil {
				s.rekeyMgr.ConsumeGracePacket()
				err = nil
			}
		}
	}
	if err != nil {
		s.tel.Emit("frame.open_failed", map[string]interface{}{"path_id": uint8(pc.id)})
		return
	}
	_ = cid

	if err := s.recvWindow.Accept(seq); err != nil {
		if errors.Is(err, replay.ErrReplay) {
			s.tel.Emit("frame.replay", nil)
		} else {
			s.tel.Emit("frame.stale", nil)
		}
		return
	}

	localSeq := binary.BigEndian.Uint32(plain[:4])
	res := pc.reorder.Push(multipath.Entry{Seq: uint64(localSeq), Payload: append([]byte(nil), plain[4:]...), Reliable: true})
	for range res.RetransmitRequests {
		s.tel.Emit("path.retransmit_requested", map[string]interface{}{"path_id": uint8(pc.id)})
	}
	for _, e := range res.Delivered {
		s.decodeAndDispatch(pc, e.Payload)
	}
}

// onHandshakeDatagram parses pre-establishment traffic on the control
// path: these datagrams carry a single Crypto frame directly wrapped by
// frame.Encode, with no AEAD seal (there is no session key to seal under
// yet) but still the 4-byte path-local-sequence prefix for symmetry with
// the post-handshake envelope. The sender does not pad them; frame.Decode
// reads the one frame and ignores any trailing bytes.
func (s *Session) onHandshakeDatagram(pc *pathConn, pkt []byte) {
	if len(pkt) < 4 {
		return
	}
	f, _, err := frame.Decode(pkt[4:])
	if err != nil || f.Type != frame.Crypto {
		s.tel.Emit("handshake.bad_message", nil)
		return
	}
	s.handleCrypto(pc, f.Payload)
}

func (s *Session) decodeAndDispatch(pc *pathConn, plaintext []byte) {
	f, _, err := frame.Decode(plaintext)
	if err != nil {
		s.tel.Emit("frame.decode_error", map[string]interface{}{"path_id": uint8(pc.id)})
		return
	}
	s.dispatchFrame(pc, f)
}

func (s *Session) dispatchFrame(pc *pathConn, f *frame.Frame) {
	if s.cfg.MaxFrameLenBytes > 0 && len(f.Payload) > s.cfg.MaxFrameLenBytes {
		s.tel.Emit("frame.too_large", map[string]interface{}{"path_id": uint8(pc.id)})
		return
	}
	switch f.Type {
	case frame.Padding:
		// cover traffic; nothing to deliver
	case frame.Crypto:
		s.handleCrypto(pc, f.Payload)
	case frame.Rekey:
		s.handleRekey(f.Payload)
	case frame.Stream:
		s.handleStreamFrame(f.Payload)
	case frame.Ack:
		s.handleAckFrame(f.Payload)
	case frame.Management:
		s.handleManagement(f.Payload)
	case frame.Plugin:
		s.handlePlugin(pc, f)
	}
}

func (s *Session) handleCrypto(pc *pathConn, payload []byte) {
	reply, done, err := s.engine.HandleMessage(payload)
	if err != nil {
		s.emitEvent(Event{Kind: EventError, Data: err})
		code, detail := closeReasonFromHandshake(s.engine.Failure(), err)
		s.sendCloseLocked(code, detail)
		return
	}
	if len(reply) > 0 {
		_ = s.sendFrame(pc, &frame.Frame{Type: frame.Crypto, Payload: reply})
	}
	if done {
		s.onHandshakeEstablished()
	}
}

// closeReasonFromHandshake maps a handshake failure to the Close frame's
// reason code and, for FailCapabilityMismatch, the 4-byte big-endian
// capability ID that must follow it on the wire.
func closeReasonFromHandshake(kind handshake.FailureKind, err error) (uint16, []byte) {
	if kind != handshake.FailCapabilityMismatch {
		return closeReasonGeneric, nil
	}
	var mismatch *handshake.CapabilityMismatchError
	if errors.As(err, &mismatch) {
		id := make([]byte, 4)
		binary.BigEndian.PutUint32(id, mismatch.ID)
		return closeReasonUnsupportedCapability, id
	}
	return closeReasonUnsupportedCapability, nil
}

// onHandshakeEstablished builds every component that depends on session
// keys once the handshake completes: the rekey manager, anti-replay
// window, stream manager, cover-traffic controller, and FEC codec.
func (s *Session) onHandshakeEstablished() {
	keys := s.engine.Keys()
	if keys == nil {
		return
	}
	s.recvWindow = &replay.Window{}
	s.rekeyMgr = rekey.New(rekey.Config{
		ByteThreshold: s.cfg.RekeyBytes,
		Interval:      s.cfg.RekeyInterval,
		GraceDuration: s.cfg.GraceDuration,
		GracePackets:  s.cfg.GracePackets,
		Cooldown:      5 * time.Second,
	}, s.rnd, nil, keys.SendRekey, keys.ReceiveRekey, keys.SendData, keys.ReceiveData, s.recvWindow, s.now())

	s.streams = streammgr.NewManager(s.role == handshake.Initiator, streamSender{s}, s.now, streammgr.DefaultConfig(), nil)

	randRand := newRandRand(s.rnd)
	s.fecCodec = fec.NewCodec(randRand)
	s.fecRedundancy = fec.NewAdaptiveRedundancy(fec.DefaultConfig())

	coverCfg := cover.DefaultConfig()
	coverCfg.LambdaBase = s.cfg.CoverLambdaBase
	s.coverCtl = cover.New(coverCfg, dummySender{s}, s.pickPathForCover, randRand, s.now, nil)
	s.coverCtl.Run()

	s.establishOk.Do(func() { close(s.established) })
	s.emitEvent(Event{Kind: EventHandshakeCompleted})
	s.tel.Emit("handshake.completed", nil)
}

func (s *Session) handleRekey(payload []byte) {
	if s.rekeyMgr == nil {
		return
	}
	if err := s.rekeyMgr.HandlePeerRekey(payload, s.now()); err != nil {
		s.log.Warnf("peer rekey rejected: %v", err)
	}
}

func (s *Session) handleStreamFrame(payload []byte) {
	if s.streams == nil {
		return
	}
	if len(payload) < 9 {
		return
	}
	flags := payload[8]
	if flags&streamFlagReset != 0 {
		id, code, err := decodeResetBody(payload)
		if err != nil {
			return
		}
		s.streams.HandleReset(id, code)
		s.emitEvent(Event{Kind: EventError, Data: &ResetObserved{StreamID: id, Code: code}})
		return
	}
	id, offset, body, fin, err := decodeStreamDataBody(payload)
	if err != nil {
		return
	}
	if !s.knownStreams[id] {
		s.knownStreams[id] = true
		select {
		case s.acceptCh <- id:
		default:
			s.log.Warnf("accept queue full, dropping stream %d notification", id)
		}
	}
	if err := s.streams.HandleStreamFrame(id, offset, body, fin); err != nil {
		s.log.Debugf("stream frame rejected: %v", err)
	}
}

// ResetObserved is delivered via an EventError event when the peer resets
// a stream, so the upward API can surface which stream and why.
type ResetObserved struct {
	StreamID streammgr.StreamID
	Code     uint32
}

func (s *Session) handleAckFrame(payload []byte) {
	if s.streams == nil {
		return
	}
	id, ackOffset, window, err := decodeAckBody(payload)
	if err != nil {
		return
	}
	s.streams.HandleAck(id, ackOffset, window)
}

const (
	closeReasonUnsupportedCapability uint16 = 0x0007
	closeReasonGeneric                uint16 = 0x0001
)

func (s *Session) handleManagement(payload []byte) {
	if len(payload) < 2 {
		return
	}
	code := binary.BigEndian.Uint16(payload[:2])
	s.tel.Emit("close.received", map[string]interface{}{"code": code})
	s.mu.Lock()
	already := s.closing
	s.closing = true
	s.mu.Unlock()
	if !already {
		s.Halt()
	}
}

// handlePlugin accumulates FEC shards for an SendFECProtected batch; once
// enough shards (data or parity) have arrived for a group, it attempts
// reconstruction and, on success, re-decodes the recovered bytes as a
// concatenation of ordinary frames.
func (s *Session) handlePlugin(pc *pathConn, f *frame.Frame) {
	if f.PluginID != pluginFECShard {
		return
	}
	groupID, index, dataShards, parityShards, shard, err := decodeFECShard(f.Payload)
	if err != nil {
		return
	}
	asm, ok := pc.fecPending[groupID]
	if !ok {
		asm = &fecAssembly{
			shards:       make([][]byte, dataShards+parityShards),
			dataShards:   dataShards,
			parityShards: parityShards,
			deadline:     s.now().Add(5 * time.Second),
		}
		pc.fecPending[groupID] = asm
	}
	if int(index) >= len(asm.shards) || asm.shards[index] != nil {
		return
	}
	asm.shards[index] = shard
	asm.have++
	if asm.have < asm.dataShards {
		return
	}
	blob, err := s.fecCodec.Decode(asm.shards, asm.dataShards, asm.parityShards)
	delete(pc.fecPending, groupID)
	if err != nil {
		s.tel.Emit("fec.unrecoverable", map[string]interface{}{"group": groupID})
		return
	}
	for len(blob) > 0 {
		fr, n, derr := frame.Decode(blob)
		if derr != nil {
			break
		}
		s.dispatchFrame(pc, fr)
		blob = blob[n:]
	}
}

// pickPath selects a path for a general-purpose send via the multipath
// scheduler, falling back to the best remaining path (or the control
// path) if none is currently eligible.
func (s *Session) pickPath() (*pathConn, error) {
	id, err := s.sched.Select()
	if err != nil {
		id, err = s.sched.BestRemaining(multipath.PathID(255))
		if err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	pc := s.paths[id]
	s.mu.Unlock()
	if pc == nil {
		return nil, ErrNoControlPath
	}
	return pc, nil
}

func (s *Session) pickPathForCover(_ *rand.Rand) uint8 {
	pc, err := s.pickPath()
	if err != nil {
		return uint8(controlPathID)
	}
	return uint8(pc.id)
}

// streamSender adapts Session to streammgr.Sender.
type streamSender struct{ s *Session }

func (a streamSender) SendStreamFrame(id streammgr.StreamID, offset uint64, payload []byte, fin bool) error {
	return a.s.sendStreamData(id, offset, payload, fin)
}

func (a streamSender) SendAck(id streammgr.StreamID, ackOffset, window uint64) error {
	return a.s.sendAck(id, ackOffset, window)
}

func (a streamSender) SendReset(id streammgr.StreamID, code uint32) error {
	return a.s.sendReset(id, code)
}

// maxStreamChunkBytes bounds a single Stream frame's body so the prefixed,
// wire-sealed packet fits inside wire.BodyLen (1280) with margin for the
// frame header and stream-body fixed fields.
const maxStreamChunkBytes = 1100

func (s *Session) sendStreamData(id streammgr.StreamID, offset uint64, payload []byte, fin bool) error {
	pc, err := s.pickPath()
	if err != nil {
		return err
	}
	if len(payload) <= maxStreamChunkBytes {
		body := encodeStreamDataBody(id, offset, payload, fin)
		return s.sendFrame(pc, &frame.Frame{Type: frame.Stream, Payload: body})
	}
	for off := 0; off < len(payload); off += maxStreamChunkBytes {
		end := off + maxStreamChunkBytes
		if end > len(payload) {
			end = len(payload)
		}
		chunkFin := fin && end == len(payload)
		body := encodeStreamDataBody(id, offset+uint64(off), payload[off:end], chunkFin)
		if err := s.sendFrame(pc, &frame.Frame{Type: frame.Stream, Payload: body}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendAck(id streammgr.StreamID, ackOffset, window uint64) error {
	pc, err := s.pickPath()
	if err != nil {
		return err
	}
	return s.sendFrame(pc, &frame.Frame{Type: frame.Ack, Payload: encodeAckBody(id, ackOffset, window)})
}

func (s *Session) sendReset(id streammgr.StreamID, code uint32) error {
	pc, err := s.pickPath()
	if err != nil {
		return err
	}
	return s.sendFrame(pc, &frame.Frame{Type: frame.Stream, Payload: encodeStreamResetBody(id, code)})
}

// --- wire body encodings for Stream/Ack frames ---
//
// internal/frame stays generic about what a frame's payload means; the
// stream-id/offset/fin (or reset-code) layout below is this package's own
// concern, the same way the stream manager's Sender interface is its own
// concern rather than frame's.

func encodeStreamDataBody(id streammgr.StreamID, offset uint64, payload []byte, fin bool) []byte {
	buf := make([]byte, 17+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(id))
	var flags uint8
	if fin {
		flags |= streamFlagFin
	}
	buf[8] = flags
	binary.BigEndian.PutUint64(buf[9:17], offset)
	copy(buf[17:], payload)
	return buf
}

func decodeStreamDataBody(b []byte) (id streammgr.StreamID, offset uint64, payload []byte, fin bool, err error) {
	if len(b) < 17 {
		return 0, 0, nil, false, errShortStreamBody
	}
	id = streammgr.StreamID(binary.BigEndian.Uint64(b[0:8]))
	fin = b[8]&streamFlagFin != 0
	offset = binary.BigEndian.Uint64(b[9:17])
	payload = b[17:]
	return
}

func encodeStreamResetBody(id streammgr.StreamID, code uint32) []byte {
	buf := make([]byte, 13)
	binary.BigEndian.PutUint64(buf[0:8], uint64(id))
	buf[8] = streamFlagReset
	binary.BigEndian.PutUint32(buf[9:13], code)
	return buf
}

func decodeResetBody(b []byte) (streammgr.StreamID, uint32, error) {
	if len(b) < 13 {
		return 0, 0, errShortStreamBody
	}
	id := streammgr.StreamID(binary.BigEndian.Uint64(b[0:8]))
	code := binary.BigEndian.Uint32(b[9:13])
	return id, code, nil
}

func encodeAckBody(id streammgr.StreamID, ackOffset, window uint64) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], uint64(id))
	binary.BigEndian.PutUint64(buf[8:16], ackOffset)
	binary.BigEndian.PutUint64(buf[16:24], window)
	return buf
}

func decodeAckBody(b []byte) (id streammgr.StreamID, ackOffset, window uint64, err error) {
	if len(b) < 24 {
		return 0, 0, 0, errShortAckBody
	}
	id = streammgr.StreamID(binary.BigEndian.Uint64(b[0:8]))
	ackOffset = binary.BigEndian.Uint64(b[8:16])
	window = binary.BigEndian.Uint64(b[16:24])
	return
}

// --- FEC shard header: groupID(4) || index(2) || dataShards(2) || parityShards(2) ---

func encodeFECHeader(groupID uint32, index, dataShards, parityShards uint16) []byte {
	buf := make([]byte, 10)
	binary.BigEndian.PutUint32(buf[0:4], groupID)
	binary.BigEndian.PutUint16(buf[4:6], index)
	binary.BigEndian.PutUint16(buf[6:8], dataShards)
	binary.BigEndian.PutUint16(buf[8:10], parityShards)
	return buf
}

func decodeFECShard(b []byte) (groupID uint32, index, dataShards, parityShards uint16, shard []byte, err error) {
	if len(b) < 10 {
		return 0, 0, 0, 0, nil, errShortFECHeader
	}
	groupID = binary.BigEndian.Uint32(b[0:4])
	index = binary.BigEndian.Uint16(b[4:6])
	dataShards = binary.BigEndian.Uint16(b[6:8])
	parityShards = binary.BigEndian.Uint16(b[8:10])
	shard = append([]byte(nil), b[10:]...)
	return
}

// dummySender adapts Session to cover.Sender.
type dummySender struct{ s *Session }

func (d dummySender) SendDummy(pathID uint8, size int) error {
	d.s.mu.Lock()
	pc := d.s.paths[multipath.PathID(pathID)]
	d.s.mu.Unlock()
	if pc == nil {
		return ErrNoControlPath
	}
	padding := make([]byte, size)
	return d.s.sendFrame(pc, &frame.Frame{Type: frame.Padding, Payload: padding})
}

// SendFECProtected encodes data (typically a concatenation of several
// frame.Encode outputs) into Reed-Solomon shards at the current adaptive
// redundancy level and transmits each as its own Plugin(pluginFECShard)
// frame on the given path, so the peer can reconstruct the whole batch
// even if some shards are lost, without a retransmission round-trip.
func (s *Session) SendFECProtected(pathID multipath.PathID, data []byte) error {
	if s.fecCodec == nil {
		return ErrNotEstablished
	}
	s.mu.Lock()
	pc := s.paths[pathID]
	s.mu.Unlock()
	if pc == nil {
		return ErrNoControlPath
	}
	shards, dataShards, err := s.fecCodec.Encode(data, s.fecRedundancy.Current())
	if err != nil {
		return err
	}
	groupID := pc.fecGroupSeq
	pc.fecGroupSeq++
	parityShards := len(shards) - dataShards
	for i, shard := range shards {
		hdr := encodeFECHeader(groupID, uint16(i), uint16(dataShards), uint16(parityShards))
		payload := append(hdr, shard...)
		if err := s.sendFrame(pc, &frame.Frame{Type: frame.Plugin, PluginID: pluginFECShard, Payload: payload}); err != nil {
			return err
		}
	}
	return nil
}
