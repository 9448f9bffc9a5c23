// Package rekey implements the §4.3 rekey manager: triggered session-key
// rotation, a grace window for decrypting packets still in flight under the
// previous key, and zeroization of retired key material. The freshly
// sampled key is sealed the same way stream/stream.go seals frame payloads (secretbox
// keyed by the handshake's dedicated send-rekey/receive-rekey labels rather
// than the data keys), giving the wire-level Rekey frame an HPKE-shaped
// seal without a separate public-key step.
package rekey

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/SeleniaProject/Nyx-sub000/internal/keys"
	"github.com/SeleniaProject/Nyx-sub000/internal/replay"
)

// Trigger identifies why a rotation was initiated (spec §4.3).
type Trigger uint8

const (
	TriggerBytes Trigger = iota
	TriggerInterval
	TriggerPCR
	TriggerPeer
)

func (t Trigger) String() string {
	switch t {
	case TriggerBytes:
		return "bytes"
	case TriggerInterval:
		return "interval"
	case TriggerPCR:
		return "pcr"
	case TriggerPeer:
		return "peer"
	default:
		return "unknown"
	}
}

var (
	ErrRekeyGenerationFailure = errors.New("rekey: key generation failure")
	ErrRekeySealFailure       = errors.New("rekey: seal failure")
	ErrRekeyOpenFailure       = errors.New("rekey: open failure")
	ErrCooldownActive         = errors.New("rekey: cooldown active")
	ErrMalformedPayload       = errors.New("rekey: malformed payload")
)

const nonceLen = 24

// Config holds the rotation thresholds, spec §6's `rekey_bytes`,
// `rekey_interval`, `grace_packets`, `grace_duration`.
type Config struct {
	ByteThreshold uint64
	Interval      time.Duration
	GraceDuration time.Duration
	GracePackets  int
	Cooldown      time.Duration
}

// DefaultConfig returns spec §4.3's stated defaults: 1 GiB / 10 minutes,
// grace of min(30s, 8192 packets), 5s cooldown.
func DefaultConfig() Config {
	return Config{
		ByteThreshold: 1 << 30,
		Interval:      10 * time.Minute,
		GraceDuration: 30 * time.Second,
		GracePackets:  8192,
		Cooldown:      5 * time.Second,
	}
}

// skewThreshold is how much spread between the fastest and slowest active
// path's RTT SkewAdjustedGrace tolerates before widening the grace window;
// below this, ordinary multipath RTT variance isn't worth reacting to.
const skewThreshold = 50 * time.Millisecond

// SkewAdjustedGrace widens base by the amount rttSkew exceeds skewThreshold.
// Rekey keys are connection-wide (a rotation on one path applies to every
// path), so a grace window sized for the fastest path can expire before a
// slower path's packets, sent under the pre-rotation key, arrive; widening
// it by the excess skew keeps those packets inside the grace window instead
// of being dropped as undecryptable. Skew at or below the threshold leaves
// base untouched.
func SkewAdjustedGrace(base, rttSkew time.Duration) time.Duration {
	if rttSkew <= skewThreshold {
		return base
	}
	return base + (rttSkew - skewThreshold)
}

type graceSlot struct {
	key         *keys.SessionKey
	deadline    time.Time
	packetsLeft int
	active      bool
}

// Manager owns one connection's send and receive session keys, plus the
// previous receive key's grace slot. Not safe for concurrent use from
// multiple goroutines without the caller's own synchronization, save for
// the internal mutex guarding grace-slot bookkeeping shared between the
// send-triggering path and the receive decode path.
type Manager struct {
	mu  sync.Mutex
	log *log.Logger
	cfg Config
	rnd io.Reader

	sendRekeyKey [32]byte
	recvRekeyKey [32]byte

	sendKey    *keys.SessionKey
	recvKey    *keys.SessionKey
	recvWindow *replay.Window

	grace graceSlot

	lastRotation time.Time
	graceUsed    uint64
}

// New constructs a Manager from the handshake's four directional keys
// (SendData/ReceiveData become the initial session keys; SendRekey/
// ReceiveRekey seal and open future rotations).
func New(cfg Config, rnd io.Reader, logger *log.Logger,
	sendRekeyKey, recvRekeyKey, sendData, recvData [32]byte,
	recvWindow *replay.Window, now time.Time) *Manager {

	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		log:          logger.WithPrefix("rekey"),
		cfg:          cfg,
		rnd:          rnd,
		sendRekeyKey: sendRekeyKey,
		recvRekeyKey: recvRekeyKey,
		sendKey:      keys.NewSessionKey(sendData, keys.Send, now),
		recvKey:      keys.NewSessionKey(recvData, keys.Receive, now),
		recvWindow:   recvWindow,
		lastRotation: now,
	}
}

// SendKey returns the current send key.
func (m *Manager) SendKey() *keys.SessionKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendKey
}

// RecvKey returns the current receive key.
func (m *Manager) RecvKey() *keys.SessionKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recvKey
}

// GraceUsedCount returns how many times the grace slot has successfully
// decrypted a packet under the previous key, the telemetry counter spec
// §8 scenario 4 checks.
func (m *Manager) GraceUsedCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graceUsed
}

// SetGraceDuration adjusts the grace window for future rotations. Exposed
// so the session orchestrator can widen it when the multipath scheduler
// reports high inter-path RTT skew (spec §9 open question).
func (m *Manager) SetGraceDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.GraceDuration = d
}

// ShouldRotateSend reports whether a send-key rotation is due from the
// byte or interval triggers, gated by the cooldown.
func (m *Manager) ShouldRotateSend(now time.Time) (Trigger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastRotation) < m.cfg.Cooldown {
		return 0, false
	}
	if m.sendKey.BytesSent() >= m.cfg.ByteThreshold {
		return TriggerBytes, true
	}
	if now.Sub(m.sendKey.InstalledAt) >= m.cfg.Interval {
		return TriggerInterval, true
	}
	return 0, false
}

// AddSentBytes accounts n bytes sent under the current send key.
func (m *Manager) AddSentBytes(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendKey.AddBytes(n)
}

// RotateSend samples a fresh 32-byte key, seals it under sendRekeyKey, and
// installs it as the new send key (sequence restarts at 0, satisfying the
// "old key is unusable for sends" invariant since nothing retains it).
// trigger PCR bypasses the cooldown gate; all others must have already
// passed ShouldRotateSend.
func (m *Manager) RotateSend(now time.Time, trigger Trigger) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if trigger != TriggerPCR && now.Sub(m.lastRotation) < m.cfg.Cooldown {
		return nil, ErrCooldownActive
	}

	var fresh [32]byte
	if _, err := io.ReadFull(m.rnd, fresh[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRekeyGenerationFailure, err)
	}

	var nonce [nonceLen]byte
	if _, err := io.ReadFull(m.rnd, nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRekeyGenerationFailure, err)
	}

	sealed := secretbox.Seal(nil, fresh[:], &nonce, &m.sendRekeyKey)
	payload := make([]byte, 0, nonceLen+len(sealed))
	payload = append(payload, nonce[:]...)
	payload = append(payload, sealed...)

	old := m.sendKey
	m.sendKey = keys.NewSessionKey(fresh, keys.Send, now)
	old.Destroy()
	m.lastRotation = now

	m.log.Debugf("send key rotated trigger=%s", trigger)
	return payload, nil
}

// HandlePeerRekey opens a peer-sent Rekey frame payload, moves the current
// receive key into the grace slot, installs the newly revealed key as the
// receive key, and resets the replay window (spec §4.3: "reset atomically
// with the key swap").
func (m *Manager) HandlePeerRekey(payload []byte, now time.Time) error {
	if len(payload) < nonceLen+secretbox.Overhead {
		return ErrMalformedPayload
	}
	var nonce [nonceLen]byte
	copy(nonce[:], payload[:nonceLen])

	opened, ok := secretbox.Open(nil, payload[nonceLen:], &nonce, &m.recvRekeyKey)
	if !ok || len(opened) != keys.Size {
		return ErrRekeyOpenFailure
	}
	var fresh [32]byte
	copy(fresh[:], opened)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireGraceLocked()
	m.grace = graceSlot{
		key:         m.recvKey,
		deadline:    now.Add(m.cfg.GraceDuration),
		packetsLeft: m.cfg.GracePackets,
		active:      true,
	}
	m.recvKey = keys.NewSessionKey(fresh, keys.Receive, now)
	if m.recvWindow != nil {
		m.recvWindow.Reset()
	}
	m.log.Debug("receive key rotated trigger=peer")
	return nil
}

// TryGrace returns the grace-slot key if it is still active (neither the
// deadline nor the packet budget has been exhausted). Callers must call
// ConsumeGracePacket after a successful decrypt under this key.
func (m *Manager) TryGrace(now time.Time) (*keys.SessionKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.grace.active {
		return nil, false
	}
	if now.After(m.grace.deadline) || m.grace.packetsLeft <= 0 {
		m.expireGraceLocked()
		return nil, false
	}
	return m.grace.key, true
}

// ConsumeGracePacket records one successful grace-slot decrypt, counting
// toward both the grace_used telemetry counter and the packet budget.
func (m *Manager) ConsumeGracePacket() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.grace.active {
		return
	}
	m.graceUsed++
	m.grace.packetsLeft--
	if m.grace.packetsLeft <= 0 {
		m.expireGraceLocked()
	}
}

// ExpireIfDue zeroizes and deactivates an expired grace slot. The session
// orchestrator calls this from its timer loop so an idle grace slot does
// not wait for the next packet to be wiped.
func (m *Manager) ExpireIfDue(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grace.active && (now.After(m.grace.deadline) || m.grace.packetsLeft <= 0) {
		m.expireGraceLocked()
	}
}

func (m *Manager) expireGraceLocked() {
	if m.grace.key != nil {
		m.grace.key.Destroy()
	}
	m.grace = graceSlot{}
}

// Destroy zeroizes every key this Manager holds: the send key, receive
// key, and an active grace key, on every connection exit path (spec §9
// "every session-key and rekey-secret lifetime ends with a guaranteed
// overwrite").
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendKey.Destroy()
	m.recvKey.Destroy()
	m.expireGraceLocked()
}
