// Package handshake implements the §4.2 hybrid handshake engine: a
// three-message Noise-XX-derived pattern where each message carries a
// classical X25519 ephemeral public key and, where both sides support it
// (capability CapPQHybrid), a Kyber768 KEM share. The shared secret
// concatenates the classical and post-quantum secrets and is expanded via
// HKDF into four labeled keys (send-data, receive-data, send-rekey,
// receive-rekey), the same salted-HKDF-with-labeled-readers construction
// stream/stream.go's exchange() uses for frame keys.
package handshake

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// PQMode selects the post-quantum policy, the Config.pq_mode option from
// spec §6.
type PQMode uint8

const (
	PQOff PQMode = iota
	PQHybrid
	PQOnly
)

// Role distinguishes the handshake initiator from the responder; both run
// the same Engine type but take different branches of HandleMessage.
type Role uint8

const (
	Initiator Role = iota
	Responder
)

// State is the handshake state machine: Initial -> AwaitingResponse (or
// AwaitingFinal for the responder) -> Established; any failure transitions
// to Failed.
type State uint8

const (
	Initial State = iota
	AwaitingResponse
	AwaitingFinal
	Established
	Failed
)

func (s State) String() string {
	switch s {
	case Initial:
		return "Initial"
	case AwaitingResponse:
		return "AwaitingResponse"
	case AwaitingFinal:
		return "AwaitingFinal"
	case Established:
		return "Established"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// FailureKind enumerates the ways a handshake can fail (spec §4.2).
type FailureKind uint8

const (
	FailNone FailureKind = iota
	FailCryptoError
	FailCapabilityMismatch
	FailMessageTooShort
	FailTimeout
	FailReplayedInitialMessage
)

// Errors returned by Engine methods, matching spec §4.2's named failure
// modes.
var (
	ErrCryptoError    = errors.New("handshake: invalid key material")
	ErrMessageTooShort = errors.New("handshake: message too short")
	ErrTimeout        = errors.New("handshake: timed out")
	ErrReplayedInitial = errors.New("handshake: replayed initial message")
	ErrWrongState     = errors.New("handshake: message received in wrong state")
)

// CapabilityMismatchError carries the offending Required capability ID, so
// the session orchestrator can emit a Close frame with reason code
// UnsupportedCapability (0x07) and that 4-byte ID as its body.
type CapabilityMismatchError struct {
	ID uint32
}

func (e *CapabilityMismatchError) Error() string {
	return fmt.Sprintf("handshake: peer requires unsupported capability 0x%08x", e.ID)
}

// DerivedKeys is the four labeled session keys this handshake produces.
type DerivedKeys struct {
	SendData     [32]byte
	ReceiveData  [32]byte
	SendRekey    [32]byte
	ReceiveRekey [32]byte
}

// message1 is the initiator's opening message: classical ephemeral key,
// optional PQ KEM public key, and the capability list.
type message1 struct {
	ClassicalPub [32]byte     `cbor:"cpk"`
	PQPub        []byte       `cbor:"ppk,omitempty"`
	Capabilities []Capability `cbor:"caps"`
}

// message2 is the responder's reply: its own classical ephemeral key, the
// PQ ciphertext encapsulated against the initiator's PQ public key (if
// both sides support CapPQHybrid), and the responder's capability list.
type message2 struct {
	ClassicalPub [32]byte     `cbor:"cpk"`
	PQCiphertext []byte       `cbor:"pct,omitempty"`
	Capabilities []Capability `cbor:"caps"`
}

// message3 is the initiator's final confirmation: an HMAC over the
// transcript keyed by the combined shared secret, proving both sides reached the same shared secret before any data
// frame is accepted (spec invariant ii: data frames never precede
// handshake completion).
type message3 struct {
	Confirm [32]byte `cbor:"cf"`
}

// Engine drives one side of one handshake. Not safe for concurrent use;
// the session orchestrator owns it exclusively for the lifetime of the
// connection's single in-flight handshake (spec invariant i).
type Engine struct {
	role    Role
	pqMode  PQMode
	rnd     io.Reader
	state   State
	failure FailureKind

	local CapabilitySet

	classicalPriv [32]byte
	classicalPub  [32]byte

	pqScheme kem.Scheme
	pqPub    kem.PublicKey
	pqPriv   kem.PrivateKey

	peerClassicalPub [32]byte
	peerCapabilities CapabilitySet

	sharedSecret []byte
	transcript   []byte
	keys         *DerivedKeys

	// seenInitial guards against ReplayedInitialMessage: a responder
	// Engine instance is single-use (one per connection attempt), so a
	// second Message1 delivered to the same Engine after it has already
	// advanced past Initial is necessarily a replay or duplicate.
	seenInitial bool
}

// New creates a handshake Engine for the given role. rnd must be
// cryptographically strong (the RandomSource collaborator, spec §6).
func New(role Role, rnd io.Reader, localCaps CapabilitySet, pqMode PQMode) (*Engine, error) {
	e := &Engine{role: role, rnd: rnd, local: localCaps, pqMode: pqMode}

	priv := make([]byte, 32)
	if _, err := io.ReadFull(rnd, priv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	copy(e.classicalPriv[:], priv)
	pub, err := curve25519.X25519(e.classicalPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	copy(e.classicalPub[:], pub)

	if pqMode != PQOff {
		e.pqScheme = kyber768.Scheme()
		pk, sk, err := e.pqScheme.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoError, err)
		}
		e.pqPub, e.pqPriv = pk, sk
	}

	return e, nil
}

// State returns the current handshake state.
func (e *Engine) State() State { return e.state }

// Failure returns the recorded failure kind, or FailNone.
func (e *Engine) Failure() FailureKind { return e.failure }

// Keys returns the derived session keys once Established; nil otherwise.
func (e *Engine) Keys() *DerivedKeys { return e.keys }

// NegotiatedCapabilities returns the peer's advertised capability set.
func (e *Engine) NegotiatedCapabilities() CapabilitySet { return e.peerCapabilities }

func (e *Engine) fail(kind FailureKind) {
	e.state = Failed
	e.failure = kind
}

// Abort externally fails the handshake, e.g. on a Clock-driven timeout
// observed by the session orchestrator (the Engine itself performs no I/O
// and has no notion of time).
func (e *Engine) Abort(kind FailureKind) {
	e.fail(kind)
}

// Start begins the handshake as the initiator, returning the serialized
// Message1 to send on the control path.
func (e *Engine) Start() ([]byte, error) {
	if e.role != Initiator || e.state != Initial {
		return nil, ErrWrongState
	}
	m := message1{
		ClassicalPub: e.classicalPub,
		Capabilities: e.local,
	}
	if e.pqMode != PQOff {
		m.PQPub, _ = e.pqPub.MarshalBinary()
	}
	b, err := cbor.Marshal(&m)
	if err != nil {
		e.fail(FailCryptoError)
		return nil, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	e.transcript = append(e.transcript, b...)
	e.state = AwaitingResponse
	return b, nil
}

// HandleMessage processes one incoming handshake message, returning a
// reply to send (nil if none) and whether the handshake is now complete
// (Established or Failed).
func (e *Engine) HandleMessage(msg []byte) (reply []byte, done bool, err error) {
	switch {
	case e.role == Responder && e.state == Initial:
		return e.handleMessage1(msg)
	case e.role == Initiator && e.state == AwaitingResponse:
		return e.handleMessage2(msg)
	case e.role == Responder && e.state == AwaitingFinal:
		return e.handleMessage3(msg)
	default:
		e.fail(FailCryptoError)
		return nil, true, ErrWrongState
	}
}

func (e *Engine) handleMessage1(msg []byte) ([]byte, bool, error) {
	if e.seenInitial {
		e.fail(FailReplayedInitialMessage)
		return nil, true, ErrReplayedInitial
	}
	e.seenInitial = true

	if len(msg) < 32 {
		e.fail(FailMessageTooShort)
		return nil, true, ErrMessageTooShort
	}
	var m1 message1
	if err := cbor.Unmarshal(msg, &m1); err != nil {
		e.fail(FailCryptoError)
		return nil, true, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	e.transcript = append(e.transcript, msg...)
	e.peerClassicalPub = m1.ClassicalPub
	e.peerCapabilities = m1.Capabilities

	if id, bad := unsupportedRequired(e.local, e.peerCapabilities); bad {
		e.fail(FailCapabilityMismatch)
		return nil, true, &CapabilityMismatchError{ID: id}
	}

	classicalSecret, err := curve25519.X25519(e.classicalPriv[:], e.peerClassicalPub[:])
	if err != nil {
		e.fail(FailCryptoError)
		return nil, true, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}

	var pqSecret, pqCiphertext []byte
	usePQ := e.pqMode != PQOff && len(m1.PQPub) > 0 && e.peerCapabilities.Supports(CapPQHybrid)
	if usePQ {
		peerPQPub, err := e.pqScheme.UnmarshalBinaryPublicKey(m1.PQPub)
		if err != nil {
			e.fail(FailCryptoError)
			return nil, true, fmt.Errorf("%w: %v", ErrCryptoError, err)
		}
		ct, ss, err := e.pqScheme.Encapsulate(peerPQPub)
		if err != nil {
			e.fail(FailCryptoError)
			return nil, true, fmt.Errorf("%w: %v", ErrCryptoError, err)
		}
		pqCiphertext, pqSecret = ct, ss
	} else if e.pqMode == PQOnly {
		e.fail(FailCapabilityMismatch)
		return nil, true, &CapabilityMismatchError{ID: CapPQHybrid}
	}

	e.sharedSecret = combineSecrets(classicalSecret, pqSecret)

	m2 := message2{
		ClassicalPub: e.classicalPub,
		PQCiphertext: pqCiphertext,
		Capabilities: e.local,
	}
	b, err := cbor.Marshal(&m2)
	if err != nil {
		e.fail(FailCryptoError)
		return nil, true, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	e.transcript = append(e.transcript, b...)
	e.state = AwaitingFinal
	return b, false, nil
}

func (e *Engine) handleMessage2(msg []byte) ([]byte, bool, error) {
	if len(msg) < 32 {
		e.fail(FailMessageTooShort)
		return nil, true, ErrMessageTooShort
	}
	var m2 message2
	if err := cbor.Unmarshal(msg, &m2); err != nil {
		e.fail(FailCryptoError)
		return nil, true, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	e.transcript = append(e.transcript, msg...)
	e.peerClassicalPub = m2.ClassicalPub
	e.peerCapabilities = m2.Capabilities

	if id, bad := unsupportedRequired(e.local, e.peerCapabilities); bad {
		e.fail(FailCapabilityMismatch)
		return nil, true, &CapabilityMismatchError{ID: id}
	}

	classicalSecret, err := curve25519.X25519(e.classicalPriv[:], e.peerClassicalPub[:])
	if err != nil {
		e.fail(FailCryptoError)
		return nil, true, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}

	var pqSecret []byte
	usePQ := e.pqMode != PQOff && len(m2.PQCiphertext) > 0
	if usePQ {
		ss, err := e.pqScheme.Decapsulate(e.pqPriv, m2.PQCiphertext)
		if err != nil {
			e.fail(FailCryptoError)
			return nil, true, fmt.Errorf("%w: %v", ErrCryptoError, err)
		}
		pqSecret = ss
	} else if e.pqMode == PQOnly {
		e.fail(FailCapabilityMismatch)
		return nil, true, &CapabilityMismatchError{ID: CapPQHybrid}
	}

	e.sharedSecret = combineSecrets(classicalSecret, pqSecret)
	e.keys = deriveKeys(e.sharedSecret, e.transcript, e.role)

	confirm := confirmationTag(e.sharedSecret, e.transcript)
	m3 := message3{Confirm: confirm}
	b, err := cbor.Marshal(&m3)
	if err != nil {
		e.fail(FailCryptoError)
		return nil, true, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	e.state = Established
	return b, true, nil
}

func (e *Engine) handleMessage3(msg []byte) ([]byte, bool, error) {
	if len(msg) < 32 {
		e.fail(FailMessageTooShort)
		return nil, true, ErrMessageTooShort
	}
	var m3 message3
	if err := cbor.Unmarshal(msg, &m3); err != nil {
		e.fail(FailCryptoError)
		return nil, true, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}

	e.keys = deriveKeys(e.sharedSecret, e.transcript, e.role)
	want := confirmationTag(e.sharedSecret, e.transcript)
	if subtle.ConstantTimeCompare(want[:], m3.Confirm[:]) != 1 {
		e.fail(FailCryptoError)
		return nil, true, ErrCryptoError
	}
	e.state = Established
	return nil, true, nil
}

// combineSecrets concatenates the classical and (if present) post-quantum
// shared secrets, the hybrid construction spec §4.2 requires.
func combineSecrets(classical, pq []byte) []byte {
	out := make([]byte, 0, len(classical)+len(pq))
	out = append(out, classical...)
	out = append(out, pq...)
	return out
}

// deriveKeys expands the shared secret via HKDF into four labeled keys,
// assigning send/receive from each role's own perspective so both sides
// agree on which physical key is which direction.
func deriveKeys(secret, transcript []byte, role Role) *DerivedKeys {
	salt := sha256.Sum256(transcript)
	kdf := hkdf.New(sha256.New, secret, salt[:], []byte("nyx hybrid handshake v1"))

	var i2r, r2i, i2rRekey, r2iRekey [32]byte
	io.ReadFull(kdf, i2r[:])
	io.ReadFull(kdf, r2i[:])
	io.ReadFull(kdf, i2rRekey[:])
	io.ReadFull(kdf, r2iRekey[:])

	if role == Initiator {
		return &DerivedKeys{SendData: i2r, ReceiveData: r2i, SendRekey: i2rRekey, ReceiveRekey: r2iRekey}
	}
	return &DerivedKeys{SendData: r2i, ReceiveData: i2r, SendRekey: r2iRekey, ReceiveRekey: i2rRekey}
}

// confirmationTag authenticates that both sides reached the same shared
// secret before Established is reported, preventing a connection from
// delivering data under mismatched keys.
func confirmationTag(secret, transcript []byte) [32]byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(transcript)
	mac.Write([]byte("nyx handshake confirm"))
	sum := mac.Sum(nil)
	var out [32]byte
	copy(out[:], sum)
	return out
}
