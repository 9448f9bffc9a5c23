package nyx

import "fmt"

// Errors are classified by recoverability (spec §7). Local/transient
// errors (ErrWouldBlock) are never surfaced to Telemetry as failures;
// Path-level and Frame-level errors are handled internally and only
// escalate when they exhaust all paths; Stream-level errors close one
// stream without affecting the connection; Connection-fatal and
// Policy-fatal errors tear the whole connection down.

// ErrWouldBlock is returned by non-blocking Send/Recv calls that cannot
// make progress right now.
var ErrWouldBlock = fmt.Errorf("nyx: would block")

// PathError reports a path-level failure (spec §7: "mark path Inactive;
// failover; surface only if last path").
type PathError struct {
	PathID uint8
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("nyx: path %d: %s", e.PathID, e.Reason)
}

// FrameError reports a frame-level failure. These are dropped and
// counted, never surfaced as a connection failure on their own.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string { return "nyx: frame: " + e.Reason }

// StreamError reports a stream-level failure: the named stream is
// closed, the connection continues.
type StreamError struct {
	StreamID uint64
	Code     uint32
	Reason   string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("nyx: stream %d: %s (code %d)", e.StreamID, e.Reason, e.Code)
}

// HandshakeFailedKind mirrors the handshake engine's failure taxonomy at
// the public API boundary.
type HandshakeFailedKind uint8

const (
	HandshakeFailNone HandshakeFailedKind = iota
	HandshakeFailCrypto
	HandshakeFailCapabilityMismatch
	HandshakeFailMessageTooShort
	HandshakeFailTimeout
	HandshakeFailReplayedInitial
)

// ConnectionFatalError reports a connection-fatal failure (spec §7): a
// Close frame is sent and the connection tears down.
type ConnectionFatalError struct {
	Kind   HandshakeFailedKind
	Reason string
}

func (e *ConnectionFatalError) Error() string {
	return fmt.Sprintf("nyx: connection fatal: %s", e.Reason)
}

// CapabilityMismatchError is a Policy-fatal error (spec §7): the peer
// required a capability this side doesn't support. The wire Close frame
// carries code 0x07 followed by this ID, big-endian (spec §6, scenario 2).
type CapabilityMismatchError struct {
	ID uint32
}

func (e *CapabilityMismatchError) Error() string {
	return fmt.Sprintf("nyx: unsupported required capability 0x%08x", e.ID)
}

// CloseReasonUnsupportedCapability is the 2-byte Close-frame reason code
// for a CapabilityMismatchError (spec §6).
const CloseReasonUnsupportedCapability uint16 = 0x0007
