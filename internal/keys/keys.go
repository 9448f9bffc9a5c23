// Package keys holds session-key material in locked, zeroizable memory.
// Every session-key and rekey-secret lifetime ends with a guaranteed
// overwrite on all exit paths (spec §9, "Key zeroization"), implemented
// here with github.com/awnumar/memguard's LockedBuffer, the same
// dependency the teacher repo's go.mod carries.
package keys

import (
	"time"

	"github.com/awnumar/memguard"
)

// Direction distinguishes a send key from a receive key, per spec §3.
type Direction uint8

const (
	Send Direction = iota
	Receive
)

// Size is the fixed session-key length (32 bytes, spec §3).
const Size = 32

// SessionKey is a 32-byte symmetric key with a direction, a monotonic
// sequence counter, an installation timestamp, and a cumulative byte
// counter. The invariants from spec §3 (the pair (key, sequence) is never
// reused; the counter only increases; keys are zeroized on replacement or
// connection drop) are enforced by the rekey manager and stream manager
// that own a SessionKey's lifecycle; this type only guarantees the memory
// itself is locked and wiped.
type SessionKey struct {
	buf *memguard.LockedBuffer

	Direction   Direction
	InstalledAt time.Time

	sequence uint64
	bytes    uint64
}

// NewSessionKey takes ownership of key (copying it into locked memory) and
// returns a SessionKey. The caller's key slice is not itself wiped; callers
// should pass a buffer they are prepared to let memguard manage via its own
// copy, or wipe their copy immediately after this call returns.
func NewSessionKey(key [Size]byte, dir Direction, installedAt time.Time) *SessionKey {
	buf := memguard.NewBufferFromBytes(key[:])
	return &SessionKey{buf: buf, Direction: dir, InstalledAt: installedAt}
}

// Bytes returns the raw key bytes. The returned slice aliases locked
// memory and must not be retained past the SessionKey's lifetime.
func (k *SessionKey) Bytes() []byte {
	return k.buf.Bytes()
}

// NextSequence returns the next sequence number and advances the counter.
// Enforces the "counter only increases" invariant by construction: there
// is no way to rewind it.
func (k *SessionKey) NextSequence() uint64 {
	s := k.sequence
	k.sequence++
	return s
}

// Sequence returns the current sequence counter without advancing it.
func (k *SessionKey) Sequence() uint64 { return k.sequence }

// AddBytes accumulates n into the cumulative byte counter used by the
// rekey manager's 1GB-sent trigger.
func (k *SessionKey) AddBytes(n uint64) { k.bytes += n }

// BytesSent returns the cumulative byte counter.
func (k *SessionKey) BytesSent() uint64 { return k.bytes }

// Destroy wipes the underlying locked memory. Safe to call more than once.
func (k *SessionKey) Destroy() {
	if k.buf != nil {
		k.buf.Destroy()
	}
}

// PurgeAll is called on fatal connection teardown to guarantee every
// session key still referenced is wiped, regardless of which exit path
// triggered the teardown (spec §9: "every session-key and rekey-secret
// lifetime ends with a guaranteed overwrite on all exit paths").
func PurgeAll(ks ...*SessionKey) {
	for _, k := range ks {
		if k != nil {
			k.Destroy()
		}
	}
}
