package handshake

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ReplayCache records 0-RTT early-data request tags so the same cached
// pre-shared secret can't be replayed into a second connection attempt.
// Supplying one is what lets EarlyDataPolicy ever admit early data; the
// spec's 0-RTT open question explicitly forbids inventing a single-node
// cache here, so there is no default implementation in this package.
type ReplayCache interface {
	// CheckAndStore reports whether tag has already been recorded, storing
	// it if this is the first time it is seen.
	CheckAndStore(tag []byte) (alreadySeen bool)
}

// EarlyDataPolicy gates whether 0-RTT early data is accepted on a
// connection attempt. The zero value (no Cache) always rejects.
type EarlyDataPolicy struct {
	Cache ReplayCache
}

// Admit reports whether early data tagged by tag (typically a hash of the
// cached pre-shared secret plus the client's first-flight nonce) may be
// accepted. Without a Cache, data frames before handshake completion are
// always rejected (spec invariant ii's stated exception never applies).
func (p EarlyDataPolicy) Admit(tag []byte) bool {
	if p.Cache == nil {
		return false
	}
	return !p.Cache.CheckAndStore(tag)
}

// DeriveEarlyDataKey expands a cached pre-shared secret (established out of
// band, e.g. via a resumption ticket from a prior connection to the same
// peer) into a key for 0-RTT data, labeled distinctly from the main
// handshake's send/receive/rekey keys so an early-data key's compromise
// can never be mistaken for, or substituted into, the post-handshake
// session keys.
func DeriveEarlyDataKey(psk, context []byte) [32]byte {
	salt := sha256.Sum256(context)
	kdf := hkdf.New(sha256.New, psk, salt[:], []byte("nyx early data v1"))
	var key [32]byte
	io.ReadFull(kdf, key[:])
	return key
}
