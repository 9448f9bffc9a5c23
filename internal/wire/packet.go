// Package wire implements the on-the-wire packet envelope: a 12-byte
// connection ID, an 8-byte cleartext sequence number, and a ChaCha20-
// Poly1305-sealed, padded-to-1280-byte frame body. This sits below
// internal/frame (which only knows about the header/payload shape) and
// above internal/keys (which owns the key material); no pack example
// names ChaCha20-Poly1305 directly, but golang.org/x/crypto (the teacher's
// own dependency, already used here for curve25519/hkdf/nacl) ships it as
// golang.org/x/crypto/chacha20poly1305, so sealing stays inside the same
// module the handshake already depends on rather than reaching for a new
// one.
//
// The sequence number travels in the clear next to the CID because the
// transport is an unordered datagram socket: a receiver cannot otherwise
// know which nonce a given packet was sealed under. The key epoch is not
// carried on the wire — NextSequence resets to zero on every new
// SessionKey, so (key instance, sequence) is already a unique nonce
// without an epoch dimension. A receiver instead tries the current
// SessionKey first and falls back to the rekey manager's grace key
// (Manager.TryGrace) if that open fails, the same way WireGuard tries its
// current then previous key.
package wire

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/SeleniaProject/Nyx-sub000/internal/keys"
)

// CIDLen is the connection ID length prefixing every packet.
const CIDLen = 12

// SeqLen is the cleartext sequence-number field following the CID.
const SeqLen = 8

// HeaderLen is the total size of the unencrypted packet prefix.
const HeaderLen = CIDLen + SeqLen

// BodyLen is the fixed padded body size sealed by the AEAD (spec §6:
// "padded to exactly 1280 bytes before AEAD").
const BodyLen = 1280

var (
	ErrTruncated    = errors.New("wire: packet truncated")
	ErrSealTooLarge = errors.New("wire: body exceeds padded packet size")
	ErrOpenFailed   = errors.New("wire: AEAD open failed")
)

// nonce builds the 12-byte ChaCha20-Poly1305 nonce from the direction byte
// and the 8-byte big-endian sequence number, zero-padded to NonceSize.
func nonce(direction byte, seq uint64) [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	n[0] = direction
	binary.BigEndian.PutUint64(n[1:9], seq)
	return n
}

// Seal pads body (a frame.Encode output, or concatenation of several) to
// BodyLen with random fill, then seals it under key with a nonce derived
// from direction/seq. cid is authenticated as associated data so a sealed
// packet cannot be replayed under a different connection ID. seq is
// carried in cleartext immediately after cid so the receiver can recover
// the nonce without already knowing it.
func Seal(key *keys.SessionKey, direction byte, seq uint64, cid [CIDLen]byte, body []byte) ([]byte, error) {
	if len(body) > BodyLen {
		return nil, ErrSealTooLarge
	}
	padded := make([]byte, BodyLen)
	copy(padded, body)
	if _, err := rand.Read(padded[len(body):]); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, err
	}
	n := nonce(direction, seq)
	sealed := aead.Seal(nil, n[:], padded, cid[:])

	out := make([]byte, HeaderLen+len(sealed))
	copy(out, cid[:])
	binary.BigEndian.PutUint64(out[CIDLen:HeaderLen], seq)
	copy(out[HeaderLen:], sealed)
	return out, nil
}

// Open reverses Seal: it reads the cleartext cid/seq prefix, then
// authenticates and decrypts the remainder under key with the given
// direction, returning the BodyLen-byte padded body and the sequence
// number the packet carried (for the caller to feed the anti-replay
// window). Callers trim padding themselves using whatever length
// indicator (frame header field or FEC sentinel) applies.
func Open(key *keys.SessionKey, direction byte, packet []byte) (cid [CIDLen]byte, seq uint64, body []byte, err error) {
	if len(packet) < HeaderLen+chacha20poly1305.Overhead {
		return cid, 0, nil, ErrTruncated
	}
	copy(cid[:], packet[:CIDLen])
	seq = binary.BigEndian.Uint64(packet[CIDLen:HeaderLen])

	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return cid, seq, nil, err
	}
	n := nonce(direction, seq)
	opened, err := aead.Open(nil, n[:], packet[HeaderLen:], cid[:])
	if err != nil {
		return cid, seq, nil, ErrOpenFailed
	}
	return cid, seq, opened, nil
}
