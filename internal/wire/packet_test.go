package wire

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SeleniaProject/Nyx-sub000/internal/keys"
)

func testKey() *keys.SessionKey {
	var k [keys.Size]byte
	for i := range k {
		k[i] = byte(i)
	}
	return keys.NewSessionKey(k, keys.Send, time.Now())
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey()
	var cid [CIDLen]byte
	copy(cid[:], []byte("connection12"))

	body := []byte("hello nyx")
	packet, err := Seal(key, 0, 42, cid, body)
	require.NoError(t, err)

	gotCID, gotSeq, opened, err := Open(key, 0, packet)
	require.NoError(t, err)
	require.Equal(t, cid, gotCID)
	require.Equal(t, uint64(42), gotSeq)
	require.Equal(t, body, opened[:len(body)])
	require.Len(t, opened, BodyLen)
}

func TestOpenRejectsTamperedSequence(t *testing.T) {
	key := testKey()
	var cid [CIDLen]byte
	packet, err := Seal(key, 0, 1, cid, []byte("x"))
	require.NoError(t, err)

	// Flip the cleartext sequence field without re-sealing: the nonce
	// Open derives no longer matches the one Seal used, so the AEAD tag
	// must fail to verify.
	binary.BigEndian.PutUint64(packet[CIDLen:HeaderLen], 2)

	_, _, _, err = Open(key, 0, packet)
	require.ErrorIs(t, err, ErrOpenFailed)
}

func TestOpenRejectsWrongDirection(t *testing.T) {
	key := testKey()
	var cid [CIDLen]byte
	packet, err := Seal(key, 0, 1, cid, []byte("x"))
	require.NoError(t, err)

	_, _, _, err = Open(key, 1, packet)
	require.ErrorIs(t, err, ErrOpenFailed)
}

func TestSealRejectsOversizeBody(t *testing.T) {
	key := testKey()
	var cid [CIDLen]byte
	_, err := Seal(key, 0, 0, cid, make([]byte, BodyLen+1))
	require.ErrorIs(t, err, ErrSealTooLarge)
}

func TestOpenRejectsTruncatedPacket(t *testing.T) {
	key := testKey()
	_, _, _, err := Open(key, 0, []byte("short"))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestSequenceCarriedInCleartextHeader(t *testing.T) {
	key := testKey()
	var cid [CIDLen]byte
	packet, err := Seal(key, 0, 9001, cid, []byte("payload"))
	require.NoError(t, err)

	require.Equal(t, uint64(9001), binary.BigEndian.Uint64(packet[CIDLen:HeaderLen]))
}
