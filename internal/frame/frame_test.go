package frame

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripAllTypes(t *testing.T) {
	types := []Type{Padding, Stream, Ack, Crypto, Rekey, Management, Plugin}
	for _, typ := range types {
		f := &Frame{
			Type:        typ,
			EndOfStream: typ == Stream,
			HasPathID:   true,
			PathID:      7,
			Payload:     []byte("hello world"),
		}
		if typ == Plugin {
			f.PluginID = 0x53
		}
		b, err := Encode(f)
		require.NoError(t, err)

		got, n, err := Decode(b)
		require.NoError(t, err)
		require.Equal(t, len(b), n)
		require.Equal(t, f.Type, got.Type)
		require.Equal(t, f.HasPathID, got.HasPathID)
		require.Equal(t, f.PathID, got.PathID)
		require.Equal(t, f.Payload, got.Payload)
		if typ == Stream {
			require.True(t, got.EndOfStream)
		}
		if typ == Plugin {
			require.Equal(t, uint8(0x53), got.PluginID)
		}
	}
}

func TestRoundTripRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	types := []Type{Padding, Stream, Ack, Crypto, Rekey, Management, Plugin}
	for i := 0; i < 500; i++ {
		typ := types[rng.Intn(len(types))]
		payload := make([]byte, rng.Intn(300))
		rng.Read(payload)
		f := &Frame{
			Type:        typ,
			EndOfStream: rng.Intn(2) == 0,
			HasPathID:   rng.Intn(2) == 0,
			PathID:      uint8(rng.Intn(256)),
			Payload:     payload,
		}
		if typ == Plugin {
			f.PluginID = uint8(0x50 + rng.Intn(16))
		}
		b, err := Encode(f)
		require.NoError(t, err)
		got, n, err := Decode(b)
		require.NoError(t, err)
		require.Equal(t, len(b), n)
		require.Equal(t, f.Type, got.Type)
		require.Equal(t, f.Payload, got.Payload)
	}
}

func TestEncodeTooLarge(t *testing.T) {
	f := &Frame{Type: Stream, Payload: make([]byte, maxPayloadLen+1)}
	_, err := Encode(f)
	require.ErrorIs(t, err, ErrEncodeTooLarge)
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := Decode([]byte{0x01, 0x00})
	require.ErrorIs(t, err, ErrTruncated)

	f := &Frame{Type: Stream, HasPathID: true, PathID: 3, Payload: []byte("abc")}
	b, err := Encode(f)
	require.NoError(t, err)
	_, _, err = Decode(b[:len(b)-1])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeInvalidFlags(t *testing.T) {
	f := &Frame{Type: Stream, HasPathID: false, Payload: []byte("x")}
	b, err := Encode(f)
	require.NoError(t, err)
	// Corrupt the multipath_enabled bit so it disagrees with has_path_id.
	b[1] |= 0x80
	_, _, err = Decode(b)
	require.ErrorIs(t, err, ErrInvalidFlags)
}

func TestDecodeUnknownFrameType(t *testing.T) {
	b := []byte{0xC0 | (0x0F << 1), 0x00, 0x00, 0x00}
	_, _, err := Decode(b)
	require.ErrorIs(t, err, ErrUnknownFrameType)
}

func TestPluginIDOutOfBand(t *testing.T) {
	f := &Frame{Type: Plugin, PluginID: 0x10, Payload: []byte("x")}
	_, err := Encode(f)
	require.ErrorIs(t, err, ErrPluginIDOutOfBand)
}
