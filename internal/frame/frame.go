// Package frame implements the §4.1 frame codec: translation between
// in-memory frame records and the bit-packed wire header spec §6 fixes.
// Decoding is zero-copy: Frame.Payload borrows into the input slice.
package frame

import (
	"errors"
)

// Type identifies the broad kind of a frame. The wire header only carries
// two class bits plus a four-bit subtype (see classSubtype); Type is the
// resolved (class, subtype) pair exposed to callers.
type Type uint8

const (
	Padding Type = iota
	Stream
	Ack
	Crypto
	Rekey
	Management
	Plugin
)

func (t Type) String() string {
	switch t {
	case Padding:
		return "Padding"
	case Stream:
		return "Stream"
	case Ack:
		return "Ack"
	case Crypto:
		return "Crypto"
	case Rekey:
		return "Rekey"
	case Management:
		return "Management"
	case Plugin:
		return "Plugin"
	default:
		return "Unknown"
	}
}

type class uint8

const (
	classData class = iota
	classControl
	classPlugin
	classReserved
)

// classSubtype returns the wire (class, subtype) pair for a Type. Plugin
// frames carry their wire-visible subtype in [0x50, 0x5F]; internally it is
// stored as a 4-bit offset (0-15) from 0x50, which Encode and Decode
// translate to and from the Frame.PluginID field.
func classSubtype(t Type) (class, uint8, error) {
	switch t {
	case Padding:
		return classData, 0, nil
	case Stream:
		return classData, 1, nil
	case Ack:
		return classData, 2, nil
	case Crypto:
		return classControl, 0, nil
	case Rekey:
		return classControl, 1, nil
	case Management:
		return classControl, 2, nil
	case Plugin:
		return classPlugin, 0, nil
	default:
		return 0, 0, ErrUnknownFrameType
	}
}

func typeFromClassSubtype(c class, subtype uint8) (Type, error) {
	switch c {
	case classData:
		switch subtype {
		case 0:
			return Padding, nil
		case 1:
			return Stream, nil
		case 2:
			return Ack, nil
		}
	case classControl:
		switch subtype {
		case 0:
			return Crypto, nil
		case 1:
			return Rekey, nil
		case 2:
			return Management, nil
		}
	case classPlugin:
		return Plugin, nil
	}
	return 0, ErrUnknownFrameType
}

// Errors returned by Encode/Decode, matching spec §4.1 exactly.
var (
	ErrEncodeTooLarge    = errors.New("frame: payload exceeds 15-bit length field")
	ErrTruncated         = errors.New("frame: truncated")
	ErrUnknownFrameType  = errors.New("frame: unknown frame type")
	ErrInvalidFlags      = errors.New("frame: invalid flags")
	ErrPluginIDOutOfBand = errors.New("frame: plugin subtype must be in [0x50, 0x5F]")
)

// maxPayloadLen is the wire capacity of the 15-bit length field. The
// configured max_frame_len_bytes cap (spec §6 table, default 16383) is
// enforced by callers (the stream manager / session orchestrator), not by
// this codec, which only rejects what literally cannot fit on the wire.
const maxPayloadLen = 1<<15 - 1

// HeaderLen is the base header size before the optional PathID byte.
const HeaderLen = 4

// Frame is the in-memory representation of one wire frame.
type Frame struct {
	Type Type

	// EndOfStream is the Stream-frame "last frame" marker (flags bit 0).
	EndOfStream bool

	// HasPathID indicates a PathID byte follows the base header.
	HasPathID bool
	PathID    uint8

	// PluginID is meaningful only when Type == Plugin, and must be in
	// [0x50, 0x5F].
	PluginID uint8

	// Payload is the frame body. On Decode it borrows into the input
	// slice; callers that retain a Frame past the lifetime of the input
	// buffer must copy it themselves.
	Payload []byte
}

// Encode serializes f into a newly allocated buffer: HeaderLen (+1 if
// HasPathID) bytes of header followed by the payload.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Payload) > maxPayloadLen {
		return nil, ErrEncodeTooLarge
	}
	c, subtype, err := classSubtype(f.Type)
	if err != nil {
		return nil, err
	}
	if f.Type == Plugin {
		if f.PluginID < 0x50 || f.PluginID > 0x5F {
			return nil, ErrPluginIDOutOfBand
		}
		subtype = f.PluginID - 0x50
	}

	hlen := HeaderLen
	if f.HasPathID {
		hlen++
	}
	buf := make([]byte, hlen+len(f.Payload))

	var flags uint8
	if f.HasPathID {
		flags |= 1 << 5
	}
	flags |= (subtype & 0x0F) << 1
	if f.EndOfStream {
		flags |= 1
	}
	buf[0] = uint8(c)<<6 | flags&0x3F

	length := uint16(len(f.Payload))
	buf[1] = byte(length >> 8 & 0x7F)
	if f.HasPathID {
		buf[1] |= 1 << 7
	}
	buf[2] = byte(length & 0xFF)
	buf[3] = 0 // reserved

	i := HeaderLen
	if f.HasPathID {
		buf[i] = f.PathID
		i++
	}
	copy(buf[i:], f.Payload)
	return buf, nil
}

// Decode parses the frame at the start of b, returning the parsed Frame and
// the number of bytes consumed. The Payload field borrows into b.
func Decode(b []byte) (*Frame, int, error) {
	if len(b) < HeaderLen {
		return nil, 0, ErrTruncated
	}

	c := class(b[0] >> 6)
	flags := b[0] & 0x3F
	hasPathIDFlag := flags&(1<<5) != 0
	subtype := (flags >> 1) & 0x0F
	endOfStream := flags&1 != 0

	multipathEnabled := b[1]&0x80 != 0
	if multipathEnabled != hasPathIDFlag {
		return nil, 0, ErrInvalidFlags
	}

	length := uint16(b[1]&0x7F)<<8 | uint16(b[2])

	hlen := HeaderLen
	if hasPathIDFlag {
		hlen++
	}
	if len(b) < hlen {
		return nil, 0, ErrTruncated
	}

	typ, err := typeFromClassSubtype(c, subtype)
	if err != nil {
		return nil, 0, err
	}

	var pathID uint8
	i := HeaderLen
	if hasPathIDFlag {
		pathID = b[HeaderLen]
		i = HeaderLen + 1
	}

	total := hlen + int(length)
	if len(b) < total {
		return nil, 0, ErrTruncated
	}

	f := &Frame{
		Type:        typ,
		EndOfStream: endOfStream,
		HasPathID:   hasPathIDFlag,
		PathID:      pathID,
		Payload:     b[i:total],
	}
	if typ == Plugin {
		f.PluginID = 0x50 + subtype
	}
	return f, total, nil
}
