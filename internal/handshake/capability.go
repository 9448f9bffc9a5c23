package handshake

import (
	"github.com/fxamacker/cbor/v2"
)

// FlagRequired marks a capability as mandatory: if the peer does not
// implement it, the handshake fails with CapabilityMismatch (spec §4.2).
const FlagRequired uint8 = 1 << 0

// Well-known capability IDs this implementation understands locally.
const (
	CapCore      uint32 = 0x0001 // base protocol; always supported
	CapMultipath uint32 = 0x0002 // multiple concurrent paths
	CapPQHybrid  uint32 = 0x0003 // hybrid post-quantum key agreement
)

// Capability is one entry of the capability list piggybacked on the first
// handshake message, serialized as a CBOR array of maps per spec §6
// ("concise-binary-object array of maps {id, flags, data}").
type Capability struct {
	ID    uint32 `cbor:"id"`
	Flags uint8  `cbor:"flags"`
	Data  []byte `cbor:"data,omitempty"`
}

// Required reports whether this capability's FlagRequired bit is set.
func (c Capability) Required() bool { return c.Flags&FlagRequired != 0 }

// CapabilitySet is the advertised or negotiated capability list for one
// side of a handshake.
type CapabilitySet []Capability

// Supports reports whether id is present in the set.
func (cs CapabilitySet) Supports(id uint32) bool {
	for _, c := range cs {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Get returns the capability with the given ID, if present.
func (cs CapabilitySet) Get(id uint32) (Capability, bool) {
	for _, c := range cs {
		if c.ID == id {
			return c, true
		}
	}
	return Capability{}, false
}

// MarshalCapabilities serializes a CapabilitySet to its wire form.
func MarshalCapabilities(cs CapabilitySet) ([]byte, error) {
	return cbor.Marshal([]Capability(cs))
}

// UnmarshalCapabilities parses a wire-form capability list.
func UnmarshalCapabilities(b []byte) (CapabilitySet, error) {
	var caps []Capability
	if err := cbor.Unmarshal(b, &caps); err != nil {
		return nil, err
	}
	return CapabilitySet(caps), nil
}

// DefaultLocalCapabilities is what a stock Nyx endpoint advertises.
func DefaultLocalCapabilities(pqMode PQMode) CapabilitySet {
	caps := CapabilitySet{
		{ID: CapCore, Flags: FlagRequired},
		{ID: CapMultipath},
	}
	if pqMode != PQOff {
		flags := uint8(0)
		if pqMode == PQOnly {
			flags = FlagRequired
		}
		caps = append(caps, Capability{ID: CapPQHybrid, Flags: flags})
	}
	return caps
}

// unsupportedRequired scans remote for a Required capability this engine's
// local set does not implement, returning its ID. Used to implement the
// "capability closure" testable property (spec §8): if the peer advertises
// a Required capability not in local support, the connection closes with
// code 0x07 and the ID in the body.
func unsupportedRequired(local, remote CapabilitySet) (uint32, bool) {
	for _, c := range remote {
		if c.Required() && !local.Supports(c.ID) {
			return c.ID, true
		}
	}
	return 0, false
}
