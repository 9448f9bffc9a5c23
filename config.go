package nyx

import (
	"time"

	"github.com/SeleniaProject/Nyx-sub000/internal/handshake"
)

// Config holds every tunable the core recognizes (spec §6 configuration
// table).
type Config struct {
	// MaxPaths upper-bounds concurrently active paths, 1-8.
	MaxPaths int

	// MaxFrameLenBytes caps the payload length this side accepts,
	// enforced above the frame codec (which only rejects what the 15-bit
	// wire field cannot hold).
	MaxFrameLenBytes int

	// CoverLambdaBase is the baseline dummy-packet rate in packets/sec.
	CoverLambdaBase float64

	// LowPowerRatio is the cover lambda multiplier for the Background
	// power state. It is passed to the session but not applied: the cover
	// controller uses its own fixed Background factor of 0.4, and the
	// session never moves the controller off the Active power state.
	LowPowerRatio float64

	// RekeyBytes and RekeyInterval are the rekey manager's byte-count and
	// wall-clock triggers.
	RekeyBytes    uint64
	RekeyInterval time.Duration

	// GracePackets and GraceDuration bound how long a retired key stays
	// usable for decrypting in-flight packets after a rotation.
	GracePackets int
	GraceDuration time.Duration

	// ReorderTargetP95 is the target p95 delay the multipath reorder
	// buffer's PID controller aims for.
	ReorderTargetP95 time.Duration

	// PQMode selects the handshake's post-quantum policy.
	PQMode handshake.PQMode
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxPaths:         8,
		MaxFrameLenBytes: 16383,
		CoverLambdaBase:  5.0,
		LowPowerRatio:    0.4,
		RekeyBytes:       1 << 30,
		RekeyInterval:    10 * time.Minute,
		GracePackets:     8192,
		GraceDuration:    30 * time.Second,
		ReorderTargetP95: 100 * time.Millisecond,
		PQMode:           handshake.PQHybrid,
	}
}
