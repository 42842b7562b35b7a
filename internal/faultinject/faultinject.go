// Package faultinject replaces the teacher corpus's global mutable test
// knobs (next_fake_*, next_packet_loss) with a per-runtime, test-only
// injector that is inert unless a test explicitly installs one.
// Injector.ShouldDrop / Injector.Latency are safe on a nil *Injector;
// neither a nil Injector nor NoFaults() ever alters behavior. No
// package in this module calls them.
package faultinject

import (
	"math/rand"
	"time"
)

// Injector is consulted by the client/server runtimes at the points
// where the original SDK read global fake-latency/packet-loss knobs.
// It is never installed in a normal build; tests construct one to
// exercise fallback and timeout paths deterministically.
type Injector struct {
	// PacketLossFraction drops an outbound packet with this probability,
	// [0,1].
	PacketLossFraction float64

	// ExtraLatency is added to any simulated RTT a test computes by hand
	// (the runtimes themselves never sleep on this; it's a knob for
	// tests building synthetic ping histories).
	ExtraLatency time.Duration

	rng *rand.Rand
}

// NoFaults returns an Injector that never drops or delays anything.
func NoFaults() *Injector {
	return &Injector{}
}

// New returns a seeded Injector for deterministic fault-injection tests.
func New(seed int64, lossFraction float64, extraLatency time.Duration) *Injector {
	return &Injector{
		PacketLossFraction: lossFraction,
		ExtraLatency:       extraLatency,
		rng:                rand.New(rand.NewSource(seed)),
	}
}

// ShouldDrop reports whether a packet should be dropped per the
// configured loss fraction.
func (f *Injector) ShouldDrop() bool {
	if f == nil || f.PacketLossFraction <= 0 {
		return false
	}
	if f.rng == nil {
		return false
	}
	return f.rng.Float64() < f.PacketLossFraction
}

// Latency returns the configured extra latency, zero for a nil or
// unconfigured Injector.
func (f *Injector) Latency() time.Duration {
	if f == nil {
		return 0
	}
	return f.ExtraLatency
}
