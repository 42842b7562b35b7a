// Package replay implements per-stream sliding-window duplicate
// detection for sequence numbers, spec.md §4.2 "ReplayProtection".
package replay

// WindowSize is the number of most-recently-seen sequence numbers a
// Protection tracks. Sequences older than the window's base are
// rejected outright, matching spec.md's "fixed-size window (e.g. 256)".
const WindowSize = 256

// Protection is a single replay-protection window, keyed by the caller
// to one stream (payload, special, or internal, per spec.md §4.2's
// "keyed per stream").
type Protection struct {
	mostRecentSequence uint64
	received           [WindowSize]bool
	initialized        bool
}

// New returns a fresh, empty Protection window.
func New() *Protection {
	return &Protection{}
}

// Reset clears the window back to its initial empty state, for reuse
// across a session upgrade or reconnect.
func (p *Protection) Reset() {
	*p = Protection{}
}

// AlreadyReceived reports whether seq is older than the window's base,
// or already marked as seen within the window. It does not mutate the
// window — spec.md §4.2 separates the check from Advance specifically
// so that a packet failing a later check (MAC, decrypt) never poisons
// the window.
func (p *Protection) AlreadyReceived(seq uint64) bool {
	if !p.initialized {
		return false
	}
	if seq+WindowSize <= p.mostRecentSequence {
		// Older than the window: treat as already seen so it is
		// dropped rather than re-accepted.
		return true
	}
	if seq > p.mostRecentSequence {
		return false
	}
	index := seq % WindowSize
	return p.received[index]
}

// Advance slides the window forward (if seq is newer than the current
// base) and marks seq as received. Callers must only call Advance on
// packets that have already passed every other check (spec.md §4.2).
func (p *Protection) Advance(seq uint64) {
	if !p.initialized {
		p.initialized = true
		p.mostRecentSequence = seq
		p.received = [WindowSize]bool{}
		p.received[seq%WindowSize] = true
		return
	}

	if seq > p.mostRecentSequence {
		// Clear every slot the window is sliding past so old bits
		// don't reappear as false positives once the base wraps
		// back around to the same index.
		oldest := p.mostRecentSequence
		if seq-oldest > WindowSize {
			oldest = seq - WindowSize
		}
		for s := oldest + 1; s <= seq; s++ {
			p.received[s%WindowSize] = false
		}
		p.mostRecentSequence = seq
	}

	if seq+WindowSize > p.mostRecentSequence {
		p.received[seq%WindowSize] = true
	}
}
