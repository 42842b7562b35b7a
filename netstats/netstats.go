// Package netstats implements the incoming-sequence statistics trackers
// spec.md's component table calls "PacketLoss / OutOfOrder / Jitter
// trackers": per-stream counters fed one received sequence number at a
// time.
package netstats

// SequenceTracker observes a stream of incoming sequence numbers and
// derives packet loss, out-of-order, and jitter statistics from gaps
// and reorderings in that stream (distinct from pingstats.PingHistory,
// which tracks round-trip ping/pong pairs).
type SequenceTracker struct {
	mostRecentSequence uint64
	initialized        bool

	received     uint64
	lost         uint64
	outOfOrder   uint64

	previousSequence uint64
	havePrevious     bool

	jitterValue float64
}

// New returns a fresh SequenceTracker.
func New() *SequenceTracker {
	return &SequenceTracker{}
}

// PacketReceived folds one newly-received sequence number into the
// tracker's running statistics.
func (s *SequenceTracker) PacketReceived(seq uint64) {
	s.received++

	if !s.initialized {
		s.initialized = true
		s.mostRecentSequence = seq
	} else if seq > s.mostRecentSequence {
		gap := seq - s.mostRecentSequence
		if gap > 1 {
			s.lost += gap - 1
		}
		s.mostRecentSequence = seq
	} else {
		s.outOfOrder++
	}

	s.updateJitter(seq)
}

// updateJitter folds the gap between consecutive incoming sequence
// numbers into an exponential moving average. This intentionally
// preserves the inequality direction spec.md §9 calls out as
// surprising relative to a typical EMA: small deltas (below the
// threshold) replace the value outright rather than smoothing toward
// it, while larger deltas smooth with the 0.01 factor. Porting this
// byte-for-byte (rather than "fixing" the apparent swap) is an explicit
// design decision — see the Jitter EMA entry in DESIGN.md.
func (s *SequenceTracker) updateJitter(seq uint64) {
	if !s.havePrevious {
		s.previousSequence = seq
		s.havePrevious = true
		return
	}

	var delta float64
	if seq >= s.previousSequence {
		delta = float64(seq - s.previousSequence)
	} else {
		delta = float64(s.previousSequence - seq)
	}
	s.previousSequence = seq

	if delta > 0.00001 {
		s.jitterValue += (delta - s.jitterValue) * 0.01
	} else {
		s.jitterValue = delta
	}
}

// PacketLoss returns the fraction of the observed sequence range that
// was never received.
func (s *SequenceTracker) PacketLoss() float64 {
	total := s.received + s.lost
	if total == 0 {
		return 0
	}
	return float64(s.lost) / float64(total)
}

// OutOfOrderCount returns the number of packets received with a
// sequence number at or below the highest one already seen.
func (s *SequenceTracker) OutOfOrderCount() uint64 {
	return s.outOfOrder
}

// Jitter returns the current smoothed jitter estimate.
func (s *SequenceTracker) Jitter() float64 {
	return s.jitterValue
}
