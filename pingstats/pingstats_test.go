package pingstats

import (
	"testing"
	"time"
)

func TestPingSentAllocatesIncreasingSequence(t *testing.T) {
	h := New()
	now := time.Unix(1000, 0)
	s0 := h.PingSent(now)
	s1 := h.PingSent(now.Add(time.Millisecond))
	if s1 != s0+1 {
		t.Errorf("expected sequential sequence numbers, got %d then %d", s0, s1)
	}
}

func TestPongReceivedCompletesEntry(t *testing.T) {
	h := New()
	base := time.Unix(1000, 0)
	seq := h.PingSent(base)
	h.PongReceived(seq, base.Add(50*time.Millisecond))

	stats := h.Stats(base.Add(-time.Second), base.Add(time.Second), base.Add(time.Second), 100*time.Millisecond, 50*time.Millisecond)
	if stats.RTT != 50*time.Millisecond {
		t.Errorf("expected RTT 50ms, got %v", stats.RTT)
	}
	if stats.PacketLoss != 0 {
		t.Errorf("expected zero loss, got %v", stats.PacketLoss)
	}
}

func TestUnansweredPingCountsAsLossAfterSafetyMargin(t *testing.T) {
	h := New()
	base := time.Unix(1000, 0)
	h.PingSent(base)

	pingInterval := 100 * time.Millisecond
	safety := 50 * time.Millisecond
	now := base.Add(pingInterval + safety + time.Millisecond)

	stats := h.Stats(base.Add(-time.Second), now, now, pingInterval, safety)
	if stats.PacketLoss != 1 {
		t.Errorf("expected full loss for unanswered ping past safety margin, got %v", stats.PacketLoss)
	}
}

func TestUnansweredPingWithinSafetyMarginNotYetLost(t *testing.T) {
	h := New()
	base := time.Unix(1000, 0)
	h.PingSent(base)

	pingInterval := 100 * time.Millisecond
	safety := 50 * time.Millisecond
	now := base.Add(10 * time.Millisecond)

	stats := h.Stats(base.Add(-time.Second), now, now, pingInterval, safety)
	if stats.PacketLoss != 0 {
		t.Errorf("expected no loss yet while within safety margin, got %v", stats.PacketLoss)
	}
}

func TestStalePongOverwrittenByLaterPing(t *testing.T) {
	h := New()
	base := time.Unix(1000, 0)
	seq := h.PingSent(base)

	// Wrap the ring all the way around so the slot is reused before the
	// pong for the original ping arrives.
	var last uint64
	for i := 0; i < HistorySize; i++ {
		last = h.PingSent(base.Add(time.Duration(i+1) * time.Millisecond))
	}

	// The late pong targets the original (now-overwritten) sequence and
	// must not be applied to the slot's new occupant.
	h.PongReceived(seq, base.Add(time.Second))
	if e := h.entries[last%HistorySize]; e.sequence != last || !e.recvTime.IsZero() {
		t.Errorf("expected stale pong for %d not applied to slot holding %d", seq, last)
	}
}

func TestJitterIsAverageOfConsecutiveRTTDeltas(t *testing.T) {
	h := New()
	base := time.Unix(1000, 0)

	s0 := h.PingSent(base)
	h.PongReceived(s0, base.Add(10*time.Millisecond))

	s1 := h.PingSent(base.Add(20 * time.Millisecond))
	h.PongReceived(s1, base.Add(20*time.Millisecond+30*time.Millisecond))

	stats := h.Stats(base.Add(-time.Second), base.Add(time.Second), base.Add(time.Second), 100*time.Millisecond, 50*time.Millisecond)
	// rtt0 = 10ms, rtt1 = 30ms, jitter = |30-10| = 20ms
	if stats.Jitter != 20*time.Millisecond {
		t.Errorf("expected jitter 20ms, got %v", stats.Jitter)
	}
}
