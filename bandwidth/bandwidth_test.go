package bandwidth

import (
	"testing"
	"time"
)

func TestUnderBudgetNotOverLimit(t *testing.T) {
	l := New()
	now := time.Unix(1000, 0)
	// 1000 bytes = 8000 bits, well under a 1000 kbps budget for 1s.
	if l.PacketSent(1000, 1000, now) {
		t.Errorf("expected not over limit for a small packet under a generous budget")
	}
}

func TestOverBudgetWithinInterval(t *testing.T) {
	l := New()
	now := time.Unix(1000, 0)
	// budget = 10 kbps * 1000 * 1s = 10000 bits.
	if over := l.PacketSent(2000, 10, now); !over {
		t.Errorf("expected over limit: 16000 bits sent against a 10000 bit budget")
	}
}

func TestIntervalRolloverResetsAccumulator(t *testing.T) {
	l := NewWithInterval(100 * time.Millisecond)
	now := time.Unix(1000, 0)
	l.PacketSent(2000, 10, now)

	// Advance past the interval boundary; accumulator should reset so a
	// small packet in the new interval is not over budget.
	later := now.Add(200 * time.Millisecond)
	if over := l.PacketSent(10, 1000, later); over {
		t.Errorf("expected accumulator to reset after interval rollover")
	}
}

func TestAverageKbpsUpdatesAfterRollover(t *testing.T) {
	l := NewWithInterval(100 * time.Millisecond)
	now := time.Unix(1000, 0)
	l.PacketSent(1000, 100000, now)
	if l.AverageKbps() != 0 {
		t.Errorf("average should not update before an interval boundary is crossed")
	}

	l.PacketSent(0, 100000, now.Add(200*time.Millisecond))
	if l.AverageKbps() == 0 {
		t.Errorf("expected average_kbps to be nonzero after a rollover")
	}
}
