package client

import (
	"testing"
	"time"
)

func TestSetRelaysPreservesPingHistoryAcrossUpdate(t *testing.T) {
	m := NewRelayManager(8)
	addr := mustAddr(t, "10.5.5.5:40000")
	m.SetRelays([]RelayEntry{{RelayID: 1, Address: addr}})

	entries := m.Entries()
	if len(entries) != 1 || entries[0].PingHistory == nil {
		t.Fatalf("expected ping history initialized for new relay")
	}
	history := entries[0].PingHistory
	seq := history.PingSent(time.Now())

	// Re-supply the same relay id; ping history must survive the update.
	m.SetRelays([]RelayEntry{{RelayID: 1, Address: addr}})
	entries = m.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one relay after re-supply, got %d", len(entries))
	}
	if entries[0].PingHistory != history {
		t.Fatalf("expected ping history preserved across re-supply")
	}
	entries[0].PingHistory.PongReceived(seq, time.Now())
}

func TestSetRelaysDropsStaleEntries(t *testing.T) {
	m := NewRelayManager(8)
	m.SetRelays([]RelayEntry{{RelayID: 1}, {RelayID: 2}})
	m.SetRelays([]RelayEntry{{RelayID: 2}})

	entries := m.Entries()
	if len(entries) != 1 || entries[0].RelayID != 2 {
		t.Fatalf("expected only relay 2 to remain, got %+v", entries)
	}
}

func TestDuePingsRespectsInterval(t *testing.T) {
	m := NewRelayManager(8)
	now := time.Unix(1000, 0)
	m.SetRelays([]RelayEntry{{RelayID: 1, LastPingTime: now}})

	due := m.DuePings(now.Add(50*time.Millisecond), time.Second)
	if len(due) != 0 {
		t.Errorf("expected no relays due before the ping interval elapses")
	}

	due = m.DuePings(now.Add(2*time.Second), time.Second)
	if len(due) != 1 {
		t.Errorf("expected one relay due after the ping interval elapses")
	}
}

func TestDuePingsRespectsPacketBudget(t *testing.T) {
	m := NewRelayManager(1)
	now := time.Unix(1000, 0)
	m.SetRelays([]RelayEntry{{RelayID: 1}, {RelayID: 2}})

	due := m.DuePings(now.Add(time.Second), time.Millisecond)
	if len(due) != 1 {
		t.Fatalf("expected packet budget to cap due pings at 1, got %d", len(due))
	}

	// Budget exhausted: a second call without releasing finds nothing due.
	due = m.DuePings(now.Add(time.Second), time.Millisecond)
	if len(due) != 0 {
		t.Errorf("expected budget exhausted until release, got %d due", len(due))
	}

	m.ReleaseBudget()
	due = m.DuePings(now.Add(time.Second), time.Millisecond)
	if len(due) != 1 {
		t.Errorf("expected budget available again after release")
	}
}

func TestRemoveDropsRelay(t *testing.T) {
	m := NewRelayManager(8)
	m.SetRelays([]RelayEntry{{RelayID: 1}})
	m.Remove(1)
	if len(m.Entries()) != 0 {
		t.Errorf("expected relay removed")
	}
}
