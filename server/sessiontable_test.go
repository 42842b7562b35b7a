package server

import (
	"testing"

	"github.com/networknext/next/address"
)

func mustAddr(t *testing.T, s string) address.Address {
	t.Helper()
	a, err := address.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAddAndFindByAddress(t *testing.T) {
	table := NewSessionTable()
	addr := mustAddr(t, "10.0.0.1:5000")
	idx := table.Add(addr, 42)

	got, ok := table.FindByAddress(addr)
	if !ok || got != idx {
		t.Fatalf("FindByAddress: got (%d,%v), want (%d,true)", got, ok, idx)
	}
}

func TestFindBySessionID(t *testing.T) {
	table := NewSessionTable()
	addr := mustAddr(t, "10.0.0.2:5001")
	idx := table.Add(addr, 777)

	got, ok := table.FindBySessionID(777)
	if !ok || got != idx {
		t.Fatalf("FindBySessionID: got (%d,%v), want (%d,true)", got, ok, idx)
	}
}

func TestFindMissingReturnsFalse(t *testing.T) {
	table := NewSessionTable()
	if _, ok := table.FindByAddress(mustAddr(t, "1.2.3.4:1")); ok {
		t.Errorf("expected miss on empty table")
	}
	if _, ok := table.FindBySessionID(12345); ok {
		t.Errorf("expected miss on empty table")
	}
}

func TestRemoveThenFindFails(t *testing.T) {
	table := NewSessionTable()
	addr := mustAddr(t, "10.0.0.3:5002")
	idx := table.Add(addr, 1)
	table.Remove(idx)

	if _, ok := table.Get(idx); ok {
		t.Errorf("expected Get to fail after Remove")
	}
}

func TestGrowsBeyondInitialCapacity(t *testing.T) {
	table := NewSessionTable()
	for i := 0; i < initialCapacity+10; i++ {
		addr := mustAddr(t, "10.0.1.1:1")
		addr = address.FromIP(addr.IP(), uint16(i+1))
		table.Add(addr, uint64(i+1))
	}
	if table.Count() != initialCapacity+10 {
		t.Fatalf("expected %d entries after growth, got %d", initialCapacity+10, table.Count())
	}
}

func TestCompactionPreservesLiveEntries(t *testing.T) {
	table := NewSessionTable()
	var indices []int
	for i := 0; i < initialCapacity; i++ {
		addr := address.FromIP(mustAddr(t, "10.0.2.1:1").IP(), uint16(i+1))
		indices = append(indices, table.Add(addr, uint64(i+1000)))
	}
	// Remove a few, then force growth by adding beyond capacity.
	table.Remove(indices[0])
	table.Remove(indices[1])

	for i := 0; i < 5; i++ {
		addr := address.FromIP(mustAddr(t, "10.0.3.1:1").IP(), uint16(i+1))
		table.Add(addr, uint64(9000+i))
	}

	if _, ok := table.FindBySessionID(1002); !ok {
		t.Errorf("expected a surviving original entry to still be found after growth/compaction")
	}
}
