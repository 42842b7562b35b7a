// Package server implements the server-side runtime components:
// SessionTable, ServerRouteSM and ServerCore, spec.md §4.7-§4.9.
package server

import (
	"github.com/seiflotfy/cuckoofilter"

	"github.com/networknext/next/address"
)

// SessionEntry is the array-backed table's per-session record. Only the
// fields the table itself needs to find and evict entries live here;
// ServerSessionEntry (route state, stats, backend bookkeeping) embeds
// this.
type SessionEntry struct {
	Address   address.Address
	SessionID uint64
	inUse     bool
}

// SessionTable is the insertion-ordered, array-backed table spec.md
// §4.7 describes: O(n) linear scans for find-by-address/find-by-id,
// acceptable at "tens of thousands" of sessions per server, grown ×2
// and compacted when full. A cuckoofilter sits in front of both scans
// as an O(1) negative-lookup accelerator — ported from the teacher's
// map-backed Hub (hub.go's `sessions map[string]*Session`) generalized
// into the array-backed shape spec.md requires, with the cuckoofilter
// replacing the map as the fast-reject layer so the underlying storage
// can stay a flat array with stable indices.
type SessionTable struct {
	entries       []SessionEntry
	maxEntryIndex int

	byAddress   *cuckoo.Filter
	bySessionID *cuckoo.Filter
}

const initialCapacity = 256

// NewSessionTable creates an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		entries:       make([]SessionEntry, initialCapacity),
		byAddress:     cuckoo.NewFilter(initialCapacity * 2),
		bySessionID:   cuckoo.NewFilter(initialCapacity * 2),
		maxEntryIndex: -1,
	}
}

func addressKey(a address.Address) []byte {
	return []byte(a.String())
}

func sessionIDKey(id uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	return b[:]
}

// Add inserts a new session, growing and compacting the table ×2 if no
// empty slot remains. Returns the entry's stable index.
func (t *SessionTable) Add(addr address.Address, sessionID uint64) int {
	for i := range t.entries {
		if !t.entries[i].inUse {
			t.entries[i] = SessionEntry{Address: addr, SessionID: sessionID, inUse: true}
			if i > t.maxEntryIndex {
				t.maxEntryIndex = i
			}
			t.byAddress.InsertUnique(addressKey(addr))
			t.bySessionID.InsertUnique(sessionIDKey(sessionID))
			return i
		}
	}

	// No empty slot: grow ×2 and compact, matching spec.md's "finds the
	// first empty slot or grows ×2 and compacts".
	old := t.entries
	t.entries = make([]SessionEntry, len(old)*2)
	n := 0
	for _, e := range old {
		if e.inUse {
			t.entries[n] = e
			n++
		}
	}
	t.entries[n] = SessionEntry{Address: addr, SessionID: sessionID, inUse: true}
	t.maxEntryIndex = n
	t.byAddress.InsertUnique(addressKey(addr))
	t.bySessionID.InsertUnique(sessionIDKey(sessionID))
	return n
}

// FindByAddress performs the cuckoofilter-accelerated O(n) scan spec.md
// §4.7 names: a definite filter miss skips the scan outright; a filter
// hit still falls through to the exact linear scan, since a
// cuckoofilter only ever produces false positives, never false
// negatives.
func (t *SessionTable) FindByAddress(addr address.Address) (int, bool) {
	if !t.byAddress.Lookup(addressKey(addr)) {
		return -1, false
	}
	for i := 0; i <= t.maxEntryIndex && i < len(t.entries); i++ {
		e := t.entries[i]
		if e.inUse && e.Address.Equal(addr) {
			return i, true
		}
	}
	return -1, false
}

// FindBySessionID is FindByAddress's counterpart keyed by session id.
func (t *SessionTable) FindBySessionID(sessionID uint64) (int, bool) {
	if !t.bySessionID.Lookup(sessionIDKey(sessionID)) {
		return -1, false
	}
	for i := 0; i <= t.maxEntryIndex && i < len(t.entries); i++ {
		e := t.entries[i]
		if e.inUse && e.SessionID == sessionID {
			return i, true
		}
	}
	return -1, false
}

// Get returns the entry at a stable index previously returned by Add,
// FindByAddress or FindBySessionID.
func (t *SessionTable) Get(index int) (SessionEntry, bool) {
	if index < 0 || index >= len(t.entries) || !t.entries[index].inUse {
		return SessionEntry{}, false
	}
	return t.entries[index], true
}

// Remove clears the slot at index and adjusts maxEntryIndex if it was
// the highest occupied slot. The cuckoofilter entries for the removed
// session are left in place (a stale positive only costs an extra
// linear scan, never an incorrect result), matching the teacher's
// accept-false-positives tradeoff for a probabilistic front filter.
func (t *SessionTable) Remove(index int) {
	if index < 0 || index >= len(t.entries) {
		return
	}
	t.entries[index] = SessionEntry{}
	if index == t.maxEntryIndex {
		for t.maxEntryIndex >= 0 && !t.entries[t.maxEntryIndex].inUse {
			t.maxEntryIndex--
		}
	}
}

// Count returns the number of occupied slots.
func (t *SessionTable) Count() int {
	n := 0
	for i := 0; i <= t.maxEntryIndex && i < len(t.entries); i++ {
		if t.entries[i].inUse {
			n++
		}
	}
	return n
}
