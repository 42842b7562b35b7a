package server

import (
	"time"

	"github.com/networknext/next/address"
	"github.com/networknext/next/kx"
)

// PendingSessionEntry is spec.md §3's pre-upgrade session record: a
// session id and kx keypair have been minted and UPGRADE_REQUEST sent,
// but the client's UPGRADE_RESPONSE hasn't arrived.
type PendingSessionEntry struct {
	Address            address.Address
	SessionID          uint64
	UserHash           uint64
	KxKeyPair          kx.KeyPair
	ClientKxPublicKey  [32]byte
	UpgradeTime        time.Time
	LastPacketSendTime time.Time
}

// PendingSessionTable holds every upgrade in flight, keyed by session
// id, the same shape SessionTable uses for upgraded sessions (spec.md
// §4.7's "a parallel PendingSessionTable holds pre-upgrade state with
// the same shape").
type PendingSessionTable struct {
	entries map[uint64]*PendingSessionEntry
}

// NewPendingSessionTable creates an empty table.
func NewPendingSessionTable() *PendingSessionTable {
	return &PendingSessionTable{entries: make(map[uint64]*PendingSessionEntry)}
}

// Add inserts a new pending entry, keyed by sessionID.
func (t *PendingSessionTable) Add(entry *PendingSessionEntry) {
	t.entries[entry.SessionID] = entry
}

// Get looks up a pending entry by session id.
func (t *PendingSessionTable) Get(sessionID uint64) (*PendingSessionEntry, bool) {
	e, ok := t.entries[sessionID]
	return e, ok
}

// Remove evicts a pending entry once its UPGRADE_RESPONSE is accepted.
func (t *PendingSessionTable) Remove(sessionID uint64) {
	delete(t.entries, sessionID)
}

// Count reports how many upgrades are currently in flight.
func (t *PendingSessionTable) Count() int {
	return len(t.entries)
}

// ExpireOlderThan removes every pending entry whose UpgradeTime is
// older than now.Add(-timeout), for the unconfirmed-upgrade timeout the
// server update loop enforces.
func (t *PendingSessionTable) ExpireOlderThan(now time.Time, timeout time.Duration) []uint64 {
	var expired []uint64
	for id, e := range t.entries {
		if now.Sub(e.UpgradeTime) > timeout {
			expired = append(expired, id)
			delete(t.entries, id)
		}
	}
	return expired
}
