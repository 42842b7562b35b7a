package client

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/networknext/next/address"
	"github.com/networknext/next/pingstats"
)

// RelayEntry is spec.md's RelayManager.Entry: {relay_id, address,
// ping_token, ping_history, last_ping_time, expire_timestamp}.
type RelayEntry struct {
	RelayID         uint64
	Address         address.Address
	PingToken       [32]byte
	PingHistory     *pingstats.PingHistory
	LastPingTime    time.Time
	ExpireTimestamp uint64
}

// RelayManager tracks the near-relay set the backend has supplied and
// schedules pings to stay under a global per-update packet budget,
// per spec.md §4.6 item 3. The budget is enforced with a weighted
// semaphore (golang.org/x/sync/semaphore) rather than a plain counter,
// matching the teacher corpus's preference for x/sync primitives over
// hand-rolled rate limiting.
type RelayManager struct {
	entries map[uint64]*RelayEntry
	budget  *semaphore.Weighted
}

// NewRelayManager creates a RelayManager that allows at most
// maxPingsPerUpdate relay pings to be in flight within one update
// cycle.
func NewRelayManager(maxPingsPerUpdate int64) *RelayManager {
	return &RelayManager{
		entries: make(map[uint64]*RelayEntry),
		budget:  semaphore.NewWeighted(maxPingsPerUpdate),
	}
}

// SetRelays replaces the tracked near-relay set with the one most
// recently supplied by the backend (spec.md §4.9 session-update
// response's "optional near-relay list"), preserving ping history for
// relays that persist across the update.
func (r *RelayManager) SetRelays(relays []RelayEntry) {
	next := make(map[uint64]*RelayEntry, len(relays))
	for i := range relays {
		e := relays[i]
		if existing, ok := r.entries[e.RelayID]; ok {
			e.PingHistory = existing.PingHistory
			e.LastPingTime = existing.LastPingTime
		} else if e.PingHistory == nil {
			e.PingHistory = pingstats.New()
		}
		next[e.RelayID] = &e
	}
	r.entries = next
}

// Entries returns the tracked relay set.
func (r *RelayManager) Entries() []*RelayEntry {
	out := make([]*RelayEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// DuePings returns the subset of tracked relays due for a ping at now
// (at least pingInterval since last_ping_time), up to the manager's
// packet budget for this update cycle. Relays not selected this round
// remain due and will be picked up on a subsequent call once the
// budget is released.
func (r *RelayManager) DuePings(now time.Time, pingInterval time.Duration) []*RelayEntry {
	var due []*RelayEntry
	for _, e := range r.entries {
		if now.Sub(e.LastPingTime) < pingInterval {
			continue
		}
		if !r.budget.TryAcquire(1) {
			break
		}
		due = append(due, e)
	}
	return due
}

// ReleaseBudget returns one unit of ping budget after a scheduled ping
// has actually been sent (or abandoned), so the next update cycle can
// spend it again.
func (r *RelayManager) ReleaseBudget() {
	r.budget.Release(1)
}

// AcquireBudget blocks until ping budget is available or ctx is done,
// for callers that want to wait rather than skip a cycle.
func (r *RelayManager) AcquireBudget(ctx context.Context) error {
	return r.budget.Acquire(ctx, 1)
}

// Remove drops a relay that has expired or been superseded.
func (r *RelayManager) Remove(relayID uint64) {
	delete(r.entries, relayID)
}
