package server

import (
	"time"

	"github.com/networknext/next/address"
	"github.com/networknext/next/internal/nextutil"
)

// RouteState is one slot of a server session's route lifecycle:
// pending, current, or previous, per spec.md §4.8.
type RouteState struct {
	SessionVersion  uint8
	ExpireTimestamp uint64
	ExpireTime      time.Time
	KbpsUp          uint32
	KbpsDown        uint32
	SendAddress     address.Address
	PrivateKey      [32]byte
}

// RouteSM is the per-session server-side route state machine spec.md
// §4.8 describes: ROUTE_REQUEST installs a pending route; the first
// packet that verifies under the pending key promotes it to current.
type RouteSM struct {
	HasPending  bool
	HasCurrent  bool
	HasPrevious bool

	Pending  RouteState
	Current  RouteState
	Previous RouteState

	MostRecentSessionVersion uint8
	SpecialSendSequence      uint64
}

// RouteRequest carries the fields decoded from an inbound ROUTE_REQUEST's
// RouteToken, already decrypted by the caller.
type RouteRequest struct {
	From            address.Address
	ExpireTimestamp uint64
	SessionVersion  uint8
	KbpsUp          uint32
	KbpsDown        uint32
	PrivateKey      [32]byte
}

// HandleRouteRequest applies spec.md §4.8's ROUTE_REQUEST rules. It
// returns true if a pending route was installed (whether or not this
// particular request was the one that did it — a ROUTE_RESPONSE is
// sent either way, MACed with whatever the current pending key is).
func (r *RouteSM) HandleRouteRequest(req RouteRequest) bool {
	if r.HasCurrent && req.ExpireTimestamp < r.Current.ExpireTimestamp {
		// Replay-by-older-token.
		return false
	}
	if nextutil.SequenceLessThan(req.SessionVersion, r.MostRecentSessionVersion) {
		return false
	}

	if !r.HasPending || req.SessionVersion > r.Pending.SessionVersion {
		r.Pending = RouteState{
			SessionVersion:  req.SessionVersion,
			ExpireTimestamp: req.ExpireTimestamp,
			KbpsUp:          req.KbpsUp,
			KbpsDown:        req.KbpsDown,
			SendAddress:     req.From,
			PrivateKey:      req.PrivateKey,
		}
		r.HasPending = true
		r.MostRecentSessionVersion = req.SessionVersion
	}
	return true
}

// PromotePending promotes pending to current (demoting the old current
// to previous), on receipt of a CLIENT_TO_SERVER/PING packet that
// verified under the pending key rather than the current key.
func (r *RouteSM) PromotePending(now time.Time, expireSlice time.Duration) {
	if !r.HasPending {
		return
	}
	if r.HasCurrent {
		r.Previous = r.Current
		r.HasPrevious = true
	}
	r.Current = r.Pending
	r.Current.ExpireTime = now.Add(expireSlice)
	r.HasCurrent = true
	r.HasPending = false
	r.Pending = RouteState{}
}

// ContinueRequest mirrors spec.md §4.8's CONTINUE_REQUEST fields.
type ContinueRequest struct {
	SessionVersion  uint8
	ExpireTimestamp uint64
}

// HandleContinueRequest applies spec.md §4.8's CONTINUE_REQUEST rules:
// requires a current route at the same session version whose token is
// not older than what's already installed; extends the current route's
// expiry by one slice and clears previous.
func (r *RouteSM) HandleContinueRequest(req ContinueRequest, now time.Time, sliceSeconds time.Duration) bool {
	if !r.HasCurrent {
		return false
	}
	if req.SessionVersion != r.Current.SessionVersion {
		return false
	}
	if req.ExpireTimestamp < r.Current.ExpireTimestamp {
		return false
	}
	r.Current.ExpireTime = r.Current.ExpireTime.Add(sliceSeconds)
	r.HasPrevious = false
	r.Previous = RouteState{}
	return true
}

// NextSpecialSendSequence allocates the next sequence for a
// ROUTE_RESPONSE/CONTINUE_RESPONSE packet, per spec.md §4.8's
// "sequence = session.special_send_sequence++".
func (r *RouteSM) NextSpecialSendSequence() uint64 {
	seq := r.SpecialSendSequence
	r.SpecialSendSequence++
	return seq
}
