// Package client implements the client-side runtime components:
// RouteManager, RelayManager and ClientCore, spec.md §4.5-§4.6.
package client

import (
	"fmt"
	"time"

	"github.com/networknext/next/address"
)

// FallbackFlag records, as a bitmask, every distinct reason a session
// has latched fallback_to_direct, per spec.md §4.5.
type FallbackFlag uint32

const (
	FallbackRouteRequestTimeout FallbackFlag = 1 << iota
	FallbackContinueRequestTimeout
	FallbackClientRouteTimeout
	FallbackRouteExpired
	FallbackDirectUpdateFromServer
)

// RouteData is the {session_id, session_version, kbps_up/down,
// next_address, private_key, expire_time} shape spec.md's RouteManager
// state uses for current/previous/pending, generalized into one struct
// reused across all three slots.
type RouteData struct {
	SessionID      uint64
	SessionVersion uint8
	KbpsUp         uint32
	KbpsDown       uint32
	NextAddress    address.Address
	PrivateKey     [32]byte
	ExpireTime     time.Time

	// Pending-only fields.
	LastSendTime  time.Time
	RequestPacket []byte
}

// RouteManager is the per-session client-side state machine spec.md
// §4.5 describes.
type RouteManager struct {
	HasCurrent  bool
	HasPrevious bool
	HasPending  bool

	Current  RouteData
	Previous RouteData
	Pending  RouteData

	HasPendingContinue bool
	PendingContinue    RouteData

	FallbackToDirect bool
	FallbackFlags    FallbackFlag

	SendSequence uint64
}

// ApplyDirect applies a ROUTE_UPDATE with directive DIRECT: demotes
// current to previous and clears current.
func (m *RouteManager) ApplyDirect() {
	if m.HasCurrent {
		m.Previous = m.Current
		m.HasPrevious = true
	}
	m.HasCurrent = false
	m.Current = RouteData{}
}

// ApplyRoute applies a ROUTE_UPDATE with directive ROUTE: firstToken is
// the already-decrypted/validated RouteToken for the first relay hop;
// requestPacket is the framed ROUTE_REQUEST packet to send (and resend)
// to that relay.
// A newer session_version always replaces any existing pending route
// unconditionally, per spec.md §4.5's tie-break rule.
func (m *RouteManager) ApplyRoute(firstToken RouteTokenFields, requestPacket []byte, now time.Time) {
	m.Pending = RouteData{
		SessionID:      firstToken.SessionID,
		SessionVersion: firstToken.SessionVersion,
		KbpsUp:         firstToken.KbpsUp,
		KbpsDown:       firstToken.KbpsDown,
		NextAddress:    firstToken.NextAddress,
		PrivateKey:     firstToken.PrivateKey,
		LastSendTime:   now,
		RequestPacket:  requestPacket,
	}
	m.HasPending = true
}

// RouteTokenFields is the subset of a decrypted RouteToken RouteManager
// needs to populate a pending route.
type RouteTokenFields struct {
	SessionID      uint64
	SessionVersion uint8
	KbpsUp         uint32
	KbpsDown       uint32
	NextAddress    address.Address
	PrivateKey     [32]byte
}

// ApplyContinue applies a ROUTE_UPDATE with directive CONTINUE: requires
// an existing current route.
func (m *RouteManager) ApplyContinue(requestPacket []byte, now time.Time) error {
	if !m.HasCurrent {
		return fmt.Errorf("route manager: CONTINUE update with no current route")
	}
	m.PendingContinue = RouteData{LastSendTime: now, RequestPacket: requestPacket}
	m.HasPendingContinue = true
	return nil
}

// PromotePending promotes pending to current on a verified
// ROUTE_RESPONSE from the relay, demoting the old current to previous.
func (m *RouteManager) PromotePending() {
	if !m.HasPending {
		return
	}
	if m.HasCurrent {
		m.Previous = m.Current
		m.HasPrevious = true
	}
	m.Current = m.Pending
	m.HasCurrent = true
	m.HasPending = false
	m.Pending = RouteData{}
}

// ConfirmContinue applies a verified CONTINUE_RESPONSE: extends
// current.expire_time by one slice and clears previous.
func (m *RouteManager) ConfirmContinue(sliceSeconds time.Duration) {
	if !m.HasCurrent {
		return
	}
	m.Current.ExpireTime = m.Current.ExpireTime.Add(sliceSeconds)
	m.HasPrevious = false
	m.Previous = RouteData{}
	m.HasPendingContinue = false
	m.PendingContinue = RouteData{}
}

// Fallback latches fallback_to_direct with the given reason. Once set,
// it is never cleared for the lifetime of the session (invariant 4:
// a session with fallback_to_direct=true never sends on the
// network-next path again).
func (m *RouteManager) Fallback(flag FallbackFlag) {
	m.FallbackToDirect = true
	m.FallbackFlags |= flag
}

// CheckTimeouts latches fallback when the pending route request, the
// pending continue request or the current route's expire time has
// elapsed. clientRouteTimeout is accepted but not evaluated: no route
// timeout is derived from next-route pings.
func (m *RouteManager) CheckTimeouts(now time.Time, routeRequestTimeout, continueRequestTimeout, clientRouteTimeout time.Duration) {
	if m.FallbackToDirect {
		return
	}
	if m.HasPending && now.Sub(m.Pending.LastSendTime) > routeRequestTimeout {
		m.Fallback(FallbackRouteRequestTimeout)
		return
	}
	if m.HasPendingContinue && now.Sub(m.PendingContinue.LastSendTime) > continueRequestTimeout {
		m.Fallback(FallbackContinueRequestTimeout)
		return
	}
	if m.HasCurrent && !m.Current.ExpireTime.IsZero() && now.After(m.Current.ExpireTime) {
		m.Fallback(FallbackRouteExpired)
		return
	}
	_ = clientRouteTimeout // not evaluated
}

// PrepareSendPacket succeeds only if a current route exists and
// fallback has not been latched, returning the address and session
// fields needed to address a CLIENT_TO_SERVER packet along the route.
func (m *RouteManager) PrepareSendPacket() (RouteData, error) {
	if m.FallbackToDirect {
		return RouteData{}, fmt.Errorf("route manager: fallback_to_direct is latched")
	}
	if !m.HasCurrent {
		return RouteData{}, fmt.Errorf("route manager: no current route")
	}
	return m.Current, nil
}

// NextSendSequence allocates the next monotonic send sequence.
func (m *RouteManager) NextSendSequence() uint64 {
	seq := m.SendSequence
	m.SendSequence++
	return seq
}
