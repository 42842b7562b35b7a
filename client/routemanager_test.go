package client

import (
	"testing"
	"time"

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

func TestApplyDirectDemotesCurrent(t *testing.T) {
	m := &RouteManager{HasCurrent: true, Current: RouteData{SessionVersion: 3}}
	m.ApplyDirect()
	if m.HasCurrent {
		t.Errorf("expected current cleared")
	}
	if !m.HasPrevious || m.Previous.SessionVersion != 3 {
		t.Errorf("expected old current demoted to previous")
	}
}

func TestApplyRouteThenPromote(t *testing.T) {
	m := &RouteManager{}
	addr := mustAddr(t, "10.2.2.2:5000")
	m.ApplyRoute(RouteTokenFields{SessionID: 1, SessionVersion: 1, NextAddress: addr}, []byte{1, 2, 3}, time.Now())
	if !m.HasPending {
		t.Fatalf("expected pending route installed")
	}

	m.PromotePending()
	if !m.HasCurrent || m.HasPending {
		t.Fatalf("expected pending promoted to current")
	}
	if !m.Current.NextAddress.Equal(addr) {
		t.Errorf("expected current address to match the installed route")
	}
}

func TestApplyRouteUnconditionallyReplacesPending(t *testing.T) {
	m := &RouteManager{}
	addr1 := mustAddr(t, "10.2.2.2:5000")
	addr2 := mustAddr(t, "10.2.2.3:5001")
	m.ApplyRoute(RouteTokenFields{SessionVersion: 1, NextAddress: addr1}, nil, time.Now())
	m.ApplyRoute(RouteTokenFields{SessionVersion: 2, NextAddress: addr2}, nil, time.Now())

	if !m.Pending.NextAddress.Equal(addr2) {
		t.Errorf("expected newer pending route to replace the older one unconditionally")
	}
}

func TestApplyContinueRequiresCurrent(t *testing.T) {
	m := &RouteManager{}
	if err := m.ApplyContinue(nil, time.Now()); err == nil {
		t.Errorf("expected error applying CONTINUE with no current route")
	}
}

func TestConfirmContinueExtendsExpiryAndClearsPrevious(t *testing.T) {
	m := &RouteManager{
		HasCurrent:  true,
		Current:     RouteData{ExpireTime: time.Unix(1000, 0)},
		HasPrevious: true,
	}
	m.ConfirmContinue(10 * time.Second)
	if m.HasPrevious {
		t.Errorf("expected previous cleared")
	}
	want := time.Unix(1010, 0)
	if !m.Current.ExpireTime.Equal(want) {
		t.Errorf("expected expire time extended to %v, got %v", want, m.Current.ExpireTime)
	}
}

func TestFallbackLatchesPermanently(t *testing.T) {
	m := &RouteManager{}
	m.Fallback(FallbackRouteRequestTimeout)
	if !m.FallbackToDirect {
		t.Fatalf("expected fallback latched")
	}
	if m.FallbackFlags&FallbackRouteRequestTimeout == 0 {
		t.Errorf("expected route request timeout flag set")
	}

	// Once latched, PrepareSendPacket must never succeed again even if
	// a current route is later installed.
	m.HasCurrent = true
	if _, err := m.PrepareSendPacket(); err == nil {
		t.Errorf("expected PrepareSendPacket to fail once fallback is latched")
	}
}

func TestPrepareSendPacketRequiresCurrent(t *testing.T) {
	m := &RouteManager{}
	if _, err := m.PrepareSendPacket(); err == nil {
		t.Errorf("expected error with no current route")
	}
}

func TestRouteRequestTimeoutLatchesFallback(t *testing.T) {
	m := &RouteManager{HasPending: true, Pending: RouteData{LastSendTime: time.Unix(1000, 0)}}
	now := time.Unix(1000, 0).Add(2 * time.Second)
	m.CheckTimeouts(now, time.Second, time.Second, time.Second)
	if !m.FallbackToDirect {
		t.Errorf("expected fallback latched on route request timeout")
	}
}

func TestSendSequenceMonotonic(t *testing.T) {
	m := &RouteManager{}
	s0 := m.NextSendSequence()
	s1 := m.NextSendSequence()
	if s1 != s0+1 {
		t.Errorf("expected monotonic send sequence, got %d then %d", s0, s1)
	}
}
