package server

import (
	"testing"
	"time"
)

func TestRouteRequestInstallsPending(t *testing.T) {
	sm := &RouteSM{}
	from := mustAddr(t, "10.1.1.1:4000")
	ok := sm.HandleRouteRequest(RouteRequest{From: from, SessionVersion: 1, ExpireTimestamp: 1000})
	if !ok || !sm.HasPending {
		t.Fatalf("expected pending route installed")
	}
	if sm.Pending.SessionVersion != 1 {
		t.Errorf("expected pending session version 1, got %d", sm.Pending.SessionVersion)
	}
}

func TestRouteRequestRejectsOlderSessionVersion(t *testing.T) {
	sm := &RouteSM{}
	from := mustAddr(t, "10.1.1.1:4000")
	sm.HandleRouteRequest(RouteRequest{From: from, SessionVersion: 10, ExpireTimestamp: 1000})
	ok := sm.HandleRouteRequest(RouteRequest{From: from, SessionVersion: 5, ExpireTimestamp: 2000})
	if ok {
		t.Errorf("expected rejection of an older session version")
	}
	if sm.Pending.SessionVersion != 10 {
		t.Errorf("pending session version should remain 10, got %d", sm.Pending.SessionVersion)
	}
}

func TestRouteRequestRejectsReplayByOlderToken(t *testing.T) {
	sm := &RouteSM{}
	sm.PromotePending(time.Now(), 10*time.Second) // no-op, HasPending false
	sm.HasCurrent = true
	sm.Current.ExpireTimestamp = 5000

	ok := sm.HandleRouteRequest(RouteRequest{SessionVersion: 1, ExpireTimestamp: 1000})
	if ok {
		t.Errorf("expected rejection of a token older than the current route's expiry")
	}
}

func TestPromotePendingDemotesCurrentToPrevious(t *testing.T) {
	sm := &RouteSM{}
	from := mustAddr(t, "10.1.1.1:4000")
	sm.HandleRouteRequest(RouteRequest{From: from, SessionVersion: 1, ExpireTimestamp: 1000})
	sm.PromotePending(time.Now(), 10*time.Second)
	if !sm.HasCurrent || sm.HasPrevious {
		t.Fatalf("expected current set and no previous on first promotion")
	}

	from2 := mustAddr(t, "10.1.1.2:4001")
	sm.HandleRouteRequest(RouteRequest{From: from2, SessionVersion: 2, ExpireTimestamp: 2000})
	sm.PromotePending(time.Now(), 10*time.Second)
	if !sm.HasPrevious || sm.Previous.SessionVersion != 1 {
		t.Fatalf("expected old current demoted to previous with session version 1, got %+v", sm.Previous)
	}
	if sm.Current.SessionVersion != 2 {
		t.Errorf("expected new current session version 2, got %d", sm.Current.SessionVersion)
	}
}

func TestContinueRequestExtendsExpiryAndClearsPrevious(t *testing.T) {
	sm := &RouteSM{}
	from := mustAddr(t, "10.1.1.1:4000")
	sm.HandleRouteRequest(RouteRequest{From: from, SessionVersion: 1, ExpireTimestamp: 1000})
	now := time.Now()
	sm.PromotePending(now, 10*time.Second)
	sm.HasPrevious = true // simulate a leftover previous route

	ok := sm.HandleContinueRequest(ContinueRequest{SessionVersion: 1, ExpireTimestamp: 1000}, now, 10*time.Second)
	if !ok {
		t.Fatalf("expected continue request to succeed")
	}
	if sm.HasPrevious {
		t.Errorf("expected previous cleared after a successful continue")
	}
}

func TestContinueRequestRejectsWrongSessionVersion(t *testing.T) {
	sm := &RouteSM{}
	from := mustAddr(t, "10.1.1.1:4000")
	sm.HandleRouteRequest(RouteRequest{From: from, SessionVersion: 1, ExpireTimestamp: 1000})
	sm.PromotePending(time.Now(), 10*time.Second)

	ok := sm.HandleContinueRequest(ContinueRequest{SessionVersion: 2, ExpireTimestamp: 1000}, time.Now(), 10*time.Second)
	if ok {
		t.Errorf("expected rejection of a continue request for the wrong session version")
	}
}

func TestSpecialSendSequenceIncrements(t *testing.T) {
	sm := &RouteSM{}
	s0 := sm.NextSpecialSendSequence()
	s1 := sm.NextSpecialSendSequence()
	if s1 != s0+1 {
		t.Errorf("expected monotonically increasing sequence, got %d then %d", s0, s1)
	}
}
