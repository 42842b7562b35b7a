package server

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/networknext/next/address"
	"github.com/networknext/next/internal/nextlog"
	"github.com/networknext/next/kx"
	"github.com/networknext/next/wire"
)

type fakeSender struct {
	sent []sentPacket
}

type sentPacket struct {
	addr address.Address
	data []byte
}

func (f *fakeSender) SendTo(addr address.Address, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, sentPacket{addr: addr, data: cp})
	return nil
}

func newTestCore(t *testing.T) (*ServerCore, *fakeSender) {
	t.Helper()
	return newTestCoreWithConfig(t, Config{})
}

func newTestCoreWithConfig(t *testing.T, cfg Config) (*ServerCore, *fakeSender) {
	t.Helper()
	fs := &fakeSender{}
	return NewServerCore(fs, nextlog.New("test", nextlog.LevelNone), cfg), fs
}

// drainInbound pulls and dispatches exactly one queued inbound packet,
// mirroring what loop() would do on the next select iteration.
func drainInbound(t *testing.T, core *ServerCore) {
	t.Helper()
	select {
	case pkt := <-core.inbound:
		core.handleInbound(pkt.Data, pkt.From)
	default:
		t.Fatal("expected a queued inbound packet")
	}
}

// upgradeTestHarness drives a real UPGRADE_REQUEST/UPGRADE_RESPONSE
// handshake against a ServerCore, the only way a ServerSessionEntry gets
// installed into bySession (upgradeSession itself only records a
// PendingSessionEntry and sends the request).
type upgradeTestHarness struct {
	core          *ServerCore
	fs            *fakeSender
	serverSignPub ed25519.PublicKey
	clientSignKey ed25519.PrivateKey
}

func newUpgradeTestHarness(t *testing.T, cfg Config) *upgradeTestHarness {
	t.Helper()
	serverSignPub, serverSignPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	clientSignPub, clientSignPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg.SigningKey = serverSignPriv
	cfg.ClientVerifyKey = clientSignPub
	core, fs := newTestCoreWithConfig(t, cfg)
	return &upgradeTestHarness{core: core, fs: fs, serverSignPub: serverSignPub, clientSignKey: clientSignPriv}
}

// upgrade posts upgrade_session for addr/userID/sessionID, plays the
// client's side of the handshake against the UPGRADE_REQUEST this
// produces, and returns the installed entry.
func (h *upgradeTestHarness) upgrade(t *testing.T, addr address.Address, userID, sessionID uint64) *ServerSessionEntry {
	t.Helper()
	before := len(h.fs.sent)
	if err := h.core.UpgradeSession(addr, userID, sessionID); err != nil {
		t.Fatal(err)
	}
	h.core.handleCommand(<-h.core.commands)
	if len(h.fs.sent) != before+1 {
		t.Fatalf("expected one upgrade request sent, got %d", len(h.fs.sent)-before)
	}

	_, reqBody, err := wire.ReadControlPacket(h.fs.sent[before].data, wire.MagicSet{}, h.core.cfg.ServerAddr, addr, h.serverSignPub)
	if err != nil {
		t.Fatal(err)
	}
	req, err := wire.DecodeUpgradeRequest(reqBody)
	if err != nil {
		t.Fatal(err)
	}

	clientKx, err := kx.Generate()
	if err != nil {
		t.Fatal(err)
	}
	respBody := wire.EncodeUpgradeResponse(wire.UpgradeResponseBody{SessionID: req.SessionID, KxPublicKey: clientKx.PublicKey})
	respPkt, err := wire.WriteControlPacket(wire.PacketUpgradeResponse, respBody, wire.Magic{}, addr, h.core.cfg.ServerAddr, h.clientSignKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.core.ReceivePacket(respPkt, addr); err != nil {
		t.Fatal(err)
	}
	drainInbound(t, h.core)

	entry, ok := h.core.Session(sessionID)
	if !ok {
		t.Fatalf("expected session %d installed after upgrade handshake", sessionID)
	}
	return entry
}

func TestUpgradeSessionInstallsEntry(t *testing.T) {
	addr := mustAddr(t, "10.1.1.1:5000")
	h := newUpgradeTestHarness(t, Config{ServerAddr: mustAddr(t, "10.0.0.1:40000")})
	entry := h.upgrade(t, addr, 42, 7)

	if !entry.Address.Equal(addr) {
		t.Errorf("expected session address %v, got %v", addr, entry.Address)
	}
}

func TestUpgradeSessionRefusedWhileFlushing(t *testing.T) {
	core, fs := newTestCore(t)
	core.flushing = true
	core.UpgradeSession(mustAddr(t, "10.1.1.1:5000"), 1, 1)
	core.handleCommand(<-core.commands)

	if len(fs.sent) != 0 {
		t.Errorf("expected no upgrade request sent while flushing, got %+v", fs.sent)
	}
	if _, ok := core.Session(1); ok {
		t.Errorf("expected upgrade refused while flushing")
	}
}

// TestPromoteRoutePublishesSendView proves a pending route gets promoted
// and its send view published the moment a real CLIENT_TO_SERVER packet
// verifies under the pending route key — the only way ServerCore promotes
// a route (see handleClientToServer/decryptClientPayload), replacing a
// prior version of this test that called a promotion method which no
// longer exists.
func TestPromoteRoutePublishesSendView(t *testing.T) {
	serverAddr := mustAddr(t, "10.0.0.1:40000")
	clientAddr := mustAddr(t, "10.1.1.1:5000")
	h := newUpgradeTestHarness(t, Config{ServerAddr: serverAddr})
	entry := h.upgrade(t, clientAddr, 1, 7)

	entry.RouteSM.HandleRouteRequest(RouteRequest{From: clientAddr, SessionVersion: 1, ExpireTimestamp: 1000})

	pendingKey := wire.SessionKey(entry.RouteSM.Pending.PrivateKey)
	pkt, err := wire.WritePayloadPacket(wire.PacketClientToServer, 0, 7, entry.RouteSM.Pending.SessionVersion, pendingKey, []byte{1, 2, 3}, entry.Magic.Current, clientAddr, serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.core.ReceivePacket(pkt, clientAddr); err != nil {
		t.Fatal(err)
	}
	drainInbound(t, h.core)

	if !entry.RouteSM.HasCurrent {
		t.Fatalf("expected the pending route promoted to current")
	}
	sendAddr, _, ok := entry.SendView()
	if !ok || !sendAddr.Equal(clientAddr) {
		t.Fatalf("expected send view published with the promoted route's address, got %v ok=%v", sendAddr, ok)
	}
}

// TestSendToClientAlwaysUsesDirectAddress proves SERVER_TO_CLIENT ignores
// any published send view and always reaches the client's direct UDP
// address, matching sendToClient's "never travels via a route" framing.
func TestSendToClientAlwaysUsesDirectAddress(t *testing.T) {
	serverAddr := mustAddr(t, "10.0.0.1:40000")
	clientAddr := mustAddr(t, "10.1.1.1:5000")
	h := newUpgradeTestHarness(t, Config{ServerAddr: serverAddr})
	entry := h.upgrade(t, clientAddr, 1, 7)
	entry.publishSendView(mustAddr(t, "10.9.9.9:6000"), [32]byte{})

	before := len(h.fs.sent)
	h.core.SendToClient(7, []byte{1, 2, 3})
	h.core.handleCommand(<-h.core.commands)

	if len(h.fs.sent) != before+1 || !h.fs.sent[before].addr.Equal(clientAddr) {
		t.Fatalf("expected send_to_client delivered directly to the client, got %+v", h.fs.sent)
	}
}

func TestFlushWithNoSessionsFinishesImmediately(t *testing.T) {
	core, _ := newTestCore(t)
	core.Flush()
	core.handleCommand(<-core.commands)

	notifies := core.Update()
	if len(notifies) != 1 || notifies[0].Kind != NotifyFlushFinished {
		t.Fatalf("expected immediate flush finished with no sessions, got %+v", notifies)
	}
}

func TestFlushWaitsForAllSessionUpdatesThenFinishes(t *testing.T) {
	h := newUpgradeTestHarness(t, Config{ServerAddr: mustAddr(t, "10.0.0.1:40000")})
	h.upgrade(t, mustAddr(t, "10.1.1.1:5000"), 1, 7)
	h.upgrade(t, mustAddr(t, "10.1.1.2:5001"), 2, 8)
	core := h.core

	core.Flush()
	core.handleCommand(<-core.commands)

	if notifies := core.Update(); len(notifies) != 0 {
		t.Fatalf("expected no flush finished notification yet, got %+v", notifies)
	}

	core.MarkSessionUpdateFlushed(7)
	core.update(time.Now())
	if notifies := core.Update(); len(notifies) != 0 {
		t.Fatalf("expected flush still pending with one session remaining, got %+v", notifies)
	}

	core.MarkSessionUpdateFlushed(8)
	core.update(time.Now())
	notifies := core.Update()
	if len(notifies) != 1 || notifies[0].Kind != NotifyFlushFinished {
		t.Fatalf("expected flush finished once every session update is flushed, got %+v", notifies)
	}
}

func TestCommandQueueFullReturnsError(t *testing.T) {
	core, _ := newTestCore(t)
	core.commands = make(chan Command, 1)
	core.commands <- Command{Kind: CommandFlush}
	if err := core.Flush(); err == nil {
		t.Errorf("expected error posting to a full command queue")
	}
}
