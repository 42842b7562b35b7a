package client

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/networknext/next/address"
	"github.com/networknext/next/bandwidth"
	"github.com/networknext/next/internal/nextlog"
	"github.com/networknext/next/kx"
	"github.com/networknext/next/netstats"
	"github.com/networknext/next/pingstats"
	"github.com/networknext/next/replay"
	"github.com/networknext/next/routetoken"
	"github.com/networknext/next/wire"
)

// PacketSender is the UDP socket abstraction ClientCore drives for
// outbound traffic. It is an interface rather than a concrete
// *net.UDPConn so tests can drive the background loop against a fake
// transport without opening a real socket. Inbound traffic arrives via
// ReceivePacket instead, fed by the caller's own read loop.
type PacketSender interface {
	SendTo(addr address.Address, data []byte) error
}

// CommandKind tags the variant carried by a Command, modeling
// spec.md's void*-typed command queue as an exhaustive sum type.
type CommandKind int

const (
	CommandOpenSession CommandKind = iota
	CommandCloseSession
	CommandSendPacket
	CommandFlush
)

// Command is one entry posted on the single-producer/single-consumer
// command queue from the user thread to the background worker.
type Command struct {
	Kind       CommandKind
	ServerAddr address.Address
	Payload    []byte
}

// inboundPacket is one entry posted on the inbound queue by the
// caller's UDP read loop, for the background worker to classify.
type inboundPacket struct {
	Data []byte
	From address.Address
}

// NotifyKind tags the variant carried by a Notify.
type NotifyKind int

const (
	NotifyUpgraded NotifyKind = iota
	NotifyStats
	NotifyMagicUpdated
	NotifyFlushFinished
	NotifyPacketReceived
)

// Notify is one entry posted on the background-to-user-thread notify
// queue, read back by the user thread's update() call.
type Notify struct {
	Kind    NotifyKind
	Stats   ClientStats
	Payload []byte
}

// ClientStats is the per-update snapshot spec.md §4.6 item 4 describes.
type ClientStats struct {
	DirectRTT       time.Duration
	DirectJitter    time.Duration
	DirectLoss      float64
	NextRTT         time.Duration
	NextJitter      time.Duration
	NextLoss        float64
	KbpsUpDirect    float64
	KbpsUpNext      float64
	KbpsDownDirect  float64
	KbpsDownNext    float64
	PacketsSent     uint64
	PacketsLost     uint64
	PacketsOOO      uint64
	ServerJitter    float64
	NearRelayCount  int
	FallbackLatched bool
}

// Counters mirrors spec.md's ClientSession.counters[64]: atomically
// incremented by the background worker, snapshotted by the user
// thread.
type Counters struct {
	PacketsSent uint64
	PacketsRecv uint64
}

func (c *Counters) incSent() { atomic.AddUint64(&c.PacketsSent, 1) }
func (c *Counters) incRecv() { atomic.AddUint64(&c.PacketsRecv, 1) }

// statsSequenceBase/ackSequenceBase partition the encrypted-packet
// nonce space (spec.md §4.1's EncryptBody derives its nonce from the
// sequence alone, with no packet type mixed in) so that direct pings,
// client stats and route-update acks sent within the same session
// never reuse a nonce under the same send key, even though they share
// one AEAD key and one wire "sequence" field. A receiver never
// interprets these offsets; it only ever echoes back whatever sequence
// arrived in a header.
const (
	statsSequenceBase = uint64(1) << 40
	ackSequenceBase    = uint64(1) << 48
)

// ClientCore is the dedicated background task spec.md §4.6 describes:
// it owns the UDP socket and the RouteManager/RelayManager state,
// processes one block_and_receive_packet→update cycle per ~10ms soft
// frame, and exposes open_session/close_session/send_packet/update to
// the user thread via two bounded channels, plus ReceivePacket for
// inbound traffic.
type ClientCore struct {
	sender PacketSender
	log    *nextlog.Logger

	commands chan Command
	notifies chan Notify
	inbound  chan inboundPacket

	cfg Config

	routeMu      sync.Mutex
	routeManager *RouteManager
	relayManager *RelayManager

	directPings  *pingstats.PingHistory
	nextPings    *pingstats.PingHistory
	serverStats  *netstats.SequenceTracker
	directUpKbps *bandwidth.Limiter
	nextUpKbps   *bandwidth.Limiter

	counters Counters

	serverAddr      address.Address
	hasServer       bool
	magic           wire.MagicSet
	upgraded        bool
	lastDirectPing  time.Time
	lastStatsReport time.Time

	// Upgrade-handshake state: the client's side of the kx exchange and
	// the session identifiers the server's UPGRADE_REQUEST assigned.
	kxKeyPair      kx.KeyPair
	sessionID      uint64
	sessionVersion uint8
	sendKey        wire.SessionKey
	receiveKey     wire.SessionKey
	hasSessionKeys bool

	// Upgrade response cache: spec.md §4.6 item 6's "after sending
	// UPGRADE_RESPONSE, retransmit every 1s for up to 5s while
	// unconfirmed."
	upgradeResponsePacket []byte
	awaitingConfirm       bool
	upgradeFirstSentAt    time.Time
	upgradeLastSentAt     time.Time

	payloadReplay *replay.Protection
	routeTokenKey [32]byte

	openSessionSeq uint8
	directSendSeq  uint64
	statsSendSeq   uint64

	quit   chan struct{}
	closed int32
}

// Config bounds the queue depths and timing the background worker
// uses, plus the identity/key material the upgrade handshake and route
// token decryption need; zero-valued fields fall back to spec.md's
// defaults.
type Config struct {
	CommandQueueDepth int
	NotifyQueueDepth  int
	UpdateInterval    time.Duration
	DirectPingsPerSec float64
	StatsPerSec       float64
	MaxRelayPings     int64
	RouteSliceSeconds time.Duration

	// ClientAddr is this client's own address, as both sides will
	// observe it on the wire (no separate NAT-discovery step in this
	// tree); used as the `from` endpoint in every chonkle/pittle check.
	ClientAddr address.Address

	// SigningKey signs this client's UPGRADE_RESPONSE; ServerVerifyKey
	// verifies the server's UPGRADE_REQUEST/UPGRADE_CONFIRM. Spec.md
	// §4.1 marks all three upgrade packet types "signed."
	SigningKey      ed25519.PrivateKey
	ServerVerifyKey ed25519.PublicKey

	// RoutePrivateKey/PeerRoutePublicKey derive (via kx.DeriveSharedKey,
	// ordinary two-party X25519) the symmetric key this client and its
	// server both use to seal/open RouteToken and ContinueToken
	// payloads. Spec.md §3 names a "router public key" for this; this
	// tree has no separate relay-router process, so the client and
	// server derive the same shared secret directly from each other's
	// configured route keys instead — see DESIGN.md.
	RoutePrivateKey    [32]byte
	PeerRoutePublicKey [32]byte
}

func (c Config) withDefaults() Config {
	if c.CommandQueueDepth == 0 {
		c.CommandQueueDepth = 256
	}
	if c.NotifyQueueDepth == 0 {
		c.NotifyQueueDepth = 256
	}
	if c.UpdateInterval == 0 {
		c.UpdateInterval = 10 * time.Millisecond
	}
	if c.DirectPingsPerSec == 0 {
		c.DirectPingsPerSec = 10
	}
	if c.StatsPerSec == 0 {
		c.StatsPerSec = 10
	}
	if c.MaxRelayPings == 0 {
		c.MaxRelayPings = 8
	}
	if c.RouteSliceSeconds == 0 {
		c.RouteSliceSeconds = 10 * time.Second
	}
	return c
}

// NewClientCore constructs a ClientCore bound to sender, not yet
// running; call Run to start its background worker.
func NewClientCore(sender PacketSender, log *nextlog.Logger, cfg Config) *ClientCore {
	cfg = cfg.withDefaults()
	c := &ClientCore{
		sender:        sender,
		log:           log,
		commands:      make(chan Command, cfg.CommandQueueDepth),
		notifies:      make(chan Notify, cfg.NotifyQueueDepth),
		inbound:       make(chan inboundPacket, cfg.CommandQueueDepth),
		cfg:           cfg,
		routeManager:  &RouteManager{},
		relayManager:  NewRelayManager(cfg.MaxRelayPings),
		directPings:   pingstats.New(),
		nextPings:     pingstats.New(),
		serverStats:   netstats.New(),
		directUpKbps:  bandwidth.New(),
		nextUpKbps:    bandwidth.New(),
		payloadReplay: replay.New(),
		quit:          make(chan struct{}),
	}
	key, err := kx.DeriveSharedKey(cfg.RoutePrivateKey, cfg.PeerRoutePublicKey)
	if err != nil {
		log.Warnf("client core: route token key derivation failed: %v", err)
	} else {
		c.routeTokenKey = key
	}
	return c
}

// OpenSession posts an open_session command. Safe to call from the
// user thread; never blocks the background worker.
func (c *ClientCore) OpenSession(serverAddr address.Address) error {
	return c.post(Command{Kind: CommandOpenSession, ServerAddr: serverAddr})
}

// CloseSession posts a close_session command.
func (c *ClientCore) CloseSession() error {
	return c.post(Command{Kind: CommandCloseSession})
}

// SendPacket posts a send_packet command with the application payload.
func (c *ClientCore) SendPacket(data []byte) error {
	return c.post(Command{Kind: CommandSendPacket, Payload: data})
}

// Flush posts a flush command, draining in-flight backend work before
// FLUSH_FINISHED is notified back.
func (c *ClientCore) Flush() error {
	return c.post(Command{Kind: CommandFlush})
}

func (c *ClientCore) post(cmd Command) error {
	select {
	case c.commands <- cmd:
		return nil
	default:
		return fmt.Errorf("client core: command queue full")
	}
}

// ReceivePacket posts one inbound packet, read by the caller's UDP
// socket loop, for the background worker to classify and dispatch.
// This is ClientCore's half of spec.md §4.6's "per-frame send/recv."
func (c *ClientCore) ReceivePacket(data []byte, from address.Address) error {
	cp := append([]byte(nil), data...)
	select {
	case c.inbound <- inboundPacket{Data: cp, From: from}:
		return nil
	default:
		return fmt.Errorf("client core: inbound queue full")
	}
}

// Update drains the notify queue, returning everything the background
// worker has posted since the last call. This is the user thread's
// only read path into background-worker state.
func (c *ClientCore) Update() []Notify {
	var out []Notify
	for {
		select {
		case n := <-c.notifies:
			out = append(out, n)
		default:
			return out
		}
	}
}

// RouteSnapshot returns the current route data under the route
// manager mutex, for the user-facing send path per spec.md §5's
// "RouteManager route data (client)" row.
func (c *ClientCore) RouteSnapshot() (RouteData, bool) {
	c.routeMu.Lock()
	defer c.routeMu.Unlock()
	if !c.routeManager.HasCurrent || c.routeManager.FallbackToDirect {
		return RouteData{}, false
	}
	return c.routeManager.Current, true
}

// Run starts the background worker and blocks until ctx is canceled or
// an unrecoverable error occurs, using an errgroup so future helper
// tasks (hostname resolve, autodetect) can join the same lifecycle.
func (c *ClientCore) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.loop(ctx)
	})
	return g.Wait()
}

func (c *ClientCore) loop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.quit:
			return nil
		case cmd := <-c.commands:
			c.handleCommand(cmd)
		case pkt := <-c.inbound:
			c.handleInbound(pkt.Data, pkt.From)
		case now := <-ticker.C:
			c.update(now)
		}
	}
}

func (c *ClientCore) handleCommand(cmd Command) {
	switch cmd.Kind {
	case CommandOpenSession:
		c.serverAddr = cmd.ServerAddr
		c.hasServer = true
		c.upgraded = false
		c.hasSessionKeys = false
		c.awaitingConfirm = false
		c.openSessionSeq++
		c.directSendSeq = 0
		c.payloadReplay.Reset()
	case CommandCloseSession:
		c.hasServer = false
		c.upgraded = false
		c.hasSessionKeys = false
		c.awaitingConfirm = false
		c.routeMu.Lock()
		*c.routeManager = RouteManager{}
		c.routeMu.Unlock()
	case CommandSendPacket:
		c.sendPacket(cmd.Payload)
	case CommandFlush:
		c.notify(Notify{Kind: NotifyFlushFinished})
	}
}

// sendPacket implements spec.md §4.6's send_packet branching: raw
// unauthenticated DIRECT_PACKET while unupgraded, authenticated
// CLIENT_TO_SERVER once a session exists — via the current route if one
// is installed and under its bandwidth budget, otherwise straight to
// the server (fallback or no route yet).
func (c *ClientCore) sendPacket(data []byte) {
	if !c.hasServer {
		return
	}
	if !c.upgraded {
		c.sendDirect(data)
		return
	}

	route, ok := c.RouteSnapshot()
	if !ok {
		c.sendDirect(data)
		return
	}

	kbpsAllowed := float64(route.KbpsUp)
	if over := c.nextUpKbps.PacketSent(len(data), kbpsAllowed, time.Now()); over {
		c.sendDirect(data)
		return
	}

	c.routeMu.Lock()
	seq := c.routeManager.NextSendSequence()
	c.routeMu.Unlock()

	// CLIENT_TO_SERVER sent via a route is keyed by the route's own
	// private key, not the session's kx key: that's what lets the
	// server's RouteSM tell a pending route's first packet apart from
	// the current one (routesm.go's "verifies under the pending key").
	routeKey := wire.SessionKey(route.PrivateKey)
	pkt, err := wire.WritePayloadPacket(wire.PacketClientToServer, seq, route.SessionID, route.SessionVersion, routeKey, data, c.magic.Current, c.cfg.ClientAddr, route.NextAddress)
	if err != nil {
		c.log.Debugf("client core: write payload packet failed: %v", err)
		return
	}
	_ = c.sender.SendTo(route.NextAddress, pkt)
	c.counters.incSent()
}

// sendDirect addresses the server directly: framed as an
// unauthenticated DIRECT_PACKET before upgrade, or as an authenticated
// CLIENT_TO_SERVER packet once session keys exist (fallback_to_direct
// still means "don't use a route," not "abandon the session," per
// invariant 4).
func (c *ClientCore) sendDirect(data []byte) {
	if !c.hasServer {
		return
	}
	if !c.hasSessionKeys {
		seq := c.directSendSeq
		c.directSendSeq++
		pkt := wire.WriteDirectPacket(c.openSessionSeq, seq, data, c.magic.Current, c.cfg.ClientAddr, c.serverAddr)
		_ = c.sender.SendTo(c.serverAddr, pkt)
		c.counters.incSent()
		return
	}

	c.routeMu.Lock()
	seq := c.routeManager.NextSendSequence()
	c.routeMu.Unlock()

	pkt, err := wire.WritePayloadPacket(wire.PacketClientToServer, seq, c.sessionID, c.sessionVersion, c.sendKey, data, c.magic.Current, c.cfg.ClientAddr, c.serverAddr)
	if err != nil {
		c.log.Debugf("client core: write payload packet failed: %v", err)
		return
	}
	_ = c.sender.SendTo(c.serverAddr, pkt)
	c.counters.incSent()
}

// handleInbound classifies one packet read by the caller's UDP socket,
// dispatching on its wire PacketType, per spec.md §4.6's receive path.
func (c *ClientCore) handleInbound(data []byte, from address.Address) {
	if len(data) < 1 {
		return
	}
	switch wire.PacketType(data[0]) {
	case wire.PacketUpgradeRequest:
		c.handleUpgradeRequest(data, from)
	case wire.PacketUpgradeConfirm:
		c.handleUpgradeConfirm(data, from)
	case wire.PacketServerToClient:
		c.handleServerToClient(data, from)
	case wire.PacketRouteUpdate:
		c.handleRouteUpdate(data, from)
	case wire.PacketRouteResponse:
		c.handleRouteResponse(data, from)
	case wire.PacketContinueResponse:
		c.handleContinueResponse(data, from)
	case wire.PacketDirectPong:
		c.handleDirectPong(data, from)
	case wire.PacketRelayPong:
		c.handleRelayPong(data, from)
	default:
		c.log.Debugf("client core: unhandled inbound packet type %d", data[0])
	}
}

// handleUpgradeRequest completes the client's side of spec.md §4.6/§4.7's
// upgrade handshake: generate an ephemeral kx keypair, derive the
// session's directional keys, and reply with a signed UPGRADE_RESPONSE,
// caching it for resend until UPGRADE_CONFIRM arrives.
func (c *ClientCore) handleUpgradeRequest(data []byte, from address.Address) {
	if !c.hasServer {
		return
	}
	// The bootstrap packet predates the client knowing any magic epoch,
	// so both sides validate it under the zero Magic; the client adopts
	// the server's real magic window from the body that follows.
	_, body, err := wire.ReadControlPacket(data, wire.MagicSet{}, from, c.cfg.ClientAddr, c.cfg.ServerVerifyKey)
	if err != nil {
		c.log.Debugf("client core: upgrade request rejected: %v", err)
		return
	}
	req, err := wire.DecodeUpgradeRequest(body)
	if err != nil {
		c.log.Debugf("client core: upgrade request decode failed: %v", err)
		return
	}

	c.magic = wire.MagicSet{Previous: req.Magic[0], Current: req.Magic[1], Upcoming: req.Magic[2]}

	kp, err := kx.Generate()
	if err != nil {
		c.log.Errorf("client core: kx generate failed: %v", err)
		return
	}
	keys, err := kx.DeriveClientKeys(kp.PrivateKey, req.KxPublicKey)
	if err != nil {
		c.log.Errorf("client core: derive client keys failed: %v", err)
		return
	}

	c.kxKeyPair = kp
	c.sessionID = req.SessionID
	c.sessionVersion = 0
	c.sendKey = wire.SessionKey(keys.SendKey)
	c.receiveKey = wire.SessionKey(keys.ReceiveKey)
	c.hasSessionKeys = true
	c.payloadReplay.Reset()

	respBody := wire.EncodeUpgradeResponse(wire.UpgradeResponseBody{SessionID: req.SessionID, KxPublicKey: kp.PublicKey})
	pkt, err := wire.WriteControlPacket(wire.PacketUpgradeResponse, respBody, c.magic.Current, c.cfg.ClientAddr, c.serverAddr, c.cfg.SigningKey)
	if err != nil {
		c.log.Errorf("client core: write upgrade response failed: %v", err)
		return
	}

	now := time.Now()
	c.upgradeResponsePacket = pkt
	c.awaitingConfirm = true
	c.upgradeFirstSentAt = now
	c.upgradeLastSentAt = now
	_ = c.sender.SendTo(c.serverAddr, pkt)
}

// handleUpgradeConfirm completes the handshake: spec.md's "Client
// session: ... upgraded on UPGRADE_CONFIRM."
func (c *ClientCore) handleUpgradeConfirm(data []byte, from address.Address) {
	if !c.awaitingConfirm {
		return
	}
	_, body, err := wire.ReadControlPacket(data, c.magic, from, c.cfg.ClientAddr, c.cfg.ServerVerifyKey)
	if err != nil {
		c.log.Debugf("client core: upgrade confirm rejected: %v", err)
		return
	}
	confirm, err := wire.DecodeUpgradeConfirm(body)
	if err != nil || confirm.SessionID != c.sessionID {
		c.log.Debugf("client core: upgrade confirm session mismatch")
		return
	}

	c.awaitingConfirm = false
	c.upgradeResponsePacket = nil
	c.upgraded = true
	c.notify(Notify{Kind: NotifyUpgraded})
}

// handleServerToClient delivers an application payload, enforcing
// replay protection per invariant 5: the window only advances after
// delivery.
func (c *ClientCore) handleServerToClient(data []byte, from address.Address) {
	if !c.hasSessionKeys {
		return
	}
	seq, sessionID, _, payload, err := wire.ReadPayloadPacket(data, c.magic, from, c.cfg.ClientAddr, c.receiveKey)
	if err != nil {
		c.log.Debugf("client core: server_to_client rejected: %v", err)
		return
	}
	if sessionID != c.sessionID || c.payloadReplay.AlreadyReceived(seq) {
		return
	}

	c.counters.incRecv()
	c.serverStats.PacketReceived(seq)
	c.notify(Notify{Kind: NotifyPacketReceived, Payload: payload})
	c.payloadReplay.Advance(seq)
}

// handleRouteUpdate applies spec.md §4.5's ROUTE_UPDATE handling: DIRECT
// demotes any current route, ROUTE installs a pending one (and forwards
// the request packet toward the first hop), CONTINUE extends the
// current one. Every applied update is acknowledged.
func (c *ClientCore) handleRouteUpdate(data []byte, from address.Address) {
	if !c.hasSessionKeys {
		return
	}
	_, seq, plaintext, err := wire.ReadEncryptedPacket(data, c.magic, from, c.cfg.ClientAddr, c.receiveKey, sessionAD(c.sessionID))
	if err != nil {
		c.log.Debugf("client core: route update rejected: %v", err)
		return
	}
	body, err := wire.DecodeRouteUpdate(plaintext)
	if err != nil {
		c.log.Debugf("client core: route update decode failed: %v", err)
		return
	}

	now := time.Now()
	c.routeMu.Lock()
	switch body.Directive {
	case wire.RouteDirectiveDirect:
		c.routeManager.ApplyDirect()

	case wire.RouteDirectiveRoute:
		token, err := routetoken.DecryptRouteToken(body.TokenCiphertext, body.Nonce, c.routeTokenKey)
		if err != nil {
			c.log.Debugf("client core: route token decrypt failed: %v", err)
			c.routeMu.Unlock()
			return
		}
		reqBody, err := wire.EncodeTokenRequest(wire.TokenRequestBody{Nonce: body.Nonce, Ciphertext: body.TokenCiphertext})
		if err != nil {
			c.routeMu.Unlock()
			return
		}
		reqPacket, err := wire.WriteControlPacket(wire.PacketRouteRequest, reqBody, c.magic.Current, c.cfg.ClientAddr, token.NextAddress, nil)
		if err != nil {
			c.routeMu.Unlock()
			return
		}
		c.routeManager.ApplyRoute(RouteTokenFields{
			SessionID:      token.SessionID,
			SessionVersion: token.SessionVersion,
			KbpsUp:         token.KbpsUp,
			KbpsDown:       token.KbpsDown,
			NextAddress:    token.NextAddress,
			PrivateKey:     token.PrivateKey,
		}, reqPacket, now)
		c.sessionVersion = token.SessionVersion
		c.routeMu.Unlock()
		_ = c.sender.SendTo(token.NextAddress, reqPacket)
		c.routeMu.Lock()

	case wire.RouteDirectiveContinue:
		token, err := routetoken.DecryptContinueToken(body.TokenCiphertext, body.Nonce, c.routeTokenKey)
		if err != nil {
			c.log.Debugf("client core: continue token decrypt failed: %v", err)
			c.routeMu.Unlock()
			return
		}
		reqBody, err := wire.EncodeTokenRequest(wire.TokenRequestBody{Nonce: body.Nonce, Ciphertext: body.TokenCiphertext})
		if err != nil {
			c.routeMu.Unlock()
			return
		}
		dest := c.routeManager.Current.NextAddress
		reqPacket, err := wire.WriteControlPacket(wire.PacketContinueRequest, reqBody, c.magic.Current, c.cfg.ClientAddr, dest, nil)
		if err != nil {
			c.routeMu.Unlock()
			return
		}
		if err := c.routeManager.ApplyContinue(reqPacket, now); err != nil {
			c.log.Debugf("client core: apply continue failed: %v", err)
			c.routeMu.Unlock()
			return
		}
		c.sessionVersion = token.SessionVersion
		c.routeMu.Unlock()
		_ = c.sender.SendTo(dest, reqPacket)
		c.routeMu.Lock()
	}
	c.routeMu.Unlock()

	ackBody := wire.EncodeRouteUpdateAck(wire.RouteUpdateAckBody{SessionVersion: c.sessionVersion})
	ackPacket, err := wire.WriteEncryptedPacket(wire.PacketRouteUpdateAck, ackSequenceBase+seq, ackBody, c.sendKey, sessionAD(c.sessionID), c.magic.Current, c.cfg.ClientAddr, c.serverAddr)
	if err != nil {
		c.log.Debugf("client core: write route update ack failed: %v", err)
		return
	}
	_ = c.sender.SendTo(c.serverAddr, ackPacket)
}

// handleRouteResponse promotes a pending route once its ROUTE_RESPONSE
// verifies under the pending route's private key, per spec.md §4.8.
func (c *ClientCore) handleRouteResponse(data []byte, from address.Address) {
	c.routeMu.Lock()
	defer c.routeMu.Unlock()
	if !c.routeManager.HasPending {
		return
	}
	key := wire.SessionKey(c.routeManager.Pending.PrivateKey)
	_, sessionID, _, _, err := wire.ReadPayloadPacket(data, c.magic, from, c.cfg.ClientAddr, key)
	if err != nil {
		c.log.Debugf("client core: route response rejected: %v", err)
		return
	}
	if sessionID != c.routeManager.Pending.SessionID {
		return
	}
	c.routeManager.PromotePending()
}

// handleContinueResponse confirms a pending continue once its
// CONTINUE_RESPONSE verifies under the current route's private key.
func (c *ClientCore) handleContinueResponse(data []byte, from address.Address) {
	c.routeMu.Lock()
	defer c.routeMu.Unlock()
	if !c.routeManager.HasCurrent || !c.routeManager.HasPendingContinue {
		return
	}
	key := wire.SessionKey(c.routeManager.Current.PrivateKey)
	_, sessionID, _, _, err := wire.ReadPayloadPacket(data, c.magic, from, c.cfg.ClientAddr, key)
	if err != nil {
		c.log.Debugf("client core: continue response rejected: %v", err)
		return
	}
	if sessionID != c.routeManager.Current.SessionID {
		return
	}
	c.routeManager.ConfirmContinue(c.cfg.RouteSliceSeconds)
}

// handleDirectPong folds a DIRECT_PONG into the direct ping history so
// direct_rtt/jitter/loss can become nonzero, per spec.md §8 scenario 3.
func (c *ClientCore) handleDirectPong(data []byte, from address.Address) {
	if !c.hasSessionKeys {
		return
	}
	_, seq, _, err := wire.ReadEncryptedPacket(data, c.magic, from, c.cfg.ClientAddr, c.receiveKey, sessionAD(c.sessionID))
	if err != nil {
		c.log.Debugf("client core: direct pong rejected: %v", err)
		return
	}
	c.directPings.PongReceived(seq, time.Now())
}

// handleRelayPong folds a near-relay pong into that relay's ping
// history. No relay daemon exists in this tree (out of scope per
// spec.md §1), so in practice only a test ever produces one; the
// dispatch still exists so RelayManager's RTT tracking is reachable
// from wire traffic rather than bookkeeping alone.
func (c *ClientCore) handleRelayPong(data []byte, from address.Address) {
	_, body, err := wire.ReadControlPacket(data, c.magic, from, c.cfg.ClientAddr, nil)
	if err != nil {
		c.log.Debugf("client core: relay pong rejected: %v", err)
		return
	}
	if len(body) < 16 {
		return
	}
	relayID := binary.LittleEndian.Uint64(body[0:8])
	seq := binary.LittleEndian.Uint64(body[8:16])
	for _, r := range c.relayManager.Entries() {
		if r.RelayID == relayID {
			r.PingHistory.PongReceived(seq, time.Now())
			return
		}
	}
}

// update runs one soft-frame cycle: direct and near-relay pings, route
// manager resends and timeouts, and stats reporting, per spec.md §4.6.
// No PING is sent along the current route, so nextPings never records
// a ping and the next-route stats it reports stay empty.
func (c *ClientCore) update(now time.Time) {
	if !c.hasServer {
		return
	}

	if c.awaitingConfirm {
		if now.Sub(c.upgradeFirstSentAt) > 5*time.Second {
			c.log.Warnf("client core: upgrade confirm not received within 5s, giving up")
			c.awaitingConfirm = false
			c.upgradeResponsePacket = nil
		} else if now.Sub(c.upgradeLastSentAt) >= time.Second {
			c.upgradeLastSentAt = now
			_ = c.sender.SendTo(c.serverAddr, c.upgradeResponsePacket)
		}
	}

	if now.Sub(c.lastDirectPing) >= 100*time.Millisecond {
		seq := c.directPings.PingSent(now)
		c.lastDirectPing = now
		if c.upgraded {
			pkt, err := wire.WriteEncryptedPacket(wire.PacketDirectPing, seq, nil, c.sendKey, sessionAD(c.sessionID), c.magic.Current, c.cfg.ClientAddr, c.serverAddr)
			if err != nil {
				c.log.Debugf("client core: write direct ping failed: %v", err)
			} else {
				_ = c.sender.SendTo(c.serverAddr, pkt)
			}
		}
	}

	c.routeMu.Lock()
	c.routeManager.CheckTimeouts(now, 250*time.Millisecond, 250*time.Millisecond, time.Second)
	fallback := c.routeManager.FallbackToDirect
	var pendingResend, continueResend []byte
	var pendingDest, continueDest address.Address
	if !fallback && c.routeManager.HasPending && now.Sub(c.routeManager.Pending.LastSendTime) >= 250*time.Millisecond {
		pendingResend = c.routeManager.Pending.RequestPacket
		pendingDest = c.routeManager.Pending.NextAddress
		c.routeManager.Pending.LastSendTime = now
	}
	if !fallback && c.routeManager.HasPendingContinue && now.Sub(c.routeManager.PendingContinue.LastSendTime) >= 250*time.Millisecond {
		continueResend = c.routeManager.PendingContinue.RequestPacket
		continueDest = c.routeManager.Current.NextAddress
		c.routeManager.PendingContinue.LastSendTime = now
	}
	c.routeMu.Unlock()
	if pendingResend != nil {
		_ = c.sender.SendTo(pendingDest, pendingResend)
	}
	if continueResend != nil {
		_ = c.sender.SendTo(continueDest, continueResend)
	}

	for _, relay := range c.relayManager.DuePings(now, 200*time.Millisecond) {
		seq := relay.PingHistory.PingSent(now)
		relay.LastPingTime = now
		body := encodeRelayPingBody(relay.RelayID, seq, relay.PingToken)
		pkt, err := wire.WriteControlPacket(wire.PacketRelayPing, body, c.magic.Current, c.cfg.ClientAddr, relay.Address, nil)
		if err == nil {
			_ = c.sender.SendTo(relay.Address, pkt)
		}
		c.relayManager.ReleaseBudget()
	}

	if now.Sub(c.lastStatsReport) >= 100*time.Millisecond {
		c.lastStatsReport = now
		stats := c.buildStats(now, fallback)
		c.notify(Notify{Kind: NotifyStats, Stats: stats})

		if c.upgraded {
			body := wire.EncodeClientStats(wire.ClientStatsBody{
				DirectRTT:        float32(stats.DirectRTT.Seconds() * 1000),
				DirectJitter:     float32(stats.DirectJitter.Seconds() * 1000),
				DirectLoss:       float32(stats.DirectLoss),
				NextRTT:          float32(stats.NextRTT.Seconds() * 1000),
				NextJitter:       float32(stats.NextJitter.Seconds() * 1000),
				NextLoss:         float32(stats.NextLoss),
				KbpsUpDirect:     float32(stats.KbpsUpDirect),
				KbpsUpNext:       float32(stats.KbpsUpNext),
				PacketsSent:      stats.PacketsSent,
				PacketsLost:      stats.PacketsLost,
				PacketsOOO:       stats.PacketsOOO,
				FallbackToDirect: fallback,
			})
			wireSeq := statsSequenceBase + c.statsSendSeq
			c.statsSendSeq++
			pkt, err := wire.WriteEncryptedPacket(wire.PacketClientStats, wireSeq, body, c.sendKey, sessionAD(c.sessionID), c.magic.Current, c.cfg.ClientAddr, c.serverAddr)
			if err != nil {
				c.log.Debugf("client core: write client stats failed: %v", err)
			} else {
				_ = c.sender.SendTo(c.serverAddr, pkt)
			}
		}
	}
}

func (c *ClientCore) buildStats(now time.Time, fallback bool) ClientStats {
	direct := c.directPings.Stats(now.Add(-time.Second), now, now, 100*time.Millisecond, 250*time.Millisecond)
	next := c.nextPings.Stats(now.Add(-time.Second), now, now, 100*time.Millisecond, 250*time.Millisecond)
	return ClientStats{
		DirectRTT:       direct.RTT,
		DirectJitter:    direct.Jitter,
		DirectLoss:      direct.PacketLoss,
		NextRTT:         next.RTT,
		NextJitter:      next.Jitter,
		NextLoss:        next.PacketLoss,
		KbpsUpDirect:    c.directUpKbps.AverageKbps(),
		KbpsUpNext:      c.nextUpKbps.AverageKbps(),
		PacketsSent:     atomic.LoadUint64(&c.counters.PacketsSent),
		ServerJitter:    c.serverStats.Jitter(),
		PacketsLost:     c.serverStats.PacketLoss(),
		PacketsOOO:      c.serverStats.OutOfOrderCount(),
		NearRelayCount:  len(c.relayManager.Entries()),
		FallbackLatched: fallback,
	}
}

func (c *ClientCore) notify(n Notify) {
	select {
	case c.notifies <- n:
	default:
		// Notify queue full: drop rather than block the background
		// worker, matching spec.md's bounded-queue model.
	}
}

// Stop requests the background worker exit after its current
// iteration, per spec.md §5's "setting the per-runtime quit flag".
func (c *ClientCore) Stop() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		close(c.quit)
	}
}

// sessionAD builds the additional authenticated data shared by every
// encrypted-session packet type: just the session id, binding each
// ciphertext to the session it belongs to.
func sessionAD(sessionID uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], sessionID)
	return b[:]
}

// encodeRelayPingBody lays out a RELAY_PING's unsigned, unencrypted
// body: relay_id, sequence, and the ping token the backend issued for
// this relay, so the relay (were one running) can verify and reply.
func encodeRelayPingBody(relayID, sequence uint64, token [32]byte) []byte {
	buf := make([]byte, 8+8+32)
	binary.LittleEndian.PutUint64(buf[0:8], relayID)
	binary.LittleEndian.PutUint64(buf[8:16], sequence)
	copy(buf[16:], token[:])
	return buf
}
