package server

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/networknext/next/address"
	"github.com/networknext/next/backend"
	"github.com/networknext/next/bandwidth"
	"github.com/networknext/next/internal/nextlog"
	"github.com/networknext/next/kx"
	"github.com/networknext/next/replay"
	"github.com/networknext/next/routetoken"
	"github.com/networknext/next/wire"
)

// PacketSender is the UDP socket abstraction ServerCore drives,
// mirroring client.PacketSender so both runtimes can be driven by the
// same fake transport in tests without opening a real socket.
type PacketSender interface {
	SendTo(addr address.Address, data []byte) error
}

// ServerSessionEntry is spec.md §4.3's full per-session record: the
// SessionTable slot plus route state machine, crypto session state,
// stats bookkeeping and flush tracking. It embeds the array-backed
// SessionEntry so SessionTable indices address both.
type ServerSessionEntry struct {
	SessionEntry

	RouteSM RouteSM

	// Crypto session state derived from the upgrade handshake's kx
	// exchange, used for every control-channel packet that isn't
	// addressed via a route (UPGRADE_CONFIRM already sent, so: DIRECT_PING
	// reply, CLIENT_STATS receive, ROUTE_UPDATE send, SERVER_TO_CLIENT).
	SessionVersion uint8
	Magic          wire.MagicSet
	SendKey        wire.SessionKey
	ReceiveKey     wire.SessionKey
	HasSessionKeys bool
	PayloadReplay  *replay.Protection

	// mutex-guarded "send view" snapshot the user-facing send path
	// reads without touching the rest of the entry (spec.md §5's
	// "mutex_* fields on server session").
	sendMu      sync.Mutex
	sendAddress address.Address
	sendKey     [32]byte
	hasSendView bool

	Outbound *bandwidth.Limiter

	WaitingForUpdateResponse bool
	ClientPingTimedOut       bool

	LastStats       wire.ClientStatsBody
	HasStats        bool
	SliceNumber     uint32
	NextUpdateAt    time.Time

	// Flush bookkeeping: set true once this session's final session
	// update has been sent, per spec.md §4.9's flush semantics.
	FlushedSessionUpdate bool
}

// publishSendView stores the address/key snapshot the update loop
// computes after a route promotion, per spec.md §4.8's "publish the
// new {send_address, private_key, session_version} snapshot under the
// session mutex for the sender side."
func (e *ServerSessionEntry) publishSendView(addr address.Address, key [32]byte) {
	e.sendMu.Lock()
	e.sendAddress = addr
	e.sendKey = key
	e.hasSendView = true
	e.sendMu.Unlock()
}

// SendView returns the most recently published send-path snapshot.
func (e *ServerSessionEntry) SendView() (address.Address, [32]byte, bool) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.sendAddress, e.sendKey, e.hasSendView
}

// CommandKind tags the variant carried by a Command.
type CommandKind int

const (
	CommandUpgradeSession CommandKind = iota
	CommandSendToClient
	CommandFlush
)

// Command is one entry on the server's command queue, posted by the
// user-facing API layer and consumed by the background worker.
type Command struct {
	Kind      CommandKind
	Address   address.Address
	UserID    uint64
	SessionID uint64
	Payload   []byte
}

// inboundPacket is one entry on the server's inbound queue, posted by
// the caller's UDP read loop.
type inboundPacket struct {
	Data []byte
	From address.Address
}

// NotifyKind tags the variant carried by a Notify.
type NotifyKind int

const (
	NotifyUpgraded NotifyKind = iota
	NotifyFlushFinished
	NotifyPacketReceived
)

// Notify is one entry on the server's notify queue.
type Notify struct {
	Kind      NotifyKind
	SessionID uint64
	Payload   []byte
}

// Config bounds the identity/key material and timing the background
// worker needs; zero-valued fields fall back to spec.md's defaults.
type Config struct {
	ServerAddr      address.Address
	SigningKey      ed25519.PrivateKey
	ClientVerifyKey ed25519.PublicKey

	// RoutePrivateKey/PeerRoutePublicKey mirror client.Config's fields:
	// the two-party shared secret this server and each of its clients
	// use to open RouteToken/ContinueToken ciphertext forwarded in
	// ROUTE_REQUEST/CONTINUE_REQUEST, standing in for the backend's
	// per-relay router key in this tree's simplified topology (see
	// DESIGN.md).
	RoutePrivateKey    [32]byte
	PeerRoutePublicKey [32]byte

	UpgradeTimeout          time.Duration
	RouteSliceSeconds       time.Duration
	SessionUpdateInterval   time.Duration
	SessionUpdateResendTime time.Duration
	SessionUpdateTimeout    time.Duration

	Backend      *backend.Client
	CustomerID   uint64
	DatacenterID uint64
	SDKVersion   uint32
}

func (c Config) withDefaults() Config {
	if c.UpgradeTimeout == 0 {
		c.UpgradeTimeout = 5 * time.Second
	}
	if c.RouteSliceSeconds == 0 {
		c.RouteSliceSeconds = 10 * time.Second
	}
	if c.SessionUpdateInterval == 0 {
		c.SessionUpdateInterval = 10 * time.Second
	}
	if c.SessionUpdateResendTime == 0 {
		c.SessionUpdateResendTime = time.Second
	}
	if c.SessionUpdateTimeout == 0 {
		c.SessionUpdateTimeout = 10 * time.Second
	}
	return c
}

// ServerCore is the dedicated background task spec.md §4.9/§5
// describes: it owns the UDP socket, the SessionTable and every
// ServerSessionEntry's route state, drives the backend.Client on a
// ~100ms update tick, and classifies inbound packets into the
// upgrade/direct/route/backend/user-stats paths.
type ServerCore struct {
	sender PacketSender
	log    *nextlog.Logger
	cfg    Config

	commands chan Command
	notifies chan Notify
	inbound  chan inboundPacket

	sessions  *SessionTable
	bySession map[uint64]*ServerSessionEntry
	pending   *PendingSessionTable

	routeTokenKey [32]byte

	nextSessionID   uint64
	backendInitSent bool

	flushing                 bool
	numSessionUpdatesToFlush int
	numFlushedSessionUpdates int

	quit   chan struct{}
	closed int32
}

// NewServerCore constructs a ServerCore bound to sender, not yet
// running; call Run to start its background worker.
func NewServerCore(sender PacketSender, log *nextlog.Logger, cfg Config) *ServerCore {
	cfg = cfg.withDefaults()
	s := &ServerCore{
		sender:    sender,
		log:       log,
		cfg:       cfg,
		commands:  make(chan Command, 1024),
		notifies:  make(chan Notify, 1024),
		inbound:   make(chan inboundPacket, 1024),
		sessions:  NewSessionTable(),
		bySession: make(map[uint64]*ServerSessionEntry),
		pending:   NewPendingSessionTable(),
		quit:      make(chan struct{}),
	}
	key, err := kx.DeriveSharedKey(cfg.RoutePrivateKey, cfg.PeerRoutePublicKey)
	if err != nil {
		log.Warnf("server core: route token key derivation failed: %v", err)
	} else {
		s.routeTokenKey = key
	}
	return s
}

// UpgradeSession posts an upgrade_session command. Refused once
// flushing has started, per spec.md §4.3 invariant 7.
func (s *ServerCore) UpgradeSession(addr address.Address, userID, sessionID uint64) error {
	return s.post(Command{Kind: CommandUpgradeSession, Address: addr, UserID: userID, SessionID: sessionID})
}

// SendToClient posts a send-to-client command for an already-upgraded
// session.
func (s *ServerCore) SendToClient(sessionID uint64, payload []byte) error {
	return s.post(Command{Kind: CommandSendToClient, SessionID: sessionID, Payload: payload})
}

// Flush posts a flush command; FLUSH_FINISHED arrives on the notify
// queue once every in-flight session update has been sent.
func (s *ServerCore) Flush() error {
	return s.post(Command{Kind: CommandFlush})
}

func (s *ServerCore) post(cmd Command) error {
	select {
	case s.commands <- cmd:
		return nil
	default:
		return fmt.Errorf("server core: command queue full")
	}
}

// ReceivePacket posts one inbound packet, read by the caller's UDP
// socket loop, for the background worker to classify and dispatch.
func (s *ServerCore) ReceivePacket(data []byte, from address.Address) error {
	cp := append([]byte(nil), data...)
	select {
	case s.inbound <- inboundPacket{Data: cp, From: from}:
		return nil
	default:
		return fmt.Errorf("server core: inbound queue full")
	}
}

// HandleBackendResponse verifies and applies one signed, session-less
// response from the network-next backend (init or server update): the
// receive-side counterpart to backend.Client's Send* methods. The
// caller's backend transport feeds responses in here as they arrive,
// since backend.Transport is send-only from this package's point of
// view.
func (s *ServerCore) HandleBackendResponse(t wire.PacketType, body, signature []byte) error {
	if s.cfg.Backend == nil {
		return fmt.Errorf("server core: no backend client configured")
	}
	if err := s.cfg.Backend.VerifyResponse(t, body, signature); err != nil {
		return fmt.Errorf("server core: backend response signature: %w", err)
	}
	switch t {
	case wire.PacketBackendInitResponse:
		resp, err := backend.DecodeInitResponse(body)
		if err != nil {
			return err
		}
		s.cfg.Backend.HandleInitResponse(resp)
		return nil
	case wire.PacketBackendServerUpdateResponse:
		resp, err := backend.DecodeServerUpdateResponse(body)
		if err != nil {
			return err
		}
		s.cfg.Backend.HandleServerUpdateResponse(resp)
		return nil
	default:
		return fmt.Errorf("server core: unexpected backend response type %d", t)
	}
}

// HandleBackendSessionUpdateResponse verifies and applies one signed
// NEXT_BACKEND_SESSION_UPDATE_RESPONSE for sessionID, translating its
// directive into an outbound ROUTE_UPDATE, per spec.md §4.9 item 3.
func (s *ServerCore) HandleBackendSessionUpdateResponse(sessionID uint64, body, signature []byte) error {
	if s.cfg.Backend == nil {
		return fmt.Errorf("server core: no backend client configured")
	}
	if err := s.cfg.Backend.VerifyResponse(wire.PacketBackendSessionUpdateResponse, body, signature); err != nil {
		return fmt.Errorf("server core: backend response signature: %w", err)
	}
	resp, err := backend.DecodeSessionUpdateResponse(body)
	if err != nil {
		return err
	}
	s.cfg.Backend.HandleSessionUpdateResponse(sessionID)

	entry, ok := s.bySession[sessionID]
	if !ok || !entry.HasSessionKeys {
		return nil
	}
	entry.WaitingForUpdateResponse = false
	s.sendRouteUpdate(entry, resp)
	return nil
}

// Update drains the notify queue.
func (s *ServerCore) Update() []Notify {
	var out []Notify
	for {
		select {
		case n := <-s.notifies:
			out = append(out, n)
		default:
			return out
		}
	}
}

// Run starts the background worker and blocks until ctx is canceled.
func (s *ServerCore) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(ctx)
	})
	return g.Wait()
}

func (s *ServerCore) loop(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.quit:
			return nil
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		case pkt := <-s.inbound:
			s.handleInbound(pkt.Data, pkt.From)
		case now := <-ticker.C:
			s.update(now)
		}
	}
}

func (s *ServerCore) handleCommand(cmd Command) {
	switch cmd.Kind {
	case CommandUpgradeSession:
		s.upgradeSession(cmd.Address, cmd.UserID, cmd.SessionID)
	case CommandSendToClient:
		s.sendToClient(cmd.SessionID, cmd.Payload)
	case CommandFlush:
		s.startFlush()
	}
}

// upgradeSession implements spec.md §4.3 invariant 7 and §4.7's
// server-initiated handshake: mints an ephemeral kx keypair, records a
// PendingSessionEntry, and sends the signed UPGRADE_REQUEST. The
// session only gets a real ServerSessionEntry once UPGRADE_RESPONSE
// arrives and verifies.
func (s *ServerCore) upgradeSession(addr address.Address, userID, sessionID uint64) {
	if s.flushing {
		s.log.Warnf("upgrade_session refused: flush in progress")
		return
	}
	kp, err := kx.Generate()
	if err != nil {
		s.log.Errorf("server core: kx generate failed: %v", err)
		return
	}

	now := time.Now()
	s.pending.Add(&PendingSessionEntry{
		Address:            addr,
		SessionID:          sessionID,
		UserHash:           userID,
		KxKeyPair:          kp,
		UpgradeTime:        now,
		LastPacketSendTime: now,
	})

	magic := s.currentMagic()
	body := wire.EncodeUpgradeRequest(wire.UpgradeRequestBody{
		SessionID:   sessionID,
		UserHash:    userID,
		KxPublicKey: kp.PublicKey,
		Magic:       [3]wire.Magic{magic.Previous, magic.Current, magic.Upcoming},
	})
	// The bootstrap packet predates the client knowing any magic epoch,
	// so it's framed under the zero Magic (see client's handleUpgradeRequest).
	pkt, err := wire.WriteControlPacket(wire.PacketUpgradeRequest, body, wire.Magic{}, s.cfg.ServerAddr, addr, s.cfg.SigningKey)
	if err != nil {
		s.log.Errorf("server core: write upgrade request failed: %v", err)
		return
	}
	_ = s.sender.SendTo(addr, pkt)
}

// currentMagic returns the backend-assigned magic window this server is
// currently quoting to clients, falling back to the zero window before
// the backend client has completed its init exchange.
func (s *ServerCore) currentMagic() wire.MagicSet {
	if s.cfg.Backend == nil {
		return wire.MagicSet{}
	}
	return s.cfg.Backend.Magic
}

// sendToClient frames and sends one application payload to an
// upgraded session, directly to its known UDP address (SERVER_TO_CLIENT
// never travels via the session's route).
func (s *ServerCore) sendToClient(sessionID uint64, payload []byte) {
	entry, ok := s.bySession[sessionID]
	if !ok || !entry.HasSessionKeys {
		return
	}
	seq := entry.RouteSM.NextSpecialSendSequence()
	pkt, err := wire.WritePayloadPacket(wire.PacketServerToClient, seq, sessionID, entry.SessionVersion, entry.SendKey, payload, entry.Magic.Current, s.cfg.ServerAddr, entry.Address)
	if err != nil {
		s.log.Debugf("server core: write server_to_client failed: %v", err)
		return
	}
	kbpsDown := float64(entry.RouteSM.Current.KbpsDown)
	if entry.Outbound.PacketSent(len(pkt), kbpsDown, time.Now()) {
		s.log.Debugf("session %d outbound bandwidth over limit", sessionID)
	}
	_ = s.sender.SendTo(entry.Address, pkt)
}

// Session looks up a session's full entry by id, for callers (tests,
// the flush driver) that need direct access beyond the command API.
func (s *ServerCore) Session(sessionID uint64) (*ServerSessionEntry, bool) {
	e, ok := s.bySession[sessionID]
	return e, ok
}

// handleInbound classifies one packet read by the caller's UDP socket,
// dispatching on its wire PacketType, per spec.md §4's data-flow
// description.
func (s *ServerCore) handleInbound(data []byte, from address.Address) {
	if len(data) < 1 {
		return
	}
	switch wire.PacketType(data[0]) {
	case wire.PacketUpgradeResponse:
		s.handleUpgradeResponse(data, from)
	case wire.PacketClientToServer:
		s.handleClientToServer(data, from)
	case wire.PacketRouteRequest:
		s.handleRouteRequest(data, from)
	case wire.PacketContinueRequest:
		s.handleContinueRequest(data, from)
	case wire.PacketRouteUpdateAck:
		s.handleRouteUpdateAck(data, from)
	case wire.PacketDirectPing:
		s.handleDirectPing(data, from)
	case wire.PacketClientStats:
		s.handleClientStats(data, from)
	default:
		s.log.Debugf("server core: unhandled inbound packet type %d", data[0])
	}
}

// handleUpgradeResponse completes the server's side of the handshake:
// verify, derive server-side session keys, promote the pending entry
// into a full ServerSessionEntry, and confirm.
func (s *ServerCore) handleUpgradeResponse(data []byte, from address.Address) {
	magic := s.currentMagic()
	_, body, err := wire.ReadControlPacket(data, magic, from, s.cfg.ServerAddr, s.cfg.ClientVerifyKey)
	if err != nil {
		s.log.Debugf("server core: upgrade response rejected: %v", err)
		return
	}
	resp, err := wire.DecodeUpgradeResponse(body)
	if err != nil {
		s.log.Debugf("server core: upgrade response decode failed: %v", err)
		return
	}
	pendingEntry, ok := s.pending.Get(resp.SessionID)
	if !ok || !pendingEntry.Address.Equal(from) {
		return
	}

	keys, err := kx.DeriveServerKeys(pendingEntry.KxKeyPair.PrivateKey, resp.KxPublicKey)
	if err != nil {
		s.log.Errorf("server core: derive server keys failed: %v", err)
		return
	}

	index := s.sessions.Add(from, resp.SessionID)
	entrySlot, _ := s.sessions.Get(index)
	entry := &ServerSessionEntry{
		SessionEntry:   entrySlot,
		SendKey:        wire.SessionKey(keys.SendKey),
		ReceiveKey:     wire.SessionKey(keys.ReceiveKey),
		HasSessionKeys: true,
		PayloadReplay:  replay.New(),
		Magic:          magic,
		Outbound:       bandwidth.New(),
	}
	s.bySession[resp.SessionID] = entry
	s.pending.Remove(resp.SessionID)

	confirmBody := wire.EncodeUpgradeConfirm(wire.UpgradeConfirmBody{SessionID: resp.SessionID})
	pkt, err := wire.WriteControlPacket(wire.PacketUpgradeConfirm, confirmBody, magic.Current, s.cfg.ServerAddr, from, s.cfg.SigningKey)
	if err != nil {
		s.log.Errorf("server core: write upgrade confirm failed: %v", err)
		return
	}
	_ = s.sender.SendTo(from, pkt)
	s.notify(Notify{Kind: NotifyUpgraded, SessionID: resp.SessionID})
}

// decryptClientPayload tries every key the session currently recognizes
// for CLIENT_TO_SERVER — the current route key, the pending route key,
// then the persistent kx key for fallback-direct traffic — since the
// packet itself carries no hint of which one its sender used.
func (s *ServerCore) decryptClientPayload(entry *ServerSessionEntry, data []byte, from address.Address) (seq uint64, payload []byte, usedPending bool, ok bool) {
	if entry.RouteSM.HasCurrent {
		key := wire.SessionKey(entry.RouteSM.Current.PrivateKey)
		if sq, sid, _, pl, err := wire.ReadPayloadPacket(data, entry.Magic, from, s.cfg.ServerAddr, key); err == nil && sid == entry.SessionID {
			return sq, pl, false, true
		}
	}
	if entry.RouteSM.HasPending {
		key := wire.SessionKey(entry.RouteSM.Pending.PrivateKey)
		if sq, sid, _, pl, err := wire.ReadPayloadPacket(data, entry.Magic, from, s.cfg.ServerAddr, key); err == nil && sid == entry.SessionID {
			return sq, pl, true, true
		}
	}
	if entry.HasSessionKeys {
		if sq, sid, _, pl, err := wire.ReadPayloadPacket(data, entry.Magic, from, s.cfg.ServerAddr, entry.ReceiveKey); err == nil && sid == entry.SessionID {
			return sq, pl, false, true
		}
	}
	return 0, nil, false, false
}

// handleClientToServer delivers one application payload, promoting a
// pending route the moment its key first verifies, per spec.md §4.8.
func (s *ServerCore) handleClientToServer(data []byte, from address.Address) {
	index, ok := s.sessions.FindByAddress(from)
	if !ok {
		return
	}
	slot, ok := s.sessions.Get(index)
	if !ok {
		return
	}
	entry, ok := s.bySession[slot.SessionID]
	if !ok {
		return
	}

	seq, payload, usedPending, ok := s.decryptClientPayload(entry, data, from)
	if !ok {
		s.log.Debugf("server core: client_to_server rejected for session %d", entry.SessionID)
		return
	}
	if usedPending {
		entry.RouteSM.PromotePending(time.Now(), s.cfg.RouteSliceSeconds)
		entry.SessionVersion = entry.RouteSM.Current.SessionVersion
		entry.publishSendView(entry.RouteSM.Current.SendAddress, entry.RouteSM.Current.PrivateKey)
	}
	if entry.PayloadReplay.AlreadyReceived(seq) {
		return
	}
	entry.PayloadReplay.Advance(seq)
	s.notify(Notify{Kind: NotifyPacketReceived, SessionID: entry.SessionID, Payload: payload})
}

// handleRouteRequest decrypts the forwarded RouteToken (this tree's
// server plays the sole "relay" role, see DESIGN.md), applies spec.md
// §4.8's RouteSM rules, and replies with a ROUTE_RESPONSE keyed by
// whatever route is now pending.
func (s *ServerCore) handleRouteRequest(data []byte, from address.Address) {
	_, body, err := wire.ReadControlPacket(data, s.currentMagic(), from, s.cfg.ServerAddr, nil)
	if err != nil {
		s.log.Debugf("server core: route request framing rejected: %v", err)
		return
	}
	tr, err := wire.DecodeTokenRequest(body)
	if err != nil {
		s.log.Debugf("server core: route request decode failed: %v", err)
		return
	}
	token, err := routetoken.DecryptRouteToken(tr.Ciphertext, tr.Nonce, s.routeTokenKey)
	if err != nil {
		s.log.Debugf("server core: route token decrypt failed: %v", err)
		return
	}
	entry, ok := s.bySession[token.SessionID]
	if !ok {
		return
	}

	entry.RouteSM.HandleRouteRequest(RouteRequest{
		From:            from,
		ExpireTimestamp: token.ExpireTimestamp,
		SessionVersion:  token.SessionVersion,
		KbpsUp:          token.KbpsUp,
		KbpsDown:        token.KbpsDown,
		PrivateKey:      token.PrivateKey,
	})

	seq := entry.RouteSM.NextSpecialSendSequence()
	key := wire.SessionKey(entry.RouteSM.Pending.PrivateKey)
	resp, err := wire.WritePayloadPacket(wire.PacketRouteResponse, seq, token.SessionID, entry.RouteSM.Pending.SessionVersion, key, nil, entry.Magic.Current, s.cfg.ServerAddr, from)
	if err != nil {
		s.log.Debugf("server core: write route response failed: %v", err)
		return
	}
	_ = s.sender.SendTo(from, resp)
}

// handleContinueRequest mirrors handleRouteRequest for CONTINUE_REQUEST.
func (s *ServerCore) handleContinueRequest(data []byte, from address.Address) {
	_, body, err := wire.ReadControlPacket(data, s.currentMagic(), from, s.cfg.ServerAddr, nil)
	if err != nil {
		s.log.Debugf("server core: continue request framing rejected: %v", err)
		return
	}
	tr, err := wire.DecodeTokenRequest(body)
	if err != nil {
		s.log.Debugf("server core: continue request decode failed: %v", err)
		return
	}
	token, err := routetoken.DecryptContinueToken(tr.Ciphertext, tr.Nonce, s.routeTokenKey)
	if err != nil {
		s.log.Debugf("server core: continue token decrypt failed: %v", err)
		return
	}
	entry, ok := s.bySession[token.SessionID]
	if !ok {
		return
	}

	ok = entry.RouteSM.HandleContinueRequest(ContinueRequest{
		SessionVersion:  token.SessionVersion,
		ExpireTimestamp: token.ExpireTimestamp,
	}, time.Now(), s.cfg.RouteSliceSeconds)
	if !ok {
		return
	}

	seq := entry.RouteSM.NextSpecialSendSequence()
	key := wire.SessionKey(entry.RouteSM.Current.PrivateKey)
	resp, err := wire.WritePayloadPacket(wire.PacketContinueResponse, seq, token.SessionID, entry.RouteSM.Current.SessionVersion, key, nil, entry.Magic.Current, s.cfg.ServerAddr, from)
	if err != nil {
		s.log.Debugf("server core: write continue response failed: %v", err)
		return
	}
	_ = s.sender.SendTo(from, resp)
}

// handleRouteUpdateAck just folds the client's session_version echo
// into bookkeeping; nothing currently depends on it beyond logging a
// mismatch, since RouteSM is the authority on session_version.
func (s *ServerCore) handleRouteUpdateAck(data []byte, from address.Address) {
	index, ok := s.sessions.FindByAddress(from)
	if !ok {
		return
	}
	slot, ok := s.sessions.Get(index)
	if !ok {
		return
	}
	entry, ok := s.bySession[slot.SessionID]
	if !ok || !entry.HasSessionKeys {
		return
	}
	_, _, plaintext, err := wire.ReadEncryptedPacket(data, entry.Magic, from, s.cfg.ServerAddr, entry.ReceiveKey, sessionAD(entry.SessionID))
	if err != nil {
		s.log.Debugf("server core: route update ack rejected: %v", err)
		return
	}
	ack, err := wire.DecodeRouteUpdateAck(plaintext)
	if err != nil {
		return
	}
	if ack.SessionVersion != entry.SessionVersion {
		s.log.Debugf("session %d: route update ack session_version mismatch", entry.SessionID)
	}
}

// handleDirectPing replies DIRECT_PONG, echoing the ping's sequence so
// the client can fold it into direct RTT/jitter, per spec.md §8 scenario 3.
func (s *ServerCore) handleDirectPing(data []byte, from address.Address) {
	index, ok := s.sessions.FindByAddress(from)
	if !ok {
		return
	}
	slot, ok := s.sessions.Get(index)
	if !ok {
		return
	}
	entry, ok := s.bySession[slot.SessionID]
	if !ok || !entry.HasSessionKeys {
		return
	}
	_, seq, _, err := wire.ReadEncryptedPacket(data, entry.Magic, from, s.cfg.ServerAddr, entry.ReceiveKey, sessionAD(entry.SessionID))
	if err != nil {
		s.log.Debugf("server core: direct ping rejected: %v", err)
		return
	}
	pkt, err := wire.WriteEncryptedPacket(wire.PacketDirectPong, seq, nil, entry.SendKey, sessionAD(entry.SessionID), entry.Magic.Current, s.cfg.ServerAddr, from)
	if err != nil {
		s.log.Debugf("server core: write direct pong failed: %v", err)
		return
	}
	_ = s.sender.SendTo(from, pkt)
}

// handleClientStats folds a CLIENT_STATS report into the session's
// bookkeeping; the server's backend update cycle reads it back out in
// driveBackend to build the next SESSION_UPDATE_REQUEST.
func (s *ServerCore) handleClientStats(data []byte, from address.Address) {
	index, ok := s.sessions.FindByAddress(from)
	if !ok {
		return
	}
	slot, ok := s.sessions.Get(index)
	if !ok {
		return
	}
	entry, ok := s.bySession[slot.SessionID]
	if !ok || !entry.HasSessionKeys {
		return
	}
	_, _, plaintext, err := wire.ReadEncryptedPacket(data, entry.Magic, from, s.cfg.ServerAddr, entry.ReceiveKey, sessionAD(entry.SessionID))
	if err != nil {
		s.log.Debugf("server core: client stats rejected: %v", err)
		return
	}
	stats, err := wire.DecodeClientStats(plaintext)
	if err != nil {
		s.log.Debugf("server core: client stats decode failed: %v", err)
		return
	}
	entry.LastStats = stats
	entry.HasStats = true
	if stats.FallbackToDirect {
		entry.ClientPingTimedOut = false
	}
}

// update runs one ~100ms server update cycle: expire unconfirmed
// upgrades, drive the backend client's init/session-update cadence, and
// track flush progress.
func (s *ServerCore) update(now time.Time) {
	for _, id := range s.pending.ExpireOlderThan(now, s.cfg.UpgradeTimeout) {
		s.log.Debugf("session %d: upgrade handshake timed out unconfirmed", id)
	}

	if s.cfg.Backend != nil {
		s.driveBackend(now)
	}

	if s.flushing && s.numFlushedSessionUpdates >= s.numSessionUpdatesToFlush {
		s.notify(Notify{Kind: NotifyFlushFinished})
		s.flushing = false
	}
}

// driveBackend implements spec.md §4.9's server-backend cadence: send
// the one-time init request, then keep every upgraded session's
// SESSION_UPDATE_REQUEST flowing at SessionUpdateInterval, resending or
// giving up per backend.Client's own tracking.
func (s *ServerCore) driveBackend(now time.Time) {
	b := s.cfg.Backend
	if !s.backendInitSent {
		req := backend.InitRequest{
			CustomerID:   s.cfg.CustomerID,
			DatacenterID: s.cfg.DatacenterID,
			SDKVersion:   s.cfg.SDKVersion,
			ServerAddr:   s.cfg.ServerAddr,
		}
		if err := b.SendInitRequest(req, now); err != nil {
			s.log.Debugf("server core: send init request failed: %v", err)
		}
		s.backendInitSent = true
	}
	b.CheckInitTimeout(now)

	toResend, timedOut := b.CheckSessionUpdateResends(now, s.cfg.SessionUpdateResendTime, s.cfg.SessionUpdateTimeout)
	for _, req := range toResend {
		_ = b.SendSessionUpdateRequest(req, now)
	}
	for _, id := range timedOut {
		if e, ok := s.bySession[id]; ok {
			e.WaitingForUpdateResponse = false
			s.log.Warnf("session %d: backend session update timed out", id)
		}
	}

	for sessionID, entry := range s.bySession {
		if !entry.HasSessionKeys || entry.WaitingForUpdateResponse {
			continue
		}
		if !entry.NextUpdateAt.IsZero() && now.Before(entry.NextUpdateAt) {
			continue
		}
		req := s.buildSessionUpdateRequest(sessionID, entry)
		if err := b.SendSessionUpdateRequest(req, now); err != nil {
			s.log.Debugf("server core: send session update for %d failed: %v", sessionID, err)
			continue
		}
		entry.WaitingForUpdateResponse = true
		entry.SliceNumber++
		entry.NextUpdateAt = now.Add(s.cfg.SessionUpdateInterval)
	}
}

func (s *ServerCore) buildSessionUpdateRequest(sessionID uint64, entry *ServerSessionEntry) backend.SessionUpdateRequest {
	stats := entry.LastStats
	return backend.SessionUpdateRequest{
		SessionID:                 sessionID,
		SliceNumber:               entry.SliceNumber,
		ClientAddr:                entry.Address,
		ServerAddr:                s.cfg.ServerAddr,
		FallbackToDirect:          stats.FallbackToDirect,
		ClientPingTimedOut:        entry.ClientPingTimedOut,
		DirectRTT:                 stats.DirectRTT,
		DirectJitter:              stats.DirectJitter,
		DirectLoss:                stats.DirectLoss,
		NextRTT:                   stats.NextRTT,
		NextJitter:                stats.NextJitter,
		NextLoss:                  stats.NextLoss,
		KbpsUp:                    stats.KbpsUpDirect + stats.KbpsUpNext,
		PacketsSentClientToServer: stats.PacketsSent,
		PacketsLostServerToClient: stats.PacketsLost,
		PacketsOutOfOrder:         stats.PacketsOOO,
	}
}

// sendRouteUpdate translates a backend session-update directive into a
// signed ROUTE_UPDATE, encrypted under the session's kx key (ROUTE_UPDATE
// always travels directly to the client, never via a route), per
// spec.md §4.9 item 3's "directive + optional near relays + tokens."
func (s *ServerCore) sendRouteUpdate(entry *ServerSessionEntry, resp backend.SessionUpdateResponse) {
	directive, ok := toWireDirective(resp.Directive)
	if !ok {
		s.log.Debugf("server core: unknown backend directive %d", resp.Directive)
		return
	}

	body := wire.RouteUpdateBody{Directive: directive}
	if directive != wire.RouteDirectiveDirect {
		nonce, ciphertext, ok := splitTokenBlob(resp.Tokens)
		if !ok {
			s.log.Debugf("server core: malformed route token blob for session %d", entry.SessionID)
			return
		}
		body.Nonce = nonce
		body.TokenCiphertext = ciphertext
	}

	plaintext, err := wire.EncodeRouteUpdate(body)
	if err != nil {
		s.log.Debugf("server core: encode route update failed: %v", err)
		return
	}

	seq := entry.RouteSM.NextSpecialSendSequence()
	pkt, err := wire.WriteEncryptedPacket(wire.PacketRouteUpdate, seq, plaintext, entry.SendKey, sessionAD(entry.SessionID), entry.Magic.Current, s.cfg.ServerAddr, entry.Address)
	if err != nil {
		s.log.Debugf("server core: write route update failed: %v", err)
		return
	}
	_ = s.sender.SendTo(entry.Address, pkt)
}

// toWireDirective maps backend.RouteDirective to wire.RouteDirective;
// they're independent types so the wire codec doesn't depend on the
// backend package.
func toWireDirective(d backend.RouteDirective) (wire.RouteDirective, bool) {
	switch d {
	case backend.DirectiveDirect:
		return wire.RouteDirectiveDirect, true
	case backend.DirectiveRoute:
		return wire.RouteDirectiveRoute, true
	case backend.DirectiveContinue:
		return wire.RouteDirectiveContinue, true
	default:
		return 0, false
	}
}

// splitTokenBlob splits a backend session-update response's opaque
// Tokens blob into the 12-byte nonce and ciphertext routetoken.Encrypt*
// produced it from.
func splitTokenBlob(tokens []byte) (nonce [12]byte, ciphertext []byte, ok bool) {
	if len(tokens) < 12 {
		return nonce, nil, false
	}
	copy(nonce[:], tokens[:12])
	return nonce, tokens[12:], true
}

// startFlush implements spec.md §4.9's flush(): marks every session's
// upcoming update as final and counts how many updates remain to be
// flushed before FLUSH_FINISHED fires.
func (s *ServerCore) startFlush() {
	s.flushing = true
	s.numFlushedSessionUpdates = 0
	s.numSessionUpdatesToFlush = 0
	for _, entry := range s.bySession {
		if entry.FlushedSessionUpdate {
			continue
		}
		entry.ClientPingTimedOut = true
		s.numSessionUpdatesToFlush++
	}
	if s.numSessionUpdatesToFlush == 0 {
		s.notify(Notify{Kind: NotifyFlushFinished})
		s.flushing = false
	}
}

// MarkSessionUpdateFlushed records that a session's final session
// update has been sent to the backend, advancing flush progress.
func (s *ServerCore) MarkSessionUpdateFlushed(sessionID uint64) {
	entry, ok := s.bySession[sessionID]
	if !ok || entry.FlushedSessionUpdate {
		return
	}
	entry.FlushedSessionUpdate = true
	s.numFlushedSessionUpdates++
}

func (s *ServerCore) notify(n Notify) {
	select {
	case s.notifies <- n:
	default:
	}
}

// Stop requests the background worker exit after its current
// iteration.
func (s *ServerCore) Stop() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.quit)
	}
}

// sessionAD builds the additional authenticated data every
// encrypted-session packet shares: the session id, binding each
// ciphertext to the session it belongs to (mirrors client's sessionAD).
func sessionAD(sessionID uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(sessionID >> (8 * i))
	}
	return b[:]
}
