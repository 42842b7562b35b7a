// Package backend implements ServerBackendClient, spec.md §4.9: the
// four signed request/response pairs a server exchanges with the
// network-next backend (init, server update, session update, match
// data), magic rotation, and resend/timeout tracking. Grounded on the
// teacher's dialer.go handshake-retry loop, generalized from a single
// handshake to spec.md's four independent request kinds each with
// their own cadence and timeout.
package backend

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/networknext/next/address"
	"github.com/networknext/next/wire"
)

// Transport is the thing a ServerBackendClient sends signed request
// bytes through and receives signed response bytes from. A real
// implementation sends over UDP/TCP to the backend address; tests
// substitute backendmock's hand-written gomock mock.
type Transport interface {
	Send(data []byte) error
}

// ResponseCode mirrors spec.md §4.9's init response codes.
type ResponseCode int

const (
	ResponseOK ResponseCode = iota
	ResponseUnknownCustomer
	ResponseUnknownDatacenter
	ResponseSDKVersionTooOld
	ResponseSignatureCheckFailed
	ResponseCustomerNotActive
	ResponseDatacenterNotEnabled
)

func (c ResponseCode) String() string {
	switch c {
	case ResponseOK:
		return "ok"
	case ResponseUnknownCustomer:
		return "unknown_customer"
	case ResponseUnknownDatacenter:
		return "unknown_datacenter"
	case ResponseSDKVersionTooOld:
		return "sdk_version_too_old"
	case ResponseSignatureCheckFailed:
		return "signature_check_failed"
	case ResponseCustomerNotActive:
		return "customer_not_active"
	case ResponseDatacenterNotEnabled:
		return "datacenter_not_enabled"
	default:
		return "unknown"
	}
}

// Mode is the terminal degradation spec.md §4.9 names: once entered, a
// server never re-attempts the network-next path.
type Mode int

const (
	ModeNormal Mode = iota
	ModeDirectOnly
)

// InitRequest is spec.md §4.9 item 1's NEXT_BACKEND_SERVER_INIT_REQUEST.
type InitRequest struct {
	CustomerID   uint64
	DatacenterID uint64
	SDKVersion   uint32
	ServerAddr   address.Address
}

// InitResponse is the matching response: a result code plus, on
// success, the initial three-epoch magic window.
type InitResponse struct {
	Code  ResponseCode
	Magic [3]wire.Magic // previous, current, upcoming
}

// ServerUpdateRequest is spec.md §4.9 item 2.
type ServerUpdateRequest struct {
	CustomerID   uint64
	DatacenterID uint64
	MatchID      uint64
	NumSessions  int
	ServerAddr   address.Address
}

// ServerUpdateResponse rotates magic on receipt.
type ServerUpdateResponse struct {
	Magic wire.Magic
}

// SessionUpdateRequest is spec.md §4.9 item 3's per-session update.
type SessionUpdateRequest struct {
	SessionID         uint64
	SliceNumber       uint32
	RetryNumber       uint32
	SessionData       []byte
	SessionSignature  []byte
	ClientAddr        address.Address
	ServerAddr        address.Address
	ClientRoutePublic [32]byte
	ServerRoutePublic [32]byte
	UserHash          uint64
	Platform          uint8
	ConnectionType    uint8

	FallbackToDirect bool
	OverLimit        bool
	ClientPingTimedOut bool
	Multipath        bool

	DirectRTT, DirectJitter   float32
	DirectLoss                float32
	NextRTT, NextJitter       float32
	NextLoss                  float32
	KbpsUp, KbpsDown          float32

	PacketsSentClientToServer uint64
	PacketsLostServerToClient uint64
	PacketsOutOfOrder         uint64
	Jitter                    float32
}

// RouteDirective mirrors spec.md §4.9 item 3's response directive.
type RouteDirective int

const (
	DirectiveDirect RouteDirective = iota
	DirectiveRoute
	DirectiveContinue
)

// NearRelay is one entry of a session update response's optional
// near-relay list.
type NearRelay struct {
	RelayID         uint64
	Address         address.Address
	PingToken       [32]byte
	ExpireTimestamp uint64
}

// SessionUpdateResponse is spec.md §4.9 item 3's response.
type SessionUpdateResponse struct {
	Directive        RouteDirective
	NearRelays       []NearRelay
	Tokens           []byte
	Multipath        bool
	DebugString      string
	SessionData      []byte
	SessionSignature []byte
}

// MatchDataRequest is spec.md §4.9 item 4.
type MatchDataRequest struct {
	SessionID   uint64
	MatchID     uint64
	MatchValues []float64 // len <= 64
}

// Client is ServerBackendClient: it signs every outbound request with
// the customer private key, verifies every inbound response with the
// backend's public key, rotates magic on change, and tracks resend
// timing for in-flight session updates.
type Client struct {
	transport         Transport
	customerPrivate   ed25519.PrivateKey
	backendPublic     ed25519.PublicKey

	Mode  Mode
	Magic wire.MagicSet

	initSentAt   time.Time
	initTimeout  time.Duration
	initResolved bool

	pendingSessionUpdates map[uint64]*pendingSessionUpdate
}

type pendingSessionUpdate struct {
	request  SessionUpdateRequest
	sentAt   time.Time
	resendAt time.Time
}

// Config bounds the timing parameters spec.md names; zero fields fall
// back to the spec's stated defaults. NewClient keeps only InitTimeout;
// session-update resend and timeout intervals are the arguments of
// CheckSessionUpdateResends.
type Config struct {
	InitTimeout              time.Duration
	SessionUpdateResendTime  time.Duration
	SessionUpdateTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitTimeout == 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.SessionUpdateResendTime == 0 {
		c.SessionUpdateResendTime = time.Second
	}
	if c.SessionUpdateTimeout == 0 {
		c.SessionUpdateTimeout = 10 * time.Second
	}
	return c
}

// NewClient creates a ServerBackendClient bound to transport, signing
// with customerPrivate and verifying with backendPublic.
func NewClient(transport Transport, customerPrivate ed25519.PrivateKey, backendPublic ed25519.PublicKey, cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		transport:             transport,
		customerPrivate:       customerPrivate,
		backendPublic:         backendPublic,
		initTimeout:           cfg.InitTimeout,
		pendingSessionUpdates: make(map[uint64]*pendingSessionUpdate),
	}
}

// SendInitRequest signs and transmits a server init request, recording
// when the first attempt was made so CheckInitTimeout can detect
// spec.md §4.9 item 1's ~30s init timeout.
func (c *Client) SendInitRequest(req InitRequest, now time.Time) error {
	if c.initSentAt.IsZero() {
		c.initSentAt = now
	}
	body := encodeInitRequest(req)
	signed := wire.Sign(wire.PacketBackendServerInitRequest, body, c.customerPrivate)
	return c.transport.Send(append(body, signed...))
}

// HandleInitResponse applies spec.md §4.9 item 1: on ResponseOK,
// installs the initial magic window; on any error code, latches
// ModeDirectOnly permanently.
func (c *Client) HandleInitResponse(resp InitResponse) {
	c.initResolved = true
	if resp.Code != ResponseOK {
		c.Mode = ModeDirectOnly
		return
	}
	c.Magic = wire.MagicSet{Previous: resp.Magic[0], Current: resp.Magic[1], Upcoming: resp.Magic[2]}
}

// CheckInitTimeout latches ModeDirectOnly if no init response has
// arrived within the configured timeout.
func (c *Client) CheckInitTimeout(now time.Time) {
	if c.initResolved || c.initSentAt.IsZero() {
		return
	}
	if now.Sub(c.initSentAt) > c.initTimeout {
		c.Mode = ModeDirectOnly
	}
}

// HandleServerUpdateResponse rotates magic if resp.Magic differs from
// the current upcoming value, per spec.md §4.10.
func (c *Client) HandleServerUpdateResponse(resp ServerUpdateResponse) {
	if resp.Magic != c.Magic.Upcoming {
		c.Magic.Rotate(resp.Magic)
	}
}

// SendSessionUpdateRequest signs and transmits a session update,
// tracking it for resend until a matching response arrives or it
// times out.
func (c *Client) SendSessionUpdateRequest(req SessionUpdateRequest, now time.Time) error {
	if c.Mode == ModeDirectOnly {
		return fmt.Errorf("backend client: direct_only mode, session updates suspended")
	}
	body := encodeSessionUpdateRequest(req)
	signed := wire.Sign(wire.PacketBackendSessionUpdateRequest, body, c.customerPrivate)
	c.pendingSessionUpdates[req.SessionID] = &pendingSessionUpdate{request: req, sentAt: now, resendAt: now}
	return c.transport.Send(append(body, signed...))
}

// HandleSessionUpdateResponse clears a session's pending-resend state
// on a matching response.
func (c *Client) HandleSessionUpdateResponse(sessionID uint64) {
	delete(c.pendingSessionUpdates, sessionID)
}

// CheckSessionUpdateResends resends any session update whose
// resend interval has elapsed, and permanently suspends (per-session)
// any that have exceeded the overall timeout — spec.md §4.9's
// "latched: further updates paused, direct-only for that session."
func (c *Client) CheckSessionUpdateResends(now time.Time, resendTime, timeout time.Duration) (toResend []SessionUpdateRequest, timedOut []uint64) {
	for sessionID, pending := range c.pendingSessionUpdates {
		if now.Sub(pending.sentAt) > timeout {
			timedOut = append(timedOut, sessionID)
			delete(c.pendingSessionUpdates, sessionID)
			continue
		}
		if now.Sub(pending.resendAt) >= resendTime {
			pending.resendAt = now
			toResend = append(toResend, pending.request)
		}
	}
	return toResend, timedOut
}

// PendingSessionUpdateCount reports how many session updates are
// still awaiting a response, for flush-progress accounting.
func (c *Client) PendingSessionUpdateCount() int {
	return len(c.pendingSessionUpdates)
}

// SendMatchDataRequest signs and transmits a one-shot match data
// report, per spec.md §4.9 item 4 ("at most once" per session).
func (c *Client) SendMatchDataRequest(req MatchDataRequest) error {
	if c.Mode == ModeDirectOnly {
		return fmt.Errorf("backend client: direct_only mode, match data suspended")
	}
	body := encodeMatchDataRequest(req)
	signed := wire.Sign(wire.PacketBackendMatchDataRequest, body, c.customerPrivate)
	return c.transport.Send(append(body, signed...))
}

// VerifyResponse checks a signed response body against the backend's
// public key before the caller decodes it, per spec.md §4.9's "all
// signed ... and verified with server-backend public key."
func (c *Client) VerifyResponse(t wire.PacketType, body []byte, signature []byte) error {
	return wire.VerifySignature(t, body, signature, c.backendPublic)
}
