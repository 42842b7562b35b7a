package wire

import "fmt"

// maxTokenBytes bounds the token/request-packet blobs embedded in a
// ROUTE_UPDATE or ROUTE_REQUEST body: spec.md doesn't name an exact
// figure, so this mirrors NEXT_MAX_PACKET_BYTES-scale headroom for a
// handful of chained relay-hop tokens.
const maxTokenBytes = 4096

// RouteDirective mirrors backend.RouteDirective on the wire: DIRECT,
// ROUTE or CONTINUE, per spec.md §4.9 item 3's response directive. It
// is redeclared here (rather than imported from package backend) so
// the codec package stays a leaf with no dependency on the backend
// protocol package.
type RouteDirective int

const (
	RouteDirectiveDirect RouteDirective = iota
	RouteDirectiveRoute
	RouteDirectiveContinue
)

// RouteUpdateBody is ROUTE_UPDATE's encrypted-session-packet plaintext,
// per spec.md §4.5: a directive plus, for ROUTE/CONTINUE, the nonce and
// ciphertext of the first-hop token and the opaque remainder of the
// token chain to forward to that relay.
type RouteUpdateBody struct {
	Directive       RouteDirective
	Nonce           [12]byte
	TokenCiphertext []byte
	RequestPacket   []byte
}

// EncodeRouteUpdate bitpacks a RouteUpdateBody.
func EncodeRouteUpdate(b RouteUpdateBody) ([]byte, error) {
	w := NewBitWriter()
	if err := w.WriteInt(int64(b.Directive), 0, 2); err != nil {
		return nil, fmt.Errorf("encode route update: %w", err)
	}
	if b.Directive == RouteDirectiveDirect {
		return w.Bytes(), nil
	}
	w.WriteBytes(b.Nonce[:])
	if err := w.WriteInt(int64(len(b.TokenCiphertext)), 0, maxTokenBytes); err != nil {
		return nil, fmt.Errorf("encode route update: token ciphertext: %w", err)
	}
	w.WriteBytes(b.TokenCiphertext)
	if err := w.WriteInt(int64(len(b.RequestPacket)), 0, maxTokenBytes); err != nil {
		return nil, fmt.Errorf("encode route update: request packet: %w", err)
	}
	w.WriteBytes(b.RequestPacket)
	return w.Bytes(), nil
}

// DecodeRouteUpdate reverses EncodeRouteUpdate.
func DecodeRouteUpdate(data []byte) (RouteUpdateBody, error) {
	r := NewBitReader(data)
	directive, err := r.ReadInt(0, 2)
	if err != nil {
		return RouteUpdateBody{}, fmt.Errorf("decode route update: %w", err)
	}
	b := RouteUpdateBody{Directive: RouteDirective(directive)}
	if b.Directive == RouteDirectiveDirect {
		return b, nil
	}
	nonce, err := r.ReadBytes(12)
	if err != nil {
		return RouteUpdateBody{}, fmt.Errorf("decode route update: nonce: %w", err)
	}
	copy(b.Nonce[:], nonce)

	tokenLen, err := r.ReadInt(0, maxTokenBytes)
	if err != nil {
		return RouteUpdateBody{}, fmt.Errorf("decode route update: token length: %w", err)
	}
	if b.TokenCiphertext, err = r.ReadBytes(int(tokenLen)); err != nil {
		return RouteUpdateBody{}, fmt.Errorf("decode route update: token: %w", err)
	}

	requestLen, err := r.ReadInt(0, maxTokenBytes)
	if err != nil {
		return RouteUpdateBody{}, fmt.Errorf("decode route update: request length: %w", err)
	}
	if b.RequestPacket, err = r.ReadBytes(int(requestLen)); err != nil {
		return RouteUpdateBody{}, fmt.Errorf("decode route update: request packet: %w", err)
	}
	return b, nil
}

// RouteUpdateAckBody is ROUTE_UPDATE_ACK's encrypted-session-packet
// plaintext: just the session_version the client applied, so the
// server can confirm the client is no longer behind on route state.
type RouteUpdateAckBody struct {
	SessionVersion uint8
}

// EncodeRouteUpdateAck bitpacks a RouteUpdateAckBody.
func EncodeRouteUpdateAck(b RouteUpdateAckBody) []byte {
	w := NewBitWriter()
	w.WriteInt(int64(b.SessionVersion), 0, 255)
	return w.Bytes()
}

// DecodeRouteUpdateAck reverses EncodeRouteUpdateAck.
func DecodeRouteUpdateAck(data []byte) (RouteUpdateAckBody, error) {
	r := NewBitReader(data)
	sv, err := r.ReadInt(0, 255)
	if err != nil {
		return RouteUpdateAckBody{}, fmt.Errorf("decode route update ack: %w", err)
	}
	return RouteUpdateAckBody{SessionVersion: uint8(sv)}, nil
}

// TokenRequestBody is the ROUTE_REQUEST/CONTINUE_REQUEST body a client
// forwards toward the first relay and a relay chain eventually delivers
// to the server: the nonce and ciphertext of the token layer meant for
// whichever hop decodes it next. The server and every relay only ever
// decrypt the layer addressed to them; the rest of the chain (if any)
// is opaque and, in this tree's two-node client/server scope, empty.
type TokenRequestBody struct {
	Nonce      [12]byte
	Ciphertext []byte
}

// EncodeTokenRequest bitpacks a TokenRequestBody.
func EncodeTokenRequest(b TokenRequestBody) ([]byte, error) {
	w := NewBitWriter()
	w.WriteBytes(b.Nonce[:])
	if err := w.WriteInt(int64(len(b.Ciphertext)), 0, maxTokenBytes); err != nil {
		return nil, fmt.Errorf("encode token request: %w", err)
	}
	w.WriteBytes(b.Ciphertext)
	return w.Bytes(), nil
}

// DecodeTokenRequest reverses EncodeTokenRequest.
func DecodeTokenRequest(data []byte) (TokenRequestBody, error) {
	r := NewBitReader(data)
	nonce, err := r.ReadBytes(12)
	if err != nil {
		return TokenRequestBody{}, fmt.Errorf("decode token request: nonce: %w", err)
	}
	var b TokenRequestBody
	copy(b.Nonce[:], nonce)
	n, err := r.ReadInt(0, maxTokenBytes)
	if err != nil {
		return TokenRequestBody{}, fmt.Errorf("decode token request: length: %w", err)
	}
	if b.Ciphertext, err = r.ReadBytes(int(n)); err != nil {
		return TokenRequestBody{}, fmt.Errorf("decode token request: ciphertext: %w", err)
	}
	return b, nil
}
