// Package wire implements the shared packet codec: chonkle/pittle
// filters, the session header, the bitpacked serialization stream, and
// the signed/encrypted packet tables, exactly as spec.md §4.1 and §6
// describe. Grounded on the teacher's packet.go (wire layout + type
// byte) and crypto.go (AEAD envelope), generalized from a single
// fixed packet shape to the full PacketType table spec.md names.
package wire

// PacketType is the single byte tag every non-passthrough packet
// carries at offset 0.
type PacketType uint8

const (
	PacketPassthrough PacketType = 0
	PacketDirect      PacketType = 1

	PacketRouteRequest    PacketType = 2
	PacketRouteResponse   PacketType = 3
	PacketContinueRequest PacketType = 4
	PacketContinueResponse PacketType = 5

	PacketClientToServer PacketType = 6
	PacketServerToClient PacketType = 7

	PacketPing PacketType = 8
	PacketPong PacketType = 9

	PacketRelayPing PacketType = 10
	PacketRelayPong PacketType = 11

	PacketUpgradeRequest PacketType = 12
	PacketUpgradeResponse PacketType = 13
	PacketUpgradeConfirm PacketType = 14

	PacketDirectPing PacketType = 15
	PacketDirectPong PacketType = 16

	PacketClientStats    PacketType = 17
	PacketRouteUpdate    PacketType = 18
	PacketRouteUpdateAck PacketType = 19

	// Backend request/response pairs (§4.9).
	PacketBackendServerInitRequest   PacketType = 20
	PacketBackendServerInitResponse  PacketType = 21
	PacketBackendServerUpdateRequest PacketType = 22
	PacketBackendServerUpdateResponse PacketType = 23
	PacketBackendSessionUpdateRequest  PacketType = 24
	PacketBackendSessionUpdateResponse PacketType = 25
	PacketBackendMatchDataRequest  PacketType = 26
	PacketBackendMatchDataResponse PacketType = 27
)

// MinPacketType/MaxPacketType bound the valid byte[0] range from
// spec.md §6 ("type (1..0x63)"); 0 is reserved for PASSTHROUGH, which
// bypasses this whole range check.
const (
	MinPacketType = 1
	MaxPacketType = 0x63
)

func (t PacketType) String() string {
	switch t {
	case PacketPassthrough:
		return "passthrough"
	case PacketDirect:
		return "direct"
	case PacketRouteRequest:
		return "route_request"
	case PacketRouteResponse:
		return "route_response"
	case PacketContinueRequest:
		return "continue_request"
	case PacketContinueResponse:
		return "continue_response"
	case PacketClientToServer:
		return "client_to_server"
	case PacketServerToClient:
		return "server_to_client"
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketRelayPing:
		return "relay_ping"
	case PacketRelayPong:
		return "relay_pong"
	case PacketUpgradeRequest:
		return "upgrade_request"
	case PacketUpgradeResponse:
		return "upgrade_response"
	case PacketUpgradeConfirm:
		return "upgrade_confirm"
	case PacketDirectPing:
		return "direct_ping"
	case PacketDirectPong:
		return "direct_pong"
	case PacketClientStats:
		return "client_stats"
	case PacketRouteUpdate:
		return "route_update"
	case PacketRouteUpdateAck:
		return "route_update_ack"
	case PacketBackendServerInitRequest:
		return "backend_server_init_request"
	case PacketBackendServerInitResponse:
		return "backend_server_init_response"
	case PacketBackendServerUpdateRequest:
		return "backend_server_update_request"
	case PacketBackendServerUpdateResponse:
		return "backend_server_update_response"
	case PacketBackendSessionUpdateRequest:
		return "backend_session_update_request"
	case PacketBackendSessionUpdateResponse:
		return "backend_session_update_response"
	case PacketBackendMatchDataRequest:
		return "backend_match_data_request"
	case PacketBackendMatchDataResponse:
		return "backend_match_data_response"
	default:
		return "unknown"
	}
}

// signedPacketTypes mirrors the teacher's signed-table concept (a fixed
// table marking which types carry a trailing signature) per spec.md
// §4.1 "Signed packets": every upgrade packet and every backend
// request/response.
var signedPacketTypes = map[PacketType]bool{
	PacketUpgradeRequest:               true,
	PacketUpgradeResponse:              true,
	PacketUpgradeConfirm:               true,
	PacketBackendServerInitRequest:     true,
	PacketBackendServerInitResponse:    true,
	PacketBackendServerUpdateRequest:   true,
	PacketBackendServerUpdateResponse:  true,
	PacketBackendSessionUpdateRequest:  true,
	PacketBackendSessionUpdateResponse: true,
	PacketBackendMatchDataRequest:      true,
	PacketBackendMatchDataResponse:     true,
}

// IsSigned reports whether t carries a trailing Ed25519 signature.
func IsSigned(t PacketType) bool { return signedPacketTypes[t] }

// encryptedPacketTypes mirrors spec.md §4.1 "Encrypted packets": these
// use WriteEncryptedPacket's framing (an 8-byte sequence nonce and an
// AEAD-sealed body), not the session header.
var encryptedPacketTypes = map[PacketType]bool{
	PacketDirectPing:     true,
	PacketDirectPong:     true,
	PacketClientStats:    true,
	PacketRouteUpdate:    true,
	PacketRouteUpdateAck: true,
}

// IsEncrypted reports whether t uses the encrypted-session framing.
func IsEncrypted(t PacketType) bool { return encryptedPacketTypes[t] }
