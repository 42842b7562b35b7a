package backend

import (
	"fmt"

	"github.com/networknext/next/wire"
)

// encodeInitRequest bitpacks an InitRequest body via the wire package's
// BitWriter, the same codec spec.md §4.1 requires for every non-opaque
// wire field.
func encodeInitRequest(req InitRequest) []byte {
	w := wire.NewBitWriter()
	w.WriteUint64(req.CustomerID)
	w.WriteUint64(req.DatacenterID)
	w.WriteUint64(uint64(req.SDKVersion))
	w.WriteAddress(req.ServerAddr)
	return w.Bytes()
}

// encodeSessionUpdateRequest bitpacks a SessionUpdateRequest body.
// SessionData/SessionSignature are opaque blobs echoed verbatim to the
// backend (spec.md §4.9 item 3), so they're written as a length-prefixed
// byte run rather than decomposed further.
func encodeSessionUpdateRequest(req SessionUpdateRequest) []byte {
	w := wire.NewBitWriter()
	w.WriteUint64(req.SessionID)
	w.WriteInt(int64(req.SliceNumber), 0, 1<<32-1)
	w.WriteInt(int64(req.RetryNumber), 0, 255)
	w.WriteString(string(req.SessionData), 256)
	w.WriteString(string(req.SessionSignature), 64)
	w.WriteAddress(req.ClientAddr)
	w.WriteAddress(req.ServerAddr)
	w.WriteBytes(req.ClientRoutePublic[:])
	w.WriteBytes(req.ServerRoutePublic[:])
	w.WriteUint64(req.UserHash)
	w.WriteInt(int64(req.Platform), 0, 255)
	w.WriteInt(int64(req.ConnectionType), 0, 255)
	w.WriteBool(req.FallbackToDirect)
	w.WriteBool(req.OverLimit)
	w.WriteBool(req.ClientPingTimedOut)
	w.WriteBool(req.Multipath)
	w.WriteFloat(req.DirectRTT)
	w.WriteFloat(req.DirectJitter)
	w.WriteFloat(req.DirectLoss)
	w.WriteFloat(req.NextRTT)
	w.WriteFloat(req.NextJitter)
	w.WriteFloat(req.NextLoss)
	w.WriteFloat(req.KbpsUp)
	w.WriteFloat(req.KbpsDown)
	w.WriteUint64(req.PacketsSentClientToServer)
	w.WriteUint64(req.PacketsLostServerToClient)
	w.WriteUint64(req.PacketsOutOfOrder)
	w.WriteFloat(req.Jitter)
	return w.Bytes()
}

// encodeMatchDataRequest bitpacks a MatchDataRequest body, per spec.md
// §4.9 item 4's "match_values[<=64]".
func encodeMatchDataRequest(req MatchDataRequest) []byte {
	w := wire.NewBitWriter()
	w.WriteUint64(req.SessionID)
	w.WriteUint64(req.MatchID)
	w.WriteInt(int64(len(req.MatchValues)), 0, 64)
	for _, v := range req.MatchValues {
		w.WriteDouble(v)
	}
	return w.Bytes()
}

// maxNearRelays bounds a session update response's near-relay list.
const maxNearRelays = 32

// maxTokensBytes bounds the opaque route-token blob a session update
// response carries for the DIRECTIVE_ROUTE/CONTINUE case.
const maxTokensBytes = 4096

// DecodeInitResponse bitpacks-decodes a NEXT_BACKEND_SERVER_INIT_RESPONSE
// body, the wire counterpart of encodeInitRequest on the other side of
// the exchange. The caller is responsible for verifying the signature
// via Client.VerifyResponse before decoding.
func DecodeInitResponse(body []byte) (InitResponse, error) {
	r := wire.NewBitReader(body)
	code, err := r.ReadInt(0, 6)
	if err != nil {
		return InitResponse{}, fmt.Errorf("decode init response: %w", err)
	}
	var resp InitResponse
	resp.Code = ResponseCode(code)
	for i := range resp.Magic {
		b, err := r.ReadBytes(8)
		if err != nil {
			return InitResponse{}, fmt.Errorf("decode init response: magic[%d]: %w", i, err)
		}
		copy(resp.Magic[i][:], b)
	}
	return resp, nil
}

// DecodeServerUpdateResponse decodes a NEXT_BACKEND_SERVER_UPDATE_RESPONSE body.
func DecodeServerUpdateResponse(body []byte) (ServerUpdateResponse, error) {
	r := wire.NewBitReader(body)
	b, err := r.ReadBytes(8)
	if err != nil {
		return ServerUpdateResponse{}, fmt.Errorf("decode server update response: %w", err)
	}
	var resp ServerUpdateResponse
	copy(resp.Magic[:], b)
	return resp, nil
}

// DecodeSessionUpdateResponse decodes a
// NEXT_BACKEND_SESSION_UPDATE_RESPONSE body, per spec.md §4.9 item 3.
func DecodeSessionUpdateResponse(body []byte) (SessionUpdateResponse, error) {
	r := wire.NewBitReader(body)
	directive, err := r.ReadInt(0, 2)
	if err != nil {
		return SessionUpdateResponse{}, fmt.Errorf("decode session update response: %w", err)
	}
	resp := SessionUpdateResponse{Directive: RouteDirective(directive)}

	n, err := r.ReadInt(0, maxNearRelays)
	if err != nil {
		return SessionUpdateResponse{}, fmt.Errorf("decode session update response: near relay count: %w", err)
	}
	for i := int64(0); i < n; i++ {
		relayID, err := r.ReadUint64()
		if err != nil {
			return SessionUpdateResponse{}, fmt.Errorf("decode session update response: near relay[%d]: %w", i, err)
		}
		addr, err := r.ReadAddress()
		if err != nil {
			return SessionUpdateResponse{}, fmt.Errorf("decode session update response: near relay[%d] addr: %w", i, err)
		}
		tokenBytes, err := r.ReadBytes(32)
		if err != nil {
			return SessionUpdateResponse{}, fmt.Errorf("decode session update response: near relay[%d] token: %w", i, err)
		}
		expire, err := r.ReadUint64()
		if err != nil {
			return SessionUpdateResponse{}, fmt.Errorf("decode session update response: near relay[%d] expire: %w", i, err)
		}
		var relay NearRelay
		relay.RelayID = relayID
		relay.Address = addr
		copy(relay.PingToken[:], tokenBytes)
		relay.ExpireTimestamp = expire
		resp.NearRelays = append(resp.NearRelays, relay)
	}

	tokensLen, err := r.ReadInt(0, maxTokensBytes)
	if err != nil {
		return SessionUpdateResponse{}, fmt.Errorf("decode session update response: tokens length: %w", err)
	}
	if resp.Tokens, err = r.ReadBytes(int(tokensLen)); err != nil {
		return SessionUpdateResponse{}, fmt.Errorf("decode session update response: tokens: %w", err)
	}

	if resp.Multipath, err = r.ReadBool(); err != nil {
		return SessionUpdateResponse{}, fmt.Errorf("decode session update response: multipath: %w", err)
	}
	if resp.DebugString, err = r.ReadString(256); err != nil {
		return SessionUpdateResponse{}, fmt.Errorf("decode session update response: debug string: %w", err)
	}
	sessionData, err := r.ReadString(256)
	if err != nil {
		return SessionUpdateResponse{}, fmt.Errorf("decode session update response: session data: %w", err)
	}
	resp.SessionData = []byte(sessionData)
	sig, err := r.ReadString(64)
	if err != nil {
		return SessionUpdateResponse{}, fmt.Errorf("decode session update response: session signature: %w", err)
	}
	resp.SessionSignature = []byte(sig)
	return resp, nil
}
