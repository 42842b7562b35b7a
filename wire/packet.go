package wire

import (
	"crypto/ed25519"
	"fmt"

	"github.com/networknext/next/address"
)

// WriteControlPacket assembles a non-passthrough, non-encrypted-session
// packet: type || chonkle(15) || body || [signature(64)] || pittle(2),
// per spec.md §6. If IsSigned(t), signingKey must be non-nil and the
// signature is appended before the pittle trailer, over type||body.
//
// The codec never partially mutates output buffers on error (spec.md
// §4.1): on any error here the function returns (nil, err) and the
// caller's buffer, if any, is left untouched because we only ever build
// into a fresh slice.
func WriteControlPacket(t PacketType, body []byte, magic Magic, from, to address.Address, signingKey ed25519.PrivateKey) ([]byte, error) {
	if IsSigned(t) && signingKey == nil {
		return nil, fmt.Errorf("write control packet: type %s requires a signing key", t)
	}

	var signature []byte
	if IsSigned(t) {
		signature = Sign(t, body, signingKey)
	}

	total := 1 + 15 + len(body) + len(signature) + 2
	out := make([]byte, total)
	out[0] = byte(t)

	length := total
	chonk := chonkle(magic, from, to, length)
	copy(out[1:16], chonk[:])

	offset := 16
	copy(out[offset:], body)
	offset += len(body)
	if len(signature) > 0 {
		copy(out[offset:], signature)
		offset += len(signature)
	}

	trailer := pittle(from, to, length)
	out[offset] = trailer[0]
	out[offset+1] = trailer[1]

	return out, nil
}

// ReadControlPacket validates and strips the chonkle/pittle envelope
// (trying each epoch of magic) and, if IsSigned(t), the trailing
// signature, returning the inner body.
func ReadControlPacket(data []byte, magic MagicSet, from, to address.Address, verifyKey ed25519.PublicKey) (PacketType, []byte, error) {
	if len(data) < MinFilteredPacketSize {
		return 0, nil, fmt.Errorf("read control packet: too short: %d bytes", len(data))
	}
	t := PacketType(data[0])
	if t == PacketPassthrough {
		return 0, nil, fmt.Errorf("read control packet: got passthrough packet")
	}

	ok := false
	for _, m := range magic.All() {
		if AdvancedFilter(data, m, from, to) {
			ok = true
			break
		}
	}
	if !ok {
		return 0, nil, fmt.Errorf("read control packet: chonkle/pittle check failed")
	}

	bodyEnd := len(data) - 2
	body := data[16:bodyEnd]

	if IsSigned(t) {
		if len(body) < SignatureSize {
			return 0, nil, fmt.Errorf("read control packet: too short for signature")
		}
		sigStart := len(body) - SignatureSize
		signature := body[sigStart:]
		body = body[:sigStart]
		if verifyKey == nil {
			return 0, nil, fmt.Errorf("read control packet: type %s requires a verify key", t)
		}
		if err := VerifySignature(t, body, signature, verifyKey); err != nil {
			return 0, nil, fmt.Errorf("read control packet: %w", err)
		}
	}

	return t, body, nil
}

// WritePayloadPacket assembles a CLIENT_TO_SERVER/SERVER_TO_CLIENT
// packet: type || chonkle(15) || header(33) || payload || pittle(2),
// per spec.md §4.1 "Payload packets".
func WritePayloadPacket(t PacketType, sequence, sessionID uint64, sessionVersion uint8, key SessionKey, payload []byte, magic Magic, from, to address.Address) ([]byte, error) {
	header, err := WriteHeader(t, sequence, sessionID, sessionVersion, key)
	if err != nil {
		return nil, fmt.Errorf("write payload packet: %w", err)
	}

	total := 1 + 15 + HeaderSize + len(payload) + 2
	out := make([]byte, total)
	out[0] = byte(t)

	chonk := chonkle(magic, from, to, total)
	copy(out[1:16], chonk[:])
	copy(out[16:16+HeaderSize], header)
	copy(out[16+HeaderSize:], payload)

	trailer := pittle(from, to, total)
	out[total-2] = trailer[0]
	out[total-1] = trailer[1]

	return out, nil
}

// ReadPayloadPacket verifies the envelope and session header and
// returns the payload bytes (still to be delivered to the
// application — advancing replay protection is the caller's job,
// matching invariant 5: "payload_replay_protection is advanced only
// after a packet has been delivered to the user").
func ReadPayloadPacket(data []byte, magic MagicSet, from, to address.Address, key SessionKey) (sequence uint64, sessionID uint64, sessionVersion uint8, payload []byte, err error) {
	if len(data) < 1+15+HeaderSize+2 {
		return 0, 0, 0, nil, fmt.Errorf("read payload packet: too short: %d bytes", len(data))
	}
	t := PacketType(data[0])

	ok := false
	for _, m := range magic.All() {
		if AdvancedFilter(data, m, from, to) {
			ok = true
			break
		}
	}
	if !ok {
		return 0, 0, 0, nil, fmt.Errorf("read payload packet: chonkle/pittle check failed")
	}

	header := data[16 : 16+HeaderSize]
	sequence, sessionID, sessionVersion, err = ReadHeader(t, header, key)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("read payload packet: %w", err)
	}

	payload = data[16+HeaderSize : len(data)-2]
	return sequence, sessionID, sessionVersion, payload, nil
}
