package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/networknext/next/address"
)

// WritePassthrough frames an application payload for passthrough mode:
// a single 0x00 byte followed by the raw bytes, unchanged, per spec.md
// §6 "Passthrough packet". This bypasses all overlay processing.
func WritePassthrough(payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(PacketPassthrough)
	copy(out[1:], payload)
	return out
}

// ReadPassthrough strips the passthrough framing byte.
func ReadPassthrough(data []byte) ([]byte, error) {
	if len(data) < 1 || PacketType(data[0]) != PacketPassthrough {
		return nil, fmt.Errorf("read passthrough: not a passthrough packet")
	}
	return data[1:], nil
}

// WriteDirectPacket assembles the pre-upgrade direct client<->server
// wire format from spec.md §6: type=DIRECT_PACKET || chonkle(15) ||
// open_session_sequence(u8) || send_sequence(u64) || payload ||
// pittle(2). Used before a session is upgraded (or after fallback),
// so there is no session key to authenticate with — chonkle/pittle are
// the only integrity check, matching the teacher's unauthenticated
// pre-handshake packets.
func WriteDirectPacket(openSessionSequence uint8, sendSequence uint64, payload []byte, magic Magic, from, to address.Address) []byte {
	total := 1 + 15 + 1 + 8 + len(payload) + 2
	out := make([]byte, total)
	out[0] = byte(PacketDirect)

	chonk := chonkle(magic, from, to, total)
	copy(out[1:16], chonk[:])

	out[16] = openSessionSequence
	binary.LittleEndian.PutUint64(out[17:25], sendSequence)
	copy(out[25:], payload)

	trailer := pittle(from, to, total)
	out[total-2] = trailer[0]
	out[total-1] = trailer[1]
	return out
}

// ReadDirectPacket validates and parses a direct packet written by
// WriteDirectPacket.
func ReadDirectPacket(data []byte, magic MagicSet, from, to address.Address) (openSessionSequence uint8, sendSequence uint64, payload []byte, err error) {
	if len(data) < 1+15+1+8+2 {
		return 0, 0, nil, fmt.Errorf("read direct packet: too short: %d bytes", len(data))
	}
	if PacketType(data[0]) != PacketDirect {
		return 0, 0, nil, fmt.Errorf("read direct packet: not a direct packet")
	}

	ok := false
	for _, m := range magic.All() {
		if AdvancedFilter(data, m, from, to) {
			ok = true
			break
		}
	}
	if !ok {
		return 0, 0, nil, fmt.Errorf("read direct packet: chonkle/pittle check failed")
	}

	openSessionSequence = data[16]
	sendSequence = binary.LittleEndian.Uint64(data[17:25])
	payload = data[25 : len(data)-2]
	return openSessionSequence, sendSequence, payload, nil
}
