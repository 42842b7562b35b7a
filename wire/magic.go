package wire

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/networknext/next/address"
)

// Magic is the 8-byte backend-supplied epoch value. A runtime holds
// three of these at once: {previous, current, upcoming}, rotated by
// MagicSet.Rotate on backend response (spec.md §3 "Magic", §4.10).
type Magic [8]byte

// MagicSet is the three-epoch rotating window spec.md's Magic
// description requires: inbound packets must pass under any of the
// three, outbound always uses Current.
type MagicSet struct {
	Previous Magic
	Current  Magic
	Upcoming Magic
}

// Rotate shifts the window forward: the old current becomes previous,
// upcoming becomes current, and next becomes the new upcoming. Called
// whenever a backend response's magic differs from our upcoming value
// (spec.md §4.10 "Magic values received... compared to the current
// upcoming value; on change, all three are rotated").
func (m *MagicSet) Rotate(next Magic) {
	m.Previous = m.Current
	m.Current = m.Upcoming
	m.Upcoming = next
}

// All returns the three epochs in the order inbound validation should
// try them.
func (m MagicSet) All() [3]Magic {
	return [3]Magic{m.Current, m.Upcoming, m.Previous}
}

// pittle computes the 2-byte trailer bound to endpoints and length.
// Spec.md §4.1: sum u8s of both address bytes, both ports (LE), and
// length (u32 LE); from the two low bytes of that sum compute
// b0 = 1 | ((lo ^ hi) ^ 193), b1 = 1 | ((255 - b0) ^ 113).
func pittle(from, to address.Address, length int) [2]byte {
	var sum uint32
	sum += addrByteSum(from)
	sum += addrByteSum(to)

	var portBuf [2]byte
	binary.LittleEndian.PutUint16(portBuf[:], from.Port())
	sum += uint32(portBuf[0]) + uint32(portBuf[1])
	binary.LittleEndian.PutUint16(portBuf[:], to.Port())
	sum += uint32(portBuf[0]) + uint32(portBuf[1])

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(length))
	for _, b := range lenBuf {
		sum += uint32(b)
	}

	lo := byte(sum & 0xff)
	hi := byte((sum >> 8) & 0xff)

	b0 := byte(1) | ((lo ^ hi) ^ 193)
	b1 := byte(1) | ((255 - b0) ^ 113)

	return [2]byte{b0, b1}
}

// addrByteSum sums the raw address bytes (4 for IPv4, 16 for IPv6; 0 for
// None) as spec.md's "sum u8s of both address bytes" requires.
func addrByteSum(a address.Address) uint32 {
	var sum uint32
	switch a.Kind() {
	case address.KindIPv4:
		b := a.As4()
		for _, v := range b {
			sum += uint32(v)
		}
	case address.KindIPv6:
		b := a.As16()
		for _, v := range b {
			sum += uint32(v)
		}
	}
	return sum
}

// chonkle computes the 15-byte MAC-like field bound to the magic,
// endpoints and length. Spec.md §4.1: FNV-1a 64 hash of
// magic || from || from_port(LE16) || to || to_port(LE16) || length(LE32),
// then 15 bytes are deterministically derived from that hash, each one
// folded into the fixed whitelist range or set BasicFilter expects at
// its packet offset (spec.md §6) so that every packet chonkle produces
// also passes the cheap first-line filter.
//
// An address.None endpoint contributes no address bytes and a zero
// port. UPGRADE_REQUEST is not framed that way: ServerCore writes it
// with the client's address as `to`, and the client checks it against
// its own configured address.
func chonkle(magic Magic, from, to address.Address, length int) [15]byte {
	h := fnv.New64a()
	h.Write(magic[:])
	writeAddrBytes(h, from)
	writePort(h, from.Port())
	writeAddrBytes(h, to)
	writePort(h, to.Port())
	writeLength(h, length)
	sum := h.Sum64()

	var sumBytes [8]byte
	binary.LittleEndian.PutUint64(sumBytes[:], sum)

	var out [15]byte
	for i := range out {
		// Mix in the chonkle index so otherwise-identical hash bytes
		// (the hash is only 8 bytes wide, spread across 15 outputs)
		// still diverge per output position.
		raw := sumBytes[i%8] ^ byte(i*0x2F+7)

		packetIndex := i + 1 // basicRanges/basicSets are keyed by full packet byte offset
		switch {
		case packetIndex == 4:
			// Spec.md §6 leaves this offset unconstrained; pass the
			// hash byte through untouched so it stays maximally
			// sensitive to input changes.
			out[i] = raw
		case basicSetsContain(packetIndex):
			set := basicSets[packetIndex]
			out[i] = set[int(raw)%len(set)]
		default:
			r := basicRanges[packetIndex]
			span := int(r.hi) - int(r.lo) + 1
			out[i] = r.lo + byte(int(raw)%span)
		}
	}
	return out
}

func basicSetsContain(packetIndex int) bool {
	_, ok := basicSets[packetIndex]
	return ok
}

func writeAddrBytes(h interface{ Write([]byte) (int, error) }, a address.Address) {
	switch a.Kind() {
	case address.KindIPv4:
		b := a.As4()
		h.Write(b[:])
	case address.KindIPv6:
		b := a.As16()
		h.Write(b[:])
	}
}

func writePort(h interface{ Write([]byte) (int, error) }, port uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], port)
	h.Write(buf[:])
}

func writeLength(h interface{ Write([]byte) (int, error) }, length int) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(length))
	h.Write(buf[:])
}
