package wire

import "github.com/networknext/next/address"

// basicRanges/basicSets are the inclusive byte ranges and allowed byte
// sets from spec.md §6, keyed by packet byte offset: a
// cheap first line of defense before the more expensive chonkle/pittle
// recomputation in AdvancedFilter.
type byteRange struct{ lo, hi byte }

var basicRanges = map[int]byteRange{
	1:  {0x2A, 0x2D},
	2:  {0xC8, 0xE7},
	3:  {0x05, 0x44},
	5:  {0x4E, 0x51},
	6:  {0x60, 0xDF},
	7:  {0x64, 0xE3},
	10: {0x7C, 0x83},
	11: {0xAF, 0xB6},
	12: {0x21, 0x60},
	14: {0xD2, 0xF1},
	15: {0x11, 0x90},
}

var basicSets = map[int][]byte{
	8: {0x07, 0x4F},
	9: {0x25, 0x53},
	13: {0x61, 0x05, 0x2B, 0x0D},
}

// MinFilteredPacketSize is the shortest length basicFilter accepts for
// a non-passthrough packet (the 16-byte type+chonkle header plus the
// 2-byte pittle trailer).
const MinFilteredPacketSize = 18

// BasicFilter is the cheap first-line packet filter from spec.md §4.1:
// either byte[0] is PASSTHROUGH and the packet is accepted unchecked,
// or the packet is at least MinFilteredPacketSize bytes and bytes[0..15]
// fall within the fixed whitelist ranges from spec.md §6.
func BasicFilter(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	if PacketType(data[0]) == PacketPassthrough {
		return true
	}
	if len(data) < MinFilteredPacketSize {
		return false
	}
	for i, r := range basicRanges {
		if data[i] < r.lo || data[i] > r.hi {
			return false
		}
	}
	for i, set := range basicSets {
		ok := false
		for _, v := range set {
			if data[i] == v {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// AdvancedFilter recomputes chonkle/pittle under magic and compares
// against the bytes actually present in data, per spec.md §4.1.
// Callers try each of {current, upcoming, previous} in turn (spec.md
// §3 "Magic").
func AdvancedFilter(data []byte, magic Magic, from, to address.Address) bool {
	if len(data) < MinFilteredPacketSize {
		return false
	}
	length := len(data)
	want := chonkle(magic, from, to, length)
	if [15]byte(data[1:16]) != want {
		return false
	}
	wantPittle := pittle(from, to, length)
	got := [2]byte{data[length-2], data[length-1]}
	return got == wantPittle
}

// PassesFilters runs BasicFilter then tries AdvancedFilter under each
// of magic's three epochs in order, matching spec.md §3's "Inbound
// packets must pass the chonkle/pittle check under any of the three".
func PassesFilters(data []byte, magic MagicSet, from, to address.Address) bool {
	if !BasicFilter(data) {
		return false
	}
	if len(data) > 0 && PacketType(data[0]) == PacketPassthrough {
		return true
	}
	for _, m := range magic.All() {
		if AdvancedFilter(data, m, from, to) {
			return true
		}
	}
	return false
}
