package wire

import (
	"net/netip"

	"github.com/networknext/next/address"
)

func addressFrom4(b [4]byte, port uint16) address.Address {
	return address.FromIP(netip.AddrFrom4(b), port)
}

func addressFrom16(b [16]byte, port uint16) address.Address {
	return address.FromIP(netip.AddrFrom16(b), port)
}
