package routetoken

import "net/netip"

func netipAddrFrom4(b [4]byte) netip.Addr  { return netip.AddrFrom4(b) }
func netipAddrFrom16(b [16]byte) netip.Addr { return netip.AddrFrom16(b) }
