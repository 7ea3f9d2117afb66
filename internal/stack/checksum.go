package stack

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

// pseudoHeaderSum is the unfolded one's complement sum of the transport
// pseudo header.
func pseudoHeaderSum(src, dst netip.Addr, proto uint8, length int) uint16 {
	xsum := checksum.Checksum(src.AsSlice(), 0)
	xsum = checksum.Checksum(dst.AsSlice(), xsum)
	xsum = checksum.Combine(xsum, uint16(proto))
	xsum = checksum.Combine(xsum, uint16(length>>16))
	return checksum.Combine(xsum, uint16(length))
}

// validIPv4Header reports whether the header checksum of hdr is correct.
func validIPv4Header(hdr []byte) bool {
	return checksum.Checksum(hdr, 0) == 0xffff
}

// validTransport reports whether the TCP or UDP checksum over seg, which
// includes the header, is correct.
func validTransport(src, dst netip.Addr, proto uint8, seg []byte) bool {
	return checksum.Checksum(seg, pseudoHeaderSum(src, dst, proto, len(seg))) == 0xffff
}
