package network

import (
	"encoding/binary"
	"net/netip"

	"golang.org/x/sys/unix"
)

// OriginalDst recovers the pre-REDIRECT destination of an accepted socket
// from the netfilter connection tracker. The getsockopt fills a sockaddr_in,
// which GetsockoptIPv6Mreq happens to expose as a raw 16-byte buffer.
func OriginalDst(fd int) (netip.AddrPort, error) {
	mreq, err := unix.GetsockoptIPv6Mreq(fd, unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
	if err != nil {
		return netip.AddrPort{}, err
	}
	raw := mreq.Multiaddr
	port := binary.BigEndian.Uint16(raw[2:4])
	addr := netip.AddrFrom4([4]byte{raw[4], raw[5], raw[6], raw[7]})
	return netip.AddrPortFrom(addr, port), nil
}
