package network

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/miekg/dns"
)

// ResolveAddrPort turns a "host:port" into a numeric IPv4 endpoint. Literal
// addresses pass through; names are resolved once, synchronously, against the
// given resolver. Only A records are considered: the wire header carries a
// fixed numeric-v4 address form.
func ResolveAddrPort(hostport, resolver string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad port %q: %w", portStr, err)
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		if !ip.Is4() {
			return netip.AddrPort{}, fmt.Errorf("address %s is not IPv4", ip)
		}
		return netip.AddrPortFrom(ip, uint16(port)), nil
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	c := new(dns.Client)
	resp, _, err := c.Exchange(m, resolver)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", host, err)
	}

	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			ip, ok := netip.AddrFromSlice(a.A.To4())
			if !ok {
				continue
			}
			return netip.AddrPortFrom(ip, uint16(port)), nil
		}
	}
	return netip.AddrPort{}, fmt.Errorf("resolve %s: no A records", host)
}
