package egress

import (
	"context"
	"fmt"
	"net"
)

// blockedNetworks are the internal/reserved ranges forbidden as egress
// targets, checked before any grant evaluation so a grant can never
// accidentally permit an internal target (spec §4.10 step 1).
var blockedNetworks = mustParseCIDRs(
	"127.0.0.0/8",    // loopback
	"10.0.0.0/8",     // private
	"172.16.0.0/12",  // private
	"192.168.0.0/16", // private
	"169.254.0.0/16", // link-local
	"100.64.0.0/10",  // CGNAT
	"224.0.0.0/4",    // multicast
	"::1/128",
	"fc00::/7", // unique local
	"fe80::/10",
	"ff00::/8",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("egress: invalid blocked CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// isInternalIP reports whether ip falls inside any blocked range.
func isInternalIP(ip net.IP) bool {
	for _, n := range blockedNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// isIPLiteral parses host as a bare IP address, returning ok=false if
// host is a hostname requiring DNS resolution.
func isIPLiteral(host string) (net.IP, bool) {
	ip := net.ParseIP(host)
	return ip, ip != nil
}

// resolveAndCheckIP resolves host and reports the first internal IP
// found among the results, implementing the DNS-rebind defense (spec
// §4.10 step 2): even a host that looks external at allowlist time must
// not resolve to an internal address.
func resolveAndCheckIP(ctx context.Context, host string) (internal bool, resolvedIP net.IP, err error) {
	if ip, ok := isIPLiteral(host); ok {
		return isInternalIP(ip), ip, nil
	}

	var resolver net.Resolver
	addrs, err := resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return false, nil, err
	}
	for _, ip := range addrs {
		if isInternalIP(ip) {
			return true, ip, nil
		}
	}
	if len(addrs) == 0 {
		return false, nil, fmt.Errorf("egress: no addresses for host %q", host)
	}
	return false, addrs[0], nil
}
