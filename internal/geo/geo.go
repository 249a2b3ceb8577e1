// Package geo is the country resolver (C3): ip -> country-code, with a
// short-circuit for private/loopback ranges so the common case never
// touches an external resolver.
package geo

import "net"

// LocalCountryCode is returned for any ip inside one of the private/loopback
// blocks below, for an empty or unparseable ip, and for the literal string
// "unknown". Other non-routable ranges (link-local, CGNAT) are not covered.
const LocalCountryCode = "LOCAL"

var privateBlocks = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
)

// Resolver maps a public IP to an ISO country code. Implementations may
// call out to an external geolocation service; that call happens during
// telemetry finalization, never on the request-serving path.
type Resolver interface {
	ResolveCountry(ip string) string
}

// StaticResolver resolves every non-local ip to a fixed fallback code. It
// exists so the server has a working, dependency-free Resolver out of the
// box; production deployments plug in a real geolocation-backed Resolver
// without the rest of the telemetry pipeline noticing.
type StaticResolver struct {
	Fallback string
}

// ResolveCountry implements Resolver. The private-range short-circuit is
// applied before Fallback is consulted, mirroring the external capability
// described in the data model: "resolveCountry(ip)" is abstracted, but its
// LOCAL fast path is not.
func (r StaticResolver) ResolveCountry(ip string) string {
	if IsLocal(ip) {
		return LocalCountryCode
	}
	if r.Fallback == "" {
		return "XX"
	}
	return r.Fallback
}

// IsLocal reports whether ip matches one of the private/loopback ranges, or
// is the literal string "unknown", per the spec's testable property 8.
func IsLocal(ip string) bool {
	if ip == "" || ip == "unknown" {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return true
	}
	for _, block := range privateBlocks {
		if block.Contains(parsed) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("geo: invalid built-in CIDR " + cidr + ": " + err.Error())
		}
		nets = append(nets, block)
	}
	return nets
}
