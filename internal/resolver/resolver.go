// Package resolver is the external DNS collaborator the egress SOCKS5
// state machine calls for ATYP=DOMAIN requests: resolve(hostname) -> ipv4.
// It is deliberately thin — a single function wrapping net.DefaultResolver
// — matching the spec's framing of DNS resolution as an external
// collaborator outside the multiplexer core, the same way cfw_server.cc's
// ResolveIp is a two-line wrapper around gethostbyname_r.
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mikewei/cfwxx/internal/addr"
)

// Resolve looks up hostname and returns its first IPv4 address. IPv6-only
// names return an error: IPv6 is a non-goal of this tunnel.
func Resolve(ctx context.Context, hostname string) (addr.V4, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", hostname)
	if err != nil {
		return addr.V4{}, fmt.Errorf("resolver: lookup %s: %w", hostname, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return addr.NewV4FromBytes(v4, 0)
		}
	}
	return addr.V4{}, fmt.Errorf("resolver: %s has no IPv4 address", hostname)
}
