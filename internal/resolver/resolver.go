// Package resolver implements the narrow "resolve address to short
// hostname" channel spec.md treats as an external collaborator
// (DNS reverse-resolution): name-required lookup first, falling back
// to a numeric/best-effort form, with the domain suffix stripped.
package resolver

import (
	"context"
	"net"
	"strings"
	"time"
)

// Resolver is the narrow capability netdumpd needs from DNS: turn an
// IPv4 address into a name. It is deliberately smaller than net.Resolver
// so it can be swapped for a capability-limited channel (the Go
// analogue of the original's cap_dns service, restricted to family
// AF_INET, type NAME).
type Resolver interface {
	// LookupAddr returns the resolved hostnames for addr, or an error
	// if resolution fails or no name is associated with the address.
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// DefaultTimeout bounds a single reverse-lookup round trip.
const DefaultTimeout = 5 * time.Second

// netResolver adapts *net.Resolver to Resolver.
type netResolver struct{ *net.Resolver }

// NewNet returns a Resolver backed by net.DefaultResolver.
func NewNet() Resolver {
	return netResolver{net.DefaultResolver}
}

// ShortHostname derives a session hostname for ip per spec.md §4.4: a
// reverse lookup is attempted first; anything from the first dot
// onward is stripped from a successful result. If that lookup fails
// or returns nothing, the fallback is the address's own printable
// form, matching the original's "retry without name-required, use a
// numeric IP" behaviour. A session is only refused if the address
// itself cannot be formatted, which net.IP.String never fails to do.
func ShortHostname(r Resolver, ip net.IP) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	names, err := r.LookupAddr(ctx, ip.String())
	if err == nil && len(names) > 0 {
		return shortName(names[0]), nil
	}

	return ip.String(), nil
}

// shortName strips everything from the first dot onward, and any
// trailing dot PTR records commonly carry.
func shortName(fqdn string) string {
	fqdn = strings.TrimSuffix(fqdn, ".")
	if i := strings.IndexByte(fqdn, '.'); i >= 0 {
		return fqdn[:i]
	}
	return fqdn
}
