// Package resolver turns host names into IPv4 addresses for the filter, the
// request parser and the origin relay.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned when a name has no IPv4 address.
var ErrNotFound = errors.New("resolver: no IPv4 address")

// Interface is what the rest of the proxy needs from a resolver.
type Interface interface {
	LookupIPv4(ctx context.Context, host string) (netip.Addr, error)
}

// Resolver resolves through the system resolver. Concurrent lookups for the
// same name share one query.
type Resolver struct {
	// LookupIP defaults to net.DefaultResolver.LookupIP.
	LookupIP func(ctx context.Context, network, host string) ([]net.IP, error)

	group singleflight.Group
}

// New returns a Resolver backed by net.DefaultResolver.
func New() *Resolver {
	return &Resolver{LookupIP: net.DefaultResolver.LookupIP}
}

// LookupIPv4 returns the first IPv4 address of host. Dotted-quad literals are
// returned as-is without a query.
func (r *Resolver) LookupIPv4(ctx context.Context, host string) (netip.Addr, error) {
	if host == "" {
		return netip.Addr{}, fmt.Errorf("%w: empty host", ErrNotFound)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Is4() {
			return addr, nil
		}
		return netip.Addr{}, fmt.Errorf("%w: %s is not IPv4", ErrNotFound, host)
	}

	lookup := r.LookupIP
	if lookup == nil {
		lookup = net.DefaultResolver.LookupIP
	}
	v, err, shared := r.group.Do(host, func() (any, error) {
		ips, err := lookup(ctx, "ip4", host)
		if err != nil {
			return netip.Addr{}, err
		}
		for _, ip := range ips {
			if addr, ok := netip.AddrFromSlice(ip.To4()); ok {
				return addr, nil
			}
		}
		return netip.Addr{}, ErrNotFound
	})
	if err != nil {
		log.Debug().Err(err).Str("host", host).Bool("shared", shared).Msg("lookup failed")
		return netip.Addr{}, fmt.Errorf("lookup %s: %w", host, err)
	}
	return v.(netip.Addr), nil
}

// Static resolves from a fixed table. Literal addresses pass through.
type Static map[string]netip.Addr

// LookupIPv4 implements Interface.
func (s Static) LookupIPv4(_ context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil && addr.Is4() {
		return addr, nil
	}
	if addr, ok := s[host]; ok {
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("lookup %s: %w", host, ErrNotFound)
}
