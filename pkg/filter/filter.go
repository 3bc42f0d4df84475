// Package filter implements the proxy access blocklist: exact host names and
// IPv4 networks in CIDR notation.
//
// A BlockList is built once by Load or LoadFile and never changes afterwards,
// so any number of goroutines may query it without locking.
package filter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/proxy-server/pkg/resolver"
)

// ErrLookup is returned by IsBlocked when a host name could not be resolved
// for the network check. It never means "allowed".
var ErrLookup = errors.New("filter: host lookup failed")

// ErrInvalidNetwork is returned for a malformed address/prefix line.
var ErrInvalidNetwork = errors.New("filter: invalid network")

// Network is an IPv4 network stored in masked form.
type Network struct {
	Addr   [4]byte
	Prefix int
}

// String renders n as a.b.c.d/p.
func (n Network) String() string {
	return netip.AddrFrom4(n.Addr).String() + "/" + strconv.Itoa(n.Prefix)
}

// Contains reports whether addr masked with the network prefix equals the
// network address.
func (n Network) Contains(addr [4]byte) bool {
	return Mask(addr, n.Prefix) == n.Addr
}

// Mask zeroes every bit of addr past the first prefix bits. prefix is clamped
// to [0, 32].
func Mask(addr [4]byte, prefix int) [4]byte {
	prefix = min(max(prefix, 0), 32)
	boundary := prefix / 8
	rem := prefix % 8

	first := boundary
	if rem > 0 {
		addr[boundary] &= byte(int(256) - (1 << (8 - rem)))
		first++
	}
	for i := first; i < 4; i++ {
		addr[i] = 0
	}
	return addr
}

// ParseNetwork parses "a.b.c.d/p" and masks the address. A line without a
// prefix is treated as a single host (/32).
func ParseNetwork(line string) (Network, error) {
	line = strings.TrimSpace(line)
	addrPart, prefixPart, hasPrefix := strings.Cut(line, "/")

	addr, err := netip.ParseAddr(strings.TrimSpace(addrPart))
	if err != nil || !addr.Is4() {
		return Network{}, fmt.Errorf("%w: %q", ErrInvalidNetwork, line)
	}
	prefix := 32
	if hasPrefix {
		prefix, err = strconv.Atoi(strings.TrimSpace(prefixPart))
		if err != nil || prefix < 0 || prefix > 32 {
			return Network{}, fmt.Errorf("%w: bad prefix in %q", ErrInvalidNetwork, line)
		}
	}
	return Network{Addr: Mask(addr.As4(), prefix), Prefix: prefix}, nil
}

// BlockList holds the loaded host and network entries.
type BlockList struct {
	hosts    []string
	hostSet  map[string]struct{}
	networks []Network
	resolver resolver.Interface
}

// Load reads one entry per line from r. Lines starting with a digit are
// networks; any other non-empty line is a host name, stored in the form
// resolver.NormalizeHost gives it. res resolves
// host names for the network check; nil means the system resolver.
func Load(r io.Reader, res resolver.Interface) (*BlockList, error) {
	if res == nil {
		res = resolver.New()
	}
	bl := &BlockList{hostSet: make(map[string]struct{}), resolver: res}

	sc := bufio.NewScanner(r)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := strings.TrimRight(sc.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line[0] >= '0' && line[0] <= '9' {
			n, err := ParseNetwork(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			bl.networks = append(bl.networks, n)
			continue
		}
		host, err := resolver.NormalizeHost(strings.TrimSpace(line))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if _, dup := bl.hostSet[host]; !dup {
			bl.hostSet[host] = struct{}{}
			bl.hosts = append(bl.hosts, host)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}
	return bl, nil
}

// LoadFile loads the blocklist at path. A missing or empty file yields a
// disabled BlockList rather than an error.
func LoadFile(path string, res resolver.Interface) (*BlockList, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("file", path).Msg("blocklist not found, filtering disabled")
		return Load(strings.NewReader(""), res)
	}
	if err != nil {
		return nil, fmt.Errorf("open blocklist %s: %w", path, err)
	}
	defer f.Close()

	bl, err := Load(f, res)
	if err != nil {
		return nil, fmt.Errorf("load blocklist %s: %w", path, err)
	}
	log.Info().
		Str("file", path).
		Int("hosts", len(bl.hosts)).
		Int("networks", len(bl.networks)).
		Bool("enabled", bl.Enabled()).
		Msg("blocklist loaded")
	return bl, nil
}

// Enabled reports whether any entry was loaded. A disabled list blocks nothing.
func (b *BlockList) Enabled() bool {
	return b != nil && (len(b.hosts) > 0 || len(b.networks) > 0)
}

// Hosts returns a copy of the host entries in file order.
func (b *BlockList) Hosts() []string {
	if b == nil {
		return nil
	}
	return append([]string(nil), b.hosts...)
}

// Networks returns a copy of the network entries in file order.
func (b *BlockList) Networks() []Network {
	if b == nil {
		return nil
	}
	return append([]Network(nil), b.networks...)
}

// IsBlocked reports whether candidate, a host name or dotted-quad address,
// is covered by the list. Host names are normalized like the entries and
// checked against the exact host entries first and then resolved and checked against the networks. A
// resolution failure is returned wrapped in ErrLookup.
func (b *BlockList) IsBlocked(ctx context.Context, candidate string) (bool, error) {
	if !b.Enabled() {
		return false, nil
	}
	if addr, err := netip.ParseAddr(candidate); err == nil && addr.Is4() {
		return b.containsAddr(addr.As4()), nil
	}

	if name, err := resolver.NormalizeHost(candidate); err == nil {
		candidate = name
	}
	if _, ok := b.hostSet[candidate]; ok {
		return true, nil
	}
	if len(b.networks) == 0 {
		return false, nil
	}
	addr, err := b.resolver.LookupIPv4(ctx, candidate)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrLookup, err)
	}
	return b.containsAddr(addr.As4()), nil
}

func (b *BlockList) containsAddr(addr [4]byte) bool {
	for _, n := range b.networks {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}
