package resolver

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// ErrInvalidHost is returned by NormalizeHost for names that cannot be
// looked up or mapped into the cache.
var ErrInvalidHost = errors.New("resolver: invalid host")

// NormalizeHost returns the canonical form of a host name: any port is
// dropped, a trailing "." is trimmed, ASCII letters are lowercased and
// non-ASCII names are converted to their punycode form. Blocklist entries
// and request hosts both go through it so they compare equal.
func NormalizeHost(hostport string) (string, error) {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" || strings.ContainsAny(host, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHost, hostport)
	}
	if isASCII(host) {
		return strings.ToLower(host), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidHost, hostport, err)
	}
	return ascii, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
