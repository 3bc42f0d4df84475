// Package request reads a client's raw request, validates it and rewrites it
// into the minimal form forwarded to the origin.
package request

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/jnovack/proxy-server/pkg/resolver"
	"github.com/jnovack/proxy-server/pkg/response"
)

const (
	// ReadChunk is the growth step of the request buffer.
	ReadChunk = 512

	// DefaultDocument is appended to targets ending in "/".
	DefaultDocument = "index.html"

	// MaxHeaderBytes bounds the request line and headers read from a client.
	MaxHeaderBytes = 64 << 10
)

var headerEnd = []byte("\r\n\r\n")

// ErrIncomplete marks a request whose peer closed before the blank line.
var ErrIncomplete = errors.New("request: connection closed before end of headers")

// ErrTooLarge marks a request whose headers did not end within MaxHeaderBytes.
var ErrTooLarge = errors.New("request: header block too large")

// Blocker is the part of the access filter the parser needs.
type Blocker interface {
	Enabled() bool
	IsBlocked(ctx context.Context, candidate string) (bool, error)
}

// Target describes one validated request. It is owned by the job handling
// the connection.
type Target struct {
	Method    string
	RawTarget string
	Proto     string

	// Host is the origin host name without port.
	Host string
	// RelativePath never ends in "/".
	RelativePath string
	// CachePath is Host + RelativePath.
	CachePath string

	// Forward is the rewritten request sent to the origin.
	Forward []byte
}

// Read accumulates bytes from r until they contain the blank line ending the
// header block. If the peer closes first the bytes read so far are returned
// along with ErrIncomplete, and a header block longer than MaxHeaderBytes
// stops with ErrTooLarge; other read errors are returned wrapped.
func Read(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, ReadChunk)
	for {
		if cap(buf)-len(buf) < ReadChunk {
			grown := make([]byte, len(buf), len(buf)+ReadChunk)
			copy(grown, buf)
			buf = grown
		}
		start := max(len(buf)-len(headerEnd)+1, 0)
		n, err := r.Read(buf[len(buf) : len(buf)+ReadChunk])
		buf = buf[:len(buf)+n]
		if bytes.Contains(buf[start:], headerEnd) {
			return buf, nil
		}
		if len(buf) >= MaxHeaderBytes {
			return buf, ErrTooLarge
		}
		if errors.Is(err, io.EOF) {
			return buf, ErrIncomplete
		}
		if err != nil {
			return buf, fmt.Errorf("read request: %w", err)
		}
	}
}

// Options carries the collaborators Parse consults.
type Options struct {
	Resolver resolver.Interface
	// Filter may be nil, which disables filtering.
	Filter Blocker
}

// Parse validates raw and builds its Target. Checks run in this order and
// the first failure wins: missing request-line token or Host header (400),
// unsupported protocol (400), method other than GET (501), unresolvable
// host (404), blocked host (403) or filter lookup failure (500). The
// returned error is always a *response.Error.
func Parse(ctx context.Context, raw []byte, opts Options) (*Target, error) {
	text := string(raw)
	line, headers, _ := strings.Cut(text, "\n")

	fields := strings.Fields(line)
	var method, target, proto string
	if len(fields) > 0 {
		method = fields[0]
	}
	if len(fields) > 1 {
		target = fields[1]
	}
	if len(fields) > 2 {
		proto = fields[2]
	}
	host := hostHeader(headers)

	if method == "" || target == "" || proto == "" || host == "" {
		return nil, response.Errorf(response.BadRequest, "missing method, target, protocol or host")
	}
	if proto != "HTTP/1.0" && proto != "HTTP/1.1" {
		return nil, response.Errorf(response.BadRequest, "unsupported protocol %q", proto)
	}
	if method != "GET" {
		return nil, response.Errorf(response.NotImplemented, "method %q", method)
	}

	name, err := resolver.NormalizeHost(host)
	if err != nil {
		return nil, response.Errorf(response.NotFound, "host %q: %w", host, err)
	}
	host = name
	if _, err := opts.Resolver.LookupIPv4(ctx, host); err != nil {
		return nil, response.Errorf(response.NotFound, "resolve: %w", err)
	}

	if opts.Filter != nil && opts.Filter.Enabled() {
		blocked, err := opts.Filter.IsBlocked(ctx, host)
		if err != nil {
			return nil, response.Errorf(response.Internal, "filter %s: %w", host, err)
		}
		if blocked {
			return nil, response.Errorf(response.Forbidden, "host %s is blocked", host)
		}
	}

	rel := RelativePath(target)
	return &Target{
		Method:       method,
		RawTarget:    target,
		Proto:        proto,
		Host:         host,
		RelativePath: rel,
		CachePath:    host + rel,
		Forward:      Rewrite(method, target, proto, host),
	}, nil
}

// Rewrite renders the forwarded request. Every client header except Host is
// dropped and the origin is told to close the connection.
func Rewrite(method, target, proto, host string) []byte {
	return []byte(method + " " + target + " " + proto + "\r\n" +
		"Host: " + host + "\r\n" +
		"Connection: close\r\n\r\n")
}

// RelativePath maps a request target to the path under the host's cache
// directory. Absolute-form targets lose their scheme and authority, a
// trailing "/" gains DefaultDocument, and dot segments are resolved so the
// result stays rooted.
func RelativePath(target string) string {
	p := target
	if i := strings.Index(p, "://"); i >= 0 {
		rest := p[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			p = rest[j:]
		} else {
			p = "/"
		}
	}
	if strings.HasSuffix(p, "/") {
		p += DefaultDocument
	}
	p = path.Clean("/" + p)
	if p == "/" {
		p += DefaultDocument
	}
	return p
}

// hostHeader returns the first whitespace-delimited token of the first Host
// header in the header block, matched case-insensitively.
func hostHeader(headers string) string {
	for _, l := range strings.Split(headers, "\n") {
		l = strings.TrimRight(l, "\r")
		if l == "" {
			break
		}
		name, value, ok := strings.Cut(l, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "host") {
			continue
		}
		if f := strings.Fields(value); len(f) > 0 {
			return f[0]
		}
		return ""
	}
	return ""
}
