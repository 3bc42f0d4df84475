// Package relay fetches a rewritten request from its origin and streams the
// reply to the client, mirroring 2xx bodies into the cache as they arrive.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/proxy-server/pkg/cache"
	"github.com/jnovack/proxy-server/pkg/request"
	"github.com/jnovack/proxy-server/pkg/resolver"
	"github.com/jnovack/proxy-server/pkg/response"
)

// DefaultPort is the origin port for plain HTTP.
const DefaultPort = 80

// ErrNoSeparator is returned when the origin closes before the end of its
// header block.
var ErrNoSeparator = errors.New("relay: origin closed before end of headers")

var separator = []byte("\r\n\r\n")

// State is a step of a single fetch.
type State int

const (
	Connecting State = iota
	Sending
	AwaitingHeaders
	StreamingBody
	Done
	Failed
)

var stateNames = [...]string{"connecting", "sending", "awaiting-headers", "streaming-body", "done", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// Dialer opens origin connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Relay holds what every fetch shares. The zero value resolves through the
// system resolver, dials port 80 and caches nothing.
type Relay struct {
	Resolver resolver.Interface
	Dialer   Dialer
	Port     int
	Cache    *cache.Store
}

// Result reports what a fetch did.
type Result struct {
	// Status is the origin status code, 0 if the status line never arrived.
	Status int
	// HeaderBytes and BodyBytes count bytes written to the client.
	HeaderBytes int64
	BodyBytes   int64
	// Cached is set when the body was committed to the cache.
	Cached bool
	// Sent is set once any byte reached the client.
	Sent bool
	// State is where the fetch ended: Done or Failed.
	State State
}

// Total returns the number of bytes forwarded to the client.
func (r Result) Total() int64 { return r.HeaderBytes + r.BodyBytes }

// Cacheable reports whether status is a 2xx code.
func Cacheable(status int) bool { return status >= 200 && status < 300 }

type fetch struct {
	ctx    context.Context
	t      *request.Target
	client io.Writer
	store  *cache.Store
	entry  *cache.Entry
	res    Result
}

// Fetch sends t.Forward to the origin for t.Host and relays the reply to
// client. A returned error is a *response.Error of kind Internal; callers
// only answer it when res.Sent is false, otherwise the client connection is
// closed as is.
func (r *Relay) Fetch(ctx context.Context, t *request.Target, client io.Writer) (Result, error) {
	f := &fetch{ctx: ctx, t: t, client: client, store: r.Cache}
	f.res.State = Connecting

	conn, err := r.connect(ctx, t.Host)
	if err != nil {
		return f.fail(err)
	}
	defer conn.Close()

	f.res.State = Sending
	if _, err := conn.Write(t.Forward); err != nil {
		return f.fail(fmt.Errorf("send request: %w", err))
	}

	f.res.State = AwaitingHeaders
	body, err := f.awaitHeaders(conn)
	if err != nil {
		return f.fail(err)
	}

	f.res.State = StreamingBody
	if err := f.streamBody(conn, body); err != nil {
		return f.fail(err)
	}

	f.res.State = Done
	if f.entry != nil {
		if err := f.entry.Commit(); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("path", t.CachePath).Msg("cache commit failed")
		} else {
			f.res.Cached = true
		}
	}
	return f.res, nil
}

func (r *Relay) connect(ctx context.Context, host string) (net.Conn, error) {
	res := r.Resolver
	if res == nil {
		res = resolver.New()
	}
	addr, err := res.LookupIPv4(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve origin: %w", err)
	}
	port := r.Port
	if port <= 0 {
		port = DefaultPort
	}
	d := r.Dialer
	if d == nil {
		d = &net.Dialer{}
	}
	conn, err := d.DialContext(ctx, "tcp", netip.AddrPortFrom(addr, uint16(port)).String())
	if err != nil {
		return nil, fmt.Errorf("connect origin: %w", err)
	}
	return conn, nil
}

// awaitHeaders reads the origin reply until the separator is found. Bytes
// that can no longer be part of the separator are relayed as soon as they
// are scanned. It returns the body bytes that arrived with the headers.
func (f *fetch) awaitHeaders(conn io.Reader) ([]byte, error) {
	var (
		window   = make([]byte, 0, 2*response.ChunkSize)
		chunk    = make([]byte, response.ChunkSize)
		line     []byte
		gotFirst bool
	)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			if !gotFirst {
				line = append(line, chunk[:n]...)
				if i := bytes.IndexByte(line, '\n'); i >= 0 {
					gotFirst = true
					f.res.Status = parseStatus(line[:i])
					line = nil
					if err := f.prepareCache(); err != nil {
						return nil, err
					}
				}
			}

			window = append(window, chunk[:n]...)
			if i := bytes.Index(window, separator); i >= 0 {
				end := i + len(separator)
				if err := f.send(window[:end], &f.res.HeaderBytes); err != nil {
					return nil, err
				}
				return window[end:], nil
			}

			// Keep the tail that could start a separator split across reads.
			if keep := len(separator) - 1; len(window) > keep {
				flush := len(window) - keep
				if err := f.send(window[:flush], &f.res.HeaderBytes); err != nil {
					return nil, err
				}
				window = append(window[:0], window[flush:]...)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrNoSeparator
		}
		if err != nil {
			return nil, fmt.Errorf("read headers: %w", err)
		}
	}
}

// prepareCache opens a cache entry once the status line shows a 2xx reply.
func (f *fetch) prepareCache() error {
	if f.store == nil || !Cacheable(f.res.Status) {
		return nil
	}
	e, err := f.store.Create(f.t.CachePath)
	if err != nil {
		return fmt.Errorf("prepare cache: %w", err)
	}
	f.entry = e
	return nil
}

func (f *fetch) streamBody(conn io.Reader, first []byte) error {
	if err := f.body(first); err != nil {
		return err
	}
	chunk := make([]byte, response.ChunkSize)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			if werr := f.body(chunk[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
	}
}

func (f *fetch) body(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := f.send(p, &f.res.BodyBytes); err != nil {
		return err
	}
	if f.entry == nil {
		return nil
	}
	if _, err := f.entry.Write(p); err != nil {
		// The client still gets the full body; only the mirror is lost.
		log.Ctx(f.ctx).Warn().Err(err).Str("path", f.t.CachePath).Msg("cache write failed, entry dropped")
		_ = f.entry.Abort()
		f.entry = nil
	}
	return nil
}

func (f *fetch) send(p []byte, counter *int64) error {
	n, err := f.client.Write(p)
	*counter += int64(n)
	if n > 0 {
		f.res.Sent = true
	}
	if err != nil {
		return fmt.Errorf("write client: %w", err)
	}
	return nil
}

func (f *fetch) fail(err error) (Result, error) {
	if f.entry != nil {
		_ = f.entry.Abort()
		f.entry = nil
	}
	log.Ctx(f.ctx).Debug().Err(err).
		Str("host", f.t.Host).
		Str("state", f.res.State.String()).
		Bool("sent", f.res.Sent).
		Msg("origin relay failed")
	f.res.State = Failed
	return f.res, &response.Error{Kind: response.Internal, Err: err}
}

// parseStatus returns the code from a status line such as
// "HTTP/1.1 200 OK", or 0 if it has none.
func parseStatus(line []byte) int {
	fields := bytes.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(string(fields[1]))
	if err != nil || code < 100 || code > 999 {
		return 0
	}
	return code
}
