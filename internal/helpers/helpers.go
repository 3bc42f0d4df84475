// Package helpers holds shared test fixtures: origins that count their
// connections, raw proxy clients and blocklist files.
package helpers

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ReservePort returns an available local TCP port by briefly listening and closing.
func ReservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "reserve a local port")
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// Origin is an HTTP origin that records every connection and request path.
type Origin struct {
	*httptest.Server
	Port int

	conns atomic.Int64
	mu    sync.Mutex
	paths []string
}

// NewOrigin starts an origin serving h on 127.0.0.1.
func NewOrigin(t *testing.T, h http.Handler) *Origin {
	t.Helper()
	o := &Origin{}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.paths = append(o.paths, r.URL.RequestURI())
		o.mu.Unlock()
		h.ServeHTTP(w, r)
	}))
	srv.Config.ConnState = func(_ net.Conn, s http.ConnState) {
		if s == http.StateNew {
			o.conns.Add(1)
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)
	o.Server = srv
	o.Port = srv.Listener.Addr().(*net.TCPAddr).Port
	return o
}

// StaticOrigin serves body with status for every path.
func StaticOrigin(t *testing.T, status int, body string) *Origin {
	t.Helper()
	return NewOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
}

// Connections returns the number of TCP connections accepted so far.
func (o *Origin) Connections() int { return int(o.conns.Load()) }

// Paths returns the request targets seen so far.
func (o *Origin) Paths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.paths...)
}

// GetRequest renders a GET through the proxy.
func GetRequest(host, target string) string {
	return fmt.Sprintf("GET %s HTTP/1.0\r\nHost: %s\r\nUser-Agent: helpers\r\n\r\n", target, host)
}

// Exchange writes raw to conn and returns everything the peer sends until
// it closes the connection.
func Exchange(t *testing.T, conn net.Conn, raw string) string {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	errCh := make(chan error, 1)
	go func() {
		_, err := io.WriteString(conn, raw)
		errCh <- err
	}()
	b, err := io.ReadAll(conn)
	require.NoError(t, err, "read proxy reply")
	require.NoError(t, <-errCh, "write proxy request")
	return string(b)
}

// Dial connects to a proxy and exchanges raw with it.
func Dial(t *testing.T, addr, raw string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err, "dial proxy")
	defer conn.Close()
	return Exchange(t, conn, raw)
}

// ReadHTTPResponse parses an HTTP response from s.
func ReadHTTPResponse(t *testing.T, s string) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(s)), nil)
	require.NoError(t, err, "read HTTP response")
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "read HTTP body")
	return resp, string(body)
}

// WriteLines writes lines, newline terminated, to dir/name and returns the path.
func WriteLines(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(p, []byte(b.String()), 0o644))
	return p
}
