package request

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/proxy-server/pkg/filter"
	"github.com/jnovack/proxy-server/pkg/resolver"
	"github.com/jnovack/proxy-server/pkg/response"
)

var testResolver = resolver.Static{
	"origin.test":        netip.MustParseAddr("192.0.2.10"),
	"blocked.test":       netip.MustParseAddr("192.0.2.11"),
	"internal.test":      netip.MustParseAddr("10.0.0.5"),
	"xn--bcher-kva.test": netip.MustParseAddr("192.0.2.12"),
}

func mustFilter(t *testing.T, src string) *filter.BlockList {
	t.Helper()
	bl, err := filter.Load(strings.NewReader(src), testResolver)
	require.NoError(t, err)
	return bl
}

func parse(t *testing.T, raw string, bl *filter.BlockList) (*Target, error) {
	t.Helper()
	opts := Options{Resolver: testResolver}
	if bl != nil {
		opts.Filter = bl
	}
	return Parse(context.Background(), []byte(raw), opts)
}

func TestParseRewritesToCanonicalForm(t *testing.T) {
	raw := "GET /docs/a.html HTTP/1.1\r\nUser-Agent: test\r\nhOsT: origin.test\r\nAccept: */*\r\n\r\n"
	tgt, err := parse(t, raw, nil)
	require.NoError(t, err)

	assert.Equal(t, "origin.test", tgt.Host)
	assert.Equal(t, "/docs/a.html", tgt.RelativePath)
	assert.Equal(t, "origin.test/docs/a.html", tgt.CachePath)
	assert.Equal(t, "GET /docs/a.html HTTP/1.1\r\nHost: origin.test\r\nConnection: close\r\n\r\n", string(tgt.Forward))
}

func TestParseTrailingSlashGetsDefaultDocument(t *testing.T) {
	for target, want := range map[string]string{
		"/":                       "/index.html",
		"/a/b/":                   "/a/b/index.html",
		"/a/../b/":                "/b/index.html",
		"/../../x":                "/x",
		"http://origin.test/dir/": "/dir/index.html",
		"http://origin.test":      "/index.html",
	} {
		tgt, err := parse(t, "GET "+target+" HTTP/1.0\r\nHost: origin.test\r\n\r\n", nil)
		require.NoError(t, err, target)
		assert.Equal(t, want, tgt.RelativePath, target)
		assert.Equal(t, tgt.Host+tgt.RelativePath, tgt.CachePath)
		assert.False(t, strings.HasSuffix(tgt.RelativePath, "/"))
		assert.Contains(t, string(tgt.Forward), "GET "+target+" HTTP/1.0\r\n", "original target is forwarded")
	}
}

func TestParseHostForms(t *testing.T) {
	tgt, err := parse(t, "GET / HTTP/1.0\r\nHost:origin.test\r\n\r\n", nil)
	require.NoError(t, err)
	assert.Equal(t, "origin.test", tgt.Host)

	tgt, err = parse(t, "GET / HTTP/1.0\r\nHost: origin.test:80\r\n\r\n", nil)
	require.NoError(t, err)
	assert.Equal(t, "origin.test", tgt.Host)

	tgt, err = parse(t, "GET / HTTP/1.0\r\nHost: bücher.test\r\n\r\n", nil)
	require.NoError(t, err)
	assert.Equal(t, "xn--bcher-kva.test", tgt.Host)
}

func TestParseValidationOrder(t *testing.T) {
	bl := mustFilter(t, "blocked.test\n10.0.0.0/24\n")
	cases := []struct {
		name string
		raw  string
		want response.Kind
	}{
		{"missing host", "GET / HTTP/1.0\r\nAccept: */*\r\n\r\n", response.BadRequest},
		{"missing protocol", "GET /\r\nHost: origin.test\r\n\r\n", response.BadRequest},
		{"empty request", "\r\n\r\n", response.BadRequest},
		{"bad protocol", "GET / HTTP/2.0\r\nHost: origin.test\r\n\r\n", response.BadRequest},
		{"bad protocol beats method", "POST / HTTP/0.9\r\nHost: origin.test\r\n\r\n", response.BadRequest},
		{"post", "POST / HTTP/1.0\r\nHost: origin.test\r\n\r\n", response.NotImplemented},
		{"method beats resolution", "HEAD / HTTP/1.1\r\nHost: nowhere.test\r\n\r\n", response.NotImplemented},
		{"unresolvable", "GET / HTTP/1.1\r\nHost: nowhere.test\r\n\r\n", response.NotFound},
		{"blocked host", "GET /x HTTP/1.1\r\nHost: blocked.test\r\n\r\n", response.Forbidden},
		{"blocked network", "GET / HTTP/1.1\r\nHost: internal.test\r\n\r\n", response.Forbidden},
		{"blocked literal", "GET / HTTP/1.1\r\nHost: 10.0.0.77\r\n\r\n", response.Forbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tgt, err := parse(t, tc.raw, bl)
			require.Error(t, err)
			assert.Nil(t, tgt)
			var re *response.Error
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tc.want, re.Kind)
		})
	}
}

func TestParseBlockedHostEveryPath(t *testing.T) {
	bl := mustFilter(t, "blocked.test\n")
	for _, p := range []string{"/", "/a", "/a/b/c.png", "/index.html?x=1"} {
		_, err := parse(t, "GET "+p+" HTTP/1.0\r\nHost: blocked.test\r\n\r\n", bl)
		assert.Equal(t, response.Forbidden, response.KindOf(err), p)
	}
}

func TestParseBlocklistMatchesNormalizedHost(t *testing.T) {
	bl := mustFilter(t, "bücher.test\nblocked.test.\n")
	for _, host := range []string{"bücher.test", "BÜCHER.test", "xn--bcher-kva.test", "blocked.test", "BLOCKED.test", "blocked.test.:8080"} {
		_, err := parse(t, "GET / HTTP/1.1\r\nHost: "+host+"\r\n\r\n", bl)
		assert.Equal(t, response.Forbidden, response.KindOf(err), host)
	}
}

func TestParseHostIsLowercased(t *testing.T) {
	tgt, err := parse(t, "GET /A.html HTTP/1.0\r\nHost: Origin.TEST\r\n\r\n", nil)
	require.NoError(t, err)
	assert.Equal(t, "origin.test", tgt.Host)
	assert.Equal(t, "origin.test/A.html", tgt.CachePath)
}

type failingBlocker struct{}

func (failingBlocker) Enabled() bool { return true }
func (failingBlocker) IsBlocked(context.Context, string) (bool, error) {
	return false, filter.ErrLookup
}

func TestParseFilterFailureIsInternal(t *testing.T) {
	_, err := Parse(context.Background(),
		[]byte("GET / HTTP/1.0\r\nHost: origin.test\r\n\r\n"),
		Options{Resolver: testResolver, Filter: failingBlocker{}})
	assert.Equal(t, response.Internal, response.KindOf(err))
	assert.ErrorIs(t, err, filter.ErrLookup)
}

func TestParseDisabledFilterAllowsEverything(t *testing.T) {
	bl := mustFilter(t, "")
	_, err := parse(t, "GET / HTTP/1.0\r\nHost: blocked.test\r\n\r\n", bl)
	require.NoError(t, err)
}

func TestReadStopsAtBlankLine(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() {
		// split the terminator across writes
		_, _ = io.WriteString(client, "GET / HTTP/1.0\r\nHost: origin.test\r\n\r")
		_, _ = io.WriteString(client, "\n")
	}()
	raw, err := Read(server)
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.0\r\nHost: origin.test\r\n\r\n", string(raw))
	client.Close()
}

func TestReadLargeRequestGrows(t *testing.T) {
	big := "GET / HTTP/1.0\r\nHost: origin.test\r\nX-Pad: " + strings.Repeat("p", 5*ReadChunk) + "\r\n\r\n"
	raw, err := Read(iotest.OneByteReader(strings.NewReader(big)))
	require.NoError(t, err)
	assert.Equal(t, big, string(raw))
}

func TestReadEarlyClose(t *testing.T) {
	raw, err := Read(strings.NewReader("GET / HTTP/1.0\r\nHost: origin.test\r\n"))
	require.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, "GET / HTTP/1.0\r\nHost: origin.test\r\n", string(raw))
}

func TestReadError(t *testing.T) {
	boom := errors.New("reset")
	_, err := Read(iotest.ErrReader(boom))
	require.ErrorIs(t, err, boom)
}

func TestReadStopsAtMaxHeaderBytes(t *testing.T) {
	raw, err := Read(strings.NewReader(strings.Repeat("a", MaxHeaderBytes+ReadChunk*3)))
	require.ErrorIs(t, err, ErrTooLarge)
	assert.Len(t, raw, MaxHeaderBytes)

	// a terminator inside the limit still wins
	req := "GET / HTTP/1.0\r\nX-Filler: " + strings.Repeat("a", MaxHeaderBytes-64) + "\r\n\r\n"
	raw, err = Read(strings.NewReader(req))
	require.NoError(t, err)
	assert.Equal(t, req, string(raw))
}
