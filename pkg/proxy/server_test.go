package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/proxy-server/internal/helpers"
	"github.com/jnovack/proxy-server/pkg/threadpool"
)

func newServer(t *testing.T, h *Handler, workers, maxRequests int) (*Server, string) {
	t.Helper()
	pool, err := threadpool.New(workers, threadpool.DefaultMaxSize)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &Server{Listener: ln, Pool: pool, Handler: h, MaxRequests: maxRequests, Metrics: h.Metrics}
	return s, ln.Addr().String()
}

func run(ctx context.Context, s *Server) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx) }()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func TestServerStopsAfterMaxRequests(t *testing.T) {
	origin := helpers.StaticOrigin(t, http.StatusOK, "body")
	f := newFixture(t, origin.Port)
	s, addr := newServer(t, f.h, 2, 3)
	errCh := run(context.Background(), s)

	for i := 0; i < 3; i++ {
		out := helpers.Dial(t, addr, helpers.GetRequest("origin.test", "/same.html"))
		resp, body := helpers.ReadHTTPResponse(t, out)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "body", body)
	}
	require.NoError(t, waitErr(t, errCh))
	assert.Equal(t, 1, origin.Connections(), "only the first request reaches the origin")

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "listener is closed once the limit is reached")
}

func TestServerMoreClientsThanWorkers(t *testing.T) {
	origin := helpers.StaticOrigin(t, http.StatusOK, "shared")
	f := newFixture(t, origin.Port)
	// Seed the cache so every job is a hit.
	f.serve(t, helpers.GetRequest("origin.test", "/seed.html"))

	const clients = 20
	s, addr := newServer(t, f.h, 2, clients)
	errCh := run(context.Background(), s)

	var wg sync.WaitGroup
	results := make([]string, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = helpers.Dial(t, addr, helpers.GetRequest("origin.test", "/seed.html"))
		}(i)
	}
	wg.Wait()
	require.NoError(t, waitErr(t, errCh))

	for i, out := range results {
		assert.True(t, strings.HasPrefix(out, "HTTP/1.0 200 OK\r\n"), "client %d: %q", i, out)
		assert.True(t, strings.HasSuffix(out, "shared"), "client %d", i)
	}
	assert.Equal(t, 1, origin.Connections())
	assert.Zero(t, s.Pool.Queued())
}

func TestServerEarlyCloseGets400(t *testing.T) {
	f := newFixture(t, helpers.ReservePort(t))
	s, addr := newServer(t, f.h, 1, 1)
	errCh := run(context.Background(), s)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("GET /x HTTP/1.0\r\n"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "HTTP/1.0 400 Bad Request\r\n"), string(out))
	require.NoError(t, waitErr(t, errCh))
}

func TestServerContextCancelStopsAccepting(t *testing.T) {
	f := newFixture(t, helpers.ReservePort(t))
	s, _ := newServer(t, f.h, 1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := run(ctx, s)

	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, errCh))
}

func TestServerJobCreationFailureAnswers500(t *testing.T) {
	f := newFixture(t, helpers.ReservePort(t))
	s, addr := newServer(t, f.h, 1, 2)
	calls := 0
	s.NewID = func() (uuid.UUID, error) {
		calls++
		if calls == 1 {
			return uuid.Nil, errors.New("entropy exhausted")
		}
		return uuid.NewV7()
	}
	errCh := run(context.Background(), s)

	out := helpers.Dial(t, addr, helpers.GetRequest("origin.test", "/"))
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 500 Internal Server Error\r\n"), out)

	out = helpers.Dial(t, addr, "GET / HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 400 Bad Request\r\n"), out)

	require.NoError(t, waitErr(t, errCh), "the failed connection still counts toward the limit")
}

func TestServerListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	pool, err := threadpool.New(1, 1)
	require.NoError(t, err)
	defer pool.Destroy()
	s := &Server{Addr: ln.Addr().String(), Pool: pool, Handler: &Handler{}}
	err = s.ListenAndServe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}
