package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/proxy-server/pkg/admin"
	"github.com/jnovack/proxy-server/pkg/response"
	"github.com/jnovack/proxy-server/pkg/threadpool"
)

// Server is the connection dispatcher: it accepts up to MaxRequests
// connections and submits each one to Pool as a job.
type Server struct {
	Addr        string
	Listener    net.Listener // optional; Addr is bound when nil
	Pool        *threadpool.Pool
	Handler     *Handler
	MaxRequests int // <= 0 means no limit
	Metrics     *admin.Metrics

	// NewID names each connection. Defaults to uuid.NewV7.
	NewID func() (uuid.UUID, error)
}

// Listen binds Addr unless a Listener is already set.
func (s *Server) Listen() (net.Addr, error) {
	if s.Listener == nil {
		ln, err := net.Listen("tcp", s.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", s.Addr, err)
		}
		s.Listener = ln
	}
	return s.Listener.Addr(), nil
}

// ListenAndServe accepts connections until MaxRequests have been taken or
// ctx is done, then closes the listener and destroys the pool, which waits
// for every queued and running job. Jobs keep running after ctx is done.
// An accept failure other than shutdown is returned. If binding fails the
// pool is left untouched.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	ln := s.Listener
	if s.Metrics != nil {
		s.Metrics.WatchQueue(s.Pool.Queued)
	}
	log.Info().
		Str("addr", addr.String()).
		Int("pool_size", s.Pool.Size()).
		Int("max_requests", s.MaxRequests).
		Msg("proxy listening")

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	jobCtx := context.WithoutCancel(ctx)
	newID := s.NewID
	if newID == nil {
		newID = uuid.NewV7
	}

	var acceptErr error
	count := 0
	for s.MaxRequests <= 0 || count < s.MaxRequests {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				acceptErr = fmt.Errorf("accept: %w", err)
			}
			break
		}
		count++

		id, err := newID()
		if err != nil {
			log.Error().Err(err).Str("peer", peer(conn)).Msg("cannot create job")
			_, _ = response.WriteError(conn, response.Internal)
			_ = conn.Close()
			continue
		}
		s.Pool.Dispatch(func() {
			s.Handler.Serve(WithConnectionID(jobCtx, id), conn)
		})
	}

	_ = ln.Close()
	log.Info().Int("accepted", count).Int("queued", s.Pool.Queued()).Msg("stopped accepting, draining")
	s.Pool.Destroy()
	log.Info().Int("accepted", count).Msg("proxy stopped")
	return acceptErr
}
