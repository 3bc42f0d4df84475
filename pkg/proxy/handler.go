// Package proxy serves forward-proxy requests: one job per client
// connection, answered from the cache mirror or relayed from the origin.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/proxy-server/pkg/admin"
	"github.com/jnovack/proxy-server/pkg/cache"
	"github.com/jnovack/proxy-server/pkg/relay"
	"github.com/jnovack/proxy-server/pkg/request"
	"github.com/jnovack/proxy-server/pkg/resolver"
	"github.com/jnovack/proxy-server/pkg/response"
)

// Outcomes reported for a job besides ORIGIN-<status>.
const (
	OutcomeHit     = "HIT"
	OutcomeMiss    = "MISS"
	OutcomeAborted = "ABORTED"
	OutcomeClosed  = "CLOSED"
)

// Handler runs a full request/response cycle on a client connection.
// Filter, Metrics and Observer are optional.
type Handler struct {
	Resolver resolver.Interface
	Filter   request.Blocker
	Cache    *cache.Store
	Relay    *relay.Relay
	Metrics  *admin.Metrics
	Observer admin.RequestObserver
}

// NewHandler returns a Handler whose relay shares res and store.
func NewHandler(res resolver.Interface, filter request.Blocker, store *cache.Store, originPort int) *Handler {
	return &Handler{
		Resolver: res,
		Filter:   filter,
		Cache:    store,
		Relay:    &relay.Relay{Resolver: res, Port: originPort, Cache: store},
	}
}

var systemResolver = resolver.New()

type job struct {
	start time.Time
	rec   admin.RequestRecord
}

// Serve handles the single request on conn and closes it. Every failure is
// contained here: the client gets a canned error page or, once streaming
// has begun, a closed connection.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	id, ok := ConnectionID(ctx)
	if !ok {
		id = uuid.Must(uuid.NewV7())
		ctx = WithConnectionID(ctx, id)
	}
	ctx = log.With().Str("connection_id", id.String()).Logger().WithContext(ctx)

	j := &job{start: time.Now()}
	j.rec.ConnectionID = id.String()
	j.rec.Peer = peer(conn)
	if h.Metrics != nil {
		h.Metrics.InflightAdd(j.rec.ConnectionID, j.rec.Peer)
		defer h.Metrics.InflightRemove(j.rec.ConnectionID)
	}

	raw, err := request.Read(conn)
	switch {
	case errors.Is(err, request.ErrTooLarge):
		log.Ctx(ctx).Debug().Err(err).Int("bytes", len(raw)).Msg("request rejected")
		h.fail(ctx, j, conn, response.BadRequest)
		return
	case err != nil && !errors.Is(err, request.ErrIncomplete):
		log.Ctx(ctx).Debug().Err(err).Msg("failed to read request")
		h.finish(ctx, j, OutcomeClosed)
		return
	}

	t, err := request.Parse(ctx, raw, request.Options{Resolver: h.resolver(), Filter: h.Filter})
	if err != nil {
		kind := response.KindOf(err)
		if kind == response.Forbidden && h.Metrics != nil {
			h.Metrics.IncBlocked()
		}
		log.Ctx(ctx).Debug().Err(err).Str("reply", kind.String()).Msg("request rejected")
		h.fail(ctx, j, conn, kind)
		return
	}
	j.rec.Method = t.Method
	j.rec.Host = t.Host
	j.rec.Path = t.RelativePath

	f, size, err := h.store().Open(t.CachePath)
	switch {
	case err == nil:
		h.serveCached(ctx, j, conn, t, f, size)
	case errors.Is(err, cache.ErrMiss):
		h.serveOrigin(ctx, j, conn, t)
	default:
		log.Ctx(ctx).Error().Err(err).Str("path", t.CachePath).Msg("cache lookup failed")
		h.fail(ctx, j, conn, response.Internal)
	}
}

func (h *Handler) serveCached(ctx context.Context, j *job, w io.Writer, t *request.Target, f io.ReadCloser, size int64) {
	defer f.Close()
	hdr, body, err := response.WriteFile(w, t.RelativePath, f, size)
	j.rec.HeaderBytes, j.rec.BodyBytes = int64(hdr), body
	j.rec.Status = 200
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("path", t.CachePath).Msg("cached reply aborted")
		h.finish(ctx, j, OutcomeAborted)
		return
	}
	h.finish(ctx, j, OutcomeHit)
}

func (h *Handler) serveOrigin(ctx context.Context, j *job, w io.Writer, t *request.Target) {
	res, err := h.relay().Fetch(ctx, t, w)
	j.rec.Status = res.Status
	j.rec.HeaderBytes, j.rec.BodyBytes = res.HeaderBytes, res.BodyBytes
	j.rec.Cached = res.Cached
	if res.Cached && h.Metrics != nil {
		h.Metrics.IncCacheWrites()
	}
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.IncOriginErrors()
		}
		log.Ctx(ctx).Warn().Err(err).Str("host", t.Host).Bool("sent", res.Sent).Msg("origin fetch failed")
		if !res.Sent {
			h.fail(ctx, j, w, response.KindOf(err))
			return
		}
		h.finish(ctx, j, OutcomeAborted)
		return
	}
	if relay.Cacheable(res.Status) {
		h.finish(ctx, j, OutcomeMiss)
		return
	}
	h.finish(ctx, j, admin.Outcome(res.Status))
}

// fail answers with the canned page for kind.
func (h *Handler) fail(ctx context.Context, j *job, w io.Writer, kind response.Kind) {
	n, err := response.WriteError(w, kind)
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("failed to write error reply")
	}
	j.rec.Status = kind.Status()
	j.rec.HeaderBytes, j.rec.BodyBytes = int64(n), 0
	h.finish(ctx, j, "ERROR-"+strconv.Itoa(kind.Status()))
}

func (h *Handler) finish(ctx context.Context, j *job, outcome string) {
	latency := time.Since(j.start)
	j.rec.Time = time.Now()
	j.rec.Outcome = outcome
	j.rec.LatencySecs = latency.Seconds()

	log.Ctx(ctx).Info().
		Str("peer", j.rec.Peer).
		Str("host", j.rec.Host).
		Str("path", j.rec.Path).
		Str("outcome", outcome).
		Int("status", j.rec.Status).
		Int64("header_bytes", j.rec.HeaderBytes).
		Int64("body_bytes", j.rec.BodyBytes).
		Int64("total_bytes", j.rec.HeaderBytes+j.rec.BodyBytes).
		Dur("latency", latency).
		Msg("served")

	if h.Metrics != nil {
		h.Metrics.ObserveRequest(outcome, latency)
		h.Metrics.AddBytes(j.rec.HeaderBytes, j.rec.BodyBytes)
	}
	admin.NotifyObserver(h.Observer, j.rec)
}

func (h *Handler) store() *cache.Store {
	if h.Cache == nil {
		return cache.New("")
	}
	return h.Cache
}

func (h *Handler) resolver() resolver.Interface {
	if h.Resolver == nil {
		return systemResolver
	}
	return h.Resolver
}

func (h *Handler) relay() *relay.Relay {
	if h.Relay == nil {
		return &relay.Relay{Resolver: h.resolver(), Cache: h.store()}
	}
	return h.Relay
}

func peer(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
