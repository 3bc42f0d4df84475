// Package admin implements the HTTP admin endpoints of the proxy: health,
// Prometheus metrics, in-flight jobs, effective configuration and recently
// handled requests.
package admin

import (
	"encoding/json"
	"html"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Options wires the admin router. Nil fields disable the matching endpoint.
type Options struct {
	Metrics  *Metrics
	Captures *CaptureStore
	// Vars is rendered as JSON by /varz.
	Vars any
}

// Router returns the admin handler.
func Router(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", HandleHealth)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
		r.Get("/statusz", func(w http.ResponseWriter, _ *http.Request) { HandleStatusz(w, opts.Metrics) })
	}
	if opts.Vars != nil {
		r.Get("/varz", func(w http.ResponseWriter, _ *http.Request) { HandleVarz(w, opts.Vars) })
	}
	if opts.Captures != nil {
		r.Get("/requestz", func(w http.ResponseWriter, _ *http.Request) { HandleRequestz(w, opts.Captures) })
		r.Delete("/requestz", func(w http.ResponseWriter, _ *http.Request) {
			opts.Captures.Clear()
			w.WriteHeader(http.StatusNoContent)
		})
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("latency", time.Since(start)).
			Msg("admin request")
	})
}

// HandleHealth is a simple healthz handler.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// HandleVarz writes config (provided) as JSON.
func HandleVarz(w http.ResponseWriter, cfg any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

// HandleRequestz writes the captured records as JSON, oldest first.
func HandleRequestz(w http.ResponseWriter, cs *CaptureStore) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cs.List())
}

// HandleStatusz renders a small HTML page showing inflight jobs.
func HandleStatusz(w http.ResponseWriter, m *Metrics) {
	list := m.InflightList()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>Status</h1>"))
	_, _ = w.Write([]byte("<p>Inflight: " + strconv.Itoa(len(list)) + "</p>"))
	_, _ = w.Write([]byte("<table border='1'><tr><th>Connection</th><th>Peer</th><th>Start</th><th>Age(s)</th></tr>"))
	now := time.Now()
	for _, in := range list {
		age := now.Sub(in.Start).Seconds()
		_, _ = w.Write([]byte("<tr><td>" + html.EscapeString(in.ID) + "</td><td>" + html.EscapeString(in.Peer) +
			"</td><td>" + in.Start.Format(time.RFC3339) + "</td><td>" + strconv.FormatFloat(age, 'f', 3, 64) + "</td></tr>"))
	}
	_, _ = w.Write([]byte("</table></body></html>"))
}
