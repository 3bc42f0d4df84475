package admin

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HistogramBuckets defines the latency buckets (seconds) used when observing request durations.
var HistogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

const namespace = "proxy"

// Metrics holds the proxy's Prometheus collectors plus the in-flight job
// table rendered by /statusz.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	bytesTotal      *prometheus.CounterVec
	blockedTotal    prometheus.Counter
	originErrors    prometheus.Counter
	cacheWrites     prometheus.Counter
	inflightJobs    prometheus.Gauge

	registry *prometheus.Registry

	mu       sync.Mutex
	inflight map[string]Inflight
	queueFn  bool
}

// Inflight is one job currently held by a worker.
type Inflight struct {
	ID    string    `json:"id"`
	Peer  string    `json:"peer"`
	Start time.Time `json:"start"`
}

// NewMetrics creates a Metrics instance with all collectors registered on a
// private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by outcome (HIT, MISS, ORIGIN-<status>, ERROR-<status>).",
		}, []string{"outcome"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Job duration by outcome.",
			Buckets:   HistogramBuckets,
		}, []string{"outcome"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes written to clients, by kind (header, body).",
		}, []string{"kind"}),

		blockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_total",
			Help:      "Requests rejected by the blocklist.",
		}),

		originErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "origin_errors_total",
			Help:      "Origin fetches that ended in failure.",
		}),

		cacheWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Origin bodies committed to the cache.",
		}),

		inflightJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_jobs",
			Help:      "Jobs currently running on a worker.",
		}),

		registry: reg,
		inflight: make(map[string]Inflight),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.bytesTotal,
		m.blockedTotal,
		m.originErrors,
		m.cacheWrites,
		m.inflightJobs,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WatchQueue exports fn as the queued_jobs gauge. Only the first call
// registers.
func (m *Metrics) WatchQueue(fn func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueFn {
		return
	}
	m.queueFn = true
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queued_jobs",
		Help:      "Jobs waiting for a worker.",
	}, func() float64 { return float64(fn()) }))
}

// ObserveRequest records a finished job.
func (m *Metrics) ObserveRequest(outcome string, d time.Duration) {
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// AddBytes counts bytes written to a client.
func (m *Metrics) AddBytes(header, body int64) {
	if header > 0 {
		m.bytesTotal.WithLabelValues("header").Add(float64(header))
	}
	if body > 0 {
		m.bytesTotal.WithLabelValues("body").Add(float64(body))
	}
}

func (m *Metrics) IncBlocked()      { m.blockedTotal.Inc() }
func (m *Metrics) IncOriginErrors() { m.originErrors.Inc() }
func (m *Metrics) IncCacheWrites()  { m.cacheWrites.Inc() }

// InflightAdd records an inflight job with id.
func (m *Metrics) InflightAdd(id, peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight[id] = Inflight{ID: id, Peer: peer, Start: time.Now()}
	m.inflightJobs.Set(float64(len(m.inflight)))
}

// InflightRemove removes an inflight job id.
func (m *Metrics) InflightRemove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, id)
	m.inflightJobs.Set(float64(len(m.inflight)))
}

// InflightList returns the running jobs, oldest first.
func (m *Metrics) InflightList() []Inflight {
	m.mu.Lock()
	out := make([]Inflight, 0, len(m.inflight))
	for _, in := range m.inflight {
		out = append(out, in)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Outcome names the outcome label for an origin status.
func Outcome(status int) string {
	return "ORIGIN-" + strconv.Itoa(status)
}
