package admin

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RequestRecord represents a captured request/result for in-memory inspection.
type RequestRecord struct {
	Time         time.Time `json:"time"`
	ConnectionID string    `json:"connection_id"`
	Peer         string    `json:"peer"`
	Method       string    `json:"method"`
	Host         string    `json:"host"`
	Path         string    `json:"path"`
	Outcome      string    `json:"outcome"`      // HIT, MISS, ORIGIN-xxx, ERROR-xxx
	LatencySecs  float64   `json:"latency_secs"` // seconds
	HeaderBytes  int64     `json:"header_bytes"`
	BodyBytes    int64     `json:"body_bytes"`
	Status       int       `json:"status"`
	Cached       bool      `json:"cached"`
}

// RequestObserver receives RequestRecords. Observers should be fast; NotifyObserver
// invokes them asynchronously.
type RequestObserver func(RequestRecord)

// NotifyObserver invokes an observer asynchronously, recovering from panics.
func NotifyObserver(obs RequestObserver, rec RequestRecord) {
	if obs == nil {
		return
	}
	go func(r RequestRecord) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("panic", err).
					Str("record_host", r.Host).
					Str("record_path", r.Path).
					Str("record_outcome", r.Outcome).
					Msg("observer panicked")
			}
		}()
		obs(r)
	}(rec)
}

// CaptureStore is a concurrency-safe in-memory store for recent RequestRecord entries.
type CaptureStore struct {
	mu      sync.Mutex
	entries []RequestRecord
	max     int
}

// NewCaptureStore creates a CaptureStore with capacity maxEntries.
func NewCaptureStore(maxEntries int) *CaptureStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &CaptureStore{max: maxEntries}
}

// Add adds a record to the store, evicting the oldest when full.
func (c *CaptureStore) Add(r RequestRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, r)
}

// List returns a snapshot copy of entries.
func (c *CaptureStore) List() []RequestRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RequestRecord, len(c.entries))
	copy(out, c.entries)
	return out
}

// Clear empties the store.
func (c *CaptureStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

// Observer returns a RequestObserver that adds to c and then calls next, if any.
func (c *CaptureStore) Observer(next RequestObserver) RequestObserver {
	return func(r RequestRecord) {
		c.Add(r)
		if next != nil {
			next(r)
		}
	}
}
