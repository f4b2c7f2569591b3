// Package metrics tracks request counters for the embedding API.
package metrics

import (
	"sync/atomic"
	"time"
)

// Recorder counts requests, produced embeddings, and cache hits/misses. All
// methods are safe for concurrent use.
type Recorder struct {
	totalRequests   atomic.Int64
	totalEmbeddings atomic.Int64
	cacheHits       atomic.Int64
	cacheMisses     atomic.Int64
	startTime       time.Time
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalEmbeddings int64   `json:"total_embeddings"`
	CacheHits       int64   `json:"cache_hits"`
	CacheMisses     int64   `json:"cache_misses"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// NewRecorder returns a recorder with uptime measured from now.
func NewRecorder() *Recorder {
	return &Recorder{startTime: time.Now()}
}

// RecordRequest counts one API request.
func (r *Recorder) RecordRequest() {
	r.totalRequests.Add(1)
}

// RecordEmbeddings counts n produced embedding vectors.
func (r *Recorder) RecordEmbeddings(n int) {
	r.totalEmbeddings.Add(int64(n))
}

// RecordCacheHit counts a request that found its model already loaded.
func (r *Recorder) RecordCacheHit() {
	r.cacheHits.Add(1)
}

// RecordCacheMiss counts a request that triggered (or joined) a model load.
func (r *Recorder) RecordCacheMiss() {
	r.cacheMisses.Add(1)
}

// Uptime returns time elapsed since the recorder was created.
func (r *Recorder) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Snapshot returns a copy of all counters.
func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		TotalRequests:   r.totalRequests.Load(),
		TotalEmbeddings: r.totalEmbeddings.Load(),
		CacheHits:       r.cacheHits.Load(),
		CacheMisses:     r.cacheMisses.Load(),
		UptimeSeconds:   r.Uptime().Seconds(),
	}
}
