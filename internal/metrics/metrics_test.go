package metrics

import (
	"sync"
	"testing"
)

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder()
	r.RecordRequest()
	r.RecordRequest()
	r.RecordEmbeddings(3)
	r.RecordCacheHit()
	r.RecordCacheMiss()
	r.RecordCacheMiss()

	s := r.Snapshot()
	if s.TotalRequests != 2 {
		t.Errorf("TotalRequests: got %d, want 2", s.TotalRequests)
	}
	if s.TotalEmbeddings != 3 {
		t.Errorf("TotalEmbeddings: got %d, want 3", s.TotalEmbeddings)
	}
	if s.CacheHits != 1 || s.CacheMisses != 2 {
		t.Errorf("hits/misses: got %d/%d, want 1/2", s.CacheHits, s.CacheMisses)
	}
	if s.UptimeSeconds < 0 {
		t.Errorf("uptime negative: %v", s.UptimeSeconds)
	}
}

func TestRecorderConcurrent(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.RecordRequest()
				r.RecordEmbeddings(2)
			}
		}()
	}
	wg.Wait()

	s := r.Snapshot()
	if s.TotalRequests != 5000 {
		t.Errorf("TotalRequests: got %d, want 5000", s.TotalRequests)
	}
	if s.TotalEmbeddings != 10000 {
		t.Errorf("TotalEmbeddings: got %d, want 10000", s.TotalEmbeddings)
	}
}
