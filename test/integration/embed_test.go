// Package integration wires the real components together (SQLite audit,
// cache, dispatcher) without the HTTP layer.
package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/embedd/internal/dispatch"
	"github.com/hyperjump/embedd/internal/engine"
	"github.com/hyperjump/embedd/internal/metrics"
	"github.com/hyperjump/embedd/internal/modelcache"
	"github.com/hyperjump/embedd/internal/storage"
)

func TestIntegration_EmbedAndEvict(t *testing.T) {
	dir := t.TempDir()

	audit, err := storage.NewSQLiteAudit(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer audit.Close()

	eng := engine.NewMockEngine(16)
	cache := modelcache.New(eng, modelcache.Config{
		TTL:       time.Minute,
		MaxModels: 2,
	}, modelcache.WithLogger(zap.NewNop()), modelcache.WithAudit(audit))
	defer cache.Close()

	recorder := metrics.NewRecorder()
	dispatcher := dispatch.New(cache, dispatch.Config{
		Workers:       2,
		MaxTextLength: 100,
		MaxBatchSize:  4,
	}, recorder, zap.NewNop())

	ctx := context.Background()

	res, err := dispatcher.Embed(ctx, "model-a", "hello")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(res.Embedding) != 16 {
		t.Fatalf("embedding length = %d, want 16", len(res.Embedding))
	}

	batch, err := dispatcher.EmbedBatch(ctx, "model-a", []string{"one", "two"})
	if err != nil {
		t.Fatalf("embed batch: %v", err)
	}
	if len(batch.Embeddings) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch.Embeddings))
	}

	// Loading a third model over capacity leaves the sweep to trim back.
	if _, err := dispatcher.Embed(ctx, "model-b", "b"); err != nil {
		t.Fatalf("embed b: %v", err)
	}
	if _, err := dispatcher.Embed(ctx, "model-c", "c"); err != nil {
		t.Fatalf("embed c: %v", err)
	}
	evicted := cache.SweepOnce(time.Now())
	if len(evicted) != 1 {
		t.Fatalf("evicted = %v, want exactly one model", evicted)
	}

	// The audit still reports the evicted model's load.
	rec, found, err := audit.LastLoad(ctx, evicted[0])
	if err != nil {
		t.Fatalf("audit lookup: %v", err)
	}
	if !found || rec.Model != evicted[0] {
		t.Fatalf("audit record for %q missing after eviction", evicted[0])
	}

	// Embedding the evicted model again reloads it.
	if _, err := dispatcher.Embed(ctx, evicted[0], "again"); err != nil {
		t.Fatalf("re-embed after eviction: %v", err)
	}

	snap := recorder.Snapshot()
	if snap.TotalRequests != 5 {
		t.Errorf("total_requests = %d, want 5", snap.TotalRequests)
	}
	if snap.TotalEmbeddings != 6 {
		t.Errorf("total_embeddings = %d, want 6", snap.TotalEmbeddings)
	}
}
