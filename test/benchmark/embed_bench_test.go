package benchmark

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/embedd/internal/dispatch"
	"github.com/hyperjump/embedd/internal/engine"
	"github.com/hyperjump/embedd/internal/modelcache"
)

func newBenchDispatcher(b *testing.B, workers int) (*dispatch.Dispatcher, *modelcache.Cache) {
	b.Helper()
	eng := engine.NewMockEngine(384)
	cache := modelcache.New(eng, modelcache.Config{
		TTL:       time.Hour,
		MaxModels: 10,
	}, modelcache.WithLogger(zap.NewNop()))
	b.Cleanup(func() { cache.Close() })
	return dispatch.New(cache, dispatch.Config{Workers: workers}, nil, zap.NewNop()), cache
}

func BenchmarkEmbedCacheHit(b *testing.B) {
	d, _ := newBenchDispatcher(b, 4)
	ctx := context.Background()
	if _, err := d.Embed(ctx, "bench-model", "warm"); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.Embed(ctx, "bench-model", "the quick brown fox jumps over the lazy dog"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEmbedParallel(b *testing.B) {
	d, _ := newBenchDispatcher(b, 8)
	ctx := context.Background()
	if _, err := d.Embed(ctx, "bench-model", "warm"); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := d.Embed(ctx, "bench-model", "parallel benchmark text"); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkEmbedBatch32(b *testing.B) {
	d, _ := newBenchDispatcher(b, 4)
	ctx := context.Background()
	texts := make([]string, 32)
	for i := range texts {
		texts[i] = fmt.Sprintf("benchmark text number %d", i)
	}
	if _, err := d.Embed(ctx, "bench-model", "warm"); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.EmbedBatch(ctx, "bench-model", texts); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCacheGetOrLoadHit(b *testing.B) {
	eng := engine.NewMockEngine(384)
	cache := modelcache.New(eng, modelcache.Config{TTL: time.Hour, MaxModels: 10})
	defer cache.Close()
	ctx := context.Background()
	lease, _, err := cache.GetOrLoad(ctx, "bench-model")
	if err != nil {
		b.Fatal(err)
	}
	lease.Release()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		lease, _, err := cache.GetOrLoad(ctx, "bench-model")
		if err != nil {
			b.Fatal(err)
		}
		lease.Release()
	}
}
