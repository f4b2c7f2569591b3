// Package warmup pre-loads required models before the server accepts
// traffic. A failure here is fatal: an instance never serves with an
// incomplete model set.
package warmup

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/embedd/internal/modelcache"
)

// probeText exercises each model once so warm-up catches models that load
// but cannot embed.
const probeText = "warm-up probe"

// Run loads every model in required through the cache and verifies each one
// by computing a probe embedding. Loads run with at most concurrency in
// flight (minimum 1). The first failure aborts the remaining loads and is
// returned; the caller is expected to treat it as fatal.
func Run(ctx context.Context, cache *modelcache.Cache, required []string, concurrency int, logger *zap.Logger) error {
	if len(required) == 0 {
		return nil
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Info("validating required models",
		zap.Int("count", len(required)),
		zap.Int("concurrency", concurrency),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, name := range required {
		name := name
		g.Go(func() error {
			if err := validate(ctx, cache, name); err != nil {
				logger.Error("required model failed validation", zap.String("model", name), zap.Error(err))
				return fmt.Errorf("required model %q: %w", name, err)
			}
			logger.Info("required model validated", zap.String("model", name))
			return nil
		})
	}
	return g.Wait()
}

func validate(ctx context.Context, cache *modelcache.Cache, name string) error {
	lease, _, err := cache.GetOrLoad(ctx, name)
	if err != nil {
		return err
	}
	defer lease.Release()

	vec, err := lease.Model().Embed(ctx, probeText)
	if err != nil {
		return fmt.Errorf("probe embedding: %w", err)
	}
	if len(vec) != lease.Dimensions() {
		return fmt.Errorf("probe embedding has %d dimensions, model reports %d", len(vec), lease.Dimensions())
	}
	return nil
}
