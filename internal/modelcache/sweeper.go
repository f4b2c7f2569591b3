package modelcache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically trims the cache: TTL expiry first, then LRU eviction
// down to the configured capacity. It runs until its context is cancelled or
// Stop is called.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a sweeper for cache with the given interval.
func NewSweeper(cache *Cache, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		cache:    cache,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if evicted := s.cache.SweepOnce(time.Now()); len(evicted) > 0 {
				s.logger.Info("evicted models", zap.Strings("models", evicted))
			}
		}
	}
}

// Stop terminates the sweep loop.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
