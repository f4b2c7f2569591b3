// Package modelcache manages the pool of loaded embedding models: on-demand
// loading with per-name singleflight, TTL and LRU eviction, and reference
// counted leases so a model is never released while a computation uses it.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/embedd/internal/engine"
)

// State is the lifecycle state of a cached model entry.
type State string

const (
	// StateLoading means a load is in flight; the entry has no usable model yet.
	StateLoading State = "loading"
	// StateReady means the entry holds a usable model.
	StateReady State = "ready"
)

// Config holds cache limits. Zero TTL disables idle expiry; zero MaxModels
// disables the capacity limit.
type Config struct {
	TTL       time.Duration
	MaxModels int
}

// AuditLog receives successful load events. Implementations must tolerate
// concurrent calls. The cache treats audit failures as non-fatal.
type AuditLog interface {
	RecordLoad(ctx context.Context, model string, loadedAt time.Time, loadDuration time.Duration) error
}

// entry is one cached model. All fields are guarded by the cache mutex.
type entry struct {
	name         string
	state        State
	model        engine.Model
	dimensions   int
	loadedAt     time.Time
	lastUsed     time.Time
	loadDuration time.Duration
	inUse        int
	doomed       bool
}

// ModelStatus is a read-only view of one entry, for health and model info.
type ModelStatus struct {
	Name         string
	State        State
	Dimensions   int
	LoadedAt     time.Time
	LastUsed     time.Time
	LoadDuration time.Duration
}

// Ready reports whether the entry holds a usable model.
func (s ModelStatus) Ready() bool { return s.State == StateReady }

// Cache is the authoritative store of loaded models. One instance is shared
// by all request handlers; a Sweeper trims it in the background.
type Cache struct {
	engine engine.Engine
	cfg    Config
	logger *zap.Logger
	audit  AuditLog

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithAudit records successful loads to the given audit log.
func WithAudit(a AuditLog) Option {
	return func(c *Cache) { c.audit = a }
}

// New creates a cache backed by eng.
func New(eng engine.Engine, cfg Config, opts ...Option) *Cache {
	c := &Cache{
		engine:  eng,
		cfg:     cfg,
		logger:  zap.NewNop(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lease grants temporary use of a loaded model. Callers must Release when the
// computation is done; the model stays valid until then even if it is evicted
// concurrently.
type Lease struct {
	cache *Cache
	entry *entry
	once  sync.Once
}

// Model returns the leased model.
func (l *Lease) Model() engine.Model { return l.entry.model }

// Dimensions returns the leased model's embedding dimension.
func (l *Lease) Dimensions() int { return l.entry.dimensions }

// Touch marks the model as used now. Last-used time never moves backwards.
func (l *Lease) Touch() {
	l.cache.mu.Lock()
	l.entry.touchLocked(time.Now())
	l.cache.mu.Unlock()
}

// Release returns the lease. The underlying model is closed here if it was
// evicted while this lease was outstanding. Release is idempotent.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.cache.mu.Lock()
		l.entry.inUse--
		closeNow := l.entry.doomed && l.entry.inUse == 0
		l.cache.mu.Unlock()
		if closeNow {
			if err := l.entry.model.Close(); err != nil {
				l.cache.logger.Warn("closing evicted model failed",
					zap.String("model", l.entry.name), zap.Error(err))
			}
		}
	})
}

func (e *entry) touchLocked(now time.Time) {
	if now.After(e.lastUsed) {
		e.lastUsed = now
	}
}

// GetOrLoad returns a lease on the named model, loading it if necessary.
// Concurrent calls for the same name share one underlying load. The second
// return value reports whether the model was already resident (cache hit).
//
// ctx bounds only this caller's wait: if it expires the caller fails with
// ctx's error, but an in-flight load keeps running and populates the cache
// for later callers.
func (c *Cache) GetOrLoad(ctx context.Context, name string) (*Lease, bool, error) {
	hit := true
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, false, fmt.Errorf("model cache is closed")
		}
		if e, ok := c.entries[name]; ok && e.state == StateReady && !e.doomed {
			e.touchLocked(time.Now())
			e.inUse++
			c.mu.Unlock()
			return &Lease{cache: c, entry: e}, hit, nil
		}
		c.mu.Unlock()
		hit = false

		ch := c.group.DoChan(name, func() (interface{}, error) {
			return c.load(name)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, false, res.Err
			}
			// Loop to take the lease through the regular path; the entry may
			// have been swept between load completion and now.
		case <-ctx.Done():
			return nil, false, fmt.Errorf("waiting for model %q: %w", name, ctx.Err())
		}
	}
}

// load runs inside singleflight: at most one execution per name at a time.
func (c *Cache) load(name string) (interface{}, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("model cache is closed")
	}
	// A previous flight may have completed after the caller observed a miss.
	if e, ok := c.entries[name]; ok && e.state == StateReady && !e.doomed {
		c.mu.Unlock()
		return e, nil
	}
	e := &entry{name: name, state: StateLoading}
	c.entries[name] = e
	c.mu.Unlock()

	c.logger.Info("loading model", zap.String("model", name))
	start := time.Now()
	// Background context: caller deadlines must not cancel the shared load.
	model, err := c.engine.Load(context.Background(), name)
	if err != nil {
		c.mu.Lock()
		delete(c.entries, name)
		c.mu.Unlock()
		c.logger.Error("model load failed", zap.String("model", name), zap.Error(err))
		var le *engine.LoadError
		if !errors.As(err, &le) {
			err = &engine.LoadError{Model: name, Err: err}
		}
		return nil, err
	}

	now := time.Now()
	c.mu.Lock()
	e.state = StateReady
	e.model = model
	e.dimensions = model.Dimensions()
	e.loadedAt = now
	e.lastUsed = now
	e.loadDuration = now.Sub(start)
	closed := c.closed
	c.mu.Unlock()

	if closed {
		_ = model.Close()
		return nil, fmt.Errorf("model cache is closed")
	}

	c.logger.Info("model loaded",
		zap.String("model", name),
		zap.Int("dimensions", e.dimensions),
		zap.Duration("load_duration", e.loadDuration),
	)
	if c.audit != nil {
		if err := c.audit.RecordLoad(context.Background(), name, now, e.loadDuration); err != nil {
			c.logger.Warn("recording model load failed", zap.String("model", name), zap.Error(err))
		}
	}
	return e, nil
}

// SweepOnce removes Ready entries idle longer than the TTL, then evicts
// least-recently-used entries until the Ready count is within MaxModels.
// Loading entries are never touched. Returns the names of evicted models.
func (c *Cache) SweepOnce(now time.Time) []string {
	c.mu.Lock()
	var victims []*entry

	if c.cfg.TTL > 0 {
		for _, e := range c.entries {
			if e.state == StateReady && now.Sub(e.lastUsed) > c.cfg.TTL {
				victims = append(victims, e)
			}
		}
		for _, e := range victims {
			c.removeLocked(e)
		}
	}

	if c.cfg.MaxModels > 0 {
		var ready []*entry
		for _, e := range c.entries {
			if e.state == StateReady {
				ready = append(ready, e)
			}
		}
		if excess := len(ready) - c.cfg.MaxModels; excess > 0 {
			sort.Slice(ready, func(i, j int) bool {
				return ready[i].lastUsed.Before(ready[j].lastUsed)
			})
			for _, e := range ready[:excess] {
				c.removeLocked(e)
				victims = append(victims, e)
			}
		}
	}

	var closable []*entry
	for _, e := range victims {
		if e.inUse == 0 {
			closable = append(closable, e)
		}
	}
	c.mu.Unlock()

	// Close handles outside the lock; runtimes can be slow to tear down.
	names := make([]string, 0, len(victims))
	for _, e := range victims {
		names = append(names, e.name)
	}
	for _, e := range closable {
		if err := e.model.Close(); err != nil {
			c.logger.Warn("closing evicted model failed", zap.String("model", e.name), zap.Error(err))
		}
	}
	return names
}

// removeLocked unlinks the entry and marks it doomed. The handle is closed by
// the caller (sweep) or by the last outstanding lease.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.name)
	e.doomed = true
}

// Snapshot returns a consistent view of all entries, sorted by name.
func (c *Cache) Snapshot() []ModelStatus {
	c.mu.Lock()
	statuses := make([]ModelStatus, 0, len(c.entries))
	for _, e := range c.entries {
		statuses = append(statuses, c.statusLocked(e))
	}
	c.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Info returns the status of one model, if cached.
func (c *Cache) Info(name string) (ModelStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return ModelStatus{}, false
	}
	return c.statusLocked(e), true
}

func (c *Cache) statusLocked(e *entry) ModelStatus {
	return ModelStatus{
		Name:         e.name,
		State:        e.state,
		Dimensions:   e.dimensions,
		LoadedAt:     e.loadedAt,
		LastUsed:     e.lastUsed,
		LoadDuration: e.loadDuration,
	}
}

// CachedModels returns the names of all Ready models, sorted.
func (c *Cache) CachedModels() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		if e.state == StateReady {
			names = append(names, e.name)
		}
	}
	c.mu.Unlock()
	sort.Strings(names)
	return names
}

// ReadyCount returns the number of Ready entries.
func (c *Cache) ReadyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.state == StateReady {
			n++
		}
	}
	return n
}

// Close evicts everything and rejects further loads. Models still leased are
// closed when their last lease is released.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var closable []*entry
	for _, e := range c.entries {
		if e.state != StateReady {
			continue
		}
		e.doomed = true
		if e.inUse == 0 {
			closable = append(closable, e)
		}
	}
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	var firstErr error
	for _, e := range closable {
		if err := e.model.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
