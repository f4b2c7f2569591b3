// Package dispatch is the per-request entry point of the embedding service:
// it resolves a model through the cache, offloads the CPU-bound embedding
// work to a bounded worker pool, and enforces the request deadline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hyperjump/embedd/internal/metrics"
	"github.com/hyperjump/embedd/internal/modelcache"
	"github.com/hyperjump/embedd/pkg/utils"
)

// Config holds dispatcher limits. Zero values disable the corresponding
// limit, except Workers which defaults to 4.
type Config struct {
	Workers        int
	MaxTextLength  int
	MaxBatchSize   int
	RequestTimeout time.Duration
}

// Result is a single embedding with its metadata.
type Result struct {
	Embedding  []float32
	Dimensions int
	Elapsed    time.Duration
}

// BatchResult is an order-preserving batch of embeddings.
type BatchResult struct {
	Embeddings [][]float32
	Dimensions int
	Elapsed    time.Duration
}

// Dispatcher routes embed requests through the model cache and worker pool.
type Dispatcher struct {
	cache    *modelcache.Cache
	cfg      Config
	recorder *metrics.Recorder
	logger   *zap.Logger
	slots    *semaphore.Weighted

	mu      sync.RWMutex
	allowed map[string]struct{} // nil or empty = any model permitted
}

// New creates a dispatcher. recorder may be nil to disable metrics.
func New(cache *modelcache.Cache, cfg Config, recorder *metrics.Recorder, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cache:    cache,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		slots:    semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// SetAllowedModels replaces the model allowlist. An empty list permits any
// model. Safe to call while requests are in flight (config hot reload).
func (d *Dispatcher) SetAllowedModels(names []string) {
	var allowed map[string]struct{}
	if len(names) > 0 {
		allowed = make(map[string]struct{}, len(names))
		for _, n := range names {
			allowed[n] = struct{}{}
		}
	}
	d.mu.Lock()
	d.allowed = allowed
	d.mu.Unlock()
}

// AllowedModels returns the current allowlist, sorted; nil means any.
func (d *Dispatcher) AllowedModels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.allowed == nil {
		return nil
	}
	names := make([]string, 0, len(d.allowed))
	for n := range d.allowed {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Embed produces one embedding for text with the named model.
func (d *Dispatcher) Embed(ctx context.Context, model, text string) (Result, error) {
	start := time.Now()
	if err := d.validateModel(model); err != nil {
		return Result{}, err
	}
	if err := d.validateText(text); err != nil {
		return Result{}, err
	}

	ctx, cancel := d.requestContext(ctx)
	defer cancel()

	lease, hit, err := d.cache.GetOrLoad(ctx, model)
	if err != nil {
		return Result{}, d.mapTimeout("load", model, err)
	}
	d.recordResolution(hit)

	dims := lease.Dimensions()
	embedding, err := runOne(ctx, d, lease, model, func(runCtx context.Context) ([]float32, error) {
		return lease.Model().Embed(runCtx, text)
	})
	if err != nil {
		return Result{}, err
	}

	elapsed := time.Since(start)
	if d.recorder != nil {
		d.recorder.RecordRequest()
		d.recorder.RecordEmbeddings(1)
	}
	d.logger.Debug("embedding generated",
		zap.String("model", model),
		zap.Int("text_length", len(text)),
		zap.String("text_preview", utils.Truncate(text, 64)),
		zap.Duration("elapsed", elapsed),
	)
	return Result{Embedding: embedding, Dimensions: dims, Elapsed: elapsed}, nil
}

// EmbedBatch produces one embedding per text, preserving input order. The
// whole batch is handed to the engine in one call so it can amortize
// per-text overhead.
func (d *Dispatcher) EmbedBatch(ctx context.Context, model string, texts []string) (BatchResult, error) {
	start := time.Now()
	if err := d.validateModel(model); err != nil {
		return BatchResult{}, err
	}
	if err := d.validateBatch(texts); err != nil {
		return BatchResult{}, err
	}

	ctx, cancel := d.requestContext(ctx)
	defer cancel()

	lease, hit, err := d.cache.GetOrLoad(ctx, model)
	if err != nil {
		return BatchResult{}, d.mapTimeout("load", model, err)
	}
	d.recordResolution(hit)

	dims := lease.Dimensions()
	embeddings, err := runOne(ctx, d, lease, model, func(runCtx context.Context) ([][]float32, error) {
		return lease.Model().EmbedBatch(runCtx, texts)
	})
	if err != nil {
		return BatchResult{}, err
	}

	elapsed := time.Since(start)
	if d.recorder != nil {
		d.recorder.RecordRequest()
		d.recorder.RecordEmbeddings(len(texts))
	}
	d.logger.Debug("batch embeddings generated",
		zap.String("model", model),
		zap.Int("batch_size", len(texts)),
		zap.Duration("elapsed", elapsed),
	)
	return BatchResult{Embeddings: embeddings, Dimensions: dims, Elapsed: elapsed}, nil
}

// runOne executes fn on the worker pool while the caller waits with its
// deadline. The lease (and the pool slot) are released by the worker, never
// by the waiting caller, so an abandoned computation can finish safely.
func runOne[T any](ctx context.Context, d *Dispatcher, lease *modelcache.Lease, model string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := d.slots.Acquire(ctx, 1); err != nil {
		lease.Release()
		return zero, d.mapTimeout("compute", model, fmt.Errorf("waiting for worker slot: %w", err))
	}

	type outcome struct {
		value T
		err   error
	}
	resCh := make(chan outcome, 1)
	go func() {
		defer d.slots.Release(1)
		defer lease.Release()
		value, err := fn(ctx)
		if err == nil {
			lease.Touch()
		}
		resCh <- outcome{value: value, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return zero, d.mapTimeout("compute", model, res.err)
		}
		return res.value, nil
	case <-ctx.Done():
		return zero, d.mapTimeout("compute", model, fmt.Errorf("waiting for computation: %w", ctx.Err()))
	}
}

func (d *Dispatcher) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, d.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (d *Dispatcher) recordResolution(hit bool) {
	if d.recorder == nil {
		return
	}
	if hit {
		d.recorder.RecordCacheHit()
	} else {
		d.recorder.RecordCacheMiss()
	}
}

func (d *Dispatcher) mapTimeout(op, model string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TimeoutError{Op: op, Model: model, Err: err}
	}
	return err
}

func (d *Dispatcher) validateModel(name string) error {
	if name == "" {
		return &ValidationError{Msg: "model_name is required"}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.allowed != nil {
		if _, ok := d.allowed[name]; !ok {
			return &ValidationError{Msg: fmt.Sprintf("model %q is not in the allowed models list", name)}
		}
	}
	return nil
}

func (d *Dispatcher) validateText(text string) error {
	if text == "" {
		return &ValidationError{Msg: "text must not be empty"}
	}
	if d.cfg.MaxTextLength > 0 && len(text) > d.cfg.MaxTextLength {
		return &ValidationError{Msg: fmt.Sprintf("text length %d exceeds maximum %d", len(text), d.cfg.MaxTextLength)}
	}
	return nil
}

func (d *Dispatcher) validateBatch(texts []string) error {
	if len(texts) == 0 {
		return &ValidationError{Msg: "texts must not be empty"}
	}
	if d.cfg.MaxBatchSize > 0 && len(texts) > d.cfg.MaxBatchSize {
		return &ValidationError{Msg: fmt.Sprintf("batch size %d exceeds maximum %d", len(texts), d.cfg.MaxBatchSize)}
	}
	for i, text := range texts {
		if text == "" {
			return &ValidationError{Msg: fmt.Sprintf("texts[%d] must not be empty", i)}
		}
		if d.cfg.MaxTextLength > 0 && len(text) > d.cfg.MaxTextLength {
			return &ValidationError{Msg: fmt.Sprintf("texts[%d] length %d exceeds maximum %d", i, len(text), d.cfg.MaxTextLength)}
		}
	}
	return nil
}
