package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperjump/embedd/pkg/utils"
)

// MockEngine is a deterministic engine for tests and for running the server
// without a model runtime. Loads can be slowed down or forced to fail per
// model name, and total load calls are counted so tests can assert that
// concurrent requests shared a single load.
type MockEngine struct {
	dimensions int
	loadDelay  time.Duration
	loadCalls  atomic.Int64

	mu       sync.Mutex
	failing  map[string]error
	perModel map[string]int // per-model dimension overrides
}

// NewMockEngine returns an engine producing deterministic embeddings of the
// given dimensions.
func NewMockEngine(dimensions int) *MockEngine {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockEngine{
		dimensions: dimensions,
		failing:    make(map[string]error),
		perModel:   make(map[string]int),
	}
}

// SetLoadDelay makes every Load sleep for d before returning.
func (e *MockEngine) SetLoadDelay(d time.Duration) { e.loadDelay = d }

// FailLoads makes Load for name return err until cleared with a nil err.
func (e *MockEngine) FailLoads(name string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failing, name)
		return
	}
	e.failing[name] = err
}

// SetDimensions overrides the dimension for a specific model name.
func (e *MockEngine) SetDimensions(name string, dimensions int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.perModel[name] = dimensions
}

// LoadCalls returns how many times Load has been invoked.
func (e *MockEngine) LoadCalls() int64 { return e.loadCalls.Load() }

// Load returns a deterministic model for name. The load delay, if set, is not
// interruptible by ctx; like a real runtime the work runs to completion.
func (e *MockEngine) Load(ctx context.Context, name string) (Model, error) {
	e.loadCalls.Add(1)
	if e.loadDelay > 0 {
		time.Sleep(e.loadDelay)
	}
	e.mu.Lock()
	failErr := e.failing[name]
	dims, ok := e.perModel[name]
	e.mu.Unlock()
	if failErr != nil {
		return nil, &LoadError{Model: name, Err: failErr}
	}
	if !ok {
		dims = e.dimensions
	}
	return &MockModel{name: name, dimensions: dims}, nil
}

// Close is a no-op for MockEngine.
func (e *MockEngine) Close() error { return nil }

// MockModel produces embeddings derived from the text hash, so the same text
// always gets the same vector and different models disagree on it.
type MockModel struct {
	name       string
	dimensions int
	embedErr   error
	closed     atomic.Bool
}

// NewMockModel returns a standalone deterministic model, mainly for tests that
// bypass the engine.
func NewMockModel(name string, dimensions int) *MockModel {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockModel{name: name, dimensions: dimensions}
}

// FailEmbeds makes subsequent Embed calls return err (nil clears it).
func (m *MockModel) FailEmbeds(err error) { m.embedErr = err }

// Closed reports whether Close has been called.
func (m *MockModel) Closed() bool { return m.closed.Load() }

// Embed returns a deterministic unit-length embedding for text.
func (m *MockModel) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.closed.Load() {
		return nil, &ComputeError{Model: m.name, Err: fmt.Errorf("model is closed")}
	}
	if m.embedErr != nil {
		return nil, &ComputeError{Model: m.name, Err: m.embedErr}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := HashString(m.name + "\x00" + text)
	emb := make([]float32, m.dimensions)
	for i := 0; i < m.dimensions; i++ {
		emb[i] = float32(math.Sin(float64(h*(i+1)))*0.1 + 0.01)
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// EmbedBatch embeds each text in order.
func (m *MockModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimensions returns the embedding dimension.
func (m *MockModel) Dimensions() int { return m.dimensions }

// Close marks the model closed.
func (m *MockModel) Close() error {
	m.closed.Store(true)
	return nil
}
