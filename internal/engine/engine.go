// Package engine defines the embedding engine capability: load a model by name,
// compute vectors with it. The cache core depends only on these interfaces, so
// it can run against the real ONNX runtime or a deterministic mock.
package engine

import (
	"context"
	"fmt"
)

// Model is a loaded embedding model. Instances are owned by the model cache;
// callers receive them for the duration of a single request and must not
// retain them. Close releases the underlying runtime resources.
type Model interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// Engine loads models by name. Load is expected to be slow (disk + runtime
// session setup); callers coordinate loads so only one runs per name.
type Engine interface {
	Load(ctx context.Context, name string) (Model, error)
	Close() error
}

// LoadError reports a failed model load. Every waiter on a shared load
// receives the same LoadError; no cache entry remains afterwards.
type LoadError struct {
	Model string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %q: %v", e.Model, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ComputeError reports an embedding failure on a model that loaded fine.
// The model stays cached; the failure is surfaced to the caller only.
type ComputeError struct {
	Model string
	Err   error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute embedding with model %q: %v", e.Model, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }
