//go:build cgo
// +build cgo

package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/embedd/pkg/utils"
)

// ONNXConfig configures the ONNX engine. ModelDir holds one .onnx file per
// model name; Models overrides the file name or dimension for specific models.
type ONNXConfig struct {
	ModelDir   string
	Dimensions int
	MaxTokens  int
	Models     map[string]ONNXModelSpec
}

// ONNXModelSpec overrides per-model artifact file and dimension.
type ONNXModelSpec struct {
	File       string
	Dimensions int
}

// ONNXEngine loads embedding models through ONNX Runtime. It requires CGO and
// the onnxruntime shared library. One session is created per loaded model;
// sessions are destroyed when the cache releases the model.
type ONNXEngine struct {
	cfg      ONNXConfig
	initOnce sync.Once
	initErr  error
}

// NewONNXEngine creates an ONNX engine. The runtime environment is initialized
// lazily on the first Load so that constructing the engine is cheap.
func NewONNXEngine(cfg ONNXConfig) (*ONNXEngine, error) {
	if cfg.ModelDir == "" {
		return nil, fmt.Errorf("onnx engine: model_dir is required")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	return &ONNXEngine{cfg: cfg}, nil
}

// resolve maps a model name to its artifact path and dimension.
func (e *ONNXEngine) resolve(name string) (path string, dims int, err error) {
	dims = e.cfg.Dimensions
	file := name + ".onnx"
	if spec, ok := e.cfg.Models[name]; ok {
		if spec.File != "" {
			file = spec.File
		}
		if spec.Dimensions > 0 {
			dims = spec.Dimensions
		}
	}
	// Model names arrive from the network; keep them inside the model dir.
	if strings.Contains(file, "..") || filepath.IsAbs(file) {
		return "", 0, fmt.Errorf("invalid model file name %q", file)
	}
	return filepath.Join(e.cfg.ModelDir, file), dims, nil
}

// Load creates an ONNX session for the named model. The returned Model is
// safe for concurrent use; inference serializes on an internal mutex because
// the session's tensors are pre-allocated.
func (e *ONNXEngine) Load(ctx context.Context, name string) (Model, error) {
	e.initOnce.Do(func() {
		e.initErr = ort.InitializeEnvironment()
	})
	if e.initErr != nil {
		return nil, &LoadError{Model: name, Err: fmt.Errorf("initialize ONNX runtime: %w", e.initErr)}
	}

	path, dims, err := e.resolve(name)
	if err != nil {
		return nil, &LoadError{Model: name, Err: err}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, &LoadError{Model: name, Err: fmt.Errorf("model artifact: %w", err)}
	}

	maxTokens := e.cfg.MaxTokens
	tokenizer := &SimpleTokenizer{}
	inputIDs, attentionMask, tokenTypeIDs := tokenizer.Tokenize("", maxTokens)

	inputIDsTensor, err := ort.NewTensor(ort.NewShape(1, int64(maxTokens)), inputIDs)
	if err != nil {
		return nil, &LoadError{Model: name, Err: fmt.Errorf("create input_ids tensor: %w", err)}
	}
	attentionMaskTensor, err := ort.NewTensor(ort.NewShape(1, int64(maxTokens)), attentionMask)
	if err != nil {
		inputIDsTensor.Destroy()
		return nil, &LoadError{Model: name, Err: fmt.Errorf("create attention_mask tensor: %w", err)}
	}
	tokenTypeIDsTensor, err := ort.NewTensor(ort.NewShape(1, int64(maxTokens)), tokenTypeIDs)
	if err != nil {
		inputIDsTensor.Destroy()
		attentionMaskTensor.Destroy()
		return nil, &LoadError{Model: name, Err: fmt.Errorf("create token_type_ids tensor: %w", err)}
	}
	outputTensor, err := ort.NewTensor(ort.NewShape(1, int64(dims)), make([]float32, dims))
	if err != nil {
		inputIDsTensor.Destroy()
		attentionMaskTensor.Destroy()
		tokenTypeIDsTensor.Destroy()
		return nil, &LoadError{Model: name, Err: fmt.Errorf("create output tensor: %w", err)}
	}

	session, err := ort.NewAdvancedSession(
		path,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"output"},
		[]ort.ArbitraryTensor{inputIDsTensor, attentionMaskTensor, tokenTypeIDsTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		inputIDsTensor.Destroy()
		attentionMaskTensor.Destroy()
		tokenTypeIDsTensor.Destroy()
		outputTensor.Destroy()
		return nil, &LoadError{Model: name, Err: fmt.Errorf("create ONNX session: %w", err)}
	}

	return &onnxModel{
		name:                name,
		session:             session,
		dimensions:          dims,
		maxTokens:           maxTokens,
		tokenizer:           tokenizer,
		inputIDsTensor:      inputIDsTensor,
		attentionMaskTensor: attentionMaskTensor,
		tokenTypeIDsTensor:  tokenTypeIDsTensor,
		outputTensor:        outputTensor,
	}, nil
}

// Close is a no-op; the ONNX environment is shared process-wide.
func (e *ONNXEngine) Close() error { return nil }

// onnxModel is a loaded ONNX session with pre-allocated tensors. Run() reuses
// the tensors, so inference holds a mutex.
type onnxModel struct {
	name                string
	session             *ort.AdvancedSession
	dimensions          int
	maxTokens           int
	tokenizer           Tokenizer
	inputIDsTensor      *ort.Tensor[int64]
	attentionMaskTensor *ort.Tensor[int64]
	tokenTypeIDsTensor  *ort.Tensor[int64]
	outputTensor        *ort.Tensor[float32]
	mu                  sync.Mutex
}

// Embed runs inference for a single text and returns a unit-normalized vector.
func (m *onnxModel) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, &ComputeError{Model: m.name, Err: fmt.Errorf("model is closed")}
	}

	inputIDs, attentionMask, tokenTypeIDs := m.tokenizer.Tokenize(text, m.maxTokens)
	copy(m.inputIDsTensor.GetData(), inputIDs)
	copy(m.attentionMaskTensor.GetData(), attentionMask)
	copy(m.tokenTypeIDsTensor.GetData(), tokenTypeIDs)

	if err := m.session.Run(); err != nil {
		return nil, &ComputeError{Model: m.name, Err: fmt.Errorf("inference failed: %w", err)}
	}

	outputData := m.outputTensor.GetData()
	embedding := make([]float32, m.dimensions)
	copy(embedding, outputData[:m.dimensions])
	utils.NormalizeL2(embedding)
	return embedding, nil
}

// EmbedBatch embeds each text in order. The session runs one text at a time,
// but the shared tokenizer and tensors amortize per-call setup.
func (m *onnxModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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
func (m *onnxModel) Dimensions() int { return m.dimensions }

// Close destroys the session and tensors.
func (m *onnxModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.session != nil {
		err = m.session.Destroy()
		m.session = nil
	}
	if m.inputIDsTensor != nil {
		_ = m.inputIDsTensor.Destroy()
		m.inputIDsTensor = nil
	}
	if m.attentionMaskTensor != nil {
		_ = m.attentionMaskTensor.Destroy()
		m.attentionMaskTensor = nil
	}
	if m.tokenTypeIDsTensor != nil {
		_ = m.tokenTypeIDsTensor.Destroy()
		m.tokenTypeIDsTensor = nil
	}
	if m.outputTensor != nil {
		_ = m.outputTensor.Destroy()
		m.outputTensor = nil
	}
	return err
}
