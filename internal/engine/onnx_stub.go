//go:build !cgo
// +build !cgo

package engine

import (
	"context"
	"errors"
)

// ONNXConfig mirrors the cgo build's config so callers compile either way.
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

// ONNXEngine stub type when built without CGO (see onnx.go for the real implementation).
type ONNXEngine struct{}

// NewONNXEngine returns an error when built without CGO (ONNX not available).
func NewONNXEngine(ONNXConfig) (*ONNXEngine, error) {
	return nil, errors.New("ONNX engine requires CGO; build with CGO_ENABLED=1 and onnxruntime")
}

// Load never succeeds on the stub.
func (e *ONNXEngine) Load(context.Context, string) (Model, error) {
	return nil, errors.New("ONNX engine requires CGO")
}

// Close is a no-op.
func (e *ONNXEngine) Close() error { return nil }
