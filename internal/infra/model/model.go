// Package model defines the loader contract used by the inference engine and
// ships a dense reference model for CPU execution.
package model

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vietddude/edgeinfer/internal/core/domain"
)

// ErrUnsupportedFormat is returned when no loader is registered for a format.
var ErrUnsupportedFormat = errors.New("unsupported model format")

// Model is a loaded, executable model.
type Model interface {
	Infer(input []float32) ([]float32, error)
	InputSize() int
	OutputSize() int
	// Operations lists the operators the model needs from a backend.
	Operations() []string
	Info() string
	Close() error
}

// ThreadTunable is implemented by models that can split work across goroutines.
type ThreadTunable interface {
	SetNumThreads(n int)
}

// Loader turns a model file into a Model.
type Loader interface {
	Load(path string, cfg domain.ModelConfig) (Model, error)
}

// LoaderFunc adapts a plain function to the Loader interface.
type LoaderFunc func(path string, cfg domain.ModelConfig) (Model, error)

// Load calls f.
func (f LoaderFunc) Load(path string, cfg domain.ModelConfig) (Model, error) {
	return f(path, cfg)
}

// Registry maps model formats to loaders.
type Registry struct {
	mu      sync.RWMutex
	loaders map[domain.ModelFormat]Loader
}

// NewRegistry creates a registry with the dense loader pre-registered.
func NewRegistry() *Registry {
	r := &Registry{loaders: make(map[domain.ModelFormat]Loader)}
	r.Register(domain.ModelFormatDense, DenseLoader{})
	return r
}

// Register adds or replaces the loader for a format.
func (r *Registry) Register(format domain.ModelFormat, l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[format] = l
}

// Get returns the loader for a format.
func (r *Registry) Get(format domain.ModelFormat) (Loader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loaders[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return l, nil
}

// Formats returns the registered formats.
func (r *Registry) Formats() []domain.ModelFormat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ModelFormat, 0, len(r.loaders))
	for f := range r.loaders {
		out = append(out, f)
	}
	return out
}
