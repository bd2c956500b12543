package model

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/edgeinfer/internal/core/domain"
)

// ErrInputShape is returned when an input vector does not match the model.
var ErrInputShape = errors.New("input shape mismatch")

// Activation functions supported by the dense model.
const (
	ActivationNone    = "none"
	ActivationRelu    = "relu"
	ActivationSoftmax = "softmax"
)

// minRowsPerThread keeps tiny layers on a single goroutine.
const minRowsPerThread = 64

// DenseSpec is the on-disk description of a single fully connected layer.
// YAML is a superset of JSON so both encodings are accepted.
type DenseSpec struct {
	Name       string      `yaml:"name"`
	Inputs     int         `yaml:"inputs"`
	Outputs    int         `yaml:"outputs"`
	Weights    [][]float64 `yaml:"weights"`
	Bias       []float64   `yaml:"bias"`
	Activation string      `yaml:"activation"`
}

// DenseLoader loads DenseSpec files.
type DenseLoader struct{}

// Load reads and validates a dense model file.
func (DenseLoader) Load(path string, cfg domain.ModelConfig) (Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	var spec DenseSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse model file: %w", err)
	}
	return NewDense(spec)
}

// Dense is a single fully connected layer executed with gonum.
type Dense struct {
	name       string
	weights    *mat.Dense
	bias       *mat.VecDense
	activation string

	mu      sync.RWMutex
	threads int
	closed  bool
}

// NewDense validates spec and builds the layer.
func NewDense(spec DenseSpec) (*Dense, error) {
	if spec.Inputs <= 0 || spec.Outputs <= 0 {
		return nil, fmt.Errorf("invalid layer size %dx%d", spec.Outputs, spec.Inputs)
	}
	if len(spec.Weights) != spec.Outputs {
		return nil, fmt.Errorf("expected %d weight rows, got %d", spec.Outputs, len(spec.Weights))
	}
	flat := make([]float64, 0, spec.Outputs*spec.Inputs)
	for i, row := range spec.Weights {
		if len(row) != spec.Inputs {
			return nil, fmt.Errorf("weight row %d: expected %d columns, got %d", i, spec.Inputs, len(row))
		}
		flat = append(flat, row...)
	}
	bias := make([]float64, spec.Outputs)
	if len(spec.Bias) > 0 {
		if len(spec.Bias) != spec.Outputs {
			return nil, fmt.Errorf("expected %d bias values, got %d", spec.Outputs, len(spec.Bias))
		}
		copy(bias, spec.Bias)
	}

	act := spec.Activation
	switch act {
	case "":
		act = ActivationNone
	case ActivationNone, ActivationRelu, ActivationSoftmax:
	default:
		return nil, fmt.Errorf("unknown activation %q", spec.Activation)
	}

	name := spec.Name
	if name == "" {
		name = "dense"
	}

	return &Dense{
		name:       name,
		weights:    mat.NewDense(spec.Outputs, spec.Inputs, flat),
		bias:       mat.NewVecDense(spec.Outputs, bias),
		activation: act,
		threads:    1,
	}, nil
}

// Infer computes activation(W·x + b).
func (d *Dense) Infer(input []float32) ([]float32, error) {
	d.mu.RLock()
	closed, threads := d.closed, d.threads
	d.mu.RUnlock()
	if closed {
		return nil, errors.New("model is closed")
	}

	rows, cols := d.weights.Dims()
	if len(input) != cols {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrInputShape, cols, len(input))
	}

	xs := make([]float64, cols)
	for i, v := range input {
		xs[i] = float64(v)
	}
	x := mat.NewVecDense(cols, xs)
	y := mat.NewVecDense(rows, nil)

	if threads > 1 && rows >= threads*minRowsPerThread {
		d.mulParallel(y, x, rows, cols, threads)
	} else {
		y.MulVec(d.weights, x)
	}
	y.AddVec(y, d.bias)

	out := make([]float32, rows)
	switch d.activation {
	case ActivationRelu:
		for i := range out {
			out[i] = float32(math.Max(0, y.AtVec(i)))
		}
	case ActivationSoftmax:
		softmax(y, out)
	default:
		for i := range out {
			out[i] = float32(y.AtVec(i))
		}
	}
	return out, nil
}

// mulParallel splits the rows of W into contiguous chunks, one goroutine each.
func (d *Dense) mulParallel(y, x *mat.VecDense, rows, cols, threads int) {
	chunk := (rows + threads - 1) / threads
	var wg sync.WaitGroup
	for lo := 0; lo < rows; lo += chunk {
		hi := min(lo+chunk, rows)
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			dst := y.SliceVec(lo, hi).(*mat.VecDense)
			dst.MulVec(d.weights.Slice(lo, hi, 0, cols), x)
		}(lo, hi)
	}
	wg.Wait()
}

func softmax(y *mat.VecDense, out []float32) {
	maxV := math.Inf(-1)
	for i := 0; i < y.Len(); i++ {
		maxV = math.Max(maxV, y.AtVec(i))
	}
	var sum float64
	exps := make([]float64, y.Len())
	for i := range exps {
		exps[i] = math.Exp(y.AtVec(i) - maxV)
		sum += exps[i]
	}
	for i, e := range exps {
		out[i] = float32(e / sum)
	}
}

// SetNumThreads sets how many goroutines a single Infer may use.
func (d *Dense) SetNumThreads(n int) {
	if n < 1 {
		n = 1
	}
	d.mu.Lock()
	d.threads = n
	d.mu.Unlock()
}

func (d *Dense) InputSize() int {
	_, c := d.weights.Dims()
	return c
}

func (d *Dense) OutputSize() int {
	r, _ := d.weights.Dims()
	return r
}

// Operations reports FULLY_CONNECTED plus the activation operator, if any.
func (d *Dense) Operations() []string {
	ops := []string{domain.OpFullyConnected}
	switch d.activation {
	case ActivationRelu:
		ops = append(ops, domain.OpRelu)
	case ActivationSoftmax:
		ops = append(ops, domain.OpSoftmax)
	}
	return ops
}

func (d *Dense) Info() string {
	r, c := d.weights.Dims()
	return fmt.Sprintf("%s: dense %dx%d, activation=%s", d.name, r, c, d.activation)
}

func (d *Dense) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
