// Package cpu implements the float32 CPU kernels needed to evaluate the
// separation network: strided/dilated convolution, transposed convolution,
// inference-mode batch normalization, activations and NCHW manipulation.
//
// Kernels panic on shape violations. Callers validate parameter shapes up
// front (see nn.NewAssignment), so a panic here is a programming error.
package cpu

import (
	"fmt"

	"github.com/born-ml/stemconv/internal/parallel"
	"github.com/born-ml/stemconv/internal/tensor"
)

// CPUBackend evaluates tensor operations on the CPU.
type CPUBackend struct {
	par parallel.Config
}

// New creates a CPU backend that uses all available cores.
func New() *CPUBackend {
	return &CPUBackend{par: parallel.DefaultConfig()}
}

// NewWithConfig creates a CPU backend with an explicit parallelism config.
func NewWithConfig(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{par: cfg}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// newFloat32 allocates a float32 result or panics with the op name.
func newFloat32(op string, shape tensor.Shape) *tensor.RawTensor {
	out, err := tensor.NewRaw(shape, tensor.Float32)
	if err != nil {
		panic(fmt.Sprintf("%s: failed to create output tensor: %v", op, err))
	}
	return out
}

// requireFloat32 panics unless every tensor is float32.
func requireFloat32(op string, ts ...*tensor.RawTensor) {
	for _, t := range ts {
		if t != nil && t.DType() != tensor.Float32 {
			panic(fmt.Sprintf("%s: unsupported dtype %s (only float32 supported)", op, t.DType()))
		}
	}
}

// require4D panics unless x is rank 4.
func require4D(op, what string, x *tensor.RawTensor) {
	if len(x.Shape()) != 4 {
		panic(fmt.Sprintf("%s: %s must be 4D [N,C,H,W], got %dD", op, what, len(x.Shape())))
	}
}

// parFor runs f over [0, n) using the backend's parallelism config.
func (cpu *CPUBackend) parFor(n int, f func(i int)) {
	parallel.For(n, f, cpu.par)
}
