package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/stemconv/internal/tensor"
)

// mapFloat32 applies f elementwise into a fresh tensor.
func (cpu *CPUBackend) mapFloat32(op string, x *tensor.RawTensor, f func(float32) float32) *tensor.RawTensor {
	requireFloat32(op, x)
	out := newFloat32(op, x.Shape())
	src := x.AsFloat32()
	dst := out.AsFloat32()
	for i, v := range src {
		dst[i] = f(v)
	}
	return out
}

// ReLU computes max(0, x).
func (cpu *CPUBackend) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.mapFloat32("relu", x, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	})
}

// LeakyReLU computes x for x > 0 and slope*x otherwise.
func (cpu *CPUBackend) LeakyReLU(x *tensor.RawTensor, slope float32) *tensor.RawTensor {
	return cpu.mapFloat32("leaky_relu", x, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return slope * v
	})
}

// ELU computes x for x > 0 and alpha*(exp(x)-1) otherwise.
func (cpu *CPUBackend) ELU(x *tensor.RawTensor, alpha float32) *tensor.RawTensor {
	return cpu.mapFloat32("elu", x, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return alpha * float32(math.Expm1(float64(v)))
	})
}

// Sigmoid computes 1 / (1 + exp(-x)).
func (cpu *CPUBackend) Sigmoid(x *tensor.RawTensor) *tensor.RawTensor {
	return cpu.mapFloat32("sigmoid", x, func(v float32) float32 {
		return float32(1.0 / (1.0 + math.Exp(-float64(v))))
	})
}

// Softmax computes softmax along the specified dimension.
// Softmax(x_i) = exp(x_i) / sum(exp(x_j)) for all j in dimension.
func (cpu *CPUBackend) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	requireFloat32("softmax", x)
	shape := x.Shape()
	ndim := len(shape)

	// Normalize dimension
	if dim < 0 {
		dim = ndim + dim
	}
	if dim < 0 || dim >= ndim {
		panic(fmt.Sprintf("softmax: dimension %d out of range for tensor of rank %d", dim, ndim))
	}

	result := newFloat32("softmax", shape)
	src := x.AsFloat32()
	dst := result.AsFloat32()
	strides := shape.ComputeStrides()

	dimSize := shape[dim]
	dimStride := strides[dim]
	outer := 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	inner := dimStride

	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			baseIdx := o*dimSize*dimStride + in

			// Find max for numerical stability
			maxVal := float32(math.Inf(-1))
			for i := 0; i < dimSize; i++ {
				if v := src[baseIdx+i*dimStride]; v > maxVal {
					maxVal = v
				}
			}

			var sum float32
			for i := 0; i < dimSize; i++ {
				idx := baseIdx + i*dimStride
				e := float32(math.Exp(float64(src[idx] - maxVal)))
				dst[idx] = e
				sum += e
			}

			for i := 0; i < dimSize; i++ {
				dst[baseIdx+i*dimStride] /= sum
			}
		}
	}

	return result
}
