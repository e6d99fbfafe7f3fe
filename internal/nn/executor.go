package nn

import (
	"fmt"

	"github.com/born-ml/stemconv/internal/backend/cpu"
	"github.com/born-ml/stemconv/internal/tensor"
)

// Executor evaluates the network numerically on the CPU backend.
type Executor struct {
	backend *cpu.CPUBackend
}

// NewExecutor returns an executor over backend.
func NewExecutor(backend *cpu.CPUBackend) *Executor {
	return &Executor{backend: backend}
}

var _ Ops[*tensor.RawTensor] = (*Executor)(nil)

// Forward runs u on x ([2, batch, H, W]).
func (e *Executor) Forward(u *UNet, x *tensor.RawTensor) (out *tensor.RawTensor, err error) {
	if err := ValidateInput(x.Shape()); err != nil {
		return nil, err
	}
	if x.DType() != tensor.Float32 {
		return nil, fmt.Errorf("input must be float32, got %s", x.DType())
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("forward pass failed: %v", r)
		}
	}()
	return Build[*tensor.RawTensor](u, e, x), nil
}

// Param implements Ops.
func (e *Executor) Param(_ string, t *tensor.RawTensor) *tensor.RawTensor {
	return t
}

// Transpose implements Ops.
func (e *Executor) Transpose(x *tensor.RawTensor, perm ...int) *tensor.RawTensor {
	return e.backend.Permute(x, perm...)
}

// Conv implements Ops.
func (e *Executor) Conv(x, kernel, bias *tensor.RawTensor, p ConvParams) *tensor.RawTensor {
	return e.backend.Conv2D(x, kernel, bias, cpu.Conv2DParams{
		Stride:    p.Stride,
		Dilation:  p.Dilation,
		PadTop:    p.Pads[0],
		PadLeft:   p.Pads[1],
		PadBottom: p.Pads[2],
		PadRight:  p.Pads[3],
	})
}

// ConvTranspose implements Ops.
func (e *Executor) ConvTranspose(x, kernel, bias *tensor.RawTensor, stride int) *tensor.RawTensor {
	return e.backend.ConvTranspose2D(x, kernel, bias, stride)
}

// Crop implements Ops.
func (e *Executor) Crop(x *tensor.RawTensor, top, left, bottom, right int) *tensor.RawTensor {
	return e.backend.Crop2D(x, top, left, bottom, right)
}

// BatchNorm implements Ops.
func (e *Executor) BatchNorm(x, scale, shift, mean, variance *tensor.RawTensor, eps float32) *tensor.RawTensor {
	return e.backend.BatchNorm2D(x, scale, shift, mean, variance, eps)
}

// Concat implements Ops.
func (e *Executor) Concat(axis int, xs ...*tensor.RawTensor) *tensor.RawTensor {
	return e.backend.Cat(axis, xs...)
}

// LeakyRelu implements Ops.
func (e *Executor) LeakyRelu(x *tensor.RawTensor, alpha float32) *tensor.RawTensor {
	return e.backend.LeakyReLU(x, alpha)
}

// Relu implements Ops.
func (e *Executor) Relu(x *tensor.RawTensor) *tensor.RawTensor {
	return e.backend.ReLU(x)
}

// Elu implements Ops.
func (e *Executor) Elu(x *tensor.RawTensor, alpha float32) *tensor.RawTensor {
	return e.backend.ELU(x, alpha)
}

// Sigmoid implements Ops.
func (e *Executor) Sigmoid(x *tensor.RawTensor) *tensor.RawTensor {
	return e.backend.Sigmoid(x)
}

// Mul implements Ops.
func (e *Executor) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return e.backend.Mul(a, b)
}
