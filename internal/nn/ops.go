package nn

import "github.com/born-ml/stemconv/internal/tensor"

// ConvParams describes a 2D convolution. Pads are top, left, bottom, right.
type ConvParams struct {
	Stride   int
	Dilation int
	Pads     [4]int
}

// Ops is the set of operations the network is built from. T is the value
// type flowing through the graph: a concrete tensor for evaluation or a
// symbolic name for tracing.
//
// All tensors are NCHW. Implementations may panic on shape violations.
type Ops[T any] interface {
	// Param binds a parameter tensor under its slot key.
	Param(key string, t *tensor.RawTensor) T

	Transpose(x T, perm ...int) T
	Conv(x, kernel, bias T, p ConvParams) T
	ConvTranspose(x, kernel, bias T, stride int) T
	// Crop removes rows/columns from the spatial borders.
	Crop(x T, top, left, bottom, right int) T
	BatchNorm(x, scale, shift, mean, variance T, eps float32) T
	Concat(axis int, xs ...T) T

	LeakyRelu(x T, alpha float32) T
	Relu(x T) T
	Elu(x T, alpha float32) T
	Sigmoid(x T) T
	Mul(a, b T) T
}
