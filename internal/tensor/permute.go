package tensor

import "fmt"

// Permute returns a new tensor with dimensions reordered so that
// result.Shape()[i] == x.Shape()[axes[i]].
//
// Elements are moved as opaque byte groups of dtype.Size(), so every
// supported dtype shares one implementation.
//
// Example (TF conv kernel to channels-first):
//
//	// [kh, kw, in, out] -> [out, in, kh, kw]
//	k, err := tensor.Permute(tfKernel, 3, 2, 0, 1)
func Permute(x *RawTensor, axes ...int) (*RawTensor, error) {
	if x == nil {
		return nil, fmt.Errorf("permute: input tensor is nil")
	}
	newShape, err := x.shape.Permute(axes)
	if err != nil {
		return nil, err
	}
	result, err := NewRaw(newShape, x.dtype)
	if err != nil {
		return nil, fmt.Errorf("permute: %w", err)
	}

	ndim := len(newShape)
	elem := x.dtype.Size()
	oldStrides := x.stride

	// srcStep[j] is how far the source index moves when dst dim j advances.
	srcStep := make([]int, ndim)
	for j, ax := range axes {
		srcStep[j] = oldStrides[ax]
	}

	idx := make([]int, ndim)
	src := 0
	total := newShape.NumElements()
	for dst := 0; dst < total; dst++ {
		copy(result.data[dst*elem:(dst+1)*elem], x.data[src*elem:(src+1)*elem])

		// Odometer increment over the destination index.
		for j := ndim - 1; j >= 0; j-- {
			idx[j]++
			src += srcStep[j]
			if idx[j] < newShape[j] {
				break
			}
			src -= srcStep[j] * idx[j]
			idx[j] = 0
		}
	}
	return result, nil
}
