package nn

import (
	"fmt"

	"github.com/born-ml/stemconv/internal/backend/cpu"
	"github.com/born-ml/stemconv/internal/tensor"
)

// CombineLogits normalizes the raw outputs of every instrument of a
// softmax_logit variant: a softmax across instruments, element by element.
// It must be given all instruments' outputs at once, in variant order, all
// of the same shape.
func CombineLogits(backend *cpu.CPUBackend, logits []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(logits) == 0 {
		return nil, fmt.Errorf("no instrument outputs to combine")
	}
	shape := logits[0].Shape()
	parts := make([]*tensor.RawTensor, len(logits))
	for i, l := range logits {
		if !l.Shape().Equal(shape) {
			return nil, fmt.Errorf("instrument %d output shape %v differs from %v", i, l.Shape(), shape)
		}
		if l.DType() != tensor.Float32 {
			return nil, fmt.Errorf("instrument %d output must be float32, got %s", i, l.DType())
		}
		r, err := l.Reshape(append(tensor.Shape{1}, shape...))
		if err != nil {
			return nil, err
		}
		parts[i] = r
	}

	stacked := backend.Cat(0, parts...)
	norm := backend.Softmax(stacked, 0)

	out := make([]*tensor.RawTensor, len(logits))
	n := shape.NumElements()
	src := norm.AsFloat32()
	for i := range out {
		t, err := tensor.FromFloat32(src[i*n:(i+1)*n], shape)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}
