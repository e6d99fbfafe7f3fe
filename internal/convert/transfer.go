package convert

import (
	"errors"
	"fmt"

	"github.com/born-ml/stemconv/internal/nn"
	"github.com/born-ml/stemconv/internal/tensor"
	"github.com/born-ml/stemconv/internal/tfgraph"
)

// kernelPerm reorders TensorFlow kernels into the module's layout:
// conv [kh, kw, in, out] -> [out, in, kh, kw] and transposed conv
// [kh, kw, out, in] -> [in, out, kh, kw].
var kernelPerm = []int{3, 2, 0, 1}

// Transfer builds the parameter assignment of one instrument. A name
// missing from the graph yields a ParameterNotFoundError; a tensor of the
// wrong shape yields a ShapeMismatchError.
func Transfer(g *tfgraph.Graph, r *Resolver, instrument int) (*nn.Assignment, error) {
	variant := r.variant.Name
	schema := nn.UNetSchema()
	values := make(map[string]*tensor.RawTensor, schema.Len())

	for _, slot := range schema.Slots() {
		name, err := r.Resolve(instrument, slot.Key)
		if err != nil {
			return nil, err
		}
		c, ok := g.Lookup(name)
		if !ok {
			return nil, &ParameterNotFoundError{Variant: variant, Instrument: instrument, Slot: slot.Key, Name: name}
		}

		t := c.Tensor
		if slot.Role == nn.RoleKernel {
			if len(t.Shape()) != len(kernelPerm) {
				return nil, &ShapeMismatchError{
					Variant: variant, Instrument: instrument, Slot: slot.Key, Name: name,
					Want: slot.Shape, Got: t.Shape(),
					Err: fmt.Errorf("kernel must be rank %d", len(kernelPerm)),
				}
			}
			if t, err = tensor.Permute(t, kernelPerm...); err != nil {
				return nil, fmt.Errorf("%s: reorder %q: %w", variant, name, err)
			}
		}
		if !t.Shape().Equal(slot.Shape) {
			return nil, &ShapeMismatchError{
				Variant: variant, Instrument: instrument, Slot: slot.Key, Name: name,
				Want: slot.Shape, Got: t.Shape(),
			}
		}
		values[slot.Key] = t
	}

	a, err := nn.NewAssignment(schema, values)
	if err != nil {
		var shapeErr *nn.SlotShapeError
		if errors.As(err, &shapeErr) {
			name, _ := r.Resolve(instrument, shapeErr.Slot)
			return nil, &ShapeMismatchError{
				Variant: variant, Instrument: instrument, Slot: shapeErr.Slot, Name: name,
				Want: shapeErr.Want, Got: shapeErr.Got, Err: err,
			}
		}
		return nil, fmt.Errorf("%s: instrument %d: %w", variant, instrument, err)
	}
	return a, nil
}
