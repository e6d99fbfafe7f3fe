package nn

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/born-ml/stemconv/internal/tensor"
)

// ErrMissingSlot is returned when an assignment leaves a slot empty.
var ErrMissingSlot = errors.New("missing parameter slot")

// SlotShapeError reports a tensor whose shape differs from its slot's.
type SlotShapeError struct {
	Slot string
	Want tensor.Shape
	Got  tensor.Shape
}

// Error implements the error interface.
func (e *SlotShapeError) Error() string {
	return fmt.Sprintf("slot %q: expected shape %v, got %v", e.Slot, e.Want, e.Got)
}

// Assignment is an immutable, fully populated and shape-checked mapping
// from slot key to float32 tensor.
type Assignment struct {
	schema *Schema
	values []*tensor.RawTensor // indexed like schema.slots
}

// NewAssignment validates values against schema. Every slot must be
// present with its exact shape; unknown keys are rejected. Non-float32
// tensors are converted.
func NewAssignment(schema *Schema, values map[string]*tensor.RawTensor) (*Assignment, error) {
	var unknown []string
	for key := range values {
		if _, ok := schema.index[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown parameter slots: %s", strings.Join(unknown, ", "))
	}

	a := &Assignment{schema: schema, values: make([]*tensor.RawTensor, len(schema.slots))}
	for i, slot := range schema.slots {
		t, ok := values[slot.Key]
		if !ok || t == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingSlot, slot.Key)
		}
		if !t.Shape().Equal(slot.Shape) {
			return nil, &SlotShapeError{Slot: slot.Key, Want: slot.Shape, Got: t.Shape()}
		}
		f, err := t.ToFloat32()
		if err != nil {
			return nil, fmt.Errorf("slot %q: %w", slot.Key, err)
		}
		a.values[i] = f
	}
	return a, nil
}

// Schema returns the schema the assignment was validated against.
func (a *Assignment) Schema() *Schema {
	return a.schema
}

// Tensor returns the tensor of a slot; callers must not modify it. It
// panics on an unknown key.
func (a *Assignment) Tensor(key string) *tensor.RawTensor {
	i, ok := a.schema.index[key]
	if !ok {
		panic(fmt.Sprintf("nn: unknown slot %q", key))
	}
	return a.values[i]
}
