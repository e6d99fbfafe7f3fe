package convert

import (
	"errors"
	"fmt"

	"github.com/born-ml/stemconv/internal/tensor"
)

// Sentinel errors, one per failure class. Typed errors below match them
// with errors.Is.
var (
	ErrAcquisition       = errors.New("acquisition failed")
	ErrGraphFreeze       = errors.New("graph freeze failed")
	ErrParameterNotFound = errors.New("parameter not found")
	ErrShapeMismatch     = errors.New("shape mismatch")
	ErrExport            = errors.New("export failed")
)

// AcquisitionError reports an unreachable artifact or a corrupt archive.
type AcquisitionError struct {
	Variant string
	Source  string // URL or archive path
	Err     error
}

// Error implements the error interface.
func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s from %s: %v", e.Variant, e.Source, e.Err)
}

// Unwrap returns the cause.
func (e *AcquisitionError) Unwrap() error { return e.Err }

// Is matches ErrAcquisition.
func (e *AcquisitionError) Is(target error) bool { return target == ErrAcquisition }

// GraphFreezeError reports a checkpoint that could not be frozen.
type GraphFreezeError struct {
	Variant string
	Dir     string
	Err     error
}

// Error implements the error interface.
func (e *GraphFreezeError) Error() string {
	return fmt.Sprintf("freeze %s checkpoint in %s: %v", e.Variant, e.Dir, e.Err)
}

// Unwrap returns the cause.
func (e *GraphFreezeError) Unwrap() error { return e.Err }

// Is matches ErrGraphFreeze.
func (e *GraphFreezeError) Is(target error) bool { return target == ErrGraphFreeze }

// ParameterNotFoundError reports a resolved tensor name that the frozen
// graph does not contain, or an instrument index the variant does not have.
type ParameterNotFoundError struct {
	Variant    string
	Instrument int
	Slot       string
	Name       string // empty when the index itself is out of range
}

// Error implements the error interface.
func (e *ParameterNotFoundError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: instrument %d: no tensor name for slot %q", e.Variant, e.Instrument, e.Slot)
	}
	return fmt.Sprintf("%s: instrument %d: slot %q: tensor %q not in frozen graph",
		e.Variant, e.Instrument, e.Slot, e.Name)
}

// Is matches ErrParameterNotFound.
func (e *ParameterNotFoundError) Is(target error) bool { return target == ErrParameterNotFound }

// ShapeMismatchError reports a transferred tensor whose shape differs from
// the slot's.
type ShapeMismatchError struct {
	Variant    string
	Instrument int
	Slot       string
	Name       string
	Want       tensor.Shape
	Got        tensor.Shape
	Err        error
}

// Error implements the error interface.
func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: instrument %d: slot %q (tensor %q): expected shape %v, got %v",
		e.Variant, e.Instrument, e.Slot, e.Name, e.Want, e.Got)
}

// Unwrap returns the cause.
func (e *ShapeMismatchError) Unwrap() error { return e.Err }

// Is matches ErrShapeMismatch.
func (e *ShapeMismatchError) Is(target error) bool { return target == ErrShapeMismatch }

// ExportError reports a tracing or serialization failure.
type ExportError struct {
	Variant    string
	Instrument string
	Path       string
	Err        error
}

// Error implements the error interface.
func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s/%s to %s: %v", e.Variant, e.Instrument, e.Path, e.Err)
}

// Unwrap returns the cause.
func (e *ExportError) Unwrap() error { return e.Err }

// Is matches ErrExport.
func (e *ExportError) Is(target error) bool { return target == ErrExport }
