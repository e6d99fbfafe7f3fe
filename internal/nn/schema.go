// Package nn defines the separation U-Net: its fixed parameter slot schema,
// validated parameter assignments and a forward pass written once against
// the Ops interface, so the same code runs numerically on the CPU and is
// traced into an ONNX graph.
package nn

import (
	"fmt"

	"github.com/born-ml/stemconv/internal/config"
	"github.com/born-ml/stemconv/internal/tensor"
)

// Parameter roles. They match the role keys of config.NamingScheme.
const (
	RoleKernel   = "kernel"
	RoleBias     = "bias"
	RoleScale    = "scale"
	RoleShift    = "shift"
	RoleMean     = "mean"
	RoleVariance = "variance"
)

// Architecture constants.
const (
	NumStages  = 6 // encoder convs and decoder transposed convs
	KernelSize = 5
	HeadKernel = 4
	HeadDilate = 2
	HeadPad    = 3
	InChannels = 2
	Epsilon    = 1e-3

	// Input height and width must be multiples of this (2^NumStages).
	SpatialMultiple = 64
)

var (
	encoderChannels = [NumStages]int{16, 32, 64, 128, 256, 512}
	decoderIn       = [NumStages]int{512, 512, 256, 128, 64, 32}
	decoderOut      = [NumStages]int{256, 128, 64, 32, 16, 1}
)

// Slot is one trainable tensor of the network.
type Slot struct {
	Key      string       // e.g. "encoder.layer[2].kernel"
	Kind     string       // config.KindConv, KindConvTranspose or KindNorm
	Position int          // index of the layer among layers of the same kind
	Role     string       // RoleKernel, RoleBias, ...
	Shape    tensor.Shape // expected shape after axis reordering
}

// Schema is the ordered, fixed set of slots of the network.
type Schema struct {
	slots []Slot
	index map[string]int
}

var unetSchema = buildSchema()

// UNetSchema returns the slot schema of the separation network. It is the
// same for every variant and instrument.
func UNetSchema() *Schema {
	return unetSchema
}

func encoderKey(i int, role string) string {
	return fmt.Sprintf("encoder.layer[%d].%s", i, role)
}

func encoderNormKey(i int, role string) string {
	return fmt.Sprintf("encoder.norm[%d].%s", i, role)
}

func decoderKey(i int, role string) string {
	return fmt.Sprintf("decoder.layer[%d].%s", i, role)
}

func decoderNormKey(i int, role string) string {
	return fmt.Sprintf("decoder.norm[%d].%s", i, role)
}

func headKey(role string) string {
	return "head." + role
}

func buildSchema() *Schema {
	s := &Schema{index: make(map[string]int)}
	add := func(key, kind string, pos int, role string, shape tensor.Shape) {
		s.index[key] = len(s.slots)
		s.slots = append(s.slots, Slot{Key: key, Kind: kind, Position: pos, Role: role, Shape: shape})
	}
	norm := func(key func(int, string) string, i, pos, ch int) {
		for _, role := range []string{RoleScale, RoleShift, RoleMean, RoleVariance} {
			add(key(i, role), config.KindNorm, pos, role, tensor.Shape{ch})
		}
	}

	in := InChannels
	for i, out := range encoderChannels {
		add(encoderKey(i, RoleKernel), config.KindConv, i, RoleKernel, tensor.Shape{out, in, KernelSize, KernelSize})
		add(encoderKey(i, RoleBias), config.KindConv, i, RoleBias, tensor.Shape{out})
		if i < NumStages-1 {
			norm(encoderNormKey, i, i, out)
		}
		in = out
	}
	for i := range decoderOut {
		// ConvTranspose kernels are [in, out, kh, kw].
		add(decoderKey(i, RoleKernel), config.KindConvTranspose, i, RoleKernel,
			tensor.Shape{decoderIn[i], decoderOut[i], KernelSize, KernelSize})
		add(decoderKey(i, RoleBias), config.KindConvTranspose, i, RoleBias, tensor.Shape{decoderOut[i]})
		norm(decoderNormKey, i, NumStages-1+i, decoderOut[i])
	}
	add(headKey(RoleKernel), config.KindConv, NumStages, RoleKernel,
		tensor.Shape{InChannels, decoderOut[NumStages-1], HeadKernel, HeadKernel})
	add(headKey(RoleBias), config.KindConv, NumStages, RoleBias, tensor.Shape{InChannels})
	return s
}

// Slots returns the slots in schema order.
func (s *Schema) Slots() []Slot {
	return append([]Slot(nil), s.slots...)
}

// Len returns the number of slots.
func (s *Schema) Len() int {
	return len(s.slots)
}

// Slot looks up a slot by key.
func (s *Schema) Slot(key string) (Slot, bool) {
	i, ok := s.index[key]
	if !ok {
		return Slot{}, false
	}
	return s.slots[i], true
}

// Refs returns one naming reference per slot, in schema order, for
// config.NamingScheme.Table.
func (s *Schema) Refs() []config.LayerRef {
	refs := make([]config.LayerRef, 0, len(s.slots))
	for _, sl := range s.slots {
		refs = append(refs, config.LayerRef{Slot: sl.Key, Kind: sl.Kind, Position: sl.Position, Role: sl.Role})
	}
	return refs
}
