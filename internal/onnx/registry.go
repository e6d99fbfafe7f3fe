package onnx

import (
	"fmt"
	"sort"

	"github.com/born-ml/stemconv/internal/backend/cpu"
	"github.com/born-ml/stemconv/internal/tensor"
)

// OpHandler evaluates one node.
type OpHandler func(b *cpu.CPUBackend, node *NodeProto, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error)

// Registry maps ONNX operator types to handlers.
type Registry struct {
	handlers map[string]OpHandler
}

// NewRegistry creates a registry holding the operators of an exported
// separation network.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]OpHandler)}
	r.Register("Identity", handleIdentity)
	r.Register("Transpose", handleTranspose)
	r.Register("Conv", handleConv)
	r.Register("ConvTranspose", handleConvTranspose)
	r.Register("Slice", handleSlice)
	r.Register("BatchNormalization", handleBatchNorm)
	r.Register("Concat", handleConcat)
	r.Register("Relu", unary(func(b *cpu.CPUBackend, _ *NodeProto, x *tensor.RawTensor) *tensor.RawTensor {
		return b.ReLU(x)
	}))
	r.Register("LeakyRelu", unary(func(b *cpu.CPUBackend, n *NodeProto, x *tensor.RawTensor) *tensor.RawTensor {
		return b.LeakyReLU(x, n.AttrFloat("alpha", 0.01))
	}))
	r.Register("Elu", unary(func(b *cpu.CPUBackend, n *NodeProto, x *tensor.RawTensor) *tensor.RawTensor {
		return b.ELU(x, n.AttrFloat("alpha", 1))
	}))
	r.Register("Sigmoid", unary(func(b *cpu.CPUBackend, _ *NodeProto, x *tensor.RawTensor) *tensor.RawTensor {
		return b.Sigmoid(x)
	}))
	r.Register("Mul", handleMul)
	return r
}

// Register adds or replaces the handler of an operator type.
func (r *Registry) Register(opType string, handler OpHandler) {
	r.handlers[opType] = handler
}

// Get returns the handler for an operator type.
func (r *Registry) Get(opType string) (OpHandler, bool) {
	h, ok := r.handlers[opType]
	return h, ok
}

// SupportedOps returns the registered operator types, sorted.
func (r *Registry) SupportedOps() []string {
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Execute runs node. Backend panics on shape violations are returned as
// errors.
func (r *Registry) Execute(b *cpu.CPUBackend, node *NodeProto, inputs []*tensor.RawTensor) (outs []*tensor.RawTensor, err error) {
	handler, ok := r.handlers[node.OpType]
	if !ok {
		return nil, fmt.Errorf("unsupported operator: %s", node.OpType)
	}
	defer func() {
		if p := recover(); p != nil {
			outs, err = nil, fmt.Errorf("%v", p)
		}
	}()
	return handler(b, node, inputs)
}

func requireInputs(op string, inputs []*tensor.RawTensor, n int) error {
	if len(inputs) < n {
		return fmt.Errorf("%s requires %d inputs, got %d", op, n, len(inputs))
	}
	for i := 0; i < n; i++ {
		if inputs[i] == nil {
			return fmt.Errorf("%s: input %d is missing", op, i)
		}
	}
	return nil
}

func unary(f func(*cpu.CPUBackend, *NodeProto, *tensor.RawTensor) *tensor.RawTensor) OpHandler {
	return func(b *cpu.CPUBackend, node *NodeProto, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if err := requireInputs(node.OpType, inputs, 1); err != nil {
			return nil, err
		}
		return []*tensor.RawTensor{f(b, node, inputs[0])}, nil
	}
}

func handleIdentity(_ *cpu.CPUBackend, _ *NodeProto, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := requireInputs("identity", inputs, 1); err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{inputs[0]}, nil
}

func handleTranspose(b *cpu.CPUBackend, node *NodeProto, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := requireInputs("transpose", inputs, 1); err != nil {
		return nil, err
	}
	perm := node.AttrInts("perm")
	axes := make([]int, len(perm))
	for i, v := range perm {
		axes[i] = int(v)
	}
	if len(axes) == 0 {
		// Default reverses the dimensions.
		n := len(inputs[0].Shape())
		for i := n - 1; i >= 0; i-- {
			axes = append(axes, i)
		}
	}
	return []*tensor.RawTensor{b.Permute(inputs[0], axes...)}, nil
}

// square returns the common value of a two-element attribute, or def.
func square(node *NodeProto, name string, def int) (int, error) {
	vs := node.AttrInts(name)
	switch {
	case len(vs) == 0:
		return def, nil
	case len(vs) == 2 && vs[0] == vs[1]:
		return int(vs[0]), nil
	default:
		return 0, fmt.Errorf("%s %v: only equal values on both spatial axes are supported", name, vs)
	}
}

func handleConv(b *cpu.CPUBackend, node *NodeProto, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := requireInputs("conv", inputs, 2); err != nil {
		return nil, err
	}
	if g := node.AttrInt("group", 1); g != 1 {
		return nil, fmt.Errorf("conv: group %d not supported", g)
	}
	stride, err := square(node, "strides", 1)
	if err != nil {
		return nil, err
	}
	dilation, err := square(node, "dilations", 1)
	if err != nil {
		return nil, err
	}
	p := cpu.Conv2DParams{Stride: stride, Dilation: dilation}
	if pads := node.AttrInts("pads"); len(pads) > 0 {
		if len(pads) != 4 {
			return nil, fmt.Errorf("conv: pads %v, want 4 values", pads)
		}
		p.PadTop, p.PadLeft, p.PadBottom, p.PadRight = int(pads[0]), int(pads[1]), int(pads[2]), int(pads[3])
	}
	var bias *tensor.RawTensor
	if len(inputs) > 2 {
		bias = inputs[2]
	}
	return []*tensor.RawTensor{b.Conv2D(inputs[0], inputs[1], bias, p)}, nil
}

func handleConvTranspose(b *cpu.CPUBackend, node *NodeProto, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := requireInputs("conv_transpose", inputs, 2); err != nil {
		return nil, err
	}
	stride, err := square(node, "strides", 1)
	if err != nil {
		return nil, err
	}
	if d, err := square(node, "dilations", 1); err != nil || d != 1 {
		return nil, fmt.Errorf("conv_transpose: only unit dilation is supported")
	}
	for _, p := range node.AttrInts("pads") {
		if p != 0 {
			return nil, fmt.Errorf("conv_transpose: padding not supported")
		}
	}
	var bias *tensor.RawTensor
	if len(inputs) > 2 {
		bias = inputs[2]
	}
	return []*tensor.RawTensor{b.ConvTranspose2D(inputs[0], inputs[1], bias, stride)}, nil
}

// handleSlice supports unit-step slices over the spatial axes of an NCHW
// tensor.
func handleSlice(b *cpu.CPUBackend, _ *NodeProto, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := requireInputs("slice", inputs, 3); err != nil {
		return nil, err
	}
	x := inputs[0]
	shape := x.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("slice: input must be 4D, got %v", shape)
	}
	starts, ends := inputs[1].AsInt64(), inputs[2].AsInt64()
	axes := make([]int64, len(starts))
	for i := range axes {
		axes[i] = int64(i)
	}
	if len(inputs) > 3 && inputs[3] != nil {
		axes = inputs[3].AsInt64()
	}
	if len(inputs) > 4 && inputs[4] != nil {
		for _, s := range inputs[4].AsInt64() {
			if s != 1 {
				return nil, fmt.Errorf("slice: step %d not supported", s)
			}
		}
	}
	if len(starts) != len(ends) || len(starts) != len(axes) {
		return nil, fmt.Errorf("slice: starts/ends/axes lengths differ")
	}

	// crop[0..3] = top, left, bottom, right
	var crop [4]int
	for i, a := range axes {
		if a < 0 {
			a += 4
		}
		if a != 2 && a != 3 {
			return nil, fmt.Errorf("slice: axis %d not supported", axes[i])
		}
		dim := int64(shape[a])
		lo, hi := clampIndex(starts[i], dim), clampIndex(ends[i], dim)
		if hi <= lo {
			return nil, fmt.Errorf("slice: empty range [%d,%d) on axis %d", starts[i], ends[i], a)
		}
		crop[a-2] = int(lo)
		crop[a] = int(dim - hi)
	}
	return []*tensor.RawTensor{b.Crop2D(x, crop[0], crop[1], crop[2], crop[3])}, nil
}

// clampIndex resolves a possibly negative slice bound into [0, dim].
func clampIndex(i, dim int64) int64 {
	if i < 0 {
		i += dim
	}
	if i < 0 {
		return 0
	}
	if i > dim {
		return dim
	}
	return i
}

func handleBatchNorm(b *cpu.CPUBackend, node *NodeProto, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := requireInputs("batch_normalization", inputs, 5); err != nil {
		return nil, err
	}
	eps := node.AttrFloat("epsilon", 1e-5)
	return []*tensor.RawTensor{b.BatchNorm2D(inputs[0], inputs[1], inputs[2], inputs[3], inputs[4], eps)}, nil
}

func handleConcat(b *cpu.CPUBackend, node *NodeProto, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("concat requires at least 1 input")
	}
	axis := int(node.AttrInt("axis", 0))
	if axis < 0 {
		axis += len(inputs[0].Shape())
	}
	return []*tensor.RawTensor{b.Cat(axis, inputs...)}, nil
}

func handleMul(b *cpu.CPUBackend, _ *NodeProto, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := requireInputs("mul", inputs, 2); err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{b.Mul(inputs[0], inputs[1])}, nil
}
