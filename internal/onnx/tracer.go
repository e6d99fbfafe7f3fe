package onnx

import (
	"fmt"
	"math"
	"strconv"

	"github.com/born-ml/stemconv/internal/nn"
	"github.com/born-ml/stemconv/internal/tensor"
)

// Export defaults.
const (
	IRVersion    = 7
	OpsetVersion = 13
	ProducerName = "stemconv"

	// Metadata keys written by the tracer.
	MetaTraceShape = "trace_shape"
)

// Tracer records nn.Ops calls as ONNX nodes. Values are tensor names.
type Tracer struct {
	graph  GraphProto
	params map[string]string
	counts map[string]int
}

var _ nn.Ops[string] = (*Tracer)(nil)

// NewTracer creates an empty tracer for a graph called name.
func NewTracer(name string) *Tracer {
	return &Tracer{
		graph:  GraphProto{Name: name},
		params: make(map[string]string),
		counts: make(map[string]int),
	}
}

// Input declares a float graph input.
func (t *Tracer) Input(name string, dims []DimensionProto) string {
	t.graph.Inputs = append(t.graph.Inputs, floatValueInfo(name, dims))
	return name
}

// Output marks value as a graph output, renaming it through an Identity
// node when the names differ.
func (t *Tracer) Output(value, name string, dims []DimensionProto) {
	if value != name {
		t.graph.Nodes = append(t.graph.Nodes, NodeProto{
			Name:    "/" + name + "/Identity",
			OpType:  "Identity",
			Inputs:  []string{value},
			Outputs: []string{name},
		})
	}
	t.graph.Outputs = append(t.graph.Outputs, floatValueInfo(name, dims))
}

// Graph returns the recorded graph.
func (t *Tracer) Graph() *GraphProto {
	return &t.graph
}

func floatValueInfo(name string, dims []DimensionProto) ValueInfoProto {
	return ValueInfoProto{
		Name: name,
		Type: &TypeProto{TensorType: &TensorTypeProto{
			ElemType: TensorProtoFloat,
			Shape:    &TensorShapeProto{Dims: append([]DimensionProto(nil), dims...)},
		}},
	}
}

// node appends a node and returns its single output name.
func (t *Tracer) node(op string, inputs []string, attrs ...AttributeProto) string {
	n := t.counts[op]
	t.counts[op]++
	name := "/" + op
	if n > 0 {
		name += "_" + strconv.Itoa(n)
	}
	out := name + "_output_0"
	t.graph.Nodes = append(t.graph.Nodes, NodeProto{
		Name:       name,
		OpType:     op,
		Inputs:     inputs,
		Outputs:    []string{out},
		Attributes: attrs,
	})
	return out
}

// constInt64 adds an int64 vector initializer.
func (t *Tracer) constInt64(prefix string, vs ...int64) string {
	n := t.counts[prefix]
	t.counts[prefix]++
	name := prefix + "_" + strconv.Itoa(n)
	t.graph.Initializers = append(t.graph.Initializers, TensorProto{
		Name:      name,
		DataType:  TensorProtoInt64,
		Dims:      []int64{int64(len(vs))},
		Int64Data: vs,
	})
	return name
}

func intAttr(name string, v int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInt, I: v}
}

func intsAttr(name string, vs ...int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInts, Ints: vs}
}

func floatAttr(name string, v float32) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoFloat, F: v}
}

// Param adds t as a float32 initializer named key. Binding the same key
// twice reuses the first initializer.
func (t *Tracer) Param(key string, rt *tensor.RawTensor) string {
	if name, ok := t.params[key]; ok {
		return name
	}
	f, err := rt.ToFloat32()
	if err != nil {
		panic(fmt.Sprintf("param %s: %v", key, err))
	}
	t.graph.Initializers = append(t.graph.Initializers, tensorToProto(key, f))
	t.params[key] = key
	return key
}

// Transpose emits Transpose(perm).
func (t *Tracer) Transpose(x string, perm ...int) string {
	return t.node("Transpose", []string{x}, intsAttr("perm", toInt64s(perm)...))
}

// Conv emits Conv. ONNX pads are ordered begin (top, left) then end
// (bottom, right), matching nn.ConvParams.
func (t *Tracer) Conv(x, kernel, bias string, p nn.ConvParams) string {
	k := t.kernelShape(kernel)
	return t.node("Conv", []string{x, kernel, bias},
		intsAttr("dilations", int64(p.Dilation), int64(p.Dilation)),
		intAttr("group", 1),
		intsAttr("kernel_shape", k...),
		intsAttr("pads", toInt64s(p.Pads[:])...),
		intsAttr("strides", int64(p.Stride), int64(p.Stride)),
	)
}

// ConvTranspose emits ConvTranspose without padding.
func (t *Tracer) ConvTranspose(x, kernel, bias string, stride int) string {
	k := t.kernelShape(kernel)
	return t.node("ConvTranspose", []string{x, kernel, bias},
		intsAttr("dilations", 1, 1),
		intAttr("group", 1),
		intsAttr("kernel_shape", k...),
		intsAttr("pads", 0, 0, 0, 0),
		intsAttr("strides", int64(stride), int64(stride)),
	)
}

// kernelShape returns the spatial dims of an initializer.
func (t *Tracer) kernelShape(name string) []int64 {
	for i := range t.graph.Initializers {
		init := &t.graph.Initializers[i]
		if init.Name == name && len(init.Dims) == 4 {
			return append([]int64(nil), init.Dims[2:]...)
		}
	}
	panic(fmt.Sprintf("kernel %q is not a 4D initializer", name))
}

// Crop emits Slice over axes 2 and 3 with negative ends, so the slice
// follows the input size.
func (t *Tracer) Crop(x string, top, left, bottom, right int) string {
	end := func(n int) int64 {
		if n == 0 {
			return math.MaxInt64
		}
		return -int64(n)
	}
	starts := t.constInt64("slice_starts", int64(top), int64(left))
	ends := t.constInt64("slice_ends", end(bottom), end(right))
	axes := t.constInt64("slice_axes", 2, 3)
	return t.node("Slice", []string{x, starts, ends, axes})
}

// BatchNorm emits BatchNormalization in inference mode.
func (t *Tracer) BatchNorm(x, scale, shift, mean, variance string, eps float32) string {
	return t.node("BatchNormalization", []string{x, scale, shift, mean, variance},
		floatAttr("epsilon", eps),
		floatAttr("momentum", 0.99),
	)
}

// Concat emits Concat(axis).
func (t *Tracer) Concat(axis int, xs ...string) string {
	return t.node("Concat", append([]string(nil), xs...), intAttr("axis", int64(axis)))
}

// LeakyRelu emits LeakyRelu(alpha).
func (t *Tracer) LeakyRelu(x string, alpha float32) string {
	return t.node("LeakyRelu", []string{x}, floatAttr("alpha", alpha))
}

// Relu emits Relu.
func (t *Tracer) Relu(x string) string {
	return t.node("Relu", []string{x})
}

// Elu emits Elu(alpha).
func (t *Tracer) Elu(x string, alpha float32) string {
	return t.node("Elu", []string{x}, floatAttr("alpha", alpha))
}

// Sigmoid emits Sigmoid.
func (t *Tracer) Sigmoid(x string) string {
	return t.node("Sigmoid", []string{x})
}

// Mul emits Mul.
func (t *Tracer) Mul(a, b string) string {
	return t.node("Mul", []string{a, b})
}

func toInt64s(vs []int) []int64 {
	out := make([]int64, len(vs))
	for i, v := range vs {
		out[i] = int64(v)
	}
	return out
}

// TraceOptions controls Trace.
type TraceOptions struct {
	InputName  string
	OutputName string
	// Shape is the example input shape recorded in the trace metadata.
	Shape tensor.Shape
	// DynamicAxes names input/output dimensions left symbolic.
	DynamicAxes map[int]string
	GraphName   string
}

// DefaultTraceOptions returns the export settings for a separation network:
// input x, output y, example input [2,1,512,1024], dim 1 dynamic.
func DefaultTraceOptions() TraceOptions {
	return TraceOptions{
		InputName:   "x",
		OutputName:  "y",
		Shape:       tensor.Shape{nn.InChannels, 1, 512, 1024},
		DynamicAxes: map[int]string{1: "num_splits"},
		GraphName:   "main_graph",
	}
}

// Trace records the forward pass of u into a model. Panics raised while
// tracing are returned as errors.
func Trace(u *nn.UNet, opts TraceOptions) (m *ModelProto, err error) {
	if err := nn.ValidateInput(opts.Shape); err != nil {
		return nil, fmt.Errorf("trace input: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("trace: %v", r)
		}
	}()

	dims := make([]DimensionProto, len(opts.Shape))
	for i, d := range opts.Shape {
		if name, ok := opts.DynamicAxes[i]; ok {
			dims[i] = DimensionProto{DimParam: name}
			continue
		}
		dims[i] = DimensionProto{DimValue: int64(d)}
	}

	tr := NewTracer(opts.GraphName)
	x := tr.Input(opts.InputName, dims)
	y := nn.Build[string](u, tr, x)
	tr.Output(y, opts.OutputName, dims)

	return &ModelProto{
		IRVersion:    IRVersion,
		ProducerName: ProducerName,
		OpsetImport:  []OperatorSetID{{Domain: "", Version: OpsetVersion}},
		Graph:        tr.Graph(),
		MetadataProps: []StringStringEntry{
			{Key: MetaTraceShape, Value: opts.Shape.String()},
		},
	}, nil
}
