package onnx

import (
	"fmt"

	"github.com/born-ml/stemconv/internal/backend/cpu"
	"github.com/born-ml/stemconv/internal/tensor"
)

// Model is a parsed ONNX graph prepared for evaluation on the CPU backend.
// It supports the operator set the tracer emits and is used to check an
// exported file against the network it was traced from.
type Model struct {
	proto        *ModelProto
	registry     *Registry
	backend      *cpu.CPUBackend
	tensors      map[string]*tensor.RawTensor // initializers
	inputNames   []string
	outputNames  []string
	sortedNodes  []NodeProto
	opsetVersion int64
}

// NewModel prepares proto for evaluation.
func NewModel(proto *ModelProto, backend *cpu.CPUBackend) (*Model, error) {
	m := &Model{proto: proto, registry: NewRegistry(), backend: backend}
	if err := m.compile(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load parses and prepares the model file at path.
func Load(path string, backend *cpu.CPUBackend) (*Model, error) {
	proto, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return NewModel(proto, backend)
}

// Proto returns the underlying model.
func (m *Model) Proto() *ModelProto {
	return m.proto
}

// InputNames returns the names of model inputs.
func (m *Model) InputNames() []string {
	return m.inputNames
}

// OutputNames returns the names of model outputs.
func (m *Model) OutputNames() []string {
	return m.outputNames
}

// OpsetVersion returns the ONNX opset version.
func (m *Model) OpsetVersion() int64 {
	return m.opsetVersion
}

// Forward evaluates a single-input, single-output model.
func (m *Model) Forward(input *tensor.RawTensor) (*tensor.RawTensor, error) {
	if len(m.inputNames) != 1 || len(m.outputNames) != 1 {
		return nil, fmt.Errorf("model has %d inputs and %d outputs, use ForwardNamed",
			len(m.inputNames), len(m.outputNames))
	}
	outputs, err := m.ForwardNamed(map[string]*tensor.RawTensor{m.inputNames[0]: input})
	if err != nil {
		return nil, err
	}
	return outputs[m.outputNames[0]], nil
}

// ForwardNamed evaluates the graph on named inputs and returns the graph
// outputs by name.
func (m *Model) ForwardNamed(inputs map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	values := make(map[string]*tensor.RawTensor, len(m.tensors)+len(inputs))
	for name, t := range m.tensors {
		values[name] = t
	}
	for _, name := range m.inputNames {
		t, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("missing input: %s", name)
		}
		values[name] = t
	}

	for i := range m.sortedNodes {
		node := &m.sortedNodes[i]
		args := make([]*tensor.RawTensor, len(node.Inputs))
		for j, name := range node.Inputs {
			if name == "" {
				continue
			}
			t, ok := values[name]
			if !ok {
				return nil, fmt.Errorf("node %s: missing input %s", node.Name, name)
			}
			args[j] = t
		}
		outs, err := m.registry.Execute(m.backend, node, args)
		if err != nil {
			return nil, fmt.Errorf("node %s (%s): %w", node.Name, node.OpType, err)
		}
		for j, name := range node.Outputs {
			if j < len(outs) {
				values[name] = outs[j]
			}
		}
	}

	result := make(map[string]*tensor.RawTensor, len(m.outputNames))
	for _, name := range m.outputNames {
		t, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("missing output: %s", name)
		}
		result[name] = t
	}
	return result, nil
}

func (m *Model) compile() error {
	graph := m.proto.Graph
	if graph == nil {
		return fmt.Errorf("model has no graph")
	}

	m.tensors = make(map[string]*tensor.RawTensor, len(graph.Initializers))
	for i := range graph.Initializers {
		init := &graph.Initializers[i]
		t, err := tensorFromProto(init)
		if err != nil {
			return fmt.Errorf("failed to load initializer %s: %w", init.Name, err)
		}
		m.tensors[init.Name] = t
	}

	// Older exporters list initializers among the graph inputs.
	for i := range graph.Inputs {
		if _, ok := m.tensors[graph.Inputs[i].Name]; !ok {
			m.inputNames = append(m.inputNames, graph.Inputs[i].Name)
		}
	}
	for i := range graph.Outputs {
		m.outputNames = append(m.outputNames, graph.Outputs[i].Name)
	}

	for i := range graph.Nodes {
		if _, ok := m.registry.Get(graph.Nodes[i].OpType); !ok {
			return fmt.Errorf("unsupported operator: %s", graph.Nodes[i].OpType)
		}
	}
	m.sortedNodes = topologicalSort(graph.Nodes)
	m.opsetVersion = m.proto.DefaultOpset()
	return nil
}

// tensorFromProto converts an initializer to a RawTensor.
func tensorFromProto(proto *TensorProto) (*tensor.RawTensor, error) {
	shape := make(tensor.Shape, len(proto.Dims))
	for i, dim := range proto.Dims {
		shape[i] = int(dim)
	}

	var dtype tensor.DataType
	switch proto.DataType {
	case TensorProtoFloat:
		dtype = tensor.Float32
	case TensorProtoDouble:
		dtype = tensor.Float64
	case TensorProtoInt32:
		dtype = tensor.Int32
	case TensorProtoInt64:
		dtype = tensor.Int64
	default:
		return nil, fmt.Errorf("unsupported data type %d", proto.DataType)
	}

	if len(proto.RawData) > 0 {
		return tensor.FromBytes(proto.RawData, shape, dtype)
	}

	t, err := tensor.NewRaw(shape, dtype)
	if err != nil {
		return nil, err
	}
	switch {
	case dtype == tensor.Float32 && len(proto.FloatData) > 0:
		if len(proto.FloatData) != t.NumElements() {
			return nil, fmt.Errorf("%d float values for shape %v", len(proto.FloatData), shape)
		}
		copy(t.AsFloat32(), proto.FloatData)
	case dtype == tensor.Int64 && len(proto.Int64Data) > 0:
		if len(proto.Int64Data) != t.NumElements() {
			return nil, fmt.Errorf("%d int64 values for shape %v", len(proto.Int64Data), shape)
		}
		copy(t.AsInt64(), proto.Int64Data)
	}
	return t, nil
}

// tensorToProto converts a RawTensor to an initializer.
func tensorToProto(name string, t *tensor.RawTensor) TensorProto {
	dims := make([]int64, len(t.Shape()))
	for i, d := range t.Shape() {
		dims[i] = int64(d)
	}
	p := TensorProto{Name: name, Dims: dims}
	switch t.DType() {
	case tensor.Int64:
		p.DataType = TensorProtoInt64
	case tensor.Float64:
		p.DataType = TensorProtoDouble
	case tensor.Int32:
		p.DataType = TensorProtoInt32
	default:
		p.DataType = TensorProtoFloat
	}
	p.RawData = append([]byte(nil), t.Data()...)
	return p
}

// topologicalSort orders nodes so every node follows its producers.
func topologicalSort(nodes []NodeProto) []NodeProto {
	outputToNode := make(map[string]int)
	for i := range nodes {
		for _, output := range nodes[i].Outputs {
			outputToNode[output] = i
		}
	}

	visited := make([]bool, len(nodes))
	result := make([]NodeProto, 0, len(nodes))

	var visit func(i int)
	visit = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true
		for _, input := range nodes[i].Inputs {
			if dep, ok := outputToNode[input]; ok {
				visit(dep)
			}
		}
		result = append(result, nodes[i])
	}

	for i := range nodes {
		visit(i)
	}
	return result
}
