package onnx

import (
	"sort"
	"strconv"
	"strings"
)

// ModelInfo summarizes an ONNX model without preparing it for evaluation.
type ModelInfo struct {
	IRVersion       int64
	OpsetVersion    int64
	ProducerName    string
	ProducerVersion string
	Inputs          []ValueInfo
	Outputs         []ValueInfo
	NodeCount       int
	WeightCount     int
	// ParameterCount is the total number of initializer elements.
	ParameterCount int64
	OpCounts       map[string]int
	Metadata       map[string]string
}

// ValueInfo is a graph input or output with its shape rendered per
// dimension: a number or a dynamic dimension name.
type ValueInfo struct {
	Name  string
	Shape []string
}

// String formats v as "name[2 num_splits 512 1024]".
func (v ValueInfo) String() string {
	return v.Name + "[" + strings.Join(v.Shape, " ") + "]"
}

// GetModelInfo parses the file at path and summarizes it.
func GetModelInfo(path string) (*ModelInfo, error) {
	proto, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return Describe(proto), nil
}

// Describe summarizes a parsed model.
func Describe(proto *ModelProto) *ModelInfo {
	info := &ModelInfo{
		IRVersion:       proto.IRVersion,
		OpsetVersion:    proto.DefaultOpset(),
		ProducerName:    proto.ProducerName,
		ProducerVersion: proto.ProducerVersion,
		OpCounts:        make(map[string]int),
		Metadata:        proto.Metadata(),
	}
	g := proto.Graph
	if g == nil {
		return info
	}

	initNames := make(map[string]bool, len(g.Initializers))
	for i := range g.Initializers {
		init := &g.Initializers[i]
		initNames[init.Name] = true
		n := int64(1)
		for _, d := range init.Dims {
			n *= d
		}
		info.ParameterCount += n
	}
	for i := range g.Inputs {
		if !initNames[g.Inputs[i].Name] {
			info.Inputs = append(info.Inputs, valueInfo(&g.Inputs[i]))
		}
	}
	for i := range g.Outputs {
		info.Outputs = append(info.Outputs, valueInfo(&g.Outputs[i]))
	}
	for i := range g.Nodes {
		info.OpCounts[g.Nodes[i].OpType]++
	}
	info.NodeCount = len(g.Nodes)
	info.WeightCount = len(g.Initializers)
	return info
}

// Ops returns the distinct operator types, sorted.
func (i *ModelInfo) Ops() []string {
	ops := make([]string, 0, len(i.OpCounts))
	for op := range i.OpCounts {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func valueInfo(v *ValueInfoProto) ValueInfo {
	out := ValueInfo{Name: v.Name}
	if v.Type == nil || v.Type.TensorType == nil || v.Type.TensorType.Shape == nil {
		return out
	}
	for _, d := range v.Type.TensorType.Shape.Dims {
		if d.DimParam != "" {
			out.Shape = append(out.Shape, d.DimParam)
			continue
		}
		out.Shape = append(out.Shape, strconv.FormatInt(d.DimValue, 10))
	}
	return out
}
