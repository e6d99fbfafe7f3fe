package onnx

// ONNX protobuf data structures (hand-written, subset).

// ModelProto represents an ONNX model.
type ModelProto struct {
	IRVersion       int64               // IR version (e.g., 7)
	OpsetImport     []OperatorSetID     // Opset version(s)
	ProducerName    string              // Producing tool
	ProducerVersion string              // Producing tool version
	Domain          string              // Model domain
	ModelVersion    int64               // Model version number
	DocString       string              // Model description
	Graph           *GraphProto         // Computation graph
	MetadataProps   []StringStringEntry // Key-value metadata
}

// GraphProto represents the computation graph.
type GraphProto struct {
	Name         string           // Graph name
	Nodes        []NodeProto      // Operation nodes, in topological order
	Inputs       []ValueInfoProto // Graph inputs
	Outputs      []ValueInfoProto // Graph outputs
	Initializers []TensorProto    // Weight tensors
	ValueInfo    []ValueInfoProto // Intermediate tensor info
}

// NodeProto represents a single operation.
type NodeProto struct {
	Name       string           // Node name
	OpType     string           // Operation type (e.g., "Conv", "Relu")
	Inputs     []string         // Input tensor names
	Outputs    []string         // Output tensor names
	Attributes []AttributeProto // Operation attributes
	Domain     string           // Custom domain (empty for default)
}

// TensorProto represents an initializer tensor.
type TensorProto struct {
	Name      string    // Tensor name
	DataType  int32     // Element data type
	Dims      []int64   // Tensor shape
	RawData   []byte    // Little-endian element bytes
	FloatData []float32 // Float32 data (legacy encoding)
	Int64Data []int64   // Int64 data (legacy encoding)
}

// ValueInfoProto describes an input or output.
type ValueInfoProto struct {
	Name string
	Type *TypeProto
}

// TypeProto describes a value type. Only tensor types are supported.
type TypeProto struct {
	TensorType *TensorTypeProto
}

// TensorTypeProto describes tensor element type and shape.
type TensorTypeProto struct {
	ElemType int32
	Shape    *TensorShapeProto
}

// TensorShapeProto describes tensor dimensions.
type TensorShapeProto struct {
	Dims []DimensionProto
}

// DimensionProto is either a fixed size or a named dynamic dimension.
type DimensionProto struct {
	DimValue int64  // Static size
	DimParam string // Dynamic dimension name (e.g., "num_splits")
}

// AttributeProto represents a node attribute.
type AttributeProto struct {
	Name    string
	Type    int32
	F       float32
	I       int64
	S       []byte
	Floats  []float32
	Ints    []int64
	Strings [][]byte
}

// OperatorSetID identifies an opset version.
type OperatorSetID struct {
	Domain  string // Operator domain (empty for default)
	Version int64
}

// StringStringEntry represents key-value metadata.
type StringStringEntry struct {
	Key   string
	Value string
}

// ONNX data types (TensorProto.DataType).
const (
	TensorProtoUndefined = 0
	TensorProtoFloat     = 1  // float32
	TensorProtoInt32     = 6  // int32
	TensorProtoInt64     = 7  // int64
	TensorProtoDouble    = 11 // float64
)

// ONNX attribute types (AttributeProto.Type).
const (
	AttributeProtoUndefined = 0
	AttributeProtoFloat     = 1 // FLOAT
	AttributeProtoInt       = 2 // INT
	AttributeProtoString    = 3 // STRING
	AttributeProtoFloats    = 6 // FLOATS
	AttributeProtoInts      = 7 // INTS
	AttributeProtoStrings   = 8 // STRINGS
)

// Metadata returns metadata_props as a map.
func (m *ModelProto) Metadata() map[string]string {
	meta := make(map[string]string, len(m.MetadataProps))
	for _, prop := range m.MetadataProps {
		meta[prop.Key] = prop.Value
	}
	return meta
}

// DefaultOpset returns the version of the default ("" or "ai.onnx") opset.
func (m *ModelProto) DefaultOpset() int64 {
	for _, opset := range m.OpsetImport {
		if opset.Domain == "" || opset.Domain == "ai.onnx" {
			return opset.Version
		}
	}
	return 0
}

// Attr returns the named attribute.
func (n *NodeProto) Attr(name string) (*AttributeProto, bool) {
	for i := range n.Attributes {
		if n.Attributes[i].Name == name {
			return &n.Attributes[i], true
		}
	}
	return nil, false
}

// AttrInt returns an integer attribute or defaultVal.
func (n *NodeProto) AttrInt(name string, defaultVal int64) int64 {
	if a, ok := n.Attr(name); ok {
		return a.I
	}
	return defaultVal
}

// AttrFloat returns a float attribute or defaultVal.
func (n *NodeProto) AttrFloat(name string, defaultVal float32) float32 {
	if a, ok := n.Attr(name); ok {
		return a.F
	}
	return defaultVal
}

// AttrInts returns an integer list attribute, or nil.
func (n *NodeProto) AttrInts(name string) []int64 {
	if a, ok := n.Attr(name); ok {
		return a.Ints
	}
	return nil
}
