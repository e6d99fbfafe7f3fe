package onnx

import (
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/stemconv/internal/pbwire"
)

// ParseFile parses an ONNX model from file.
//
//nolint:gosec // G304: path is provided by the user.
func ParseFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// Parse parses an ONNX model from bytes.
func Parse(data []byte) (*ModelProto, error) {
	model := &ModelProto{}
	if err := readModelProto(pbwire.NewReader(data), model); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return model, nil
}

// sub reads a nested message with fn.
func sub(r *pbwire.Reader, fn func(*pbwire.Reader) error) error {
	m, err := r.Message()
	if err != nil {
		return err
	}
	return fn(m)
}

func readModelProto(r *pbwire.Reader, m *ModelProto) error {
	return r.Fields(func(num protowire.Number, _ protowire.Type) (bool, error) {
		var err error
		switch num {
		case 1: // ir_version
			m.IRVersion, err = r.Int64()
		case 2: // producer_name
			m.ProducerName, err = r.String()
		case 3: // producer_version
			m.ProducerVersion, err = r.String()
		case 4: // domain
			m.Domain, err = r.String()
		case 5: // model_version
			m.ModelVersion, err = r.Int64()
		case 6: // doc_string
			m.DocString, err = r.String()
		case 7: // graph
			m.Graph = &GraphProto{}
			err = sub(r, func(s *pbwire.Reader) error { return readGraphProto(s, m.Graph) })
		case 8: // opset_import
			var op OperatorSetID
			err = sub(r, func(s *pbwire.Reader) error { return readOperatorSetID(s, &op) })
			m.OpsetImport = append(m.OpsetImport, op)
		case 14: // metadata_props
			var e StringStringEntry
			err = sub(r, func(s *pbwire.Reader) error { return readStringStringEntry(s, &e) })
			m.MetadataProps = append(m.MetadataProps, e)
		default:
			return false, nil
		}
		return true, err
	})
}

func readGraphProto(r *pbwire.Reader, g *GraphProto) error {
	return r.Fields(func(num protowire.Number, _ protowire.Type) (bool, error) {
		var err error
		switch num {
		case 1: // node
			var n NodeProto
			err = sub(r, func(s *pbwire.Reader) error { return readNodeProto(s, &n) })
			g.Nodes = append(g.Nodes, n)
		case 2: // name
			g.Name, err = r.String()
		case 5: // initializer
			var t TensorProto
			err = sub(r, func(s *pbwire.Reader) error { return readTensorProto(s, &t) })
			g.Initializers = append(g.Initializers, t)
		case 11, 12, 13: // input, output, value_info
			var v ValueInfoProto
			err = sub(r, func(s *pbwire.Reader) error { return readValueInfoProto(s, &v) })
			switch num {
			case 11:
				g.Inputs = append(g.Inputs, v)
			case 12:
				g.Outputs = append(g.Outputs, v)
			default:
				g.ValueInfo = append(g.ValueInfo, v)
			}
		default:
			return false, nil
		}
		return true, err
	})
}

func readNodeProto(r *pbwire.Reader, n *NodeProto) error {
	return r.Fields(func(num protowire.Number, _ protowire.Type) (bool, error) {
		var err error
		var s string
		switch num {
		case 1: // input
			s, err = r.String()
			n.Inputs = append(n.Inputs, s)
		case 2: // output
			s, err = r.String()
			n.Outputs = append(n.Outputs, s)
		case 3: // name
			n.Name, err = r.String()
		case 4: // op_type
			n.OpType, err = r.String()
		case 5: // attribute
			var a AttributeProto
			err = sub(r, func(s *pbwire.Reader) error { return readAttributeProto(s, &a) })
			n.Attributes = append(n.Attributes, a)
		case 7: // domain
			n.Domain, err = r.String()
		default:
			return false, nil
		}
		return true, err
	})
}

func readAttributeProto(r *pbwire.Reader, a *AttributeProto) error {
	return r.Fields(func(num protowire.Number, typ protowire.Type) (bool, error) {
		var err error
		switch num {
		case 1: // name
			a.Name, err = r.String()
		case 2: // f
			a.F, err = r.Float32()
		case 3: // i
			a.I, err = r.Int64()
		case 4: // s
			a.S, err = r.Bytes()
		case 7: // floats
			a.Floats, err = r.Float32s(typ, a.Floats)
		case 8: // ints
			var vs []uint64
			vs, err = r.Varints(typ, nil)
			for _, v := range vs {
				a.Ints = append(a.Ints, int64(v)) //nolint:gosec // G115: two's complement.
			}
		case 9: // strings
			var b []byte
			b, err = r.Bytes()
			a.Strings = append(a.Strings, b)
		case 20: // type
			a.Type, err = r.Int32()
		default:
			return false, nil
		}
		return true, err
	})
}

func readTensorProto(r *pbwire.Reader, t *TensorProto) error {
	return r.Fields(func(num protowire.Number, typ protowire.Type) (bool, error) {
		var err error
		switch num {
		case 1: // dims
			var vs []uint64
			vs, err = r.Varints(typ, nil)
			for _, v := range vs {
				t.Dims = append(t.Dims, int64(v)) //nolint:gosec // G115: two's complement.
			}
		case 2: // data_type
			t.DataType, err = r.Int32()
		case 4: // float_data
			t.FloatData, err = r.Float32s(typ, t.FloatData)
		case 7: // int64_data
			var vs []uint64
			vs, err = r.Varints(typ, nil)
			for _, v := range vs {
				t.Int64Data = append(t.Int64Data, int64(v)) //nolint:gosec // G115: two's complement.
			}
		case 8: // name
			t.Name, err = r.String()
		case 9: // raw_data
			t.RawData, err = r.Bytes()
		default:
			return false, nil
		}
		return true, err
	})
}

func readValueInfoProto(r *pbwire.Reader, v *ValueInfoProto) error {
	return r.Fields(func(num protowire.Number, _ protowire.Type) (bool, error) {
		var err error
		switch num {
		case 1: // name
			v.Name, err = r.String()
		case 2: // type
			v.Type = &TypeProto{}
			err = sub(r, func(s *pbwire.Reader) error { return readTypeProto(s, v.Type) })
		default:
			return false, nil
		}
		return true, err
	})
}

func readTypeProto(r *pbwire.Reader, t *TypeProto) error {
	return r.Fields(func(num protowire.Number, _ protowire.Type) (bool, error) {
		if num != 1 { // tensor_type
			return false, nil
		}
		t.TensorType = &TensorTypeProto{}
		return true, sub(r, func(s *pbwire.Reader) error {
			return s.Fields(func(num protowire.Number, _ protowire.Type) (bool, error) {
				var err error
				switch num {
				case 1: // elem_type
					t.TensorType.ElemType, err = s.Int32()
				case 2: // shape
					t.TensorType.Shape = &TensorShapeProto{}
					err = sub(s, func(ss *pbwire.Reader) error { return readTensorShapeProto(ss, t.TensorType.Shape) })
				default:
					return false, nil
				}
				return true, err
			})
		})
	})
}

func readTensorShapeProto(r *pbwire.Reader, s *TensorShapeProto) error {
	return r.Fields(func(num protowire.Number, _ protowire.Type) (bool, error) {
		if num != 1 { // dim
			return false, nil
		}
		var d DimensionProto
		err := sub(r, func(dr *pbwire.Reader) error {
			return dr.Fields(func(num protowire.Number, _ protowire.Type) (bool, error) {
				var err error
				switch num {
				case 1: // dim_value
					d.DimValue, err = dr.Int64()
				case 2: // dim_param
					d.DimParam, err = dr.String()
				default:
					return false, nil
				}
				return true, err
			})
		})
		s.Dims = append(s.Dims, d)
		return true, err
	})
}

func readOperatorSetID(r *pbwire.Reader, m *OperatorSetID) error {
	return r.Fields(func(num protowire.Number, _ protowire.Type) (bool, error) {
		var err error
		switch num {
		case 1: // domain
			m.Domain, err = r.String()
		case 2: // version
			m.Version, err = r.Int64()
		default:
			return false, nil
		}
		return true, err
	})
}

func readStringStringEntry(r *pbwire.Reader, m *StringStringEntry) error {
	return r.Fields(func(num protowire.Number, _ protowire.Type) (bool, error) {
		var err error
		switch num {
		case 1: // key
			m.Key, err = r.String()
		case 2: // value
			m.Value, err = r.String()
		default:
			return false, nil
		}
		return true, err
	})
}
