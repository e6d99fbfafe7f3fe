package tfgraph

import (
	"fmt"
	"os"

	"github.com/born-ml/stemconv/internal/fsutil"
	"github.com/born-ml/stemconv/internal/pbwire"
	"github.com/born-ml/stemconv/internal/tensor"
)

// Encode serializes the graph as a GraphDef of Const nodes, in name order.
// Tensors are stored as little-endian tensor_content.
func Encode(g *Graph) ([]byte, error) {
	var w pbwire.Writer
	for _, c := range g.Constants() {
		dt, err := tfDType(c.Tensor.DType())
		if err != nil {
			return nil, fmt.Errorf("constant %q: %w", c.Name, err)
		}
		w.Message(graphNode, func(node *pbwire.Writer) {
			encodeConstNode(node, c, dt)
		})
	}
	return w.Bytes(), nil
}

// WriteFile writes the graph to path atomically.
func WriteFile(path string, g *Graph) error {
	data, err := Encode(g)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write frozen graph: %w", err)
	}
	return nil
}

// Map entries are written in key order: "dtype" then "value".
func encodeConstNode(w *pbwire.Writer, c *Constant, dt uint64) {
	w.String(nodeName, c.Name)
	w.String(nodeOp, "Const")
	w.Message(nodeAttr, func(e *pbwire.Writer) {
		e.String(mapKey, "dtype")
		e.Message(mapValue, func(v *pbwire.Writer) {
			v.Varint(attrType, dt)
		})
	})
	w.Message(nodeAttr, func(e *pbwire.Writer) {
		e.String(mapKey, "value")
		e.Message(mapValue, func(v *pbwire.Writer) {
			v.Message(attrTensor, func(t *pbwire.Writer) {
				encodeTensor(t, c.Tensor, dt)
			})
		})
	})
}

func encodeTensor(w *pbwire.Writer, t *tensor.RawTensor, dt uint64) {
	w.Varint(tensorDtype, dt)
	w.Message(tensorShape, func(s *pbwire.Writer) {
		for _, d := range t.Shape() {
			s.Message(shapeDim, func(dim *pbwire.Writer) {
				dim.Int64(dimSize, int64(d))
			})
		}
	})
	w.RawBytes(tensorContent, t.Data())
}

func tfDType(dt tensor.DataType) (uint64, error) {
	switch dt {
	case tensor.Float32:
		return DTFloat, nil
	case tensor.Float64:
		return DTDouble, nil
	case tensor.Int32:
		return DTInt32, nil
	case tensor.Int64:
		return DTInt64, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", dt)
	}
}

// Exists reports whether a frozen graph file is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
