package onnx

import (
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/stemconv/internal/fsutil"
	"github.com/born-ml/stemconv/internal/pbwire"
)

// Marshal encodes a model in the ONNX protobuf wire format.
func Marshal(m *ModelProto) []byte {
	var w pbwire.Writer
	writeModelProto(&w, m)
	return w.Bytes()
}

// Write encodes m to w.
func Write(w io.Writer, m *ModelProto) error {
	if _, err := w.Write(Marshal(m)); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	return nil
}

// WriteFile encodes m and replaces path atomically.
func WriteFile(path string, m *ModelProto) error {
	if err := fsutil.WriteFileAtomic(path, Marshal(m), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func writeModelProto(w *pbwire.Writer, m *ModelProto) {
	if m.IRVersion != 0 {
		w.Int64(1, m.IRVersion)
	}
	w.String(2, m.ProducerName)
	w.String(3, m.ProducerVersion)
	w.String(4, m.Domain)
	if m.ModelVersion != 0 {
		w.Int64(5, m.ModelVersion)
	}
	w.String(6, m.DocString)
	if m.Graph != nil {
		w.Message(7, func(g *pbwire.Writer) { writeGraphProto(g, m.Graph) })
	}
	for i := range m.OpsetImport {
		op := &m.OpsetImport[i]
		w.Message(8, func(o *pbwire.Writer) {
			o.String(1, op.Domain)
			o.Int64(2, op.Version)
		})
	}
	for i := range m.MetadataProps {
		e := &m.MetadataProps[i]
		w.Message(14, func(o *pbwire.Writer) {
			o.String(1, e.Key)
			o.String(2, e.Value)
		})
	}
}

func writeGraphProto(w *pbwire.Writer, g *GraphProto) {
	for i := range g.Nodes {
		n := &g.Nodes[i]
		w.Message(1, func(s *pbwire.Writer) { writeNodeProto(s, n) })
	}
	w.String(2, g.Name)
	for i := range g.Initializers {
		t := &g.Initializers[i]
		w.Message(5, func(s *pbwire.Writer) { writeTensorProto(s, t) })
	}
	for _, vis := range []struct {
		num   protowire.Number
		infos []ValueInfoProto
	}{{11, g.Inputs}, {12, g.Outputs}, {13, g.ValueInfo}} {
		for i := range vis.infos {
			v := &vis.infos[i]
			w.Message(vis.num, func(s *pbwire.Writer) { writeValueInfoProto(s, v) })
		}
	}
}

func writeNodeProto(w *pbwire.Writer, n *NodeProto) {
	for _, in := range n.Inputs {
		w.RawBytes(1, []byte(in))
	}
	for _, out := range n.Outputs {
		w.RawBytes(2, []byte(out))
	}
	w.String(3, n.Name)
	w.String(4, n.OpType)
	for i := range n.Attributes {
		a := &n.Attributes[i]
		w.Message(5, func(s *pbwire.Writer) { writeAttributeProto(s, a) })
	}
	w.String(7, n.Domain)
}

func writeAttributeProto(w *pbwire.Writer, a *AttributeProto) {
	w.String(1, a.Name)
	switch a.Type {
	case AttributeProtoFloat:
		w.Float32(2, a.F)
	case AttributeProtoInt:
		w.Int64(3, a.I)
	case AttributeProtoString:
		w.RawBytes(4, a.S)
	case AttributeProtoFloats:
		w.PackedFloat32s(7, a.Floats)
	case AttributeProtoInts:
		w.PackedInt64s(8, a.Ints)
	case AttributeProtoStrings:
		for _, s := range a.Strings {
			w.RawBytes(9, s)
		}
	}
	w.Int64(20, int64(a.Type))
}

func writeTensorProto(w *pbwire.Writer, t *TensorProto) {
	w.PackedInt64s(1, t.Dims)
	w.Int64(2, int64(t.DataType))
	w.PackedFloat32s(4, t.FloatData)
	w.PackedInt64s(7, t.Int64Data)
	w.String(8, t.Name)
	if len(t.RawData) > 0 {
		w.RawBytes(9, t.RawData)
	}
}

func writeValueInfoProto(w *pbwire.Writer, v *ValueInfoProto) {
	w.String(1, v.Name)
	if v.Type == nil || v.Type.TensorType == nil {
		return
	}
	tt := v.Type.TensorType
	w.Message(2, func(tw *pbwire.Writer) {
		tw.Message(1, func(s *pbwire.Writer) {
			s.Int64(1, int64(tt.ElemType))
			if tt.Shape == nil {
				return
			}
			s.Message(2, func(sw *pbwire.Writer) {
				for _, d := range tt.Shape.Dims {
					sw.Message(1, func(dw *pbwire.Writer) {
						if d.DimParam != "" {
							dw.String(2, d.DimParam)
							return
						}
						dw.Int64(1, d.DimValue)
					})
				}
			})
		})
	})
}
