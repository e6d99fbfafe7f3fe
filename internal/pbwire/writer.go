package pbwire

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Writer appends fields to an encoded message.
type Writer struct {
	buf []byte
}

// Bytes returns the encoded message.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Varint writes a varint field. Zero values are written too; callers omit
// proto3 defaults themselves.
func (w *Writer) Varint(num protowire.Number, v uint64) {
	w.buf = protowire.AppendTag(w.buf, num, protowire.VarintType)
	w.buf = protowire.AppendVarint(w.buf, v)
}

// Int64 writes an int64 varint field.
func (w *Writer) Int64(num protowire.Number, v int64) {
	w.Varint(num, uint64(v)) //nolint:gosec // G115: two's complement on the wire.
}

// String writes a string field, skipping empty strings.
func (w *Writer) String(num protowire.Number, s string) {
	if s == "" {
		return
	}
	w.buf = protowire.AppendTag(w.buf, num, protowire.BytesType)
	w.buf = protowire.AppendString(w.buf, s)
}

// RawBytes writes a bytes field, including empty ones.
func (w *Writer) RawBytes(num protowire.Number, b []byte) {
	w.buf = protowire.AppendTag(w.buf, num, protowire.BytesType)
	w.buf = protowire.AppendBytes(w.buf, b)
}

// Message writes a nested message built by fn.
func (w *Writer) Message(num protowire.Number, fn func(*Writer)) {
	var sub Writer
	fn(&sub)
	w.RawBytes(num, sub.buf)
}

// Fixed32 writes a fixed32 field.
func (w *Writer) Fixed32(num protowire.Number, v uint32) {
	w.buf = protowire.AppendTag(w.buf, num, protowire.Fixed32Type)
	w.buf = protowire.AppendFixed32(w.buf, v)
}

// Float32 writes a fixed32 float field.
func (w *Writer) Float32(num protowire.Number, v float32) {
	w.Fixed32(num, math.Float32bits(v))
}

// PackedInt64s writes a packed repeated int64 field. Empty slices are omitted.
func (w *Writer) PackedInt64s(num protowire.Number, vs []int64) {
	if len(vs) == 0 {
		return
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v)) //nolint:gosec // G115: two's complement.
	}
	w.RawBytes(num, packed)
}

// PackedFloat32s writes a packed repeated float field. Empty slices are omitted.
func (w *Writer) PackedFloat32s(num protowire.Number, vs []float32) {
	if len(vs) == 0 {
		return
	}
	packed := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	w.RawBytes(num, packed)
}
