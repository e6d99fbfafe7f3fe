// Package pbwire is a small field-at-a-time protobuf reader and writer
// on top of google.golang.org/protobuf/encoding/protowire.
//
// The graph formats handled by this module (TensorFlow GraphDef, checkpoint
// bundle entries, ONNX ModelProto) are decoded by hand from their field
// numbers; no generated code is involved.
package pbwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Reader walks the fields of one encoded message.
type Reader struct {
	data []byte
	pos  int
}

// NewReader returns a reader over an encoded message.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Next reads the next field tag. It returns io.EOF once the message is exhausted.
func (r *Reader) Next() (protowire.Number, protowire.Type, error) {
	if r.pos >= len(r.data) {
		return 0, 0, io.EOF
	}
	num, typ, n := protowire.ConsumeTag(r.data[r.pos:])
	if n < 0 {
		return 0, 0, fmt.Errorf("bad tag at offset %d: %w", r.pos, protowire.ParseError(n))
	}
	r.pos += n
	return num, typ, nil
}

// Varint reads a varint field value.
func (r *Reader) Varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.data[r.pos:])
	if n < 0 {
		return 0, fmt.Errorf("bad varint at offset %d: %w", r.pos, protowire.ParseError(n))
	}
	r.pos += n
	return v, nil
}

// Int64 reads a varint as int64.
func (r *Reader) Int64() (int64, error) {
	v, err := r.Varint()
	return int64(v), err //nolint:gosec // G115: two's complement int64 on the wire.
}

// Int32 reads a varint as int32.
func (r *Reader) Int32() (int32, error) {
	v, err := r.Varint()
	return int32(v), err //nolint:gosec // G115: two's complement int32 on the wire.
}

// Bytes reads a length-delimited value. The slice aliases the input.
func (r *Reader) Bytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(r.data[r.pos:])
	if n < 0 {
		return nil, fmt.Errorf("bad length-delimited field at offset %d: %w", r.pos, protowire.ParseError(n))
	}
	r.pos += n
	return v, nil
}

// String reads a length-delimited value as a string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}

// Message reads a length-delimited value and returns a reader over it.
func (r *Reader) Message() (*Reader, error) {
	b, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return NewReader(b), nil
}

// Fixed32 reads a fixed32 value.
func (r *Reader) Fixed32() (uint32, error) {
	v, n := protowire.ConsumeFixed32(r.data[r.pos:])
	if n < 0 {
		return 0, fmt.Errorf("bad fixed32 at offset %d: %w", r.pos, protowire.ParseError(n))
	}
	r.pos += n
	return v, nil
}

// Float32 reads a fixed32 value as float32.
func (r *Reader) Float32() (float32, error) {
	v, err := r.Fixed32()
	return math.Float32frombits(v), err
}

// Float64 reads a fixed64 value as float64.
func (r *Reader) Float64() (float64, error) {
	v, n := protowire.ConsumeFixed64(r.data[r.pos:])
	if n < 0 {
		return 0, fmt.Errorf("bad fixed64 at offset %d: %w", r.pos, protowire.ParseError(n))
	}
	r.pos += n
	return math.Float64frombits(v), nil
}

// Skip discards the value of a field of the given wire type.
func (r *Reader) Skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, r.data[r.pos:])
	if n < 0 {
		return fmt.Errorf("cannot skip field %d: %w", num, protowire.ParseError(n))
	}
	r.pos += n
	return nil
}

// Varints reads a repeated varint field, packed or not, and appends to dst.
func (r *Reader) Varints(typ protowire.Type, dst []uint64) ([]uint64, error) {
	if typ == protowire.VarintType {
		v, err := r.Varint()
		if err != nil {
			return dst, err
		}
		return append(dst, v), nil
	}
	packed, err := r.Bytes()
	if err != nil {
		return dst, err
	}
	for len(packed) > 0 {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return dst, fmt.Errorf("bad packed varint: %w", protowire.ParseError(n))
		}
		dst = append(dst, v)
		packed = packed[n:]
	}
	return dst, nil
}

// Float32s reads a repeated float field, packed or not, and appends to dst.
func (r *Reader) Float32s(typ protowire.Type, dst []float32) ([]float32, error) {
	if typ == protowire.Fixed32Type {
		v, err := r.Float32()
		if err != nil {
			return dst, err
		}
		return append(dst, v), nil
	}
	packed, err := r.Bytes()
	if err != nil {
		return dst, err
	}
	if len(packed)%4 != 0 {
		return dst, fmt.Errorf("packed float field length %d not a multiple of 4", len(packed))
	}
	for i := 0; i < len(packed); i += 4 {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(packed[i:])))
	}
	return dst, nil
}

// Float64s reads a repeated double field, packed or not, and appends to dst.
func (r *Reader) Float64s(typ protowire.Type, dst []float64) ([]float64, error) {
	if typ == protowire.Fixed64Type {
		v, err := r.Float64()
		if err != nil {
			return dst, err
		}
		return append(dst, v), nil
	}
	packed, err := r.Bytes()
	if err != nil {
		return dst, err
	}
	if len(packed)%8 != 0 {
		return dst, fmt.Errorf("packed double field length %d not a multiple of 8", len(packed))
	}
	for i := 0; i < len(packed); i += 8 {
		dst = append(dst, math.Float64frombits(binary.LittleEndian.Uint64(packed[i:])))
	}
	return dst, nil
}

// Fields calls fn for every field of the message. fn consumes the value of
// the fields it handles and returns false for the rest, which are skipped.
func (r *Reader) Fields(fn func(num protowire.Number, typ protowire.Type) (bool, error)) error {
	for {
		num, typ, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		handled, err := fn(num, typ)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if !handled {
			if err := r.Skip(num, typ); err != nil {
				return err
			}
		}
	}
}
