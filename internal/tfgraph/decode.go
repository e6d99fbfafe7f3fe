package tfgraph

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/x448/float16"

	"github.com/born-ml/stemconv/internal/pbwire"
	"github.com/born-ml/stemconv/internal/tensor"
)

// TensorFlow DataType enum values.
const (
	DTFloat  = 1
	DTDouble = 2
	DTInt32  = 3
	DTInt64  = 9
	DTHalf   = 19
)

// ErrUnsupported marks a tensor the reader cannot represent: a dtype
// other than the numeric ones above, or a dimension of unknown size.
// Decode skips Const nodes holding such tensors.
var ErrUnsupported = errors.New("unsupported tensor")

// Field numbers of the GraphDef messages that are read or written.
const (
	graphNode = 1

	nodeName  = 1
	nodeOp    = 2
	nodeInput = 3
	nodeAttr  = 5

	mapKey   = 1
	mapValue = 2

	attrType   = 6
	attrShape  = 7
	attrTensor = 8

	tensorDtype   = 1
	tensorShape   = 2
	tensorContent = 4
	tensorFloat   = 5
	tensorDouble  = 6
	tensorInt     = 7
	tensorInt64   = 10
	tensorHalf    = 13

	shapeDim = 2
	dimSize  = 1
)

// ReadFile decodes the Const nodes of a binary GraphDef file.
//
//nolint:gosec // G304: path is the frozen graph produced or cached by the pipeline.
func ReadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read frozen graph: %w", err)
	}
	g, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// Decode parses a binary GraphDef and collects its Const nodes. Constants
// of unsupported dtype or shape (keras_learning_phase, string tables) are
// left out.
func Decode(data []byte) (*Graph, error) {
	r := pbwire.NewReader(data)
	var consts []*Constant
	for {
		num, typ, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if num != graphNode {
			if err := r.Skip(num, typ); err != nil {
				return nil, err
			}
			continue
		}
		sub, err := r.Message()
		if err != nil {
			return nil, err
		}
		c, err := decodeNode(sub)
		if err != nil {
			return nil, err
		}
		if c != nil {
			consts = append(consts, c)
		}
	}
	return New(consts...)
}

// decodeNode returns the constant held by a Const node, or nil for any
// other op.
func decodeNode(r *pbwire.Reader) (*Constant, error) {
	var (
		name, op string
		value    *pbwire.Reader
	)
	for {
		num, typ, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch num {
		case nodeName:
			name, err = r.String()
		case nodeOp:
			op, err = r.String()
		case nodeAttr:
			var key string
			var attr *pbwire.Reader
			key, attr, err = decodeAttrEntry(r)
			if err == nil && key == "value" {
				value = attr
			}
		default:
			err = r.Skip(num, typ)
		}
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", name, err)
		}
	}
	if op != "Const" {
		return nil, nil
	}
	if value == nil {
		return nil, fmt.Errorf("const node %q has no value attribute", name)
	}
	t, err := decodeValueAttr(value)
	if errors.Is(err, ErrUnsupported) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("const node %q: %w", name, err)
	}
	return NewConstant(name, t), nil
}

func decodeAttrEntry(r *pbwire.Reader) (string, *pbwire.Reader, error) {
	entry, err := r.Message()
	if err != nil {
		return "", nil, err
	}
	var key string
	var value *pbwire.Reader
	for {
		num, typ, err := entry.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, err
		}
		switch num {
		case mapKey:
			key, err = entry.String()
		case mapValue:
			value, err = entry.Message()
		default:
			err = entry.Skip(num, typ)
		}
		if err != nil {
			return "", nil, err
		}
	}
	return key, value, nil
}

func decodeValueAttr(r *pbwire.Reader) (*tensor.RawTensor, error) {
	for {
		num, typ, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if num == attrTensor {
			sub, err := r.Message()
			if err != nil {
				return nil, err
			}
			return DecodeTensor(sub)
		}
		if err := r.Skip(num, typ); err != nil {
			return nil, err
		}
	}
	return nil, errors.New("value attribute holds no tensor")
}

// tensorValues accumulates the typed value lists of a TensorProto.
type tensorValues struct {
	dtype   int32
	dims    []int
	content []byte
	floats  []float32
	doubles []float64
	ints    []uint64 // int_val, int64_val and half_val bit patterns
}

// DecodeTensor decodes a TensorProto. Half precision values are widened
// to float32.
func DecodeTensor(r *pbwire.Reader) (*tensor.RawTensor, error) {
	var tv tensorValues
	for {
		num, typ, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch num {
		case tensorDtype:
			tv.dtype, err = r.Int32()
		case tensorShape:
			var sub *pbwire.Reader
			if sub, err = r.Message(); err == nil {
				tv.dims, err = DecodeShape(sub)
			}
		case tensorContent:
			tv.content, err = r.Bytes()
		case tensorFloat:
			tv.floats, err = r.Float32s(typ, tv.floats)
		case tensorDouble:
			tv.doubles, err = r.Float64s(typ, tv.doubles)
		case tensorInt, tensorInt64, tensorHalf:
			tv.ints, err = r.Varints(typ, tv.ints)
		default:
			err = r.Skip(num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
	return tv.build()
}

// DecodeShape decodes a TensorShapeProto. Unknown dimensions yield an
// error matching ErrUnsupported.
func DecodeShape(r *pbwire.Reader) ([]int, error) {
	dims := []int{}
	for {
		num, typ, err := r.Next()
		if errors.Is(err, io.EOF) {
			return dims, nil
		}
		if err != nil {
			return nil, err
		}
		if num != shapeDim {
			if err := r.Skip(num, typ); err != nil {
				return nil, err
			}
			continue
		}
		dim, err := r.Message()
		if err != nil {
			return nil, err
		}
		size := int64(-1)
		for {
			dnum, dtyp, err := dim.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			if dnum == dimSize {
				if size, err = dim.Int64(); err != nil {
					return nil, err
				}
				continue
			}
			if err := dim.Skip(dnum, dtyp); err != nil {
				return nil, err
			}
		}
		if size < 0 {
			return nil, fmt.Errorf("%w: unknown dimension", ErrUnsupported)
		}
		dims = append(dims, int(size))
	}
}

func (tv *tensorValues) build() (*tensor.RawTensor, error) {
	shape := tensor.Shape(tv.dims)
	n := shape.NumElements()

	switch tv.dtype {
	case DTFloat:
		out, err := tensor.NewRaw(shape, tensor.Float32)
		if err != nil {
			return nil, err
		}
		dst := out.AsFloat32()
		if tv.content != nil {
			if len(tv.content) != 4*n {
				return nil, fmt.Errorf("tensor_content has %d bytes, want %d", len(tv.content), 4*n)
			}
			for i := range dst {
				dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(tv.content[4*i:]))
			}
			return out, nil
		}
		return out, fill(len(tv.floats), n, func(i, j int) { dst[i] = tv.floats[j] })

	case DTHalf:
		out, err := tensor.NewRaw(shape, tensor.Float32)
		if err != nil {
			return nil, err
		}
		dst := out.AsFloat32()
		if tv.content != nil {
			if len(tv.content) != 2*n {
				return nil, fmt.Errorf("tensor_content has %d bytes, want %d", len(tv.content), 2*n)
			}
			for i := range dst {
				dst[i] = float16.Frombits(binary.LittleEndian.Uint16(tv.content[2*i:])).Float32()
			}
			return out, nil
		}
		return out, fill(len(tv.ints), n, func(i, j int) {
			dst[i] = float16.Frombits(uint16(tv.ints[j])).Float32() //nolint:gosec // G115: half_val carries 16-bit patterns.
		})

	case DTDouble:
		out, err := tensor.NewRaw(shape, tensor.Float64)
		if err != nil {
			return nil, err
		}
		dst := out.AsFloat64()
		if tv.content != nil {
			if len(tv.content) != 8*n {
				return nil, fmt.Errorf("tensor_content has %d bytes, want %d", len(tv.content), 8*n)
			}
			for i := range dst {
				dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(tv.content[8*i:]))
			}
			return out, nil
		}
		return out, fill(len(tv.doubles), n, func(i, j int) { dst[i] = tv.doubles[j] })

	case DTInt32:
		out, err := tensor.NewRaw(shape, tensor.Int32)
		if err != nil {
			return nil, err
		}
		dst := out.AsInt32()
		if tv.content != nil {
			if len(tv.content) != 4*n {
				return nil, fmt.Errorf("tensor_content has %d bytes, want %d", len(tv.content), 4*n)
			}
			for i := range dst {
				dst[i] = int32(binary.LittleEndian.Uint32(tv.content[4*i:])) //nolint:gosec // G115: bit reinterpretation.
			}
			return out, nil
		}
		return out, fill(len(tv.ints), n, func(i, j int) {
			dst[i] = int32(tv.ints[j]) //nolint:gosec // G115: int_val is int32 on the wire.
		})

	case DTInt64:
		out, err := tensor.NewRaw(shape, tensor.Int64)
		if err != nil {
			return nil, err
		}
		dst := out.AsInt64()
		if tv.content != nil {
			if len(tv.content) != 8*n {
				return nil, fmt.Errorf("tensor_content has %d bytes, want %d", len(tv.content), 8*n)
			}
			for i := range dst {
				dst[i] = int64(binary.LittleEndian.Uint64(tv.content[8*i:])) //nolint:gosec // G115: bit reinterpretation.
			}
			return out, nil
		}
		return out, fill(len(tv.ints), n, func(i, j int) {
			dst[i] = int64(tv.ints[j]) //nolint:gosec // G115: two's complement.
		})

	default:
		return nil, fmt.Errorf("%w: dtype %d", ErrUnsupported, tv.dtype)
	}
}

// fill expands a typed value list to n elements. TensorFlow repeats the
// last value when fewer values than elements are stored, which covers the
// common single-value splat; an empty list means zeros.
func fill(have, n int, set func(i, j int)) error {
	if have > n {
		return fmt.Errorf("tensor has %d values for %d elements", have, n)
	}
	if have == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		j := i
		if j >= have {
			j = have - 1
		}
		set(i, j)
	}
	return nil
}
