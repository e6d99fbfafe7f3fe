package pbwire

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRoundTripFields(t *testing.T) {
	var w Writer
	w.Varint(1, 7)
	w.String(2, "conv2d_7/kernel")
	w.Message(3, func(m *Writer) {
		m.Int64(1, -2)
		m.Float32(2, 1.5)
	})
	w.PackedInt64s(4, []int64{5, 5, 1, 16})
	w.PackedFloat32s(5, []float32{0.25, -1})
	w.String(6, "") // omitted

	r := NewReader(w.Bytes())
	var got []protowire.Number
	for {
		num, typ, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, num)

		switch num {
		case 1:
			v, err := r.Varint()
			require.NoError(t, err)
			assert.Equal(t, uint64(7), v)
		case 2:
			s, err := r.String()
			require.NoError(t, err)
			assert.Equal(t, "conv2d_7/kernel", s)
		case 3:
			sub, err := r.Message()
			require.NoError(t, err)
			_, _, err = sub.Next()
			require.NoError(t, err)
			i, err := sub.Int64()
			require.NoError(t, err)
			assert.Equal(t, int64(-2), i)
			_, _, err = sub.Next()
			require.NoError(t, err)
			f, err := sub.Float32()
			require.NoError(t, err)
			assert.InDelta(t, 1.5, f, 0)
		case 4:
			vs, err := r.Varints(typ, nil)
			require.NoError(t, err)
			assert.Equal(t, []uint64{5, 5, 1, 16}, vs)
		case 5:
			fs, err := r.Float32s(typ, nil)
			require.NoError(t, err)
			assert.Equal(t, []float32{0.25, -1}, fs)
		default:
			require.NoError(t, r.Skip(num, typ))
		}
	}
	assert.Equal(t, []protowire.Number{1, 2, 3, 4, 5}, got)
}

func TestUnpackedRepeated(t *testing.T) {
	var buf []byte
	for _, v := range []uint64{3, 4} {
		buf = protowire.AppendTag(buf, 1, protowire.VarintType)
		buf = protowire.AppendVarint(buf, v)
	}
	r := NewReader(buf)
	var vs []uint64
	for {
		_, typ, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		vs, err = r.Varints(typ, vs)
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{3, 4}, vs)
}

func TestTruncatedInput(t *testing.T) {
	var w Writer
	w.String(1, "batch_normalization")
	data := w.Bytes()

	r := NewReader(data[:len(data)-3])
	_, _, err := r.Next()
	require.NoError(t, err)
	_, err = r.Bytes()
	require.Error(t, err)
}

func TestSkipUnknownFields(t *testing.T) {
	var w Writer
	w.Float32(9, 2)
	w.Varint(10, 300)
	w.String(1, "keep")

	r := NewReader(w.Bytes())
	for {
		num, typ, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if num != 1 {
			require.NoError(t, r.Skip(num, typ))
			continue
		}
		s, err := r.String()
		require.NoError(t, err)
		assert.Equal(t, "keep", s)
	}
}

func TestFields(t *testing.T) {
	var w Writer
	w.String(1, "x")
	w.Varint(2, 9)
	w.Int64(3, 4)

	var name string
	var n int64
	r := NewReader(w.Bytes())
	err := r.Fields(func(num protowire.Number, _ protowire.Type) (bool, error) {
		var err error
		switch num {
		case 1:
			name, err = r.String()
		case 3:
			n, err = r.Int64()
		default:
			return false, nil
		}
		return true, err
	})
	require.NoError(t, err)
	assert.Equal(t, "x", name)
	assert.Equal(t, int64(4), n)
}
