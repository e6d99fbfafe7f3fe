package convert_test

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/stemconv/internal/config"
	"github.com/born-ml/stemconv/internal/convert"
	"github.com/born-ml/stemconv/internal/convert/converttest"
	"github.com/born-ml/stemconv/internal/nn"
	"github.com/born-ml/stemconv/internal/tensor"
)

func variant(t *testing.T, name string) *config.Variant {
	t.Helper()
	table, err := config.Default()
	require.NoError(t, err)
	v, err := table.Variant(name)
	require.NoError(t, err)
	return v
}

func TestResolveIsPure(t *testing.T) {
	v := variant(t, "5stems")
	r1, err := convert.NewResolver(v)
	require.NoError(t, err)
	r2, err := convert.NewResolver(v)
	require.NoError(t, err)

	for inst := 0; inst < v.NumStems(); inst++ {
		for _, slot := range nn.UNetSchema().Slots() {
			a, err := r1.Resolve(inst, slot.Key)
			require.NoError(t, err)
			b, err := r1.Resolve(inst, slot.Key)
			require.NoError(t, err)
			c, err := r2.Resolve(inst, slot.Key)
			require.NoError(t, err)
			assert.Equal(t, a, b)
			assert.Equal(t, a, c)
		}
	}
}

// suffixOffset extracts N from "base_N/role", 0 for "base/role".
func suffixOffset(t *testing.T, name, base string) int {
	t.Helper()
	op := name[:strings.IndexByte(name, '/')]
	if op == base {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(op, base+"_"))
	require.NoError(t, err, name)
	return n
}

func TestOffsetArithmetic(t *testing.T) {
	for _, name := range []string{"2stems", "4stems", "5stems"} {
		v := variant(t, name)
		r, err := convert.NewResolver(v)
		require.NoError(t, err)

		for k := 0; k < v.NumStems(); k++ {
			for _, slot := range nn.UNetSchema().Slots() {
				got, err := r.Resolve(k, slot.Key)
				require.NoError(t, err)

				var base string
				var want int
				switch slot.Kind {
				case config.KindConv:
					base, want = "conv2d", k*7+slot.Position
				case config.KindConvTranspose:
					base, want = "conv2d_transpose", k*6+slot.Position
				case config.KindNorm:
					local := slot.Position
					if local >= 5 {
						local++ // offset 5 is never used
					}
					base, want = "batch_normalization", k*12+local
				}
				assert.Equal(t, want, suffixOffset(t, got, base), "%s instrument %d slot %s -> %s", name, k, slot.Key, got)
			}
		}
	}
}

func TestResolveExamples(t *testing.T) {
	r, err := convert.NewResolver(variant(t, "4stems"))
	require.NoError(t, err)

	tests := []struct {
		inst int
		slot string
		want string
	}{
		{0, "encoder.layer[0].kernel", "conv2d/kernel"},
		{0, "encoder.norm[0].scale", "batch_normalization/gamma"},
		{0, "decoder.layer[0].bias", "conv2d_transpose/bias"},
		{0, "decoder.norm[0].shift", "batch_normalization_6/beta"},
		{0, "head.kernel", "conv2d_6/kernel"},
		{1, "encoder.layer[0].kernel", "conv2d_7/kernel"},
		{1, "encoder.norm[0].mean", "batch_normalization_12/moving_mean"},
		{1, "decoder.norm[5].variance", "batch_normalization_23/moving_variance"},
		{3, "head.bias", "conv2d_27/bias"},
		{3, "decoder.layer[5].kernel", "conv2d_transpose_23/kernel"},
	}
	for _, tt := range tests {
		got, err := r.Resolve(tt.inst, tt.slot)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err = r.Resolve(4, "head.bias")
	require.ErrorIs(t, err, convert.ErrParameterNotFound)
	_, err = r.Resolve(-1, "head.bias")
	require.ErrorIs(t, err, convert.ErrParameterNotFound)
}

// Scenario: a two-instrument graph with every tensor present converts both
// instruments with no missing slots, and the kernels come back in module
// layout.
func TestTransferTwoInstruments(t *testing.T) {
	v := variant(t, "2stems")
	insts := converttest.Tensors(t, v, 2, 100)
	g := converttest.Graph(t, converttest.Merge(insts))
	assert.Equal(t, 2*70, g.Len())

	r, err := convert.NewResolver(v)
	require.NoError(t, err)

	for k := range insts {
		a, err := convert.Transfer(g, r, k)
		require.NoError(t, err, "instrument %d", k)
		for _, slot := range nn.UNetSchema().Slots() {
			require.Equal(t, insts[k].Slots[slot.Key].AsFloat32(), a.Tensor(slot.Key).AsFloat32(),
				"instrument %d slot %s", k, slot.Key)
		}
	}
}

// Scenario: a graph holding only instrument 0 fails for instrument 1 with
// ParameterNotFoundError naming the missing tensor.
func TestTransferMissingInstrument(t *testing.T) {
	v := variant(t, "2stems")
	insts := converttest.Tensors(t, v, 1, 100)
	g := converttest.Graph(t, converttest.Merge(insts))
	r, err := convert.NewResolver(v)
	require.NoError(t, err)

	_, err = convert.Transfer(g, r, 0)
	require.NoError(t, err)

	_, err = convert.Transfer(g, r, 1)
	require.ErrorIs(t, err, convert.ErrParameterNotFound)

	var pnf *convert.ParameterNotFoundError
	require.True(t, errors.As(err, &pnf))
	assert.Equal(t, "2stems", pnf.Variant)
	assert.Equal(t, 1, pnf.Instrument)
	assert.Equal(t, "encoder.layer[0].kernel", pnf.Slot)
	assert.Equal(t, "conv2d_7/kernel", pnf.Name)
	assert.Contains(t, err.Error(), "conv2d_7/kernel")
}

func TestTransferShapeMismatch(t *testing.T) {
	v := variant(t, "2stems")
	insts := converttest.Tensors(t, v, 1, 100)
	named := insts[0].Named

	tests := []struct {
		name   string
		tensor string
		shape  tensor.Shape
	}{
		{"transposed kernel channels", "conv2d_transpose_1/kernel", tensor.Shape{5, 5, 64, 512}},
		{"norm width", "batch_normalization_6/gamma", tensor.Shape{128}},
		{"kernel rank", "conv2d_6/kernel", tensor.Shape{4, 4, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad, err := tensor.NewRaw(tt.shape, tensor.Float32)
			require.NoError(t, err)
			patched := make(map[string]*tensor.RawTensor, len(named))
			for k, val := range named {
				patched[k] = val
			}
			patched[tt.tensor] = bad

			r, err := convert.NewResolver(v)
			require.NoError(t, err)
			_, err = convert.Transfer(converttest.Graph(t, patched), r, 0)
			require.ErrorIs(t, err, convert.ErrShapeMismatch)
			assert.False(t, errors.Is(err, convert.ErrParameterNotFound))

			var sm *convert.ShapeMismatchError
			require.ErrorAs(t, err, &sm)
			assert.Equal(t, tt.tensor, sm.Name)
		})
	}
}

func TestErrorSentinels(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	errs := []struct {
		err      error
		sentinel error
	}{
		{&convert.AcquisitionError{Variant: "2stems", Source: "u", Err: cause}, convert.ErrAcquisition},
		{&convert.GraphFreezeError{Variant: "2stems", Dir: "d", Err: cause}, convert.ErrGraphFreeze},
		{&convert.ExportError{Variant: "2stems", Instrument: "vocals", Path: "p", Err: cause}, convert.ErrExport},
	}
	for _, e := range errs {
		wrapped := fmt.Errorf("run: %w", e.err)
		assert.ErrorIs(t, wrapped, e.sentinel)
		assert.ErrorIs(t, wrapped, cause)
		assert.NotErrorIs(t, wrapped, convert.ErrShapeMismatch)
	}
}
