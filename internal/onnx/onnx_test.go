package onnx_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/stemconv/internal/backend/cpu"
	"github.com/born-ml/stemconv/internal/config"
	"github.com/born-ml/stemconv/internal/nn"
	"github.com/born-ml/stemconv/internal/nn/nntest"
	"github.com/born-ml/stemconv/internal/onnx"
	"github.com/born-ml/stemconv/internal/tensor"
)

func sampleModel() *onnx.ModelProto {
	return &onnx.ModelProto{
		IRVersion:       7,
		ProducerName:    "test",
		ProducerVersion: "0.1",
		ModelVersion:    3,
		DocString:       "doc",
		OpsetImport:     []onnx.OperatorSetID{{Version: 13}},
		MetadataProps:   []onnx.StringStringEntry{{Key: "stems", Value: "2"}, {Key: "empty", Value: "x"}},
		Graph: &onnx.GraphProto{
			Name: "g",
			Nodes: []onnx.NodeProto{{
				Name:    "/Slice",
				OpType:  "Slice",
				Inputs:  []string{"x", "starts", "ends"},
				Outputs: []string{"y"},
				Attributes: []onnx.AttributeProto{
					{Name: "f", Type: onnx.AttributeProtoFloat, F: -0.5},
					{Name: "i", Type: onnx.AttributeProtoInt, I: -3},
					{Name: "s", Type: onnx.AttributeProtoString, S: []byte("abc")},
					{Name: "fs", Type: onnx.AttributeProtoFloats, Floats: []float32{1, 2.5}},
					{Name: "is", Type: onnx.AttributeProtoInts, Ints: []int64{-2, math.MaxInt64}},
					{Name: "ss", Type: onnx.AttributeProtoStrings, Strings: [][]byte{[]byte("a"), []byte("b")}},
				},
			}},
			Initializers: []onnx.TensorProto{
				{Name: "starts", DataType: onnx.TensorProtoInt64, Dims: []int64{2}, Int64Data: []int64{1, -1}},
				{Name: "w", DataType: onnx.TensorProtoFloat, Dims: []int64{1, 2}, RawData: []byte{0, 0, 128, 63, 0, 0, 0, 64}},
				{Name: "legacy", DataType: onnx.TensorProtoFloat, Dims: []int64{2}, FloatData: []float32{3, 4}},
			},
			Inputs: []onnx.ValueInfoProto{{
				Name: "x",
				Type: &onnx.TypeProto{TensorType: &onnx.TensorTypeProto{
					ElemType: onnx.TensorProtoFloat,
					Shape: &onnx.TensorShapeProto{Dims: []onnx.DimensionProto{
						{DimValue: 2}, {DimParam: "num_splits"}, {DimValue: 512}, {DimValue: 1024},
					}},
				}},
			}},
			Outputs: []onnx.ValueInfoProto{{Name: "y"}},
		},
	}
}

func TestMarshalParseRoundTrip(t *testing.T) {
	want := sampleModel()
	got, err := onnx.Parse(onnx.Marshal(want))
	require.NoError(t, err)

	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(13), got.DefaultOpset())
	assert.Equal(t, map[string]string{"stems": "2", "empty": "x"}, got.Metadata())

	node := &got.Graph.Nodes[0]
	assert.Equal(t, int64(-3), node.AttrInt("i", 0))
	assert.Equal(t, float32(-0.5), node.AttrFloat("f", 0))
	assert.Equal(t, []int64{-2, math.MaxInt64}, node.AttrInts("is"))
	assert.Equal(t, int64(9), node.AttrInt("missing", 9))
	assert.Nil(t, node.AttrInts("missing"))
}

func TestParseErrors(t *testing.T) {
	_, err := onnx.Parse([]byte{0x3a, 0x05, 0x01}) // graph field, truncated
	require.Error(t, err)

	_, err = onnx.ParseFile(filepath.Join(t.TempDir(), "missing.onnx"))
	require.Error(t, err)
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.onnx")
	require.NoError(t, onnx.WriteFile(path, sampleModel()))

	got, err := onnx.ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "g", got.Graph.Name)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func traceUNet(t *testing.T, act config.Activation, mode config.OutputMode, seed int64) (*nn.UNet, *onnx.ModelProto) {
	t.Helper()
	u, err := nn.NewUNet(act, mode, nntest.RandomAssignment(t, seed))
	require.NoError(t, err)
	m, err := onnx.Trace(u, onnx.DefaultTraceOptions())
	require.NoError(t, err)
	return u, m
}

func TestTraceStructure(t *testing.T) {
	_, m := traceUNet(t, config.ActivationLeakyReLU, config.OutputSigmoidMask, 1)

	assert.Equal(t, int64(onnx.IRVersion), m.IRVersion)
	assert.Equal(t, int64(onnx.OpsetVersion), m.DefaultOpset())
	assert.Equal(t, "[2 1 512 1024]", m.Metadata()[onnx.MetaTraceShape])

	info := onnx.Describe(m)
	require.Len(t, info.Inputs, 1)
	require.Len(t, info.Outputs, 1)
	assert.Equal(t, "x[2 num_splits 512 1024]", info.Inputs[0].String())
	assert.Equal(t, "y[2 num_splits 512 1024]", info.Outputs[0].String())

	assert.Equal(t, map[string]int{
		"Transpose":          2,
		"Conv":               7,
		"BatchNormalization": 11,
		"LeakyRelu":          5,
		"Relu":               5,
		"ConvTranspose":      6,
		"Slice":              6,
		"Concat":             5,
		"Sigmoid":            1,
		"Mul":                1,
		"Identity":           1,
	}, info.OpCounts)

	// 70 parameters plus starts/ends/axes per Slice.
	assert.Equal(t, 70+3*6, info.WeightCount)
	for _, slot := range nn.UNetSchema().Slots() {
		found := false
		for i := range m.Graph.Initializers {
			if m.Graph.Initializers[i].Name == slot.Key {
				found = true
				break
			}
		}
		assert.True(t, found, "initializer %s", slot.Key)
	}
}

// The last decoder stage ends at batch norm: the head convolution reads a
// BatchNormalization output, not an activation.
func TestHeadReadsLastDecoderNorm(t *testing.T) {
	for _, act := range []config.Activation{config.ActivationLeakyReLU, config.ActivationELU} {
		_, m := traceUNet(t, act, config.OutputSigmoidMask, 1)
		producer := make(map[string]string)
		for _, node := range m.Graph.Nodes {
			for _, out := range node.Outputs {
				producer[out] = node.OpType
			}
		}
		var head *onnx.NodeProto
		for i := range m.Graph.Nodes {
			node := &m.Graph.Nodes[i]
			if node.OpType == "Conv" && len(node.Inputs) > 1 && node.Inputs[1] == "head.kernel" {
				head = node
			}
		}
		require.NotNil(t, head, string(act))
		assert.Equal(t, "BatchNormalization", producer[head.Inputs[0]], string(act))
	}
}

func TestTraceELULogit(t *testing.T) {
	_, m := traceUNet(t, config.ActivationELU, config.OutputSoftmaxLogit, 2)
	info := onnx.Describe(m)
	assert.Equal(t, 10, info.OpCounts["Elu"])
	assert.Zero(t, info.OpCounts["Sigmoid"])
	assert.Zero(t, info.OpCounts["LeakyRelu"])
	assert.Zero(t, info.OpCounts["Relu"])
}

func TestTraceRejectsBadShape(t *testing.T) {
	u, err := nn.NewUNet(config.ActivationELU, config.OutputSigmoidMask, nntest.RandomAssignment(t, 3))
	require.NoError(t, err)
	opts := onnx.DefaultTraceOptions()
	opts.Shape = tensor.Shape{2, 1, 500, 1024}
	_, err = onnx.Trace(u, opts)
	require.Error(t, err)
}

// The traced graph, evaluated by the ONNX evaluator on a smaller input than
// the trace shape, matches the direct forward pass.
func TestTracedGraphMatchesExecutor(t *testing.T) {
	for _, tc := range []struct {
		act  config.Activation
		mode config.OutputMode
	}{
		{config.ActivationLeakyReLU, config.OutputSigmoidMask},
		{config.ActivationELU, config.OutputSoftmaxLogit},
	} {
		t.Run(string(tc.act)+"/"+string(tc.mode), func(t *testing.T) {
			u, m := traceUNet(t, tc.act, tc.mode, 4)
			backend := cpu.New()

			model, err := onnx.NewModel(m, backend)
			require.NoError(t, err)
			assert.Equal(t, []string{"x"}, model.InputNames())
			assert.Equal(t, []string{"y"}, model.OutputNames())

			x := nntest.RandomInput(t, 5, 2, 64, 128)
			got, err := model.Forward(x)
			require.NoError(t, err)
			want, err := nn.NewExecutor(backend).Forward(u, x)
			require.NoError(t, err)

			require.Equal(t, want.Shape(), got.Shape())
			assert.InDeltaSlice(t, toFloat64(want.AsFloat32()), toFloat64(got.AsFloat32()), 1e-5)
		})
	}
}

func TestModelFromFile(t *testing.T) {
	_, m := traceUNet(t, config.ActivationELU, config.OutputSigmoidMask, 6)
	path := filepath.Join(t.TempDir(), "vocals.onnx")
	require.NoError(t, onnx.WriteFile(path, m))

	model, err := onnx.Load(path, cpu.New())
	require.NoError(t, err)
	assert.Equal(t, int64(13), model.OpsetVersion())

	info, err := onnx.GetModelInfo(path)
	require.NoError(t, err)
	assert.Equal(t, onnx.ProducerName, info.ProducerName)

	var want int64
	for _, slot := range nn.UNetSchema().Slots() {
		want += int64(slot.Shape.NumElements())
	}
	want += 6 * 3 * 2 // two-element starts, ends and axes per Slice
	assert.Equal(t, want, info.ParameterCount)
	assert.Equal(t, []string{
		"BatchNormalization", "Concat", "Conv", "ConvTranspose", "Elu",
		"Identity", "Mul", "Sigmoid", "Slice", "Transpose",
	}, info.Ops())
}

func toFloat64(vs []float32) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = float64(v)
	}
	return out
}

func TestRegistry(t *testing.T) {
	r := onnx.NewRegistry()
	ops := r.SupportedOps()
	assert.Contains(t, ops, "Slice")
	assert.IsNonDecreasing(t, ops)

	_, err := r.Execute(cpu.New(), &onnx.NodeProto{OpType: "Gemm"}, nil)
	require.ErrorContains(t, err, "unsupported operator")

	_, err = onnx.NewModel(&onnx.ModelProto{Graph: &onnx.GraphProto{
		Nodes: []onnx.NodeProto{{OpType: "Gemm", Outputs: []string{"y"}}},
	}}, cpu.New())
	require.ErrorContains(t, err, "Gemm")

	_, err = onnx.NewModel(&onnx.ModelProto{}, cpu.New())
	require.Error(t, err)
}

func int64Tensor(t *testing.T, vs ...int64) *tensor.RawTensor {
	t.Helper()
	x, err := tensor.NewRaw(tensor.Shape{len(vs)}, tensor.Int64)
	require.NoError(t, err)
	copy(x.AsInt64(), vs)
	return x
}

func TestSliceHandler(t *testing.T) {
	r := onnx.NewRegistry()
	data := make([]float32, 6*6)
	for i := range data {
		data[i] = float32(i)
	}
	x, err := tensor.FromFloat32(data, tensor.Shape{1, 1, 6, 6})
	require.NoError(t, err)

	slice := &onnx.NodeProto{OpType: "Slice"}
	outs, err := r.Execute(cpu.New(), slice, []*tensor.RawTensor{
		x, int64Tensor(t, 1, 1), int64Tensor(t, -2, math.MaxInt64), int64Tensor(t, 2, 3),
	})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, tensor.Shape{1, 1, 3, 5}, outs[0].Shape())
	assert.Equal(t, []float32{7, 8, 9, 10, 11}, outs[0].AsFloat32()[:5])

	_, err = r.Execute(cpu.New(), slice, []*tensor.RawTensor{
		x, int64Tensor(t, 0), int64Tensor(t, 1), int64Tensor(t, 1),
	})
	require.ErrorContains(t, err, "axis")

	// Backend panics surface as errors.
	_, err = r.Execute(cpu.New(), &onnx.NodeProto{OpType: "Mul"}, []*tensor.RawTensor{x, outs[0]})
	require.ErrorContains(t, err, "shape mismatch")
}

func TestVerify(t *testing.T) {
	t.Run("exported graph matches", func(t *testing.T) {
		for _, tc := range []struct {
			act  config.Activation
			mode config.OutputMode
		}{
			{config.ActivationLeakyReLU, config.OutputSigmoidMask},
			{config.ActivationELU, config.OutputSoftmaxLogit},
		} {
			_, m := traceUNet(t, tc.act, tc.mode, 8)
			res, err := onnx.Verify(m, cpu.New(), onnx.DefaultVerifyShape, 1)
			require.NoError(t, err)
			assert.True(t, res.OK(), "max abs diff %g", res.MaxAbsDiff)
			assert.Equal(t, tc.act, res.Activation)
			assert.Equal(t, tc.mode, res.OutputMode)
			assert.Equal(t, onnx.DefaultVerifyShape, res.Shape)
		}
	})

	t.Run("altered node attribute is detected", func(t *testing.T) {
		_, m := traceUNet(t, config.ActivationLeakyReLU, config.OutputSigmoidMask, 8)
		for i := range m.Graph.Nodes {
			node := &m.Graph.Nodes[i]
			if node.OpType != "LeakyRelu" {
				continue
			}
			for j := range node.Attributes {
				if node.Attributes[j].Name == "alpha" {
					node.Attributes[j].F = 0.9
				}
			}
		}
		res, err := onnx.Verify(m, cpu.New(), onnx.DefaultVerifyShape, 1)
		require.NoError(t, err)
		assert.False(t, res.OK())
	})

	t.Run("missing initializer", func(t *testing.T) {
		_, m := traceUNet(t, config.ActivationELU, config.OutputSigmoidMask, 8)
		key := nn.UNetSchema().Slots()[0].Key
		kept := m.Graph.Initializers[:0]
		for _, tp := range m.Graph.Initializers {
			if tp.Name != key {
				kept = append(kept, tp)
			}
		}
		m.Graph.Initializers = kept
		_, err := onnx.Rebuild(m)
		require.ErrorContains(t, err, "missing initializer "+key)
	})

	t.Run("bad shape", func(t *testing.T) {
		_, m := traceUNet(t, config.ActivationELU, config.OutputSigmoidMask, 8)
		_, err := onnx.Verify(m, cpu.New(), tensor.Shape{2, 1, 60, 128}, 1)
		require.Error(t, err)
	})
}
