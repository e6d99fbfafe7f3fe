package onnx

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/born-ml/stemconv/internal/backend/cpu"
	"github.com/born-ml/stemconv/internal/config"
	"github.com/born-ml/stemconv/internal/nn"
	"github.com/born-ml/stemconv/internal/tensor"
)

// DefaultVerifyShape keeps evaluation fast while still
// running every encoder stride and decoder crop.
var DefaultVerifyShape = tensor.Shape{2, 1, 64, 128}

// VerifyTolerance is the largest absolute difference accepted between the
// evaluated graph and the direct forward pass.
const VerifyTolerance = 1e-4

// VerifyResult compares an exported graph against the network rebuilt from
// its own initializers.
type VerifyResult struct {
	Activation config.Activation
	OutputMode config.OutputMode
	Shape      tensor.Shape
	MaxAbsDiff float64
}

// OK reports whether the difference is within VerifyTolerance.
func (r *VerifyResult) OK() bool {
	return r.MaxAbsDiff <= VerifyTolerance
}

// Rebuild recovers the U-Net an exported model was traced from. Parameters
// come from the initializers named by slot key; the activation and output
// mode are read off the operator set.
func Rebuild(m *ModelProto) (*nn.UNet, error) {
	if m == nil || m.Graph == nil {
		return nil, fmt.Errorf("model has no graph")
	}

	info := Describe(m)
	var act config.Activation
	switch {
	case info.OpCounts["Elu"] > 0:
		act = config.ActivationELU
	case info.OpCounts["LeakyRelu"] > 0:
		act = config.ActivationLeakyReLU
	default:
		return nil, fmt.Errorf("model has neither Elu nor LeakyRelu nodes")
	}
	mode := config.OutputSoftmaxLogit
	if info.OpCounts["Sigmoid"] > 0 {
		mode = config.OutputSigmoidMask
	}

	inits := make(map[string]*TensorProto, len(m.Graph.Initializers))
	for i := range m.Graph.Initializers {
		inits[m.Graph.Initializers[i].Name] = &m.Graph.Initializers[i]
	}
	schema := nn.UNetSchema()
	values := make(map[string]*tensor.RawTensor, schema.Len())
	for _, slot := range schema.Slots() {
		proto, ok := inits[slot.Key]
		if !ok {
			return nil, fmt.Errorf("missing initializer %s", slot.Key)
		}
		t, err := tensorFromProto(proto)
		if err != nil {
			return nil, fmt.Errorf("initializer %s: %w", slot.Key, err)
		}
		values[slot.Key] = t
	}

	params, err := nn.NewAssignment(schema, values)
	if err != nil {
		return nil, err
	}
	return nn.NewUNet(act, mode, params)
}

// Verify evaluates m on a seeded non-negative input of the given shape and
// compares the result with nn.Executor running the rebuilt network.
func Verify(m *ModelProto, backend *cpu.CPUBackend, shape tensor.Shape, seed int64) (*VerifyResult, error) {
	if err := nn.ValidateInput(shape); err != nil {
		return nil, err
	}
	u, err := Rebuild(m)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild network: %w", err)
	}
	model, err := NewModel(m, backend)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // reproducible test input
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = float32(math.Abs(rng.NormFloat64()))
	}
	x, err := tensor.FromFloat32(data, shape)
	if err != nil {
		return nil, err
	}

	got, err := model.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("graph evaluation failed: %w", err)
	}
	want, err := nn.NewExecutor(backend).Forward(u, x)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	if !want.Shape().Equal(got.Shape()) {
		return nil, fmt.Errorf("graph output shape %v, forward pass %v", got.Shape(), want.Shape())
	}

	res := &VerifyResult{Activation: u.Activation(), OutputMode: u.OutputMode(), Shape: shape.Clone()}
	g, w := got.AsFloat32(), want.AsFloat32()
	for i := range g {
		d := math.Abs(float64(g[i]) - float64(w[i]))
		if math.IsNaN(d) {
			d = math.Inf(1)
		}
		res.MaxAbsDiff = math.Max(res.MaxAbsDiff, d)
	}
	return res, nil
}
