// Package nntest builds deterministic random parameters for the U-Net
// schema, for tests.
package nntest

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/born-ml/stemconv/internal/nn"
	"github.com/born-ml/stemconv/internal/tensor"
)

// RandomValues returns one tensor per schema slot. Kernels are scaled by
// 1/sqrt(fan-in) so activations stay bounded; variances are positive.
func RandomValues(seed int64) map[string]*tensor.RawTensor {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // deterministic test data
	values := make(map[string]*tensor.RawTensor)
	for _, slot := range nn.UNetSchema().Slots() {
		data := make([]float32, slot.Shape.NumElements())
		scale := 0.1
		if slot.Role == nn.RoleKernel {
			fanIn := slot.Shape.NumElements() / slot.Shape[0]
			scale = 1 / math.Sqrt(float64(fanIn))
		}
		for i := range data {
			switch slot.Role {
			case nn.RoleVariance:
				data[i] = float32(0.5 + rng.Float64())
			case nn.RoleScale:
				data[i] = float32(1 + 0.1*rng.NormFloat64())
			default:
				data[i] = float32(scale * rng.NormFloat64())
			}
		}
		t, err := tensor.FromFloat32(data, slot.Shape)
		if err != nil {
			panic(err)
		}
		values[slot.Key] = t
	}
	return values
}

// RandomAssignment validates RandomValues(seed) against the schema.
func RandomAssignment(t testing.TB, seed int64) *nn.Assignment {
	t.Helper()
	a, err := nn.NewAssignment(nn.UNetSchema(), RandomValues(seed))
	require.NoError(t, err)
	return a
}

// RandomInput returns a non-negative [2, batch, h, w] input, like a
// magnitude spectrogram.
func RandomInput(t testing.TB, seed int64, batch, h, w int) *tensor.RawTensor {
	t.Helper()
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // deterministic test data
	data := make([]float32, 2*batch*h*w)
	for i := range data {
		data[i] = rng.Float32()
	}
	x, err := tensor.FromFloat32(data, tensor.Shape{2, batch, h, w})
	require.NoError(t, err)
	return x
}
