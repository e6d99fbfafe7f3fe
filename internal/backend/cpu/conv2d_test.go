package cpu

import (
	"math/rand"
	"testing"

	"github.com/born-ml/stemconv/internal/parallel"
	"github.com/born-ml/stemconv/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randTensor(t *testing.T, rng *rand.Rand, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	vals := make([]float32, shape.NumElements())
	for i := range vals {
		vals[i] = rng.Float32()*2 - 1
	}
	x, err := tensor.FromFloat32(vals, shape)
	require.NoError(t, err)
	return x
}

// naiveConv2D is a direct-summation reference for Conv2D.
func naiveConv2D(x, k, b *tensor.RawTensor, p Conv2DParams) ([]float32, tensor.Shape) {
	xs, ks := x.Shape(), k.Shape()
	N, C, H, W := xs[0], xs[1], xs[2], xs[3]
	CO, KH, KW := ks[0], ks[2], ks[3]
	HO, WO := p.OutputSize(H, W, KH, KW)
	xd, kd := x.AsFloat32(), k.AsFloat32()
	out := make([]float32, N*CO*HO*WO)
	for n := 0; n < N; n++ {
		for co := 0; co < CO; co++ {
			for oh := 0; oh < HO; oh++ {
				for ow := 0; ow < WO; ow++ {
					var sum float32
					if b != nil {
						sum = b.AsFloat32()[co]
					}
					for c := 0; c < C; c++ {
						for kh := 0; kh < KH; kh++ {
							for kw := 0; kw < KW; kw++ {
								h := oh*p.Stride - p.PadTop + kh*p.Dilation
								w := ow*p.Stride - p.PadLeft + kw*p.Dilation
								if h < 0 || h >= H || w < 0 || w >= W {
									continue
								}
								sum += xd[((n*C+c)*H+h)*W+w] * kd[((co*C+c)*KH+kh)*KW+kw]
							}
						}
					}
					out[((n*CO+co)*HO+oh)*WO+ow] = sum
				}
			}
		}
	}
	return out, tensor.Shape{N, CO, HO, WO}
}

// TestConv2D_BasicForward tests basic Conv2D forward pass.
func TestConv2D_BasicForward(t *testing.T) {
	backend := New()

	// Input: [1, 1, 3, 3]
	// 1 2 3
	// 4 5 6
	// 7 8 9
	input, err := tensor.FromFloat32([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, tensor.Shape{1, 1, 3, 3})
	require.NoError(t, err)

	// Kernel: [1, 1, 2, 2] diagonal
	kernel, err := tensor.FromFloat32([]float32{1, 0, 0, 1}, tensor.Shape{1, 1, 2, 2})
	require.NoError(t, err)

	output := backend.Conv2D(input, kernel, nil, Conv2DParams{Stride: 1})

	require.Equal(t, tensor.Shape{1, 1, 2, 2}, output.Shape())
	assert.Equal(t, []float32{6, 8, 12, 14}, output.AsFloat32())
}

// TestConv2D_AsymmetricPadStride2 covers the encoder geometry: 5x5 kernel,
// stride 2, pad 1 before and 2 after halves an even input exactly.
func TestConv2D_AsymmetricPadStride2(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	backend := New()
	x := randTensor(t, rng, tensor.Shape{2, 3, 8, 12})
	k := randTensor(t, rng, tensor.Shape{4, 3, 5, 5})
	b := randTensor(t, rng, tensor.Shape{4})
	p := Conv2DParams{Stride: 2, Dilation: 1, PadTop: 1, PadLeft: 1, PadBottom: 2, PadRight: 2}

	got := backend.Conv2D(x, k, b, p)
	want, shape := naiveConv2D(x, k, b, p)

	require.Equal(t, tensor.Shape{2, 4, 4, 6}, got.Shape())
	require.Equal(t, shape, got.Shape())
	assert.InDeltaSlice(t, want, got.AsFloat32(), 1e-4)
}

// TestConv2D_Dilated covers the output head geometry: 4x4 kernel,
// dilation 2, padding 3 keeps spatial size.
func TestConv2D_Dilated(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	backend := NewWithConfig(parallel.Sequential())
	x := randTensor(t, rng, tensor.Shape{1, 1, 6, 10})
	k := randTensor(t, rng, tensor.Shape{2, 1, 4, 4})
	b := randTensor(t, rng, tensor.Shape{2})
	p := Conv2DParams{Stride: 1, Dilation: 2, PadTop: 3, PadLeft: 3, PadBottom: 3, PadRight: 3}

	got := backend.Conv2D(x, k, b, p)
	want, _ := naiveConv2D(x, k, b, p)

	require.Equal(t, tensor.Shape{1, 2, 6, 10}, got.Shape())
	assert.InDeltaSlice(t, want, got.AsFloat32(), 1e-4)
}

func TestConv2D_ChannelMismatchPanics(t *testing.T) {
	backend := New()
	x, _ := tensor.NewRaw(tensor.Shape{1, 2, 4, 4}, tensor.Float32)
	k, _ := tensor.NewRaw(tensor.Shape{1, 3, 2, 2}, tensor.Float32)
	assert.Panics(t, func() { backend.Conv2D(x, k, nil, Conv2DParams{Stride: 1}) })
}

func TestConv2D_DeterministicAcrossParallelism(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := randTensor(t, rng, tensor.Shape{1, 4, 16, 16})
	k := randTensor(t, rng, tensor.Shape{8, 4, 5, 5})
	p := Conv2DParams{Stride: 2, Dilation: 1, PadTop: 1, PadLeft: 1, PadBottom: 2, PadRight: 2}

	seq := NewWithConfig(parallel.Sequential()).Conv2D(x, k, nil, p)
	par := NewWithConfig(parallel.Config{Enabled: true, NumWorkers: 4, MinChunkSize: 1}).Conv2D(x, k, nil, p)
	assert.Equal(t, seq.AsFloat32(), par.AsFloat32())
}
