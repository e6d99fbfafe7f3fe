package cpu

import (
	"math/rand"
	"testing"

	"github.com/born-ml/stemconv/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvTranspose2D_SinglePixel(t *testing.T) {
	backend := New()

	// One input pixel of value 2 scatters 2*kernel into the output.
	x, err := tensor.FromFloat32([]float32{2}, tensor.Shape{1, 1, 1, 1})
	require.NoError(t, err)
	k, err := tensor.FromFloat32([]float32{1, 2, 3, 4}, tensor.Shape{1, 1, 2, 2})
	require.NoError(t, err)
	b, err := tensor.FromFloat32([]float32{0.5}, tensor.Shape{1})
	require.NoError(t, err)

	out := backend.ConvTranspose2D(x, k, b, 2)
	require.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{2.5, 4.5, 6.5, 8.5}, out.AsFloat32())
}

func TestConvTranspose2D_MatchesScatterDefinition(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	backend := New()
	x := randTensor(t, rng, tensor.Shape{2, 3, 4, 5})
	k := randTensor(t, rng, tensor.Shape{3, 2, 5, 5})
	b := randTensor(t, rng, tensor.Shape{2})
	const stride = 2

	out := backend.ConvTranspose2D(x, k, b, stride)
	require.Equal(t, tensor.Shape{2, 2, 11, 13}, out.Shape())

	HO, WO := 11, 13
	want := make([]float32, 2*2*HO*WO)
	for n := 0; n < 2; n++ {
		for co := 0; co < 2; co++ {
			for i := 0; i < HO*WO; i++ {
				want[(n*2+co)*HO*WO+i] = b.AsFloat32()[co]
			}
		}
	}
	xd, kd := x.AsFloat32(), k.AsFloat32()
	for n := 0; n < 2; n++ {
		for ci := 0; ci < 3; ci++ {
			for ih := 0; ih < 4; ih++ {
				for iw := 0; iw < 5; iw++ {
					v := xd[((n*3+ci)*4+ih)*5+iw]
					for co := 0; co < 2; co++ {
						for kh := 0; kh < 5; kh++ {
							for kw := 0; kw < 5; kw++ {
								oh, ow := ih*stride+kh, iw*stride+kw
								want[((n*2+co)*HO+oh)*WO+ow] += v * kd[((ci*2+co)*5+kh)*5+kw]
							}
						}
					}
				}
			}
		}
	}
	assert.InDeltaSlice(t, want, out.AsFloat32(), 1e-4)
}

// TestConvTranspose2D_CropRestoresSize checks the decoder geometry: after a
// 5x5 stride-2 transposed conv, cropping [1:-2] yields exactly 2x the input.
func TestConvTranspose2D_CropRestoresSize(t *testing.T) {
	backend := New()
	x, _ := tensor.NewRaw(tensor.Shape{1, 4, 8, 16}, tensor.Float32)
	k, _ := tensor.NewRaw(tensor.Shape{4, 2, 5, 5}, tensor.Float32)

	up := backend.ConvTranspose2D(x, k, nil, 2)
	require.Equal(t, tensor.Shape{1, 2, 19, 35}, up.Shape())

	cropped := backend.Crop2D(up, 1, 1, 2, 2)
	assert.Equal(t, tensor.Shape{1, 2, 16, 32}, cropped.Shape())
}
