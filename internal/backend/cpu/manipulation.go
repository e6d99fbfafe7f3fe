package cpu

import (
	"fmt"

	"github.com/born-ml/stemconv/internal/tensor"
)

// Mul performs element-wise multiplication of two tensors of equal shape.
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	requireFloat32("mul", a, b)
	if !a.Shape().Equal(b.Shape()) {
		panic(fmt.Sprintf("mul: shape mismatch %v vs %v", a.Shape(), b.Shape()))
	}
	out := newFloat32("mul", a.Shape())
	x, y, dst := a.AsFloat32(), b.AsFloat32(), out.AsFloat32()
	for i := range dst {
		dst[i] = x[i] * y[i]
	}
	return out
}

// Permute reorders dimensions; see tensor.Permute.
func (cpu *CPUBackend) Permute(x *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	out, err := tensor.Permute(x, axes...)
	if err != nil {
		panic(fmt.Sprintf("permute: %v", err))
	}
	return out
}

// Cat concatenates tensors along dim. All other dimensions must match.
func (cpu *CPUBackend) Cat(dim int, ts ...*tensor.RawTensor) *tensor.RawTensor {
	if len(ts) == 0 {
		panic("cat: no tensors")
	}
	requireFloat32("cat", ts...)
	base := ts[0].Shape()
	if dim < 0 || dim >= len(base) {
		panic(fmt.Sprintf("cat: dimension %d out of range for rank %d", dim, len(base)))
	}

	outShape := base.Clone()
	outShape[dim] = 0
	for _, t := range ts {
		s := t.Shape()
		if len(s) != len(base) {
			panic(fmt.Sprintf("cat: rank mismatch %v vs %v", s, base))
		}
		for i := range s {
			if i != dim && s[i] != base[i] {
				panic(fmt.Sprintf("cat: shape mismatch %v vs %v at dim %d", s, base, i))
			}
		}
		outShape[dim] += s[dim]
	}

	out := newFloat32("cat", outShape)
	dst := out.AsFloat32()

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= base[i]
	}
	inner := 1
	for i := dim + 1; i < len(base); i++ {
		inner *= base[i]
	}

	pos := 0
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			block := t.Shape()[dim] * inner
			src := t.AsFloat32()[o*block : (o+1)*block]
			copy(dst[pos:pos+block], src)
			pos += block
		}
	}
	return out
}

// Crop2D removes rows/columns from the spatial borders of an NCHW tensor.
// Crop2D(x, 1, 1, 2, 2) keeps x[:, :, 1:-2, 1:-2].
func (cpu *CPUBackend) Crop2D(x *tensor.RawTensor, top, left, bottom, right int) *tensor.RawTensor {
	requireFloat32("crop2d", x)
	require4D("crop2d", "input", x)
	s := x.Shape()
	N, C, H, W := s[0], s[1], s[2], s[3]
	HOut := H - top - bottom
	WOut := W - left - right
	if top < 0 || left < 0 || bottom < 0 || right < 0 || HOut <= 0 || WOut <= 0 {
		panic(fmt.Sprintf("crop2d: cannot crop (%d,%d,%d,%d) from %v", top, left, bottom, right, s))
	}

	out := newFloat32("crop2d", tensor.Shape{N, C, HOut, WOut})
	src := x.AsFloat32()
	dst := out.AsFloat32()
	for p := 0; p < N*C; p++ {
		for h := 0; h < HOut; h++ {
			srcRow := src[p*H*W+(h+top)*W+left:]
			copy(dst[p*HOut*WOut+h*WOut:p*HOut*WOut+(h+1)*WOut], srcRow[:WOut])
		}
	}
	return out
}
