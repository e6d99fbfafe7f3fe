package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/stemconv/internal/parallel"
	"github.com/born-ml/stemconv/internal/tensor"
)

// BatchNorm2D applies inference-mode batch normalization over the channel
// axis of an NCHW tensor using the supplied running statistics:
//
//	y = (x - mean) / sqrt(variance + eps) * gamma + beta
//
// Statistics are never updated.
func (cpu *CPUBackend) BatchNorm2D(x, gamma, beta, mean, variance *tensor.RawTensor, eps float32) *tensor.RawTensor {
	requireFloat32("batchnorm2d", x, gamma, beta, mean, variance)
	require4D("batchnorm2d", "input", x)

	shape := x.Shape()
	N, C := shape[0], shape[1]
	plane := shape[2] * shape[3]
	for i, p := range []*tensor.RawTensor{gamma, beta, mean, variance} {
		if len(p.Shape()) != 1 || p.Shape()[0] != C {
			panic(fmt.Sprintf("batchnorm2d: %s shape %v, want [%d]",
				[]string{"gamma", "beta", "mean", "variance"}[i], p.Shape(), C))
		}
	}

	g, b, m, v := gamma.AsFloat32(), beta.AsFloat32(), mean.AsFloat32(), variance.AsFloat32()
	scale := make([]float32, C)
	for c := 0; c < C; c++ {
		scale[c] = g[c] / float32(math.Sqrt(float64(v[c]+eps)))
	}

	out := newFloat32("batchnorm2d", shape)
	src := x.AsFloat32()
	dst := out.AsFloat32()
	parallel.ForBatch(N, C, func(n, c int) {
		item := n*C + c
		s, mu, sh := scale[c], m[c], b[c]
		in := src[item*plane : (item+1)*plane]
		o := dst[item*plane : (item+1)*plane]
		for i, val := range in {
			o[i] = (val-mu)*s + sh
		}
	}, cpu.par)
	return out
}
