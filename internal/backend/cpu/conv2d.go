package cpu

import (
	"fmt"

	"github.com/born-ml/stemconv/internal/tensor"
)

// Conv2DParams describes stride, dilation and (possibly asymmetric) zero
// padding of a 2D convolution.
type Conv2DParams struct {
	Stride   int
	Dilation int

	PadTop, PadLeft, PadBottom, PadRight int
}

// OutputSize returns the spatial output size for an h×w input and a kh×kw kernel.
//
//	out_h = (h + pad_top + pad_bottom - dilation*(kh-1) - 1) / stride + 1
func (p Conv2DParams) OutputSize(h, w, kh, kw int) (int, int) {
	effKH := p.Dilation*(kh-1) + 1
	effKW := p.Dilation*(kw-1) + 1
	hOut := (h+p.PadTop+p.PadBottom-effKH)/p.Stride + 1
	wOut := (w+p.PadLeft+p.PadRight-effKW)/p.Stride + 1
	return hOut, wOut
}

// Conv2D performs 2D convolution using im2col algorithm.
//
// Input shape: [batch, in_channels, height, width]
// Kernel shape: [out_channels, in_channels, kernel_h, kernel_w]
// Bias shape: [out_channels] (may be nil)
// Output shape: [batch, out_channels, out_h, out_w]
//
// Algorithm: Im2col
//  1. Transform one sample's patches into a [C_in*K_h*K_w, H_out*W_out] matrix
//  2. Treat the kernel as a [C_out, C_in*K_h*K_w] matrix
//  3. Multiply, one output channel per work item
//
// Reference: "High Performance Convolutional Neural Networks for Document Processing"
// (Chellapilla et al., 2006).
func (cpu *CPUBackend) Conv2D(input, kernel, bias *tensor.RawTensor, p Conv2DParams) *tensor.RawTensor {
	requireFloat32("conv2d", input, kernel, bias)
	require4D("conv2d", "input", input)
	require4D("conv2d", "kernel", kernel)
	if p.Stride <= 0 {
		p.Stride = 1
	}
	if p.Dilation <= 0 {
		p.Dilation = 1
	}

	inputShape := input.Shape()
	kernelShape := kernel.Shape()

	N := inputShape[0]     // batch size
	CIn := inputShape[1]   // input channels
	H := inputShape[2]     // input height
	W := inputShape[3]     // input width
	COut := kernelShape[0] // output channels
	KH := kernelShape[2]   // kernel height
	KW := kernelShape[3]   // kernel width

	if kernelShape[1] != CIn {
		panic(fmt.Sprintf("conv2d: input channels %d != kernel channels %d", CIn, kernelShape[1]))
	}
	if bias != nil && (len(bias.Shape()) != 1 || bias.Shape()[0] != COut) {
		panic(fmt.Sprintf("conv2d: bias shape %v, want [%d]", bias.Shape(), COut))
	}

	HOut, WOut := p.OutputSize(H, W, KH, KW)
	if HOut <= 0 || WOut <= 0 {
		panic(fmt.Sprintf("conv2d: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", HOut, WOut))
	}

	output := newFloat32("conv2d", tensor.Shape{N, COut, HOut, WOut})

	inputData := input.AsFloat32()
	kernelData := kernel.AsFloat32()
	outputData := output.AsFloat32()
	var biasData []float32
	if bias != nil {
		biasData = bias.AsFloat32()
	}

	colWidth := CIn * KH * KW
	plane := HOut * WOut
	colBuf := make([]float32, colWidth*plane)

	for n := 0; n < N; n++ {
		sample := inputData[n*CIn*H*W : (n+1)*CIn*H*W]
		im2colFloat32(colBuf, sample, CIn, H, W, KH, KW, HOut, WOut, p)

		outSample := outputData[n*COut*plane : (n+1)*COut*plane]
		cpu.parFor(COut, func(co int) {
			dst := outSample[co*plane : (co+1)*plane]
			if biasData != nil {
				b := biasData[co]
				for i := range dst {
					dst[i] = b
				}
			}
			weights := kernelData[co*colWidth : (co+1)*colWidth]
			for k, wk := range weights {
				col := colBuf[k*plane : (k+1)*plane]
				for i, v := range col {
					dst[i] += wk * v
				}
			}
		})
	}

	return output
}

// im2colFloat32 transforms one [C, H, W] sample into a column matrix.
//
// Output: colBuf [C * K_h * K_w, H_out * W_out]
//
// Row k = (c, kh, kw) holds, for every output position, the input value that
// kernel tap multiplies (zero where the tap falls into padding).
func im2colFloat32(colBuf, sample []float32, C, H, W, KH, KW, HOut, WOut int, p Conv2DParams) {
	plane := HOut * WOut
	row := 0
	for c := 0; c < C; c++ {
		channel := sample[c*H*W : (c+1)*H*W]
		for kh := 0; kh < KH; kh++ {
			for kw := 0; kw < KW; kw++ {
				dst := colBuf[row*plane : (row+1)*plane]
				idx := 0
				for outH := 0; outH < HOut; outH++ {
					h := outH*p.Stride - p.PadTop + kh*p.Dilation
					for outW := 0; outW < WOut; outW++ {
						w := outW*p.Stride - p.PadLeft + kw*p.Dilation
						if h >= 0 && h < H && w >= 0 && w < W {
							dst[idx] = channel[h*W+w]
						} else {
							dst[idx] = 0
						}
						idx++
					}
				}
				row++
			}
		}
	}
}
