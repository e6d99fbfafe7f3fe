package cpu

import (
	"fmt"

	"github.com/born-ml/stemconv/internal/tensor"
)

// ConvTranspose2D performs a 2D transposed convolution without padding.
//
// Input shape: [batch, in_channels, height, width]
// Kernel shape: [in_channels, out_channels, kernel_h, kernel_w]
// Bias shape: [out_channels] (may be nil)
// Output shape: [batch, out_channels, (height-1)*stride+kernel_h, (width-1)*stride+kernel_w]
//
// Every input pixel scatters a weighted copy of the kernel into the output.
// Work is split per (sample, output channel) so each goroutine owns one
// output plane and accumulates in a fixed order.
func (cpu *CPUBackend) ConvTranspose2D(input, kernel, bias *tensor.RawTensor, stride int) *tensor.RawTensor {
	requireFloat32("conv_transpose2d", input, kernel, bias)
	require4D("conv_transpose2d", "input", input)
	require4D("conv_transpose2d", "kernel", kernel)
	if stride <= 0 {
		stride = 1
	}

	inputShape := input.Shape()
	kernelShape := kernel.Shape()

	N := inputShape[0]
	CIn := inputShape[1]
	H := inputShape[2]
	W := inputShape[3]
	COut := kernelShape[1]
	KH := kernelShape[2]
	KW := kernelShape[3]

	if kernelShape[0] != CIn {
		panic(fmt.Sprintf("conv_transpose2d: input channels %d != kernel channels %d", CIn, kernelShape[0]))
	}
	if bias != nil && (len(bias.Shape()) != 1 || bias.Shape()[0] != COut) {
		panic(fmt.Sprintf("conv_transpose2d: bias shape %v, want [%d]", bias.Shape(), COut))
	}

	HOut := (H-1)*stride + KH
	WOut := (W-1)*stride + KW
	output := newFloat32("conv_transpose2d", tensor.Shape{N, COut, HOut, WOut})

	inputData := input.AsFloat32()
	kernelData := kernel.AsFloat32()
	outputData := output.AsFloat32()
	var biasData []float32
	if bias != nil {
		biasData = bias.AsFloat32()
	}

	inPlane := H * W
	outPlane := HOut * WOut
	taps := KH * KW

	cpu.parFor(N*COut, func(item int) {
		n, co := item/COut, item%COut
		dst := outputData[item*outPlane : (item+1)*outPlane]
		if biasData != nil {
			b := biasData[co]
			for i := range dst {
				dst[i] = b
			}
		}
		for ci := 0; ci < CIn; ci++ {
			src := inputData[(n*CIn+ci)*inPlane : (n*CIn+ci+1)*inPlane]
			weights := kernelData[(ci*COut+co)*taps : (ci*COut+co+1)*taps]
			for kh := 0; kh < KH; kh++ {
				for kw := 0; kw < KW; kw++ {
					wk := weights[kh*KW+kw]
					for ih := 0; ih < H; ih++ {
						row := dst[(ih*stride+kh)*WOut+kw:]
						in := src[ih*W : (ih+1)*W]
						for iw, v := range in {
							row[iw*stride] += wk * v
						}
					}
				}
			}
		}
	})

	return output
}
