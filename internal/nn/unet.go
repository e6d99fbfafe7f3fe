package nn

import (
	"fmt"

	"github.com/born-ml/stemconv/internal/config"
	"github.com/born-ml/stemconv/internal/tensor"
)

// Activation slopes.
const (
	LeakySlope = 0.2
	EluAlpha   = 1.0
)

// encoderPads reproduce the asymmetric "same" padding of a stride-2 5×5
// convolution: one row/column before, two after.
var encoderPads = [4]int{1, 1, 2, 2}

// UNet is one instrument's separation network: a parameter assignment plus
// the two degrees of freedom that differ between variants.
type UNet struct {
	activation config.Activation
	mode       config.OutputMode
	params     *Assignment
}

// NewUNet binds an assignment to an activation and output mode.
func NewUNet(act config.Activation, mode config.OutputMode, params *Assignment) (*UNet, error) {
	switch act {
	case config.ActivationLeakyReLU, config.ActivationELU:
	default:
		return nil, fmt.Errorf("unsupported activation %q", act)
	}
	switch mode {
	case config.OutputSigmoidMask, config.OutputSoftmaxLogit:
	default:
		return nil, fmt.Errorf("unsupported output mode %q", mode)
	}
	if params == nil {
		return nil, fmt.Errorf("nil parameter assignment")
	}
	if params.Schema() != UNetSchema() {
		return nil, fmt.Errorf("assignment was not validated against the U-Net schema")
	}
	return &UNet{activation: act, mode: mode, params: params}, nil
}

// Activation returns the activation kind.
func (u *UNet) Activation() config.Activation { return u.activation }

// OutputMode returns the output mode.
func (u *UNet) OutputMode() config.OutputMode { return u.mode }

// Params returns the parameter assignment.
func (u *UNet) Params() *Assignment { return u.params }

// ValidateInput checks an input shape [2, batch, H, W] with H and W
// multiples of 64.
func ValidateInput(shape tensor.Shape) error {
	if len(shape) != 4 || shape[0] != InChannels {
		return fmt.Errorf("input must be [%d, batch, height, width], got %v", InChannels, shape)
	}
	if shape[1] <= 0 {
		return fmt.Errorf("input batch must be positive, got %v", shape)
	}
	if shape[2] <= 0 || shape[3] <= 0 || shape[2]%SpatialMultiple != 0 || shape[3]%SpatialMultiple != 0 {
		return fmt.Errorf("input height and width must be positive multiples of %d, got %v", SpatialMultiple, shape)
	}
	return nil
}

// Build expresses the forward pass of u in terms of ops. x is [2, batch,
// H, W]; the result has the same shape.
//
// Encoder stage i convolves (5×5, stride 2) and, for the first five stages,
// applies batch norm and the encoder activation. Decoder stage i upsamples
// with a transposed convolution, crops [1:-2] on both spatial axes and
// applies batch norm; stages 1..5 also apply the decoder activation. From
// the second decoder stage on, the input is the encoder convolution output
// of the mirrored stage concatenated with the previous decoder output.
//
// The sixth decoder stage stops at batch norm and feeds the head directly.
// Converters that apply the decoder activation after that last norm
// (relu or elu of bn10) produce graphs whose outputs differ from these;
// the difference is intended.
func Build[T any](u *UNet, ops Ops[T], x T) T {
	p := func(key string) T {
		return ops.Param(key, u.params.Tensor(key))
	}

	in := ops.Transpose(x, 1, 0, 2, 3)

	var convs [NumStages]T
	h := in
	for i := 0; i < NumStages; i++ {
		convs[i] = ops.Conv(h, p(encoderKey(i, RoleKernel)), p(encoderKey(i, RoleBias)),
			ConvParams{Stride: 2, Dilation: 1, Pads: encoderPads})
		if i == NumStages-1 {
			break
		}
		h = encoderActivation(u.activation, ops, batchNorm(ops, p, encoderNormKey, i, convs[i]))
	}

	d := convs[NumStages-1]
	for i := 0; i < NumStages; i++ {
		if i > 0 {
			d = ops.Concat(1, convs[NumStages-1-i], d)
		}
		d = ops.ConvTranspose(d, p(decoderKey(i, RoleKernel)), p(decoderKey(i, RoleBias)), 2)
		d = ops.Crop(d, 1, 1, 2, 2)
		d = batchNorm(ops, p, decoderNormKey, i, d)
		if i < NumStages-1 {
			d = decoderActivation(u.activation, ops, d)
		}
	}

	head := ops.Conv(d, p(headKey(RoleKernel)), p(headKey(RoleBias)), ConvParams{
		Stride:   1,
		Dilation: HeadDilate,
		Pads:     [4]int{HeadPad, HeadPad, HeadPad, HeadPad},
	})

	var y T
	switch u.mode {
	case config.OutputSoftmaxLogit:
		y = ops.Mul(head, in)
	default:
		y = ops.Mul(ops.Sigmoid(head), in)
	}
	return ops.Transpose(y, 1, 0, 2, 3)
}

func batchNorm[T any](ops Ops[T], p func(string) T, key func(int, string) string, i int, x T) T {
	return ops.BatchNorm(x,
		p(key(i, RoleScale)), p(key(i, RoleShift)),
		p(key(i, RoleMean)), p(key(i, RoleVariance)),
		Epsilon)
}

// Encoder: leaky ReLU or ELU. Decoder: ReLU or ELU.
func encoderActivation[T any](act config.Activation, ops Ops[T], x T) T {
	if act == config.ActivationELU {
		return ops.Elu(x, EluAlpha)
	}
	return ops.LeakyRelu(x, LeakySlope)
}

func decoderActivation[T any](act config.Activation, ops Ops[T], x T) T {
	if act == config.ActivationELU {
		return ops.Elu(x, EluAlpha)
	}
	return ops.Relu(x)
}
