// Package converttest builds frozen-graph tensors laid out the way the
// TensorFlow releases store them, for tests.
package converttest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/born-ml/stemconv/internal/config"
	"github.com/born-ml/stemconv/internal/convert"
	"github.com/born-ml/stemconv/internal/nn"
	"github.com/born-ml/stemconv/internal/nn/nntest"
	"github.com/born-ml/stemconv/internal/tensor"
	"github.com/born-ml/stemconv/internal/tfgraph"
)

// tfKernelPerm undoes the [kh, kw, in, out] -> [out, in, kh, kw] reordering.
var tfKernelPerm = []int{2, 3, 1, 0}

// Instrument holds one instrument's parameters in both layouts.
type Instrument struct {
	Slots map[string]*tensor.RawTensor // module layout, by slot key
	Named map[string]*tensor.RawTensor // TensorFlow layout, by tensor name
}

// Tensors returns TensorFlow-named tensors for the first n instruments of
// v. Instrument i uses random seed seed+i.
func Tensors(t testing.TB, v *config.Variant, n int, seed int64) []Instrument {
	t.Helper()
	r, err := convert.NewResolver(v)
	require.NoError(t, err)

	out := make([]Instrument, n)
	for inst := range out {
		slots := nntest.RandomValues(seed + int64(inst))
		named := make(map[string]*tensor.RawTensor, len(slots))
		for _, slot := range nn.UNetSchema().Slots() {
			name, err := r.Resolve(inst, slot.Key)
			require.NoError(t, err)
			tt := slots[slot.Key]
			if slot.Role == nn.RoleKernel {
				tt, err = tensor.Permute(tt, tfKernelPerm...)
				require.NoError(t, err)
			}
			named[name] = tt
		}
		out[inst] = Instrument{Slots: slots, Named: named}
	}
	return out
}

// Merge flattens the named tensors of several instruments into one map.
func Merge(insts []Instrument) map[string]*tensor.RawTensor {
	all := make(map[string]*tensor.RawTensor)
	for _, inst := range insts {
		for k, v := range inst.Named {
			all[k] = v
		}
	}
	return all
}

// Graph builds a frozen graph holding the given tensors.
func Graph(t testing.TB, named map[string]*tensor.RawTensor) *tfgraph.Graph {
	t.Helper()
	consts := make([]*tfgraph.Constant, 0, len(named))
	for name, tt := range named {
		consts = append(consts, tfgraph.NewConstant(name, tt))
	}
	g, err := tfgraph.New(consts...)
	require.NoError(t, err)
	return g
}
