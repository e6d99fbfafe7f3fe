package checkpoint

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/stemconv/internal/checkpoint/checkpointtest"
	"github.com/born-ml/stemconv/internal/tensor"
	"github.com/born-ml/stemconv/internal/tfgraph"
)

func fixtureTensors(t *testing.T) map[string]*tensor.RawTensor {
	t.Helper()
	kernel, err := tensor.FromFloat32([]float32{1, 2, 3, 4, 5, 6, 7, 8}, tensor.Shape{2, 2, 1, 2})
	require.NoError(t, err)
	gamma, err := tensor.FromFloat32([]float32{0.5, 1.5}, tensor.Shape{2})
	require.NoError(t, err)
	adam, err := tensor.FromFloat32([]float32{9, 9, 9, 9, 9, 9, 9, 9}, tensor.Shape{2, 2, 1, 2})
	require.NoError(t, err)
	step, err := tensor.NewRaw(tensor.Shape{}, tensor.Int64)
	require.NoError(t, err)
	step.AsInt64()[0] = 1000

	return map[string]*tensor.RawTensor{
		"conv2d/kernel":             kernel,
		"conv2d/kernel/Adam":        adam,
		"batch_normalization/gamma": gamma,
		"global_step":               step,
	}
}

func TestOpenAndReadBundle(t *testing.T) {
	for _, compress := range []bool{false, true} {
		dir := t.TempDir()
		checkpointtest.WriteBundle(t, dir, fixtureTensors(t), checkpointtest.Options{Snappy: compress})

		prefix, err := LatestPrefix(dir)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "model"), prefix)

		b, err := Open(prefix)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"batch_normalization/gamma",
			"conv2d/kernel",
			"conv2d/kernel/Adam",
			"global_step",
		}, b.Keys())

		e, ok := b.Entry("conv2d/kernel")
		require.True(t, ok)
		assert.Equal(t, tensor.Shape{2, 2, 1, 2}, e.Shape)

		k, err := b.Tensor("conv2d/kernel")
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, k.AsFloat32())

		step, err := b.Tensor("global_step")
		require.NoError(t, err)
		assert.Equal(t, []int64{1000}, step.AsInt64())

		_, err = b.Tensor("conv2d_1/kernel")
		require.Error(t, err)
	}
}

func TestTensorChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	prefix := checkpointtest.WriteBundle(t, dir, fixtureTensors(t), checkpointtest.Options{})

	shard := prefix + ".data-00000-of-00001"
	data, err := os.ReadFile(shard)
	require.NoError(t, err)
	for i := range data {
		data[i] ^= 0xff
	}
	require.NoError(t, os.WriteFile(shard, data, 0o644))

	b, err := Open(prefix)
	require.NoError(t, err)
	_, err = b.Tensor("conv2d/kernel")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestOpenCorruptIndex(t *testing.T) {
	dir := t.TempDir()
	prefix := checkpointtest.WriteBundle(t, dir, fixtureTensors(t), checkpointtest.Options{})

	data, err := os.ReadFile(prefix + ".index")
	require.NoError(t, err)
	data[3] ^= 0x01
	require.NoError(t, os.WriteFile(prefix+".index", data, 0o644))

	_, err = Open(prefix)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(prefix+".index", []byte("short"), 0o644))
	_, err = Open(prefix)
	require.Error(t, err)
}

func TestBlockEntriesRejectsOversizedLengths(t *testing.T) {
	entry := func(shared, unshared, vlen uint64, payload string) []byte {
		var b []byte
		b = protowire.AppendVarint(b, shared)
		b = protowire.AppendVarint(b, unshared)
		b = protowire.AppendVarint(b, vlen)
		b = append(b, payload...)
		return append(b, 0, 0, 0, 0) // no restarts
	}

	got, err := blockEntries(entry(0, 1, 2, "kvv"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "k", got[0].key)
	assert.Equal(t, []byte("vv"), got[0].value)

	tests := map[string][]byte{
		// 1<<63 wraps to a negative int and would slip past the bounds check.
		"wrapping unshared": entry(0, 1<<63, 1, "kv"),
		"wrapping value":    entry(0, 1, math.MaxUint64, "kv"),
		"wrapping shared":   entry(1<<63, 1, 1, "kv"),
		"value past end":    entry(0, 1, 5, "kv"),
		"too many restarts": {0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff},
	}
	for name, block := range tests {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := blockEntries(block)
				assert.Error(t, err)
			})
		})
	}
}

func TestLatestPrefixMissing(t *testing.T) {
	_, err := LatestPrefix(t.TempDir())
	require.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint"), []byte("nothing here\n"), 0o644))
	_, err = LatestPrefix(dir)
	require.Error(t, err)
}

func TestIsModelVariable(t *testing.T) {
	assert.True(t, IsModelVariable("conv2d_13/kernel"))
	assert.True(t, IsModelVariable("batch_normalization_6/moving_mean"))
	assert.False(t, IsModelVariable("conv2d/kernel/Adam"))
	assert.False(t, IsModelVariable("conv2d/kernel/Adam_1"))
	assert.False(t, IsModelVariable("beta1_power"))
	assert.False(t, IsModelVariable("global_step"))
}

func TestFreeze(t *testing.T) {
	dir := t.TempDir()
	checkpointtest.WriteBundle(t, dir, fixtureTensors(t), checkpointtest.Options{Snappy: true})

	out := filepath.Join(dir, FrozenGraphName)
	require.NoError(t, Freeze(context.Background(), dir, out))

	g, err := tfgraph.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"batch_normalization/gamma", "conv2d/kernel"}, g.Names())

	c, ok := g.Lookup("batch_normalization/gamma")
	require.True(t, ok)
	assert.Equal(t, tfgraph.RoleScale, c.Role)
	assert.Equal(t, []float32{0.5, 1.5}, c.Tensor.AsFloat32())
}

func TestFreezeCanceled(t *testing.T) {
	dir := t.TempDir()
	checkpointtest.WriteBundle(t, dir, fixtureTensors(t), checkpointtest.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Freeze(ctx, dir, filepath.Join(dir, FrozenGraphName))
	require.ErrorIs(t, err, context.Canceled)
}
