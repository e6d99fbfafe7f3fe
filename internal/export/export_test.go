package export_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/stemconv/internal/config"
	"github.com/born-ml/stemconv/internal/convert"
	"github.com/born-ml/stemconv/internal/export"
	"github.com/born-ml/stemconv/internal/nn"
	"github.com/born-ml/stemconv/internal/nn/nntest"
	"github.com/born-ml/stemconv/internal/onnx"
	"github.com/born-ml/stemconv/internal/tensor"
)

func variant(t *testing.T, name string) *config.Variant {
	t.Helper()
	table, err := config.Default()
	require.NoError(t, err)
	v, err := table.Variant(name)
	require.NoError(t, err)
	return v
}

func unet(t *testing.T, v *config.Variant) *nn.UNet {
	t.Helper()
	u, err := nn.NewUNet(v.Activation, v.OutputMode, nntest.RandomAssignment(t, 1))
	require.NoError(t, err)
	return u
}

func TestExportMetadata(t *testing.T) {
	v := variant(t, "4stems")
	path := export.Path(t.TempDir(), v, 1)
	assert.Equal(t, filepath.Join("4stems", "drums.onnx"), filepath.Join(filepath.Base(filepath.Dir(path)), filepath.Base(path)))

	require.NoError(t, export.New().Export(context.Background(), unet(t, v), v, 1, path))

	m, err := onnx.ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"model_type":  "spleeter",
		"sample_rate": "44100",
		"version":     "1",
		"stems":       "4",
		"stem_name":   "drums",
		"model_name":  "4stems.tar.gz",
	}, m.Metadata())
	assert.Len(t, m.MetadataProps, 6)

	assert.Equal(t, int64(onnx.IRVersion), m.IRVersion)
	assert.Equal(t, int64(onnx.OpsetVersion), m.DefaultOpset())
	info := onnx.Describe(m)
	require.Len(t, info.Inputs, 1)
	assert.Equal(t, []string{"2", "num_splits", "512", "1024"}, info.Inputs[0].Shape)
	assert.Equal(t, "y", info.Outputs[0].Name)
}

func TestExportReplacesExistingFile(t *testing.T) {
	v := variant(t, "2stems")
	path := export.Path(t.TempDir(), v, 0)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))

	require.NoError(t, export.New().Export(context.Background(), unet(t, v), v, 0, path))
	m, err := onnx.ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "vocals", m.Metadata()["stem_name"])
}

func TestExportErrors(t *testing.T) {
	v := variant(t, "2stems")
	u := unet(t, v)
	dir := t.TempDir()

	t.Run("instrument out of range", func(t *testing.T) {
		err := export.New().Export(context.Background(), u, v, 2, filepath.Join(dir, "x.onnx"))
		require.ErrorIs(t, err, convert.ErrExport)
	})

	t.Run("bad trace shape", func(t *testing.T) {
		opts := onnx.DefaultTraceOptions()
		opts.Shape = tensor.Shape{2, 1, 100, 100}
		err := export.NewWithOptions(opts).Export(context.Background(), u, v, 0, filepath.Join(dir, "y.onnx"))
		var exportErr *convert.ExportError
		require.True(t, errors.As(err, &exportErr))
		assert.Equal(t, "vocals", exportErr.Instrument)
		assert.Equal(t, "2stems", exportErr.Variant)
	})

	t.Run("unwritable path", func(t *testing.T) {
		blocker := filepath.Join(dir, "file")
		require.NoError(t, os.WriteFile(blocker, nil, 0o644))
		err := export.New().Export(context.Background(), u, v, 0, filepath.Join(blocker, "sub", "z.onnx"))
		require.ErrorIs(t, err, convert.ErrExport)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := export.New().Export(ctx, u, v, 0, filepath.Join(dir, "c.onnx"))
		require.ErrorIs(t, err, convert.ErrExport)
		require.ErrorIs(t, err, context.Canceled)
	})
}
