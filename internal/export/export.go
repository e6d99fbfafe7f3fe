// Package export writes one instrument's separation network to an ONNX
// file with the metadata downstream loaders expect.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/born-ml/stemconv/internal/config"
	"github.com/born-ml/stemconv/internal/convert"
	"github.com/born-ml/stemconv/internal/logging"
	"github.com/born-ml/stemconv/internal/nn"
	"github.com/born-ml/stemconv/internal/onnx"
)

// Metadata keys and fixed values of an exported model.
const (
	KeyModelType  = "model_type"
	KeySampleRate = "sample_rate"
	KeyVersion    = "version"
	KeyStems      = "stems"
	KeyStemName   = "stem_name"
	KeyModelName  = "model_name"

	ModelType  = "spleeter"
	SampleRate = 44100
	Version    = 1
)

// Metadata returns the six metadata entries of instrument's model, in a
// stable order.
func Metadata(v *config.Variant, instrument int) []onnx.StringStringEntry {
	return []onnx.StringStringEntry{
		{Key: KeyModelType, Value: ModelType},
		{Key: KeySampleRate, Value: strconv.Itoa(SampleRate)},
		{Key: KeyVersion, Value: strconv.Itoa(Version)},
		{Key: KeyStems, Value: strconv.Itoa(v.NumStems())},
		{Key: KeyStemName, Value: v.Instruments[instrument]},
		{Key: KeyModelName, Value: v.ArchiveName()},
	}
}

// Path returns <root>/<variant>/<instrument>.onnx.
func Path(root string, v *config.Variant, instrument int) string {
	return filepath.Join(root, v.Name, v.Instruments[instrument]+".onnx")
}

// Exporter traces networks and writes them to disk.
type Exporter struct {
	opts onnx.TraceOptions
}

// New returns an exporter using onnx.DefaultTraceOptions.
func New() *Exporter {
	return &Exporter{opts: onnx.DefaultTraceOptions()}
}

// NewWithOptions returns an exporter with explicit trace options.
func NewWithOptions(opts onnx.TraceOptions) *Exporter {
	return &Exporter{opts: opts}
}

// Build traces u and replaces the trace metadata with the six export keys.
func (e *Exporter) Build(u *nn.UNet, v *config.Variant, instrument int) (*onnx.ModelProto, error) {
	if instrument < 0 || instrument >= v.NumStems() {
		return nil, fmt.Errorf("instrument %d out of range for %s", instrument, v.Name)
	}
	m, err := onnx.Trace(u, e.opts)
	if err != nil {
		return nil, err
	}
	m.MetadataProps = Metadata(v, instrument)
	return m, nil
}

// Export writes instrument's network to path, creating parent
// directories. The file is replaced atomically. Failures are returned as
// *convert.ExportError.
func (e *Exporter) Export(ctx context.Context, u *nn.UNet, v *config.Variant, instrument int, path string) error {
	stem := strconv.Itoa(instrument)
	if instrument >= 0 && instrument < v.NumStems() {
		stem = v.Instruments[instrument]
	}
	fail := func(err error) error {
		return &convert.ExportError{Variant: v.Name, Instrument: stem, Path: path, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	m, err := e.Build(u, v, instrument)
	if err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fail(fmt.Errorf("failed to create output directory: %w", err))
	}
	if err := onnx.WriteFile(path, m); err != nil {
		return fail(err)
	}

	logging.FromContext(ctx).Info("exported model",
		"variant", v.Name,
		"instrument", stem,
		"path", path,
		"nodes", len(m.Graph.Nodes),
	)
	return nil
}
