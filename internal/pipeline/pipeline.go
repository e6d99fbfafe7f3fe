// Package pipeline sequences one conversion run: acquire the release
// archive, freeze its checkpoint, then transfer and export every
// instrument.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/born-ml/stemconv/internal/acquire"
	"github.com/born-ml/stemconv/internal/checkpoint"
	"github.com/born-ml/stemconv/internal/config"
	"github.com/born-ml/stemconv/internal/convert"
	"github.com/born-ml/stemconv/internal/export"
	"github.com/born-ml/stemconv/internal/fsutil"
	"github.com/born-ml/stemconv/internal/logging"
	"github.com/born-ml/stemconv/internal/nn"
	"github.com/born-ml/stemconv/internal/tfgraph"
)

// Options configures a run.
type Options struct {
	// Variant is the variant name, e.g. "4stems".
	Variant string
	// OutputDir receives <variant>/<instrument>.onnx.
	OutputDir string
	// WorkDir holds the archive, the extracted checkpoint and the frozen graph.
	WorkDir string
	// Jobs bounds concurrent instrument conversions. Values below 1 mean 1.
	Jobs int

	Table      *config.Table
	Downloader acquire.Downloader
	Exporter   *export.Exporter
}

// Artifact is one written model file.
type Artifact struct {
	Index      int
	Instrument string
	Path       string
}

// Failure is one instrument that could not be converted.
type Failure struct {
	Index      int
	Instrument string
	Err        error
}

// Report describes a finished or aborted run.
type Report struct {
	Variant   string
	Artifacts []Artifact
	Failures  []Failure

	// Skipped stages, by cache hit.
	DownloadSkipped bool
	ExtractSkipped  bool
	FreezeSkipped   bool
}

// Paths of the cached stages of a variant under a work directory.
type Paths struct {
	Archive    string
	ExtractDir string
	Frozen     string
}

// WorkPaths returns the cache layout of v under work.
func WorkPaths(work string, v *config.Variant) Paths {
	dir := filepath.Join(work, v.Name)
	return Paths{
		Archive:    filepath.Join(work, v.ArchiveName()),
		ExtractDir: dir,
		Frozen:     filepath.Join(dir, checkpoint.FrozenGraphName),
	}
}

// Run converts every instrument of opts.Variant.
//
// A ParameterNotFoundError aborts the run: the remaining instruments share
// the same naming scheme. Shape mismatches and export failures are
// recorded and the run continues. The returned error is nil only when
// every instrument was exported; otherwise it joins all failures.
func Run(ctx context.Context, opts Options) (*Report, error) {
	logger := logging.FromContext(ctx)
	if opts.Table == nil {
		return nil, errors.New("pipeline: no variant table")
	}
	if opts.Downloader == nil {
		return nil, errors.New("pipeline: no downloader")
	}
	if opts.Exporter == nil {
		opts.Exporter = export.New()
	}
	v, err := opts.Table.Variant(opts.Variant)
	if err != nil {
		return nil, err
	}

	report := &Report{Variant: v.Name}
	paths := WorkPaths(opts.WorkDir, v)

	if err := acquireArchive(ctx, opts.Downloader, v, paths, report); err != nil {
		return report, err
	}
	g, err := frozenGraph(ctx, v, paths, report)
	if err != nil {
		return report, err
	}
	resolver, err := convert.NewResolver(v)
	if err != nil {
		return report, err
	}
	logger.Info("converting instruments", "variant", v.Name, "instruments", v.NumStems(), "constants", g.Len())

	c := &converter{
		variant:  v,
		graph:    g,
		resolver: resolver,
		exporter: opts.Exporter,
		outDir:   opts.OutputDir,
		report:   report,
	}
	fatal := c.convertAll(ctx, max(opts.Jobs, 1))

	sort.Slice(report.Artifacts, func(i, j int) bool { return report.Artifacts[i].Index < report.Artifacts[j].Index })
	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].Index < report.Failures[j].Index })

	if fatal != nil {
		return report, fatal
	}
	if len(report.Failures) > 0 {
		errs := make([]error, len(report.Failures))
		for i, f := range report.Failures {
			errs[i] = f.Err
		}
		return report, fmt.Errorf("%d of %d instruments failed: %w",
			len(report.Failures), v.NumStems(), errors.Join(errs...))
	}
	logger.Info("conversion finished", "variant", v.Name, "artifacts", len(report.Artifacts))
	return report, nil
}

// acquireArchive downloads and extracts the release unless cached.
func acquireArchive(ctx context.Context, d acquire.Downloader, v *config.Variant, p Paths, report *Report) error {
	logger := logging.FromContext(ctx)
	wrap := func(source string, err error) error {
		return &convert.AcquisitionError{Variant: v.Name, Source: source, Err: err}
	}

	have, err := fsutil.Exists(p.Archive)
	if err != nil {
		return wrap(p.Archive, err)
	}
	if have {
		report.DownloadSkipped = true
		logger.Info("archive present, skipping download", "path", p.Archive)
	} else if err := d.Download(ctx, v.URL, p.Archive); err != nil {
		return wrap(v.URL, err)
	}

	have, err = fsutil.Exists(p.ExtractDir)
	if err != nil {
		return wrap(p.ExtractDir, err)
	}
	if have {
		report.ExtractSkipped = true
		logger.Info("extracted directory present, skipping extraction", "dir", p.ExtractDir)
		return nil
	}
	if err := acquire.Extract(ctx, p.Archive, p.ExtractDir); err != nil {
		return wrap(p.Archive, err)
	}
	return nil
}

// frozenGraph freezes the checkpoint unless cached and loads the result.
func frozenGraph(ctx context.Context, v *config.Variant, p Paths, report *Report) (*tfgraph.Graph, error) {
	wrap := func(err error) error {
		return &convert.GraphFreezeError{Variant: v.Name, Dir: p.ExtractDir, Err: err}
	}
	if tfgraph.Exists(p.Frozen) {
		report.FreezeSkipped = true
		logging.FromContext(ctx).Info("frozen graph present, skipping freeze", "path", p.Frozen)
	} else if err := checkpoint.Freeze(ctx, p.ExtractDir, p.Frozen); err != nil {
		return nil, wrap(err)
	}
	g, err := tfgraph.ReadFile(p.Frozen)
	if err != nil {
		return nil, wrap(err)
	}
	return g, nil
}

type converter struct {
	variant  *config.Variant
	graph    *tfgraph.Graph
	resolver *convert.Resolver
	exporter *export.Exporter
	outDir   string

	mu     sync.Mutex
	report *Report
}

// convertAll converts instruments with at most jobs in flight and returns
// the first fatal error. A fatal error cancels instruments not yet started.
func (c *converter) convertAll(ctx context.Context, jobs int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i := range c.variant.Instruments {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return c.convertOne(gctx, i)
		})
	}
	err := g.Wait()
	if err == nil {
		// A canceled parent with no instrument failure.
		err = ctx.Err()
	}
	return err
}

// convertOne converts one instrument. It returns an error only when the
// run must stop.
func (c *converter) convertOne(ctx context.Context, i int) error {
	logger := logging.FromContext(ctx)
	v := c.variant
	name := v.Instruments[i]

	path := export.Path(c.outDir, v, i)
	err := c.export(ctx, i, path)
	switch {
	case err == nil:
		c.mu.Lock()
		c.report.Artifacts = append(c.report.Artifacts, Artifact{Index: i, Instrument: name, Path: path})
		c.mu.Unlock()
		return nil
	case errors.Is(err, convert.ErrParameterNotFound):
		logger.Error("parameter not found, aborting run",
			"variant", v.Name, "instrument", name, "index", i, "error", err)
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		logger.Error("instrument failed",
			"variant", v.Name, "instrument", name, "index", i, "error", err)
		c.mu.Lock()
		c.report.Failures = append(c.report.Failures, Failure{Index: i, Instrument: name, Err: err})
		c.mu.Unlock()
		return nil
	}
}

func (c *converter) export(ctx context.Context, i int, path string) error {
	params, err := convert.Transfer(c.graph, c.resolver, i)
	if err != nil {
		return err
	}
	u, err := nn.NewUNet(c.variant.Activation, c.variant.OutputMode, params)
	if err != nil {
		return &convert.ExportError{Variant: c.variant.Name, Instrument: c.variant.Instruments[i], Path: path, Err: err}
	}
	return c.exporter.Export(ctx, u, c.variant, i, path)
}
