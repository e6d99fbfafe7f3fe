package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/born-ml/stemconv/internal/acquire"
	"github.com/born-ml/stemconv/internal/backend/cpu"
	"github.com/born-ml/stemconv/internal/config"
	"github.com/born-ml/stemconv/internal/logging"
	"github.com/born-ml/stemconv/internal/onnx"
	"github.com/born-ml/stemconv/internal/pipeline"
)

// Run executes the command in cfg. Output for the user goes to stdout;
// logs go to stderr. Failures are *ExitError values.
func Run(ctx context.Context, cfg *Config, stdout, stderr io.Writer) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, stderr)
	if err != nil {
		return usageError("%v", err)
	}
	ctx = logging.WithLogger(ctx, logger)

	switch cfg.Command {
	case CommandVersion:
		fmt.Fprintf(stdout, "stemconv %s\n", Version)
		return nil
	case CommandInspect:
		return inspect(cfg.InspectPath, cfg.Verify, stdout)
	case CommandList:
		table, err := loadTable(cfg)
		if err != nil {
			return err
		}
		return list(table, stdout)
	default:
		return convert(ctx, cfg, stdout)
	}
}

func loadTable(cfg *Config) (*config.Table, error) {
	var (
		table *config.Table
		err   error
	)
	if cfg.ConfigPath != "" {
		table, err = config.LoadFile(cfg.ConfigPath, cfg.Vars)
	} else {
		table, err = config.DefaultWith(cfg.Vars)
	}
	if err != nil {
		return nil, usageError("%v", err)
	}
	return table, nil
}

func convert(ctx context.Context, cfg *Config, stdout io.Writer) error {
	table, err := loadTable(cfg)
	if err != nil {
		return err
	}
	if _, err := table.Variant(cfg.Model); err != nil {
		return usageError("%v (known: %s)", err, strings.Join(table.Names(), ", "))
	}

	fetcher := acquire.NewFetcher(cfg.Timeout)
	defer func() {
		_ = fetcher.Close()
	}()

	report, err := pipeline.Run(ctx, pipeline.Options{
		Variant:    cfg.Model,
		OutputDir:  cfg.OutputDir,
		WorkDir:    cfg.WorkDir,
		Jobs:       cfg.Jobs,
		Table:      table,
		Downloader: fetcher,
	})
	if report != nil {
		for _, a := range report.Artifacts {
			fmt.Fprintf(stdout, "%s\t%s\n", a.Instrument, a.Path)
		}
	}
	if err != nil {
		return &ExitError{Code: ExitFailure, Message: err.Error(), Err: err}
	}
	return nil
}

func list(table *config.Table, w io.Writer) error {
	for _, name := range table.Names() {
		v, err := table.Variant(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			v.Name, strings.Join(v.Instruments, ","), v.Activation, v.OutputMode, v.URL)
	}
	return nil
}

func inspect(path string, verify bool, w io.Writer) error {
	proto, err := onnx.ParseFile(path)
	if err != nil {
		return &ExitError{Code: ExitFailure, Message: err.Error(), Err: err}
	}
	info := onnx.Describe(proto)

	fmt.Fprintf(w, "file:      %s\n", path)
	fmt.Fprintf(w, "producer:  %s %s\n", info.ProducerName, info.ProducerVersion)
	fmt.Fprintf(w, "ir:        %d\n", info.IRVersion)
	fmt.Fprintf(w, "opset:     %d\n", info.OpsetVersion)
	for _, in := range info.Inputs {
		fmt.Fprintf(w, "input:     %s\n", in)
	}
	for _, out := range info.Outputs {
		fmt.Fprintf(w, "output:    %s\n", out)
	}
	fmt.Fprintf(w, "nodes:     %d\n", info.NodeCount)
	fmt.Fprintf(w, "weights:   %d (%d parameters)\n", info.WeightCount, info.ParameterCount)

	ops := info.Ops()
	counts := make([]string, len(ops))
	for i, op := range ops {
		counts[i] = fmt.Sprintf("%s=%d", op, info.OpCounts[op])
	}
	fmt.Fprintf(w, "ops:       %s\n", strings.Join(counts, " "))

	keys := make([]string, 0, len(info.Metadata))
	for k := range info.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(w, "metadata:")
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s\n", k, info.Metadata[k])
	}

	if !verify {
		return nil
	}
	res, err := onnx.Verify(proto, cpu.New(), onnx.DefaultVerifyShape, 1)
	if err != nil {
		err = fmt.Errorf("verify %s: %w", path, err)
		return &ExitError{Code: ExitFailure, Message: err.Error(), Err: err}
	}
	status := "ok"
	if !res.OK() {
		status = "FAILED"
	}
	fmt.Fprintf(w, "verify:    %s (%s, %s, input %v, max abs diff %.3g)\n",
		status, res.Activation, res.OutputMode, res.Shape, res.MaxAbsDiff)
	if !res.OK() {
		err := fmt.Errorf("verify %s: max abs diff %.3g exceeds %g", path, res.MaxAbsDiff, onnx.VerifyTolerance)
		return &ExitError{Code: ExitFailure, Message: err.Error(), Err: err}
	}
	return nil
}
