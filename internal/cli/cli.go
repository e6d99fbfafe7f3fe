package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/born-ml/stemconv/internal/config"
)

// Version is the release version, overridden at link time.
var Version = "v0.1.0-dev"

// Exit codes.
const (
	ExitFailure = 1
	ExitUsage   = 2
)

// Default directories. Exports go to their own tree so they never land
// in an extracted checkpoint directory, whose presence is the cache key.
const (
	DefaultOutputDir = "spleeter-onnx"
	DefaultWorkDir   = "."
)

// ExitError is an error carrying a process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error, if any.
func (e *ExitError) Unwrap() error {
	return e.Err
}

func usageError(format string, args ...any) error {
	return &ExitError{Code: ExitUsage, Message: fmt.Sprintf(format, args...)}
}

// Command selects what Run does.
type Command string

// Commands.
const (
	CommandConvert Command = "convert"
	CommandInspect Command = "inspect"
	CommandList    Command = "list"
	CommandVersion Command = "version"
)

// Config is the parsed command line.
type Config struct {
	Command Command

	Model      string
	OutputDir  string
	WorkDir    string
	ConfigPath string
	Jobs       int
	Timeout    time.Duration
	Vars       config.Vars

	LogLevel  string
	LogFormat string

	// InspectPath is the model file of the inspect command.
	InspectPath string
	// Verify makes inspect evaluate the graph against the forward pass
	// rebuilt from its initializers.
	Verify bool
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean reporting whether the program should exit cleanly (help was
// printed), or an *ExitError with code 2.
func Parse(args []string, output io.Writer) (*Config, bool, error) {
	cfg := &Config{Command: CommandConvert}
	if len(args) > 0 {
		switch Command(args[0]) {
		case CommandInspect, CommandList, CommandVersion:
			cfg.Command = Command(args[0])
			args = args[1:]
		}
	}

	fs := flag.NewFlagSet("stemconv", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprint(output, `
stemconv - convert pretrained source separation checkpoints to ONNX.

Usage:
  stemconv --model {2stems|4stems|5stems} [options]
  stemconv inspect [--verify] FILE.onnx
  stemconv list [--config FILE]
  stemconv version

Options:
`)
		fs.PrintDefaults()
	}

	fs.StringVar(&cfg.Model, "model", "", "Variant to convert, e.g. '4stems'.")
	fs.StringVar(&cfg.OutputDir, "output", DefaultOutputDir, "Directory receiving <variant>/<instrument>.onnx.")
	fs.StringVar(&cfg.WorkDir, "work", DefaultWorkDir, "Directory for downloaded archives, extracted checkpoints and frozen graphs.")
	fs.StringVar(&cfg.ConfigPath, "config", "", "HCL variant table replacing the built-in one.")
	fs.IntVar(&cfg.Jobs, "jobs", 1, "Number of instruments converted concurrently.")
	fs.DurationVar(&cfg.Timeout, "timeout", 30*time.Minute, "Archive download timeout. 0 disables it.")
	fs.StringVar(&cfg.Vars.Release, "release", config.DefaultRelease, "Release tag substituted into variant URLs.")
	fs.StringVar(&cfg.Vars.BaseURL, "base-url", config.DefaultBaseURL, "Base URL substituted into variant URLs.")
	fs.BoolVar(&cfg.Verify, "verify", false, "inspect: evaluate the graph and compare it with the direct forward pass.")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Logging level. Options: 'debug', 'info', 'warn', 'error'.")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: ExitUsage, Message: err.Error(), Err: err}
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, usageError("invalid log-level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.LogLevel)
	}
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, false, usageError("invalid log-format %q: must be 'text' or 'json'", cfg.LogFormat)
	}

	if cfg.Verify && cfg.Command != CommandInspect {
		return nil, false, usageError("--verify only applies to inspect")
	}

	switch cfg.Command {
	case CommandInspect:
		if fs.NArg() != 1 {
			return nil, false, usageError("inspect takes exactly one model file")
		}
		cfg.InspectPath = fs.Arg(0)
	case CommandConvert:
		if fs.NArg() > 0 {
			return nil, false, usageError("unexpected argument %q", fs.Arg(0))
		}
		if cfg.Model == "" {
			fs.Usage()
			return nil, false, usageError("--model is required")
		}
		if cfg.Jobs < 1 {
			return nil, false, usageError("--jobs must be at least 1, got %d", cfg.Jobs)
		}
	default:
		if fs.NArg() > 0 {
			return nil, false, usageError("unexpected argument %q", fs.Arg(0))
		}
	}
	return cfg, false, nil
}
