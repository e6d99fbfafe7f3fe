package config

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Defaults for the variables available to variant URLs.
const (
	DefaultBaseURL = "https://github.com/deezer/spleeter/releases/download"
	DefaultRelease = "v1.4.0"
)

//go:embed variants.hcl
var defaultVariants []byte

// Vars are the HCL variables visible while decoding a variant table.
type Vars struct {
	BaseURL string
	Release string
}

// DefaultVars returns the variables used for the embedded table.
func DefaultVars() Vars {
	return Vars{BaseURL: DefaultBaseURL, Release: DefaultRelease}
}

// hclFile is the top-level structure of a variant table for decoding.
type hclFile struct {
	Namings  []*hclNaming  `hcl:"naming,block"`
	Variants []*hclVariant `hcl:"variant,block"`
}

type hclNaming struct {
	Version string            `hcl:"version,label"`
	Roles   map[string]string `hcl:"roles"`
	Kinds   []*hclKind        `hcl:"kind,block"`
}

type hclKind struct {
	Kind          string `hcl:"kind,label"`
	Base          string `hcl:"base"`
	PerInstrument int    `hcl:"per_instrument"`
	Skip          []int  `hcl:"skip,optional"`
}

type hclVariant struct {
	Name        string         `hcl:"name,label"`
	Instruments []string       `hcl:"instruments"`
	Activation  string         `hcl:"activation"`
	OutputMode  string         `hcl:"output_mode"`
	URL         string         `hcl:"url"`
	Naming      string         `hcl:"naming"`
	Overrides   []*hclOverride `hcl:"override,block"`
}

type hclOverride struct {
	Instrument int    `hcl:"instrument"`
	Slot       string `hcl:"slot"`
	Name       string `hcl:"name"`
}

// Default returns the embedded variant table.
func Default() (*Table, error) {
	return DefaultWith(DefaultVars())
}

// DefaultWith decodes the embedded variant table with vars, e.g. to point
// the release URLs at a mirror.
func DefaultWith(vars Vars) (*Table, error) {
	return Parse(defaultVariants, "variants.hcl", vars)
}

// LoadFile reads a variant table from an HCL file.
//
//nolint:gosec // G304: path is an operator-supplied config file.
func LoadFile(path string, vars Vars) (*Table, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read variant table: %w", err)
	}
	return Parse(src, path, vars)
}

// Parse decodes a variant table from HCL source.
func Parse(src []byte, filename string, vars Vars) (*Table, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"base_url": cty.StringVal(vars.BaseURL),
			"release":  cty.StringVal(vars.Release),
		},
	}

	var parsed hclFile
	diags = gohcl.DecodeBody(file.Body, evalCtx, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	return buildTable(&parsed)
}

func buildTable(parsed *hclFile) (*Table, error) {
	namings := make(map[string]*NamingScheme, len(parsed.Namings))
	for _, n := range parsed.Namings {
		if _, dup := namings[n.Version]; dup {
			return nil, fmt.Errorf("naming %q declared twice", n.Version)
		}
		scheme := &NamingScheme{
			Version: n.Version,
			Roles:   n.Roles,
			Kinds:   make(map[string]KindNaming, len(n.Kinds)),
		}
		for _, k := range n.Kinds {
			if k.PerInstrument <= 0 {
				return nil, fmt.Errorf("naming %q kind %q: per_instrument must be > 0", n.Version, k.Kind)
			}
			for _, s := range k.Skip {
				if s < 0 || s >= k.PerInstrument {
					return nil, fmt.Errorf("naming %q kind %q: skip offset %d outside [0, %d)",
						n.Version, k.Kind, s, k.PerInstrument)
				}
			}
			scheme.Kinds[k.Kind] = KindNaming{
				Base:          k.Base,
				PerInstrument: k.PerInstrument,
				Skip:          append([]int(nil), k.Skip...),
			}
		}
		namings[n.Version] = scheme
	}

	table := &Table{variants: make(map[string]*Variant, len(parsed.Variants))}
	for _, v := range parsed.Variants {
		variant, err := buildVariant(v, namings)
		if err != nil {
			return nil, err
		}
		if _, dup := table.variants[variant.Name]; dup {
			return nil, fmt.Errorf("variant %q declared twice", variant.Name)
		}
		table.variants[variant.Name] = variant
	}
	if len(table.variants) == 0 {
		return nil, fmt.Errorf("variant table declares no variants")
	}
	return table, nil
}

func buildVariant(v *hclVariant, namings map[string]*NamingScheme) (*Variant, error) {
	if len(v.Instruments) == 0 {
		return nil, fmt.Errorf("variant %q: no instruments", v.Name)
	}
	seen := make(map[string]bool, len(v.Instruments))
	for _, inst := range v.Instruments {
		if inst == "" || seen[inst] {
			return nil, fmt.Errorf("variant %q: empty or duplicate instrument %q", v.Name, inst)
		}
		seen[inst] = true
	}

	act := Activation(v.Activation)
	switch act {
	case ActivationLeakyReLU, ActivationELU:
	default:
		return nil, fmt.Errorf("variant %q: invalid activation %q: must be %q or %q",
			v.Name, v.Activation, ActivationLeakyReLU, ActivationELU)
	}

	mode := OutputMode(v.OutputMode)
	switch mode {
	case OutputSigmoidMask, OutputSoftmaxLogit:
	default:
		return nil, fmt.Errorf("variant %q: invalid output_mode %q: must be %q or %q",
			v.Name, v.OutputMode, OutputSigmoidMask, OutputSoftmaxLogit)
	}

	naming, ok := namings[v.Naming]
	if !ok {
		return nil, fmt.Errorf("variant %q: unknown naming %q", v.Name, v.Naming)
	}

	overrides := make(map[OverrideKey]string, len(v.Overrides))
	for _, o := range v.Overrides {
		if o.Instrument < 0 || o.Instrument >= len(v.Instruments) {
			return nil, fmt.Errorf("variant %q: override for instrument %d out of range", v.Name, o.Instrument)
		}
		overrides[OverrideKey{Instrument: o.Instrument, Slot: o.Slot}] = o.Name
	}

	return &Variant{
		Name:        v.Name,
		Instruments: append([]string(nil), v.Instruments...),
		Activation:  act,
		OutputMode:  mode,
		URL:         v.URL,
		Naming:      naming,
		Overrides:   overrides,
	}, nil
}
