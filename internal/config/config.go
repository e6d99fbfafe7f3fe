// Package config holds the immutable table of supported model variants and
// the frozen-graph naming schemes they use.
//
// The table is declared in HCL. A default copy is embedded in the binary;
// callers may load a replacement file with LoadFile.
package config

import (
	"fmt"
	"sort"
	"strconv"
)

// Activation selects the nonlinearity used by encoder and decoder stages.
type Activation string

// Supported activations.
const (
	// ActivationLeakyReLU uses leaky ReLU (slope 0.2) in the encoder and ReLU in the decoder.
	ActivationLeakyReLU Activation = "leaky_relu"
	// ActivationELU uses ELU in both encoder and decoder.
	ActivationELU Activation = "elu"
)

// OutputMode selects how the network head is combined with its input.
type OutputMode string

// Supported output modes.
const (
	// OutputSigmoidMask multiplies the input by sigmoid(head).
	OutputSigmoidMask OutputMode = "sigmoid_mask"
	// OutputSoftmaxLogit multiplies the input by the raw head; a softmax
	// across all instruments must be applied afterwards.
	OutputSoftmaxLogit OutputMode = "softmax_logit"
)

// Tensor kinds known to naming schemes.
const (
	KindConv          = "conv"
	KindConvTranspose = "conv_transpose"
	KindNorm          = "norm"
)

// Variant describes one pretrained release (2, 4 or 5 stems).
type Variant struct {
	Name        string
	Instruments []string
	Activation  Activation
	OutputMode  OutputMode
	URL         string
	Naming      *NamingScheme

	// Overrides pins explicit tensor base names for (instrument, slot key).
	Overrides map[OverrideKey]string
}

// OverrideKey addresses one slot of one instrument.
type OverrideKey struct {
	Instrument int
	Slot       string
}

// NumStems returns the number of instruments.
func (v *Variant) NumStems() int {
	return len(v.Instruments)
}

// ArchiveName returns the file name of the release archive, e.g. "4stems.tar.gz".
func (v *Variant) ArchiveName() string {
	return v.Name + ".tar.gz"
}

// NamingScheme maps architecture positions to tensor names inside a shared
// frozen graph in which every instrument's tensors were numbered
// consecutively per kind.
type NamingScheme struct {
	Version string
	Roles   map[string]string // logical role -> tensor name suffix
	Kinds   map[string]KindNaming
}

// KindNaming numbers the tensors of one kind (conv, conv_transpose, norm).
type KindNaming struct {
	Base          string
	PerInstrument int
	Skip          []int // local offsets never assigned to a layer
}

// LocalOffset returns the local offset of the layer at position within its
// kind, stepping over skipped offsets. Position 5 of a norm kind with
// skip=[5] maps to offset 6.
func (k KindNaming) LocalOffset(position int) (int, error) {
	if position < 0 {
		return 0, fmt.Errorf("negative layer position %d", position)
	}
	skip := make(map[int]bool, len(k.Skip))
	for _, s := range k.Skip {
		skip[s] = true
	}
	seen := -1
	for off := 0; off < k.PerInstrument; off++ {
		if skip[off] {
			continue
		}
		seen++
		if seen == position {
			return off, nil
		}
	}
	return 0, fmt.Errorf("%s: layer position %d exceeds %d offsets per instrument (skip %v)",
		k.Base, position, k.PerInstrument, k.Skip)
}

// TensorBase returns the op name of a layer, e.g. "conv2d" for offset 0 or
// "conv2d_13" for instrument 1, position 6.
func (k KindNaming) TensorBase(instrument, position int) (string, error) {
	local, err := k.LocalOffset(position)
	if err != nil {
		return "", err
	}
	global := instrument*k.PerInstrument + local
	if global == 0 {
		return k.Base, nil
	}
	return k.Base + "_" + strconv.Itoa(global), nil
}

// Kind looks up a tensor kind.
func (n *NamingScheme) Kind(kind string) (KindNaming, error) {
	k, ok := n.Kinds[kind]
	if !ok {
		return KindNaming{}, fmt.Errorf("naming %q: unknown tensor kind %q", n.Version, kind)
	}
	return k, nil
}

// RoleSuffix returns the tensor name suffix of a logical role.
func (n *NamingScheme) RoleSuffix(role string) (string, error) {
	s, ok := n.Roles[role]
	if !ok {
		return "", fmt.Errorf("naming %q: unknown role %q", n.Version, role)
	}
	return s, nil
}

// Table is the immutable set of variants loaded at startup.
type Table struct {
	variants map[string]*Variant
}

// Variant returns the named variant.
func (t *Table) Variant(name string) (*Variant, error) {
	v, ok := t.variants[name]
	if !ok {
		return nil, fmt.Errorf("unknown model variant %q (available: %v)", name, t.Names())
	}
	return v, nil
}

// Names returns the variant names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.variants))
	for name := range t.variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LayerRef places one parameter slot in the architecture: which kind of
// layer holds it, the layer's position among layers of that kind, and the
// parameter's role.
type LayerRef struct {
	Slot     string
	Kind     string
	Position int
	Role     string
}

// NameTable maps (instrument, slot) to a tensor name inside the shared
// frozen graph. It is computed once per variant.
type NameTable struct {
	Variant string
	Naming  string
	names   [][]string // [instrument][slot index]
	slots   map[string]int
}

// Name returns the tensor name of slot for instrument.
func (t *NameTable) Name(instrument int, slot string) (string, bool) {
	if instrument < 0 || instrument >= len(t.names) {
		return "", false
	}
	i, ok := t.slots[slot]
	if !ok {
		return "", false
	}
	return t.names[instrument][i], true
}

// Instruments returns the number of instruments covered by the table.
func (t *NameTable) Instruments() int {
	return len(t.names)
}

// Table resolves every ref for every instrument of v into an explicit
// name table. Variant overrides replace the computed op name.
func (n *NamingScheme) Table(v *Variant, refs []LayerRef) (*NameTable, error) {
	t := &NameTable{
		Variant: v.Name,
		Naming:  n.Version,
		names:   make([][]string, v.NumStems()),
		slots:   make(map[string]int, len(refs)),
	}
	for i, ref := range refs {
		if _, dup := t.slots[ref.Slot]; dup {
			return nil, fmt.Errorf("duplicate slot %q", ref.Slot)
		}
		t.slots[ref.Slot] = i
	}

	for inst := range t.names {
		row := make([]string, len(refs))
		for i, ref := range refs {
			kind, err := n.Kind(ref.Kind)
			if err != nil {
				return nil, err
			}
			suffix, err := n.RoleSuffix(ref.Role)
			if err != nil {
				return nil, err
			}
			base, ok := v.Overrides[OverrideKey{Instrument: inst, Slot: ref.Slot}]
			if !ok {
				if base, err = kind.TensorBase(inst, ref.Position); err != nil {
					return nil, fmt.Errorf("slot %q: %w", ref.Slot, err)
				}
			}
			row[i] = base + "/" + suffix
		}
		t.names[inst] = row
	}
	return t, nil
}
