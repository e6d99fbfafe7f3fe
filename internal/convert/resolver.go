// Package convert maps one instrument of a shared frozen graph onto the
// U-Net parameter schema.
//
// The Resolver turns (instrument, slot) into a tensor name through an
// explicit table computed once per variant from its naming scheme;
// Transfer fetches, reorders and validates the tensors.
package convert

import (
	"fmt"

	"github.com/born-ml/stemconv/internal/config"
	"github.com/born-ml/stemconv/internal/nn"
)

// Resolver resolves parameter names for every instrument of one variant.
// It is immutable and safe for concurrent use.
type Resolver struct {
	variant *config.Variant
	table   *config.NameTable
}

// NewResolver computes the name table of v for the U-Net schema.
func NewResolver(v *config.Variant) (*Resolver, error) {
	if v.Naming == nil {
		return nil, fmt.Errorf("variant %q has no naming scheme", v.Name)
	}
	table, err := v.Naming.Table(v, nn.UNetSchema().Refs())
	if err != nil {
		return nil, fmt.Errorf("variant %q: %w", v.Name, err)
	}
	return &Resolver{variant: v, table: table}, nil
}

// Variant returns the variant the resolver was built for.
func (r *Resolver) Variant() *config.Variant {
	return r.variant
}

// Resolve returns the frozen-graph tensor name of slot for instrument.
// An instrument outside [0, N) or an unknown slot yields a
// ParameterNotFoundError.
func (r *Resolver) Resolve(instrument int, slot string) (string, error) {
	name, ok := r.table.Name(instrument, slot)
	if !ok {
		return "", &ParameterNotFoundError{Variant: r.variant.Name, Instrument: instrument, Slot: slot}
	}
	return name, nil
}
