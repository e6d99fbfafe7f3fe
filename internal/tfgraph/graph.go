// Package tfgraph reads and writes frozen TensorFlow GraphDef files.
//
// Only Const nodes are of interest: a frozen graph stores every trained
// variable as a Const node whose "value" attribute holds the tensor. All
// other nodes are ignored when reading.
package tfgraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/born-ml/stemconv/internal/tensor"
)

// Role is the logical role of a constant, derived from its name suffix.
type Role int

// Known roles.
const (
	RoleOther Role = iota
	RoleKernel
	RoleBias
	RoleScale
	RoleShift
	RoleMean
	RoleVariance
)

var roleNames = [...]string{"other", "kernel", "bias", "scale", "shift", "mean", "variance"}

// String returns the role name.
func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// RoleFromName maps the last path element of a tensor name to a role:
// "conv2d_3/kernel" is RoleKernel, "batch_normalization/gamma" is RoleScale.
func RoleFromName(name string) Role {
	suffix := name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		suffix = name[i+1:]
	}
	switch suffix {
	case "kernel":
		return RoleKernel
	case "bias":
		return RoleBias
	case "gamma":
		return RoleScale
	case "beta":
		return RoleShift
	case "moving_mean":
		return RoleMean
	case "moving_variance":
		return RoleVariance
	default:
		return RoleOther
	}
}

// Constant is one named tensor of a frozen graph.
type Constant struct {
	Name   string
	Role   Role
	Tensor *tensor.RawTensor
}

// NewConstant builds a constant, deriving its role from the name.
func NewConstant(name string, t *tensor.RawTensor) *Constant {
	return &Constant{Name: name, Role: RoleFromName(name), Tensor: t}
}

// Graph is an immutable name -> constant mapping. Lookups are safe for
// concurrent use.
type Graph struct {
	consts map[string]*Constant
	names  []string
}

// New builds a graph from constants. Names must be unique.
func New(consts ...*Constant) (*Graph, error) {
	g := &Graph{consts: make(map[string]*Constant, len(consts))}
	for _, c := range consts {
		if c.Tensor == nil {
			return nil, fmt.Errorf("constant %q has no tensor", c.Name)
		}
		if _, dup := g.consts[c.Name]; dup {
			return nil, fmt.Errorf("duplicate constant %q", c.Name)
		}
		g.consts[c.Name] = c
		g.names = append(g.names, c.Name)
	}
	sort.Strings(g.names)
	return g, nil
}

// Lookup returns the constant with the given name.
func (g *Graph) Lookup(name string) (*Constant, bool) {
	c, ok := g.consts[name]
	return c, ok
}

// Len returns the number of constants.
func (g *Graph) Len() int {
	return len(g.consts)
}

// Names returns the constant names in sorted order.
func (g *Graph) Names() []string {
	return append([]string(nil), g.names...)
}

// Constants returns the constants ordered by name.
func (g *Graph) Constants() []*Constant {
	out := make([]*Constant, len(g.names))
	for i, n := range g.names {
		out[i] = g.consts[n]
	}
	return out
}
