// Package propensity compiles the rate laws of a reaction network into
// hazard source text for stochastic simulation kernels.
//
// Each rate is expanded (expression macros and observables inlined), lowered
// to a small tree where integer species powers become falling factorial
// products, and printed in a target dialect with parameter references first
// and the remaining factors in lexicographic order. Compiling the same network
// twice yields byte-identical text.
package propensity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/network"
)

type Options struct {
	// Dialect defaults to CUDA(Single).
	Dialect Dialect
	Logger  *slog.Logger
}

// Program is the compiled form of a network: stoichiometry plus one hazard
// expression per reaction. It is immutable.
type Program struct {
	NumSpecies   int
	NumParams    int
	NumReactions int
	ParamNames   []string

	stoich  *network.Stoichiometry
	dialect Dialect
	rates   []*node
	texts   []string
}

// Compile derives the stoichiometry matrix and the hazard text of every
// reaction. Expansion failures are returned as *gossa.ExpansionError and shape
// mismatches as *gossa.DimensionError; no partial program is returned.
func Compile(n *network.Network, opts Options) (*Program, error) {
	if opts.Dialect == nil {
		opts.Dialect = CUDA(Single)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	stoich, err := n.Stoichiometry()
	if err != nil {
		return nil, err
	}
	if err := stoich.Check(n.NumReactions(), n.NumSpecies()); err != nil {
		return nil, err
	}
	expanded, err := n.ExpandedRates()
	if err != nil {
		return nil, err
	}
	p := &Program{
		NumSpecies:   n.NumSpecies(),
		NumParams:    n.NumParams(),
		NumReactions: n.NumReactions(),
		stoich:       stoich,
		dialect:      opts.Dialect,
		rates:        make([]*node, len(expanded)),
		texts:        make([]string, len(expanded)),
	}
	for _, prm := range n.Parameters {
		p.ParamNames = append(p.ParamNames, prm.Name)
	}
	lw := newLowerer(n)
	for i, e := range expanded {
		nd, err := lw.lower(e)
		if err != nil {
			return nil, &gossa.ExpansionError{Name: e.String(), Reaction: i, Reason: err.Error()}
		}
		p.rates[i] = nd
		p.texts[i] = emit(opts.Dialect, nd)
	}
	log.Debug("compiled propensities",
		"network", n.Name,
		"dialect", opts.Dialect.Name(),
		"species", p.NumSpecies,
		"reactions", p.NumReactions,
		"params", p.NumParams)
	return p, nil
}

// Dialect reports how the rate text was rendered.
func (p *Program) Dialect() Dialect { return p.dialect }

// Stoichiometry returns the reactions x species change matrix.
func (p *Program) Stoichiometry() *network.Stoichiometry { return p.stoich }

// Rate returns the hazard expression of reaction i.
func (p *Program) Rate(i int) string { return p.texts[i] }

// Rates returns every hazard expression in reaction order.
func (p *Program) Rates() []string { return append([]string(nil), p.texts...) }

// HazardBlock renders one assignment per reaction, "\th[i] = <rate>;\n".
func (p *Program) HazardBlock() string {
	var b strings.Builder
	for i, r := range p.texts {
		fmt.Fprintf(&b, "\th[%d] = %s;\n", i, r)
	}
	return b.String()
}

// StoichText is the stoichiometry serialization embedded in kernels.
func (p *Program) StoichText() string { return p.stoich.Text() }

// Digest identifies the generated text.
func (p *Program) Digest() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%d %d %d\n", p.dialect.Name(), p.NumSpecies, p.NumParams, p.NumReactions)
	h.Write([]byte(p.HazardBlock()))
	h.Write([]byte(p.StoichText()))
	return hex.EncodeToString(h.Sum(nil))
}

// Evaluator returns a host-side evaluator of the same lowered rates.
func (p *Program) Evaluator() *Evaluator {
	changes := make([][]network.Change, p.NumReactions)
	for i := range changes {
		changes[i] = p.stoich.Changes(i)
	}
	return &Evaluator{rates: p.rates, changes: changes, species: p.NumSpecies, params: p.NumParams}
}
