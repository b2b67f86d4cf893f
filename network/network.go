// Package network holds a pre-computed reaction network: species, parameters,
// expression macros, observables and reactions with symbolic rate laws.
//
// A Network is read-only once built. Species are identified by their dense
// index and appear in rate expressions as the symbols __s0, __s1, ...
package network

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/symbolic"
)

// SpeciesPrefix starts every species symbol.
const SpeciesPrefix = "__s"

// Parameter is a named numeric constant.
type Parameter struct {
	Name  string
	Value float64
}

// Species carries a display name and the initial copy number.
type Species struct {
	Name    string
	Initial float64
}

// Expression is a named macro expanded inline into any rate that refers to it.
type Expression struct {
	Name string
	Expr symbolic.Expr
}

// Observable is a weighted sum of species copy numbers.
type Observable struct {
	Name         string
	Coefficients []int
	Species      []int
}

// Reaction lists reactant and product species indices as multisets; an index
// repeated k times means k molecules.
type Reaction struct {
	Reactants []int
	Products  []int
	Rate      symbolic.Expr
}

type Network struct {
	Name        string
	Species     []Species
	Parameters  []Parameter
	Expressions []Expression
	Observables []Observable
	Reactions   []Reaction
}

func (n *Network) NumSpecies() int   { return len(n.Species) }
func (n *Network) NumReactions() int { return len(n.Reactions) }
func (n *Network) NumParams() int    { return len(n.Parameters) }

// SpeciesSymbol returns the symbol naming species i.
func SpeciesSymbol(i int) string { return SpeciesPrefix + strconv.Itoa(i) }

var speciesRe = regexp.MustCompile(`^__s(0|[1-9][0-9]*)$`)

// ParseSpeciesSymbol returns the index encoded in a species symbol.
func ParseSpeciesSymbol(name string) (int, bool) {
	m := speciesRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	i, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return i, true
}

// looksLikeSpecies matches anything a reader could take for a species
// reference, including zero-padded indices.
var looksLikeSpecies = regexp.MustCompile(`^_*s[0-9]+$`)

var identRe = regexp.MustCompile(`^[_A-Za-z][_A-Za-z0-9]*$`)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]*$`)

// SafeName maps name onto the characters a network name may use, replacing
// every other character with an underscore.
func SafeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		}
		return '_'
	}, name)
}

// ParamIndex returns the position of the named parameter.
func (n *Network) ParamIndex(name string) (int, bool) {
	for i, p := range n.Parameters {
		if p.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Validate checks the network name, indices against the declared counts and that every
// parameter, expression and observable name can be substituted unambiguously.
func (n *Network) Validate() error {
	if !nameRe.MatchString(n.Name) {
		return gossa.Configf("name", "network name %q may only use letters, digits, '_', '.' and '-'", n.Name)
	}
	if len(n.Species) == 0 {
		return gossa.Configf("species", "network has no species")
	}
	if len(n.Reactions) == 0 {
		return gossa.Configf("reactions", "network has no reactions")
	}
	seen := map[string]string{}
	claim := func(kind, name string) error {
		switch {
		case !identRe.MatchString(name):
			return &gossa.ExpansionError{Name: name, Reaction: -1, Reason: kind + " name is not an identifier"}
		case looksLikeSpecies.MatchString(name):
			return &gossa.ExpansionError{Name: name, Reaction: -1, Reason: kind + " name collides with species symbols"}
		}
		if prev, ok := seen[name]; ok {
			return &gossa.ExpansionError{Name: name, Reaction: -1, Reason: fmt.Sprintf("%s name already used by a %s", kind, prev)}
		}
		seen[name] = kind
		return nil
	}
	for _, p := range n.Parameters {
		if err := claim("parameter", p.Name); err != nil {
			return err
		}
	}
	for _, e := range n.Expressions {
		if err := claim("expression", e.Name); err != nil {
			return err
		}
		if e.Expr == nil {
			return &gossa.ExpansionError{Name: e.Name, Reaction: -1, Reason: "expression has no body"}
		}
	}
	for _, o := range n.Observables {
		if err := claim("observable", o.Name); err != nil {
			return err
		}
		if len(o.Coefficients) != len(o.Species) {
			return &gossa.DimensionError{What: "observable " + o.Name + " coefficients", Want: len(o.Species), Got: len(o.Coefficients)}
		}
		for _, s := range o.Species {
			if s < 0 || s >= len(n.Species) {
				return &gossa.DimensionError{What: "observable " + o.Name + " species index", Want: len(n.Species), Got: s}
			}
		}
	}
	for i, r := range n.Reactions {
		if r.Rate == nil {
			return &gossa.ExpansionError{Name: "rate", Reaction: i, Reason: "reaction has no rate law"}
		}
		for _, idx := range append(append([]int(nil), r.Reactants...), r.Products...) {
			if idx < 0 || idx >= len(n.Species) {
				return &gossa.DimensionError{What: fmt.Sprintf("reaction %d species index", i), Want: len(n.Species), Got: idx}
			}
		}
	}
	return nil
}

type symbolKind int

const (
	kindParameter symbolKind = iota + 1
	kindExpression
	kindObservable
)

type scope struct {
	net   *Network
	kinds map[string]symbolKind
	exprs map[string]symbolic.Expr
	obs   map[string]symbolic.Expr
	done  map[string]symbolic.Expr
}

func newScope(n *Network) *scope {
	sc := &scope{
		net:   n,
		kinds: map[string]symbolKind{},
		exprs: map[string]symbolic.Expr{},
		obs:   map[string]symbolic.Expr{},
		done:  map[string]symbolic.Expr{},
	}
	for _, p := range n.Parameters {
		sc.kinds[p.Name] = kindParameter
	}
	for _, e := range n.Expressions {
		sc.kinds[e.Name] = kindExpression
		sc.exprs[e.Name] = e.Expr
	}
	for _, o := range n.Observables {
		sc.kinds[o.Name] = kindObservable
		terms := make([]symbolic.Expr, len(o.Species))
		for i, s := range o.Species {
			terms[i] = symbolic.MulOf(symbolic.N(int64(o.Coefficients[i])), symbolic.S(SpeciesSymbol(s)))
		}
		sc.obs[o.Name] = symbolic.AddOf(terms...)
	}
	return sc
}

func (sc *scope) expand(e symbolic.Expr, reaction int, stack []string) (symbolic.Expr, error) {
	return symbolic.ReplaceSymbols(e, func(s *symbolic.Sym) (symbolic.Expr, error) {
		name := s.Name()
		if i, ok := ParseSpeciesSymbol(name); ok {
			if i >= len(sc.net.Species) {
				return nil, &gossa.ExpansionError{Name: name, Reaction: reaction, Reason: fmt.Sprintf("species index out of range (%d species)", len(sc.net.Species))}
			}
			return nil, nil
		}
		switch sc.kinds[name] {
		case kindParameter:
			return nil, nil
		case kindObservable:
			return sc.obs[name], nil
		case kindExpression:
			if out, ok := sc.done[name]; ok {
				return out, nil
			}
			for _, outer := range stack {
				if outer == name {
					cycle := strings.Join(append(stack, name), " -> ")
					return nil, &gossa.ExpansionError{Name: name, Reaction: reaction, Reason: "expression refers to itself: " + cycle}
				}
			}
			out, err := sc.expand(sc.exprs[name], reaction, append(stack, name))
			if err != nil {
				return nil, err
			}
			sc.done[name] = out
			return out, nil
		}
		return nil, &gossa.ExpansionError{Name: name, Reaction: reaction, Reason: "unknown symbol"}
	})
}

// Expand inlines expression macros (recursively) and observables into e,
// leaving only species symbols, parameters and numbers.
func (n *Network) Expand(e symbolic.Expr) (symbolic.Expr, error) {
	return newScope(n).expand(e, -1, nil)
}

// ExpandedRates expands every reaction's rate law in reaction order.
func (n *Network) ExpandedRates() ([]symbolic.Expr, error) {
	sc := newScope(n)
	out := make([]symbolic.Expr, len(n.Reactions))
	for i, r := range n.Reactions {
		e, err := sc.expand(r.Rate, i, nil)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// NominalParameters returns the declared parameter values in order.
func (n *Network) NominalParameters() []float64 {
	out := make([]float64, len(n.Parameters))
	for i, p := range n.Parameters {
		out[i] = p.Value
	}
	return out
}

// InitialCounts returns the initial copy numbers rounded to whole molecules.
func (n *Network) InitialCounts() []float64 {
	out := make([]float64, len(n.Species))
	for i, s := range n.Species {
		out[i] = math.Round(s.Initial)
	}
	return out
}

// UsedParameters reports, per parameter, whether some expanded rate law
// refers to it.
func (n *Network) UsedParameters() ([]bool, error) {
	rates, err := n.ExpandedRates()
	if err != nil {
		return nil, err
	}
	used := make([]bool, len(n.Parameters))
	for _, r := range rates {
		for name := range symbolic.FreeSymbols(r) {
			if i, ok := n.ParamIndex(name); ok {
				used[i] = true
			}
		}
	}
	return used, nil
}

// UnusedParameters lists parameters no rate law depends on, in declaration
// order.
func (n *Network) UnusedParameters() ([]string, error) {
	used, err := n.UsedParameters()
	if err != nil {
		return nil, err
	}
	var out []string
	for i, u := range used {
		if !u {
			out = append(out, n.Parameters[i].Name)
		}
	}
	return out, nil
}
