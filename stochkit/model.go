// Package stochkit translates reaction networks into StochKit2 models and
// runs StochKit's ssa driver.
package stochkit

import (
	"encoding/xml"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/network"
	"github.com/njchilds90/gossa/propensity"
)

// Parameter is a named constant of the model.
type Parameter struct {
	Name  string
	Value float64
}

// Species is a species with its initial population.
type Species struct {
	Name    string
	Initial int64
}

// Term is a species with its multiplicity on one side of a reaction.
type Term struct {
	Species string
	Count   int
}

// Reaction carries a customized propensity.
type Reaction struct {
	Name       string
	Reactants  []Term
	Products   []Term
	Propensity string
}

// Model is a StochKit2 model.
type Model struct {
	Name       string
	Parameters []Parameter
	Species    []Species
	Reactions  []Reaction
}

func terms(idx []int) []Term {
	counts := make(map[int]int)
	for _, i := range idx {
		counts[i]++
	}
	keys := make([]int, 0, len(counts))
	for i := range counts {
		keys = append(keys, i)
	}
	sort.Ints(keys)
	out := make([]Term, len(keys))
	for k, i := range keys {
		out[k] = Term{Species: network.SpeciesSymbol(i), Count: counts[i]}
	}
	return out
}

// Translate builds a model of n. Only parameters some rate law uses are
// declared. Nil params or initials fall back to the network's values; other
// lengths must match the network.
func Translate(n *network.Network, params, initials []float64) (*Model, error) {
	if params != nil && len(params) != n.NumParams() {
		return nil, gossa.Configf("params", "%d values for %d parameters", len(params), n.NumParams())
	}
	if initials != nil && len(initials) != n.NumSpecies() {
		return nil, gossa.Configf("initials", "%d values for %d species", len(initials), n.NumSpecies())
	}
	prog, err := propensity.Compile(n, propensity.Options{Dialect: propensity.Named()})
	if err != nil {
		return nil, err
	}
	used, err := n.UsedParameters()
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = n.NominalParameters()
	}
	if initials == nil {
		initials = n.InitialCounts()
	}

	m := &Model{Name: n.Name}
	for i, p := range n.Parameters {
		if used[i] {
			m.Parameters = append(m.Parameters, Parameter{Name: p.Name, Value: params[i]})
		}
	}
	for i, v := range initials {
		m.Species = append(m.Species, Species{Name: network.SpeciesSymbol(i), Initial: int64(math.Round(v))})
	}
	for i, r := range n.Reactions {
		m.Reactions = append(m.Reactions, Reaction{
			Name:       "Rxn" + strconv.Itoa(i),
			Reactants:  terms(r.Reactants),
			Products:   terms(r.Products),
			Propensity: prog.Rate(i),
		})
	}
	return m, nil
}

type xmlRef struct {
	ID            string `xml:"id,attr"`
	Stoichiometry int    `xml:"stoichiometry,attr"`
}

type xmlReaction struct {
	ID                 string   `xml:"Id"`
	Type               string   `xml:"Type"`
	PropensityFunction string   `xml:"PropensityFunction"`
	Reactants          []xmlRef `xml:"Reactants>SpeciesReference"`
	Products           []xmlRef `xml:"Products>SpeciesReference"`
}

type xmlParameter struct {
	ID         string `xml:"Id"`
	Expression string `xml:"Expression"`
}

type xmlSpecies struct {
	ID                string `xml:"Id"`
	InitialPopulation int64  `xml:"InitialPopulation"`
}

type xmlModel struct {
	XMLName           xml.Name       `xml:"Model"`
	Description       string         `xml:"Description"`
	NumberOfReactions int            `xml:"NumberOfReactions"`
	NumberOfSpecies   int            `xml:"NumberOfSpecies"`
	Parameters        []xmlParameter `xml:"ParametersList>Parameter"`
	Reactions         []xmlReaction  `xml:"ReactionsList>Reaction"`
	Species           []xmlSpecies   `xml:"SpeciesList>Species"`
}

func refs(ts []Term) []xmlRef {
	out := make([]xmlRef, len(ts))
	for i, t := range ts {
		out[i] = xmlRef{ID: t.Species, Stoichiometry: t.Count}
	}
	return out
}

// WriteXML writes the model in StochKit2's XML input format.
func (m *Model) WriteXML(w io.Writer) error {
	x := xmlModel{
		Description:       m.Name,
		NumberOfReactions: len(m.Reactions),
		NumberOfSpecies:   len(m.Species),
	}
	for _, p := range m.Parameters {
		x.Parameters = append(x.Parameters, xmlParameter{ID: p.Name, Expression: strconv.FormatFloat(p.Value, 'g', -1, 64)})
	}
	for _, r := range m.Reactions {
		x.Reactions = append(x.Reactions, xmlReaction{
			ID:                 r.Name,
			Type:               "customized",
			PropensityFunction: r.Propensity,
			Reactants:          refs(r.Reactants),
			Products:           refs(r.Products),
		})
	}
	for _, s := range m.Species {
		x.Species = append(x.Species, xmlSpecies{ID: s.Name, InitialPopulation: s.Initial})
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(x); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
