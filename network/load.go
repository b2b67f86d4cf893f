package network

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v2"

	"github.com/njchilds90/gossa/symbolic"
)

// Document is the serialized form of a Network. Rate laws and expression
// bodies are infix strings read by symbolic.Parse.
type Document struct {
	Name        string          `json:"name,omitempty" yaml:"name,omitempty"`
	Species     []SpeciesDoc    `json:"species" yaml:"species"`
	Parameters  []ParameterDoc  `json:"parameters" yaml:"parameters"`
	Expressions []ExpressionDoc `json:"expressions,omitempty" yaml:"expressions,omitempty"`
	Observables []ObservableDoc `json:"observables,omitempty" yaml:"observables,omitempty"`
	Reactions   []ReactionDoc   `json:"reactions" yaml:"reactions"`
}

type SpeciesDoc struct {
	Name    string  `json:"name" yaml:"name"`
	Initial float64 `json:"initial" yaml:"initial"`
}

type ParameterDoc struct {
	Name  string  `json:"name" yaml:"name"`
	Value float64 `json:"value" yaml:"value"`
}

type ExpressionDoc struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr" yaml:"expr"`
}

type ObservableDoc struct {
	Name         string `json:"name" yaml:"name"`
	Coefficients []int  `json:"coefficients" yaml:"coefficients"`
	Species      []int  `json:"species" yaml:"species"`
}

type ReactionDoc struct {
	Reactants []int  `json:"reactants" yaml:"reactants"`
	Products  []int  `json:"products" yaml:"products"`
	Rate      string `json:"rate" yaml:"rate"`
}

// Network parses every expression in the document and validates the result.
func (d *Document) Network() (*Network, error) {
	n := &Network{Name: d.Name}
	for _, s := range d.Species {
		n.Species = append(n.Species, Species{Name: s.Name, Initial: s.Initial})
	}
	for _, p := range d.Parameters {
		n.Parameters = append(n.Parameters, Parameter{Name: p.Name, Value: p.Value})
	}
	for _, e := range d.Expressions {
		x, err := symbolic.Parse(e.Expr)
		if err != nil {
			return nil, fmt.Errorf("expression %s: %w", e.Name, err)
		}
		n.Expressions = append(n.Expressions, Expression{Name: e.Name, Expr: x})
	}
	for _, o := range d.Observables {
		n.Observables = append(n.Observables, Observable{
			Name:         o.Name,
			Coefficients: append([]int(nil), o.Coefficients...),
			Species:      append([]int(nil), o.Species...),
		})
	}
	for i, r := range d.Reactions {
		rate, err := symbolic.Parse(r.Rate)
		if err != nil {
			return nil, fmt.Errorf("reaction %d rate: %w", i, err)
		}
		n.Reactions = append(n.Reactions, Reaction{
			Reactants: append([]int(nil), r.Reactants...),
			Products:  append([]int(nil), r.Products...),
			Rate:      rate,
		})
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// Document converts n back to its serialized form.
func (n *Network) Document() *Document {
	d := &Document{Name: n.Name}
	for _, s := range n.Species {
		d.Species = append(d.Species, SpeciesDoc{Name: s.Name, Initial: s.Initial})
	}
	for _, p := range n.Parameters {
		d.Parameters = append(d.Parameters, ParameterDoc{Name: p.Name, Value: p.Value})
	}
	for _, e := range n.Expressions {
		d.Expressions = append(d.Expressions, ExpressionDoc{Name: e.Name, Expr: e.Expr.String()})
	}
	for _, o := range n.Observables {
		d.Observables = append(d.Observables, ObservableDoc{Name: o.Name, Coefficients: o.Coefficients, Species: o.Species})
	}
	for _, r := range n.Reactions {
		d.Reactions = append(d.Reactions, ReactionDoc{Reactants: r.Reactants, Products: r.Products, Rate: r.Rate.String()})
	}
	return d
}

// Load reads a JSON network document.
func Load(r io.Reader) (*Network, error) {
	var d Document
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode network json: %w", err)
	}
	return d.Network()
}

// LoadYAML reads a YAML network document.
func LoadYAML(r io.Reader) (*Network, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read network yaml: %w", err)
	}
	var d Document
	if err := yaml.UnmarshalStrict(data, &d); err != nil {
		return nil, fmt.Errorf("decode network yaml: %w", err)
	}
	return d.Network()
}

// LoadFile picks a reader from the file extension: .json, .yaml/.yml or a
// BioNetGen .net file.
func LoadFile(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var n *Network
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		n, err = Load(bytes.NewReader(data))
	case ".yaml", ".yml":
		n, err = LoadYAML(bytes.NewReader(data))
	case ".net":
		n, err = LoadNet(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("load network %s: unknown file type", path)
	}
	if err != nil {
		return nil, fmt.Errorf("load network %s: %w", path, err)
	}
	if n.Name == "" {
		n.Name = SafeName(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}
	return n, nil
}

// WriteJSON writes the network as an indented JSON document.
func (n *Network) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(n.Document())
}
