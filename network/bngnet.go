package network

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/njchilds90/gossa/symbolic"
)

// LoadNet reads a BioNetGen .net file. Recognized blocks are parameters,
// species, functions, reactions and groups; others are skipped. Indices in
// the file are 1-based and species 0 stands for the null species. The rate
// law of each reaction is its rate constant times the product of its
// reactant species.
func LoadNet(r io.Reader) (*Network, error) {
	n := &Network{}
	values := map[string]float64{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	block := ""
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch {
		case fields[0] == "begin" && len(fields) > 1:
			block = strings.Join(fields[1:], " ")
			continue
		case fields[0] == "end":
			block = ""
			continue
		}
		var err error
		switch block {
		case "parameters":
			err = netParameter(n, values, fields)
		case "species":
			err = netSpecies(n, values, fields)
		case "functions":
			err = netFunction(n, fields)
		case "reactions":
			err = netReaction(n, fields)
		case "groups":
			err = netGroup(n, fields)
		}
		if err != nil {
			return nil, fmt.Errorf("net line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read net: %w", err)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// evalConst reduces src to a number using previously defined parameters.
func evalConst(src string, values map[string]float64) (float64, error) {
	if v, err := strconv.ParseFloat(src, 64); err == nil {
		return v, nil
	}
	e, err := symbolic.Parse(src)
	if err != nil {
		return 0, err
	}
	e, err = symbolic.ReplaceSymbols(e, func(s *symbolic.Sym) (symbolic.Expr, error) {
		v, ok := values[s.Name()]
		if !ok {
			return nil, fmt.Errorf("%s is not a known parameter", s.Name())
		}
		return symbolic.NFloat(v), nil
	})
	if err != nil {
		return 0, err
	}
	num, ok := e.(*symbolic.Num)
	if !ok {
		return 0, fmt.Errorf("%q does not evaluate to a number", src)
	}
	return num.Float64(), nil
}

func netParameter(n *Network, values map[string]float64, f []string) error {
	if len(f) < 3 {
		return fmt.Errorf("parameter line needs index, name and value")
	}
	v, err := evalConst(strings.Join(f[2:], ""), values)
	if err != nil {
		return fmt.Errorf("parameter %s: %w", f[1], err)
	}
	values[f[1]] = v
	n.Parameters = append(n.Parameters, Parameter{Name: f[1], Value: v})
	return nil
}

func netSpecies(n *Network, values map[string]float64, f []string) error {
	if len(f) < 3 {
		return fmt.Errorf("species line needs index, pattern and amount")
	}
	v, err := evalConst(strings.Join(f[2:], ""), values)
	if err != nil {
		return fmt.Errorf("species %s: %w", f[1], err)
	}
	n.Species = append(n.Species, Species{Name: strings.TrimPrefix(f[1], "$"), Initial: v})
	return nil
}

func netFunction(n *Network, f []string) error {
	if len(f) < 3 {
		return fmt.Errorf("function line needs index, name and body")
	}
	name := f[1]
	if strings.HasSuffix(name, "()") {
		name = strings.TrimSuffix(name, "()")
	} else if strings.Contains(name, "(") {
		return fmt.Errorf("function %s: local functions are not supported", name)
	}
	body, err := symbolic.Parse(strings.Join(f[2:], ""))
	if err != nil {
		return fmt.Errorf("function %s: %w", name, err)
	}
	n.Expressions = append(n.Expressions, Expression{Name: name, Expr: body})
	return nil
}

// netIndices parses a comma-separated list of 1-based species indices,
// dropping the null species.
func netIndices(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		i, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad species index %q", part)
		}
		if i == 0 {
			continue
		}
		out = append(out, i-1)
	}
	return out, nil
}

func netReaction(n *Network, f []string) error {
	if len(f) < 4 {
		return fmt.Errorf("reaction line needs index, reactants, products and rate")
	}
	reactants, err := netIndices(f[1])
	if err != nil {
		return err
	}
	products, err := netIndices(f[2])
	if err != nil {
		return err
	}
	k, err := symbolic.Parse(strings.Join(f[3:], ""))
	if err != nil {
		return fmt.Errorf("reaction %s rate: %w", f[0], err)
	}
	factors := []symbolic.Expr{k}
	for _, s := range reactants {
		factors = append(factors, symbolic.S(SpeciesSymbol(s)))
	}
	n.Reactions = append(n.Reactions, Reaction{
		Reactants: reactants,
		Products:  products,
		Rate:      symbolic.MulOf(factors...),
	})
	return nil
}

// netGroup reads an observable; entries are "i" or "w*i".
func netGroup(n *Network, f []string) error {
	if len(f) < 2 {
		return fmt.Errorf("group line needs index and name")
	}
	o := Observable{Name: f[1]}
	if len(f) > 2 {
		for _, part := range strings.Split(strings.Join(f[2:], ""), ",") {
			w, idx := 1, part
			if i := strings.IndexByte(part, '*'); i >= 0 {
				var err error
				if w, err = strconv.Atoi(part[:i]); err != nil {
					return fmt.Errorf("group %s: bad weight %q", o.Name, part[:i])
				}
				idx = part[i+1:]
			}
			s, err := strconv.Atoi(idx)
			if err != nil || s < 1 {
				return fmt.Errorf("group %s: bad species index %q", o.Name, idx)
			}
			o.Coefficients = append(o.Coefficients, w)
			o.Species = append(o.Species, s-1)
		}
	}
	n.Observables = append(n.Observables, o)
	return nil
}
