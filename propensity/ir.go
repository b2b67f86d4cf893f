package propensity

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/njchilds90/gossa/network"
	"github.com/njchilds90/gossa/symbolic"
)

type opKind uint8

const (
	opConst opKind = iota
	opSpecies
	opParam
	opFalling // y[index] - offset
	opSum
	opProduct
	opPower
	opCall
)

// node is the lowered form of an expanded rate law. Products keep numerator
// and denominator factors apart so division is rendered explicitly, and
// integer powers of species are already spliced into falling factorial
// factors.
type node struct {
	op     opKind
	value  float64
	lit    string
	index  int
	offset int
	name   string
	neg    bool
	kids   []*node
	den    []*node
}

// MaxFallingOrder is the largest integer power of a species that is
// rewritten as a falling factorial. Higher powers are rejected.
const MaxFallingOrder = 1000

type lowerer struct {
	params map[string]int
}

func newLowerer(n *network.Network) *lowerer {
	lw := &lowerer{params: make(map[string]int, len(n.Parameters))}
	for i, p := range n.Parameters {
		lw.params[p.Name] = i
	}
	return lw
}

func constNode(r *big.Rat) *node {
	f, _ := r.Float64()
	return &node{op: opConst, value: f, lit: literal(r)}
}

// literal spells a rational as a C numeric literal. Non-integers are written
// in decimal so no integer division can appear in generated code.
func literal(r *big.Rat) string {
	if r.IsInt() && r.Num().IsInt64() {
		if v := r.Num().Int64(); v > -(1<<53) && v < 1<<53 {
			return strconv.FormatInt(v, 10)
		}
	}
	f, _ := r.Float64()
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if strings.ContainsAny(s, ".e") {
		return s
	}
	return s + ".0"
}

func (lw *lowerer) lower(e symbolic.Expr) (*node, error) {
	switch v := e.(type) {
	case *symbolic.Num:
		return constNode(v.Rat()), nil
	case *symbolic.Sym:
		return lw.leaf(v)
	case *symbolic.Add:
		sum := &node{op: opSum}
		for _, t := range v.Terms() {
			k, err := lw.lower(t)
			if err != nil {
				return nil, err
			}
			sum.kids = append(sum.kids, k)
		}
		return sum, nil
	case *symbolic.Mul:
		return lw.product(v.Factors())
	case *symbolic.Pow:
		return lw.product([]symbolic.Expr{v})
	case *symbolic.Func:
		call := &node{op: opCall, name: v.FuncName()}
		for _, a := range v.Args() {
			k, err := lw.lower(a)
			if err != nil {
				return nil, err
			}
			call.kids = append(call.kids, k)
		}
		return call, nil
	}
	return nil, fmt.Errorf("cannot lower %T", e)
}

func (lw *lowerer) leaf(s *symbolic.Sym) (*node, error) {
	if i, ok := network.ParseSpeciesSymbol(s.Name()); ok {
		return &node{op: opSpecies, index: i}, nil
	}
	if i, ok := lw.params[s.Name()]; ok {
		return &node{op: opParam, index: i, name: s.Name()}, nil
	}
	return nil, fmt.Errorf("symbol %s is neither a species nor a parameter", s.Name())
}

// product lowers a list of factors. A leading numeric coefficient supplies
// the sign; species raised to an integer k >= 2 become k falling factorial
// factors spliced into this product.
func (lw *lowerer) product(factors []symbolic.Expr) (*node, error) {
	p := &node{op: opProduct}
	for _, f := range factors {
		switch v := f.(type) {
		case *symbolic.Num:
			r := v.Rat()
			if r.Sign() < 0 {
				p.neg = !p.neg
				r.Neg(r)
			}
			if r.Cmp(big.NewRat(1, 1)) != 0 {
				p.kids = append(p.kids, constNode(r))
			}
		case *symbolic.Pow:
			if err := lw.power(p, v); err != nil {
				return nil, err
			}
		default:
			k, err := lw.lower(f)
			if err != nil {
				return nil, err
			}
			p.kids = append(p.kids, k)
		}
	}
	return p, nil
}

func (lw *lowerer) power(p *node, v *symbolic.Pow) error {
	base, err := lw.lower(v.Base())
	if err != nil {
		return err
	}
	k, isInt := v.IntExp()
	switch {
	case isInt && k > MaxFallingOrder && base.op == opSpecies:
		return fmt.Errorf("species power %d exceeds %d", k, MaxFallingOrder)
	case isInt && k >= 2 && base.op == opSpecies:
		p.kids = append(p.kids, base)
		for j := int64(1); j < k; j++ {
			p.kids = append(p.kids, &node{op: opFalling, index: base.index, offset: int(j)})
		}
		return nil
	case isInt && k == -1:
		p.den = append(p.den, base)
		return nil
	case isInt && k < -1:
		exp := constNode(big.NewRat(-k, 1))
		p.den = append(p.den, &node{op: opPower, kids: []*node{base, exp}})
		return nil
	}
	exp, err := lw.lower(v.ExpExpr())
	if err != nil {
		return err
	}
	p.kids = append(p.kids, &node{op: opPower, kids: []*node{base, exp}})
	return nil
}

// eval computes the node for state y and parameters k.
func (n *node) eval(y, k []float64) float64 {
	switch n.op {
	case opConst:
		return n.value
	case opSpecies:
		return y[n.index]
	case opParam:
		return k[n.index]
	case opFalling:
		return y[n.index] - float64(n.offset)
	case opSum:
		s := 0.0
		for _, c := range n.kids {
			s += c.eval(y, k)
		}
		return s
	case opProduct:
		v := 1.0
		for _, c := range n.kids {
			v *= c.eval(y, k)
		}
		if len(n.den) > 0 {
			d := 1.0
			for _, c := range n.den {
				d *= c.eval(y, k)
			}
			v /= d
		}
		if n.neg {
			v = -v
		}
		return v
	case opPower:
		return math.Pow(n.kids[0].eval(y, k), n.kids[1].eval(y, k))
	case opCall:
		return callMath(n.name, n.kids, y, k)
	}
	return math.NaN()
}

func callMath(name string, args []*node, y, k []float64) float64 {
	a := args[0].eval(y, k)
	switch name {
	case "exp":
		return math.Exp(a)
	case "log":
		return math.Log(a)
	case "abs":
		return math.Abs(a)
	case "sin":
		return math.Sin(a)
	case "cos":
		return math.Cos(a)
	case "tan":
		return math.Tan(a)
	case "floor":
		return math.Floor(a)
	case "ceil":
		return math.Ceil(a)
	case "min":
		return math.Min(a, args[1].eval(y, k))
	case "max":
		return math.Max(a, args[1].eval(y, k))
	}
	return math.NaN()
}
