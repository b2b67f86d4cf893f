// Package symbolic provides a deterministic expression kernel for rate laws.
//
// Design goals:
//   - Exact rational arithmetic (math/big.Rat)
//   - Deterministic simplification and stable output, independent of the
//     order in which terms were built
//   - String output that Parse reads back
package symbolic

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
)

// ============================================================
// Core Interface
// ============================================================

type Expr interface {
	Simplify() Expr
	String() string
	Sub(varName string, value Expr) Expr
	Equal(other Expr) bool
	exprType() string
}

// ============================================================
// Num: exact rational number
// ============================================================

type Num struct{ val *big.Rat }

func N(n int64) *Num { return &Num{val: new(big.Rat).SetInt64(n)} }
func F(p, q int64) *Num {
	if q == 0 {
		panic("symbolic: denominator is zero")
	}
	return &Num{val: new(big.Rat).SetFrac(big.NewInt(p), big.NewInt(q))}
}
func NFloat(f float64) *Num          { return &Num{val: new(big.Rat).SetFloat64(f)} }
func NRat(r *big.Rat) *Num           { return &Num{val: new(big.Rat).Set(r)} }
func (n *Num) Simplify() Expr        { return n }
func (n *Num) Sub(string, Expr) Expr { return n }
func (n *Num) Equal(other Expr) bool { o, ok := other.(*Num); return ok && n.val.Cmp(o.val) == 0 }
func (n *Num) exprType() string      { return "num" }
func (n *Num) Float64() float64      { f, _ := n.val.Float64(); return f }
func (n *Num) IsZero() bool          { return n.val.Sign() == 0 }
func (n *Num) IsOne() bool           { return n.val.Cmp(big.NewRat(1, 1)) == 0 }
func (n *Num) IsNegOne() bool        { return n.val.Cmp(big.NewRat(-1, 1)) == 0 }
func (n *Num) IsInteger() bool       { return n.val.IsInt() }
func (n *Num) Rat() *big.Rat         { return new(big.Rat).Set(n.val) }
func (n *Num) IsPositive() bool      { return n.val.Sign() > 0 }
func (n *Num) IsNegative() bool      { return n.val.Sign() < 0 }

// Int64 returns the integer value and whether n is an integer that fits.
func (n *Num) Int64() (int64, bool) {
	if !n.val.IsInt() || !n.val.Num().IsInt64() {
		return 0, false
	}
	return n.val.Num().Int64(), true
}

func (n *Num) String() string {
	if n.val.IsInt() {
		return n.val.Num().String()
	}
	return n.val.RatString()
}

func numAdd(a, b *Num) *Num { return &Num{val: new(big.Rat).Add(a.val, b.val)} }
func numMul(a, b *Num) *Num { return &Num{val: new(big.Rat).Mul(a.val, b.val)} }
func numRecip(a *Num) *Num {
	if a.IsZero() {
		panic("symbolic: division by zero")
	}
	return &Num{val: new(big.Rat).Inv(a.val)}
}

// ============================================================
// Sym: symbolic variable
// ============================================================

type Sym struct{ name string }

func S(name string) *Sym             { return &Sym{name: name} }
func (s *Sym) Simplify() Expr        { return s }
func (s *Sym) String() string        { return s.name }
func (s *Sym) Equal(other Expr) bool { o, ok := other.(*Sym); return ok && s.name == o.name }
func (s *Sym) exprType() string      { return "sym" }
func (s *Sym) Name() string          { return s.name }
func (s *Sym) Sub(varName string, value Expr) Expr {
	if s.name == varName {
		return value
	}
	return s
}

// ============================================================
// Add: sum of terms
// ============================================================

type Add struct{ terms []Expr }

func AddOf(terms ...Expr) Expr { return (&Add{terms: terms}).Simplify() }

// splitCoeff separates a leading numeric coefficient from a term.
func splitCoeff(e Expr) (*Num, Expr) {
	if m, ok := e.(*Mul); ok && len(m.factors) >= 2 {
		if coeff, ok2 := m.factors[0].(*Num); ok2 {
			rest := m.factors[1:]
			if len(rest) == 1 {
				return coeff, rest[0]
			}
			return coeff, &Mul{factors: rest}
		}
	}
	return N(1), e
}

func (a *Add) Simplify() Expr {
	flat := make([]Expr, 0, len(a.terms))
	for _, t := range a.terms {
		s := t.Simplify()
		if inner, ok := s.(*Add); ok {
			flat = append(flat, inner.terms...)
		} else {
			flat = append(flat, s)
		}
	}
	numAccum := N(0)
	coeffs := map[string]*Num{}
	bodies := map[string]Expr{}
	keys := []string{}
	for _, t := range flat {
		if v, ok := t.(*Num); ok {
			numAccum = numAdd(numAccum, v)
			continue
		}
		coeff, body := splitCoeff(t)
		key := body.String()
		if _, seen := coeffs[key]; !seen {
			keys = append(keys, key)
			coeffs[key] = N(0)
			bodies[key] = body
		}
		coeffs[key] = numAdd(coeffs[key], coeff)
	}
	sort.Strings(keys)
	result := []Expr{}
	for _, key := range keys {
		coeff := coeffs[key]
		switch {
		case coeff.IsZero():
			continue
		case coeff.IsOne():
			result = append(result, bodies[key])
		default:
			result = append(result, MulOf(coeff, bodies[key]))
		}
	}
	if !numAccum.IsZero() {
		result = append(result, numAccum)
	}
	if len(result) == 0 {
		return N(0)
	}
	if len(result) == 1 {
		return result[0]
	}
	return &Add{terms: result}
}

func (a *Add) String() string {
	if len(a.terms) == 0 {
		return "0"
	}
	parts := make([]string, len(a.terms))
	for i, t := range a.terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, " + ")
}

func (a *Add) Sub(varName string, value Expr) Expr {
	newTerms := make([]Expr, len(a.terms))
	for i, t := range a.terms {
		newTerms[i] = t.Sub(varName, value)
	}
	return AddOf(newTerms...)
}

func (a *Add) Equal(other Expr) bool {
	o, ok := other.(*Add)
	if !ok || len(a.terms) != len(o.terms) {
		return false
	}
	for i := range a.terms {
		if !a.terms[i].Equal(o.terms[i]) {
			return false
		}
	}
	return true
}

func (a *Add) exprType() string { return "add" }
func (a *Add) Terms() []Expr    { return append([]Expr(nil), a.terms...) }

// ============================================================
// Mul: product of factors
// ============================================================

type Mul struct{ factors []Expr }

func MulOf(factors ...Expr) Expr { return (&Mul{factors: factors}).Simplify() }

func (m *Mul) Simplify() Expr {
	flat := make([]Expr, 0, len(m.factors))
	for _, f := range m.factors {
		s := f.Simplify()
		if inner, ok := s.(*Mul); ok {
			flat = append(flat, inner.factors...)
		} else {
			flat = append(flat, s)
		}
	}
	coeff := N(1)
	// Equal bases collapse into one power: x*x -> x**2, x**a*x -> x**(a + 1).
	bases := map[string]Expr{}
	exps := map[string][]Expr{}
	order := []string{}
	for _, f := range flat {
		if v, ok := f.(*Num); ok {
			coeff = numMul(coeff, v)
			continue
		}
		base, exp := f, Expr(N(1))
		if p, ok := f.(*Pow); ok {
			base, exp = p.base, p.exp
		}
		key := base.String()
		if _, seen := bases[key]; !seen {
			bases[key] = base
			order = append(order, key)
		}
		exps[key] = append(exps[key], exp)
	}
	others := []Expr{}
	for _, key := range order {
		var merged Expr
		if len(exps[key]) == 1 {
			merged = PowOf(bases[key], exps[key][0])
		} else {
			merged = PowOf(bases[key], AddOf(exps[key]...))
		}
		if v, ok := merged.(*Num); ok {
			coeff = numMul(coeff, v)
			continue
		}
		if inner, ok := merged.(*Mul); ok {
			for _, f := range inner.factors {
				if v, ok := f.(*Num); ok {
					coeff = numMul(coeff, v)
				} else {
					others = append(others, f)
				}
			}
			continue
		}
		others = append(others, merged)
	}
	if coeff.IsZero() {
		return N(0)
	}
	if len(others) == 0 {
		return coeff
	}

	// Precompute sort keys to avoid repeated String() calls in comparator.
	type keyed struct {
		e   Expr
		key string
	}
	ks := make([]keyed, len(others))
	for i, e := range others {
		ks[i] = keyed{e: e, key: e.String()}
	}
	sort.SliceStable(ks, func(i, j int) bool { return ks[i].key < ks[j].key })
	sortedOthers := make([]Expr, len(ks))
	for i := range ks {
		sortedOthers[i] = ks[i].e
	}
	others = sortedOthers

	if coeff.IsOne() {
		if len(others) == 1 {
			return others[0]
		}
		return &Mul{factors: others}
	}
	return &Mul{factors: append([]Expr{coeff}, others...)}
}

func (m *Mul) String() string {
	if len(m.factors) == 0 {
		return "1"
	}
	parts := make([]string, len(m.factors))
	for i, f := range m.factors {
		switch v := f.(type) {
		case *Add:
			parts[i] = "(" + f.String() + ")"
		case *Num:
			if !v.IsInteger() && i > 0 {
				parts[i] = "(" + f.String() + ")"
			} else {
				parts[i] = f.String()
			}
		default:
			parts[i] = f.String()
		}
	}
	return strings.Join(parts, "*")
}

func (m *Mul) Sub(varName string, value Expr) Expr {
	newFactors := make([]Expr, len(m.factors))
	for i, f := range m.factors {
		newFactors[i] = f.Sub(varName, value)
	}
	return MulOf(newFactors...)
}

func (m *Mul) Equal(other Expr) bool {
	o, ok := other.(*Mul)
	if !ok || len(m.factors) != len(o.factors) {
		return false
	}
	for i := range m.factors {
		if !m.factors[i].Equal(o.factors[i]) {
			return false
		}
	}
	return true
}

func (m *Mul) exprType() string { return "mul" }
func (m *Mul) Factors() []Expr  { return append([]Expr(nil), m.factors...) }

// ============================================================
// Pow: base**exponent
// ============================================================

type Pow struct{ base, exp Expr }

func PowOf(base, exp Expr) Expr { return (&Pow{base: base, exp: exp}).Simplify() }

func (p *Pow) Simplify() Expr {
	base := p.base.Simplify()
	exp := p.exp.Simplify()

	if en, ok := exp.(*Num); ok && en.IsZero() {
		return N(1)
	}
	if en, ok := exp.(*Num); ok && en.IsOne() {
		return base
	}

	// Handle 0**exp carefully.
	if bn, ok := base.(*Num); ok && bn.IsZero() {
		if en, ok2 := exp.(*Num); ok2 {
			// 0**0 is indeterminate; 0**negative is division by zero.
			if en.IsZero() || en.IsNegative() {
				return &Pow{base: base, exp: exp}
			}
		}
		return N(0)
	}

	if bn, ok := base.(*Num); ok && bn.IsOne() {
		return N(1)
	}
	if bn, ok := base.(*Num); ok {
		if en, ok2 := exp.(*Num); ok2 && en.IsInteger() {
			e := en.val.Num().Int64()
			if e >= 0 && e <= 20 {
				result := N(1)
				for i := int64(0); i < e; i++ {
					result = numMul(result, bn)
				}
				return result
			}
			if e < 0 && e >= -20 {
				result := N(1)
				for i := int64(0); i < -e; i++ {
					result = numMul(result, bn)
				}
				return numRecip(result)
			}
		}
	}
	if inner, ok := base.(*Pow); ok {
		return PowOf(inner.base, MulOf(inner.exp, exp))
	}
	return &Pow{base: base, exp: exp}
}

func (p *Pow) String() string {
	baseStr := p.base.String()
	switch b := p.base.(type) {
	case *Add, *Mul, *Pow:
		baseStr = "(" + baseStr + ")"
	case *Num:
		if !b.IsInteger() || b.IsNegative() {
			baseStr = "(" + baseStr + ")"
		}
	}
	expStr := p.exp.String()
	switch e := p.exp.(type) {
	case *Sym, *Func:
	case *Num:
		if !e.IsInteger() || e.IsNegative() {
			expStr = "(" + expStr + ")"
		}
	default:
		expStr = "(" + expStr + ")"
	}
	return baseStr + "**" + expStr
}

func (p *Pow) Sub(varName string, value Expr) Expr {
	return PowOf(p.base.Sub(varName, value), p.exp.Sub(varName, value))
}

func (p *Pow) Equal(other Expr) bool {
	o, ok := other.(*Pow)
	return ok && p.base.Equal(o.base) && p.exp.Equal(o.exp)
}

func (p *Pow) exprType() string { return "pow" }
func (p *Pow) Base() Expr       { return p.base }
func (p *Pow) ExpExpr() Expr    { return p.exp }

// IntExp reports the exponent as an integer when it is one.
func (p *Pow) IntExp() (int64, bool) {
	n, ok := p.exp.(*Num)
	if !ok {
		return 0, false
	}
	return n.Int64()
}

// ============================================================
// Func: named function applications
// ============================================================

type Func struct {
	name string
	args []Expr
}

// arity of every function the kernel dialects can render.
var funcArity = map[string]int{
	"exp": 1, "log": 1, "abs": 1, "sin": 1, "cos": 1, "tan": 1,
	"floor": 1, "ceil": 1, "min": 2, "max": 2,
}

// FuncOf builds a function application. Unknown names or a wrong argument
// count are reported as errors so parsed input never panics.
func FuncOf(name string, args ...Expr) (Expr, error) {
	switch name {
	case "ln":
		name = "log"
	case "sqrt":
		if len(args) != 1 {
			return nil, fmt.Errorf("sqrt takes 1 argument, got %d", len(args))
		}
		return PowOf(args[0], F(1, 2)), nil
	case "pow":
		if len(args) != 2 {
			return nil, fmt.Errorf("pow takes 2 arguments, got %d", len(args))
		}
		return PowOf(args[0], args[1]), nil
	}
	want, ok := funcArity[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	if len(args) != want {
		return nil, fmt.Errorf("%s takes %d argument(s), got %d", name, want, len(args))
	}
	return (&Func{name: name, args: args}).Simplify(), nil
}

func ExpOf(arg Expr) Expr { return (&Func{name: "exp", args: []Expr{arg}}).Simplify() }
func LogOf(arg Expr) Expr { return (&Func{name: "log", args: []Expr{arg}}).Simplify() }

func (f *Func) Simplify() Expr {
	args := make([]Expr, len(f.args))
	vals := make([]float64, len(f.args))
	allNum := true
	for i, a := range f.args {
		args[i] = a.Simplify()
		if n, ok := args[i].(*Num); ok {
			vals[i] = n.Float64()
		} else {
			allNum = false
		}
	}
	if allNum {
		var v float64
		folded := true
		switch f.name {
		case "exp":
			v = math.Exp(vals[0])
		case "log":
			folded = vals[0] > 0
			v = math.Log(vals[0])
		case "abs":
			v = math.Abs(vals[0])
		case "sin":
			v = math.Sin(vals[0])
		case "cos":
			v = math.Cos(vals[0])
		case "tan":
			v = math.Tan(vals[0])
		case "floor":
			v = math.Floor(vals[0])
		case "ceil":
			v = math.Ceil(vals[0])
		case "min":
			v = math.Min(vals[0], vals[1])
		case "max":
			v = math.Max(vals[0], vals[1])
		default:
			folded = false
		}
		if folded && !math.IsNaN(v) && !math.IsInf(v, 0) {
			if f.name == "min" || f.name == "max" || f.name == "abs" {
				// Keep exact rationals when the result is one of the inputs.
				for _, a := range args {
					if n := a.(*Num); n.Float64() == v {
						return n
					}
				}
			}
			return NFloat(v)
		}
	}
	switch f.name {
	case "log":
		if inner, ok := args[0].(*Func); ok && inner.name == "exp" {
			return inner.args[0]
		}
	case "exp":
		if inner, ok := args[0].(*Func); ok && inner.name == "log" {
			return inner.args[0]
		}
	}
	return &Func{name: f.name, args: args}
}

func (f *Func) String() string {
	parts := make([]string, len(f.args))
	for i, a := range f.args {
		parts[i] = a.String()
	}
	return f.name + "(" + strings.Join(parts, ", ") + ")"
}

func (f *Func) Sub(varName string, value Expr) Expr {
	args := make([]Expr, len(f.args))
	for i, a := range f.args {
		args[i] = a.Sub(varName, value)
	}
	return (&Func{name: f.name, args: args}).Simplify()
}

func (f *Func) Equal(other Expr) bool {
	o, ok := other.(*Func)
	if !ok || f.name != o.name || len(f.args) != len(o.args) {
		return false
	}
	for i := range f.args {
		if !f.args[i].Equal(o.args[i]) {
			return false
		}
	}
	return true
}

func (f *Func) exprType() string { return "func" }
func (f *Func) FuncName() string { return f.name }
func (f *Func) Args() []Expr     { return append([]Expr(nil), f.args...) }

// ============================================================
// Convenience Functions
// ============================================================

func Simplify(e Expr) Expr { return e.Simplify() }
func String(e Expr) string { return e.String() }

func Sub(expr Expr, varName string, value Expr) Expr {
	return expr.Sub(varName, value).Simplify()
}

// ============================================================
// Free Symbols
// ============================================================

func FreeSymbols(e Expr) map[string]struct{} {
	result := map[string]struct{}{}
	collectSymbols(e, result)
	return result
}

// Symbols returns the free symbol names of e in sorted order.
func Symbols(e Expr) []string {
	set := FreeSymbols(e)
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func collectSymbols(e Expr, out map[string]struct{}) {
	switch v := e.(type) {
	case *Sym:
		out[v.name] = struct{}{}
	case *Add:
		for _, t := range v.terms {
			collectSymbols(t, out)
		}
	case *Mul:
		for _, f := range v.factors {
			collectSymbols(f, out)
		}
	case *Pow:
		collectSymbols(v.base, out)
		collectSymbols(v.exp, out)
	case *Func:
		for _, a := range v.args {
			collectSymbols(a, out)
		}
	}
}

// ============================================================
// Symbol replacement
// ============================================================

// ReplaceSymbols rebuilds e with every symbol passed through fn. fn returns
// nil to keep the symbol unchanged. The result is simplified.
func ReplaceSymbols(e Expr, fn func(*Sym) (Expr, error)) (Expr, error) {
	out, err := replace(e, fn)
	if err != nil {
		return nil, err
	}
	return out.Simplify(), nil
}

func replace(e Expr, fn func(*Sym) (Expr, error)) (Expr, error) {
	switch v := e.(type) {
	case *Sym:
		r, err := fn(v)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return v, nil
		}
		return r, nil
	case *Add:
		terms, err := replaceAll(v.terms, fn)
		if err != nil {
			return nil, err
		}
		return &Add{terms: terms}, nil
	case *Mul:
		factors, err := replaceAll(v.factors, fn)
		if err != nil {
			return nil, err
		}
		return &Mul{factors: factors}, nil
	case *Pow:
		base, err := replace(v.base, fn)
		if err != nil {
			return nil, err
		}
		exp, err := replace(v.exp, fn)
		if err != nil {
			return nil, err
		}
		return &Pow{base: base, exp: exp}, nil
	case *Func:
		args, err := replaceAll(v.args, fn)
		if err != nil {
			return nil, err
		}
		return &Func{name: v.name, args: args}, nil
	}
	return e, nil
}

func replaceAll(es []Expr, fn func(*Sym) (Expr, error)) ([]Expr, error) {
	out := make([]Expr, len(es))
	for i, e := range es {
		r, err := replace(e, fn)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}
