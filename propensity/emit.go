package propensity

import (
	"sort"
	"strconv"
	"strings"
)

// emit serializes a lowered rate. The output contains no whitespace.
func emit(d Dialect, n *node) string {
	switch n.op {
	case opConst:
		return n.lit
	case opSpecies:
		return d.Species(n.index)
	case opParam:
		return d.Param(n.index, n.name)
	case opFalling:
		return "(" + d.Species(n.index) + "-" + strconv.Itoa(n.offset) + ")"
	case opSum:
		var b strings.Builder
		for i, t := range n.kids {
			s := emit(d, t)
			if i > 0 && !strings.HasPrefix(s, "-") {
				b.WriteByte('+')
			}
			b.WriteString(s)
		}
		return b.String()
	case opProduct:
		return emitProduct(d, n)
	case opPower:
		return d.Power(emit(d, n.kids[0]), emit(d, n.kids[1]))
	case opCall:
		args := make([]string, len(n.kids))
		for i, a := range n.kids {
			args[i] = emit(d, a)
		}
		return d.Call(n.name) + "(" + strings.Join(args, ",") + ")"
	}
	return ""
}

// emitFactor renders a node as an operand of * or /.
func emitFactor(d Dialect, n *node) string {
	s := emit(d, n)
	switch n.op {
	case opSum:
		return "(" + s + ")"
	case opProduct:
		if n.neg || len(n.den) > 0 || len(n.kids) > 1 {
			return "(" + s + ")"
		}
	case opConst:
		if strings.HasPrefix(s, "-") {
			return "(" + s + ")"
		}
	}
	return s
}

// orderFactors puts parameter references first, in their original relative
// order, followed by every other factor sorted by its text.
func orderFactors(d Dialect, kids []*node) []string {
	var params, others []string
	for _, k := range kids {
		s := emitFactor(d, k)
		if k.op == opParam {
			params = append(params, s)
		} else {
			others = append(others, s)
		}
	}
	sort.Strings(others)
	return append(params, others...)
}

func emitProduct(d Dialect, n *node) string {
	var b strings.Builder
	if n.neg {
		b.WriteByte('-')
	}
	num := orderFactors(d, n.kids)
	den := orderFactors(d, n.den)
	switch {
	case len(num) > 0:
		b.WriteString(strings.Join(num, "*"))
	case len(den) > 0:
		b.WriteString("1.0")
	default:
		b.WriteString("1")
	}
	switch len(den) {
	case 0:
	case 1:
		b.WriteByte('/')
		b.WriteString(den[0])
	default:
		b.WriteString("/(")
		b.WriteString(strings.Join(den, "*"))
		b.WriteByte(')')
	}
	return b.String()
}
