package propensity

import (
	"strconv"

	"github.com/njchilds90/gossa/network"
)

// Dialect decides how leaves and calls of a rate expression are spelled in
// the target language.
type Dialect interface {
	Name() string
	Species(i int) string
	Param(i int, name string) string
	Call(fn string) string
	Power(base, exp string) string
}

// CUDA renders state as y[i], parameters as param_arry[i] and math calls with
// the precision's intrinsics.
func CUDA(p Precision) Dialect { return cudaDialect{prec: p} }

type cudaDialect struct{ prec Precision }

func (d cudaDialect) Name() string                 { return "cuda-" + d.prec.String() }
func (d cudaDialect) Species(i int) string         { return "y[" + strconv.Itoa(i) + "]" }
func (d cudaDialect) Param(i int, _ string) string { return "param_arry[" + strconv.Itoa(i) + "]" }
func (d cudaDialect) Call(fn string) string        { return d.prec.Intrinsic(fn) }
func (d cudaDialect) Power(base, exp string) string {
	return d.prec.Intrinsic("pow") + "(" + base + "," + exp + ")"
}

// Named renders species by symbol and parameters by name, in the muParser
// syntax StochKit reads for customized propensities.
func Named() Dialect { return namedDialect{} }

type namedDialect struct{}

func (namedDialect) Name() string                    { return "named" }
func (namedDialect) Species(i int) string            { return network.SpeciesSymbol(i) }
func (namedDialect) Param(_ int, name string) string { return name }
func (namedDialect) Power(base, exp string) string   { return "(" + base + ")^(" + exp + ")" }
func (namedDialect) Call(fn string) string {
	if fn == "log" {
		return "ln"
	}
	return fn
}
