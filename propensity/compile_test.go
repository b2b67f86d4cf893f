package propensity_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/network"
	"github.com/njchilds90/gossa/propensity"
)

func dimer(t *testing.T) *network.Network {
	t.Helper()
	d := &network.Document{
		Name: "dimer",
		Species: []network.SpeciesDoc{
			{Name: "A()", Initial: 100},
			{Name: "B()", Initial: 0},
		},
		Parameters: []network.ParameterDoc{
			{Name: "kf", Value: 1e-3},
			{Name: "kr", Value: 0.1},
			{Name: "ksyn", Value: 2},
			{Name: "unused", Value: 9},
		},
		Expressions: []network.ExpressionDoc{
			{Name: "outer", Expr: "kr*inner"},
			{Name: "inner", Expr: "Atot/100"},
		},
		Observables: []network.ObservableDoc{
			{Name: "Atot", Coefficients: []int{1, 2}, Species: []int{0, 1}},
		},
		Reactions: []network.ReactionDoc{
			{Reactants: []int{0, 0}, Products: []int{1}, Rate: "kf*__s0**2"},
			{Reactants: []int{1}, Products: []int{0, 0}, Rate: "outer*__s1"},
			{Products: []int{0}, Rate: "ksyn"},
		},
	}
	n, err := d.Network()
	require.NoError(t, err)
	return n
}

// single builds a one-species, one-reaction network with the given rate law
// and parameters k, Km, E.
func single(t *testing.T, rate string) *network.Network {
	t.Helper()
	d := &network.Document{
		Species: []network.SpeciesDoc{{Name: "S", Initial: 10}},
		Parameters: []network.ParameterDoc{
			{Name: "k", Value: 1},
			{Name: "Km", Value: 2},
			{Name: "E", Value: 3},
		},
		Reactions: []network.ReactionDoc{{Reactants: []int{0}, Rate: rate}},
	}
	n, err := d.Network()
	require.NoError(t, err)
	return n
}

func compileRate(t *testing.T, rate string, d propensity.Dialect) string {
	t.Helper()
	p, err := propensity.Compile(single(t, rate), propensity.Options{Dialect: d})
	require.NoError(t, err)
	return p.Rate(0)
}

func TestCompile_HazardBlock(t *testing.T) {
	p, err := propensity.Compile(dimer(t), propensity.Options{})
	require.NoError(t, err)

	want := "\th[0] = param_arry[0]*(y[0]-1)*y[0];\n" +
		"\th[1] = param_arry[1]*(y[0]+2*y[1])*0.01*y[1];\n" +
		"\th[2] = param_arry[2];\n"
	assert.Equal(t, want, p.HazardBlock())
	assert.Equal(t, "-2,1,\n2,-1,\n1,0\n", p.StoichText())
	assert.Equal(t, 2, p.NumSpecies)
	assert.Equal(t, 4, p.NumParams)
	assert.Equal(t, 3, p.NumReactions)
}

func TestCompile_FallingFactorial(t *testing.T) {
	for k := 2; k <= 5; k++ {
		rate := compileRate(t, "k*__s0**"+string(rune('0'+k)), propensity.CUDA(propensity.Single))
		assert.Equal(t, k-1, strings.Count(rate, "(y[0]-"), rate)
		for j := 1; j < k; j++ {
			assert.Contains(t, rate, "(y[0]-"+string(rune('0'+j))+")")
		}
		assert.NotContains(t, rate, "**")
		assert.NotContains(t, rate, "pow")
		assert.True(t, strings.HasPrefix(rate, "param_arry[0]*"), rate)
	}
	assert.Equal(t, "param_arry[0]*(y[0]-1)*(y[0]-2)*(y[0]-3)*y[0]",
		compileRate(t, "k*__s0**4", propensity.CUDA(propensity.Single)))
}

func TestCompile_FactorOrderIndependent(t *testing.T) {
	a := compileRate(t, "__s0*k*__s0", propensity.CUDA(propensity.Single))
	b := compileRate(t, "k*__s0**2", propensity.CUDA(propensity.Single))
	assert.Equal(t, a, b)
}

func TestCompile_Forms(t *testing.T) {
	cuda := propensity.CUDA(propensity.Single)
	cases := []struct {
		rate string
		want string
	}{
		{"1.0d0*k*__s0", "param_arry[0]*y[0]"},
		{"k*__s0**0.5", "param_arry[0]*powf(y[0],0.5)"},
		{"k**2*__s0", "powf(param_arry[0],2)*y[0]"},
		{"k/(Km + __s0)*__s0", "param_arry[0]*y[0]/(param_arry[1]+y[0])"},
		{"1/__s0", "1.0/y[0]"},
		{"-k", "-param_arry[0]"},
		{"k*exp(-E)", "param_arry[0]*expf(-param_arry[2])"},
		{"Km*k*__s0/E", "param_arry[1]*param_arry[0]*y[0]/param_arry[2]"},
		{"k*(__s0 - 1)", "param_arry[0]*(y[0]-1)"},
		{"k*__s0**-2", "param_arry[0]/powf(y[0],2)"},
		{"max(k, __s0)", "fmaxf(param_arry[0],y[0])"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, compileRate(t, c.rate, cuda), c.rate)
	}
}

func TestCompile_DoublePrecision(t *testing.T) {
	d := propensity.CUDA(propensity.Double)
	assert.Equal(t, "param_arry[0]*pow(y[0],0.5)", compileRate(t, "k*__s0**0.5", d))
	assert.Equal(t, "param_arry[0]*exp(-param_arry[2])", compileRate(t, "k*exp(-E)", d))
	assert.Equal(t, "fabs(param_arry[0])", compileRate(t, "abs(k)", d))
}

func TestCompile_NoWhitespace(t *testing.T) {
	p, err := propensity.Compile(dimer(t), propensity.Options{})
	require.NoError(t, err)
	for _, r := range p.Rates() {
		assert.False(t, strings.ContainsAny(r, " \t\n"), r)
	}
}

func TestCompile_Deterministic(t *testing.T) {
	first, err := propensity.Compile(dimer(t), propensity.Options{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := propensity.Compile(dimer(t), propensity.Options{})
		require.NoError(t, err)
		assert.Equal(t, first.HazardBlock(), again.HazardBlock())
		assert.Equal(t, first.StoichText(), again.StoichText())
		assert.Equal(t, first.Digest(), again.Digest())
	}
	double, err := propensity.Compile(dimer(t), propensity.Options{Dialect: propensity.CUDA(propensity.Double)})
	require.NoError(t, err)
	assert.NotEqual(t, first.Digest(), double.Digest())
}

func TestCompile_ExpansionError(t *testing.T) {
	n := single(t, "k*missing")
	_, err := propensity.Compile(n, propensity.Options{})
	var ee *gossa.ExpansionError
	require.True(t, errors.As(err, &ee), "got %v", err)
	assert.Equal(t, "missing", ee.Name)
	assert.Equal(t, 0, ee.Reaction)
}

func TestCompile_FallingFactorialLimit(t *testing.T) {
	rate := compileRate(t, "k*__s0**1000", propensity.CUDA(propensity.Single))
	assert.Equal(t, propensity.MaxFallingOrder-1, strings.Count(rate, "(y[0]-"))

	_, err := propensity.Compile(single(t, "k*__s0**3000000"), propensity.Options{})
	var ee *gossa.ExpansionError
	require.True(t, errors.As(err, &ee), "got %v", err)
	assert.Equal(t, 0, ee.Reaction)
	assert.Contains(t, ee.Reason, "exceeds 1000")
}

func TestCompile_PowerAfterExpansion(t *testing.T) {
	d := &network.Document{
		Species:     []network.SpeciesDoc{{Name: "A", Initial: 10}},
		Parameters:  []network.ParameterDoc{{Name: "kf", Value: 1}},
		Expressions: []network.ExpressionDoc{{Name: "e", Expr: "kf*__s0"}},
		Observables: []network.ObservableDoc{{Name: "Atot", Coefficients: []int{1}, Species: []int{0}}},
		Reactions: []network.ReactionDoc{
			{Reactants: []int{0, 0}, Rate: "e*__s0"},
			{Reactants: []int{0, 0}, Rate: "kf*Atot*__s0"},
			{Reactants: []int{0, 0, 0}, Rate: "e*Atot*__s0"},
		},
	}
	n, err := d.Network()
	require.NoError(t, err)
	p, err := propensity.Compile(n, propensity.Options{})
	require.NoError(t, err)
	assert.Equal(t, "param_arry[0]*(y[0]-1)*y[0]", p.Rate(0))
	assert.Equal(t, "param_arry[0]*(y[0]-1)*y[0]", p.Rate(1))
	assert.Equal(t, "param_arry[0]*(y[0]-1)*(y[0]-2)*y[0]", p.Rate(2))
}

func TestCompile_NamedDialect(t *testing.T) {
	p, err := propensity.Compile(dimer(t), propensity.Options{Dialect: propensity.Named()})
	require.NoError(t, err)
	assert.Equal(t, "kf*(__s0-1)*__s0", p.Rate(0))
	assert.Equal(t, "kr*(__s0+2*__s1)*0.01*__s1", p.Rate(1))
	assert.Equal(t, "k*(__s0)^(0.5)", compileRate(t, "k*__s0**0.5", propensity.Named()))
	assert.Equal(t, "k*ln(E)", compileRate(t, "k*log(E)", propensity.Named()))
}

func TestEvaluator(t *testing.T) {
	p, err := propensity.Compile(dimer(t), propensity.Options{})
	require.NoError(t, err)
	ev := p.Evaluator()
	require.Equal(t, 3, ev.NumReactions())

	y := []float64{10, 3}
	k := []float64{1e-3, 0.1, 2, 9}
	h := make([]float64, 3)
	a0 := ev.Hazards(h, y, k)
	assert.InDelta(t, 0.09, h[0], 1e-12)
	assert.InDelta(t, 0.048, h[1], 1e-12)
	assert.InDelta(t, 2, h[2], 1e-12)
	assert.InDelta(t, 2.138, a0, 1e-12)

	ev.Fire(0, y)
	assert.Equal(t, []float64{8, 4}, y)

	// one molecule left: the dimerization hazard vanishes
	a0 = ev.Hazards(h, []float64{1, 0}, k)
	assert.Equal(t, 0.0, h[0])
	assert.InDelta(t, 2, a0, 1e-12)
}

func TestPrecision(t *testing.T) {
	assert.Equal(t, "float", propensity.Single.CType())
	assert.Equal(t, "double", propensity.Double.CType())
	assert.Equal(t, "fabsf", propensity.Single.Intrinsic("abs"))
	assert.Equal(t, "fmin", propensity.Double.Intrinsic("min"))
	assert.Equal(t, "curand_uniform_double", propensity.Double.Uniform())
	for in, want := range map[string]propensity.Precision{"32": propensity.Single, "double": propensity.Double, "64": propensity.Double} {
		got, err := propensity.ParsePrecision(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := propensity.ParsePrecision("16")
	require.Error(t, err)
}
