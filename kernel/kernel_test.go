package kernel_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/kernel"
	"github.com/njchilds90/gossa/network"
	"github.com/njchilds90/gossa/propensity"
)

func decay(t *testing.T) *network.Network {
	t.Helper()
	d := &network.Document{
		Name:       "decay",
		Species:    []network.SpeciesDoc{{Name: "A", Initial: 50}, {Name: "B", Initial: 0}},
		Parameters: []network.ParameterDoc{{Name: "k", Value: 0.3}},
		Reactions: []network.ReactionDoc{
			{Reactants: []int{0, 0}, Products: []int{1}, Rate: "k*__s0**2*exp(-k)"},
		},
	}
	n, err := d.Network()
	require.NoError(t, err)
	return n
}

func assemble(t *testing.T, prec propensity.Precision) *kernel.Source {
	t.Helper()
	prog, err := propensity.Compile(decay(t), propensity.Options{Dialect: propensity.CUDA(prec)})
	require.NoError(t, err)
	src, err := kernel.Assemble("decay", prog, prec)
	require.NoError(t, err)
	return src
}

func TestAssemble_Single(t *testing.T) {
	src := assemble(t, propensity.Single)
	for _, want := range []string{
		"typedef float real_t;",
		"#define num_species 2",
		"#define num_params 1",
		"#define num_reactions 1",
		"\th[0] = param_arry[0]*(y[0]-1)*expf(-param_arry[0])*y[0];\n",
		"= {\n-2,1\n};",
		"-logf(curand_uniform(rng))",
		`extern "C" __global__ void Gillespie_one_step(`,
		`extern "C" __global__ void Gillespie_all_steps(`,
	} {
		assert.Contains(t, src.Text, want)
	}
	assert.NotContains(t, src.Text, "{{")
	assert.Equal(t, []string{kernel.EntryOneStep, kernel.EntryAllSteps}, src.EntryPoints)
	assert.Len(t, src.Digest, 64)
	assert.Len(t, src.ShortDigest(), 12)
}

func TestAssemble_Double(t *testing.T) {
	src := assemble(t, propensity.Double)
	assert.Contains(t, src.Text, "typedef double real_t;")
	assert.Contains(t, src.Text, "-log(curand_uniform_double(rng))")
	assert.Contains(t, src.Text, "exp(-param_arry[0])")
	assert.NotContains(t, src.Text, "float")
	assert.NotContains(t, src.Text, "expf")
}

func TestAssemble_Deterministic(t *testing.T) {
	a := assemble(t, propensity.Single)
	b := assemble(t, propensity.Single)
	assert.Equal(t, a.Text, b.Text)
	assert.Equal(t, a.Digest, b.Digest)
	assert.NotEqual(t, a.Digest, assemble(t, propensity.Double).Digest)
}

func TestAssemble_PrecisionMismatch(t *testing.T) {
	prog, err := propensity.Compile(decay(t), propensity.Options{Dialect: propensity.CUDA(propensity.Single)})
	require.NoError(t, err)
	_, err = kernel.Assemble("decay", prog, propensity.Double)
	var ce *gossa.ConfigurationError
	require.True(t, errors.As(err, &ce), "got %v", err)

	named, err := propensity.Compile(decay(t), propensity.Options{Dialect: propensity.Named()})
	require.NoError(t, err)
	_, err = kernel.Assemble("decay", named, propensity.Single)
	require.True(t, errors.As(err, &ce), "got %v", err)
}

func TestAssemble_HarnessGuarded(t *testing.T) {
	src := assemble(t, propensity.Single)
	i := strings.Index(src.Text, "#ifdef "+kernel.HarnessDefine)
	require.Positive(t, i)
	assert.Less(t, strings.Index(src.Text, kernel.EntryAllSteps), i)
	assert.Contains(t, src.Text[i:], "int main(void)")
}

func TestAssemble_NameStaysInComment(t *testing.T) {
	prog, err := propensity.Compile(decay(t), propensity.Options{})
	require.NoError(t, err)
	hostile := "x\"\n__attribute__((constructor)) static void run(void) { system(\"id\"); }\n//"
	src, err := kernel.Assemble(hostile, prog, propensity.Single)
	require.NoError(t, err)

	first, _, ok := strings.Cut(src.Text, "#include")
	require.True(t, ok)
	for _, line := range strings.Split(strings.TrimSpace(first), "\n") {
		assert.True(t, strings.HasPrefix(line, "//"), "header line %q is not a comment", line)
	}
	assert.NotContains(t, src.Text, "__attribute__((constructor))")
	assert.NotContains(t, src.Text, "system(")
	assert.Contains(t, src.Text, "// Generated for network \"x____attribute____constructor___static_void_run_void____system__id________\" (single precision)")
}
