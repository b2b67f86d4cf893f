package stochkit

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/network"
)

func dimer(t *testing.T) *network.Network {
	t.Helper()
	d := &network.Document{
		Name:    "dimer",
		Species: []network.SpeciesDoc{{Name: "A", Initial: 99.6}, {Name: "B", Initial: 0}},
		Parameters: []network.ParameterDoc{
			{Name: "kf", Value: 0.01},
			{Name: "kr", Value: 0.5},
			{Name: "unused", Value: 3},
		},
		Reactions: []network.ReactionDoc{
			{Reactants: []int{0, 0}, Products: []int{1}, Rate: "kf*__s0**2"},
			{Reactants: []int{1}, Products: []int{0, 0}, Rate: "kr*__s1"},
		},
	}
	n, err := d.Network()
	require.NoError(t, err)
	return n
}

func TestTranslate(t *testing.T) {
	m, err := Translate(dimer(t), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []Parameter{{"kf", 0.01}, {"kr", 0.5}}, m.Parameters)
	assert.Equal(t, []Species{{"__s0", 100}, {"__s1", 0}}, m.Species)
	require.Len(t, m.Reactions, 2)
	assert.Equal(t, "Rxn0", m.Reactions[0].Name)
	assert.Equal(t, []Term{{"__s0", 2}}, m.Reactions[0].Reactants)
	assert.Equal(t, []Term{{"__s1", 1}}, m.Reactions[0].Products)
	assert.Equal(t, "kf*(__s0-1)*__s0", m.Reactions[0].Propensity)
	assert.Equal(t, "kr*__s1", m.Reactions[1].Propensity)

	m, err = Translate(dimer(t), []float64{1, 2, 3}, []float64{5, 6})
	require.NoError(t, err)
	assert.Equal(t, 2.0, m.Parameters[1].Value)
	assert.Equal(t, int64(6), m.Species[1].Initial)

	var ce *gossa.ConfigurationError
	_, err = Translate(dimer(t), []float64{1}, nil)
	assert.True(t, errors.As(err, &ce), "got %v", err)
	_, err = Translate(dimer(t), nil, []float64{1, 2, 3})
	assert.True(t, errors.As(err, &ce), "got %v", err)
}

func TestWriteXML(t *testing.T) {
	m, err := Translate(dimer(t), nil, nil)
	require.NoError(t, err)
	var b bytes.Buffer
	require.NoError(t, m.WriteXML(&b))
	out := b.String()
	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		"<Model>",
		"<Description>dimer</Description>",
		"<NumberOfReactions>2</NumberOfReactions>",
		"<Parameter>\n      <Id>kf</Id>\n      <Expression>0.01</Expression>",
		"<Type>customized</Type>",
		"<PropensityFunction>kf*(__s0-1)*__s0</PropensityFunction>",
		`<SpeciesReference id="__s0" stoichiometry="2"></SpeciesReference>`,
		"<InitialPopulation>100</InitialPopulation>",
	} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "unused")
}

func fakeSSA(t *testing.T, script string) *Runner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stand-ins need a POSIX shell")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "ssa")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return &Runner{SSA: bin, WorkDir: dir}
}

// Writes two trajectories into the --out-dir argument and logs argv.
const writeTrajectories = `#!/bin/sh
echo "$@" > args.txt
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--out-dir" ]; then out="$2"; fi
  shift
done
mkdir -p "$out/trajectories"
printf 'time __s0 __s1\n0 100 0\n1 90 5\n2 80 10\n' > "$out/trajectories/trajectory0.txt"
printf 'time __s0 __s1\n0 100 0\n1 98 1\n2 96 2\n' > "$out/trajectories/trajectory1.txt"
`

func TestRun(t *testing.T) {
	r := fakeSSA(t, writeTrajectories)
	m, err := Translate(dimer(t), nil, nil)
	require.NoError(t, err)
	tr, err := r.Run(context.Background(), m, RunOptions{Times: []float64{10, 11, 12}, Runs: 2, Seed: 5})
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 11, 12}, tr.Times)
	assert.Equal(t, 2, tr.NumSims)
	assert.Equal(t, Mode, tr.Mode)
	assert.Equal(t, int32(80), tr.At(0, 2, 0))
	assert.Equal(t, int32(1), tr.At(1, 1, 1))

	args, err := os.ReadFile(filepath.Join(r.WorkDir, "args.txt"))
	require.NoError(t, err)
	for _, want := range []string{"-t 2 ", "-i 2 ", "-r 2 ", "--keep-trajectories", "--force", "--seed 5"} {
		assert.Contains(t, string(args), want)
	}
}

func TestRun_Errors(t *testing.T) {
	m, err := Translate(dimer(t), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	r := fakeSSA(t, "#!/bin/sh\necho 'parse error in model' >&2\nexit 1\n")
	_, err = r.Run(ctx, m, RunOptions{Times: []float64{0, 1}})
	var pe *gossa.ExternalProcessError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, 1, pe.ExitCode)
	assert.Contains(t, pe.Stderr, "parse error")

	var ce *gossa.ConfigurationError
	_, err = r.Run(ctx, m, RunOptions{Times: []float64{0, 1, 3}})
	assert.True(t, errors.As(err, &ce), "got %v", err)
	_, err = r.Run(ctx, m, RunOptions{Times: []float64{0}})
	assert.True(t, errors.As(err, &ce), "got %v", err)

	missing := &Runner{SSA: filepath.Join(t.TempDir(), "ssa")}
	_, err = missing.Run(ctx, m, RunOptions{Times: []float64{0, 1}})
	var ue *gossa.UnavailableBackendError
	assert.True(t, errors.As(err, &ue), "got %v", err)
}
