package device

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/kernel"
	"github.com/njchilds90/gossa/network"
	"github.com/njchilds90/gossa/propensity"
)

// dimerSource is 2A <-> B with forward rate kf and reverse rate kr.
func dimerSource(t *testing.T, prec propensity.Precision) *kernel.Source {
	t.Helper()
	d := &network.Document{
		Name:       "dimer",
		Species:    []network.SpeciesDoc{{Name: "A", Initial: 100}, {Name: "B", Initial: 0}},
		Parameters: []network.ParameterDoc{{Name: "kf", Value: 0.01}, {Name: "kr", Value: 0.5}},
		Reactions: []network.ReactionDoc{
			{Reactants: []int{0, 0}, Products: []int{1}, Rate: "kf*__s0**2"},
			{Reactants: []int{1}, Products: []int{0, 0}, Rate: "kr*__s1"},
		},
	}
	n, err := d.Network()
	require.NoError(t, err)
	prog, err := propensity.Compile(n, propensity.Options{Dialect: propensity.CUDA(prec)})
	require.NoError(t, err)
	src, err := kernel.Assemble("dimer", prog, prec)
	require.NoError(t, err)
	return src
}

func repeat[T any](row []T, n int) []T {
	out := make([]T, 0, len(row)*n)
	for i := 0; i < n; i++ {
		out = append(out, row...)
	}
	return out
}

func allLaunch(g Grid, seed uint64) AllLaunch {
	return AllLaunch{
		Grid:        g,
		Species:     repeat([]int32{100, 0}, g.Slots()),
		Params:      repeat([]float64{0.01, 0.5}, g.Slots()),
		Checkpoints: []float64{0, 1, 2, 5, 10},
		Seed:        seed,
	}
}

func buildHost(t *testing.T) Kernel {
	t.Helper()
	k, err := NewHost(HostOptions{Workers: 2}).Build(context.Background(), dimerSource(t, propensity.Single))
	require.NoError(t, err)
	return k
}

func TestHost_AllStepsConservesMass(t *testing.T) {
	k := buildHost(t)
	g := Grid{Threads: 8, Blocks: 3}
	res, err := k.AllSteps(context.Background(), allLaunch(g, 7))
	require.NoError(t, err)
	require.Len(t, res, g.Slots()*5*2)
	moved := false
	for i := 0; i < len(res); i += 2 {
		assert.Equal(t, int32(100), res[i]+2*res[i+1])
		if res[i+1] > 0 {
			moved = true
		}
	}
	assert.True(t, moved, "no reaction fired")
	// First checkpoint is the initial state.
	assert.Equal(t, []int32{100, 0}, res[:2])
}

func TestHost_Deterministic(t *testing.T) {
	k := buildHost(t)
	ctx := context.Background()
	a, err := k.AllSteps(ctx, allLaunch(Grid{Threads: 4, Blocks: 2}, 11))
	require.NoError(t, err)
	b, err := k.AllSteps(ctx, allLaunch(Grid{Threads: 4, Blocks: 2}, 11))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := k.AllSteps(ctx, allLaunch(Grid{Threads: 4, Blocks: 2}, 12))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestHost_SlotStreamIndependentOfGeometry(t *testing.T) {
	k := buildHost(t)
	ctx := context.Background()
	small, err := k.AllSteps(ctx, allLaunch(Grid{Threads: 2, Blocks: 1}, 3))
	require.NoError(t, err)
	large, err := k.AllSteps(ctx, allLaunch(Grid{Threads: 1, Blocks: 4}, 3))
	require.NoError(t, err)
	assert.Equal(t, small, large[:len(small)])
}

func TestHost_StepReachesEndTime(t *testing.T) {
	k := buildHost(t)
	g := Grid{Threads: 4, Blocks: 1}
	out, err := k.Step(context.Background(), StepLaunch{
		Grid:    g,
		Species: []int32{100, 0, 0, 0, 100, 0, 0, 50},
		Params:  repeat([]float64{0.01, 0.5}, 4),
		Start:   []float64{0, 0, 1, 2},
		End:     3,
		Seed:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 3, 3, 3}, out.Times)
	// An empty system has no events.
	assert.Equal(t, []int32{0, 0}, out.Species[2:4])
	for i := 0; i < len(out.Species); i += 2 {
		total := out.Species[i] + 2*out.Species[i+1]
		assert.Contains(t, []int32{0, 100}, total)
	}
}

func TestHost_LaunchShapeChecked(t *testing.T) {
	k := buildHost(t)
	_, err := k.Step(context.Background(), StepLaunch{
		Grid:    Grid{Threads: 2, Blocks: 1},
		Species: []int32{1, 2, 3},
		Params:  []float64{1, 1, 1, 1},
		Start:   []float64{0, 0},
		End:     1,
	})
	var de *gossa.DimensionError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, "species", de.What)

	l := allLaunch(Grid{Threads: 2, Blocks: 1}, 1)
	l.Checkpoints = nil
	_, err = k.AllSteps(context.Background(), l)
	var ce *gossa.ConfigurationError
	require.True(t, errors.As(err, &ce), "got %v", err)

	_, err = k.AllSteps(context.Background(), allLaunch(Grid{Threads: 2048, Blocks: 1}, 1))
	require.True(t, errors.As(err, &ce), "got %v", err)
}

func TestHost_Canceled(t *testing.T) {
	k := buildHost(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := k.AllSteps(ctx, allLaunch(Grid{Threads: 2, Blocks: 2}, 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew(t *testing.T) {
	b, err := New("", HostOptions{}, CUDAOptions{})
	require.NoError(t, err)
	assert.Equal(t, HostName, b.Name())
	assert.NoError(t, b.Available(context.Background()))

	b, err = New(CUDAName, HostOptions{}, CUDAOptions{})
	require.NoError(t, err)
	assert.Equal(t, CUDAName, b.Name())

	_, err = New("opencl", HostOptions{}, CUDAOptions{})
	var ce *gossa.ConfigurationError
	assert.True(t, errors.As(err, &ce), "got %v", err)
}
