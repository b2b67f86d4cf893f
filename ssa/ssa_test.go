package ssa

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/device"
	"github.com/njchilds90/gossa/kernel"
	"github.com/njchilds90/gossa/network"
)

// dimer is 2A <-> B with a total-A observable.
func dimer(t *testing.T) *network.Network {
	t.Helper()
	d := &network.Document{
		Name:       "dimer",
		Species:    []network.SpeciesDoc{{Name: "A", Initial: 60}, {Name: "B", Initial: 20}},
		Parameters: []network.ParameterDoc{{Name: "kf", Value: 0.005}, {Name: "kr", Value: 0.2}},
		Observables: []network.ObservableDoc{
			{Name: "A_total", Coefficients: []int{1, 2}, Species: []int{0, 1}},
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

// spyBackend wraps the host backend, counting builds and recording launches.
type spyBackend struct {
	device.Backend
	builds  int
	grids   []device.Grid
	entries []string
}

func newSpy() *spyBackend {
	return &spyBackend{Backend: device.NewHost(device.HostOptions{})}
}

func (b *spyBackend) Build(ctx context.Context, src *kernel.Source) (device.Kernel, error) {
	b.builds++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := b.Backend.Build(ctx, src)
	if err != nil {
		return nil, err
	}
	return &spyKernel{Kernel: k, b: b}, nil
}

type spyKernel struct {
	device.Kernel
	b *spyBackend
}

func (k *spyKernel) EntryPoints() []string {
	if k.b.entries != nil {
		return k.b.entries
	}
	return k.Kernel.EntryPoints()
}

func (k *spyKernel) AllSteps(ctx context.Context, l device.AllLaunch) ([]int32, error) {
	k.b.grids = append(k.b.grids, l.Grid)
	return k.Kernel.AllSteps(ctx, l)
}

func (k *spyKernel) Step(ctx context.Context, l device.StepLaunch) (device.StepOutput, error) {
	k.b.grids = append(k.b.grids, l.Grid)
	return k.Kernel.Step(ctx, l)
}

func newSim(t *testing.T, opts Options) *Simulator {
	t.Helper()
	s, err := New(context.Background(), dimer(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var span = []float64{0, 1, 2, 4, 8}

func TestGetBlocks(t *testing.T) {
	for _, c := range []struct{ n, t, want int }{
		{100, 32, 4},
		{96, 32, 3},
		{5, 32, 1},
		{1, 1, 1},
		{33, 32, 2},
	} {
		assert.Equal(t, c.want, GetBlocks(c.n, c.t), "GetBlocks(%d, %d)", c.n, c.t)
	}
}

func TestDefaultThreads(t *testing.T) {
	assert.Equal(t, 256, DefaultThreads(device.Properties{MaxThreadsPerBlock: 1024, WarpSize: 32}))
	assert.Equal(t, 192, DefaultThreads(device.Properties{MaxThreadsPerBlock: 200, WarpSize: 32}))
	assert.Equal(t, 256, DefaultThreads(device.Properties{}))
	assert.Equal(t, 64, DefaultThreads(device.Properties{MaxThreadsPerBlock: 64, WarpSize: 128}))
}

func TestRun_PadsAndTruncates(t *testing.T) {
	spy := newSpy()
	s := newSim(t, Options{Backend: spy})
	tr, err := s.Run(context.Background(), Request{Checkpoints: span, NumSim: 5, Threads: 32, Seed: 1})
	require.NoError(t, err)
	require.Equal(t, []device.Grid{{Threads: 32, Blocks: 1}}, spy.grids)
	assert.Equal(t, 5, tr.NumSims)
	assert.Len(t, tr.Data, 5*len(span)*2)
	assert.Equal(t, ModeAll, tr.Mode)
	assert.Equal(t, []string{"A", "B"}, tr.Species)
}

func TestRun_BuildsOnce(t *testing.T) {
	spy := newSpy()
	s := newSim(t, Options{Backend: spy})
	assert.Equal(t, 0, spy.builds)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Run(ctx, Request{Checkpoints: span, NumSim: 3, Threads: 4})
		require.NoError(t, err)
		_, err = s.RunOneStep(ctx, Request{Checkpoints: span, NumSim: 3, Threads: 4})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, spy.builds)

	a, err := s.Kernel(ctx)
	require.NoError(t, err)
	b, err := s.Kernel(ctx)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestRun_InterruptedBuildRetries(t *testing.T) {
	spy := newSpy()
	s := newSim(t, Options{Backend: spy})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Run(ctx, Request{Checkpoints: span, NumSim: 2})
	require.ErrorIs(t, err, context.Canceled)

	tr, err := s.Run(context.Background(), Request{Checkpoints: span, NumSim: 2, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, tr.NumSims)
	assert.Equal(t, 2, spy.builds)

	_, err = s.Run(context.Background(), Request{Checkpoints: span, NumSim: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, spy.builds)
}

func TestNew_UnavailableBackend(t *testing.T) {
	cuda := device.NewCUDA(device.CUDAOptions{NVCC: filepath.Join(t.TempDir(), "nvcc")})
	_, err := New(context.Background(), dimer(t), Options{Backend: cuda})
	var ue *gossa.UnavailableBackendError
	require.True(t, errors.As(err, &ue), "got %v", err)
}

func TestRun_EntryPointMissing(t *testing.T) {
	spy := newSpy()
	spy.entries = []string{kernel.EntryAllSteps}
	s := newSim(t, Options{Backend: spy})
	for i := 0; i < 2; i++ {
		_, err := s.Run(context.Background(), Request{Checkpoints: span, NumSim: 1})
		var ue *gossa.UnavailableBackendError
		require.True(t, errors.As(err, &ue), "got %v", err)
		assert.Contains(t, ue.Reason, kernel.EntryOneStep)
	}
	assert.Equal(t, 1, spy.builds)
}

func TestRun_ConfigurationErrors(t *testing.T) {
	s := newSim(t, Options{})
	ctx := context.Background()
	var ce *gossa.ConfigurationError
	var de *gossa.DimensionError

	for name, req := range map[string]Request{
		"no time span":     {NumSim: 1},
		"decreasing times": {Checkpoints: []float64{0, 2, 1}, NumSim: 1},
		"no simulations":   {Checkpoints: span},
		"initials rows":    {Checkpoints: span, Params: [][]float64{{1, 1}, {1, 1}}, Initials: [][]float64{{1, 1}}},
		"num sim mismatch": {Checkpoints: span, Params: [][]float64{{1, 1}}, NumSim: 3},
		"negative count":   {Checkpoints: span, Initials: [][]float64{{-1, 0}}},
		"too many threads": {Checkpoints: span, NumSim: 1, Threads: 4096},
	} {
		_, err := s.Run(ctx, req)
		assert.True(t, errors.As(err, &ce), "%s: got %v", name, err)
	}

	_, err := s.Run(ctx, Request{Checkpoints: span, Params: [][]float64{{1}}})
	assert.True(t, errors.As(err, &de), "got %v", err)
	_, err = s.RunOneStep(ctx, Request{Checkpoints: span, Initials: [][]float64{{1, 2, 3}}})
	assert.True(t, errors.As(err, &de), "got %v", err)
}

func TestModesAgreeOnShapeAndInvariants(t *testing.T) {
	s := newSim(t, Options{})
	ctx := context.Background()
	req := Request{
		Checkpoints: span,
		Params:      [][]float64{{0.005, 0.2}, {0.01, 0.1}, {0, 0}},
		Initials:    [][]float64{{60, 20}, {100, 0}, {7, 3}},
		Threads:     2,
		Seed:        42,
	}
	all, err := s.Run(ctx, req)
	require.NoError(t, err)
	step, err := s.RunOneStep(ctx, req)
	require.NoError(t, err)

	for _, tr := range []*Trajectory{all, step} {
		require.Equal(t, 3, tr.NumSims)
		require.Len(t, tr.Data, 3*len(span)*2)
		for i, init := range req.Initials {
			total := int32(init[0] + 2*init[1])
			assert.Equal(t, int32(init[0]), tr.At(i, 0, 0))
			assert.Equal(t, int32(init[1]), tr.At(i, 0, 1))
			for ti := range span {
				assert.GreaterOrEqual(t, tr.At(i, ti, 0), int32(0))
				assert.GreaterOrEqual(t, tr.At(i, ti, 1), int32(0))
				assert.Equal(t, total, tr.At(i, ti, 0)+2*tr.At(i, ti, 1))
			}
		}
		// Zero rate constants freeze the third simulation.
		for ti := range span {
			assert.Equal(t, []int32{7, 3}, tr.Sim(2)[ti])
		}
	}
}

func TestRun_SeedReproducible(t *testing.T) {
	s := newSim(t, Options{})
	ctx := context.Background()
	req := Request{Checkpoints: span, NumSim: 8, Threads: 4, Seed: 9}
	a, err := s.Run(ctx, req)
	require.NoError(t, err)
	b, err := s.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
	assert.NotEqual(t, a.RunID, b.RunID)
}

func TestTrajectory(t *testing.T) {
	tr := &Trajectory{
		Times:      []float64{0, 1},
		Species:    []string{"A", "B"},
		NumSims:    3,
		NumSpecies: 2,
		Data: []int32{
			10, 0, 8, 1,
			10, 0, 6, 2,
			10, 0, 4, 3,
		},
	}
	assert.Equal(t, int32(6), tr.At(1, 1, 0))
	assert.Equal(t, []float64{1, 2, 3}, tr.Column(1, 1))

	obs, err := tr.Observable(network.Observable{Name: "A_total", Coefficients: []int{1, 2}, Species: []int{0, 1}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{10, 10}, {10, 10}, {10, 10}}, obs)
	_, err = tr.Observable(network.Observable{Name: "bad", Coefficients: []int{1}, Species: []int{5}})
	assert.Error(t, err)

	sum, err := tr.Summary(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, sum.Time)
	assert.InDelta(t, 6, sum.Mean, 1e-12)
	assert.InDelta(t, 2, sum.StdDev, 1e-12)
	assert.Equal(t, 6.0, sum.Median)
	assert.Equal(t, 4.0, sum.Min)
	assert.Equal(t, 8.0, sum.Max)

	var buf bytes.Buffer
	require.NoError(t, tr.WriteCSV(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1+3*2)
	assert.Equal(t, "sim,time,A,B", lines[0])
	assert.Equal(t, "2,1,4,3", lines[6])
}

type memRecorder struct{ recs []RunRecord }

func (m *memRecorder) Record(_ context.Context, r RunRecord) error {
	m.recs = append(m.recs, r)
	return nil
}

func TestMetricsAndRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	rec := &memRecorder{}
	s := newSim(t, Options{Metrics: m, Recorder: rec})
	ctx := context.Background()

	_, err := s.Run(ctx, Request{Checkpoints: span, NumSim: 5, Threads: 4})
	require.NoError(t, err)
	_, err = s.RunOneStep(ctx, Request{Checkpoints: span, NumSim: 2, Threads: 4})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Builds.WithLabelValues("host", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatches.WithLabelValues("host", "all", "ok")))
	assert.Equal(t, float64(len(span)-1), testutil.ToFloat64(m.Dispatches.WithLabelValues("host", "step", "ok")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Simulations.WithLabelValues("host", "all")))

	require.Len(t, rec.recs, 2)
	r := rec.recs[0]
	assert.Equal(t, ModeAll, r.Mode)
	assert.Equal(t, 5, r.Sims)
	assert.Equal(t, 8, r.Slots)
	assert.Equal(t, 2, r.Blocks)
	assert.Equal(t, s.Source().Digest, r.Digest)
	assert.Empty(t, r.Err)
	assert.NotZero(t, r.Seed)
	assert.Equal(t, ModeStep, rec.recs[1].Mode)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	sim, err := New(ctx, dimer(t), Options{})
	require.NoError(t, err)
	_, err = sim.Run(ctx, Request{Checkpoints: span, NumSim: 2, Seed: 1})
	require.NoError(t, err)
	require.NoError(t, sim.Close())
	require.NoError(t, sim.Close())
	_, err = sim.Run(ctx, Request{Checkpoints: span, NumSim: 2, Seed: 1})
	assert.ErrorIs(t, err, ErrClosed)
}
