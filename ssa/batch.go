package ssa

import (
	"math"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/device"
)

// maxDefaultThreads caps the block size derived from device properties.
const maxDefaultThreads = 256

// Request describes one batch of simulations.
type Request struct {
	// Checkpoints are the non-decreasing times at which state is reported.
	// The first checkpoint is the start time.
	Checkpoints []float64
	// Params holds one row of parameter values per simulation. Nil runs
	// NumSim simulations at the nominal parameter values.
	Params [][]float64
	// Initials holds one row of initial copy numbers per simulation. Nil uses
	// the network's initial counts for every simulation.
	Initials [][]float64
	// NumSim is the simulation count when neither batch is given.
	NumSim int
	// Threads is the block size; zero uses the simulator default.
	Threads int
	// Seed of the random streams; zero picks one from the clock.
	Seed uint64
}

// GetBlocks is the number of blocks of t threads covering n simulations.
func GetBlocks(n, t int) int {
	return (n + t - 1) / t
}

// DefaultThreads is the device's thread limit, capped at 256, rounded down to
// whole warps.
func DefaultThreads(p device.Properties) int {
	limit := p.MaxThreadsPerBlock
	if limit <= 0 || limit > maxDefaultThreads {
		limit = maxDefaultThreads
	}
	warp := p.WarpSize
	if warp <= 0 || warp > limit {
		return limit
	}
	return limit / warp * warp
}

// GridFor is the launch geometry for n simulations in blocks of threads.
func GridFor(n, threads int) device.Grid {
	return device.Grid{Threads: threads, Blocks: GetBlocks(n, threads)}
}

// batch is a validated request flattened to slot-major device layout and
// zero-padded to whole blocks.
type batch struct {
	sims        int
	grid        device.Grid
	checkpoints []float64
	params      []float64 // [slot][param]
	species     []int32   // [slot][species]
	seed        uint64
}

func checkCheckpoints(ts []float64) error {
	if len(ts) == 0 {
		return gossa.Configf("checkpoints", "a time span is required")
	}
	for i, t := range ts {
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return gossa.Configf("checkpoints", "time %d is not finite", i)
		}
		if i > 0 && t < ts[i-1] {
			return gossa.Configf("checkpoints", "times must be non-decreasing (%g after %g)", t, ts[i-1])
		}
	}
	return nil
}

// prepare validates req against the network and lays it out for dispatch.
func (s *Simulator) prepare(req Request, props device.Properties) (*batch, error) {
	if err := checkCheckpoints(req.Checkpoints); err != nil {
		return nil, err
	}
	np, ns := s.net.NumParams(), s.net.NumSpecies()

	n := req.NumSim
	switch {
	case req.Params != nil:
		if n != 0 && n != len(req.Params) {
			return nil, gossa.Configf("num_sim", "%d simulations requested but %d parameter rows given", n, len(req.Params))
		}
		n = len(req.Params)
	case req.Initials != nil && n == 0:
		n = len(req.Initials)
	}
	if n <= 0 {
		return nil, gossa.Configf("num_sim", "at least one simulation is required")
	}
	if req.Initials != nil && len(req.Initials) != n {
		return nil, gossa.Configf("initials", "%d initial condition rows for %d simulations", len(req.Initials), n)
	}

	threads := req.Threads
	if threads == 0 {
		threads = s.threads
	}
	if threads == 0 {
		threads = DefaultThreads(props)
	}
	if threads < 0 {
		return nil, gossa.Configf("threads", "must be positive, got %d", threads)
	}
	if props.MaxThreadsPerBlock > 0 && threads > props.MaxThreadsPerBlock {
		return nil, gossa.Configf("threads", "%d exceeds device limit %d", threads, props.MaxThreadsPerBlock)
	}
	grid := GridFor(n, threads)
	slots := grid.Slots()

	b := &batch{
		sims:        n,
		grid:        grid,
		checkpoints: append([]float64(nil), req.Checkpoints...),
		params:      make([]float64, slots*np),
		species:     make([]int32, slots*ns),
		seed:        req.Seed,
	}
	nominal := s.net.NominalParameters()
	for i := 0; i < n; i++ {
		row := nominal
		if req.Params != nil {
			row = req.Params[i]
			if len(row) != np {
				return nil, &gossa.DimensionError{What: "parameter row", Want: np, Got: len(row)}
			}
		}
		copy(b.params[i*np:], row)
	}
	initial := s.net.InitialCounts()
	for i := 0; i < n; i++ {
		row := initial
		if req.Initials != nil {
			row = req.Initials[i]
			if len(row) != ns {
				return nil, &gossa.DimensionError{What: "initial condition row", Want: ns, Got: len(row)}
			}
		}
		for j, v := range row {
			c := math.Round(v)
			if c < 0 || c > math.MaxInt32 || math.IsNaN(c) {
				return nil, gossa.Configf("initials", "simulation %d species %d: %g is not a valid copy number", i, j, v)
			}
			b.species[i*ns+j] = int32(c)
		}
	}
	return b, nil
}
