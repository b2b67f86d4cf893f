// Package device builds assembled kernels and dispatches them.
//
// Two backends exist. The host backend emulates both kernel entry points on
// the CPU with the same event semantics as the CUDA template. The CUDA backend
// drives nvcc and talks to the compiled harness over a binary pipe protocol.
package device

import (
	"context"
	"fmt"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/kernel"
)

// Properties describes the device a backend dispatches to.
type Properties struct {
	Name               string
	MaxThreadsPerBlock int
	WarpSize           int
}

// Grid is the launch geometry: Blocks blocks of Threads slots each.
type Grid struct {
	Threads int
	Blocks  int
}

// Slots is the number of simulation slots the grid covers.
func (g Grid) Slots() int { return g.Threads * g.Blocks }

// StepLaunch advances every slot from Start[slot] to End.
type StepLaunch struct {
	Grid
	Species []int32   // [slot][species]
	Params  []float64 // [slot][param]
	Start   []float64 // [slot]
	End     float64
	Seed    uint64
}

// StepOutput is the state of every slot after a StepLaunch.
type StepOutput struct {
	Species []int32   // [slot][species]
	Times   []float64 // [slot], time reached
}

// AllLaunch records every slot at each checkpoint in a single dispatch.
type AllLaunch struct {
	Grid
	Species     []int32
	Params      []float64
	Checkpoints []float64
	Seed        uint64
}

// Kernel is a built kernel bound to both entry points. Dispatches block until
// the device finishes; a Kernel must not be used for overlapping dispatches.
type Kernel interface {
	Source() *kernel.Source
	EntryPoints() []string
	Step(ctx context.Context, l StepLaunch) (StepOutput, error)
	// AllSteps returns the state of every slot at each checkpoint, laid out
	// [slot][checkpoint][species].
	AllSteps(ctx context.Context, l AllLaunch) ([]int32, error)
	Close() error
}

// Backend turns assembled source into a Kernel.
type Backend interface {
	Name() string
	// Available reports an *gossa.UnavailableBackendError when the backend
	// cannot build or run kernels on this machine.
	Available(ctx context.Context) error
	Properties() Properties
	Build(ctx context.Context, src *kernel.Source) (Kernel, error)
}

// Backend names accepted by New.
const (
	HostName = "host"
	CUDAName = "cuda"
)

// New returns the backend called name.
func New(name string, host HostOptions, cuda CUDAOptions) (Backend, error) {
	switch name {
	case "", HostName:
		return NewHost(host), nil
	case CUDAName:
		return NewCUDA(cuda), nil
	default:
		return nil, gossa.Configf("backend", "unknown backend %q (want %s or %s)", name, HostName, CUDAName)
	}
}

func checkGrid(g Grid, props Properties) error {
	if g.Threads <= 0 || g.Blocks <= 0 {
		return gossa.Configf("grid", "threads and blocks must be positive, got %dx%d", g.Blocks, g.Threads)
	}
	if props.MaxThreadsPerBlock > 0 && g.Threads > props.MaxThreadsPerBlock {
		return gossa.Configf("threads", "%d exceeds device limit %d", g.Threads, props.MaxThreadsPerBlock)
	}
	return nil
}

func checkLen(what string, want, got int) error {
	if want != got {
		return &gossa.DimensionError{What: what, Want: want, Got: got}
	}
	return nil
}

func checkStep(l StepLaunch, src *kernel.Source, props Properties) error {
	if err := checkGrid(l.Grid, props); err != nil {
		return err
	}
	p := src.Program
	slots := l.Slots()
	for _, err := range []error{
		checkLen("species", slots*p.NumSpecies, len(l.Species)),
		checkLen("params", slots*p.NumParams, len(l.Params)),
		checkLen("start times", slots, len(l.Start)),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func checkAll(l AllLaunch, src *kernel.Source, props Properties) error {
	if err := checkGrid(l.Grid, props); err != nil {
		return err
	}
	if len(l.Checkpoints) == 0 {
		return gossa.Configf("checkpoints", "at least one checkpoint required")
	}
	p := src.Program
	slots := l.Slots()
	if err := checkLen("species", slots*p.NumSpecies, len(l.Species)); err != nil {
		return err
	}
	return checkLen("params", slots*p.NumParams, len(l.Params))
}

func unavailable(backend, format string, args ...any) error {
	return &gossa.UnavailableBackendError{Backend: backend, Reason: fmt.Sprintf(format, args...)}
}
