package device

import (
	"context"
	"log/slog"
	"runtime"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"github.com/njchilds90/gossa/kernel"
	"github.com/njchilds90/gossa/propensity"
)

// HostOptions configures the CPU backend.
type HostOptions struct {
	// Workers bounds the number of blocks simulated concurrently.
	// Zero means GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
}

// Host emulates the kernel entry points on the CPU. Each block runs on its
// own goroutine and each slot draws from a private PCG stream derived from
// the launch seed and the slot index, so results do not depend on scheduling.
type Host struct {
	workers int
	logger  *slog.Logger
}

// NewHost returns a CPU backend.
func NewHost(opts HostOptions) *Host {
	w := opts.Workers
	if w <= 0 {
		w = runtime.GOMAXPROCS(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{workers: w, logger: logger}
}

func (h *Host) Name() string                    { return HostName }
func (h *Host) Available(context.Context) error { return nil }

func (h *Host) Properties() Properties {
	return Properties{Name: "host-cpu", MaxThreadsPerBlock: 1024, WarpSize: 32}
}

// Build binds the program's host evaluator. The source text is not compiled.
func (h *Host) Build(_ context.Context, src *kernel.Source) (Kernel, error) {
	if src == nil || src.Program == nil {
		return nil, unavailable(HostName, "source carries no compiled program")
	}
	h.logger.Debug("host kernel bound", "digest", src.ShortDigest(), "reactions", src.Program.NumReactions)
	return &hostKernel{src: src, eval: src.Program.Evaluator(), props: h.Properties(), workers: h.workers}, nil
}

type hostKernel struct {
	src     *kernel.Source
	eval    *propensity.Evaluator
	props   Properties
	workers int
}

func (k *hostKernel) Source() *kernel.Source { return k.src }
func (k *hostKernel) EntryPoints() []string  { return append([]string(nil), k.src.EntryPoints...) }
func (k *hostKernel) Close() error           { return nil }

// slotSeed mixes the launch seed with the slot index (splitmix64 finalizer).
func slotSeed(seed uint64, slot int) uint64 {
	z := seed + uint64(slot+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// slot is the private state of one simulation slot.
type slot struct {
	eval *propensity.Evaluator
	rng  *rand.Rand
	y    []float64
	k    []float64
	h    []float64
}

func (k *hostKernel) newSlot(seed uint64, i int, species []int32, params []float64) *slot {
	ns, np := k.eval.NumSpecies(), k.eval.NumParams()
	s := &slot{
		eval: k.eval,
		rng:  rand.New(rand.NewSource(slotSeed(seed, i))),
		y:    make([]float64, ns),
		k:    params[i*np : (i+1)*np],
		h:    make([]float64, k.eval.NumReactions()),
	}
	for j := range s.y {
		s.y[j] = float64(species[i*ns+j])
	}
	return s
}

// advance fires events until the next waiting time would pass tEnd and
// returns tEnd.
func (s *slot) advance(t, tEnd float64) float64 {
	for {
		a0 := s.eval.Hazards(s.h, s.y, s.k)
		if a0 <= 0 {
			return tEnd
		}
		tau := s.rng.ExpFloat64() / a0
		if t+tau > tEnd {
			return tEnd
		}
		t += tau
		s.eval.Fire(selectReaction(s.h, s.rng.Float64()*a0), s.y)
	}
}

func selectReaction(h []float64, target float64) int {
	cum, last := 0.0, 0
	for i, v := range h {
		if v > 0 {
			last = i
		}
		cum += v
		if cum >= target && v > 0 {
			return i
		}
	}
	return last
}

func (s *slot) store(dst []int32) {
	for j, v := range s.y {
		dst[j] = int32(v)
	}
}

// forEachSlot runs fn for every slot, one goroutine per block.
func (k *hostKernel) forEachSlot(ctx context.Context, g Grid, fn func(i int)) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(k.workers)
	for b := 0; b < g.Blocks; b++ {
		eg.Go(func() error {
			for i := b * g.Threads; i < (b+1)*g.Threads; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				fn(i)
			}
			return nil
		})
	}
	return eg.Wait()
}

func (k *hostKernel) Step(ctx context.Context, l StepLaunch) (StepOutput, error) {
	if err := checkStep(l, k.src, k.props); err != nil {
		return StepOutput{}, err
	}
	ns := k.eval.NumSpecies()
	out := StepOutput{
		Species: make([]int32, len(l.Species)),
		Times:   make([]float64, l.Slots()),
	}
	err := k.forEachSlot(ctx, l.Grid, func(i int) {
		s := k.newSlot(l.Seed, i, l.Species, l.Params)
		out.Times[i] = s.advance(l.Start[i], l.End)
		s.store(out.Species[i*ns : (i+1)*ns])
	})
	if err != nil {
		return StepOutput{}, err
	}
	return out, nil
}

func (k *hostKernel) AllSteps(ctx context.Context, l AllLaunch) ([]int32, error) {
	if err := checkAll(l, k.src, k.props); err != nil {
		return nil, err
	}
	ns, np := k.eval.NumSpecies(), len(l.Checkpoints)
	result := make([]int32, l.Slots()*np*ns)
	err := k.forEachSlot(ctx, l.Grid, func(i int) {
		s := k.newSlot(l.Seed, i, l.Species, l.Params)
		t := l.Checkpoints[0]
		for p, tp := range l.Checkpoints {
			t = s.advance(t, tp)
			off := (i*np + p) * ns
			s.store(result[off : off+ns])
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
