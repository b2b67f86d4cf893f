package ssa

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/njchilds90/gossa/device"
)

// Run advances every simulation across all checkpoints in one dispatch.
func (s *Simulator) Run(ctx context.Context, req Request) (*Trajectory, error) {
	return s.execute(ctx, ModeAll, req)
}

// RunOneStep drives the checkpoint loop on the host: one dispatch per
// interval, each advancing every simulation from the time it reached to the
// next checkpoint. It produces the same layout as Run.
func (s *Simulator) RunOneStep(ctx context.Context, req Request) (*Trajectory, error) {
	return s.execute(ctx, ModeStep, req)
}

func (s *Simulator) execute(ctx context.Context, mode Mode, req Request) (*Trajectory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	ck, err := s.Kernel(ctx)
	if err != nil {
		return nil, err
	}
	b, err := s.prepare(req, ck.Properties())
	if err != nil {
		return nil, err
	}
	if b.seed == 0 {
		b.seed = uint64(time.Now().UnixNano())
	}
	rec := RunRecord{
		ID:          uuid.New(),
		Network:     s.net.Name,
		Digest:      s.src.Digest,
		Backend:     ck.Backend(),
		Mode:        mode,
		Sims:        b.sims,
		Slots:       b.grid.Slots(),
		Checkpoints: len(b.checkpoints),
		Threads:     b.grid.Threads,
		Blocks:      b.grid.Blocks,
		Seed:        b.seed,
		Started:     time.Now(),
	}
	s.logger.Info("starting simulations",
		"run", rec.ID,
		"mode", mode,
		"sims", b.sims,
		"slots", rec.Slots,
		"blocks", b.grid.Blocks,
		"threads", b.grid.Threads)

	var data []int32
	if mode == ModeAll {
		data, err = s.runAll(ctx, ck, b)
	} else {
		data, err = s.runSteps(ctx, ck, b)
	}
	rec.Elapsed = time.Since(rec.Started)
	if err != nil {
		rec.Err = err.Error()
	}
	s.record(ctx, rec)
	if err != nil {
		return nil, err
	}
	s.metrics.observeRun(ck.Backend(), mode, b.sims)
	s.logger.Info("simulations finished", "run", rec.ID, "sims", b.sims, "elapsed", rec.Elapsed)

	names := make([]string, len(s.net.Species))
	for i, sp := range s.net.Species {
		names[i] = sp.Name
	}
	return &Trajectory{
		RunID:      rec.ID,
		Mode:       mode,
		Seed:       b.seed,
		Times:      b.checkpoints,
		Species:    names,
		NumSims:    b.sims,
		NumSpecies: s.net.NumSpecies(),
		Data:       data,
	}, nil
}

func (s *Simulator) record(ctx context.Context, rec RunRecord) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, rec); err != nil {
		s.logger.Warn("run record dropped", "run", rec.ID, "err", err)
	}
}

func (s *Simulator) dispatch(mode Mode, backend string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	s.metrics.observeDispatch(backend, mode, elapsed, err)
	s.logger.Debug("dispatch", "mode", mode, "elapsed", elapsed, "err", err)
	return err
}

// runAll dispatches the full-trajectory entry point and drops padding slots.
func (s *Simulator) runAll(ctx context.Context, ck *CompiledKernel, b *batch) ([]int32, error) {
	var res []int32
	err := s.dispatch(ModeAll, ck.Backend(), func() error {
		var err error
		res, err = ck.kernel.AllSteps(ctx, device.AllLaunch{
			Grid:        b.grid,
			Species:     b.species,
			Params:      b.params,
			Checkpoints: b.checkpoints,
			Seed:        b.seed,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	// Slot-major layout: the first sims slots are the requested simulations.
	return res[:b.sims*len(b.checkpoints)*s.net.NumSpecies()], nil
}

// stepSeed gives every interval of a step-mode run its own stream.
func stepSeed(seed uint64, step int) uint64 {
	return seed ^ (uint64(step) * 0xd1b54a32d192ed03)
}

// runSteps loops over checkpoint intervals on the host.
func (s *Simulator) runSteps(ctx context.Context, ck *CompiledKernel, b *batch) ([]int32, error) {
	ns, nt := s.net.NumSpecies(), len(b.checkpoints)
	slots := b.grid.Slots()
	out := make([]int32, b.sims*nt*ns)
	store := func(t int, species []int32) {
		for i := 0; i < b.sims; i++ {
			copy(out[(i*nt+t)*ns:(i*nt+t+1)*ns], species[i*ns:(i+1)*ns])
		}
	}
	cur := b.species
	times := make([]float64, slots)
	for i := range times {
		times[i] = b.checkpoints[0]
	}
	store(0, cur)
	for t := 1; t < nt; t++ {
		var step device.StepOutput
		err := s.dispatch(ModeStep, ck.Backend(), func() error {
			var err error
			step, err = ck.kernel.Step(ctx, device.StepLaunch{
				Grid:    b.grid,
				Species: cur,
				Params:  b.params,
				Start:   times,
				End:     b.checkpoints[t],
				Seed:    stepSeed(b.seed, t),
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		cur, times = step.Species, step.Times
		store(t, cur)
	}
	return out, nil
}
