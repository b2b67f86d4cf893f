// Package ssa runs batches of Gillespie simulations of a reaction network on
// a device backend.
//
// A Simulator compiles the network's propensities and assembles the kernel
// source when it is created. The kernel itself is built on first use and
// reused for every later run; picking up a different network or precision
// means creating a new Simulator.
package ssa

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/device"
	"github.com/njchilds90/gossa/kernel"
	"github.com/njchilds90/gossa/network"
	"github.com/njchilds90/gossa/propensity"
)

// Options configures a Simulator.
type Options struct {
	// Backend defaults to the host backend.
	Backend   device.Backend
	Precision propensity.Precision
	// Threads is the default block size; zero derives it from the device.
	Threads  int
	Logger   *slog.Logger
	Metrics  *Metrics
	Recorder Recorder
}

// ErrClosed is returned by runs on a closed Simulator.
var ErrClosed = errors.New("ssa: simulator closed")

// CompiledKernel is a built kernel bound to both entry points. It is
// immutable; a new one is needed for a different source.
type CompiledKernel struct {
	kernel  device.Kernel
	backend string
	props   device.Properties
	built   time.Time
}

// Build compiles src on backend and checks that both entry points are bound.
func Build(ctx context.Context, backend device.Backend, src *kernel.Source) (*CompiledKernel, error) {
	k, err := backend.Build(ctx, src)
	if err != nil {
		return nil, err
	}
	have := k.EntryPoints()
	for _, want := range []string{kernel.EntryOneStep, kernel.EntryAllSteps} {
		if !slices.Contains(have, want) {
			k.Close()
			return nil, &gossa.UnavailableBackendError{Backend: backend.Name(), Reason: "entry point " + want + " not bound"}
		}
	}
	return &CompiledKernel{kernel: k, backend: backend.Name(), props: backend.Properties(), built: time.Now()}, nil
}

func (c *CompiledKernel) Source() *kernel.Source        { return c.kernel.Source() }
func (c *CompiledKernel) Backend() string               { return c.backend }
func (c *CompiledKernel) Properties() device.Properties { return c.props }
func (c *CompiledKernel) Built() time.Time              { return c.built }
func (c *CompiledKernel) Close() error                  { return c.kernel.Close() }

// Simulator dispatches simulation batches for one network. Runs are
// serialized: a Simulator never has two dispatches in flight.
type Simulator struct {
	net      *network.Network
	src      *kernel.Source
	backend  device.Backend
	threads  int
	logger   *slog.Logger
	metrics  *Metrics
	recorder Recorder

	buildMu  sync.Mutex
	compiled *CompiledKernel
	buildErr error

	mu     sync.Mutex
	closed bool
}

// New compiles net and checks that the backend can run kernels here. It
// returns *gossa.UnavailableBackendError when it cannot; such a failure
// leaves no usable Simulator.
func New(ctx context.Context, net *network.Network, opts Options) (*Simulator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backend := opts.Backend
	if backend == nil {
		backend = device.NewHost(device.HostOptions{Logger: logger})
	}
	if opts.Threads < 0 {
		return nil, gossa.Configf("threads", "must not be negative, got %d", opts.Threads)
	}
	prog, err := propensity.Compile(net, propensity.Options{Dialect: propensity.CUDA(opts.Precision), Logger: logger})
	if err != nil {
		return nil, err
	}
	src, err := kernel.Assemble(net.Name, prog, opts.Precision)
	if err != nil {
		return nil, err
	}
	if err := backend.Available(ctx); err != nil {
		return nil, err
	}
	logger.Info("simulator initialized",
		"network", net.Name,
		"backend", backend.Name(),
		"precision", opts.Precision.String(),
		"species", prog.NumSpecies,
		"reactions", prog.NumReactions,
		"digest", src.ShortDigest())
	return &Simulator{
		net:      net,
		src:      src,
		backend:  backend,
		threads:  opts.Threads,
		logger:   logger,
		metrics:  opts.Metrics,
		recorder: opts.Recorder,
	}, nil
}

// Source is the assembled kernel source.
func (s *Simulator) Source() *kernel.Source { return s.src }

// Network is the simulated network.
func (s *Simulator) Network() *network.Network { return s.net }

// Backend is the name of the device backend.
func (s *Simulator) Backend() string { return s.backend.Name() }

// Kernel builds the kernel on first call and returns the same handle, or the
// same error, on every later call. A build cut short by ctx is not
// remembered; the next call builds again.
func (s *Simulator) Kernel(ctx context.Context) (*CompiledKernel, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	if s.compiled != nil || s.buildErr != nil {
		return s.compiled, s.buildErr
	}
	start := time.Now()
	ck, err := Build(ctx, s.backend, s.src)
	s.metrics.observeBuild(s.backend.Name(), err)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("kernel build interrupted", "backend", s.backend.Name(), "err", err)
			return nil, err
		}
		s.logger.Error("kernel build failed", "backend", s.backend.Name(), "err", err)
		s.buildErr = err
		return nil, err
	}
	s.compiled = ck
	s.logger.Info("kernel built",
		"backend", s.backend.Name(),
		"digest", s.src.ShortDigest(),
		"elapsed", time.Since(start))
	return ck, nil
}

// Close waits for the current run and releases the built kernel, if any.
// Later runs fail with ErrClosed.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	if s.compiled == nil {
		return nil
	}
	return s.compiled.Close()
}
