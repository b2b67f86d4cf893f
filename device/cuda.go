package device

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/kernel"
)

const (
	sourceName  = "kernel.cu"
	ptxName     = "kernel.ptx"
	harnessName = "harness"
)

// CUDAOptions configures the CUDA backend.
type CUDAOptions struct {
	// NVCC is the compiler binary, a path or a name looked up on PATH.
	// Empty means "nvcc".
	NVCC string
	// Flags are passed to every nvcc invocation.
	Flags []string
	// WorkDir holds per-kernel build directories. Empty means os.TempDir.
	WorkDir string
	// KeepSource leaves the build directory behind on Close.
	KeepSource bool
	Cache      *Cache
	// Properties overrides the reported device properties.
	Properties Properties
	Logger     *slog.Logger
}

// CUDA builds kernels with nvcc. Every kernel is compiled twice: to PTX, to
// verify that both entry points were emitted, and into a harness executable
// that performs one dispatch per invocation.
type CUDA struct {
	opts   CUDAOptions
	logger *slog.Logger
}

// NewCUDA returns a CUDA backend. Availability is checked by Available and
// again by Build.
func NewCUDA(opts CUDAOptions) *CUDA {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CUDA{opts: opts, logger: logger}
}

func (c *CUDA) Name() string { return CUDAName }

func (c *CUDA) nvcc() (string, error) {
	name := c.opts.NVCC
	if name == "" {
		name = "nvcc"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", &gossa.UnavailableBackendError{Backend: CUDAName, Reason: "nvcc not found", Err: err}
	}
	return path, nil
}

func (c *CUDA) Available(context.Context) error {
	_, err := c.nvcc()
	return err
}

func (c *CUDA) Properties() Properties {
	if c.opts.Properties.MaxThreadsPerBlock > 0 {
		return c.opts.Properties
	}
	return Properties{Name: "cuda", MaxThreadsPerBlock: 1024, WarpSize: 32}
}

var entryRe = regexp.MustCompile(`\.entry\s+([A-Za-z_$][\w$]*)`)

// ptxEntries lists the kernel entry points declared in a PTX file.
func ptxEntries(path string) (map[string]bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, m := range entryRe.FindAllSubmatch(b, -1) {
		out[string(m[1])] = true
	}
	return out, nil
}

func (c *CUDA) compile(ctx context.Context, nvcc, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, nvcc, append(append([]string(nil), c.opts.Flags...), args...)...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &gossa.BackendExecutionError{Backend: CUDAName, Op: "compile", Stderr: stderr.String(), Err: err}
	}
	return nil
}

// Build compiles src, or restores it from the artifact cache, and binds both
// entry points.
func (c *CUDA) Build(ctx context.Context, src *kernel.Source) (Kernel, error) {
	nvcc, err := c.nvcc()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	dir, err := os.MkdirTemp(c.opts.WorkDir, "gossa-"+src.ShortDigest()+"-")
	if err != nil {
		return nil, fmt.Errorf("create build dir: %w", err)
	}
	k, err := c.build(ctx, nvcc, dir, src)
	if err != nil {
		if !c.opts.KeepSource {
			os.RemoveAll(dir)
		}
		return nil, err
	}
	c.logger.Info("cuda kernel built", "digest", src.ShortDigest(), "cached", k.cached, "dir", dir, "elapsed", time.Since(start))
	return k, nil
}

func (c *CUDA) build(ctx context.Context, nvcc, dir string, src *kernel.Source) (*cudaKernel, error) {
	key := ArtifactKey(src.Digest, c.opts.Flags)
	ptx := filepath.Join(dir, ptxName)
	exe := filepath.Join(dir, harnessName)

	cached, err := c.opts.Cache.fetch(ctx, key, ptxName, ptx, 0o644)
	if err == nil && cached {
		cached, err = c.opts.Cache.fetch(ctx, key, harnessName, exe, 0o755)
	}
	if err != nil {
		c.logger.Warn("artifact cache unavailable", "key", key, "err", err)
		cached = false
	}
	if !cached {
		srcPath := filepath.Join(dir, sourceName)
		if err := os.WriteFile(srcPath, []byte(src.Text), 0o644); err != nil {
			return nil, err
		}
		if err := c.compile(ctx, nvcc, dir, "-ptx", "-o", ptx, srcPath); err != nil {
			return nil, err
		}
		if err := c.compile(ctx, nvcc, dir, "-D"+kernel.HarnessDefine, "-o", exe, srcPath); err != nil {
			return nil, err
		}
		meta := map[string]string{"digest": src.Digest, "precision": src.Precision.String()}
		for _, name := range []string{ptxName, harnessName} {
			if err := c.opts.Cache.put(ctx, key, name, filepath.Join(dir, name), meta); err != nil {
				c.logger.Warn("artifact cache store failed", "key", key, "artifact", name, "err", err)
			}
		}
	}

	entries, err := ptxEntries(ptx)
	if err != nil {
		return nil, &gossa.UnavailableBackendError{Backend: CUDAName, Reason: "cannot read compiled artifact", Err: err}
	}
	for _, name := range src.EntryPoints {
		if !entries[name] {
			return nil, unavailable(CUDAName, "entry point %s missing from compiled artifact", name)
		}
	}
	p := src.Program
	return &cudaKernel{
		src:    src,
		dir:    dir,
		exe:    exe,
		keep:   c.opts.KeepSource,
		cached: cached,
		props:  c.Properties(),
		frame:  frame{bits: src.Precision.Bits(), species: p.NumSpecies, params: p.NumParams},
	}, nil
}

type cudaKernel struct {
	src    *kernel.Source
	dir    string
	exe    string
	keep   bool
	cached bool
	props  Properties
	frame  frame
}

func (k *cudaKernel) Source() *kernel.Source { return k.src }
func (k *cudaKernel) EntryPoints() []string  { return append([]string(nil), k.src.EntryPoints...) }

// Close removes the build directory unless KeepSource was set.
func (k *cudaKernel) Close() error {
	if k.keep {
		return nil
	}
	return os.RemoveAll(k.dir)
}

// dispatch runs the harness once. The context is only consulted before the
// process starts; a running dispatch is never interrupted.
func (k *cudaKernel) dispatch(ctx context.Context, op string, req []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(k.exe)
	cmd.Stdin = bytes.NewReader(req)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &gossa.BackendExecutionError{Backend: CUDAName, Op: op, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

func (k *cudaKernel) Step(ctx context.Context, l StepLaunch) (StepOutput, error) {
	if err := checkStep(l, k.src, k.props); err != nil {
		return StepOutput{}, err
	}
	var req bytes.Buffer
	if err := k.frame.encodeStep(&req, l); err != nil {
		return StepOutput{}, err
	}
	reply, err := k.dispatch(ctx, kernel.EntryOneStep, req.Bytes())
	if err != nil {
		return StepOutput{}, err
	}
	out, err := k.frame.decodeStep(bytes.NewReader(reply), l.Slots())
	if err != nil {
		return StepOutput{}, &gossa.BackendExecutionError{Backend: CUDAName, Op: kernel.EntryOneStep, Err: err}
	}
	return out, nil
}

func (k *cudaKernel) AllSteps(ctx context.Context, l AllLaunch) ([]int32, error) {
	if err := checkAll(l, k.src, k.props); err != nil {
		return nil, err
	}
	var req bytes.Buffer
	if err := k.frame.encodeAll(&req, l); err != nil {
		return nil, err
	}
	reply, err := k.dispatch(ctx, kernel.EntryAllSteps, req.Bytes())
	if err != nil {
		return nil, err
	}
	result, err := k.frame.decodeAll(bytes.NewReader(reply), l.Slots(), len(l.Checkpoints))
	if err != nil {
		return nil, &gossa.BackendExecutionError{Backend: CUDAName, Op: kernel.EntryAllSteps, Err: err}
	}
	return result, nil
}
