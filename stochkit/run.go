package stochkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/bng"
	"github.com/njchilds90/gossa/ssa"
)

// Mode labels trajectories produced by StochKit.
const Mode ssa.Mode = "stochkit"

// Runner invokes StochKit's ssa driver.
type Runner struct {
	// SSA is the driver binary (default "ssa" on PATH).
	SSA string
	// WorkDir receives the model and output directory. Empty uses a fresh
	// temporary directory.
	WorkDir string
	Keep    bool
	Logger  *slog.Logger
}

// RunOptions controls one StochKit invocation.
type RunOptions struct {
	// Times must be evenly spaced; the first is the start time.
	Times []float64
	Runs  int
	// Seed is passed with --seed when non-zero.
	Seed uint64
	// Args are extra driver arguments.
	Args []string
}

func (o RunOptions) intervals() (float64, int, error) {
	if len(o.Times) < 2 {
		return 0, 0, gossa.Configf("times", "at least two time points are required")
	}
	span := o.Times[len(o.Times)-1] - o.Times[0]
	n := len(o.Times) - 1
	step := span / float64(n)
	for i := 1; i < len(o.Times); i++ {
		d := o.Times[i] - o.Times[i-1]
		if !(d > 0) || math.Abs(d-step) > 1e-9*math.Max(1, math.Abs(step)) {
			return 0, 0, gossa.Configf("times", "StochKit needs evenly spaced increasing times")
		}
	}
	return span, n, nil
}

// Run writes the model, runs ssa and reads the kept trajectories. Output
// times are shifted by the first requested time.
func (r *Runner) Run(ctx context.Context, m *Model, opts RunOptions) (*ssa.Trajectory, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	span, intervals, err := opts.intervals()
	if err != nil {
		return nil, err
	}
	runs := max(opts.Runs, 1)
	bin := r.SSA
	if bin == "" {
		bin = "ssa"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, &gossa.UnavailableBackendError{Backend: "stochkit", Reason: "ssa driver not found", Err: err}
	}

	dir := r.WorkDir
	if dir == "" {
		if dir, err = os.MkdirTemp("", "gossa-stochkit-"); err != nil {
			return nil, err
		}
	}
	id := uuid.New()
	modelPath := filepath.Join(dir, "model-"+id.String()[:8]+".xml")
	outDir := filepath.Join(dir, "out-"+id.String()[:8])
	if !r.Keep {
		defer func() {
			os.Remove(modelPath)
			os.RemoveAll(outDir)
			if r.WorkDir == "" {
				os.RemoveAll(dir)
			}
		}()
	}
	f, err := os.Create(modelPath)
	if err != nil {
		return nil, err
	}
	if err := m.WriteXML(f); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	args := []string{
		"-m", modelPath,
		"-t", strconv.FormatFloat(span, 'g', -1, 64),
		"-i", strconv.Itoa(intervals),
		"-r", strconv.Itoa(runs),
		"--keep-trajectories",
		"--out-dir", outDir,
		"--force",
	}
	if opts.Seed != 0 {
		args = append(args, "--seed", strconv.FormatUint(opts.Seed, 10))
	}
	args = append(args, opts.Args...)
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	logger.Debug("running stochkit", "model", modelPath, "runs", runs)
	if err := cmd.Run(); err != nil {
		pe := &gossa.ExternalProcessError{
			Command:  strings.Join(cmd.Args, " "),
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Err:      err,
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			pe.ExitCode = ee.ExitCode()
		}
		return nil, pe
	}
	return readTrajectories(outDir, runs, m, opts.Times[0], opts.Seed)
}

// readTrajectories loads out/trajectories/trajectory<i>.txt. Each file has a
// time column followed by one column per species.
func readTrajectories(outDir string, runs int, m *Model, t0 float64, seed uint64) (*ssa.Trajectory, error) {
	ns := len(m.Species)
	tr := &ssa.Trajectory{
		RunID:      uuid.New(),
		Mode:       Mode,
		Seed:       seed,
		NumSims:    runs,
		NumSpecies: ns,
	}
	for _, s := range m.Species {
		tr.Species = append(tr.Species, s.Name)
	}
	for i := 0; i < runs; i++ {
		path := filepath.Join(outDir, "trajectories", "trajectory"+strconv.Itoa(i)+".txt")
		d, err := bng.ReadDataFile(path)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			for _, row := range d.Rows {
				tr.Times = append(tr.Times, row[0]+t0)
			}
		}
		if len(d.Rows) != len(tr.Times) {
			return nil, &gossa.DimensionError{What: "trajectory " + strconv.Itoa(i) + " rows", Want: len(tr.Times), Got: len(d.Rows)}
		}
		for _, row := range d.Rows {
			if len(row) != ns+1 {
				return nil, &gossa.DimensionError{What: "trajectory columns", Want: ns + 1, Got: len(row)}
			}
			for _, v := range row[1:] {
				tr.Data = append(tr.Data, int32(math.Round(v)))
			}
		}
	}
	if len(tr.Times) == 0 {
		return nil, fmt.Errorf("stochkit wrote empty trajectories in %s", outDir)
	}
	return tr, nil
}
