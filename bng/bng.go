// Package bng runs BioNetGen's stochastic simulator as a subprocess and reads
// the trajectories it writes.
package bng

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/njchilds90/gossa"
)

// SSAOptions controls one batch of BioNetGen simulations.
type SSAOptions struct {
	// Times are the sample times; the first is the start time.
	Times []float64
	// Runs is the number of independent simulations (default 1).
	Runs int
	// Method is the simulate() method (default "ssa").
	Method string
	// Parameters overrides model parameters before every run.
	Parameters map[string]float64
	// Concentrations sets species concentrations before every run, keyed by
	// BNGL species pattern.
	Concentrations map[string]float64
	// Extra passes additional simulate() arguments. String values are quoted.
	Extra   map[string]any
	Verbose bool
}

func formatArg(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case float64:
		return formatFloat(x)
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RunPrefix is the output prefix of run n.
func RunPrefix(base string, n int) string { return base + "_" + strconv.Itoa(n) }

// ActionsScript renders the BNGL actions block that generates the network
// and performs opts.Runs simulations with output prefixes base_<n>.
func ActionsScript(base string, opts SSAOptions) (string, error) {
	if len(opts.Times) == 0 {
		return "", gossa.Configf("times", "a time span is required")
	}
	runs := opts.Runs
	if runs == 0 {
		runs = 1
	}
	if runs < 0 {
		return "", gossa.Configf("runs", "must be positive, got %d", runs)
	}
	method := opts.Method
	if method == "" {
		method = "ssa"
	}
	times := make([]string, len(opts.Times))
	for i, t := range opts.Times {
		times[i] = formatFloat(t)
	}
	args := fmt.Sprintf("method=>%s,t_start=>%s,sample_times=>[%s]",
		strconv.Quote(method), times[0], strings.Join(times, ","))
	for _, k := range sortedKeys(opts.Extra) {
		args += fmt.Sprintf(",%s=>%s", k, formatArg(opts.Extra[k]))
	}
	if opts.Verbose {
		args += ",verbose=>1"
	}

	var b strings.Builder
	b.WriteString("begin actions\n")
	b.WriteString("\tgenerate_network({overwrite=>1})\n")
	for _, k := range sortedKeys(opts.Parameters) {
		fmt.Fprintf(&b, "\tsetParameter(%s,%s)\n", strconv.Quote(k), formatFloat(opts.Parameters[k]))
	}
	for n := 0; n < runs; n++ {
		for _, k := range sortedKeys(opts.Concentrations) {
			fmt.Fprintf(&b, "\tsetConcentration(%s,%s)\n", strconv.Quote(k), formatFloat(opts.Concentrations[k]))
		}
		fmt.Fprintf(&b, "\tsimulate({%s,prefix=>%s})\n", args, strconv.Quote(RunPrefix(base, n)))
		b.WriteString("\tresetConcentrations()\n")
	}
	b.WriteString("end actions\n")
	return b.String(), nil
}

// Runner invokes BNG2.pl.
type Runner struct {
	// BNGPath is the BNG2.pl script. Empty looks it up in $BNGPATH and PATH.
	BNGPath string
	// Perl defaults to "perl".
	Perl string
	// WorkDir receives the generated files. Empty uses a fresh temporary
	// directory.
	WorkDir string
	// Basename of generated files. Empty derives one from the model name.
	Basename string
	// Keep leaves generated files in place.
	Keep   bool
	Logger *slog.Logger
}

// Run is the output of one simulation.
type Run struct {
	Observables *Data // .gdat
	Species     *Data // .cdat
}

func (r *Runner) bngPath() (string, error) {
	if r.BNGPath != "" {
		if _, err := os.Stat(r.BNGPath); err != nil {
			return "", &gossa.UnavailableBackendError{Backend: "bionetgen", Reason: "BNG2.pl not found", Err: err}
		}
		return r.BNGPath, nil
	}
	if dir := os.Getenv("BNGPATH"); dir != "" {
		p := filepath.Join(dir, "BNG2.pl")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	p, err := exec.LookPath("BNG2.pl")
	if err != nil {
		return "", &gossa.UnavailableBackendError{Backend: "bionetgen", Reason: "BNG2.pl not found; set BNGPATH", Err: err}
	}
	return p, nil
}

// RunSSA writes model (BNGL without an actions block) plus the generated
// actions, runs BioNetGen and parses every run's .gdat and .cdat. A non-zero
// exit is returned as *gossa.ExternalProcessError.
func (r *Runner) RunSSA(ctx context.Context, name string, model []byte, opts SSAOptions) ([]Run, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bng, err := r.bngPath()
	if err != nil {
		return nil, err
	}
	dir := r.WorkDir
	if dir == "" {
		if dir, err = os.MkdirTemp("", "gossa-bng-"); err != nil {
			return nil, err
		}
		if !r.Keep {
			defer os.RemoveAll(dir)
		}
	}
	base := r.Basename
	if base == "" {
		if name == "" {
			name = "model"
		}
		base = name + "_" + uuid.NewString()[:8]
	}
	actions, err := ActionsScript(base, opts)
	if err != nil {
		return nil, err
	}
	bngl := filepath.Join(dir, base+".bngl")
	if _, err := os.Stat(bngl); err == nil {
		return nil, fmt.Errorf("%s already exists", bngl)
	}
	content := append(bytes.TrimRight(append([]byte(nil), model...), "\n"), '\n', '\n')
	content = append(content, actions...)
	if err := os.WriteFile(bngl, content, 0o644); err != nil {
		return nil, err
	}

	perl := r.Perl
	if perl == "" {
		perl = "perl"
	}
	cmd := exec.CommandContext(ctx, perl, bng, filepath.Base(bngl))
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	logger.Debug("running bionetgen", "bngl", bngl, "runs", max(opts.Runs, 1))
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

	runs := make([]Run, max(opts.Runs, 1))
	for n := range runs {
		prefix := filepath.Join(dir, RunPrefix(base, n))
		if runs[n].Observables, err = ReadDataFile(prefix + ".gdat"); err != nil {
			return nil, err
		}
		if runs[n].Species, err = ReadDataFile(prefix + ".cdat"); err != nil {
			return nil, err
		}
	}
	if !r.Keep && r.WorkDir != "" {
		r.cleanup(base, len(runs))
	}
	return runs, nil
}

func (r *Runner) cleanup(base string, runs int) {
	files := []string{base + ".bngl", base + ".net"}
	for n := 0; n < runs; n++ {
		p := RunPrefix(base, n)
		files = append(files, p+".gdat", p+".cdat", p+".net")
	}
	for _, f := range files {
		os.Remove(filepath.Join(r.WorkDir, f))
	}
}
