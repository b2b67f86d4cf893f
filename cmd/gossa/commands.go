package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/njchilds90/gossa/bng"
	"github.com/njchilds90/gossa/config"
	"github.com/njchilds90/gossa/internal/ledger"
	"github.com/njchilds90/gossa/kernel"
	"github.com/njchilds90/gossa/network"
	"github.com/njchilds90/gossa/propensity"
	"github.com/njchilds90/gossa/ssa"
	"github.com/njchilds90/gossa/stochkit"
)

func precisionFlag(fs *flag.FlagSet, cfg config.Config) *string {
	def := "32"
	if cfg.Precision == propensity.Double {
		def = "64"
	}
	return fs.String("precision", def, "32 or 64")
}

func loadNet(path string) (*network.Network, error) {
	if path == "" {
		return nil, errors.New("-net is required")
	}
	return network.LoadFile(path)
}

// create opens path for writing, "-" meaning stdout.
func create(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func cmdCompile(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	netPath := fs.String("net", "", "Network file (.json, .yaml, .net)")
	prec := precisionFlag(fs, cfg)
	out := fs.String("o", "-", "Output file")
	fs.Parse(args)

	n, err := loadNet(*netPath)
	if err != nil {
		return err
	}
	p, err := propensity.ParsePrecision(*prec)
	if err != nil {
		return err
	}
	prog, err := propensity.Compile(n, propensity.Options{Dialect: propensity.CUDA(p), Logger: cfg.NewLogger()})
	if err != nil {
		return err
	}
	src, err := kernel.Assemble(n.Name, prog, p)
	if err != nil {
		return err
	}
	w, err := create(*out)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, src.Text); err != nil {
		w.Close()
		return err
	}
	if *out != "-" {
		fmt.Fprintf(os.Stderr, "%s: %s, digest %s\n", *out, humanize.Bytes(uint64(len(src.Text))), src.ShortDigest())
	}
	return w.Close()
}

func cmdStoich(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("stoich", flag.ExitOnError)
	netPath := fs.String("net", "", "Network file (.json, .yaml, .net)")
	named := fs.Bool("named", false, "Print hazards with species and parameter names")
	fs.Parse(args)

	n, err := loadNet(*netPath)
	if err != nil {
		return err
	}
	d := propensity.CUDA(propensity.Single)
	if *named {
		d = propensity.Named()
	}
	prog, err := propensity.Compile(n, propensity.Options{Dialect: d, Logger: cfg.NewLogger()})
	if err != nil {
		return err
	}
	unused, err := n.UnusedParameters()
	if err != nil {
		return err
	}
	fmt.Printf("# %s: %d species, %d reactions, %d parameters\n", n.Name, prog.NumSpecies, prog.NumReactions, prog.NumParams)
	if len(unused) > 0 {
		fmt.Printf("# unused parameters: %v\n", unused)
	}
	fmt.Print(prog.StoichText())
	fmt.Println()
	fmt.Print(prog.HazardBlock())
	return nil
}

// nominalRows builds num rows of the nominal parameters with overrides.
func nominalRows(n *network.Network, overrides map[string]float64, num int) ([][]float64, error) {
	if len(overrides) == 0 {
		return nil, nil
	}
	base := n.NominalParameters()
	for name, v := range overrides {
		i, ok := n.ParamIndex(name)
		if !ok {
			return nil, fmt.Errorf("-param: unknown parameter %q", name)
		}
		base[i] = v
	}
	rows := make([][]float64, num)
	for i := range rows {
		rows[i] = base
	}
	return rows, nil
}

func cmdRun(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	netPath := fs.String("net", "", "Network file (.json, .yaml, .net)")
	span := fs.String("t", "", "Checkpoints, start:end:points or t0,t1,...")
	num := fs.Int("n", 1, "Simulations")
	threads := fs.Int("threads", cfg.Threads, "Threads per block")
	seed := fs.Uint64("seed", cfg.Seed, "Seed, 0 picks one from the clock")
	mode := fs.String("mode", string(ssa.ModeAll), "all or step")
	backend := fs.String("backend", cfg.Backend, "host or cuda")
	prec := precisionFlag(fs, cfg)
	params := fs.String("param", "", "Parameter overrides, name=value,...")
	out := fs.String("out", "", "Write the trajectory as CSV")
	plotPath := fs.String("plot", "", "Write a plot of species means (.png, .svg, .pdf)")
	ledgerDSN := fs.String("ledger", cfg.LedgerDSN, "Record the run in this ledger")
	fs.Parse(args)

	n, err := loadNet(*netPath)
	if err != nil {
		return err
	}
	times, err := parseSpan(*span)
	if err != nil {
		return err
	}
	p, err := propensity.ParsePrecision(*prec)
	if err != nil {
		return err
	}
	overrides, err := keyValues(*params)
	if err != nil {
		return err
	}
	rows, err := nominalRows(n, overrides, *num)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()
	cfg.Backend = *backend
	be, err := cfg.OpenBackend(ctx, logger)
	if err != nil {
		return err
	}
	opts := ssa.Options{Backend: be, Precision: p, Threads: *threads, Logger: logger}
	if *ledgerDSN != "" {
		l, err := ledger.Open(ctx, *ledgerDSN)
		if err != nil {
			return err
		}
		defer l.Close()
		opts.Recorder = l
	}
	sim, err := ssa.New(ctx, n, opts)
	if err != nil {
		return err
	}
	defer sim.Close()

	req := ssa.Request{Checkpoints: times, Params: rows, NumSim: *num, Seed: *seed}
	start := time.Now()
	var tr *ssa.Trajectory
	switch ssa.Mode(*mode) {
	case ssa.ModeAll:
		tr, err = sim.Run(ctx, req)
	case ssa.ModeStep:
		tr, err = sim.RunOneStep(ctx, req)
	default:
		return fmt.Errorf("-mode %q: want all or step", *mode)
	}
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	fmt.Fprintf(os.Stderr, "%s simulations x %d checkpoints on %s in %s (seed %d)\n",
		humanize.Comma(int64(tr.NumSims)), len(tr.Times), sim.Backend(), elapsed.Round(time.Millisecond), tr.Seed)

	if *out != "" {
		w, err := create(*out)
		if err != nil {
			return err
		}
		bw := bufio.NewWriter(w)
		if err := tr.WriteCSV(bw); err != nil {
			w.Close()
			return err
		}
		if err := bw.Flush(); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		if st, err := os.Stat(*out); err == nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", *out, humanize.Bytes(uint64(st.Size())))
		}
	}
	if *plotPath != "" {
		if err := plotMeans(tr, n.Name, *plotPath); err != nil {
			return err
		}
	}
	return printSummary(os.Stdout, tr, n)
}

// printSummary writes ensemble statistics of every species at the last
// checkpoint.
func printSummary(w io.Writer, tr *ssa.Trajectory, n *network.Network) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	last := len(tr.Times) - 1
	fmt.Fprintf(tw, "species\tmean\tstd\tp5\tmedian\tp95\n")
	for j := 0; j < tr.NumSpecies; j++ {
		s, err := tr.Summary(last, j)
		if err != nil {
			return err
		}
		name := tr.Species[j]
		if j < len(n.Species) && n.Species[j].Name != "" {
			name = n.Species[j].Name
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%g\t%g\n", name,
			humanize.FtoaWithDigits(s.Mean, 3), humanize.FtoaWithDigits(s.StdDev, 3), s.P5, s.Median, s.P95)
	}
	return tw.Flush()
}

func cmdBNG(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("bng", flag.ExitOnError)
	model := fs.String("bngl", "", "BioNetGen model file")
	span := fs.String("t", "", "Sample times, start:end:points or t0,t1,...")
	runs := fs.Int("runs", 1, "Independent simulations")
	params := fs.String("param", "", "Parameter overrides, name=value,...")
	observable := fs.String("obs", "", "Print only this observable")
	fs.Parse(args)

	if *model == "" {
		return errors.New("-bngl is required")
	}
	text, err := os.ReadFile(*model)
	if err != nil {
		return err
	}
	times, err := parseSpan(*span)
	if err != nil {
		return err
	}
	overrides, err := keyValues(*params)
	if err != nil {
		return err
	}
	name := filepath.Base(*model)
	name = name[:len(name)-len(filepath.Ext(name))]
	results, err := cfg.BNG(cfg.NewLogger()).RunSSA(ctx, name, text, bng.SSAOptions{Times: times, Runs: *runs, Parameters: overrides})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	for i, r := range results {
		d := r.Observables
		cols := d.Columns
		if *observable != "" {
			col, ok := d.Column(*observable)
			if !ok {
				return fmt.Errorf("no observable %q in %v", *observable, d.Columns)
			}
			fmt.Fprintf(tw, "run %d\t%v\n", i, col)
			continue
		}
		fmt.Fprintf(tw, "# run %d\n", i)
		for j, c := range cols {
			if j > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, c)
		}
		fmt.Fprintln(tw)
		for _, row := range d.Rows {
			for j, v := range row {
				if j > 0 {
					fmt.Fprint(tw, "\t")
				}
				fmt.Fprintf(tw, "%g", v)
			}
			fmt.Fprintln(tw)
		}
	}
	return tw.Flush()
}

func cmdStochKit(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("stochkit", flag.ExitOnError)
	netPath := fs.String("net", "", "Network file (.json, .yaml, .net)")
	span := fs.String("t", "", "Evenly spaced times, start:end:points")
	runs := fs.Int("runs", 1, "Independent simulations")
	seed := fs.Uint64("seed", cfg.Seed, "Seed passed to ssa, 0 leaves it to StochKit")
	xmlOnly := fs.Bool("xml-only", false, "Write the StochKit model and stop")
	out := fs.String("out", "", "Write the trajectory as CSV")
	fs.Parse(args)

	n, err := loadNet(*netPath)
	if err != nil {
		return err
	}
	m, err := stochkit.Translate(n, nil, nil)
	if err != nil {
		return err
	}
	if *xmlOnly {
		return m.WriteXML(os.Stdout)
	}
	times, err := parseSpan(*span)
	if err != nil {
		return err
	}
	tr, err := cfg.StochKit(cfg.NewLogger()).Run(ctx, m, stochkit.RunOptions{Times: times, Runs: *runs, Seed: *seed})
	if err != nil {
		return err
	}
	if *out != "" {
		w, err := create(*out)
		if err != nil {
			return err
		}
		if err := tr.WriteCSV(w); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
	return printSummary(os.Stdout, tr, n)
}

func cmdRuns(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	num := fs.Int("n", 20, "Runs to list")
	dsn := fs.String("ledger", cfg.LedgerDSN, "Ledger DSN")
	fs.Parse(args)

	if *dsn == "" {
		return errors.New("no ledger: set GOSSA_LEDGER_DSN or -ledger")
	}
	l, err := ledger.Open(ctx, *dsn)
	if err != nil {
		return err
	}
	defer l.Close()
	recs, err := l.Recent(ctx, *num)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "started\tnetwork\tbackend\tmode\tsims\tgrid\telapsed\terror")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%dx%d\t%s\t%s\n",
			humanize.Time(r.Started), r.Network, r.Backend, r.Mode, humanize.Comma(int64(r.Sims)),
			r.Blocks, r.Threads, r.Elapsed.Round(time.Microsecond), r.Err)
	}
	return tw.Flush()
}
