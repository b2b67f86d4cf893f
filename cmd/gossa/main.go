// cmd/gossa/main.go: command line front end.
//
// Usage:
//
//	gossa compile  -net model.json [-precision 64] [-o kernel.cu]
//	gossa stoich   -net model.json
//	gossa run      -net model.json -t 0:100:101 -n 1000 [-mode step] [-out traj.csv] [-plot mean.png]
//	gossa bng      -bngl model.bngl -t 0:100:101 [-runs 10]
//	gossa stochkit -net model.json -t 0:100:101 [-runs 10] [-xml-only]
//	gossa runs     [-n 20]
//
// Settings come from GOSSA_* environment variables (see package config);
// flags override them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/njchilds90/gossa/config"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, cfg config.Config, args []string) error
}

var commands = []command{
	{"compile", "write the CUDA source of a network", cmdCompile},
	{"stoich", "print the stoichiometry matrix and hazards", cmdStoich},
	{"run", "simulate a batch on the configured backend", cmdRun},
	{"bng", "run SSA through BioNetGen", cmdBNG},
	{"stochkit", "run SSA through StochKit", cmdStochKit},
	{"runs", "list recent runs from the ledger", cmdRuns},
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gossa <command> [flags]")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", c.name, c.summary)
	}
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	for _, c := range commands {
		if c.name == os.Args[1] {
			if err := c.run(ctx, cfg, os.Args[2:]); err != nil {
				log.Fatalf("gossa %s: %v", c.name, err)
			}
			return
		}
	}
	usage()
	os.Exit(2)
}

// parseSpan reads start:end:points into evenly spaced times. A bare
// comma-separated list is taken as the times themselves.
func parseSpan(s string) ([]float64, error) {
	if s == "" {
		return nil, errors.New("-t is required")
	}
	if strings.Contains(s, ",") {
		var out []float64
		for _, f := range strings.Split(s, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return nil, fmt.Errorf("-t: %w", err)
			}
			out = append(out, v)
		}
		return out, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("-t %q: want start:end:points or a comma-separated list", s)
	}
	start, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, fmt.Errorf("-t start: %w", err)
	}
	end, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, fmt.Errorf("-t end: %w", err)
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil || n < 2 {
		return nil, fmt.Errorf("-t points: want an integer of at least 2, got %q", parts[2])
	}
	if end < start {
		return nil, fmt.Errorf("-t: end %g before start %g", end, start)
	}
	out := make([]float64, n)
	step := (end - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = end
	return out, nil
}

// keyValues parses name=value,name=value.
func keyValues(s string) (map[string]float64, error) {
	out := map[string]float64{}
	if s == "" {
		return out, nil
	}
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("%q: want name=value", kv)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[strings.TrimSpace(k)] = f
	}
	return out, nil
}
