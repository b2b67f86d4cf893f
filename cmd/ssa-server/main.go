// cmd/ssa-server/main.go: HTTP service compiling and running Gillespie kernels.
//
// Usage:
//
//	go run ./cmd/ssa-server -port 8080
//
// Settings come from GOSSA_* environment variables (see package config);
// flags override them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/njchilds90/gossa/config"
	"github.com/njchilds90/gossa/internal/ledger"
	"github.com/njchilds90/gossa/internal/server"
	"github.com/njchilds90/gossa/ssa"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	port := flag.Int("port", 8080, "Port to listen on")
	backend := flag.String("backend", cfg.Backend, "host or cuda")
	threads := flag.Int("threads", cfg.Threads, "Default threads per block")
	cacheSize := flag.Int("cache", 16, "Simulators kept built")
	maxSims := flag.Int("max-sims", 100000, "Simulations allowed per request")
	maxCells := flag.Int("max-cells", 1<<25, "Checkpoints x simulations x species allowed per request")
	ledgerDSN := flag.String("ledger", cfg.LedgerDSN, "Run ledger DSN (sqlite:<path> or postgres://...)")
	flag.Parse()
	cfg.Backend = *backend
	cfg.Threads = *threads

	logger := cfg.NewLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := cfg.OpenBackend(ctx, logger)
	if err != nil {
		log.Fatal(err)
	}
	if err := be.Available(ctx); err != nil {
		log.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := server.Options{
		Backend:   be,
		Threads:   cfg.Threads,
		CacheSize: *cacheSize,
		MaxSims:   *maxSims,
		MaxCells:  *maxCells,
		Logger:    logger,
		Metrics:   ssa.NewMetrics(reg),
		Gatherer:  reg,
	}
	if *ledgerDSN != "" {
		l, err := ledger.Open(ctx, *ledgerDSN)
		if err != nil {
			log.Fatal(err)
		}
		defer l.Close()
		opts.Recorder = l
		opts.Runs = l
	}
	srv, err := server.New(opts)
	if err != nil {
		log.Fatal(err)
	}
	defer srv.Close()

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("ssa server listening", "addr", addr, "backend", be.Name(), "ledger", *ledgerDSN != "")

	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdown)
	}()
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
