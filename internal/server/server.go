// Package server exposes kernel compilation and simulation over HTTP.
//
//	POST /compile   network document -> kernel source, stoichiometry, hazards
//	POST /simulate  network document + batch -> trajectory summaries
//	GET  /runs      recent runs from the ledger
//	GET  /health    liveness
//	GET  /metrics   prometheus
package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/device"
	"github.com/njchilds90/gossa/kernel"
	"github.com/njchilds90/gossa/network"
	"github.com/njchilds90/gossa/propensity"
	"github.com/njchilds90/gossa/ssa"
	"github.com/njchilds90/gossa/symbolic"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// RunLister is the read side of the run ledger.
type RunLister interface {
	Recent(ctx context.Context, n int) ([]ssa.RunRecord, error)
}

// Options configures a Server.
type Options struct {
	Backend device.Backend
	Threads int
	// CacheSize bounds the number of live simulators. Default 16.
	CacheSize int
	// MaxSims caps num_sim and batch rows per request. Default 100000.
	MaxSims int
	// MaxCells caps checkpoints x simulations x species per request.
	// Default 1<<25.
	MaxCells int
	Logger   *slog.Logger
	Metrics  *ssa.Metrics
	Gatherer prometheus.Gatherer
	Recorder ssa.Recorder
	Runs     RunLister
}

// Server handles requests. Simulators are cached by network and precision
// so that a kernel is built once per distinct model.
type Server struct {
	opts   Options
	logger *slog.Logger
	sims   *lru.Cache[string, *entry]

	mu sync.Mutex // guards entry refs and evicted
}

// entry is a cached simulator. An evicted entry is closed once no request
// holds it.
type entry struct {
	sim     *ssa.Simulator
	refs    int
	evicted bool
}

// New returns a Server.
func New(opts Options) (*Server, error) {
	if opts.Backend == nil {
		return nil, errors.New("server: no backend")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 16
	}
	if opts.MaxSims <= 0 {
		opts.MaxSims = 100000
	}
	if opts.MaxCells <= 0 {
		opts.MaxCells = 1 << 25
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{opts: opts, logger: logger}
	sims, err := lru.NewWithEvict(opts.CacheSize, func(key string, e *entry) {
		logger.Debug("evicting simulator", "key", key[:12])
		s.mu.Lock()
		e.evicted = true
		idle := e.refs == 0
		s.mu.Unlock()
		if idle {
			s.closeSim(e)
		}
	})
	if err != nil {
		return nil, err
	}
	s.sims = sims
	return s, nil
}

func (s *Server) closeSim(e *entry) {
	if err := e.sim.Close(); err != nil {
		s.logger.Warn("closing simulator", "err", err)
	}
}

// hold takes a reference on e unless it was already evicted.
func (s *Server) hold(e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.evicted {
		return false
	}
	e.refs++
	return true
}

// release drops a reference taken by acquire, closing the simulator when it
// was evicted meanwhile.
func (s *Server) release(e *entry) {
	s.mu.Lock()
	e.refs--
	idle := e.evicted && e.refs == 0
	s.mu.Unlock()
	if idle {
		s.closeSim(e)
	}
}

// Close evicts every cached simulator. Simulators still running a request
// are closed when it finishes.
func (s *Server) Close() {
	s.sims.Purge()
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/compile", s.recovered(s.post(s.handleCompile)))
	mux.HandleFunc("/simulate", s.recovered(s.post(s.handleSimulate)))
	mux.HandleFunc("/runs", s.recovered(s.handleRuns))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"backend":    s.opts.Backend.Name(),
			"simulators": s.sims.Len(),
			"time":       time.Now().UTC().Format(time.RFC3339),
		})
	})
	gatherer := s.opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) recovered(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic", "path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		h(w, r)
	}
}

// post reads one JSON value from a POST body and passes it to h.
func (s *Server) post(h func(http.ResponseWriter, *http.Request, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		defer r.Body.Close()
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h(w, r, raw)
	}
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("invalid JSON: trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	var (
		ce *gossa.ConfigurationError
		ee *gossa.ExpansionError
		de *gossa.DimensionError
		se *symbolic.SyntaxError
		ue *gossa.UnavailableBackendError
	)
	switch {
	case errors.As(err, &ce), errors.As(err, &ee), errors.As(err, &de), errors.As(err, &se):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ue), errors.Is(err, ssa.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// CompileRequest is the body of POST /compile.
type CompileRequest struct {
	Network   network.Document `json:"network"`
	Precision string           `json:"precision,omitempty"`
}

// CompileResponse is the reply of POST /compile.
type CompileResponse struct {
	Name          string   `json:"name"`
	Precision     string   `json:"precision"`
	Digest        string   `json:"digest"`
	EntryPoints   []string `json:"entry_points"`
	Species       int      `json:"species"`
	Reactions     int      `json:"reactions"`
	Parameters    []string `json:"parameters"`
	Hazards       []string `json:"hazards"`
	Stoichiometry string   `json:"stoichiometry"`
	Source        string   `json:"source"`
}

func parsePrecision(s string) (propensity.Precision, error) {
	if s == "" {
		return propensity.Single, nil
	}
	p, err := propensity.ParsePrecision(s)
	if err != nil {
		return p, gossa.Configf("precision", "%v", err)
	}
	return p, nil
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request, raw []byte) {
	var req CompileRequest
	if err := decodeStrict(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	prec, err := parsePrecision(req.Precision)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	n, err := req.Network.Network()
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	prog, err := propensity.Compile(n, propensity.Options{Dialect: propensity.CUDA(prec), Logger: s.logger})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	src, err := kernel.Assemble(n.Name, prog, prec)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, CompileResponse{
		Name:          n.Name,
		Precision:     prec.String(),
		Digest:        src.Digest,
		EntryPoints:   src.EntryPoints,
		Species:       prog.NumSpecies,
		Reactions:     prog.NumReactions,
		Parameters:    prog.ParamNames,
		Hazards:       prog.Rates(),
		Stoichiometry: prog.StoichText(),
		Source:        src.Text,
	})
}

// SimulateRequest is the body of POST /simulate.
type SimulateRequest struct {
	Network     network.Document `json:"network"`
	Precision   string           `json:"precision,omitempty"`
	Mode        ssa.Mode         `json:"mode,omitempty"`
	Checkpoints []float64        `json:"checkpoints"`
	NumSim      int              `json:"num_sim,omitempty"`
	Params      [][]float64      `json:"params,omitempty"`
	Initials    [][]float64      `json:"initials,omitempty"`
	Threads     int              `json:"threads,omitempty"`
	Seed        uint64           `json:"seed,omitempty"`
	// Raw includes the full [sim][time][species] data.
	Raw bool `json:"raw,omitempty"`
}

// SpeciesSummary is the ensemble statistics of one species over time.
type SpeciesSummary struct {
	Species string        `json:"species"`
	Points  []ssa.Summary `json:"points"`
}

// SimulateResponse is the reply of POST /simulate.
type SimulateResponse struct {
	RunID     string           `json:"run_id"`
	Mode      ssa.Mode         `json:"mode"`
	Seed      uint64           `json:"seed"`
	Backend   string           `json:"backend"`
	Digest    string           `json:"digest"`
	NumSims   int              `json:"num_sims"`
	Times     []float64        `json:"times"`
	Summaries []SpeciesSummary `json:"summaries"`
	Data      []int32          `json:"data,omitempty"`
	ElapsedMS float64          `json:"elapsed_ms"`
}

// acquire returns the cached simulator for doc at prec, creating it on a
// miss. The caller must release the entry.
func (s *Server) acquire(ctx context.Context, doc network.Document, prec propensity.Precision) (*entry, error) {
	canon, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(append(canon, byte(prec)))
	key := hex.EncodeToString(sum[:])
	if e, ok := s.sims.Get(key); ok && s.hold(e) {
		return e, nil
	}
	n, err := doc.Network()
	if err != nil {
		return nil, err
	}
	sim, err := ssa.New(ctx, n, ssa.Options{
		Backend:   s.opts.Backend,
		Precision: prec,
		Threads:   s.opts.Threads,
		Logger:    s.logger,
		Metrics:   s.opts.Metrics,
		Recorder:  s.opts.Recorder,
	})
	if err != nil {
		return nil, err
	}
	e := &entry{sim: sim, refs: 1}
	prev, ok, _ := s.sims.PeekOrAdd(key, e)
	if !ok {
		return e, nil
	}
	if s.hold(prev) {
		// lost a race with a concurrent request for the same model
		s.closeSim(e)
		return prev, nil
	}
	// prev is on its way out; run on our own uncached simulator
	e.evicted = true
	return e, nil
}

// cells is the number of values a batch returns.
func cells(req *SimulateRequest) int64 {
	sims := max(req.NumSim, len(req.Params), len(req.Initials))
	return int64(sims) * int64(len(req.Checkpoints)) * int64(len(req.Network.Species))
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request, raw []byte) {
	var req SimulateRequest
	if err := decodeStrict(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	prec, err := parsePrecision(req.Precision)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if req.NumSim > s.opts.MaxSims || len(req.Params) > s.opts.MaxSims || len(req.Initials) > s.opts.MaxSims {
		err := gossa.Configf("num_sim", "at most %d simulations per request", s.opts.MaxSims)
		writeError(w, statusOf(err), err)
		return
	}
	if c := cells(&req); c > int64(s.opts.MaxCells) {
		err := gossa.Configf("checkpoints", "batch returns %d values (checkpoints x simulations x species), limit %d", c, s.opts.MaxCells)
		writeError(w, statusOf(err), err)
		return
	}
	e, err := s.acquire(r.Context(), req.Network, prec)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	defer s.release(e)
	sim := e.sim
	batch := ssa.Request{
		Checkpoints: req.Checkpoints,
		Params:      req.Params,
		Initials:    req.Initials,
		NumSim:      req.NumSim,
		Threads:     req.Threads,
		Seed:        req.Seed,
	}
	start := time.Now()
	var tr *ssa.Trajectory
	switch req.Mode {
	case "", ssa.ModeAll:
		tr, err = sim.Run(r.Context(), batch)
	case ssa.ModeStep:
		tr, err = sim.RunOneStep(r.Context(), batch)
	default:
		err = gossa.Configf("mode", "unknown mode %q (want %s or %s)", req.Mode, ssa.ModeAll, ssa.ModeStep)
	}
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	resp := SimulateResponse{
		RunID:     tr.RunID.String(),
		Mode:      tr.Mode,
		Seed:      tr.Seed,
		Backend:   sim.Backend(),
		Digest:    sim.Source().Digest,
		NumSims:   tr.NumSims,
		Times:     tr.Times,
		ElapsedMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	for j, name := range tr.Species {
		ss := SpeciesSummary{Species: name, Points: make([]ssa.Summary, len(tr.Times))}
		for t := range tr.Times {
			if ss.Points[t], err = tr.Summary(t, j); err != nil {
				writeError(w, http.StatusInternalServerError, fmt.Errorf("summary of %s: %w", name, err))
				return
			}
		}
		resp.Summaries = append(resp.Summaries, ss)
	}
	if req.Raw {
		resp.Data = tr.Data
	}
	writeJSON(w, http.StatusOK, resp)
}

// RunView is the JSON form of a ledger entry.
type RunView struct {
	ID          string    `json:"id"`
	Network     string    `json:"network"`
	Digest      string    `json:"digest"`
	Backend     string    `json:"backend"`
	Mode        ssa.Mode  `json:"mode"`
	Sims        int       `json:"sims"`
	Slots       int       `json:"slots"`
	Checkpoints int       `json:"checkpoints"`
	Threads     int       `json:"threads"`
	Blocks      int       `json:"blocks"`
	Seed        uint64    `json:"seed"`
	Started     time.Time `json:"started"`
	ElapsedMS   float64   `json:"elapsed_ms"`
	Error       string    `json:"error,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Runs == nil {
		writeError(w, http.StatusNotFound, errors.New("no run ledger configured"))
		return
	}
	n := 20
	if v := r.URL.Query().Get("n"); v != "" {
		var err error
		if n, err = strconv.Atoi(v); err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("n must be a positive integer, got %q", v))
			return
		}
	}
	recs, err := s.opts.Runs.Recent(r.Context(), n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]RunView, len(recs))
	for i, rec := range recs {
		out[i] = RunView{
			ID:          rec.ID.String(),
			Network:     rec.Network,
			Digest:      rec.Digest,
			Backend:     rec.Backend,
			Mode:        rec.Mode,
			Sims:        rec.Sims,
			Slots:       rec.Slots,
			Checkpoints: rec.Checkpoints,
			Threads:     rec.Threads,
			Blocks:      rec.Blocks,
			Seed:        rec.Seed,
			Started:     rec.Started.UTC(),
			ElapsedMS:   float64(rec.Elapsed.Microseconds()) / 1000,
			Error:       rec.Err,
		}
	}
	writeJSON(w, http.StatusOK, out)
}
