package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njchilds90/gossa/device"
	"github.com/njchilds90/gossa/network"
	"github.com/njchilds90/gossa/propensity"
	"github.com/njchilds90/gossa/ssa"
)

const dimerJSON = `{
	"name": "dimer",
	"species": [{"name": "A", "initial": 60}, {"name": "B", "initial": 20}],
	"parameters": [{"name": "kf", "value": 0.005}, {"name": "kr", "value": 0.2}],
	"reactions": [
		{"reactants": [0, 0], "products": [1], "rate": "kf*__s0**2"},
		{"reactants": [1], "products": [0, 0], "rate": "kr*__s1"}
	]
}`

type memRuns struct{ recs []ssa.RunRecord }

func (m *memRuns) Record(_ context.Context, rec ssa.RunRecord) error {
	m.recs = append([]ssa.RunRecord{rec}, m.recs...)
	return nil
}

func (m *memRuns) Recent(_ context.Context, n int) ([]ssa.RunRecord, error) {
	return m.recs[:min(n, len(m.recs))], nil
}

func newServer(t *testing.T) (*Server, *memRuns) {
	t.Helper()
	reg := prometheus.NewRegistry()
	runs := &memRuns{}
	s, err := New(Options{
		Backend:   device.NewHost(device.HostOptions{}),
		CacheSize: 1,
		MaxSims:   64,
		Metrics:   ssa.NewMetrics(reg),
		Gatherer:  reg,
		Recorder:  runs,
		Runs:      runs,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, runs
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCompile(t *testing.T) {
	s, _ := newServer(t)
	rec := do(t, s.Handler(), http.MethodPost, "/compile", `{"network": `+dimerJSON+`, "precision": "64"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp CompileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "double", resp.Precision)
	assert.Equal(t, []string{"param_arry[0]*(y[0]-1)*y[0]", "param_arry[1]*y[1]"}, resp.Hazards)
	assert.Equal(t, "-2,1,\n2,-1\n", resp.Stoichiometry)
	assert.Contains(t, resp.Source, "typedef double real_t;")
	assert.Equal(t, []string{"Gillespie_one_step", "Gillespie_all_steps"}, resp.EntryPoints)
}

func TestCompile_BadRequests(t *testing.T) {
	s, _ := newServer(t)
	h := s.Handler()
	for name, tc := range map[string]struct {
		method, body string
		status       int
	}{
		"method":        {http.MethodGet, "", http.StatusMethodNotAllowed},
		"not json":      {http.MethodPost, "{", http.StatusBadRequest},
		"unknown field": {http.MethodPost, `{"network": ` + dimerJSON + `, "colour": 1}`, http.StatusBadRequest},
		"precision":     {http.MethodPost, `{"network": ` + dimerJSON + `, "precision": "16"}`, http.StatusUnprocessableEntity},
		"syntax":        {http.MethodPost, `{"network": {"species": [{"name": "A"}], "parameters": [], "reactions": [{"reactants": [0], "products": [], "rate": "k*("}]}}`, http.StatusUnprocessableEntity},
		"hostile name":  {http.MethodPost, `{"network": {"name": "x\"\nint pwn;\n//", "species": [{"name": "A"}], "parameters": [{"name": "k", "value": 1}], "reactions": [{"reactants": [0], "products": [], "rate": "k*__s0"}]}}`, http.StatusUnprocessableEntity},
		"unknown name":  {http.MethodPost, `{"network": {"species": [{"name": "A"}], "parameters": [], "reactions": [{"reactants": [0], "products": [], "rate": "k*__s0"}]}}`, http.StatusUnprocessableEntity},
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, tc.method, "/compile", tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestSimulate(t *testing.T) {
	s, runs := newServer(t)
	h := s.Handler()
	body := `{"network": ` + dimerJSON + `, "checkpoints": [0, 1, 2], "num_sim": 5, "seed": 9, "raw": true}`
	rec := do(t, h, http.MethodPost, "/simulate", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp SimulateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ssa.ModeAll, resp.Mode)
	assert.Equal(t, uint64(9), resp.Seed)
	assert.Equal(t, 5, resp.NumSims)
	require.Len(t, resp.Summaries, 2)
	assert.Equal(t, 60.0, resp.Summaries[0].Points[0].Mean)
	assert.Len(t, resp.Data, 5*3*2)
	for i := 0; i < 5*3; i++ {
		assert.Equal(t, int32(100), resp.Data[2*i]+2*resp.Data[2*i+1])
	}

	// same model: cached simulator, same seed, same data
	again := do(t, h, http.MethodPost, "/simulate", body)
	require.Equal(t, http.StatusOK, again.Code)
	var resp2 SimulateResponse
	require.NoError(t, json.Unmarshal(again.Body.Bytes(), &resp2))
	assert.Equal(t, resp.Data, resp2.Data)
	assert.Equal(t, 1, s.sims.Len())

	step := do(t, h, http.MethodPost, "/simulate", `{"network": `+dimerJSON+`, "mode": "step", "checkpoints": [0, 1], "num_sim": 3}`)
	require.Equal(t, http.StatusOK, step.Code, step.Body.String())

	require.Len(t, runs.recs, 3)
	rr := do(t, h, http.MethodGet, "/runs?n=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var views []RunView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, ssa.ModeStep, views[0].Mode)
	assert.Equal(t, "dimer", views[1].Network)

	m := do(t, h, http.MethodGet, "/metrics", "")
	assert.Contains(t, m.Body.String(), `gossa_simulations_total`)
}

func TestSimulate_Errors(t *testing.T) {
	s, _ := newServer(t)
	h := s.Handler()
	for name, tc := range map[string]struct {
		body   string
		status int
	}{
		"no checkpoints": {`{"network": ` + dimerJSON + `, "num_sim": 1}`, http.StatusUnprocessableEntity},
		"too many":       {`{"network": ` + dimerJSON + `, "checkpoints": [0, 1], "num_sim": 65}`, http.StatusUnprocessableEntity},
		"mode":           {`{"network": ` + dimerJSON + `, "checkpoints": [0, 1], "num_sim": 1, "mode": "tau"}`, http.StatusUnprocessableEntity},
		"row width":      {`{"network": ` + dimerJSON + `, "checkpoints": [0, 1], "params": [[1]]}`, http.StatusUnprocessableEntity},
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/simulate", tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestSimulate_CellLimit(t *testing.T) {
	s, err := New(Options{
		Backend:  device.NewHost(device.HostOptions{}),
		MaxCells: 100,
		Gatherer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	h := s.Handler()

	// 3 checkpoints x 20 sims x 2 species
	rec := do(t, h, http.MethodPost, "/simulate", `{"network": `+dimerJSON+`, "checkpoints": [0, 1, 2], "num_sim": 20}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "120 values")
	assert.Zero(t, s.sims.Len())

	rec = do(t, h, http.MethodPost, "/simulate", `{"network": `+dimerJSON+`, "checkpoints": [0, 1, 2], "num_sim": 2}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestEvictionWaitsForRunningRequest(t *testing.T) {
	s, _ := newServer(t)
	ctx := context.Background()
	var a, b network.Document
	require.NoError(t, json.Unmarshal([]byte(dimerJSON), &a))
	require.NoError(t, json.Unmarshal([]byte(dimerJSON), &b))
	b.Name = "dimer2"

	held, err := s.acquire(ctx, a, propensity.Single)
	require.NoError(t, err)
	other, err := s.acquire(ctx, b, propensity.Single)
	require.NoError(t, err)
	s.release(other)
	require.Equal(t, 1, s.sims.Len())
	assert.True(t, held.evicted)

	batch := ssa.Request{Checkpoints: []float64{0, 1}, NumSim: 2, Seed: 1}
	_, err = held.sim.Run(ctx, batch)
	require.NoError(t, err, "evicted simulator closed while in use")

	s.release(held)
	_, err = held.sim.Run(ctx, batch)
	assert.ErrorIs(t, err, ssa.ErrClosed)

	// a fresh request for the evicted model gets a new simulator
	again, err := s.acquire(ctx, a, propensity.Single)
	require.NoError(t, err)
	defer s.release(again)
	assert.NotSame(t, held.sim, again.sim)
	_, err = again.sim.Run(ctx, batch)
	require.NoError(t, err)
}

func TestRuns_NoLedger(t *testing.T) {
	s, err := New(Options{Backend: device.NewHost(device.HostOptions{}), Gatherer: prometheus.NewRegistry()})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/runs", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/health", "").Code)

	runs := &memRuns{recs: []ssa.RunRecord{{ID: uuid.New(), Started: time.Now(), Elapsed: time.Millisecond}}}
	s.opts.Runs = runs
	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodGet, "/runs?n=x", "").Code)
}
